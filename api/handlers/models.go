package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/204313508/iflow2web/internal/models"
)

// ModelsHandler serves the model list.
type ModelsHandler struct {
	catalog *models.Catalog
}

// NewModelsHandler creates a new ModelsHandler.
func NewModelsHandler(catalog *models.Catalog) *ModelsHandler {
	return &ModelsHandler{catalog: catalog}
}

// List handles GET /api/models.
func (h *ModelsHandler) List(c *gin.Context) {
	c.JSON(http.StatusOK, h.catalog.Fetch(c.Request.Context()))
}

// RegisterRoutes registers the models route on a Gin router group.
func (h *ModelsHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/models", h.List)
}
