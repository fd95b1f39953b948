package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// WebSocketHandler mounts the browser websocket endpoint.
type WebSocketHandler struct {
	ws http.Handler
}

// NewWebSocketHandler creates a new WebSocketHandler.
func NewWebSocketHandler(ws http.Handler) *WebSocketHandler {
	return &WebSocketHandler{ws: ws}
}

// Serve handles GET /ws. The session id arrives in the first frame, not the URL.
func (h *WebSocketHandler) Serve(c *gin.Context) {
	h.ws.ServeHTTP(c.Writer, c.Request)
}

// RegisterRoutes registers the websocket route.
func (h *WebSocketHandler) RegisterRoutes(r gin.IRoutes) {
	r.GET("/ws", h.Serve)
}
