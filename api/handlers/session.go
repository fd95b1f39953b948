// Package handlers provides HTTP API request handlers.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/204313508/iflow2web/internal/model"
	"github.com/204313508/iflow2web/internal/session"
)

// HandleCloser tears down the agent handle of a session.
type HandleCloser interface {
	Close(sessionID string) error
}

// SessionHandler handles HTTP requests for session management.
type SessionHandler struct {
	registry *session.Registry
	handles  HandleCloser
	// workingDir resolves the directory for a request that names none.
	workingDir func(dir string) string
	logger     zerolog.Logger
}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler(registry *session.Registry, handles HandleCloser, workingDir func(string) string, logger zerolog.Logger) *SessionHandler {
	if workingDir == nil {
		workingDir = func(dir string) string { return dir }
	}
	return &SessionHandler{
		registry:   registry,
		handles:    handles,
		workingDir: workingDir,
		logger:     logger,
	}
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Detail string `json:"detail"`
}

// SessionListResponse is the body of GET /api/sessions.
type SessionListResponse struct {
	Sessions []model.Session `json:"sessions"`
}

// MessageResponse carries a human-readable confirmation.
type MessageResponse struct {
	Message string `json:"message"`
}

// sendError sends an error response with the appropriate status code.
func sendError(c *gin.Context, statusCode int, detail string) {
	c.AbortWithStatusJSON(statusCode, ErrorResponse{Detail: detail})
}

// Create handles POST /api/sessions - creates a new session.
func (h *SessionHandler) Create(c *gin.Context) {
	var req model.CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	req.WorkingDir = h.workingDir(req.WorkingDir)

	sess, err := h.registry.Create(req)
	if err != nil {
		switch {
		case errors.Is(err, model.ErrInvalidModel),
			errors.Is(err, model.ErrDirectoryNotAllowed),
			errors.Is(err, model.ErrWorkingDirRequired):
			sendError(c, http.StatusBadRequest, err.Error())
		default:
			h.logger.Error().Err(err).Msg("failed to create session")
			sendError(c, http.StatusInternalServerError, "Failed to create session: "+err.Error())
		}
		return
	}

	c.JSON(http.StatusOK, sess)
}

// List handles GET /api/sessions - lists all sessions.
func (h *SessionHandler) List(c *gin.Context) {
	c.JSON(http.StatusOK, SessionListResponse{Sessions: h.registry.List()})
}

// Get handles GET /api/sessions/:id - gets a specific session.
func (h *SessionHandler) Get(c *gin.Context) {
	sess, ok := h.registry.Get(c.Param("id"))
	if !ok {
		sendError(c, http.StatusNotFound, "Session not found")
		return
	}
	c.JSON(http.StatusOK, sess)
}

// Delete handles DELETE /api/sessions/:id - deletes a session and closes its
// agent handle.
func (h *SessionHandler) Delete(c *gin.Context) {
	sessionID := c.Param("id")
	if !h.registry.Delete(sessionID) {
		sendError(c, http.StatusNotFound, "Session not found")
		return
	}

	if h.handles != nil {
		if err := h.handles.Close(sessionID); err != nil {
			h.logger.Warn().Err(err).Str("session_id", sessionID).Msg("failed to close agent handle")
		}
	}

	c.JSON(http.StatusOK, MessageResponse{Message: "Session deleted"})
}

// RegisterRoutes registers the session handler routes on a Gin router group.
func (h *SessionHandler) RegisterRoutes(rg *gin.RouterGroup) {
	sessions := rg.Group("/sessions")
	{
		sessions.GET("", h.List)
		sessions.POST("", h.Create)
		sessions.GET("/:id", h.Get)
		sessions.DELETE("/:id", h.Delete)
	}
}
