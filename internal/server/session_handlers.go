package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/pairdev/pairdev/internal/common/errors"
	"github.com/pairdev/pairdev/internal/common/logger"
	"github.com/pairdev/pairdev/internal/gitsync"
	"github.com/pairdev/pairdev/internal/session/manager"
	v1 "github.com/pairdev/pairdev/pkg/api/v1"
)

// SessionHandlers serves multiplayer session and prompt queue
// endpoints, plus write-tool admission through the git-sync gate.
type SessionHandlers struct {
	sessions *manager.Manager
	gate     *gitsync.Gate
	logger   *logger.Logger
}

func NewSessionHandlers(sessions *manager.Manager, gate *gitsync.Gate, log *logger.Logger) *SessionHandlers {
	return &SessionHandlers{
		sessions: sessions,
		gate:     gate,
		logger:   log.WithComponent("session-handlers"),
	}
}

func RegisterSessionRoutes(router *gin.Engine, sessions *manager.Manager, gate *gitsync.Gate, log *logger.Logger) *SessionHandlers {
	h := NewSessionHandlers(sessions, gate, log)
	api := router.Group("/api/v1")
	api.POST("/session", h.create)
	api.GET("/session", h.list)
	api.GET("/session/:id", h.get)
	api.DELETE("/session/:id", h.delete)
	api.POST("/session/:id/join", h.join)
	api.POST("/session/:id/leave", h.leave)
	api.POST("/session/:id/connect", h.connect)
	api.POST("/session/:id/disconnect", h.disconnect)
	api.POST("/session/:id/cursor", h.cursor)
	api.POST("/session/:id/lock", h.acquireLock)
	api.DELETE("/session/:id/lock", h.releaseLock)
	api.GET("/session/:id/can-edit", h.canEdit)
	api.PATCH("/session/:id/state", h.updateState)
	api.POST("/session/:id/admit", h.admitTool)
	api.POST("/session/:id/prompts", h.addPrompt)
	api.POST("/session/:id/prompts/next", h.startNextPrompt)
	api.POST("/session/:id/prompts/complete", h.completePrompt)
	api.DELETE("/session/:id/prompts", h.clearPrompts)
	api.POST("/session/:id/prompts/:promptID/cancel", h.cancelPrompt)
	api.POST("/session/:id/prompts/:promptID/reorder", h.reorderPrompt)
	return h
}

func (h *SessionHandlers) create(c *gin.Context) {
	var input manager.CreateInput
	if err := c.ShouldBindJSON(&input); err != nil {
		respondError(c, h.logger, apperrors.BadRequest("invalid request body"))
		return
	}
	session, err := h.sessions.Create(c.Request.Context(), input)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, session)
}

func (h *SessionHandlers) list(c *gin.Context) {
	sessions, err := h.sessions.List(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (h *SessionHandlers) get(c *gin.Context) {
	session, err := h.sessions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

func (h *SessionHandlers) delete(c *gin.Context) {
	if err := h.sessions.Delete(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

func (h *SessionHandlers) join(c *gin.Context) {
	var input manager.JoinInput
	if err := c.ShouldBindJSON(&input); err != nil || input.UserID == "" {
		respondError(c, h.logger, apperrors.ValidationError("user_id", "user_id is required"))
		return
	}
	user, err := h.sessions.Join(c.Request.Context(), c.Param("id"), input)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, user)
}

type userRequest struct {
	UserID string `json:"user_id" binding:"required"`
}

func (h *SessionHandlers) leave(c *gin.Context) {
	var req userRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, h.logger, apperrors.ValidationError("user_id", "user_id is required"))
		return
	}
	if err := h.sessions.Leave(c.Request.Context(), c.Param("id"), req.UserID); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "left"})
}

func (h *SessionHandlers) connect(c *gin.Context) {
	var input manager.ConnectInput
	if err := c.ShouldBindJSON(&input); err != nil || input.UserID == "" {
		respondError(c, h.logger, apperrors.ValidationError("user_id", "user_id is required"))
		return
	}
	client, err := h.sessions.Connect(c.Request.Context(), c.Param("id"), input)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, client)
}

type disconnectRequest struct {
	ClientID string `json:"client_id" binding:"required"`
}

func (h *SessionHandlers) disconnect(c *gin.Context) {
	var req disconnectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, h.logger, apperrors.ValidationError("client_id", "client_id is required"))
		return
	}
	if err := h.sessions.Disconnect(c.Request.Context(), c.Param("id"), req.ClientID); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "disconnected"})
}

type cursorRequest struct {
	UserID string    `json:"user_id" binding:"required"`
	Cursor v1.Cursor `json:"cursor"`
}

func (h *SessionHandlers) cursor(c *gin.Context) {
	var req cursorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, h.logger, apperrors.ValidationError("user_id", "user_id is required"))
		return
	}
	if err := h.sessions.UpdateCursor(c.Request.Context(), c.Param("id"), req.UserID, req.Cursor); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "updated"})
}

func (h *SessionHandlers) acquireLock(c *gin.Context) {
	var req userRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, h.logger, apperrors.ValidationError("user_id", "user_id is required"))
		return
	}
	if err := h.sessions.AcquireLock(c.Request.Context(), c.Param("id"), req.UserID); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "acquired"})
}

func (h *SessionHandlers) releaseLock(c *gin.Context) {
	var req userRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, h.logger, apperrors.ValidationError("user_id", "user_id is required"))
		return
	}
	if err := h.sessions.ReleaseLock(c.Request.Context(), c.Param("id"), req.UserID); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "released"})
}

func (h *SessionHandlers) canEdit(c *gin.Context) {
	userID := c.Query("userID")
	if userID == "" {
		respondError(c, h.logger, apperrors.ValidationError("userID", "userID query parameter is required"))
		return
	}
	ok, err := h.sessions.CanEdit(c.Request.Context(), c.Param("id"), userID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"canEdit": ok})
}

func (h *SessionHandlers) updateState(c *gin.Context) {
	var patch manager.StatePatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		respondError(c, h.logger, apperrors.BadRequest("invalid request body"))
		return
	}
	session, err := h.sessions.UpdateState(c.Request.Context(), c.Param("id"), patch)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

type admitRequest struct {
	Tool string `json:"tool" binding:"required"`
}

// admitTool blocks write-class tools until the session's working tree
// is synced.
func (h *SessionHandlers) admitTool(c *gin.Context) {
	var req admitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, h.logger, apperrors.ValidationError("tool", "tool is required"))
		return
	}
	if err := h.gate.Admit(c.Request.Context(), c.Param("id"), req.Tool); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"admitted": true})
}

type addPromptRequest struct {
	UserID   string `json:"user_id" binding:"required"`
	Content  string `json:"content"`
	Priority string `json:"priority"`
}

func (h *SessionHandlers) addPrompt(c *gin.Context) {
	var req addPromptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, h.logger, apperrors.ValidationError("user_id", "user_id is required"))
		return
	}
	prompt, err := h.sessions.AddPrompt(c.Request.Context(), c.Param("id"), req.UserID, req.Content, v1.ParsePriority(req.Priority))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, prompt)
}

func (h *SessionHandlers) startNextPrompt(c *gin.Context) {
	prompt, err := h.sessions.StartNextPrompt(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if prompt == nil {
		c.JSON(http.StatusOK, gin.H{"prompt": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"prompt": prompt})
}

func (h *SessionHandlers) completePrompt(c *gin.Context) {
	prompt, err := h.sessions.CompletePrompt(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"prompt": prompt})
}

func (h *SessionHandlers) clearPrompts(c *gin.Context) {
	removed, err := h.sessions.ClearPrompts(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

func (h *SessionHandlers) cancelPrompt(c *gin.Context) {
	var req userRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, h.logger, apperrors.ValidationError("user_id", "user_id is required"))
		return
	}
	ok, err := h.sessions.CancelPrompt(c.Request.Context(), c.Param("id"), c.Param("promptID"), req.UserID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": ok})
}

type reorderRequest struct {
	UserID   string `json:"user_id" binding:"required"`
	NewIndex int    `json:"new_index"`
}

func (h *SessionHandlers) reorderPrompt(c *gin.Context) {
	var req reorderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, h.logger, apperrors.ValidationError("user_id", "user_id is required"))
		return
	}
	ok, err := h.sessions.ReorderPrompt(c.Request.Context(), c.Param("id"), c.Param("promptID"), req.UserID, req.NewIndex)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reordered": ok})
}
