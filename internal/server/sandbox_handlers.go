package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	apperrors "github.com/pairdev/pairdev/internal/common/errors"
	"github.com/pairdev/pairdev/internal/common/logger"
	"github.com/pairdev/pairdev/internal/sandbox"
	"github.com/pairdev/pairdev/internal/sandbox/snapshot"
	"github.com/pairdev/pairdev/internal/sandbox/warmpool"
)

// SandboxHandlers serves sandbox lifecycle, exec, logs, git and warm
// pool endpoints.
type SandboxHandlers struct {
	provider  sandbox.Provider
	pool      *warmpool.Pool
	snapshots *snapshot.Manager
	logger    *logger.Logger
}

func NewSandboxHandlers(provider sandbox.Provider, pool *warmpool.Pool, snapshots *snapshot.Manager, log *logger.Logger) *SandboxHandlers {
	return &SandboxHandlers{
		provider:  provider,
		pool:      pool,
		snapshots: snapshots,
		logger:    log.WithComponent("sandbox-handlers"),
	}
}

func RegisterSandboxRoutes(router *gin.Engine, provider sandbox.Provider, pool *warmpool.Pool, snapshots *snapshot.Manager, log *logger.Logger) *SandboxHandlers {
	h := NewSandboxHandlers(provider, pool, snapshots, log)
	api := router.Group("/api/v1")
	api.POST("/sandbox", h.create)
	api.GET("/sandbox", h.list)
	api.GET("/sandbox/:id", h.get)
	api.POST("/sandbox/:id/start", h.start)
	api.POST("/sandbox/:id/stop", h.stop)
	api.POST("/sandbox/:id/terminate", h.terminate)
	api.POST("/sandbox/:id/snapshot", h.snapshot)
	api.POST("/sandbox/restore", h.restore)
	api.GET("/sandbox/snapshots", h.listSnapshots)
	api.DELETE("/sandbox/snapshots/:id", h.deleteSnapshot)
	api.POST("/sandbox/:id/exec", h.exec)
	api.GET("/sandbox/:id/logs/:service", h.streamLogs)
	api.GET("/sandbox/:id/git", h.gitStatus)
	api.POST("/sandbox/:id/git/sync", h.gitSync)
	api.POST("/sandbox/pool/claim", h.poolClaim)
	api.POST("/sandbox/pool/typing", h.poolTyping)
	api.GET("/sandbox/pool/stats", h.poolStats)
	return h
}

func (h *SandboxHandlers) create(c *gin.Context) {
	var input sandbox.CreateInput
	if err := c.ShouldBindJSON(&input); err != nil {
		respondError(c, h.logger, apperrors.BadRequest("invalid request body"))
		return
	}
	sb, err := h.provider.Create(c.Request.Context(), input)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, sb)
}

func (h *SandboxHandlers) list(c *gin.Context) {
	sandboxes, err := h.provider.List(c.Request.Context(), c.Query("projectID"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sandboxes": sandboxes})
}

func (h *SandboxHandlers) get(c *gin.Context) {
	sb, err := h.provider.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, sb)
}

func (h *SandboxHandlers) start(c *gin.Context) {
	if err := h.provider.Start(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "started"})
}

func (h *SandboxHandlers) stop(c *gin.Context) {
	if err := h.provider.Stop(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stopped"})
}

func (h *SandboxHandlers) terminate(c *gin.Context) {
	if err := h.provider.Terminate(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "terminated"})
}

type snapshotRequest struct {
	SessionID             string `json:"sessionID" binding:"required"`
	GitCommit             string `json:"gitCommit"`
	HasUncommittedChanges bool   `json:"hasUncommittedChanges"`
}

func (h *SandboxHandlers) snapshot(c *gin.Context) {
	var req snapshotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, h.logger, apperrors.ValidationError("sessionID", "sessionID is required"))
		return
	}
	snap, err := h.snapshots.Create(c.Request.Context(), c.Param("id"), req.SessionID, req.GitCommit, req.HasUncommittedChanges, 0)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"snapshotID": snap.ID, "createdAt": snap.CreatedAt})
}

type restoreRequest struct {
	SessionID string `json:"sessionID" binding:"required"`
}

func (h *SandboxHandlers) restore(c *gin.Context) {
	var req restoreRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, h.logger, apperrors.ValidationError("sessionID", "sessionID is required"))
		return
	}
	sb, err := h.snapshots.Restore(c.Request.Context(), req.SessionID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if sb == nil {
		respondError(c, h.logger, apperrors.NotFound("snapshot for session "+req.SessionID))
		return
	}
	c.JSON(http.StatusOK, sb)
}

func (h *SandboxHandlers) listSnapshots(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"snapshots": h.snapshots.List(c.Query("sessionID"))})
}

func (h *SandboxHandlers) deleteSnapshot(c *gin.Context) {
	if !h.snapshots.Delete(c.Request.Context(), c.Param("id")) {
		respondError(c, h.logger, apperrors.NotFound("snapshot "+c.Param("id")))
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

type execRequest struct {
	Command []string          `json:"command" binding:"required"`
	Cwd     string            `json:"cwd"`
	Env     map[string]string `json:"env"`
	Timeout int               `json:"timeout"` // seconds
}

func (h *SandboxHandlers) exec(c *gin.Context) {
	var req execRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, h.logger, apperrors.ValidationError("command", "command is required"))
		return
	}
	result, err := h.provider.Execute(c.Request.Context(), c.Param("id"), sandbox.ExecInput{
		Command: req.Command,
		Cwd:     req.Cwd,
		Env:     req.Env,
		Timeout: time.Duration(req.Timeout) * time.Second,
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// streamLogs serves one log line per SSE event until the client
// disconnects or the stream ends.
func (h *SandboxHandlers) streamLogs(c *gin.Context) {
	ch, err := h.provider.StreamLogs(c.Request.Context(), c.Param("id"), c.Param("service"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Writer.Flush()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case line, ok := <-ch:
			if !ok {
				return
			}
			c.SSEvent("log", line)
			c.Writer.Flush()
		}
	}
}

func (h *SandboxHandlers) gitStatus(c *gin.Context) {
	status, err := h.provider.GetGitStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *SandboxHandlers) gitSync(c *gin.Context) {
	if err := h.provider.SyncGit(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, h.logger, err)
		return
	}
	status, err := h.provider.GetGitStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

type poolRequest struct {
	Repository string `json:"repository" binding:"required"`
	Branch     string `json:"branch"`
	ImageTag   string `json:"imageTag"`
	ProjectID  string `json:"projectID"`
}

func (r poolRequest) key() sandbox.Key {
	return sandbox.Key{Repository: r.Repository, Branch: r.Branch, ImageTag: r.ImageTag}
}

func (h *SandboxHandlers) poolClaim(c *gin.Context) {
	var req poolRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, h.logger, apperrors.ValidationError("repository", "repository is required"))
		return
	}
	result, err := h.pool.Claim(c.Request.Context(), req.key(), req.ProjectID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *SandboxHandlers) poolTyping(c *gin.Context) {
	var req poolRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, h.logger, apperrors.ValidationError("repository", "repository is required"))
		return
	}
	h.pool.OnTyping(req.key())
	c.JSON(http.StatusAccepted, gin.H{"status": "scheduled"})
}

func (h *SandboxHandlers) poolStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.pool.Stats())
}
