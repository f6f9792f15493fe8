package server

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/pairdev/pairdev/internal/agent/scheduler"
	"github.com/pairdev/pairdev/internal/agent/spawner"
	apperrors "github.com/pairdev/pairdev/internal/common/errors"
	"github.com/pairdev/pairdev/internal/common/logger"
	"github.com/pairdev/pairdev/internal/events/bus"
)

// BackgroundHandlers serves background agent endpoints.
type BackgroundHandlers struct {
	scheduler *scheduler.Scheduler
	bus       bus.EventBus
	logger    *logger.Logger
}

func NewBackgroundHandlers(sched *scheduler.Scheduler, eventBus bus.EventBus, log *logger.Logger) *BackgroundHandlers {
	return &BackgroundHandlers{
		scheduler: sched,
		bus:       eventBus,
		logger:    log.WithComponent("background-handlers"),
	}
}

func RegisterBackgroundRoutes(router *gin.Engine, sched *scheduler.Scheduler, eventBus bus.EventBus, log *logger.Logger) *BackgroundHandlers {
	h := NewBackgroundHandlers(sched, eventBus, log)
	api := router.Group("/api/v1")
	api.POST("/background/spawn", h.spawn)
	api.GET("/background", h.list)
	api.GET("/background/stats", h.stats)
	api.GET("/background/:id", h.get)
	api.GET("/background/:id/output", h.output)
	api.POST("/background/:id/cancel", h.cancel)
	api.GET("/background/:id/events", h.streamEvents)
	return h
}

type spawnRequest struct {
	ParentSessionID string `json:"parentSessionID" binding:"required"`
	WorkSessionID   string `json:"workSessionID"`
	Task            string `json:"task" binding:"required"`
	Repository      string `json:"repository"`
	Branch          string `json:"branch"`
}

func (h *BackgroundHandlers) spawn(c *gin.Context) {
	var req spawnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, h.logger, apperrors.BadRequest("parentSessionID and task are required"))
		return
	}
	agent, err := h.scheduler.Spawn(c.Request.Context(), spawner.SpawnInput{
		ParentSessionID: req.ParentSessionID,
		WorkSessionID:   req.WorkSessionID,
		Task:            req.Task,
		Repository:      req.Repository,
		Branch:          req.Branch,
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusAccepted, agent)
}

func (h *BackgroundHandlers) list(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"agents": h.scheduler.List(c.Query("sessionID"))})
}

func (h *BackgroundHandlers) stats(c *gin.Context) {
	c.JSON(http.StatusOK, h.scheduler.Stats())
}

func (h *BackgroundHandlers) get(c *gin.Context) {
	agent, err := h.scheduler.Get(c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

func (h *BackgroundHandlers) output(c *gin.Context) {
	agent, err := h.scheduler.Get(c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"agentID": agent.ID,
		"status":  agent.Status,
		"output":  agent.Output,
		"error":   agent.Error,
	})
}

func (h *BackgroundHandlers) cancel(c *gin.Context) {
	if !h.scheduler.Cancel(c.Request.Context(), c.Param("id")) {
		respondError(c, h.logger, apperrors.Conflict("agent is already terminal or unknown"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}

// streamEvents emits the agent's current status, then one status event
// per transition, and a final complete event once terminal.
func (h *BackgroundHandlers) streamEvents(c *gin.Context) {
	id := c.Param("id")
	agent, err := h.scheduler.Get(id)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	updates := make(chan *bus.Event, 16)
	sub, err := h.bus.Subscribe("background.>", func(_ context.Context, event *bus.Event) error {
		if agentID, _ := event.Data["agent_id"].(string); agentID == id {
			select {
			case updates <- event:
			default:
			}
		}
		return nil
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	defer func() { _ = sub.Unsubscribe() }()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	c.SSEvent("status", gin.H{"agentID": id, "status": agent.Status})
	c.Writer.Flush()
	if agent.Status.Terminal() {
		c.SSEvent("complete", gin.H{"agentID": id, "status": agent.Status, "output": agent.Output, "error": agent.Error})
		c.Writer.Flush()
		return
	}

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-updates:
			current, err := h.scheduler.Get(id)
			if err != nil {
				return
			}
			c.SSEvent("status", gin.H{"agentID": id, "status": current.Status})
			c.Writer.Flush()
			if current.Status.Terminal() {
				c.SSEvent("complete", gin.H{"agentID": id, "status": current.Status, "output": current.Output, "error": current.Error})
				c.Writer.Flush()
				return
			}
		}
	}
}
