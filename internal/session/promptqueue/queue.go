// Package promptqueue implements the per-session priority queue of
// prompts. Prompts are bucketed by priority (urgent before high before
// normal) and strictly FIFO within a bucket; at most one prompt is
// in flight at a time.
package promptqueue

import (
	"time"

	"github.com/google/uuid"

	apperrors "github.com/pairdev/pairdev/internal/common/errors"
	"github.com/pairdev/pairdev/internal/events"
	v1 "github.com/pairdev/pairdev/pkg/api/v1"
)

// Config bounds and policies for one queue.
type Config struct {
	MaxPrompts   int
	AllowReorder bool
}

// EmitFunc receives one typed event per successful mutation. The
// session manager wires this to the event bus; tests record calls.
type EmitFunc func(eventType string, data map[string]interface{})

// Queue manipulates the prompt collections of a session aggregate. It
// holds no state of its own: callers run its methods inside the
// session actor, which provides the serialization.
type Queue struct {
	cfg  Config
	emit EmitFunc
	now  func() time.Time
}

// New creates a queue with the given config. emit may be nil.
func New(cfg Config, emit EmitFunc) *Queue {
	return &Queue{cfg: cfg, emit: emit, now: time.Now}
}

func (q *Queue) publish(eventType string, data map[string]interface{}) {
	if q.emit != nil {
		q.emit(eventType, data)
	}
}

// Add enqueues a prompt for the user. The new prompt is inserted after
// every queued prompt of equal or higher priority, which yields FIFO
// within a priority level. Fails when the queue is at capacity.
func (q *Queue) Add(session *v1.Session, userID, content string, priority v1.PromptPriority) (*v1.Prompt, error) {
	if content == "" {
		return nil, apperrors.ValidationError("content", "prompt content must not be empty")
	}
	if len(session.PromptQueue) >= q.cfg.MaxPrompts {
		return nil, apperrors.ResourceExhausted("prompt queue is full")
	}

	prompt := v1.Prompt{
		ID:        uuid.New().String(),
		SessionID: session.ID,
		UserID:    userID,
		Content:   content,
		Status:    v1.PromptQueued,
		Priority:  priority,
		CreatedAt: q.now().UTC(),
	}

	insertAt := len(session.PromptQueue)
	for i, p := range session.PromptQueue {
		if p.Priority > priority {
			insertAt = i
			break
		}
	}
	session.PromptQueue = append(session.PromptQueue, v1.Prompt{})
	copy(session.PromptQueue[insertAt+1:], session.PromptQueue[insertAt:])
	session.PromptQueue[insertAt] = prompt

	q.publish(events.PromptAdded, map[string]interface{}{
		"prompt_id": prompt.ID,
		"user_id":   userID,
		"priority":  priority.String(),
		"position":  insertAt,
	})
	return &prompt, nil
}

// StartNext promotes the head of the queue to executing. Returns nil
// when a prompt is already in flight or the queue is empty.
func (q *Queue) StartNext(session *v1.Session) *v1.Prompt {
	if session.ActivePrompt != nil {
		return nil
	}
	if len(session.PromptQueue) == 0 {
		return nil
	}

	prompt := session.PromptQueue[0]
	session.PromptQueue = session.PromptQueue[1:]

	started := q.now().UTC()
	prompt.Status = v1.PromptExecuting
	prompt.StartedAt = &started
	session.ActivePrompt = &prompt

	q.publish(events.PromptStarted, map[string]interface{}{
		"prompt_id": prompt.ID,
		"user_id":   prompt.UserID,
	})
	return session.ActivePrompt
}

// Complete marks the in-flight prompt completed and removes it.
// Returns nil when nothing is executing.
func (q *Queue) Complete(session *v1.Session) *v1.Prompt {
	if session.ActivePrompt == nil {
		return nil
	}

	prompt := session.ActivePrompt
	completed := q.now().UTC()
	prompt.Status = v1.PromptCompleted
	prompt.CompletedAt = &completed
	session.ActivePrompt = nil

	q.publish(events.PromptCompleted, map[string]interface{}{
		"prompt_id": prompt.ID,
		"user_id":   prompt.UserID,
	})
	return prompt
}

// Cancel removes a queued prompt. Succeeds only when the prompt exists,
// is still queued, and userID is its author. The executing prompt
// cannot be cancelled here; a second cancel returns false.
func (q *Queue) Cancel(session *v1.Session, promptID, userID string) bool {
	for i := range session.PromptQueue {
		p := &session.PromptQueue[i]
		if p.ID != promptID {
			continue
		}
		if p.UserID != userID || p.Status != v1.PromptQueued {
			return false
		}
		cancelled := *p
		cancelled.Status = v1.PromptCancelled
		session.PromptQueue = append(session.PromptQueue[:i], session.PromptQueue[i+1:]...)

		q.publish(events.PromptCancelled, map[string]interface{}{
			"prompt_id": cancelled.ID,
			"user_id":   userID,
		})
		return true
	}
	return false
}

// Reorder moves a queued prompt to newIndex within the queue. Succeeds
// only when reordering is enabled, the prompt is queued, and the
// requester is the author. The index is clamped to the valid range;
// the executing prompt sits outside the queue so it is never displaced.
func (q *Queue) Reorder(session *v1.Session, promptID, userID string, newIndex int) bool {
	if !q.cfg.AllowReorder {
		return false
	}

	current := -1
	for i := range session.PromptQueue {
		if session.PromptQueue[i].ID == promptID {
			current = i
			break
		}
	}
	if current < 0 {
		return false
	}
	p := session.PromptQueue[current]
	if p.UserID != userID || p.Status != v1.PromptQueued {
		return false
	}

	if newIndex < 0 {
		newIndex = 0
	}
	if newIndex > len(session.PromptQueue)-1 {
		newIndex = len(session.PromptQueue) - 1
	}
	if newIndex == current {
		return true
	}

	session.PromptQueue = append(session.PromptQueue[:current], session.PromptQueue[current+1:]...)
	session.PromptQueue = append(session.PromptQueue, v1.Prompt{})
	copy(session.PromptQueue[newIndex+1:], session.PromptQueue[newIndex:])
	session.PromptQueue[newIndex] = p

	q.publish(events.PromptReordered, map[string]interface{}{
		"prompt_id": promptID,
		"user_id":   userID,
		"new_index": newIndex,
	})
	return true
}

// Clear drops every queued prompt, returning how many were removed.
// The executing prompt, if any, is left to finish.
func (q *Queue) Clear(session *v1.Session) int {
	removed := len(session.PromptQueue)
	if removed == 0 {
		return 0
	}
	session.PromptQueue = session.PromptQueue[:0]

	q.publish(events.PromptCleared, map[string]interface{}{
		"removed": removed,
	})
	return removed
}
