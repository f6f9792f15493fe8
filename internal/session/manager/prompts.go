package manager

import (
	"context"

	apperrors "github.com/pairdev/pairdev/internal/common/errors"
	"github.com/pairdev/pairdev/internal/events"
	v1 "github.com/pairdev/pairdev/pkg/api/v1"
)

// AddPrompt enqueues a prompt authored by a joined user.
func (m *Manager) AddPrompt(ctx context.Context, sessionID, userID, content string, priority v1.PromptPriority) (*v1.Prompt, error) {
	var prompt *v1.Prompt
	_, err := m.mutate(ctx, sessionID, func(s *v1.Session) ([]pendingEvent, error) {
		if s.FindUser(userID) == nil {
			return nil, apperrors.NotFound("user " + userID)
		}
		p, err := m.queue.Add(s, userID, content, priority)
		if err != nil {
			return nil, err
		}
		prompt = p
		return one(events.PromptAdded, map[string]interface{}{
			"prompt_id": p.ID,
			"user_id":   userID,
			"priority":  priority.String(),
		}), nil
	})
	if err != nil {
		return nil, err
	}
	return prompt, nil
}

// StartNextPrompt promotes the head prompt to executing. Returns nil
// without error when a prompt is already in flight or none is queued.
func (m *Manager) StartNextPrompt(ctx context.Context, sessionID string) (*v1.Prompt, error) {
	var started *v1.Prompt
	_, err := m.mutate(ctx, sessionID, func(s *v1.Session) ([]pendingEvent, error) {
		p := m.queue.StartNext(s)
		if p == nil {
			return nil, errNoChange
		}
		copied := *p
		started = &copied
		return one(events.PromptStarted, map[string]interface{}{
			"prompt_id": p.ID,
			"user_id":   p.UserID,
		}), nil
	})
	if err != nil {
		return nil, err
	}
	return started, nil
}

// CompletePrompt finishes the in-flight prompt. Returns nil without
// error when nothing is executing.
func (m *Manager) CompletePrompt(ctx context.Context, sessionID string) (*v1.Prompt, error) {
	var completed *v1.Prompt
	_, err := m.mutate(ctx, sessionID, func(s *v1.Session) ([]pendingEvent, error) {
		p := m.queue.Complete(s)
		if p == nil {
			return nil, errNoChange
		}
		completed = p
		return one(events.PromptCompleted, map[string]interface{}{
			"prompt_id": p.ID,
			"user_id":   p.UserID,
		}), nil
	})
	if err != nil {
		return nil, err
	}
	return completed, nil
}

// CancelPrompt cancels a queued prompt. Only the author may cancel;
// the executing prompt is not cancellable here. Returns false when
// nothing changed, including on a repeated cancel.
func (m *Manager) CancelPrompt(ctx context.Context, sessionID, promptID, userID string) (bool, error) {
	cancelled := false
	_, err := m.mutate(ctx, sessionID, func(s *v1.Session) ([]pendingEvent, error) {
		if !m.queue.Cancel(s, promptID, userID) {
			return nil, errNoChange
		}
		cancelled = true
		return one(events.PromptCancelled, map[string]interface{}{
			"prompt_id": promptID,
			"user_id":   userID,
		}), nil
	})
	if err != nil {
		return false, err
	}
	return cancelled, nil
}

// ReorderPrompt moves a queued prompt to newIndex (clamped).
func (m *Manager) ReorderPrompt(ctx context.Context, sessionID, promptID, userID string, newIndex int) (bool, error) {
	moved := false
	_, err := m.mutate(ctx, sessionID, func(s *v1.Session) ([]pendingEvent, error) {
		if !m.queue.Reorder(s, promptID, userID, newIndex) {
			return nil, errNoChange
		}
		moved = true
		return one(events.PromptReordered, map[string]interface{}{
			"prompt_id": promptID,
			"user_id":   userID,
			"new_index": newIndex,
		}), nil
	})
	if err != nil {
		return false, err
	}
	return moved, nil
}

// ClearPrompts drops every queued prompt, leaving the in-flight one.
func (m *Manager) ClearPrompts(ctx context.Context, sessionID string) (int, error) {
	removed := 0
	_, err := m.mutate(ctx, sessionID, func(s *v1.Session) ([]pendingEvent, error) {
		removed = m.queue.Clear(s)
		if removed == 0 {
			return nil, errNoChange
		}
		return one(events.PromptCleared, map[string]interface{}{
			"removed": removed,
		}), nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}
