package v1

import "time"

// GitSyncStatus represents the git synchronization state of a session's sandbox
type GitSyncStatus string

const (
	GitSyncPending GitSyncStatus = "pending"
	GitSyncSyncing GitSyncStatus = "syncing"
	GitSyncSynced  GitSyncStatus = "synced"
	GitSyncError   GitSyncStatus = "error"
)

// AgentActivity represents what the session agent is currently doing
type AgentActivity string

const (
	AgentIdle      AgentActivity = "idle"
	AgentThinking  AgentActivity = "thinking"
	AgentExecuting AgentActivity = "executing"
)

// Busy returns true when the agent is doing work (thinking or executing).
func (a AgentActivity) Busy() bool {
	return a == AgentThinking || a == AgentExecuting
}

// PromptStatus represents the lifecycle state of a prompt
type PromptStatus string

const (
	PromptQueued    PromptStatus = "queued"
	PromptExecuting PromptStatus = "executing"
	PromptCompleted PromptStatus = "completed"
	PromptCancelled PromptStatus = "cancelled"
)

// PromptPriority orders prompt execution. Lower rank executes first.
type PromptPriority int

const (
	PriorityUrgent PromptPriority = 0
	PriorityHigh   PromptPriority = 1
	PriorityNormal PromptPriority = 2
)

// ParsePriority converts a wire-level priority name to its rank.
// Unknown names map to normal.
func ParsePriority(s string) PromptPriority {
	switch s {
	case "urgent":
		return PriorityUrgent
	case "high":
		return PriorityHigh
	default:
		return PriorityNormal
	}
}

// String returns the wire-level priority name.
func (p PromptPriority) String() string {
	switch p {
	case PriorityUrgent:
		return "urgent"
	case PriorityHigh:
		return "high"
	default:
		return "normal"
	}
}

// ClientType identifies the kind of client connection
type ClientType string

const (
	ClientWeb    ClientType = "web"
	ClientSlack  ClientType = "slack"
	ClientChrome ClientType = "chrome"
	ClientMobile ClientType = "mobile"
	ClientVoice  ClientType = "voice"
)

// ValidClientType reports whether t is one of the known client types.
func ValidClientType(t ClientType) bool {
	switch t {
	case ClientWeb, ClientSlack, ClientChrome, ClientMobile, ClientVoice:
		return true
	}
	return false
}

// Cursor is a user's position in the shared working tree
type Cursor struct {
	File   string `json:"file,omitempty"`
	Line   int    `json:"line,omitempty"`
	Column int    `json:"column,omitempty"`
}

// User is a human collaborator on a session
type User struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	Email       string    `json:"email,omitempty"`
	Avatar      string    `json:"avatar,omitempty"`
	Color       string    `json:"color"`
	Cursor      *Cursor   `json:"cursor,omitempty"`
	JoinedAt    time.Time `json:"joined_at"`
}

// Client is a live connection bound to a user (a user may hold several)
type Client struct {
	ID           string     `json:"id"`
	UserID       string     `json:"user_id"`
	Type         ClientType `json:"type"`
	ConnectedAt  time.Time  `json:"connected_at"`
	LastActivity time.Time  `json:"last_activity"`
}

// Prompt is a user utterance scheduled for the session agent
type Prompt struct {
	ID          string         `json:"id"`
	SessionID   string         `json:"session_id"`
	UserID      string         `json:"user_id"`
	Content     string         `json:"content"`
	Status      PromptStatus   `json:"status"`
	Priority    PromptPriority `json:"priority"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// SessionState is the versioned mutable state of a session.
// Version increases by exactly one on every state-changing operation.
type SessionState struct {
	GitSyncStatus GitSyncStatus `json:"git_sync_status"`
	AgentStatus   AgentActivity `json:"agent_status"`
	EditLock      *string       `json:"edit_lock,omitempty"`
	Version       int64         `json:"version"`
}

// Session is the multiplayer aggregate and the single-writer unit.
// It exclusively owns its users, clients, prompts and the currently
// bound sandbox id.
type Session struct {
	ID                  string       `json:"id"`
	LinkedWorkSessionID string       `json:"linked_work_session_id"`
	SandboxID           *string      `json:"sandbox_id,omitempty"`
	Users               []User       `json:"users"`
	Clients             []Client     `json:"clients"`
	ActivePrompt        *Prompt      `json:"active_prompt,omitempty"`
	PromptQueue         []Prompt     `json:"prompt_queue"`
	State               SessionState `json:"state"`
	CreatedAt           time.Time    `json:"created_at"`
}

// Clone returns a deep copy of the session. Readers outside the
// session actor only ever see clones.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	if s.SandboxID != nil {
		id := *s.SandboxID
		out.SandboxID = &id
	}
	out.Users = make([]User, len(s.Users))
	for i, u := range s.Users {
		out.Users[i] = u
		if u.Cursor != nil {
			c := *u.Cursor
			out.Users[i].Cursor = &c
		}
	}
	out.Clients = append([]Client(nil), s.Clients...)
	out.PromptQueue = make([]Prompt, len(s.PromptQueue))
	for i, p := range s.PromptQueue {
		out.PromptQueue[i] = *clonePrompt(&p)
	}
	out.ActivePrompt = clonePrompt(s.ActivePrompt)
	if s.State.EditLock != nil {
		lock := *s.State.EditLock
		out.State.EditLock = &lock
	}
	return &out
}

func clonePrompt(p *Prompt) *Prompt {
	if p == nil {
		return nil
	}
	out := *p
	if p.StartedAt != nil {
		t := *p.StartedAt
		out.StartedAt = &t
	}
	if p.CompletedAt != nil {
		t := *p.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}

// FindUser returns the user with the given id, or nil.
func (s *Session) FindUser(userID string) *User {
	for i := range s.Users {
		if s.Users[i].ID == userID {
			return &s.Users[i]
		}
	}
	return nil
}

// FindClient returns the client with the given id, or nil.
func (s *Session) FindClient(clientID string) *Client {
	for i := range s.Clients {
		if s.Clients[i].ID == clientID {
			return &s.Clients[i]
		}
	}
	return nil
}
