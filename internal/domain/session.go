package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// SessionStatus is the lifecycle state of an agent session.
type SessionStatus string

const (
	StatusCreated            SessionStatus = "created"
	StatusInitializing       SessionStatus = "initializing"
	StatusReady              SessionStatus = "ready"
	StatusRunning            SessionStatus = "running"
	StatusAwaitingPermission SessionStatus = "awaiting_permission"
	StatusAwaitingInput      SessionStatus = "awaiting_input"
	StatusCompleted          SessionStatus = "completed"
	StatusError              SessionStatus = "error"
	StatusStopped            SessionStatus = "stopped"
)

// Terminal reports whether the status is final. Archived sessions stay in a
// terminal status forever.
func (s SessionStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusError, StatusStopped:
		return true
	default:
		return false
	}
}

// validTransitions encodes the session state machine. Stopped is reachable
// from every non-terminal state and is therefore not listed per-state.
var validTransitions = map[SessionStatus][]SessionStatus{
	StatusCreated:            {StatusInitializing, StatusError},
	StatusInitializing:       {StatusReady, StatusError},
	StatusReady:              {StatusRunning, StatusError},
	StatusRunning:            {StatusReady, StatusAwaitingPermission, StatusAwaitingInput, StatusCompleted, StatusError},
	StatusAwaitingPermission: {StatusRunning, StatusError},
	StatusAwaitingInput:      {StatusRunning, StatusError},
}

// CanTransition reports whether moving from one status to another is a valid
// step through the state machine.
func CanTransition(from, to SessionStatus) bool {
	if from.Terminal() {
		return false
	}
	if to == StatusStopped {
		return true
	}
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Session is one unit of work bound to one subprocess lifetime, possibly
// across daemon restarts.
type Session struct {
	ID           uuid.UUID      `json:"id"`
	AgentType    string         `json:"agent_type"`
	Status       SessionStatus  `json:"status"`
	PlanMode     bool           `json:"plan_mode"`
	RepoPath     string         `json:"repo_path"`
	BaseBranch   string         `json:"base_branch"`
	WorktreePath string         `json:"worktree_path"`
	ResumeToken  string         `json:"resume_token,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	LastEventAt  *time.Time     `json:"last_event_at,omitempty"`
	ArchivedAt   *time.Time     `json:"archived_at,omitempty"`
}

// SessionRepository is the durable record of sessions. Deleting a session
// cascades to all owned rows at the storage layer.
type SessionRepository interface {
	Create(ctx context.Context, s *Session) error
	GetByID(ctx context.Context, id uuid.UUID) (*Session, error)
	List(ctx context.Context, includeArchived bool) ([]*Session, error)
	ListNonTerminal(ctx context.Context) ([]*Session, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status SessionStatus) error
	SetResumeToken(ctx context.Context, id uuid.UUID, token string) error
	SetPlanMode(ctx context.Context, id uuid.UUID, planMode bool) error
	UpdateMetadata(ctx context.Context, id uuid.UUID, metadata map[string]any) error
	Archive(ctx context.Context, id uuid.UUID) error
	Unarchive(ctx context.Context, id uuid.UUID) error
	Delete(ctx context.Context, id uuid.UUID) error
}
