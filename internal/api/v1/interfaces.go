package v1

import (
	"context"

	"github.com/google/uuid"

	"github.com/crewline/crewline/internal/domain"
	"github.com/crewline/crewline/internal/session"
)

// SessionService abstracts the session operation surface for handler
// testing. *session.Service satisfies this interface.
type SessionService interface {
	Create(ctx context.Context, p session.CreateParams) (*domain.Session, error)
	Start(ctx context.Context, id uuid.UUID) error
	EnqueuePrompt(ctx context.Context, id uuid.UUID, text string) error
	Resolve(ctx context.Context, id uuid.UUID, requestID, decision string) error
	SoftStop(ctx context.Context, id uuid.UUID) error
	HardStop(ctx context.Context, id uuid.UUID) error
	Delete(ctx context.Context, id uuid.UUID) error

	Get(ctx context.Context, id uuid.UUID) (*domain.Session, error)
	List(ctx context.Context, includeArchived bool) ([]*domain.Session, error)
	History(ctx context.Context, id uuid.UUID) ([]domain.HistoryEntry, error)
	PendingRequests(ctx context.Context, id uuid.UUID) ([]*domain.PendingRequest, error)

	Archive(ctx context.Context, id uuid.UUID) error
	Unarchive(ctx context.Context, id uuid.UUID) error
	UpdateMetadata(ctx context.Context, id uuid.UUID, metadata map[string]any) error
	SetPlanMode(ctx context.Context, id uuid.UUID, planMode bool) error
	VerifyPlanFiles(ctx context.Context, id uuid.UUID) ([]session.PlanDrift, error)
}

// CredentialAdmin abstracts encrypted credential management for handler
// testing. The handlers never see or return decrypted values.
type CredentialAdmin interface {
	Put(agentType, name, value string) error
	List(agentType string) ([]string, error)
	Delete(agentType, name string) error
}
