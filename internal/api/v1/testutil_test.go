package v1_test

import (
	"context"

	"github.com/google/uuid"

	"github.com/crewline/crewline/internal/domain"
	"github.com/crewline/crewline/internal/session"
)

// ---------------------------------------------------------------------------
// Mock SessionService
// ---------------------------------------------------------------------------

type mockSessionService struct {
	createFunc          func(ctx context.Context, p session.CreateParams) (*domain.Session, error)
	startFunc           func(ctx context.Context, id uuid.UUID) error
	enqueuePromptFunc   func(ctx context.Context, id uuid.UUID, text string) error
	resolveFunc         func(ctx context.Context, id uuid.UUID, requestID, decision string) error
	softStopFunc        func(ctx context.Context, id uuid.UUID) error
	hardStopFunc        func(ctx context.Context, id uuid.UUID) error
	deleteFunc          func(ctx context.Context, id uuid.UUID) error
	getFunc             func(ctx context.Context, id uuid.UUID) (*domain.Session, error)
	listFunc            func(ctx context.Context, includeArchived bool) ([]*domain.Session, error)
	historyFunc         func(ctx context.Context, id uuid.UUID) ([]domain.HistoryEntry, error)
	pendingFunc         func(ctx context.Context, id uuid.UUID) ([]*domain.PendingRequest, error)
	archiveFunc         func(ctx context.Context, id uuid.UUID) error
	unarchiveFunc       func(ctx context.Context, id uuid.UUID) error
	updateMetadataFunc  func(ctx context.Context, id uuid.UUID, metadata map[string]any) error
	setPlanModeFunc     func(ctx context.Context, id uuid.UUID, planMode bool) error
	verifyPlanFilesFunc func(ctx context.Context, id uuid.UUID) ([]session.PlanDrift, error)
}

func (m *mockSessionService) Create(ctx context.Context, p session.CreateParams) (*domain.Session, error) {
	return m.createFunc(ctx, p)
}

func (m *mockSessionService) Start(ctx context.Context, id uuid.UUID) error {
	return m.startFunc(ctx, id)
}

func (m *mockSessionService) EnqueuePrompt(ctx context.Context, id uuid.UUID, text string) error {
	return m.enqueuePromptFunc(ctx, id, text)
}

func (m *mockSessionService) Resolve(ctx context.Context, id uuid.UUID, requestID, decision string) error {
	return m.resolveFunc(ctx, id, requestID, decision)
}

func (m *mockSessionService) SoftStop(ctx context.Context, id uuid.UUID) error {
	return m.softStopFunc(ctx, id)
}

func (m *mockSessionService) HardStop(ctx context.Context, id uuid.UUID) error {
	return m.hardStopFunc(ctx, id)
}

func (m *mockSessionService) Delete(ctx context.Context, id uuid.UUID) error {
	return m.deleteFunc(ctx, id)
}

func (m *mockSessionService) Get(ctx context.Context, id uuid.UUID) (*domain.Session, error) {
	return m.getFunc(ctx, id)
}

func (m *mockSessionService) List(ctx context.Context, includeArchived bool) ([]*domain.Session, error) {
	return m.listFunc(ctx, includeArchived)
}

func (m *mockSessionService) History(ctx context.Context, id uuid.UUID) ([]domain.HistoryEntry, error) {
	return m.historyFunc(ctx, id)
}

func (m *mockSessionService) PendingRequests(ctx context.Context, id uuid.UUID) ([]*domain.PendingRequest, error) {
	return m.pendingFunc(ctx, id)
}

func (m *mockSessionService) Archive(ctx context.Context, id uuid.UUID) error {
	return m.archiveFunc(ctx, id)
}

func (m *mockSessionService) Unarchive(ctx context.Context, id uuid.UUID) error {
	return m.unarchiveFunc(ctx, id)
}

func (m *mockSessionService) UpdateMetadata(ctx context.Context, id uuid.UUID, metadata map[string]any) error {
	return m.updateMetadataFunc(ctx, id, metadata)
}

func (m *mockSessionService) SetPlanMode(ctx context.Context, id uuid.UUID, planMode bool) error {
	return m.setPlanModeFunc(ctx, id, planMode)
}

func (m *mockSessionService) VerifyPlanFiles(ctx context.Context, id uuid.UUID) ([]session.PlanDrift, error) {
	return m.verifyPlanFilesFunc(ctx, id)
}

// ---------------------------------------------------------------------------
// Mock CredentialAdmin
// ---------------------------------------------------------------------------

type mockCredentialAdmin struct {
	putFunc    func(agentType, name, value string) error
	listFunc   func(agentType string) ([]string, error)
	deleteFunc func(agentType, name string) error
}

func (m *mockCredentialAdmin) Put(agentType, name, value string) error {
	return m.putFunc(agentType, name, value)
}

func (m *mockCredentialAdmin) List(agentType string) ([]string, error) {
	return m.listFunc(agentType)
}

func (m *mockCredentialAdmin) Delete(agentType, name string) error {
	return m.deleteFunc(agentType, name)
}
