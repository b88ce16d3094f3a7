package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/crewline/crewline/internal/config"
	"github.com/crewline/crewline/internal/domain"
	"github.com/crewline/crewline/internal/events"
	"github.com/crewline/crewline/internal/worktree"
)

// ErrNotResumable marks a session whose agent profile cannot reattach to
// prior context.
var ErrNotResumable = errors.New("session: not resumable")

// CredentialSupplier provides per-agent secrets at spawn time. The core
// never persists raw secret values.
type CredentialSupplier interface {
	EnvFor(agentType string) (map[string]string, error)
}

// ServiceParams wires a Service.
type ServiceParams struct {
	Stores      Stores
	Worktrees   *worktree.Manager
	Registry    *Registry
	Bus         *events.Bus
	Launcher    Launcher
	Agents      map[string]config.AgentProfile
	Config      config.SessionConfig
	Credentials CredentialSupplier // optional
}

// Service is the external operation surface over the session registry. The
// HTTP layer is a thin wrapper around it.
type Service struct {
	stores    Stores
	worktrees *worktree.Manager
	registry  *Registry
	bus       *events.Bus
	launcher  Launcher
	agents    map[string]config.AgentProfile
	cfg       config.SessionConfig
	creds     CredentialSupplier

	baseCtx context.Context
	cancel  context.CancelFunc

	mu      sync.Mutex
	stashed map[uuid.UUID][]string // prompts submitted before the machine is live
}

func NewService(p ServiceParams) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		stores:    p.Stores,
		worktrees: p.Worktrees,
		registry:  p.Registry,
		bus:       p.Bus,
		launcher:  p.Launcher,
		agents:    p.Agents,
		cfg:       p.Config,
		creds:     p.Credentials,
		baseCtx:   ctx,
		cancel:    cancel,
		stashed:   make(map[uuid.UUID][]string),
	}
}

// CreateParams describes one new unit of work.
type CreateParams struct {
	AgentType  string
	Prompt     string
	RepoPath   string
	BaseBranch string
	PlanMode   bool
	Metadata   map[string]any
}

// Create provisions a worktree and persists the session row. Worktree
// failure aborts before any row exists; row failure tears the worktree back
// down, so a session never references a nonexistent checkout.
func (s *Service) Create(ctx context.Context, p CreateParams) (*domain.Session, error) {
	if _, ok := s.agents[p.AgentType]; !ok {
		return nil, fmt.Errorf("session.Service.Create: %w: %q", ErrUnknownAgent, p.AgentType)
	}

	id := uuid.New()
	wtPath, err := s.worktrees.Create(ctx, p.RepoPath, p.BaseBranch, id)
	if err != nil {
		return nil, fmt.Errorf("session.Service.Create: %w", err)
	}

	now := time.Now().UTC()
	sess := &domain.Session{
		ID:           id,
		AgentType:    p.AgentType,
		Status:       domain.StatusCreated,
		PlanMode:     p.PlanMode,
		RepoPath:     p.RepoPath,
		BaseBranch:   p.BaseBranch,
		WorktreePath: wtPath,
		Metadata:     p.Metadata,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.stores.Sessions.Create(ctx, sess); err != nil {
		if derr := s.worktrees.Destroy(ctx, p.RepoPath, wtPath); derr != nil {
			log.Error().Err(derr).Str("session_id", id.String()).Msg("session: worktree cleanup after create failure")
		}
		return nil, fmt.Errorf("session.Service.Create: %w", err)
	}

	if p.Prompt != "" {
		s.mu.Lock()
		s.stashed[id] = append(s.stashed[id], p.Prompt)
		s.mu.Unlock()
	}

	log.Info().
		Str("session_id", id.String()).
		Str("agent_type", p.AgentType).
		Str("worktree", wtPath).
		Msg("session: created")
	return sess, nil
}

// Start admits the session and attaches its transport. Spawn failures are
// reported synchronously and leave the session startable again.
func (s *Service) Start(ctx context.Context, id uuid.UUID) error {
	sess, err := s.stores.Sessions.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("session.Service.Start: %w", err)
	}
	if sess.Status.Terminal() {
		return fmt.Errorf("session.Service.Start: %w", ErrTerminal)
	}
	if _, live := s.registry.Get(id); live {
		return fmt.Errorf("session.Service.Start: %w", ErrAlreadyRunning)
	}
	if sess.Status != domain.StatusCreated {
		return fmt.Errorf("session.Service.Start: %w: session is %s", ErrBadTransition, sess.Status)
	}
	return s.attach(ctx, sess, false)
}

// Resume reattaches a transport to a previously live session using the
// vendor resume token. Best-effort context rehydration: the session
// re-enters ready, never mid-tool-call.
func (s *Service) Resume(ctx context.Context, sess *domain.Session) error {
	profile, ok := s.agents[sess.AgentType]
	if !ok {
		return fmt.Errorf("session.Service.Resume: %w: %q", ErrUnknownAgent, sess.AgentType)
	}
	if !profile.Resumable || sess.ResumeToken == "" {
		return fmt.Errorf("session.Service.Resume: %w", ErrNotResumable)
	}
	if _, live := s.registry.Get(sess.ID); live {
		return fmt.Errorf("session.Service.Resume: %w", ErrAlreadyRunning)
	}

	// Rewind to created so the machine replays the normal handshake path.
	if err := s.stores.Sessions.UpdateStatus(ctx, sess.ID, domain.StatusCreated); err != nil {
		return fmt.Errorf("session.Service.Resume: %w", err)
	}
	sess.Status = domain.StatusCreated
	return s.attach(ctx, sess, true)
}

func (s *Service) attach(ctx context.Context, sess *domain.Session, resume bool) error {
	profile := s.agents[sess.AgentType]

	if err := s.registry.Admit(); err != nil {
		return fmt.Errorf("session.Service: %w", err)
	}

	env := map[string]string{}
	if s.creds != nil {
		supplied, err := s.creds.EnvFor(sess.AgentType)
		if err != nil {
			s.registry.ReleaseSlot()
			return fmt.Errorf("session.Service: credentials: %w", err)
		}
		env = supplied
	}

	// The transport outlives the caller, so it is launched under the
	// service's own context rather than the request-scoped one.
	tr, err := s.launcher.Launch(s.baseCtx, profile, sess, env, resume)
	if err != nil {
		s.registry.ReleaseSlot()
		return fmt.Errorf("session.Service: %w", err)
	}

	m := NewMachine(sess, s.stores, s.bus, tr, MachineOptions{
		Dialect:         profile.Dialect,
		Resume:          resume,
		CheckpointEvery: s.cfg.CheckpointEvery,
		PendingTimeout:  s.cfg.PendingTimeout,
	})
	if err := s.registry.Add(sess.ID, m); err != nil {
		s.registry.ReleaseSlot()
		_ = tr.Kill()
		return fmt.Errorf("session.Service: %w", err)
	}

	go m.Run(s.baseCtx)
	go func() {
		<-m.Done()
		s.registry.Remove(sess.ID)
		s.registry.ReleaseSlot()
	}()

	s.flushStashed(ctx, sess.ID, m)

	log.Info().
		Str("session_id", sess.ID.String()).
		Str("agent_type", sess.AgentType).
		Bool("resume", resume).
		Msg("session: transport attached")
	return nil
}

func (s *Service) flushStashed(ctx context.Context, id uuid.UUID, m *Machine) {
	s.mu.Lock()
	prompts := s.stashed[id]
	delete(s.stashed, id)
	s.mu.Unlock()

	for _, p := range prompts {
		if err := m.EnqueuePrompt(ctx, p); err != nil {
			log.Error().Err(err).Str("session_id", id.String()).Msg("session: flush stashed prompt")
			return
		}
	}
}

// EnqueuePrompt accepts a prompt in any non-terminal state. With no live
// machine the prompt is stashed and flushed at the next start.
func (s *Service) EnqueuePrompt(ctx context.Context, id uuid.UUID, text string) error {
	if m, ok := s.registry.Get(id); ok {
		if err := m.EnqueuePrompt(ctx, text); err != nil {
			return fmt.Errorf("session.Service.EnqueuePrompt: %w", err)
		}
		return nil
	}

	sess, err := s.stores.Sessions.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("session.Service.EnqueuePrompt: %w", err)
	}
	if sess.Status.Terminal() {
		return fmt.Errorf("session.Service.EnqueuePrompt: %w", ErrTerminal)
	}

	s.mu.Lock()
	s.stashed[id] = append(s.stashed[id], text)
	s.mu.Unlock()
	return nil
}

// Resolve answers a pending interactive request on a live session.
func (s *Service) Resolve(ctx context.Context, id uuid.UUID, requestID, decision string) error {
	m, ok := s.registry.Get(id)
	if !ok {
		return fmt.Errorf("session.Service.Resolve: %w", ErrNotRunning)
	}
	if err := m.Resolve(ctx, requestID, decision); err != nil {
		return fmt.Errorf("session.Service.Resolve: %w", err)
	}
	return nil
}

// SoftStop asks a live session to finish its current work; without a live
// machine a non-terminal session is marked stopped directly.
func (s *Service) SoftStop(ctx context.Context, id uuid.UUID) error {
	if m, ok := s.registry.Get(id); ok {
		if err := m.SoftStop(ctx); err != nil {
			return fmt.Errorf("session.Service.SoftStop: %w", err)
		}
		return nil
	}
	return s.stopDormant(ctx, id)
}

// HardStop kills a live session immediately.
func (s *Service) HardStop(ctx context.Context, id uuid.UUID) error {
	if m, ok := s.registry.Get(id); ok {
		if err := m.HardStop(ctx); err != nil {
			return fmt.Errorf("session.Service.HardStop: %w", err)
		}
		return nil
	}
	return s.stopDormant(ctx, id)
}

func (s *Service) stopDormant(ctx context.Context, id uuid.UUID) error {
	sess, err := s.stores.Sessions.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("session.Service: %w", err)
	}
	if sess.Status.Terminal() {
		return nil
	}
	if err := s.stores.Sessions.UpdateStatus(ctx, id, domain.StatusStopped); err != nil {
		return fmt.Errorf("session.Service: %w", err)
	}
	s.publishStatus(id, domain.StatusStopped)
	return nil
}

// Delete tears the session down: live transport killed, worktree removed,
// rows cascade-deleted. Deleting twice is a no-op.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	if m, ok := s.registry.Get(id); ok {
		if err := m.HardStop(ctx); err != nil && !errors.Is(err, ErrNotRunning) {
			log.Warn().Err(err).Str("session_id", id.String()).Msg("session: hard stop before delete")
		}
		select {
		case <-m.Done():
		case <-time.After(5 * time.Second):
			log.Warn().Str("session_id", id.String()).Msg("session: machine slow to exit before delete")
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	sess, err := s.stores.Sessions.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("session.Service.Delete: %w", err)
	}

	if err := s.worktrees.Destroy(ctx, sess.RepoPath, sess.WorktreePath); err != nil {
		return fmt.Errorf("session.Service.Delete: %w", err)
	}
	if err := s.stores.Sessions.Delete(ctx, id); err != nil {
		return fmt.Errorf("session.Service.Delete: %w", err)
	}

	s.mu.Lock()
	delete(s.stashed, id)
	s.mu.Unlock()

	log.Info().Str("session_id", id.String()).Msg("session: deleted")
	return nil
}

// Get returns one session.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*domain.Session, error) {
	sess, err := s.stores.Sessions.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("session.Service.Get: %w", err)
	}
	return sess, nil
}

// List returns all sessions, optionally including archived ones.
func (s *Service) List(ctx context.Context, includeArchived bool) ([]*domain.Session, error) {
	list, err := s.stores.Sessions.List(ctx, includeArchived)
	if err != nil {
		return nil, fmt.Errorf("session.Service.List: %w", err)
	}
	return list, nil
}

// History returns the merged ordered Message+ToolCall stream.
func (s *Service) History(ctx context.Context, id uuid.UUID) ([]domain.HistoryEntry, error) {
	if _, err := s.stores.Sessions.GetByID(ctx, id); err != nil {
		return nil, fmt.Errorf("session.Service.History: %w", err)
	}
	entries, err := s.stores.History.LoadHistory(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("session.Service.History: %w", err)
	}
	return entries, nil
}

// PendingRequests lists the open interactive requests for UI rendering.
func (s *Service) PendingRequests(ctx context.Context, id uuid.UUID) ([]*domain.PendingRequest, error) {
	list, err := s.stores.Pending.ListOpen(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("session.Service.PendingRequests: %w", err)
	}
	return list, nil
}

// Archive hides a terminal session from default listings.
func (s *Service) Archive(ctx context.Context, id uuid.UUID) error {
	sess, err := s.stores.Sessions.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("session.Service.Archive: %w", err)
	}
	if !sess.Status.Terminal() {
		return fmt.Errorf("session.Service.Archive: %w: only terminal sessions may be archived", domain.ErrConflict)
	}
	if err := s.stores.Sessions.Archive(ctx, id); err != nil {
		return fmt.Errorf("session.Service.Archive: %w", err)
	}
	return nil
}

// Unarchive restores a session to default listings.
func (s *Service) Unarchive(ctx context.Context, id uuid.UUID) error {
	if err := s.stores.Sessions.Unarchive(ctx, id); err != nil {
		return fmt.Errorf("session.Service.Unarchive: %w", err)
	}
	return nil
}

// UpdateMetadata replaces the session's opaque metadata blob.
func (s *Service) UpdateMetadata(ctx context.Context, id uuid.UUID, metadata map[string]any) error {
	if err := s.stores.Sessions.UpdateMetadata(ctx, id, metadata); err != nil {
		return fmt.Errorf("session.Service.UpdateMetadata: %w", err)
	}
	return nil
}

// SetPlanMode toggles the plan-mode hint for the next handshake.
func (s *Service) SetPlanMode(ctx context.Context, id uuid.UUID, planMode bool) error {
	if err := s.stores.Sessions.SetPlanMode(ctx, id, planMode); err != nil {
		return fmt.Errorf("session.Service.SetPlanMode: %w", err)
	}
	return nil
}

// VerifyPlanFiles rehashes every declared plan file and reports paths whose
// content changed outside the recorded edit.
func (s *Service) VerifyPlanFiles(ctx context.Context, id uuid.UUID) ([]PlanDrift, error) {
	sess, err := s.stores.Sessions.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("session.Service.VerifyPlanFiles: %w", err)
	}
	declared, err := s.stores.PlanFiles.ListBySession(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("session.Service.VerifyPlanFiles: %w", err)
	}

	var drifts []PlanDrift
	for _, pf := range declared {
		current, err := HashFile(sess.WorktreePath, pf.Path)
		if err != nil {
			return nil, fmt.Errorf("session.Service.VerifyPlanFiles: %s: %w", pf.Path, err)
		}
		if current != pf.Digest {
			drifts = append(drifts, PlanDrift{Path: pf.Path, Recorded: pf.Digest, Current: current})
		}
	}
	return drifts, nil
}

// ExpireStalePending resolves deadline-expired requests as deny/skip with
// the timed-out marker, distinct from an explicit answer. Run at startup
// for requests whose machine died with the previous process.
func (s *Service) ExpireStalePending(ctx context.Context) error {
	expired, err := s.stores.Pending.ListExpired(ctx, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("session.Service.ExpireStalePending: %w", err)
	}
	for _, pr := range expired {
		err := s.stores.Pending.Resolve(ctx, pr.SessionID, pr.RequestID, "deny", domain.PendingTimedOut)
		if err != nil && !errors.Is(err, domain.ErrConflict) {
			return fmt.Errorf("session.Service.ExpireStalePending: %s: %w", pr.RequestID, err)
		}
		s.bus.Publish(events.Event{
			SessionID: pr.SessionID,
			Type:      events.TypeResolved,
			Payload:   mustJSON(map[string]any{"request_id": pr.RequestID, "decision": "deny", "timed_out": true}),
		})
	}
	return nil
}

// Shutdown stops all live machines and waits for their final statuses to be
// durable, bounded by ctx.
func (s *Service) Shutdown(ctx context.Context) error {
	s.cancel()
	for id, m := range s.registry.All() {
		select {
		case <-m.Done():
		case <-ctx.Done():
			return fmt.Errorf("session.Service.Shutdown: %s: %w", id, ctx.Err())
		}
	}
	return nil
}

func (s *Service) publishStatus(id uuid.UUID, status domain.SessionStatus) {
	s.bus.Publish(events.Event{
		SessionID: id,
		Type:      events.TypeStatus,
		Payload:   mustJSON(map[string]any{"status": status}),
	})
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Msg("session: marshal event payload")
		return nil
	}
	return b
}
