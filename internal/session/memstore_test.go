package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/crewline/crewline/internal/domain"
)

// memStore is an in-memory implementation of every repository the machine
// writes through. One instance backs all five Stores fields.
type memStore struct {
	mu sync.Mutex

	sessions  map[uuid.UUID]*domain.Session
	statusLog map[uuid.UUID][]domain.SessionStatus
	seq       map[uuid.UUID]int64

	messages  []*domain.Message
	toolCalls []*domain.ToolCall

	checkpoints []*domain.Checkpoint
	planFiles   map[string]*domain.PlanFile // key sessionID|path
	pending     map[string]*domain.PendingRequest

	failCreate bool
}

func newMemStore() *memStore {
	return &memStore{
		sessions:  make(map[uuid.UUID]*domain.Session),
		statusLog: make(map[uuid.UUID][]domain.SessionStatus),
		seq:       make(map[uuid.UUID]int64),
		planFiles: make(map[string]*domain.PlanFile),
		pending:   make(map[string]*domain.PendingRequest),
	}
}

func (ms *memStore) stores() Stores {
	return Stores{Sessions: ms, History: ms, Checkpoints: ms, PlanFiles: memPlanFiles{ms}, Pending: ms}
}

// --- SessionRepository ---

func (ms *memStore) Create(_ context.Context, s *domain.Session) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.failCreate {
		return errors.New("memStore: create refused")
	}
	if _, ok := ms.sessions[s.ID]; ok {
		return domain.ErrConflict
	}
	cp := *s
	ms.sessions[s.ID] = &cp
	return nil
}

func (ms *memStore) GetByID(_ context.Context, id uuid.UUID) (*domain.Session, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	s, ok := ms.sessions[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (ms *memStore) List(_ context.Context, includeArchived bool) ([]*domain.Session, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	var out []*domain.Session
	for _, s := range ms.sessions {
		if !includeArchived && s.ArchivedAt != nil {
			continue
		}
		cp := *s
		out = append(out, &cp)
	}
	return out, nil
}

func (ms *memStore) ListNonTerminal(_ context.Context) ([]*domain.Session, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	var out []*domain.Session
	for _, s := range ms.sessions {
		if !s.Status.Terminal() {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (ms *memStore) UpdateStatus(_ context.Context, id uuid.UUID, status domain.SessionStatus) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	s, ok := ms.sessions[id]
	if !ok {
		return domain.ErrNotFound
	}
	s.Status = status
	ms.statusLog[id] = append(ms.statusLog[id], status)
	return nil
}

func (ms *memStore) SetResumeToken(_ context.Context, id uuid.UUID, token string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	s, ok := ms.sessions[id]
	if !ok {
		return domain.ErrNotFound
	}
	s.ResumeToken = token
	return nil
}

func (ms *memStore) SetPlanMode(_ context.Context, id uuid.UUID, planMode bool) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	s, ok := ms.sessions[id]
	if !ok {
		return domain.ErrNotFound
	}
	s.PlanMode = planMode
	return nil
}

func (ms *memStore) UpdateMetadata(_ context.Context, id uuid.UUID, metadata map[string]any) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	s, ok := ms.sessions[id]
	if !ok {
		return domain.ErrNotFound
	}
	s.Metadata = metadata
	return nil
}

func (ms *memStore) Archive(_ context.Context, id uuid.UUID) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	s, ok := ms.sessions[id]
	if !ok {
		return domain.ErrNotFound
	}
	now := time.Now().UTC()
	s.ArchivedAt = &now
	return nil
}

func (ms *memStore) Unarchive(_ context.Context, id uuid.UUID) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	s, ok := ms.sessions[id]
	if !ok {
		return domain.ErrNotFound
	}
	s.ArchivedAt = nil
	return nil
}

func (ms *memStore) Delete(_ context.Context, id uuid.UUID) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	delete(ms.sessions, id)
	delete(ms.statusLog, id)
	delete(ms.seq, id)

	var msgs []*domain.Message
	for _, m := range ms.messages {
		if m.SessionID != id {
			msgs = append(msgs, m)
		}
	}
	ms.messages = msgs

	var tcs []*domain.ToolCall
	for _, tc := range ms.toolCalls {
		if tc.SessionID != id {
			tcs = append(tcs, tc)
		}
	}
	ms.toolCalls = tcs

	var cps []*domain.Checkpoint
	for _, cp := range ms.checkpoints {
		if cp.SessionID != id {
			cps = append(cps, cp)
		}
	}
	ms.checkpoints = cps

	for key, pf := range ms.planFiles {
		if pf.SessionID == id {
			delete(ms.planFiles, key)
		}
	}
	for key, pr := range ms.pending {
		if pr.SessionID == id {
			delete(ms.pending, key)
		}
	}
	return nil
}

// --- HistoryRepository ---

func (ms *memStore) AppendMessage(_ context.Context, m *domain.Message) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.seq[m.SessionID]++
	m.Seq = ms.seq[m.SessionID]
	cp := *m
	ms.messages = append(ms.messages, &cp)
	return nil
}

func (ms *memStore) AppendToolCall(_ context.Context, tc *domain.ToolCall) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.seq[tc.SessionID]++
	tc.Seq = ms.seq[tc.SessionID]
	cp := *tc
	ms.toolCalls = append(ms.toolCalls, &cp)
	return nil
}

func (ms *memStore) CompleteToolCall(_ context.Context, sessionID uuid.UUID, seq int64, output json.RawMessage, ok, shouldContinue bool) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	for _, tc := range ms.toolCalls {
		if tc.SessionID == sessionID && tc.Seq == seq {
			if tc.OK != nil {
				return domain.ErrNotFound
			}
			tc.Output = output
			tc.OK = &ok
			tc.ShouldContinue = shouldContinue
			return nil
		}
	}
	return domain.ErrNotFound
}

func (ms *memStore) LoadHistory(_ context.Context, sessionID uuid.UUID) ([]domain.HistoryEntry, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	var entries []domain.HistoryEntry
	for _, m := range ms.messages {
		if m.SessionID == sessionID {
			cp := *m
			entries = append(entries, domain.HistoryEntry{Seq: m.Seq, Message: &cp})
		}
	}
	for _, tc := range ms.toolCalls {
		if tc.SessionID == sessionID {
			cp := *tc
			entries = append(entries, domain.HistoryEntry{Seq: tc.Seq, ToolCall: &cp})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Seq < entries[j].Seq })
	return entries, nil
}

// --- CheckpointRepository ---

func (ms *memStore) Record(_ context.Context, cp *domain.Checkpoint) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	dup := *cp
	ms.checkpoints = append(ms.checkpoints, &dup)
	return nil
}

func (ms *memStore) Latest(_ context.Context, sessionID uuid.UUID) (*domain.Checkpoint, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	var latest *domain.Checkpoint
	for _, cp := range ms.checkpoints {
		if cp.SessionID == sessionID && (latest == nil || cp.Iteration > latest.Iteration) {
			latest = cp
		}
	}
	if latest == nil {
		return nil, domain.ErrNotFound
	}
	dup := *latest
	return &dup, nil
}

// --- PlanFileRepository ---
//
// Lives on a wrapper type because its Record signature differs from the
// checkpoint one.

type memPlanFiles struct{ ms *memStore }

func (p memPlanFiles) Record(_ context.Context, pf *domain.PlanFile) error {
	p.ms.mu.Lock()
	defer p.ms.mu.Unlock()
	dup := *pf
	p.ms.planFiles[pf.SessionID.String()+"|"+pf.Path] = &dup
	return nil
}

func (p memPlanFiles) ListBySession(_ context.Context, sessionID uuid.UUID) ([]*domain.PlanFile, error) {
	p.ms.mu.Lock()
	defer p.ms.mu.Unlock()
	var out []*domain.PlanFile
	for _, pf := range p.ms.planFiles {
		if pf.SessionID == sessionID {
			dup := *pf
			out = append(out, &dup)
		}
	}
	return out, nil
}

// --- PendingRequestRepository ---

func pendingKey(sessionID uuid.UUID, requestID string) string {
	return sessionID.String() + "|" + requestID
}

func (ms *memStore) Open(_ context.Context, pr *domain.PendingRequest) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	key := pendingKey(pr.SessionID, pr.RequestID)
	if _, ok := ms.pending[key]; ok {
		return domain.ErrConflict
	}
	dup := *pr
	ms.pending[key] = &dup
	return nil
}

func (ms *memStore) Resolve(_ context.Context, sessionID uuid.UUID, requestID, decision string, status domain.PendingStatus) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	pr, ok := ms.pending[pendingKey(sessionID, requestID)]
	if !ok {
		return domain.ErrNotFound
	}
	if pr.Status != domain.PendingOpen {
		return fmt.Errorf("%w: already %s", domain.ErrConflict, pr.Status)
	}
	now := time.Now().UTC()
	pr.Status = status
	pr.Decision = decision
	pr.ResolvedAt = &now
	return nil
}

func (ms *memStore) Get(_ context.Context, sessionID uuid.UUID, requestID string) (*domain.PendingRequest, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	pr, ok := ms.pending[pendingKey(sessionID, requestID)]
	if !ok {
		return nil, domain.ErrNotFound
	}
	dup := *pr
	return &dup, nil
}

func (ms *memStore) ListOpen(_ context.Context, sessionID uuid.UUID) ([]*domain.PendingRequest, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	var out []*domain.PendingRequest
	for _, pr := range ms.pending {
		if pr.SessionID == sessionID && pr.Status == domain.PendingOpen {
			dup := *pr
			out = append(out, &dup)
		}
	}
	return out, nil
}

func (ms *memStore) ListExpired(_ context.Context, now time.Time) ([]*domain.PendingRequest, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	var out []*domain.PendingRequest
	for _, pr := range ms.pending {
		if pr.Status == domain.PendingOpen && pr.Deadline != nil && pr.Deadline.Before(now) {
			dup := *pr
			out = append(out, &dup)
		}
	}
	return out, nil
}

// accessors for assertions

func (ms *memStore) statusHistory(id uuid.UUID) []domain.SessionStatus {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return append([]domain.SessionStatus(nil), ms.statusLog[id]...)
}

func (ms *memStore) sessionMessages(id uuid.UUID) []*domain.Message {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	var out []*domain.Message
	for _, m := range ms.messages {
		if m.SessionID == id {
			cp := *m
			out = append(out, &cp)
		}
	}
	return out
}

func (ms *memStore) checkpointCount(id uuid.UUID) int {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	n := 0
	for _, cp := range ms.checkpoints {
		if cp.SessionID == id {
			n++
		}
	}
	return n
}
