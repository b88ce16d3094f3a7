package session

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// Registry is the single owner of all live machines and their transports.
// Nothing outside this arena holds a raw transport reference, and the
// admission semaphore bounds how many subprocesses run at once.
type Registry struct {
	mu       sync.Mutex
	machines map[uuid.UUID]*Machine
	slots    *semaphore.Weighted
}

func NewRegistry(maxParallel int64) *Registry {
	if maxParallel < 1 {
		maxParallel = 1
	}
	return &Registry{
		machines: make(map[uuid.UUID]*Machine),
		slots:    semaphore.NewWeighted(maxParallel),
	}
}

// Admit reserves one subprocess slot without blocking. The limit being
// reached is a scheduler-level condition, reported to the caller rather
// than queued.
func (r *Registry) Admit() error {
	if !r.slots.TryAcquire(1) {
		return ErrTooManySessions
	}
	return nil
}

// ReleaseSlot returns one admission slot.
func (r *Registry) ReleaseSlot() {
	r.slots.Release(1)
}

// Add registers the machine for its session. Exactly one live transport may
// exist per session.
func (r *Registry) Add(id uuid.UUID, m *Machine) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.machines[id]; exists {
		return fmt.Errorf("session.Registry.Add: %w: %s", ErrAlreadyRunning, id)
	}
	r.machines[id] = m
	return nil
}

// Get returns the live machine for a session, if any.
func (r *Registry) Get(id uuid.UUID) (*Machine, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.machines[id]
	return m, ok
}

// Remove drops the machine registration. Removing an absent id is a no-op.
func (r *Registry) Remove(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.machines, id)
}

// Len reports the number of live machines.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.machines)
}

// All returns a snapshot of the live machines.
func (r *Registry) All() map[uuid.UUID]*Machine {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[uuid.UUID]*Machine, len(r.machines))
	for id, m := range r.machines {
		out[id] = m
	}
	return out
}
