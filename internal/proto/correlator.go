package proto

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
)

// ErrUnknownCorrelation is returned when a response arrives for an id that
// was never registered or was already resolved.
var ErrUnknownCorrelation = errors.New("proto: unknown correlation id")

// ErrCorrelatorClosed is returned once the owning transport has shut down.
var ErrCorrelatorClosed = errors.New("proto: correlator closed")

// Correlator matches outgoing requests to their asynchronous responses by
// message id. Each registered id yields a cancellable single-use future.
type Correlator struct {
	mu      sync.Mutex
	pending map[string]chan Frame
	closed  bool
	nextID  atomic.Int64
}

func NewCorrelator() *Correlator {
	return &Correlator{pending: make(map[string]chan Frame)}
}

// NextID allocates a process-unique request id.
func (c *Correlator) NextID() string {
	return strconv.FormatInt(c.nextID.Add(1), 10)
}

// Register creates a future for the given request id. The returned cancel
// func releases the slot; it is safe to call after the future resolved.
func (c *Correlator) Register(id string) (<-chan Frame, func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, nil, ErrCorrelatorClosed
	}
	if _, ok := c.pending[id]; ok {
		return nil, nil, fmt.Errorf("proto.Correlator.Register(%s): %w", id, ErrUnknownCorrelation)
	}

	ch := make(chan Frame, 1)
	c.pending[id] = ch

	cancel := func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}
	return ch, cancel, nil
}

// Resolve delivers a response frame to the future registered for its id.
// An unknown id is an error, never silently ignored.
func (c *Correlator) Resolve(f Frame) error {
	c.mu.Lock()
	ch, ok := c.pending[f.ID]
	if ok {
		delete(c.pending, f.ID)
	}
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("proto.Correlator.Resolve(%s): %w", f.ID, ErrUnknownCorrelation)
	}
	ch <- f
	close(ch)
	return nil
}

// Await blocks on a registered future until it resolves or ctx ends.
func (c *Correlator) Await(ctx context.Context, ch <-chan Frame, cancel func()) (Frame, error) {
	select {
	case f, ok := <-ch:
		if !ok {
			return Frame{}, ErrCorrelatorClosed
		}
		return f, nil
	case <-ctx.Done():
		cancel()
		return Frame{}, ctx.Err()
	}
}

// Close fails every outstanding future. Registered channels are closed so
// awaiting callers observe ErrCorrelatorClosed.
func (c *Correlator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

// PendingCount reports outstanding futures, used by shutdown diagnostics.
func (c *Correlator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
