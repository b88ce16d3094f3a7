// Package events fans session lifecycle and stream events out to
// in-process subscribers and, when configured, mirrors them to Redis
// so other processes can follow along.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	redisstore "github.com/crewline/crewline/internal/store/redis"
)

// Event is the envelope delivered to subscribers and mirrored to Redis.
type Event struct {
	SessionID uuid.UUID       `json:"session_id"`
	Seq       int64           `json:"seq,omitempty"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	At        time.Time       `json:"at"`
}

// Event types emitted by the session machine.
const (
	TypeStatus      = "status"
	TypeMessage     = "message"
	TypeToolCall    = "tool_call"
	TypePermission  = "permission_request"
	TypeUserInput   = "user_input_request"
	TypeResolved    = "request_resolved"
	TypeStderr      = "stderr"
	TypeParseError  = "parse_error"
	TypeInterrupted = "interrupted"
)

// Mirror publishes serialized events to an external channel. Satisfied by
// the redis store; nil mirrors are skipped.
type Mirror interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

type subscriber struct {
	id        int64
	sessionID uuid.UUID // uuid.Nil subscribes to every session
	ch        chan Event
}

// Bus delivers events to subscribers in publish order. A single dispatch
// goroutine owns fan-out, so two events published for the same session are
// observed by every subscriber in the same order.
type Bus struct {
	mu     sync.Mutex
	subs   map[int64]*subscriber
	nextID int64
	queue  chan Event
	done   chan struct{}
	closed bool

	mirror Mirror
}

const (
	busQueueDepth  = 256
	subBufferDepth = 64
)

func NewBus(mirror Mirror) *Bus {
	b := &Bus{
		subs:   make(map[int64]*subscriber),
		queue:  make(chan Event, busQueueDepth),
		done:   make(chan struct{}),
		mirror: mirror,
	}
	go b.dispatch()
	return b
}

// Publish enqueues an event for delivery. It never blocks on subscribers;
// a subscriber whose buffer is full loses the event and is expected to
// resynchronize from the store.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()

	select {
	case b.queue <- ev:
	case <-b.done:
	}
}

// Subscribe registers a listener for one session, or for all sessions when
// sessionID is uuid.Nil. The returned cancel func must be called to release
// the subscription; the channel is closed on cancel or bus shutdown.
func (b *Bus) Subscribe(sessionID uuid.UUID) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &subscriber{
		id:        b.nextID,
		sessionID: sessionID,
		ch:        make(chan Event, subBufferDepth),
	}
	if b.closed {
		close(sub.ch)
		return sub.ch, func() {}
	}
	b.subs[sub.id] = sub

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[sub.id]; ok {
			delete(b.subs, sub.id)
			close(sub.ch)
		}
	}
	return sub.ch, cancel
}

// Close stops dispatch and closes every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	close(b.done)
}

func (b *Bus) dispatch() {
	for {
		select {
		case <-b.done:
			b.drainAndCloseSubs()
			return
		case ev := <-b.queue:
			b.deliver(ev)
		}
	}
}

func (b *Bus) deliver(ev Event) {
	b.mu.Lock()
	for _, sub := range b.subs {
		if sub.sessionID != uuid.Nil && sub.sessionID != ev.SessionID {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			log.Warn().
				Str("session_id", ev.SessionID.String()).
				Str("type", ev.Type).
				Msg("events: subscriber buffer full, dropping event")
		}
	}
	b.mu.Unlock()

	b.mirrorOut(ev)
}

func (b *Bus) mirrorOut(ev Event) {
	if b.mirror == nil {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Str("session_id", ev.SessionID.String()).Msg("events: marshal for mirror")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.mirror.Publish(ctx, redisstore.SessionChannel(ev.SessionID), payload); err != nil {
		log.Error().Err(err).Str("session_id", ev.SessionID.String()).Msg("events: mirror publish")
	}
	if err := b.mirror.Publish(ctx, redisstore.BroadcastChannel(), payload); err != nil {
		log.Error().Err(err).Str("session_id", ev.SessionID.String()).Msg("events: broadcast publish")
	}
}

func (b *Bus) drainAndCloseSubs() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}
