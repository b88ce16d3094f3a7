// Package ws streams session events to WebSocket clients straight off the
// in-process event bus.
package ws

import (
	"encoding/json"
	"net/http"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/crewline/crewline/internal/events"
)

// Hub manages WebSocket connections backed by the event bus.
type Hub struct {
	bus *events.Bus
}

// NewHub creates a new WebSocket hub.
func NewHub(bus *events.Bus) *Hub {
	return &Hub{bus: bus}
}

// ServeSession handles WebSocket connections for one session's event stream.
// Every machine event (status changes, messages, tool calls, pending
// requests, stderr) is delivered as one JSON text frame.
func (h *Hub) ServeSession(w http.ResponseWriter, r *http.Request) {
	sessionIDStr := chi.URLParam(r, "sessionID")
	sessionID, err := uuid.Parse(sessionIDStr)
	if err != nil {
		http.Error(w, "invalid session id", http.StatusBadRequest)
		return
	}
	h.serve(w, r, sessionID)
}

// ServeFirehose streams events for every session over one connection.
func (h *Hub) ServeFirehose(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, uuid.Nil)
}

func (h *Hub) serve(w http.ResponseWriter, r *http.Request, sessionID uuid.UUID) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("websocket accept")
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	eventsCh, cancel := h.bus.Subscribe(sessionID)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "connection closed")
			return
		case ev, evOK := <-eventsCh:
			if !evOK {
				_ = conn.Close(websocket.StatusNormalClosure, "channel closed")
				return
			}
			payload, marshalErr := json.Marshal(ev)
			if marshalErr != nil {
				log.Error().Err(marshalErr).Str("session_id", ev.SessionID.String()).Msg("websocket marshal")
				continue
			}
			if writeErr := conn.Write(ctx, websocket.MessageText, payload); writeErr != nil {
				log.Debug().Err(writeErr).Msg("websocket write")
				return
			}
		}
	}
}
