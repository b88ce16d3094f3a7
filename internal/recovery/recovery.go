// Package recovery reconciles persisted in-flight sessions against reality
// at daemon startup, before any new session may be created. A session that
// was running when the previous process died either resumes through its
// vendor token or ends in a durable error with its history intact; it never
// stays "running" as a lie.
package recovery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/crewline/crewline/internal/config"
	"github.com/crewline/crewline/internal/domain"
	"github.com/crewline/crewline/internal/events"
)

// SessionService is the slice of the session service recovery depends on.
type SessionService interface {
	Resume(ctx context.Context, sess *domain.Session) error
	ExpireStalePending(ctx context.Context) error
}

type Coordinator struct {
	sessions domain.SessionRepository
	history  domain.HistoryRepository
	svc      SessionService
	agents   map[string]config.AgentProfile
	bus      *events.Bus
}

func NewCoordinator(
	sessions domain.SessionRepository,
	history domain.HistoryRepository,
	svc SessionService,
	agents map[string]config.AgentProfile,
	bus *events.Bus,
) *Coordinator {
	return &Coordinator{
		sessions: sessions,
		history:  history,
		svc:      svc,
		agents:   agents,
		bus:      bus,
	}
}

// Run performs the startup reconciliation pass. Failures on one session
// never block recovery of the others.
func (c *Coordinator) Run(ctx context.Context) error {
	stale, err := c.sessions.ListNonTerminal(ctx)
	if err != nil {
		return fmt.Errorf("recovery.Coordinator.Run: %w", err)
	}

	var resumed, failed int
	for _, sess := range stale {
		if c.tryResume(ctx, sess) {
			resumed++
			continue
		}
		c.failInterrupted(ctx, sess)
		failed++
	}

	if err := c.svc.ExpireStalePending(ctx); err != nil {
		log.Error().Err(err).Msg("recovery: expire stale pending requests")
	}

	log.Info().
		Int("stale", len(stale)).
		Int("resumed", resumed).
		Int("failed", failed).
		Msg("recovery: startup reconciliation complete")
	return nil
}

func (c *Coordinator) tryResume(ctx context.Context, sess *domain.Session) bool {
	profile, ok := c.agents[sess.AgentType]
	if !ok || !profile.Resumable || sess.ResumeToken == "" {
		return false
	}

	if err := c.svc.Resume(ctx, sess); err != nil {
		log.Warn().
			Err(err).
			Str("session_id", sess.ID.String()).
			Str("agent_type", sess.AgentType).
			Msg("recovery: resume failed, marking interrupted")
		return false
	}

	log.Info().
		Str("session_id", sess.ID.String()).
		Str("agent_type", sess.AgentType).
		Msg("recovery: session resumed")
	return true
}

// failInterrupted records why the session ended and moves it to error,
// preserving all prior history as read-only.
func (c *Coordinator) failInterrupted(ctx context.Context, sess *domain.Session) {
	msg := &domain.Message{
		SessionID: sess.ID,
		Role:      domain.RoleSystem,
		Content:   "session interrupted by a daemon restart and could not be resumed",
		Format:    "text",
		CreatedAt: time.Now().UTC(),
	}
	if err := c.history.AppendMessage(ctx, msg); err != nil {
		log.Error().Err(err).Str("session_id", sess.ID.String()).Msg("recovery: append interruption message")
	} else {
		c.publish(sess, events.TypeInterrupted, msg)
	}

	if err := c.sessions.UpdateStatus(ctx, sess.ID, domain.StatusError); err != nil {
		log.Error().Err(err).Str("session_id", sess.ID.String()).Msg("recovery: mark session error")
		return
	}
	c.publish(sess, events.TypeStatus, map[string]any{"status": domain.StatusError})
}

func (c *Coordinator) publish(sess *domain.Session, eventType string, record any) {
	payload, err := json.Marshal(record)
	if err != nil {
		log.Error().Err(err).Str("session_id", sess.ID.String()).Msg("recovery: marshal event")
		return
	}
	c.bus.Publish(events.Event{
		SessionID: sess.ID,
		Type:      eventType,
		Payload:   payload,
	})
}
