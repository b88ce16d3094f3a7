// Package session drives one state machine per active unit of work: it
// consumes transport frames, persists every observable change before
// notifying subscribers, and arbitrates interactive permission and input
// exchanges with the agent.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/crewline/crewline/internal/domain"
	"github.com/crewline/crewline/internal/events"
	"github.com/crewline/crewline/internal/proto"
	"github.com/crewline/crewline/internal/transport"
)

const handshakeTimeout = 30 * time.Second

// Stores bundles the repositories a machine writes through.
type Stores struct {
	Sessions    domain.SessionRepository
	History     domain.HistoryRepository
	Checkpoints domain.CheckpointRepository
	PlanFiles   domain.PlanFileRepository
	Pending     domain.PendingRequestRepository
}

// MachineOptions configures one machine instance from session config and
// the agent profile.
type MachineOptions struct {
	Dialect         string
	Resume          bool
	CheckpointEvery int
	PendingTimeout  time.Duration
}

type cmdOp int

const (
	cmdPrompt cmdOp = iota
	cmdResolve
	cmdSoftStop
	cmdHardStop
)

type command struct {
	op        cmdOp
	text      string
	requestID string
	decision  string
	timedOut  bool
	reply     chan error
}

type openRequest struct {
	kind    domain.PendingKind
	frameID string // RPC request id to echo in the response
	timer   *time.Timer
}

// Machine is the single writer of one session's state. All mutation happens
// on the run loop goroutine; external callers talk to it through commands.
type Machine struct {
	sess   *domain.Session
	stores Stores
	bus    *events.Bus
	tr     transport.Transport
	opts   MachineOptions

	cmds chan command
	done chan struct{}

	// Run-loop-owned state. Never touched off-loop.
	status     domain.SessionStatus
	queue      []string
	open       map[string]*openRequest
	toolSeqs   map[string]int64
	eventCount int
	iteration  int
	stopping   bool
}

func NewMachine(sess *domain.Session, stores Stores, bus *events.Bus, tr transport.Transport, opts MachineOptions) *Machine {
	if opts.CheckpointEvery <= 0 {
		opts.CheckpointEvery = 20
	}
	if opts.PendingTimeout <= 0 {
		opts.PendingTimeout = 10 * time.Minute
	}
	return &Machine{
		sess:     sess,
		stores:   stores,
		bus:      bus,
		tr:       tr,
		opts:     opts,
		cmds:     make(chan command),
		done:     make(chan struct{}),
		status:   sess.Status,
		open:     make(map[string]*openRequest),
		toolSeqs: make(map[string]int64),
	}
}

// Done closes when the run loop has exited and the final status is durable.
func (m *Machine) Done() <-chan struct{} { return m.done }

// EnqueuePrompt submits a prompt. When the agent is busy it is queued and
// dispatched on the next ready transition instead of rejected.
func (m *Machine) EnqueuePrompt(ctx context.Context, text string) error {
	return m.sendCommand(ctx, command{op: cmdPrompt, text: text})
}

// Resolve answers a pending interactive request. Unknown or already
// resolved ids are rejected, never silently ignored.
func (m *Machine) Resolve(ctx context.Context, requestID, decision string) error {
	return m.sendCommand(ctx, command{op: cmdResolve, requestID: requestID, decision: decision})
}

// SoftStop asks the agent to finish its current work and exit. The
// transport escalates to a hard kill after the grace period.
func (m *Machine) SoftStop(ctx context.Context) error {
	return m.sendCommand(ctx, command{op: cmdSoftStop})
}

// HardStop kills the agent process immediately.
func (m *Machine) HardStop(ctx context.Context) error {
	return m.sendCommand(ctx, command{op: cmdHardStop})
}

func (m *Machine) sendCommand(ctx context.Context, cmd command) error {
	cmd.reply = make(chan error, 1)
	select {
	case m.cmds <- cmd:
	case <-m.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drives the session until the transport closes. It must be called
// exactly once, on its own goroutine.
func (m *Machine) Run(ctx context.Context) {
	defer close(m.done)
	defer m.stopTimers()

	if err := m.initialize(ctx); err != nil {
		log.Error().Err(err).Str("session_id", m.sess.ID.String()).Msg("session: handshake failed")
		m.fail(context.WithoutCancel(ctx), "agent handshake failed: "+err.Error())
		_ = m.tr.Kill()
		m.drain()
		return
	}

	for {
		select {
		case cmd := <-m.cmds:
			cmd.reply <- m.handleCommand(ctx, cmd)
		case f, ok := <-m.tr.Events():
			if !ok {
				m.finish(context.WithoutCancel(ctx))
				return
			}
			m.handleFrame(ctx, f)
		case <-ctx.Done():
			m.stopping = true
			_ = m.tr.Kill()
			m.drain()
			m.finish(context.WithoutCancel(ctx))
			return
		}
	}
}

// drain unblocks the transport reader until its event channel closes.
func (m *Machine) drain() {
	for range m.tr.Events() {
	}
}

func (m *Machine) stopTimers() {
	for _, req := range m.open {
		req.timer.Stop()
	}
}

// ---------------------------------------------------------------------------
// Handshake
// ---------------------------------------------------------------------------

func (m *Machine) initialize(ctx context.Context) error {
	if err := m.transition(ctx, domain.StatusInitializing); err != nil {
		return err
	}

	resumeToken := ""
	if m.opts.Resume {
		resumeToken = m.sess.ResumeToken
	}

	switch m.opts.Dialect {
	case "rpc":
		method := methodHandshake
		if m.opts.Resume && resumeToken != "" {
			method = methodResume
		}
		params, err := json.Marshal(handshakeParams{PlanMode: m.sess.PlanMode, ResumeToken: resumeToken})
		if err != nil {
			return fmt.Errorf("session.Machine.initialize: %w", err)
		}
		callCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
		defer cancel()
		resp, err := m.tr.Call(callCtx, method, params)
		if err != nil {
			return fmt.Errorf("session.Machine.initialize: %s: %w", method, err)
		}
		if resp.WireErr != nil {
			return fmt.Errorf("session.Machine.initialize: %s: agent error %d: %s", method, resp.WireErr.Code, resp.WireErr.Message)
		}
		var hr handshakeResult
		if len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, &hr); err != nil {
				return fmt.Errorf("session.Machine.initialize: decode handshake result: %w", err)
			}
		}
		if hr.ResumeToken != "" {
			m.persistResumeToken(ctx, hr.ResumeToken)
		}
		return m.becomeReady(ctx)
	case "stream":
		// The stream dialect acknowledges asynchronously with a "ready"
		// event; the machine stays initializing until it arrives.
		f, err := handshakeFrame(m.sess.PlanMode, resumeToken)
		if err != nil {
			return err
		}
		if err := m.tr.Send(ctx, f); err != nil {
			return fmt.Errorf("session.Machine.initialize: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("session.Machine.initialize: unknown dialect %q", m.opts.Dialect)
	}
}

func (m *Machine) persistResumeToken(ctx context.Context, token string) {
	if err := m.stores.Sessions.SetResumeToken(ctx, m.sess.ID, token); err != nil {
		log.Error().Err(err).Str("session_id", m.sess.ID.String()).Msg("session: persist resume token")
		return
	}
	m.sess.ResumeToken = token
}

// becomeReady enters ready and flushes one queued prompt, if any.
func (m *Machine) becomeReady(ctx context.Context) error {
	if err := m.transition(ctx, domain.StatusReady); err != nil {
		return err
	}
	if len(m.queue) > 0 {
		next := m.queue[0]
		m.queue = m.queue[1:]
		return m.submitPrompt(ctx, next)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Commands
// ---------------------------------------------------------------------------

func (m *Machine) handleCommand(ctx context.Context, cmd command) error {
	switch cmd.op {
	case cmdPrompt:
		if m.status.Terminal() {
			return ErrTerminal
		}
		if m.status == domain.StatusReady {
			return m.submitPrompt(ctx, cmd.text)
		}
		m.queue = append(m.queue, cmd.text)
		return nil
	case cmdResolve:
		return m.resolve(ctx, cmd.requestID, cmd.decision, cmd.timedOut)
	case cmdSoftStop:
		if m.stopping {
			return nil
		}
		m.stopping = true
		// Close blocks for up to the grace period before killing; run it
		// off-loop so frames keep draining meanwhile.
		go func() {
			if err := m.tr.Close(context.Background()); err != nil {
				log.Debug().Err(err).Str("session_id", m.sess.ID.String()).Msg("session: soft stop close")
			}
		}()
		return nil
	case cmdHardStop:
		m.stopping = true
		return m.tr.Kill()
	default:
		return fmt.Errorf("session.Machine.handleCommand: unknown op %d", cmd.op)
	}
}

func (m *Machine) submitPrompt(ctx context.Context, text string) error {
	msg := &domain.Message{
		SessionID: m.sess.ID,
		Role:      domain.RoleUser,
		Content:   text,
		Format:    "text",
		CreatedAt: time.Now().UTC(),
	}
	if err := m.stores.History.AppendMessage(ctx, msg); err != nil {
		return fmt.Errorf("session.Machine.submitPrompt: %w", err)
	}
	m.publishRecord(events.TypeMessage, msg.Seq, msg)

	if err := m.transition(ctx, domain.StatusRunning); err != nil {
		return err
	}

	f, err := promptFrame(m.opts.Dialect, text)
	if err != nil {
		return err
	}
	if err := m.tr.Send(ctx, f); err != nil {
		return fmt.Errorf("session.Machine.submitPrompt: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Frames
// ---------------------------------------------------------------------------

func (m *Machine) handleFrame(ctx context.Context, f proto.Frame) {
	m.eventCount++

	switch f.Kind {
	case proto.KindParseError:
		log.Warn().
			Err(f.ParseErr).
			Str("session_id", m.sess.ID.String()).
			Str("line", string(f.Line)).
			Msg("session: malformed agent output")
		m.publishRecord(events.TypeParseError, 0, map[string]string{
			"error": f.ParseErr.Error(),
			"line":  string(f.Line),
		})
	case proto.KindRequest:
		m.handlePeerRequest(ctx, f)
	case proto.KindEvent, proto.KindNotification:
		ev, ok := normalize(f)
		if !ok {
			log.Debug().
				Str("session_id", m.sess.ID.String()).
				Str("method", f.Method).
				Str("role", f.Role).
				Msg("session: unhandled frame")
			break
		}
		m.handleEvent(ctx, ev)
	default:
		log.Debug().Str("session_id", m.sess.ID.String()).Str("kind", string(f.Kind)).Msg("session: unexpected frame kind")
	}

	m.maybeCheckpoint(ctx)
}

func (m *Machine) handleEvent(ctx context.Context, ev agentEvent) {
	switch ev.Type {
	case evReady:
		if ev.ResumeToken != "" {
			m.persistResumeToken(ctx, ev.ResumeToken)
		}
		if m.status == domain.StatusInitializing {
			if err := m.becomeReady(ctx); err != nil {
				m.fail(ctx, "failed to enter ready: "+err.Error())
			}
		}
	case evAssistant:
		msg := &domain.Message{
			SessionID:  m.sess.ID,
			Role:       domain.RoleAssistant,
			Content:    ev.Content,
			Format:     "text",
			Model:      ev.Model,
			TokenCount: ev.Tokens,
			CreatedAt:  time.Now().UTC(),
		}
		if err := m.stores.History.AppendMessage(ctx, msg); err != nil {
			m.fail(ctx, "persisting assistant message failed: "+err.Error())
			return
		}
		m.publishRecord(events.TypeMessage, msg.Seq, msg)
	case evToolCall:
		tc := &domain.ToolCall{
			SessionID: m.sess.ID,
			Name:      ev.Name,
			Input:     ev.Input,
			CreatedAt: time.Now().UTC(),
		}
		if err := m.stores.History.AppendToolCall(ctx, tc); err != nil {
			m.fail(ctx, "persisting tool call failed: "+err.Error())
			return
		}
		key := ev.ID
		if key == "" {
			key = ev.Name
		}
		m.toolSeqs[key] = tc.Seq
		m.publishRecord(events.TypeToolCall, tc.Seq, tc)
	case evToolResult:
		key := ev.ID
		if key == "" {
			key = ev.Name
		}
		seq, ok := m.toolSeqs[key]
		if !ok {
			log.Warn().Str("session_id", m.sess.ID.String()).Str("tool", key).Msg("session: result for unknown tool call")
			return
		}
		delete(m.toolSeqs, key)
		okFlag := ev.OK == nil || *ev.OK
		cont := ev.Continue == nil || *ev.Continue
		if err := m.stores.History.CompleteToolCall(ctx, m.sess.ID, seq, ev.Output, okFlag, cont); err != nil {
			m.fail(ctx, "completing tool call failed: "+err.Error())
			return
		}
		m.publishRecord(events.TypeToolCall, seq, map[string]any{
			"seq": seq, "ok": okFlag, "should_continue": cont,
		})
	case evTurnEnd:
		if m.status != domain.StatusRunning {
			return
		}
		if err := m.becomeReady(ctx); err != nil {
			m.fail(ctx, "failed to enter ready: "+err.Error())
		}
	case evCompleted:
		if err := m.transition(ctx, domain.StatusCompleted); err != nil {
			log.Error().Err(err).Str("session_id", m.sess.ID.String()).Msg("session: completed transition")
		}
	case evError:
		m.fail(ctx, "agent reported error: "+ev.Error)
	case evPermission:
		m.openPending(ctx, domain.PendingPermission, ev.ID, "", ev.Question, ev.Options)
	case evUserInput:
		m.openPending(ctx, domain.PendingUserInput, ev.ID, "", ev.Question, ev.Options)
	case evPlanFile:
		m.recordPlanFile(ctx, ev.Path)
	default:
		log.Debug().Str("session_id", m.sess.ID.String()).Str("type", ev.Type).Msg("session: unhandled event type")
	}
}

func (m *Machine) handlePeerRequest(ctx context.Context, f proto.Frame) {
	var kind domain.PendingKind
	switch f.Method {
	case methodPermission:
		kind = domain.PendingPermission
	case methodUserInput:
		kind = domain.PendingUserInput
	default:
		reply := proto.Frame{
			Kind:    proto.KindResponse,
			ID:      f.ID,
			WireErr: &proto.WireError{Code: -32601, Message: "method not found: " + f.Method},
		}
		if err := m.tr.Send(ctx, reply); err != nil {
			log.Error().Err(err).Str("session_id", m.sess.ID.String()).Msg("session: reject unknown method")
		}
		return
	}

	var ev agentEvent
	if len(f.Params) > 0 {
		if err := json.Unmarshal(f.Params, &ev); err != nil {
			log.Warn().Err(err).Str("session_id", m.sess.ID.String()).Str("method", f.Method).Msg("session: malformed request params")
		}
	}
	m.openPending(ctx, kind, f.ID, f.ID, ev.Question, ev.Options)
}

// ---------------------------------------------------------------------------
// Pending interactive requests
// ---------------------------------------------------------------------------

func (m *Machine) openPending(ctx context.Context, kind domain.PendingKind, requestID, frameID, question string, options []string) {
	if requestID == "" {
		requestID = uuid.NewString()
	}

	now := time.Now().UTC()
	deadline := now.Add(m.opts.PendingTimeout)
	pr := &domain.PendingRequest{
		SessionID: m.sess.ID,
		RequestID: requestID,
		Kind:      kind,
		Question:  question,
		Options:   options,
		Deadline:  &deadline,
		Status:    domain.PendingOpen,
		OpenedAt:  now,
	}
	if err := m.stores.Pending.Open(ctx, pr); err != nil {
		m.fail(ctx, "persisting pending request failed: "+err.Error())
		return
	}

	target := domain.StatusAwaitingPermission
	eventType := events.TypePermission
	if kind == domain.PendingUserInput {
		target = domain.StatusAwaitingInput
		eventType = events.TypeUserInput
	}
	if m.status == domain.StatusRunning {
		if err := m.transition(ctx, target); err != nil {
			log.Error().Err(err).Str("session_id", m.sess.ID.String()).Msg("session: awaiting transition")
		}
	}
	m.publishRecord(eventType, 0, pr)

	timer := time.AfterFunc(m.opts.PendingTimeout, func() {
		cmd := command{op: cmdResolve, requestID: requestID, timedOut: true, reply: make(chan error, 1)}
		select {
		case m.cmds <- cmd:
			<-cmd.reply
		case <-m.done:
		}
	})
	m.open[requestID] = &openRequest{kind: kind, frameID: frameID, timer: timer}
}

func (m *Machine) resolve(ctx context.Context, requestID, answer string, timedOut bool) error {
	info, ok := m.open[requestID]
	if !ok {
		return fmt.Errorf("session.Machine.resolve: %w: %q", ErrUnknownRequest, requestID)
	}

	status := domain.PendingResolved
	if timedOut {
		status = domain.PendingTimedOut
		if answer == "" {
			answer = "deny"
		}
	}
	if err := m.stores.Pending.Resolve(ctx, m.sess.ID, requestID, answer, status); err != nil {
		if errors.Is(err, domain.ErrConflict) || errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("session.Machine.resolve: %w: %q", ErrUnknownRequest, requestID)
		}
		return fmt.Errorf("session.Machine.resolve: %w", err)
	}

	info.timer.Stop()
	delete(m.open, requestID)

	f, err := decisionFrame(m.opts.Dialect, info.frameID, requestID, answer, timedOut)
	if err != nil {
		return err
	}
	if err := m.tr.Send(ctx, f); err != nil {
		return fmt.Errorf("session.Machine.resolve: relay decision: %w", err)
	}

	if len(m.open) == 0 &&
		(m.status == domain.StatusAwaitingPermission || m.status == domain.StatusAwaitingInput) {
		if err := m.transition(ctx, domain.StatusRunning); err != nil {
			return err
		}
	}
	m.publishRecord(events.TypeResolved, 0, map[string]any{
		"request_id": requestID,
		"decision":   answer,
		"timed_out":  timedOut,
	})
	return nil
}

// ---------------------------------------------------------------------------
// Checkpoints and plan files
// ---------------------------------------------------------------------------

func (m *Machine) maybeCheckpoint(ctx context.Context) {
	if m.eventCount%m.opts.CheckpointEvery != 0 {
		return
	}
	m.iteration++
	state, err := json.Marshal(map[string]any{
		"status":      m.status,
		"event_count": m.eventCount,
	})
	if err != nil {
		log.Error().Err(err).Str("session_id", m.sess.ID.String()).Msg("session: marshal checkpoint")
		return
	}
	cp := &domain.Checkpoint{
		SessionID: m.sess.ID,
		Iteration: m.iteration,
		State:     state,
		CreatedAt: time.Now().UTC(),
	}
	if err := m.stores.Checkpoints.Record(ctx, cp); err != nil {
		log.Error().Err(err).Str("session_id", m.sess.ID.String()).Msg("session: record checkpoint")
	}
}

func (m *Machine) recordPlanFile(ctx context.Context, relPath string) {
	if relPath == "" {
		return
	}
	digest, err := HashFile(m.sess.WorktreePath, relPath)
	if err != nil {
		log.Warn().Err(err).Str("session_id", m.sess.ID.String()).Str("path", relPath).Msg("session: hash plan file")
	}
	pf := &domain.PlanFile{
		SessionID: m.sess.ID,
		Path:      relPath,
		Digest:    digest,
		CreatedAt: time.Now().UTC(),
	}
	if err := m.stores.PlanFiles.Record(ctx, pf); err != nil {
		log.Error().Err(err).Str("session_id", m.sess.ID.String()).Str("path", relPath).Msg("session: record plan file")
	}
}

// ---------------------------------------------------------------------------
// Transitions and termination
// ---------------------------------------------------------------------------

// transition persists the new status before publishing it. A crash between
// the write and the notify leaves observers behind durable state, never
// ahead of it.
func (m *Machine) transition(ctx context.Context, to domain.SessionStatus) error {
	if !domain.CanTransition(m.status, to) {
		return fmt.Errorf("session.Machine.transition: %w: %s -> %s", ErrBadTransition, m.status, to)
	}
	if err := m.stores.Sessions.UpdateStatus(ctx, m.sess.ID, to); err != nil {
		return fmt.Errorf("session.Machine.transition: %w", err)
	}
	m.status = to
	m.sess.Status = to
	m.publishRecord(events.TypeStatus, 0, map[string]any{"status": to})
	return nil
}

// fail appends a synthetic system message and moves the session to error.
func (m *Machine) fail(ctx context.Context, reason string) {
	if m.status.Terminal() {
		return
	}
	msg := &domain.Message{
		SessionID: m.sess.ID,
		Role:      domain.RoleSystem,
		Content:   reason,
		Format:    "text",
		CreatedAt: time.Now().UTC(),
	}
	if err := m.stores.History.AppendMessage(ctx, msg); err != nil {
		log.Error().Err(err).Str("session_id", m.sess.ID.String()).Msg("session: persist failure message")
	} else {
		m.publishRecord(events.TypeMessage, msg.Seq, msg)
	}
	if err := m.transition(ctx, domain.StatusError); err != nil {
		log.Error().Err(err).Str("session_id", m.sess.ID.String()).Msg("session: error transition")
	}
}

// finish runs after the transport's event channel closes and decides the
// terminal status.
func (m *Machine) finish(ctx context.Context) {
	if m.status.Terminal() {
		return
	}
	if m.stopping {
		if err := m.transition(ctx, domain.StatusStopped); err != nil {
			log.Error().Err(err).Str("session_id", m.sess.ID.String()).Msg("session: stopped transition")
		}
		return
	}

	reason := "agent process exited unexpectedly"
	if err := m.tr.Err(); err != nil {
		reason = "agent process exited unexpectedly: " + err.Error()
		m.publishRecord(events.TypeStderr, 0, map[string]string{"text": err.Error()})
	}
	m.fail(ctx, reason)
}

func (m *Machine) publishRecord(eventType string, seq int64, record any) {
	payload, err := json.Marshal(record)
	if err != nil {
		log.Error().Err(err).Str("session_id", m.sess.ID.String()).Str("type", eventType).Msg("session: marshal event payload")
		return
	}
	m.bus.Publish(events.Event{
		SessionID: m.sess.ID,
		Seq:       seq,
		Type:      eventType,
		Payload:   payload,
	})
}
