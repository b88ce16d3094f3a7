package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/crewline/crewline/internal/proto"
)

// Mailbox file layout inside the session's mailbox directory. The agent
// process appends to its outbox and consumes the controller's; each file is
// a JSON array of raw frame lines.
const (
	mailboxToAgent   = "to-agent.json"
	mailboxFromAgent = "from-agent.json"
	mailboxLock      = "mailbox.lock"

	// MailboxDirEnv tells the agent process where the mailbox lives.
	MailboxDirEnv = "CREWLINE_MAILBOX_DIR"

	defaultPollInterval = 250 * time.Millisecond
	lockRetryInterval   = 20 * time.Millisecond
	lockStaleAfter      = 30 * time.Second
)

// ErrLockTimeout is returned when the mailbox lock cannot be acquired.
var ErrLockTimeout = errors.New("transport: mailbox lock acquisition timed out")

// MailboxTransport is the file-based inter-process backend used by agents
// that exchange JSON files instead of pipes. Each backing file is a
// single-writer resource protected by a dedicated lock file, and writes
// always rewrite the file in place under that lock: renaming would
// invalidate a lock held on the pre-rename handle.
type MailboxTransport struct {
	dir   string
	codec proto.Codec
	corr  *proto.Correlator
	poll  time.Duration

	proc *ProcessTransport // owns the agent process; its frames are ignored

	consumed int // entries of from-agent.json already delivered

	events chan proto.Frame
	done   chan struct{}
	cancel context.CancelFunc

	closeOnce sync.Once

	errMu sync.Mutex
	err   error
}

// SpawnMailbox provisions the mailbox directory, starts the agent process
// with the mailbox location in its environment, and begins polling the
// agent's outbox.
func SpawnMailbox(ctx context.Context, spec LaunchSpec, codec proto.Codec, dir string, grace time.Duration) (*MailboxTransport, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("transport.SpawnMailbox: %w", err)
	}
	for _, name := range []string{mailboxToAgent, mailboxFromAgent} {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			if writeErr := os.WriteFile(path, []byte("[]"), 0o644); writeErr != nil {
				return nil, fmt.Errorf("transport.SpawnMailbox: seed %s: %w", name, writeErr)
			}
		}
	}

	if spec.Env == nil {
		spec.Env = make(map[string]string, 1)
	}
	spec.Env[MailboxDirEnv] = dir

	// The child still runs as a process; only the frames travel via files.
	// Its stdout is framed with the same codec but treated as advisory.
	proc, err := SpawnProcess(ctx, spec, codec, grace)
	if err != nil {
		return nil, err
	}

	pollCtx, cancel := context.WithCancel(context.Background())
	t := &MailboxTransport{
		dir:    dir,
		codec:  codec,
		corr:   proto.NewCorrelator(),
		poll:   defaultPollInterval,
		proc:   proc,
		events: make(chan proto.Frame, 64),
		done:   make(chan struct{}),
		cancel: cancel,
	}

	go t.pollLoop(pollCtx)

	return t, nil
}

// pollLoop is the single reader for the agent's outbox file.
func (t *MailboxTransport) pollLoop(ctx context.Context) {
	defer func() {
		t.corr.Close()
		close(t.events)
		close(t.done)
	}()

	// Drain and discard the process's own stdout so it never blocks.
	go func() {
		for range t.proc.Events() {
		}
	}()

	ticker := time.NewTicker(t.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.proc.Done():
			// One final sweep so frames written just before exit are kept.
			if err := t.deliverNew(); err != nil {
				t.setErr(err)
			}
			if procErr := t.proc.Err(); procErr != nil {
				t.setErr(procErr)
			}
			return
		case <-ticker.C:
			if err := t.deliverNew(); err != nil {
				t.setErr(err)
				return
			}
		}
	}
}

// deliverNew reads the agent outbox under the lock and emits entries not yet
// delivered.
func (t *MailboxTransport) deliverNew() error {
	unlock, err := t.acquireLock()
	if err != nil {
		return err
	}
	lines, err := readMailboxFile(filepath.Join(t.dir, mailboxFromAgent))
	unlock()
	if err != nil {
		return err
	}

	for ; t.consumed < len(lines); t.consumed++ {
		frame := t.codec.Decode(lines[t.consumed])
		if frame.Kind == proto.KindResponse {
			if resolveErr := t.corr.Resolve(frame); resolveErr != nil {
				t.events <- proto.ParseErrorFrame(lines[t.consumed], resolveErr)
			}
			continue
		}
		t.events <- frame
	}
	return nil
}

// Send appends one frame to the controller outbox, rewriting the file in
// place under the mailbox lock.
func (t *MailboxTransport) Send(ctx context.Context, f proto.Frame) error {
	line, err := t.codec.Encode(f)
	if err != nil {
		return err
	}

	select {
	case <-t.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	unlock, err := t.acquireLock()
	if err != nil {
		return err
	}
	defer unlock()

	path := filepath.Join(t.dir, mailboxToAgent)
	lines, err := readMailboxFile(path)
	if err != nil {
		return err
	}
	lines = append(lines, json.RawMessage(line))
	return rewriteMailboxFile(path, lines)
}

func (t *MailboxTransport) Call(ctx context.Context, method string, params []byte) (proto.Frame, error) {
	id := t.corr.NextID()
	future, cancel, err := t.corr.Register(id)
	if err != nil {
		return proto.Frame{}, err
	}

	req := proto.Frame{Kind: proto.KindRequest, ID: id, Method: method, Params: params}
	if err := t.Send(ctx, req); err != nil {
		cancel()
		return proto.Frame{}, err
	}

	resp, err := t.corr.Await(ctx, future, cancel)
	if err != nil {
		if errors.Is(err, proto.ErrCorrelatorClosed) {
			return proto.Frame{}, fmt.Errorf("transport.MailboxTransport.Call(%s): stream ended: %w", method, ErrClosed)
		}
		return proto.Frame{}, fmt.Errorf("transport.MailboxTransport.Call(%s): %w", method, err)
	}
	return resp, nil
}

func (t *MailboxTransport) Events() <-chan proto.Frame { return t.events }
func (t *MailboxTransport) Done() <-chan struct{}      { return t.done }

func (t *MailboxTransport) Err() error {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	return t.err
}

func (t *MailboxTransport) setErr(err error) {
	t.errMu.Lock()
	if t.err == nil {
		t.err = err
	}
	t.errMu.Unlock()
}

func (t *MailboxTransport) Close(ctx context.Context) error {
	var err error
	t.closeOnce.Do(func() {
		err = t.proc.Close(ctx)
		t.cancel()
		<-t.done
	})
	return err
}

func (t *MailboxTransport) Kill() error {
	err := t.proc.Kill()
	t.cancel()
	return err
}

// acquireLock takes the mailbox lock file, breaking it if it is stale.
func (t *MailboxTransport) acquireLock() (func(), error) {
	lockPath := filepath.Join(t.dir, mailboxLock)
	deadline := time.Now().Add(5 * time.Second)

	for {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			_ = f.Close()
			return func() { _ = os.Remove(lockPath) }, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("transport.MailboxTransport: acquire lock: %w", err)
		}

		if info, statErr := os.Stat(lockPath); statErr == nil && time.Since(info.ModTime()) > lockStaleAfter {
			log.Warn().Str("lock", lockPath).Msg("transport: breaking stale mailbox lock")
			_ = os.Remove(lockPath)
			continue
		}

		if time.Now().After(deadline) {
			return nil, ErrLockTimeout
		}
		time.Sleep(lockRetryInterval)
	}
}

// readMailboxFile parses the backing file into raw frame lines.
func readMailboxFile(path string) ([]json.RawMessage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("transport: read mailbox %s: %w", filepath.Base(path), err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	var lines []json.RawMessage
	if err := json.Unmarshal(data, &lines); err != nil {
		return nil, fmt.Errorf("transport: corrupt mailbox %s: %w", filepath.Base(path), err)
	}
	return lines, nil
}

// rewriteMailboxFile truncates and rewrites the backing file in place. The
// caller must hold the mailbox lock.
func rewriteMailboxFile(path string, lines []json.RawMessage) error {
	data, err := json.Marshal(lines)
	if err != nil {
		return fmt.Errorf("transport: marshal mailbox: %w", err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("transport: open mailbox %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("transport: truncate mailbox: %w", err)
	}
	if _, err := f.WriteAt(data, 0); err != nil {
		return fmt.Errorf("transport: write mailbox: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("transport: sync mailbox: %w", err)
	}
	return nil
}
