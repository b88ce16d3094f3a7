package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/crewline/crewline/internal/proto"
)

const (
	// DefaultGracePeriod is how long a graceful close waits for the child to
	// exit before escalating to SIGKILL.
	DefaultGracePeriod = 10 * time.Second

	stderrTailBytes = 8 * 1024
	scanBufBytes    = 256 * 1024
)

// ProcessTransport owns exactly one child process and frames its
// stdin/stdout into protocol messages. A dedicated reader goroutine parses
// stdout line by line; responses resolve correlator futures and everything
// else flows out the Events channel in arrival order.
type ProcessTransport struct {
	codec proto.Codec
	corr  *proto.Correlator
	grace time.Duration

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr *tailBuffer

	writeMu sync.Mutex

	events chan proto.Frame
	done   chan struct{}

	closeOnce sync.Once
	killOnce  sync.Once

	errMu   sync.Mutex
	err     error
	closing bool
}

// SpawnProcess runs the preflight check, starts the child, and begins
// reading. Spawn failures are returned synchronously; nothing is left
// running on error.
func SpawnProcess(ctx context.Context, spec LaunchSpec, codec proto.Codec, grace time.Duration) (*ProcessTransport, error) {
	if err := spec.Preflight(); err != nil {
		return nil, err
	}
	if grace <= 0 {
		grace = DefaultGracePeriod
	}

	// The child's lifetime is owned by Close and Kill, never by the spawn
	// context: callers hand in request-scoped contexts that end long before
	// the session does. WaitDelay still bounds the reap when the child exits
	// with pipes held open by grandchildren.
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.environ()
	cmd.WaitDelay = grace

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("transport.SpawnProcess: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("transport.SpawnProcess: stdout pipe: %w", err)
	}
	stderr := newTailBuffer(stderrTailBytes)
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("transport.SpawnProcess: start %q: %w", spec.Command, err)
	}

	t := &ProcessTransport{
		codec:  codec,
		corr:   proto.NewCorrelator(),
		grace:  grace,
		cmd:    cmd,
		stdin:  stdin,
		stderr: stderr,
		events: make(chan proto.Frame, 64),
		done:   make(chan struct{}),
	}

	go t.readLoop(stdout)

	return t, nil
}

// readLoop is the single reader goroutine for this child's stdout.
func (t *ProcessTransport) readLoop(stdout io.Reader) {
	defer t.finish()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, scanBufBytes), MaxLineBytes)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		frame := t.codec.Decode(line)
		if frame.Kind == proto.KindResponse {
			if err := t.corr.Resolve(frame); err != nil {
				// A response for an id we never sent is a protocol error;
				// report it in-band rather than dropping it.
				t.events <- proto.ParseErrorFrame(line, err)
			}
			continue
		}
		t.events <- frame
	}

	if scanErr := scanner.Err(); scanErr != nil {
		if errors.Is(scanErr, bufio.ErrTooLong) {
			scanErr = ErrLineTooLong
		}
		t.setErr(scanErr)
		// Fatal desync: the child may keep running and writing, and Wait
		// would never return while it lives.
		_ = t.cmd.Process.Kill()
	}
}

// finish reaps the child, fails outstanding futures, and closes channels.
func (t *ProcessTransport) finish() {
	waitErr := t.cmd.Wait()

	t.errMu.Lock()
	closing := t.closing
	if t.err == nil && waitErr != nil && !closing {
		if tail := t.stderr.String(); tail != "" {
			waitErr = fmt.Errorf("%w: %s", waitErr, tail)
		}
		t.err = waitErr
	}
	t.errMu.Unlock()

	t.corr.Close()
	close(t.events)
	close(t.done)
}

// Send encodes and writes one frame. Writes are serialized so concurrent
// senders never interleave partial lines.
func (t *ProcessTransport) Send(ctx context.Context, f proto.Frame) error {
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

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if _, err := t.stdin.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("transport.ProcessTransport.Send: %w", err)
	}
	return nil
}

// Call sends a correlated request and blocks for its response. The returned
// future is cancelled when ctx ends.
func (t *ProcessTransport) Call(ctx context.Context, method string, params []byte) (proto.Frame, error) {
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
			return proto.Frame{}, fmt.Errorf("transport.ProcessTransport.Call(%s): stream ended: %w", method, ErrClosed)
		}
		return proto.Frame{}, fmt.Errorf("transport.ProcessTransport.Call(%s): %w", method, err)
	}
	return resp, nil
}

func (t *ProcessTransport) Events() <-chan proto.Frame { return t.events }
func (t *ProcessTransport) Done() <-chan struct{}      { return t.done }

func (t *ProcessTransport) Err() error {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	return t.err
}

func (t *ProcessTransport) setErr(err error) {
	t.errMu.Lock()
	if t.err == nil {
		t.err = err
	}
	t.errMu.Unlock()
}

// Close terminates the child: SIGTERM, then SIGKILL once the grace period
// elapses. Safe to call multiple times and concurrently with Kill.
func (t *ProcessTransport) Close(ctx context.Context) error {
	var closeErr error
	t.closeOnce.Do(func() {
		t.errMu.Lock()
		t.closing = true
		t.errMu.Unlock()

		// Closing stdin tells well-behaved agents to wind down.
		_ = t.stdin.Close()
		if err := t.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			log.Debug().Err(err).Msg("transport: SIGTERM failed, process may already be gone")
		}

		timer := time.NewTimer(t.grace)
		defer timer.Stop()
		select {
		case <-t.done:
		case <-timer.C:
			log.Warn().Str("command", t.cmd.Path).Msg("transport: grace period elapsed, killing")
			closeErr = t.Kill()
			<-t.done
		case <-ctx.Done():
			closeErr = t.Kill()
			<-t.done
		}
	})
	return closeErr
}

// Kill terminates the child immediately without a grace period.
func (t *ProcessTransport) Kill() error {
	var err error
	t.killOnce.Do(func() {
		t.errMu.Lock()
		t.closing = true
		t.errMu.Unlock()
		err = t.cmd.Process.Kill()
	})
	if err != nil {
		return fmt.Errorf("transport.ProcessTransport.Kill: %w", err)
	}
	return nil
}
