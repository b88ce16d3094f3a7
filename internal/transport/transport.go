// Package transport owns agent child processes and converts their byte
// streams into typed protocol frames, and vice versa.
package transport

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/crewline/crewline/internal/proto"
)

// Sentinel errors surfaced by spawn preflight and the framing layer.
var (
	ErrMissingBinary = errors.New("transport: agent binary not found")
	ErrMissingEnv    = errors.New("transport: required environment variable not set")
	ErrLineTooLong   = errors.New("transport: line exceeds maximum frame size, protocol desync")
	ErrClosed        = errors.New("transport: closed")
)

// MaxLineBytes bounds a single protocol line. A longer line means the peer
// and controller disagree about framing; that is fatal for the stream.
const MaxLineBytes = 1 << 20

// Transport is the bidirectional peer API over one agent backend. Events
// must be consumed by exactly one reader goroutine per transport.
type Transport interface {
	// Send writes a frame without waiting for a reply.
	Send(ctx context.Context, f proto.Frame) error
	// Call sends a correlated request and blocks for the matched response.
	Call(ctx context.Context, method string, params []byte) (proto.Frame, error)
	// Events yields decoded frames. The channel closes on EOF or fatal error.
	Events() <-chan proto.Frame
	// Done closes when the backend has fully terminated.
	Done() <-chan struct{}
	// Err reports why the stream ended; nil for a clean EOF.
	Err() error
	// Close terminates gracefully first, escalating to a hard kill after the
	// grace period. Kill terminates immediately.
	Close(ctx context.Context) error
	Kill() error
}

// LaunchSpec describes how to start one agent child process.
type LaunchSpec struct {
	Command     string
	Args        []string
	Dir         string            // working directory, the session worktree
	Env         map[string]string // extra environment
	RequiredEnv []string          // names that must be present in Env or the process environment
}

// Preflight verifies the spec is launchable before any pipe is opened, so
// misconfiguration is reported synchronously with a remediation hint rather
// than surfacing later as a stream error.
func (s LaunchSpec) Preflight() error {
	if s.Command == "" {
		return fmt.Errorf("transport.LaunchSpec.Preflight: %w: empty command", ErrMissingBinary)
	}
	if _, err := exec.LookPath(s.Command); err != nil {
		return fmt.Errorf("transport.LaunchSpec.Preflight: %w: %q not on PATH (install the agent CLI or set its launch command in the agent profile)", ErrMissingBinary, s.Command)
	}
	for _, name := range s.RequiredEnv {
		if _, ok := s.Env[name]; ok {
			continue
		}
		if _, ok := os.LookupEnv(name); ok {
			continue
		}
		return fmt.Errorf("transport.LaunchSpec.Preflight: %w: %s (export it or add it to the agent profile credentials)", ErrMissingEnv, name)
	}
	return nil
}

// environ flattens the spec environment on top of the parent environment.
func (s LaunchSpec) environ() []string {
	env := os.Environ()
	for k, v := range s.Env {
		env = append(env, k+"="+v)
	}
	return env
}

// tailBuffer keeps the last chunk of stderr for error context.
type tailBuffer struct {
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.max {
		t.buf = t.buf[len(t.buf)-t.max:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	return strings.TrimSpace(string(t.buf))
}
