package session

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/crewline/crewline/internal/config"
	"github.com/crewline/crewline/internal/domain"
	"github.com/crewline/crewline/internal/proto"
	"github.com/crewline/crewline/internal/transport"
)

// Launcher starts one agent backend for a session. Tests substitute a fake
// returning a scripted transport.
type Launcher interface {
	Launch(ctx context.Context, profile config.AgentProfile, sess *domain.Session, env map[string]string, resume bool) (transport.Transport, error)
}

// ProcessLauncher spawns real subprocesses per the agent profile.
type ProcessLauncher struct {
	Grace time.Duration
}

func (l ProcessLauncher) Launch(ctx context.Context, profile config.AgentProfile, sess *domain.Session, env map[string]string, resume bool) (transport.Transport, error) {
	args := append([]string(nil), profile.Args...)
	if resume && sess.ResumeToken != "" {
		args = append(args, profile.ResumeFlag, sess.ResumeToken)
	}

	spec := transport.LaunchSpec{
		Command:     profile.Command,
		Args:        args,
		Dir:         sess.WorktreePath,
		Env:         env,
		RequiredEnv: profile.RequiredEnv,
	}

	var codec proto.Codec
	switch profile.Dialect {
	case "rpc":
		codec = proto.RPCCodec{}
	case "stream":
		codec = proto.StreamCodec{}
	default:
		return nil, fmt.Errorf("session.ProcessLauncher.Launch: unknown dialect %q", profile.Dialect)
	}

	switch profile.Transport {
	case "process":
		return transport.SpawnProcess(ctx, spec, codec, l.Grace)
	case "mailbox":
		dir := filepath.Join(sess.WorktreePath, ".crewline", "mailbox")
		return transport.SpawnMailbox(ctx, spec, codec, dir, l.Grace)
	default:
		return nil, fmt.Errorf("session.ProcessLauncher.Launch: unknown transport %q", profile.Transport)
	}
}
