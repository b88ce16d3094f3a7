// Package worktree provisions isolated git checkouts, one per session, so
// concurrent units of work never share file state.
package worktree

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Sentinel errors for worktree provisioning.
var (
	ErrDirtyRepo     = errors.New("worktree: base repository has uncommitted changes")
	ErrMissingBranch = errors.New("worktree: base branch does not exist")
)

// Executor abstracts git command execution so tests can fake it.
type Executor interface {
	CombinedOutput(ctx context.Context, dir string, name string, args ...string) ([]byte, error)
	Output(ctx context.Context, dir string, name string, args ...string) ([]byte, error)
}

// osExecutor runs real commands.
type osExecutor struct{}

func (osExecutor) CombinedOutput(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	cmd := commandContext(ctx, dir, name, args...)
	return cmd.CombinedOutput()
}

func (osExecutor) Output(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	cmd := commandContext(ctx, dir, name, args...)
	return cmd.Output()
}

// Manager creates and destroys session worktrees under a single root
// directory with deterministic, human-legible names.
type Manager struct {
	root     string
	prefix   string // branch prefix, e.g. "crewline/"
	executor Executor
}

// NewManager creates a Manager rooted at dir. An empty prefix defaults to
// "crewline/"; a prefix without a trailing separator gets one, so branch
// names always land in their own namespace.
func NewManager(root, prefix string) *Manager {
	if prefix == "" {
		prefix = "crewline/"
	} else if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &Manager{root: root, prefix: prefix, executor: osExecutor{}}
}

// SetExecutor replaces the command executor, for tests.
func (m *Manager) SetExecutor(e Executor) { m.executor = e }

// PathFor returns the deterministic worktree path for a session:
// <root>/<repo-name>-<short-session-id>.
func (m *Manager) PathFor(repoPath string, sessionID uuid.UUID) string {
	name := filepath.Base(repoPath) + "-" + sessionID.String()[:8]
	return filepath.Join(m.root, name)
}

// BranchFor returns the isolated branch name for a session.
func (m *Manager) BranchFor(sessionID uuid.UUID) string {
	return m.prefix + sessionID.String()
}

// Create provisions a worktree for the session, branching from baseBranch.
// All failure modes (missing branch, dirty repo, disk exhaustion) leave
// nothing behind: a failed create must never strand a session row pointing
// at a nonexistent checkout.
func (m *Manager) Create(ctx context.Context, repoPath, baseBranch string, sessionID uuid.UUID) (string, error) {
	dirty, err := m.HasUncommittedChanges(ctx, repoPath)
	if err != nil {
		return "", fmt.Errorf("worktree.Manager.Create: %w", err)
	}
	if dirty {
		return "", fmt.Errorf("worktree.Manager.Create: %w", ErrDirtyRepo)
	}

	if err := os.MkdirAll(m.root, 0o755); err != nil {
		return "", fmt.Errorf("worktree.Manager.Create: %w", err)
	}

	startPoint := baseBranch
	if startPoint == "" {
		startPoint = "HEAD"
	} else if _, err := m.executor.Output(ctx, repoPath, "git", "rev-parse", "--verify", startPoint); err != nil {
		return "", fmt.Errorf("worktree.Manager.Create: %w: %q", ErrMissingBranch, baseBranch)
	}

	path := m.PathFor(repoPath, sessionID)
	branch := m.BranchFor(sessionID)

	log.Info().
		Str("repo", repoPath).
		Str("branch", branch).
		Str("worktree", path).
		Msg("worktree: creating")

	output, err := m.executor.CombinedOutput(ctx, repoPath, "git", "worktree", "add", "-b", branch, path, startPoint)
	if err != nil {
		// Best-effort cleanup of a partially created checkout.
		m.cleanupFailed(ctx, repoPath, path, branch)
		return "", fmt.Errorf("worktree.Manager.Create: git worktree add: %s: %w", strings.TrimSpace(string(output)), err)
	}

	return path, nil
}

// Destroy removes a session's worktree and its branch. It is idempotent:
// a path that is already gone is not an error.
func (m *Manager) Destroy(ctx context.Context, repoPath, path string) error {
	if path == "" {
		return nil
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		// The checkout is gone; still prune git's bookkeeping.
		_, _ = m.executor.CombinedOutput(ctx, repoPath, "git", "worktree", "prune")
		return nil
	}

	output, err := m.executor.CombinedOutput(ctx, repoPath, "git", "worktree", "remove", "--force", path)
	if err != nil {
		// Fall back to deleting the directory and pruning.
		if rmErr := os.RemoveAll(path); rmErr != nil {
			return fmt.Errorf("worktree.Manager.Destroy: %s: %w", strings.TrimSpace(string(output)), err)
		}
		_, _ = m.executor.CombinedOutput(ctx, repoPath, "git", "worktree", "prune")
	}

	return nil
}

// HasUncommittedChanges reports whether the base repository is dirty.
func (m *Manager) HasUncommittedChanges(ctx context.Context, repoPath string) (bool, error) {
	output, err := m.executor.Output(ctx, repoPath, "git", "status", "--porcelain")
	if err != nil {
		return false, fmt.Errorf("worktree.Manager.HasUncommittedChanges: %w", err)
	}
	return len(strings.TrimSpace(string(output))) > 0, nil
}

func (m *Manager) cleanupFailed(ctx context.Context, repoPath, path, branch string) {
	_ = os.RemoveAll(path)
	_, _ = m.executor.CombinedOutput(ctx, repoPath, "git", "worktree", "prune")
	_, _ = m.executor.CombinedOutput(ctx, repoPath, "git", "branch", "-D", branch)
}
