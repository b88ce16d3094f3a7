package session

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// HashFile returns the hex SHA-256 digest of a file inside a worktree. A
// file that does not exist yet hashes to the empty string, so a declaration
// made before the first write still records cleanly.
func HashFile(worktreePath, relPath string) (string, error) {
	f, err := os.Open(filepath.Join(worktreePath, relPath))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("session.HashFile: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("session.HashFile: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// PlanDrift reports one plan file whose current content no longer matches
// the digest recorded when the agent declared the edit.
type PlanDrift struct {
	Path     string `json:"path"`
	Recorded string `json:"recorded"`
	Current  string `json:"current"`
}
