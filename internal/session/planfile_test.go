package session

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	content := []byte("line one\nline two\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), content, 0o644))

	sum := sha256.Sum256(content)
	digest, err := HashFile(dir, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, hex.EncodeToString(sum[:]), digest)
}

func TestHashFile_Missing(t *testing.T) {
	t.Parallel()

	// A declaration made before the first write hashes to the empty string
	// rather than erroring.
	digest, err := HashFile(t.TempDir(), "not-yet-written.go")
	require.NoError(t, err)
	assert.Equal(t, "", digest)
}

func TestHashFile_Subdirectory(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "internal", "api"), 0o755))
	content := []byte("package api\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "internal", "api", "routes.go"), content, 0o644))

	sum := sha256.Sum256(content)
	digest, err := HashFile(dir, filepath.Join("internal", "api", "routes.go"))
	require.NoError(t, err)
	assert.Equal(t, hex.EncodeToString(sum[:]), digest)
}
