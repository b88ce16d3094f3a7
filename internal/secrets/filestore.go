package secrets

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileStore keeps encrypted agent credentials in a JSON file on disk.
// Values are already ciphertext when they reach the store; the file never
// holds plaintext.
type FileStore struct {
	mu   sync.Mutex
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Put stores or replaces one credential for an agent.
func (fs *FileStore) Put(s *Secret) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	all, err := fs.load()
	if err != nil {
		return fmt.Errorf("secrets.FileStore.Put: %w", err)
	}

	now := time.Now().UTC()
	replaced := false
	for i, existing := range all {
		if existing.AgentType == s.AgentType && existing.Name == s.Name {
			s.CreatedAt = existing.CreatedAt
			s.UpdatedAt = now
			all[i] = s
			replaced = true
			break
		}
	}
	if !replaced {
		s.CreatedAt = now
		s.UpdatedAt = now
		all = append(all, s)
	}

	if err := fs.save(all); err != nil {
		return fmt.Errorf("secrets.FileStore.Put: %w", err)
	}
	return nil
}

// Get returns one credential by agent and name.
func (fs *FileStore) Get(agentType, name string) (*Secret, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	all, err := fs.load()
	if err != nil {
		return nil, fmt.Errorf("secrets.FileStore.Get: %w", err)
	}
	for _, s := range all {
		if s.AgentType == agentType && s.Name == name {
			return s, nil
		}
	}
	return nil, ErrSecretNotFound
}

// ListByAgent returns every credential stored for one agent backend.
func (fs *FileStore) ListByAgent(agentType string) ([]*Secret, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	all, err := fs.load()
	if err != nil {
		return nil, fmt.Errorf("secrets.FileStore.ListByAgent: %w", err)
	}
	var out []*Secret
	for _, s := range all {
		if s.AgentType == agentType {
			out = append(out, s)
		}
	}
	return out, nil
}

// Delete removes one credential. Deleting a missing credential is a no-op.
func (fs *FileStore) Delete(agentType, name string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	all, err := fs.load()
	if err != nil {
		return fmt.Errorf("secrets.FileStore.Delete: %w", err)
	}
	kept := all[:0]
	for _, s := range all {
		if s.AgentType == agentType && s.Name == name {
			continue
		}
		kept = append(kept, s)
	}
	if err := fs.save(kept); err != nil {
		return fmt.Errorf("secrets.FileStore.Delete: %w", err)
	}
	return nil
}

func (fs *FileStore) load() ([]*Secret, error) {
	data, err := os.ReadFile(fs.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	var all []*Secret
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, fmt.Errorf("decode %s: %w", fs.path, err)
	}
	return all, nil
}

func (fs *FileStore) save(all []*Secret) error {
	if err := os.MkdirAll(filepath.Dir(fs.path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(fs.path, data, 0o600)
}
