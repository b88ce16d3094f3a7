package secrets

import "fmt"

// Supplier decrypts an agent's stored credentials at spawn time. Plaintext
// lives only in the launch environment of the child process, never in the
// session tables.
type Supplier struct {
	vault *Vault
	store *FileStore
}

func NewSupplier(vault *Vault, store *FileStore) *Supplier {
	return &Supplier{vault: vault, store: store}
}

// EnvFor returns the decrypted environment variables for one agent backend.
func (s *Supplier) EnvFor(agentType string) (map[string]string, error) {
	list, err := s.store.ListByAgent(agentType)
	if err != nil {
		return nil, fmt.Errorf("secrets.Supplier.EnvFor: %w", err)
	}
	env, err := s.vault.DecryptEnv(list)
	if err != nil {
		return nil, fmt.Errorf("secrets.Supplier.EnvFor: %w", err)
	}
	return env, nil
}
