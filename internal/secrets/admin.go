package secrets

import "fmt"

// Admin is the management surface for stored credentials. It encrypts on the
// way in and never decrypts on the way out; plaintext only leaves the package
// through Supplier.EnvFor at launch time.
type Admin struct {
	vault *Vault
	store *FileStore
}

func NewAdmin(vault *Vault, store *FileStore) *Admin {
	return &Admin{vault: vault, store: store}
}

// Put encrypts value and stores it under (agentType, name).
func (a *Admin) Put(agentType, name, value string) error {
	ciphertext, err := a.vault.Encrypt(value)
	if err != nil {
		return fmt.Errorf("secrets.Admin.Put: %w", err)
	}
	return a.store.Put(&Secret{
		AgentType: agentType,
		Name:      name,
		Value:     ciphertext,
	})
}

// List returns the credential names stored for an agent, never their values.
func (a *Admin) List(agentType string) ([]string, error) {
	all, err := a.store.ListByAgent(agentType)
	if err != nil {
		return nil, fmt.Errorf("secrets.Admin.List: %w", err)
	}
	names := make([]string, 0, len(all))
	for _, s := range all {
		names = append(names, s.Name)
	}
	return names, nil
}

// Delete removes one credential. Deleting a missing credential is a no-op.
func (a *Admin) Delete(agentType, name string) error {
	return a.store.Delete(agentType, name)
}
