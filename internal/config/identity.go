package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// IdentityFile is the name of the persisted node identity inside temp_dir
const IdentityFile = "worker_id"

// NodeID returns the configured node id, or the identity persisted in
// TempDir, creating one on first use so it survives restarts
func (c *Config) NodeID() (string, error) {
	if c.Node.ID != "" {
		return c.Node.ID, nil
	}
	return LoadOrCreateIdentity(c.Node.TempDir)
}

// LoadOrCreateIdentity reads dir/worker_id or writes a fresh uuid there
func LoadOrCreateIdentity(dir string) (string, error) {
	path := filepath.Join(dir, IdentityFile)

	data, err := os.ReadFile(path)
	if err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to read identity: %w", err)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create %s: %w", dir, err)
	}
	id := uuid.NewString()
	if err := os.WriteFile(path, []byte(id+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("failed to persist identity: %w", err)
	}
	return id, nil
}
