// ABOUTME: Stable agent identity persisted on disk between runs
// ABOUTME: A random UUID is generated on first start and reused afterwards

package agent

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// DefaultIDPath returns ~/.config/omni/agent_id, honoring XDG_CONFIG_HOME.
func DefaultIDPath() (string, error) {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "omni", "agent_id"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, ".config", "omni", "agent_id"), nil
}

// LoadOrCreateID reads the agent id stored at path, creating a new one if
// the file does not exist or is empty.
func LoadOrCreateID(path string) (string, error) {
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	case !errors.Is(err, os.ErrNotExist):
		return "", fmt.Errorf("reading agent id: %w", err)
	}

	id := uuid.New().String()
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return "", fmt.Errorf("creating agent id directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0600); err != nil {
		return "", fmt.Errorf("writing agent id: %w", err)
	}
	return id, nil
}
