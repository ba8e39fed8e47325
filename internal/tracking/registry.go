package tracking

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/rewired-gh/vendorcast/internal/models"
)

// Registration points a registered model name at one entity run.
type Registration struct {
	ID           string    `json:"id"`
	Model        string    `json:"model"`
	Entity       string    `json:"entity"`
	RunID        string    `json:"run_id"`
	Version      int       `json:"version"`
	Source       string    `json:"source"`
	RegisteredAt time.Time `json:"registered_at"`
}

func (t *Tracker) registryPath(model string, key models.EntityKey) string {
	return filepath.Join(t.dir, "registry", safeName(model), safeName(string(key)), "latest.json")
}

// RegisterModel publishes the forecast of key from the active run under
// model. Each registration bumps the entity's version.
func (t *Tracker) RegisterModel(model string, key models.EntityKey) (*Registration, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.runDir == "" {
		return nil, fmt.Errorf("no active run")
	}
	source := filepath.Join(t.runDir, safeName(string(key)))
	if _, err := os.Stat(filepath.Join(source, "forecast.json")); err != nil {
		return nil, fmt.Errorf("entity %s has no tracked forecast in run %s: %w", key, t.runID, err)
	}

	path := t.registryPath(model, key)
	version := 1
	if prev, err := readRegistration(path); err == nil {
		version = prev.Version + 1
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	reg := &Registration{
		ID:           uuid.NewString(),
		Model:        model,
		Entity:       string(key),
		RunID:        t.runID,
		Version:      version,
		Source:       source,
		RegisteredAt: t.now().UTC(),
	}
	if err := os.MkdirAll(filepath.Dir(path), t.dirPerm); err != nil {
		return nil, fmt.Errorf("failed to create registry directory: %w", err)
	}
	if err := t.writeJSON(path, reg); err != nil {
		return nil, err
	}
	return reg, nil
}

// LatestRegistration returns the current registration of key under model.
func (t *Tracker) LatestRegistration(model string, key models.EntityKey) (*Registration, error) {
	return readRegistration(t.registryPath(model, key))
}

func readRegistration(path string) (*Registration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var reg Registration
	if err := json.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal registration %s: %w", path, err)
	}
	return &reg, nil
}
