package mirror

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// metadataFile lives inside the bare mirror; git ignores it.
const metadataFile = "branchguard-sync.json"

type metadata struct {
	Repository   string            `json:"repository"`
	URL          string            `json:"url"`
	LastSyncedAt time.Time         `json:"last_synced_at"`
	Retained     map[string]string `json:"retained,omitempty"`
}

func readMetadata(dir string) (*metadata, error) {
	raw, err := os.ReadFile(filepath.Join(dir, metadataFile))
	if err != nil {
		return nil, err
	}
	var m metadata
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parse %s: %w", metadataFile, err)
	}
	if m.LastSyncedAt.IsZero() {
		return nil, fmt.Errorf("%s has no last_synced_at", metadataFile)
	}
	return &m, nil
}

// writeMetadata replaces the metadata file atomically.
func writeMetadata(dir string, m *metadata) error {
	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, metadataFile+".*")
	if err != nil {
		return fmt.Errorf("write %s: %w", metadataFile, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(append(raw, '\n')); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write %s: %w", metadataFile, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync %s: %w", metadataFile, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", metadataFile, err)
	}
	return os.Rename(tmp.Name(), filepath.Join(dir, metadataFile))
}
