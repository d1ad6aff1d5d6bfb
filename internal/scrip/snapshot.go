package scrip

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"nifty-orbit/internal/model"
)

// snapshot is the on-disk form of a built cache generation. Persisting the
// filtered contracts (a few thousand rows) instead of the raw feed keeps the
// file small and lets a restart skip the download entirely while the window
// is still open.
type snapshot struct {
	BuiltAt      time.Time              `json:"built_at"`
	SourceBytes  int64                  `json:"source_bytes"`
	SourceSHA256 string                 `json:"source_sha256"`
	TotalRows    int                    `json:"total_rows"`
	Contracts    []model.OptionContract `json:"contracts"`
}

func writeSnapshot(path string, snap snapshot) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

func readSnapshot(path string) (snapshot, error) {
	var snap snapshot
	data, err := os.ReadFile(path)
	if err != nil {
		return snap, err
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		return snap, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}
