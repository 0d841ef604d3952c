package usage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// FileCache stores one JSON snapshot file per user under a root
// directory. Files are read whole and overwritten whole.
type FileCache struct {
	root string
}

func NewFileCache(root string) *FileCache {
	return &FileCache{root: root}
}

func (c *FileCache) path(userID int64) string {
	return filepath.Join(c.root, fmt.Sprintf("%d.json", userID))
}

// Load reads the cached snapshot for a user. A missing file is not an
// error and returns (nil, nil); unreadable or malformed content is.
func (c *FileCache) Load(userID int64) (*Snapshot, error) {
	data, err := os.ReadFile(c.path(userID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read cache file: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("malformed cache file %s: %w", c.path(userID), err)
	}
	return &snap, nil
}

// Save overwrites the user's cache file with the full snapshot,
// creating the cache directory on first use.
func (c *FileCache) Save(userID int64, snap *Snapshot) error {
	if err := os.MkdirAll(c.root, 0o755); err != nil {
		return fmt.Errorf("failed to create cache dir: %w", err)
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	if err := os.WriteFile(c.path(userID), data, 0o644); err != nil {
		return fmt.Errorf("failed to write cache file: %w", err)
	}
	return nil
}
