// Package state provides the persistence backends behind workflow state and
// checkpoints. All backends implement core.StorageAdapter, a key/value
// contract; the JSON backend keeps everything in one file with a checksum
// envelope, the SQLite backend keeps a kv table in WAL mode.
package state

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tandem-ai/tandem/internal/core"
)

// JSONAdapter implements core.StorageAdapter with a single JSON file.
type JSONAdapter struct {
	mu         sync.Mutex
	path       string
	backupPath string
	items      map[string]string
	loaded     bool
}

// JSONAdapterOption configures the adapter.
type JSONAdapterOption func(*JSONAdapter)

// WithJSONBackupPath sets the backup file path.
func WithJSONBackupPath(path string) JSONAdapterOption {
	return func(a *JSONAdapter) {
		a.backupPath = path
	}
}

// NewJSONAdapter creates a JSON file adapter. The file is created on first
// write.
func NewJSONAdapter(path string, opts ...JSONAdapterOption) *JSONAdapter {
	a := &JSONAdapter{
		path:       path,
		backupPath: path + ".bak",
		items:      make(map[string]string),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// storeEnvelope wraps the key/value map with integrity metadata.
type storeEnvelope struct {
	Version   int               `json:"version"`
	Checksum  string            `json:"checksum"`
	UpdatedAt time.Time         `json:"updated_at"`
	Items     map[string]string `json:"items"`
}

// GetItem returns the value for key, reporting whether it exists.
func (a *JSONAdapter) GetItem(ctx context.Context, key string) (string, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.ensureLoadedLocked(); err != nil {
		return "", false, err
	}
	value, ok := a.items[key]
	return value, ok, nil
}

// SetItem stores the value and persists the file atomically.
func (a *JSONAdapter) SetItem(ctx context.Context, key, value string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.ensureLoadedLocked(); err != nil {
		return err
	}
	a.items[key] = value
	return a.flushLocked()
}

// RemoveItem deletes the key. Removing a missing key is not an error.
func (a *JSONAdapter) RemoveItem(ctx context.Context, key string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.ensureLoadedLocked(); err != nil {
		return err
	}
	if _, ok := a.items[key]; !ok {
		return nil
	}
	delete(a.items, key)
	return a.flushLocked()
}

func (a *JSONAdapter) ensureLoadedLocked() error {
	if a.loaded {
		return nil
	}
	items, err := a.loadFromPath(a.path)
	if err != nil {
		if os.IsNotExist(err) {
			a.loaded = true
			return nil
		}
		// Primary corrupt or unreadable, fall back to the backup.
		backupItems, backupErr := a.loadFromPath(a.backupPath)
		if backupErr != nil {
			return core.ErrInternal(fmt.Sprintf("loading store %s (backup also failed: %v)", a.path, backupErr)).WithCause(err)
		}
		items = backupItems
	}
	a.items = items
	a.loaded = true
	return nil
}

func (a *JSONAdapter) loadFromPath(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var envelope storeEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("unmarshaling envelope: %w", err)
	}
	if envelope.Items == nil {
		envelope.Items = make(map[string]string)
	}
	if envelope.Checksum != checksumOf(envelope.Items) {
		return nil, core.ErrInternal("store checksum mismatch in " + path)
	}
	return envelope.Items, nil
}

func (a *JSONAdapter) flushLocked() error {
	dir := filepath.Dir(a.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating store directory: %w", err)
	}

	// Keep the previous good copy around before overwriting.
	if prev, err := os.ReadFile(a.path); err == nil {
		if err := atomicWriteFile(a.backupPath, prev, 0o644); err != nil {
			return fmt.Errorf("writing backup: %w", err)
		}
	}

	envelope := storeEnvelope{
		Version:   1,
		Checksum:  checksumOf(a.items),
		UpdatedAt: time.Now(),
		Items:     a.items,
	}
	data, err := json.MarshalIndent(envelope, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling envelope: %w", err)
	}
	if err := atomicWriteFile(a.path, data, 0o644); err != nil {
		return fmt.Errorf("writing store file: %w", err)
	}
	return nil
}

func checksumOf(items map[string]string) string {
	data, _ := json.Marshal(items)
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// Path returns the store file path.
func (a *JSONAdapter) Path() string {
	return a.path
}

var _ core.StorageAdapter = (*JSONAdapter)(nil)
