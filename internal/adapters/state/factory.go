package state

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/tandem-ai/tandem/internal/core"
)

// Backend identifies a storage backend.
type Backend string

const (
	BackendJSON   Backend = "json"
	BackendSQLite Backend = "sqlite"
	BackendMemory Backend = "memory"
)

// NewStorageAdapter creates a storage adapter for the given backend at path.
// path is ignored for the memory backend.
func NewStorageAdapter(backend Backend, path string) (core.StorageAdapter, error) {
	switch backend {
	case BackendJSON:
		return NewJSONAdapter(path), nil
	case BackendSQLite:
		// Ensure path has .db extension for SQLite
		if !strings.HasSuffix(path, ".db") {
			path = strings.TrimSuffix(path, filepath.Ext(path)) + ".db"
		}
		return NewSQLiteAdapter(path)
	case BackendMemory:
		return NewMemoryAdapter(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", backend)
	}
}

// Closeable is an optional interface for adapters that need cleanup.
type Closeable interface {
	Close() error
}

// CloseAdapter safely closes an adapter if it implements Closeable.
func CloseAdapter(adapter core.StorageAdapter) error {
	if closeable, ok := adapter.(Closeable); ok {
		return closeable.Close()
	}
	return nil
}
