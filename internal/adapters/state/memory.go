package state

import (
	"context"
	"sync"

	"github.com/tandem-ai/tandem/internal/core"
)

// MemoryAdapter implements core.StorageAdapter in memory. Used by tests and
// by sessions that opt out of persistence.
type MemoryAdapter struct {
	mu    sync.Mutex
	items map[string]string
}

// NewMemoryAdapter creates an empty in-memory adapter.
func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{items: make(map[string]string)}
}

func (a *MemoryAdapter) GetItem(ctx context.Context, key string) (string, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	value, ok := a.items[key]
	return value, ok, nil
}

func (a *MemoryAdapter) SetItem(ctx context.Context, key, value string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.items[key] = value
	return nil
}

func (a *MemoryAdapter) RemoveItem(ctx context.Context, key string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.items, key)
	return nil
}

// Len reports the number of stored items.
func (a *MemoryAdapter) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.items)
}

var _ core.StorageAdapter = (*MemoryAdapter)(nil)
