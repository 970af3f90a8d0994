package state

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/tandem-ai/tandem/internal/core"
)

// adapterContract exercises the behavior every backend must share.
func adapterContract(t *testing.T, adapter core.StorageAdapter) {
	t.Helper()
	ctx := context.Background()

	if _, ok, err := adapter.GetItem(ctx, "missing"); err != nil || ok {
		t.Fatalf("missing key: ok=%v err=%v", ok, err)
	}

	if err := adapter.SetItem(ctx, "workflow:w1", `{"state":"PLANNING"}`); err != nil {
		t.Fatalf("set: %v", err)
	}
	value, ok, err := adapter.GetItem(ctx, "workflow:w1")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if value != `{"state":"PLANNING"}` {
		t.Fatalf("value = %q", value)
	}

	// Overwrite
	if err := adapter.SetItem(ctx, "workflow:w1", `{"state":"CODING"}`); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	value, _, _ = adapter.GetItem(ctx, "workflow:w1")
	if value != `{"state":"CODING"}` {
		t.Fatalf("after overwrite = %q", value)
	}

	if err := adapter.RemoveItem(ctx, "workflow:w1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, ok, _ := adapter.GetItem(ctx, "workflow:w1"); ok {
		t.Fatalf("key present after remove")
	}

	// Removing a missing key is not an error.
	if err := adapter.RemoveItem(ctx, "never-existed"); err != nil {
		t.Fatalf("remove missing: %v", err)
	}
}

func TestMemoryAdapter_Contract(t *testing.T) {
	adapterContract(t, NewMemoryAdapter())
}

func TestJSONAdapter_Contract(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	adapterContract(t, NewJSONAdapter(path))
}

func TestSQLiteAdapter_Contract(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.db")
	adapter, err := NewSQLiteAdapter(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer adapter.Close()
	adapterContract(t, adapter)
}

func TestJSONAdapter_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	ctx := context.Background()

	first := NewJSONAdapter(path)
	if err := first.SetItem(ctx, "checkpoint:c1", "payload"); err != nil {
		t.Fatalf("set: %v", err)
	}

	second := NewJSONAdapter(path)
	value, ok, err := second.GetItem(ctx, "checkpoint:c1")
	if err != nil || !ok || value != "payload" {
		t.Fatalf("reopen: value=%q ok=%v err=%v", value, ok, err)
	}
}

func TestJSONAdapter_FallsBackToBackupOnCorruption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	ctx := context.Background()

	a := NewJSONAdapter(path)
	if err := a.SetItem(ctx, "k1", "v1"); err != nil {
		t.Fatalf("first set: %v", err)
	}
	// Second write creates the backup of the first good copy.
	if err := a.SetItem(ctx, "k2", "v2"); err != nil {
		t.Fatalf("second set: %v", err)
	}

	if err := os.WriteFile(path, []byte("{corrupt"), 0o644); err != nil {
		t.Fatalf("corrupt: %v", err)
	}

	recovered := NewJSONAdapter(path)
	value, ok, err := recovered.GetItem(ctx, "k1")
	if err != nil || !ok || value != "v1" {
		t.Fatalf("backup recovery: value=%q ok=%v err=%v", value, ok, err)
	}
}

func TestSQLiteAdapter_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.db")
	ctx := context.Background()

	first, err := NewSQLiteAdapter(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := first.SetItem(ctx, "checkpoint:c1", "payload"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	second, err := NewSQLiteAdapter(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer second.Close()
	value, ok, err := second.GetItem(ctx, "checkpoint:c1")
	if err != nil || !ok || value != "payload" {
		t.Fatalf("reopen: value=%q ok=%v err=%v", value, ok, err)
	}
}

func TestFactory(t *testing.T) {
	dir := t.TempDir()

	mem, err := NewStorageAdapter(BackendMemory, "")
	if err != nil {
		t.Fatalf("memory: %v", err)
	}
	if _, ok := mem.(*MemoryAdapter); !ok {
		t.Fatalf("memory backend type = %T", mem)
	}

	jsonAdapter, err := NewStorageAdapter(BackendJSON, filepath.Join(dir, "s.json"))
	if err != nil {
		t.Fatalf("json: %v", err)
	}
	if _, ok := jsonAdapter.(*JSONAdapter); !ok {
		t.Fatalf("json backend type = %T", jsonAdapter)
	}

	// Extension is normalized for SQLite.
	sqliteAdapter, err := NewStorageAdapter(BackendSQLite, filepath.Join(dir, "s.json"))
	if err != nil {
		t.Fatalf("sqlite: %v", err)
	}
	defer CloseAdapter(sqliteAdapter)
	sa, ok := sqliteAdapter.(*SQLiteAdapter)
	if !ok {
		t.Fatalf("sqlite backend type = %T", sqliteAdapter)
	}
	if filepath.Ext(sa.Path()) != ".db" {
		t.Fatalf("sqlite path = %s", sa.Path())
	}

	if _, err := NewStorageAdapter("bolt", ""); err == nil {
		t.Fatalf("unknown backend accepted")
	}
}
