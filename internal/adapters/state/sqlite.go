package state

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/tandem-ai/tandem/internal/core"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS kv (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// SQLiteAdapter implements core.StorageAdapter with a SQLite kv table.
type SQLiteAdapter struct {
	dbPath string
	db     *sql.DB
}

// NewSQLiteAdapter opens (creating if needed) the database at dbPath.
func NewSQLiteAdapter(dbPath string) (*SQLiteAdapter, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	// WAL mode for better concurrency
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("creating schema: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &SQLiteAdapter{dbPath: dbPath, db: db}, nil
}

// GetItem returns the value for key, reporting whether it exists.
func (a *SQLiteAdapter) GetItem(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := a.db.QueryRowContext(ctx, "SELECT value FROM kv WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, core.ErrInternal("reading key " + key).WithCause(err)
	}
	return value, true, nil
}

// SetItem upserts the value for key.
func (a *SQLiteAdapter) SetItem(ctx context.Context, key, value string) error {
	_, err := a.db.ExecContext(ctx, `
		INSERT INTO kv (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`, key, value)
	if err != nil {
		return core.ErrInternal("writing key " + key).WithCause(err)
	}
	return nil
}

// RemoveItem deletes the key. Removing a missing key is not an error.
func (a *SQLiteAdapter) RemoveItem(ctx context.Context, key string) error {
	if _, err := a.db.ExecContext(ctx, "DELETE FROM kv WHERE key = ?", key); err != nil {
		return core.ErrInternal("removing key " + key).WithCause(err)
	}
	return nil
}

// Close closes the database connection.
func (a *SQLiteAdapter) Close() error {
	if a.db != nil {
		return a.db.Close()
	}
	return nil
}

// Path returns the database file path.
func (a *SQLiteAdapter) Path() string {
	return a.dbPath
}

var _ core.StorageAdapter = (*SQLiteAdapter)(nil)
