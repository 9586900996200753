package artifacts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS session_snapshots (
	tenant_id  TEXT PRIMARY KEY,
	archive    BLOB NOT NULL,
	size_bytes INTEGER NOT NULL,
	updated_at TIMESTAMP NOT NULL
)`

// SQLiteMirror stores artifact snapshots in a SQLite database
type SQLiteMirror struct {
	db *sql.DB
}

// OpenSQLiteMirror opens (and migrates) the snapshot database at path
func OpenSQLiteMirror(ctx context.Context, path string) (*SQLiteMirror, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot database: %w", err)
	}
	// sqlite serializes writers
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate snapshot database: %w", err)
	}
	return &SQLiteMirror{db: db}, nil
}

// Save upserts the tenant's snapshot
func (m *SQLiteMirror) Save(ctx context.Context, tenantID string, archive []byte) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO session_snapshots (tenant_id, archive, size_bytes, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(tenant_id) DO UPDATE SET
			archive = excluded.archive,
			size_bytes = excluded.size_bytes,
			updated_at = excluded.updated_at`,
		tenantID, archive, len(archive), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save snapshot for tenant %s: %w", tenantID, err)
	}
	return nil
}

// Load returns the tenant's snapshot, or nil if there is none
func (m *SQLiteMirror) Load(ctx context.Context, tenantID string) ([]byte, error) {
	var archive []byte
	err := m.db.QueryRowContext(ctx,
		`SELECT archive FROM session_snapshots WHERE tenant_id = ?`, tenantID,
	).Scan(&archive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot for tenant %s: %w", tenantID, err)
	}
	return archive, nil
}

// Delete removes the tenant's snapshot
func (m *SQLiteMirror) Delete(ctx context.Context, tenantID string) error {
	if _, err := m.db.ExecContext(ctx,
		`DELETE FROM session_snapshots WHERE tenant_id = ?`, tenantID,
	); err != nil {
		return fmt.Errorf("failed to delete snapshot for tenant %s: %w", tenantID, err)
	}
	return nil
}

// Close closes the database
func (m *SQLiteMirror) Close() error {
	return m.db.Close()
}

var _ Mirror = (*SQLiteMirror)(nil)
