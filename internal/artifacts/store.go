// Package artifacts manages the per-tenant authentication material a worker
// needs to resume a session without a fresh scan.
//
// Each tenant owns one directory under the artifact root. A Mirror can keep
// compressed snapshots of those directories in an external document store so
// a session survives the loss of the local disk.
package artifacts

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

var safeTenantID = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// Store is the local artifact layout
type Store interface {
	// Path returns the tenant's artifact directory (it may not exist)
	Path(tenantID string) string
	// Exists reports whether the tenant has any artifacts on disk
	Exists(tenantID string) (bool, error)
	// Delete removes the tenant's directory; a missing directory is not an error
	Delete(tenantID string) error
	// Snapshot returns a tar.gz of the tenant's directory
	Snapshot(tenantID string) ([]byte, error)
	// Restore replaces the tenant's directory with the contents of a snapshot
	Restore(tenantID string, archive []byte) error
}

// Mirror is an external document store holding artifact snapshots
type Mirror interface {
	Save(ctx context.Context, tenantID string, archive []byte) error
	// Load returns nil, nil when the tenant has no snapshot
	Load(ctx context.Context, tenantID string) ([]byte, error)
	Delete(ctx context.Context, tenantID string) error
}

// DirStore keeps one directory per tenant under Root
type DirStore struct {
	Root string
}

// NewDirStore creates the root directory if needed
func NewDirStore(root string) (*DirStore, error) {
	if root == "" {
		return nil, errors.New("artifact root cannot be empty")
	}
	if err := os.MkdirAll(root, dirPerm); err != nil {
		return nil, fmt.Errorf("failed to create artifact root: %w", err)
	}
	return &DirStore{Root: root}, nil
}

// DirName derives the directory name for a tenant. Tenant IDs made of safe
// characters are used as-is; anything else is hex encoded.
func DirName(tenantID string) string {
	if safeTenantID.MatchString(tenantID) {
		return "session-" + tenantID
	}
	return "session-x" + hex.EncodeToString([]byte(tenantID))
}

// Path returns the tenant's artifact directory
func (d *DirStore) Path(tenantID string) string {
	return filepath.Join(d.Root, DirName(tenantID))
}

// Exists reports whether the tenant's directory exists and is non-empty
func (d *DirStore) Exists(tenantID string) (bool, error) {
	entries, err := os.ReadDir(d.Path(tenantID))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return len(entries) > 0, nil
}

// Delete removes the tenant's directory
func (d *DirStore) Delete(tenantID string) error {
	if err := os.RemoveAll(d.Path(tenantID)); err != nil {
		return fmt.Errorf("failed to remove artifacts for tenant %s: %w", tenantID, err)
	}
	return nil
}

// Snapshot archives the tenant's directory
func (d *DirStore) Snapshot(tenantID string) ([]byte, error) {
	dir := d.Path(tenantID)
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("failed to snapshot tenant %s: %w", tenantID, err)
	}

	var buf bytes.Buffer
	if err := writeArchive(&buf, dir); err != nil {
		return nil, fmt.Errorf("failed to archive tenant %s: %w", tenantID, err)
	}
	return buf.Bytes(), nil
}

// Restore unpacks a snapshot into a fresh tenant directory
func (d *DirStore) Restore(tenantID string, archive []byte) error {
	dir := d.Path(tenantID)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to clear artifacts for tenant %s: %w", tenantID, err)
	}
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return fmt.Errorf("failed to create artifacts for tenant %s: %w", tenantID, err)
	}
	if err := readArchive(bytes.NewReader(archive), dir); err != nil {
		_ = os.RemoveAll(dir)
		return fmt.Errorf("failed to restore tenant %s: %w", tenantID, err)
	}
	return nil
}

var _ Store = (*DirStore)(nil)
