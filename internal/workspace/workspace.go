// Package workspace manages the gatekeeper data directory layout.
// Record state, audit partitions, archives, and failure side records all live
// under a single root so a node's durable state can be moved or backed up as one tree.
//
// Default root: ~/.gatekeeper (configurable via config or GATEKEEPER_DATA_DIR env var).
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Default workspace location relative to user home directory.
const defaultRelativePath = ".gatekeeper"

// Workspace manages all gatekeeper runtime directories and derived paths.
type Workspace struct {
	Root string

	mu      sync.Mutex
	created map[string]bool // tracks which directories have been ensured
}

// New creates a Workspace rooted at the given path.
// It resolves ~ to the user's home directory and creates the root directory
// with appropriate permissions if it does not exist.
func New(root string) (*Workspace, error) {
	resolved, err := resolvePath(root)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace root %q: %w", root, err)
	}

	w := &Workspace{
		Root:    resolved,
		created: make(map[string]bool),
	}

	if err := w.ensureDir(resolved, 0750); err != nil {
		return nil, fmt.Errorf("creating workspace root: %w", err)
	}

	return w, nil
}

// Default creates a Workspace at ~/.gatekeeper.
func Default() (*Workspace, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("determining home directory: %w", err)
	}
	return New(filepath.Join(home, defaultRelativePath))
}

// RecordsDir returns <root>/records/. Holds one subdirectory per approval state.
func (w *Workspace) RecordsDir() string {
	return w.restrictedDir("records")
}

// AuditDir returns <root>/audit/. One JSONL partition per calendar day.
func (w *Workspace) AuditDir() string {
	return w.restrictedDir("audit")
}

// ArchiveDir returns <root>/archive/. Compressed audit partitions past retention.
func (w *Workspace) ArchiveDir() string {
	return w.restrictedDir("archive")
}

// NotificationsDir returns <root>/notifications/. Failure side records for human follow-up.
func (w *Workspace) NotificationsDir() string {
	return w.dir("notifications")
}

// RetryDir returns <root>/retry/. Cached invocations awaiting replay.
func (w *Workspace) RetryDir() string {
	return w.restrictedDir("retry")
}

// DatabasePath returns <root>/gatekeeper.db.
func (w *Workspace) DatabasePath() string {
	return filepath.Join(w.Root, "gatekeeper.db")
}

// ConfigPath returns <root>/config.yaml.
func (w *Workspace) ConfigPath() string {
	return filepath.Join(w.Root, "config.yaml")
}

// NotificationPath returns <root>/notifications/<name>.json.
func (w *Workspace) NotificationPath(name string) string {
	return filepath.Join(w.NotificationsDir(), sanitizeName(name)+".json")
}

// CleanTemp removes temporary files left in the records tree by interrupted writes.
func (w *Workspace) CleanTemp() error {
	dir := filepath.Join(w.Root, "records", ".tmp")
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("reading temp dir: %w", err)
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			return fmt.Errorf("removing temp entry %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// EnsureAll creates all standard workspace directories.
func (w *Workspace) EnsureAll() error {
	_ = w.RecordsDir()
	_ = w.AuditDir()
	_ = w.ArchiveDir()
	_ = w.NotificationsDir()
	_ = w.RetryDir()
	for _, d := range []string{"records", "audit", "archive", "notifications", "retry"} {
		if _, err := os.Stat(filepath.Join(w.Root, d)); err != nil {
			return fmt.Errorf("ensuring %s: %w", d, err)
		}
	}
	return nil
}

// WriteFileAtomic writes data to a temp file in the target directory, syncs
// it, renames it over path, and syncs the directory. Readers see either the
// old content or the new, never a partial file.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return SyncDir(dir)
}

// SyncDir fsyncs a directory so renames inside it are durable. Filesystems
// that do not support directory sync are ignored.
func SyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return nil
	}
	defer func() { _ = d.Close() }()
	_ = d.Sync()
	return nil
}

// dir returns an absolute path under the workspace root and ensures the directory exists.
func (w *Workspace) dir(name string) string {
	p := filepath.Join(w.Root, name)
	_ = w.ensureDir(p, 0750)
	return p
}

// restrictedDir is like dir but uses 0700 permissions.
func (w *Workspace) restrictedDir(name string) string {
	p := filepath.Join(w.Root, name)
	_ = w.ensureDir(p, 0700)
	return p
}

// ensureDir creates a directory if it doesn't already exist.
func (w *Workspace) ensureDir(path string, perm os.FileMode) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.created[path] {
		return nil
	}

	if err := os.MkdirAll(path, perm); err != nil {
		return fmt.Errorf("creating directory %s: %w", path, err)
	}
	w.created[path] = true
	return nil
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// sanitizeName replaces path separator characters to prevent directory traversal.
func sanitizeName(name string) string {
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, "\\", "_")
	name = strings.ReplaceAll(name, "..", "_")
	if name == "" {
		name = "_"
	}
	return name
}
