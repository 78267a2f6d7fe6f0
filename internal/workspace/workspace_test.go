package workspace

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNew(t *testing.T) {
	tmp := t.TempDir()
	root := filepath.Join(tmp, "data")

	ws, err := New(root)
	if err != nil {
		t.Fatalf("New(%q): %v", root, err)
	}
	if ws.Root != root {
		t.Errorf("Root = %q, want %q", ws.Root, root)
	}
	if _, err := os.Stat(root); err != nil {
		t.Errorf("root dir not created: %v", err)
	}
}

func TestDirectoryAccessors(t *testing.T) {
	ws, err := New(filepath.Join(t.TempDir(), "data"))
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		fn   func() string
		want string
		perm os.FileMode
	}{
		{"RecordsDir", ws.RecordsDir, "records", 0700},
		{"AuditDir", ws.AuditDir, "audit", 0700},
		{"ArchiveDir", ws.ArchiveDir, "archive", 0700},
		{"NotificationsDir", ws.NotificationsDir, "notifications", 0750},
		{"RetryDir", ws.RetryDir, "retry", 0700},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := tc.fn()
			expected := filepath.Join(ws.Root, tc.want)
			if got != expected {
				t.Errorf("%s() = %q, want %q", tc.name, got, expected)
			}
			info, err := os.Stat(got)
			if err != nil {
				t.Fatalf("directory not created: %v", err)
			}
			if perm := info.Mode().Perm(); perm != tc.perm {
				t.Errorf("%s permissions = %o, want %o", tc.want, perm, tc.perm)
			}
		})
	}
}

func TestDerivedPaths(t *testing.T) {
	ws, err := New(filepath.Join(t.TempDir(), "data"))
	if err != nil {
		t.Fatal(err)
	}

	if got, want := ws.DatabasePath(), filepath.Join(ws.Root, "gatekeeper.db"); got != want {
		t.Errorf("DatabasePath() = %q, want %q", got, want)
	}
	if got, want := ws.NotificationPath("../evil"), filepath.Join(ws.Root, "notifications", "__evil.json"); got != want {
		t.Errorf("NotificationPath() = %q, want %q", got, want)
	}
}

func TestCleanTemp(t *testing.T) {
	ws, err := New(filepath.Join(t.TempDir(), "data"))
	if err != nil {
		t.Fatal(err)
	}

	tmpDir := filepath.Join(ws.RecordsDir(), ".tmp")
	if err := os.MkdirAll(tmpDir, 0700); err != nil {
		t.Fatal(err)
	}
	os.WriteFile(filepath.Join(tmpDir, "abc.md.tmp"), []byte("partial"), 0600)

	if err := ws.CleanTemp(); err != nil {
		t.Fatalf("CleanTemp: %v", err)
	}
	entries, _ := os.ReadDir(tmpDir)
	if len(entries) != 0 {
		t.Errorf("temp dir not empty after clean: %d entries", len(entries))
	}
}

func TestCleanTempNoop(t *testing.T) {
	ws, err := New(filepath.Join(t.TempDir(), "data"))
	if err != nil {
		t.Fatal(err)
	}
	if err := ws.CleanTemp(); err != nil {
		t.Fatalf("CleanTemp on missing dir: %v", err)
	}
}

func TestEnsureAll(t *testing.T) {
	ws, err := New(filepath.Join(t.TempDir(), "data"))
	if err != nil {
		t.Fatal(err)
	}
	if err := ws.EnsureAll(); err != nil {
		t.Fatal(err)
	}
	for _, sub := range []string{"records", "audit", "archive", "notifications"} {
		if _, err := os.Stat(filepath.Join(ws.Root, sub)); err != nil {
			t.Errorf("directory %q not created: %v", sub, err)
		}
	}
}

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		input, want string
	}{
		{"normal", "normal"},
		{"a/b", "a_b"},
		{"a\\b", "a_b"},
		{"../etc/passwd", "__etc_passwd"},
		{"", "_"},
	}
	for _, tc := range tests {
		if got := sanitizeName(tc.input); got != tc.want {
			t.Errorf("sanitizeName(%q) = %q, want %q", tc.input, got, tc.want)
		}
	}
}
