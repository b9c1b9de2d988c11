package mount

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func setup(t *testing.T) (*Mirror, string) {
	t.Helper()
	host := t.TempDir()
	writeFile(t, filepath.Join(host, "main.py"), "print('hi')\n")
	writeFile(t, filepath.Join(host, "pkg", "util.py"), "X = 1\n")
	writeFile(t, filepath.Join(host, "data.txt"), "old\n")

	m, err := New(filepath.Join(t.TempDir(), "staging"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m, host
}

func TestMountMirrorsHost(t *testing.T) {
	m, host := setup(t)

	if err := m.Mount(host); err != nil {
		t.Fatalf("Mount: %v", err)
	}
	if got := readFile(t, filepath.Join(m.Staging(), "pkg", "util.py")); got != "X = 1\n" {
		t.Errorf("staged content = %q", got)
	}
	if err := m.Mount(host); !errors.Is(err, ErrAlreadyMounted) {
		t.Errorf("second Mount = %v, want ErrAlreadyMounted", err)
	}
}

func TestSyncPropagatesChanges(t *testing.T) {
	m, host := setup(t)
	if err := m.Mount(host); err != nil {
		t.Fatalf("Mount: %v", err)
	}

	writeFile(t, filepath.Join(m.Staging(), "data.txt"), "new\n")
	writeFile(t, filepath.Join(m.Staging(), "out", "result.json"), "{}\n")
	if err := os.Remove(filepath.Join(m.Staging(), "main.py")); err != nil {
		t.Fatal(err)
	}

	changes, err := m.Sync()
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}

	wantWritten := []string{"data.txt", "out", filepath.Join("out", "result.json")}
	if !reflect.DeepEqual(changes.Written, wantWritten) {
		t.Errorf("written = %v, want %v", changes.Written, wantWritten)
	}
	if !reflect.DeepEqual(changes.Removed, []string{"main.py"}) {
		t.Errorf("removed = %v", changes.Removed)
	}

	if got := readFile(t, filepath.Join(host, "data.txt")); got != "new\n" {
		t.Errorf("host data.txt = %q", got)
	}
	if got := readFile(t, filepath.Join(host, "out", "result.json")); got != "{}\n" {
		t.Errorf("host result.json = %q", got)
	}
	if _, err := os.Stat(filepath.Join(host, "main.py")); !os.IsNotExist(err) {
		t.Error("main.py should be removed from host")
	}

	again, err := m.Sync()
	if err != nil {
		t.Fatalf("second Sync: %v", err)
	}
	if !again.Empty() {
		t.Errorf("second sync should be empty, got %+v", again)
	}
}

func TestSyncPropagatesEmptyDirectories(t *testing.T) {
	m, host := setup(t)
	if err := os.MkdirAll(filepath.Join(host, "empty"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := m.Mount(host); err != nil {
		t.Fatalf("Mount: %v", err)
	}
	if info, err := os.Stat(filepath.Join(m.Staging(), "empty")); err != nil || !info.IsDir() {
		t.Fatalf("empty host directory not staged: %v", err)
	}

	if err := os.MkdirAll(filepath.Join(m.Staging(), "cache", "v1"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(filepath.Join(m.Staging(), "empty")); err != nil {
		t.Fatal(err)
	}
	if err := os.RemoveAll(filepath.Join(m.Staging(), "pkg")); err != nil {
		t.Fatal(err)
	}

	changes, err := m.Sync()
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	wantWritten := []string{"cache", filepath.Join("cache", "v1")}
	if !reflect.DeepEqual(changes.Written, wantWritten) {
		t.Errorf("written = %v, want %v", changes.Written, wantWritten)
	}
	wantRemoved := []string{"empty", "pkg", filepath.Join("pkg", "util.py")}
	if !reflect.DeepEqual(changes.Removed, wantRemoved) {
		t.Errorf("removed = %v, want %v", changes.Removed, wantRemoved)
	}

	if info, err := os.Stat(filepath.Join(host, "cache", "v1")); err != nil || !info.IsDir() {
		t.Errorf("cache/v1 not created on host: %v", err)
	}
	for _, rel := range []string{"empty", "pkg"} {
		if _, err := os.Stat(filepath.Join(host, rel)); !os.IsNotExist(err) {
			t.Errorf("%s should be removed from host", rel)
		}
	}
}

func TestSyncKeepsDirectoryWithHostOnlyFiles(t *testing.T) {
	m, host := setup(t)
	if err := m.Mount(host); err != nil {
		t.Fatalf("Mount: %v", err)
	}

	writeFile(t, filepath.Join(host, "pkg", "local.py"), "Y = 2\n")
	if err := os.RemoveAll(filepath.Join(m.Staging(), "pkg")); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	if got := readFile(t, filepath.Join(host, "pkg", "local.py")); got != "Y = 2\n" {
		t.Errorf("host-only file = %q", got)
	}
	if _, err := os.Stat(filepath.Join(host, "pkg", "util.py")); !os.IsNotExist(err) {
		t.Error("util.py should be removed from host")
	}
}

func TestUnmountDiscardsUnsyncedChanges(t *testing.T) {
	m, host := setup(t)
	if err := m.Mount(host); err != nil {
		t.Fatalf("Mount: %v", err)
	}
	writeFile(t, filepath.Join(m.Staging(), "data.txt"), "unsynced\n")

	if err := m.Unmount(); err != nil {
		t.Fatalf("Unmount: %v", err)
	}
	if got := readFile(t, filepath.Join(host, "data.txt")); got != "old\n" {
		t.Errorf("host data.txt = %q, want old", got)
	}
	entries, _ := os.ReadDir(m.Staging())
	if len(entries) != 0 {
		t.Errorf("staging not cleared: %d entries", len(entries))
	}

	if _, err := m.Sync(); !errors.Is(err, ErrNotMounted) {
		t.Errorf("Sync after unmount = %v", err)
	}
	if err := m.Unmount(); !errors.Is(err, ErrNotMounted) {
		t.Errorf("double Unmount = %v", err)
	}
}

func TestRemountSeesHostChanges(t *testing.T) {
	m, host := setup(t)
	if err := m.Mount(host); err != nil {
		t.Fatalf("Mount: %v", err)
	}
	if err := m.Unmount(); err != nil {
		t.Fatalf("Unmount: %v", err)
	}

	writeFile(t, filepath.Join(host, "main.py"), "print('edited')\n")
	if err := m.Mount(host); err != nil {
		t.Fatalf("remount: %v", err)
	}
	if got := readFile(t, filepath.Join(m.Staging(), "main.py")); got != "print('edited')\n" {
		t.Errorf("staged main.py = %q", got)
	}
}

func TestMountRejectsFile(t *testing.T) {
	m, host := setup(t)
	if err := m.Mount(filepath.Join(host, "main.py")); err == nil {
		t.Error("mounting a file should fail")
	}
	if err := m.Mount(filepath.Join(host, "missing")); err == nil {
		t.Error("mounting a missing dir should fail")
	}
}

func TestJoin(t *testing.T) {
	root := t.TempDir()
	tests := []struct {
		rel     string
		wantErr bool
	}{
		{"main.py", false},
		{"pkg/util.py", false},
		{"pkg/../main.py", false},
		{"../outside.py", true},
		{"pkg/../../outside.py", true},
		{"/etc/passwd", true},
	}
	for _, tt := range tests {
		p, err := Join(root, tt.rel)
		if (err != nil) != tt.wantErr {
			t.Errorf("Join(%q) = %q, %v", tt.rel, p, err)
		}
		if tt.wantErr && err != nil && !errors.Is(err, ErrPathEscape) {
			t.Errorf("Join(%q) error = %v, want ErrPathEscape", tt.rel, err)
		}
	}
}
