// Package mount mirrors a host project directory into a staging directory
// that an execution context exposes to the interpreter.
//
// Writes made by sandboxed code land in staging and reach the host only on
// Sync. Unmount discards staging, so the next Mount observes any changes
// made on the host in the meantime.
package mount

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
)

var (
	ErrNotMounted     = errors.New("no directory mounted")
	ErrAlreadyMounted = errors.New("a directory is already mounted")
	ErrPathEscape     = errors.New("permission denied: path escape attempt")
)

// Changes lists the relative paths of the files and directories a Sync
// propagated to the host.
type Changes struct {
	Written []string
	Removed []string
}

// Empty reports whether nothing was propagated.
func (c Changes) Empty() bool {
	return len(c.Written) == 0 && len(c.Removed) == 0
}

// Mirror is a single-slot staging mirror of a host directory.
type Mirror struct {
	staging string

	mu       sync.Mutex
	host     string
	snapshot map[string]uint64
	dirs     map[string]bool
}

// New returns a Mirror that stages into dir. dir is created if missing and
// its contents are owned by the Mirror.
func New(dir string) (*Mirror, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	return &Mirror{staging: abs}, nil
}

// Staging returns the staging directory.
func (m *Mirror) Staging() string {
	return m.staging
}

// Mount copies host into staging and records a content snapshot.
func (m *Mirror) Mount(host string) error {
	abs, err := filepath.Abs(host)
	if err != nil {
		return err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return fmt.Errorf("mount %s: %w", host, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("mount %s: not a directory", host)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.host != "" {
		return ErrAlreadyMounted
	}
	if err := clearDir(m.staging); err != nil {
		return err
	}

	dirs := make(map[string]bool)
	err = walkDirs(abs, func(rel string) error {
		dirs[rel] = true
		return os.MkdirAll(filepath.Join(m.staging, rel), 0755)
	})
	snapshot := make(map[string]uint64)
	if err == nil {
		err = walkFiles(abs, func(rel string) error {
			sum, err := copyFile(filepath.Join(abs, rel), filepath.Join(m.staging, rel))
			if err != nil {
				return err
			}
			snapshot[rel] = sum
			return nil
		})
	}
	if err != nil {
		clearDir(m.staging)
		return fmt.Errorf("mount %s: %w", host, err)
	}

	m.host = abs
	m.snapshot = snapshot
	m.dirs = dirs
	return nil
}

// Sync pushes files created, modified or deleted in staging since the last
// Mount or Sync back to the host. Directories created or removed in staging
// are created or removed on the host too; a removed directory that still
// holds host-only files is kept.
func (m *Mirror) Sync() (Changes, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var changes Changes
	if m.host == "" {
		return changes, ErrNotMounted
	}

	seenDirs := make(map[string]bool, len(m.dirs))
	err := walkDirs(m.staging, func(rel string) error {
		seenDirs[rel] = true
		if m.dirs[rel] {
			return nil
		}
		if err := os.MkdirAll(filepath.Join(m.host, rel), 0755); err != nil {
			return err
		}
		m.dirs[rel] = true
		changes.Written = append(changes.Written, rel)
		return nil
	})
	if err != nil {
		return changes, fmt.Errorf("sync: %w", err)
	}

	seen := make(map[string]bool, len(m.snapshot))
	err = walkFiles(m.staging, func(rel string) error {
		seen[rel] = true
		sum, err := hashFile(filepath.Join(m.staging, rel))
		if err != nil {
			return err
		}
		if prev, ok := m.snapshot[rel]; ok && prev == sum {
			return nil
		}
		if _, err := copyFile(filepath.Join(m.staging, rel), filepath.Join(m.host, rel)); err != nil {
			return err
		}
		m.snapshot[rel] = sum
		changes.Written = append(changes.Written, rel)
		return nil
	})
	if err != nil {
		return changes, fmt.Errorf("sync: %w", err)
	}

	for rel := range m.snapshot {
		if seen[rel] {
			continue
		}
		if err := os.Remove(filepath.Join(m.host, rel)); err != nil && !os.IsNotExist(err) {
			return changes, fmt.Errorf("sync: %w", err)
		}
		delete(m.snapshot, rel)
		changes.Removed = append(changes.Removed, rel)
	}

	var gone []string
	for rel := range m.dirs {
		if !seenDirs[rel] {
			gone = append(gone, rel)
		}
	}
	// Children sort after their parent, so reverse order empties them first.
	sort.Sort(sort.Reverse(sort.StringSlice(gone)))
	for _, rel := range gone {
		delete(m.dirs, rel)
		if err := removeEmptyDir(filepath.Join(m.host, rel)); err != nil {
			return changes, fmt.Errorf("sync: %w", err)
		}
		changes.Removed = append(changes.Removed, rel)
	}

	sort.Strings(changes.Written)
	sort.Strings(changes.Removed)
	return changes, nil
}

// Unmount discards staging. Unsynced changes are lost.
func (m *Mirror) Unmount() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.host == "" {
		return ErrNotMounted
	}
	m.host = ""
	m.snapshot = nil
	m.dirs = nil
	return clearDir(m.staging)
}

// Join resolves rel against root and rejects results outside root.
func Join(root, rel string) (string, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	if filepath.IsAbs(rel) {
		return "", ErrPathEscape
	}
	p := filepath.Join(absRoot, rel)
	if p != absRoot && !strings.HasPrefix(p, absRoot+string(filepath.Separator)) {
		return "", ErrPathEscape
	}
	return p, nil
}

// walkFiles calls fn with the relative path of every regular
// file under root. Symlinks are not followed.
func walkFiles(root string, fn func(rel string) error) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		return fn(rel)
	})
}

// walkDirs calls fn with the relative path of every directory under root,
// parents before children. root itself is skipped.
func walkDirs(root string, fn func(rel string) error) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() || path == root {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		return fn(rel)
	})
}

// removeEmptyDir removes dir unless it is missing or still has entries.
func removeEmptyDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if len(entries) > 0 {
		return nil
	}
	return os.Remove(dir)
}

func copyFile(src, dst string) (uint64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return 0, err
	}
	out, err := os.Create(dst)
	if err != nil {
		return 0, err
	}

	h := xxhash.New()
	if _, err := io.Copy(io.MultiWriter(out, h), in); err != nil {
		out.Close()
		return 0, err
	}
	return h.Sum64(), out.Close()
}

func hashFile(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	h := xxhash.New()
	if _, err := io.Copy(h, f); err != nil {
		return 0, err
	}
	return h.Sum64(), nil
}

func clearDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return os.MkdirAll(dir, 0755)
		}
		return err
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}
