// Package settings persists the user's choices between sessions.
package settings

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// Keys of persisted values.
const (
	KeyProjectDirectory = "projectDirectory"
	KeyEntryPoint       = "entryPoint"
	KeyPythonArgs       = "pythonArgs"
	KeyTypeChecking     = "typeChecking"
	KeyClearOnRun       = "clearOnRun"
)

// Store is a key-value settings store.
type Store interface {
	Get(key string) (any, bool)
	Set(key string, value any) error
}

// String returns the string stored at key, or def.
func String(s Store, key, def string) string {
	if v, ok := s.Get(key); ok {
		if str, ok := v.(string); ok {
			return str
		}
	}
	return def
}

// Bool returns the bool stored at key, or def.
func Bool(s Store, key string, def bool) bool {
	if v, ok := s.Get(key); ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return def
}

// MemoryStore keeps settings in memory only.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]any
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]any)}
}

func (m *MemoryStore) Get(key string) (any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	return v, ok
}

func (m *MemoryStore) Set(key string, value any) error {
	m.mu.Lock()
	m.values[key] = value
	m.mu.Unlock()
	return nil
}

// Overlay reads through to a base store and keeps its own writes in
// memory, leaving the base untouched.
type Overlay struct {
	base  Store
	local *MemoryStore
}

func NewOverlay(base Store) *Overlay {
	return &Overlay{base: base, local: NewMemoryStore()}
}

func (o *Overlay) Get(key string) (any, bool) {
	if v, ok := o.local.Get(key); ok {
		return v, true
	}
	return o.base.Get(key)
}

func (o *Overlay) Set(key string, value any) error {
	return o.local.Set(key, value)
}

// FileStore keeps settings in a YAML file, rewritten on every Set.
type FileStore struct {
	path string

	mu     sync.RWMutex
	values map[string]any
}

// OpenFile loads the settings file at path. A missing file yields an empty
// store that is created on the first Set.
func OpenFile(path string) (*FileStore, error) {
	s := &FileStore{path: path, values: make(map[string]any)}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read settings: %w", err)
	}
	if err := yaml.Unmarshal(data, &s.values); err != nil {
		return nil, fmt.Errorf("parse settings %s: %w", path, err)
	}
	if s.values == nil {
		s.values = make(map[string]any)
	}
	return s, nil
}

func (s *FileStore) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

func (s *FileStore) Set(key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, had := s.values[key]
	s.values[key] = value
	if err := s.writeLocked(); err != nil {
		if had {
			s.values[key] = prev
		} else {
			delete(s.values, key)
		}
		return err
	}
	return nil
}

func (s *FileStore) writeLocked() error {
	data, err := yaml.Marshal(s.values)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".settings-*")
	if err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write settings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write settings: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write settings: %w", err)
	}
	return nil
}
