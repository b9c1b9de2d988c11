// Package python provides the Python language adapter for pywb.
package python

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
)

//go:embed prelude.py
var prelude string

// Python implements the executor.Language interface for a WASI build of
// the Python interpreter.
type Python struct {
	module []byte
}

// New returns a Python adapter for the given interpreter module bytes.
func New(module []byte) *Python {
	return &Python{module: module}
}

// Load reads the interpreter module from path.
func Load(path string) (*Python, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("python interpreter not found at %s (run `pywb fetch` first)", path)
		}
		return nil, fmt.Errorf("read python interpreter: %w", err)
	}
	if err := Validate(data); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return New(data), nil
}

// Validate reports whether data looks like a WebAssembly binary.
func Validate(data []byte) error {
	if len(data) < 8 || string(data[:4]) != "\x00asm" {
		return errors.New("not a WebAssembly module")
	}
	return nil
}

// Name returns "python".
func (p *Python) Name() string {
	return "python"
}

// Module returns the interpreter WASM binary.
func (p *Python) Module() []byte {
	return p.module
}

// Args starts the interpreter on the session prelude, unbuffered.
func (p *Python) Args() []string {
	return []string{"python", "-u", "-c", prelude}
}

// Env returns environment variables the prelude relies on.
func (p *Python) Env() map[string]string {
	return map[string]string{
		"PYTHONPATH":              "/packages",
		"PYTHONDONTWRITEBYTECODE": "1",
		"PYTHONIOENCODING":        "utf-8",
		"PYTHONHOME":              "/usr/local",
	}
}
