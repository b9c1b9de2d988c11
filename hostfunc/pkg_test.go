package hostfunc

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/caffeineduck/pywb/pypi"
)

func enabledConfig(t *testing.T) PkgConfig {
	return PkgConfig{
		Installer: pypi.New(t.TempDir()),
		Enabled:   true,
	}
}

func TestPkgInstallerDisabled(t *testing.T) {
	installer := NewPkgInstaller(PkgConfig{Installer: pypi.New(t.TempDir())})

	_, err := installer(context.Background(), map[string]any{"spec": "attrs"})
	if err == nil {
		t.Fatal("expected error when disabled")
	}
	if err.Error() != "package installation disabled" {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestPkgInstallerNoName(t *testing.T) {
	installer := NewPkgInstaller(enabledConfig(t))

	_, err := installer(context.Background(), map[string]any{})
	if err == nil {
		t.Fatal("expected error when no name")
	}
	if err.Error() != "package name required" {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestPkgInstallerInvalidName(t *testing.T) {
	installer := NewPkgInstaller(enabledConfig(t))

	_, err := installer(context.Background(), map[string]any{"spec": "foo;rm -rf /"})
	if err == nil {
		t.Fatal("expected error for invalid name")
	}
	if err.Error() != "invalid package name" {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestPkgInstallerNotAllowed(t *testing.T) {
	cfg := enabledConfig(t)
	cfg.AllowedPackages = []string{"attrs", "pydantic"}
	installer := NewPkgInstaller(cfg)

	_, err := installer(context.Background(), map[string]any{"spec": "dangerous-package==1.0"})
	if err == nil {
		t.Fatal("expected error for non-allowed package")
	}
	if err.Error() != `package "dangerous-package" not allowed` {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestPkgInstallerInstalls(t *testing.T) {
	var wheel bytes.Buffer
	zw := zip.NewWriter(&wheel)
	w, _ := zw.Create("six.py")
	w.Write([]byte("x = 1\n"))
	zw.Close()

	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/pypi/six/json":
			json.NewEncoder(w).Encode(map[string]any{
				"info": map[string]string{"name": "six", "version": "1.16.0"},
				"urls": []map[string]string{{
					"packagetype": "bdist_wheel",
					"filename":    "six-1.16.0-py2.py3-none-any.whl",
					"url":         srv.URL + "/six.whl",
				}},
			})
		case "/six.whl":
			w.Write(wheel.Bytes())
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	dir := t.TempDir()
	installer := NewPkgInstaller(PkgConfig{
		Installer:       pypi.New(dir, pypi.WithBaseURL(srv.URL+"/pypi")),
		AllowedPackages: []string{"six"},
		Enabled:         true,
	})

	got, err := installer(context.Background(), map[string]any{"spec": "six"})
	if err != nil {
		t.Fatalf("install: %v", err)
	}
	info := got.(map[string]any)
	if info["version"] != "1.16.0" {
		t.Errorf("version = %v", info["version"])
	}
	if _, err := os.Stat(filepath.Join(dir, "six.py")); err != nil {
		t.Errorf("six.py not extracted: %v", err)
	}
}
