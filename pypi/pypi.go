// Package pypi installs pure-Python wheels from the PyPI JSON API into a
// package directory that the interpreter mounts read-only.
//
// Only pure Python wheels are supported: packages with C extensions or that
// need sockets are refused before anything is downloaded.
package pypi

import (
	"archive/zip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/caffeineduck/pywb/log"
)

// DefaultBaseURL is the PyPI JSON API root.
const DefaultBaseURL = "https://pypi.org/pypi"

var (
	ErrNotFound = errors.New("package not found on PyPI")
	ErrNoWheel  = errors.New("no compatible wheel found (pure Python wheel required)")
	ErrBlocked  = errors.New("package not supported in WASM")
)

// Packages that won't work in WASM (require C extensions, sockets, etc.)
var blockedPackages = map[string]string{
	// C extensions
	"numpy":         "requires C extensions",
	"pandas":        "requires C extensions (numpy)",
	"scipy":         "requires C extensions",
	"tensorflow":    "requires C extensions",
	"torch":         "requires C extensions",
	"scikit-learn":  "requires C extensions",
	"matplotlib":    "requires C extensions",
	"pillow":        "requires C extensions",
	"opencv-python": "requires C extensions",
	"psycopg2":      "requires C extensions",
	"cryptography":  "requires C extensions",
	"lxml":          "requires C extensions",
	"grpcio":        "requires C extensions",
	// Socket-based
	"requests": "uses sockets",
	"httpx":    "uses sockets",
	"urllib3":  "uses sockets",
	"aiohttp":  "uses async sockets",
	"flask":    "requires sockets (web framework not supported)",
	"django":   "requires sockets (web framework not supported)",
	"fastapi":  "requires sockets (web framework not supported)",
	"uvicorn":  "requires sockets (ASGI server not supported)",
}

type releaseFile struct {
	PackageType string `json:"packagetype"`
	Filename    string `json:"filename"`
	URL         string `json:"url"`
}

type projectResponse struct {
	Info struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"info"`
	Urls     []releaseFile            `json:"urls"`
	Releases map[string][]releaseFile `json:"releases"`
}

// Package describes an installed distribution.
type Package struct {
	Name    string
	Version string
}

// Installer downloads and extracts wheels into Dir.
type Installer struct {
	dir      string
	cacheDir string
	baseURL  string
	client   *http.Client
	logger   *log.Logger
}

// Option configures an Installer.
type Option func(*Installer)

// WithBaseURL points the installer at a different index.
func WithBaseURL(url string) Option {
	return func(i *Installer) {
		i.baseURL = strings.TrimRight(url, "/")
	}
}

// WithHTTPClient sets the client used for index and wheel requests.
func WithHTTPClient(c *http.Client) Option {
	return func(i *Installer) {
		i.client = c
	}
}

// WithCacheDir keeps downloaded wheels in dir so reinstalls skip the network.
func WithCacheDir(dir string) Option {
	return func(i *Installer) {
		i.cacheDir = dir
	}
}

// WithLogger sets the installer logger.
func WithLogger(l *log.Logger) Option {
	return func(i *Installer) {
		i.logger = l
	}
}

// New returns an Installer that extracts into dir.
func New(dir string, opts ...Option) *Installer {
	i := &Installer{
		dir:     dir,
		baseURL: DefaultBaseURL,
		client:  http.DefaultClient,
		logger:  log.Nop(),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Dir returns the package directory.
func (i *Installer) Dir() string {
	return i.dir
}

// Install resolves spec ("name", "name==1.0", "name>=2") and extracts a pure
// Python wheel for it. Only exact "==" pins select a specific release; other
// specifiers install the latest version.
func (i *Installer) Install(ctx context.Context, spec string) (Package, error) {
	name, version := ParseSpec(spec)
	if name == "" {
		return Package{}, fmt.Errorf("invalid requirement %q", spec)
	}
	if reason, blocked := blockedPackages[strings.ToLower(name)]; blocked {
		return Package{}, fmt.Errorf("%w: %s (%s)", ErrBlocked, name, reason)
	}

	if err := os.MkdirAll(i.dir, 0755); err != nil {
		return Package{}, fmt.Errorf("create package dir: %w", err)
	}

	project, err := i.fetchProject(ctx, name)
	if err != nil {
		return Package{}, err
	}

	files := project.Urls
	pkg := Package{Name: project.Info.Name, Version: project.Info.Version}
	if version != "" && version != project.Info.Version {
		release, ok := project.Releases[version]
		if !ok {
			return Package{}, fmt.Errorf("%s: version %s: %w", name, version, ErrNotFound)
		}
		files = release
		pkg.Version = version
	}

	wheel, ok := findWheel(files)
	if !ok {
		return Package{}, fmt.Errorf("%s: %w", name, ErrNoWheel)
	}

	i.logger.Info("installing package", map[string]any{
		"name":    pkg.Name,
		"version": pkg.Version,
		"wheel":   wheel.Filename,
	})

	path, cleanup, err := i.download(ctx, wheel)
	if err != nil {
		return Package{}, err
	}
	defer cleanup()

	if err := extractWheel(path, i.dir); err != nil {
		return Package{}, fmt.Errorf("extract %s: %w", wheel.Filename, err)
	}
	return pkg, nil
}

func (i *Installer) fetchProject(ctx context.Context, name string) (*projectResponse, error) {
	url := fmt.Sprintf("%s/%s/json", i.baseURL, name)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := i.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch package info: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("PyPI returned status %d", resp.StatusCode)
	}

	var project projectResponse
	if err := json.NewDecoder(resp.Body).Decode(&project); err != nil {
		return nil, fmt.Errorf("parse PyPI response: %w", err)
	}
	return &project, nil
}

// download fetches the wheel, or reuses a cached copy. The returned cleanup
// removes temporary files only.
func (i *Installer) download(ctx context.Context, wheel releaseFile) (string, func(), error) {
	noop := func() {}

	if i.cacheDir != "" {
		cached := filepath.Join(i.cacheDir, filepath.Base(wheel.Filename))
		if _, err := os.Stat(cached); err == nil {
			i.logger.Debug("using cached wheel", map[string]any{"path": cached})
			return cached, noop, nil
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, wheel.URL, nil)
	if err != nil {
		return "", noop, err
	}
	resp, err := i.client.Do(req)
	if err != nil {
		return "", noop, fmt.Errorf("download wheel: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", noop, fmt.Errorf("download wheel: status %d", resp.StatusCode)
	}

	tmpFile, err := os.CreateTemp("", "pywb-*.whl")
	if err != nil {
		return "", noop, fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()
	cleanup := func() { os.Remove(tmpPath) }

	if _, err := io.Copy(tmpFile, resp.Body); err != nil {
		tmpFile.Close()
		cleanup()
		return "", noop, fmt.Errorf("download wheel: %w", err)
	}
	tmpFile.Close()

	if i.cacheDir == "" {
		return tmpPath, cleanup, nil
	}

	if err := os.MkdirAll(i.cacheDir, 0755); err != nil {
		return tmpPath, cleanup, nil
	}
	cached := filepath.Join(i.cacheDir, filepath.Base(wheel.Filename))
	if err := os.Rename(tmpPath, cached); err != nil {
		return tmpPath, cleanup, nil
	}
	return cached, noop, nil
}

// List returns the top-level importable packages in the package directory.
func (i *Installer) List() ([]string, error) {
	entries, err := os.ReadDir(i.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var names []string
	for _, entry := range entries {
		name := entry.Name()
		switch {
		case strings.HasSuffix(name, ".dist-info"), strings.HasPrefix(name, "__"):
		case entry.IsDir():
			names = append(names, name)
		case strings.HasSuffix(name, ".py"):
			names = append(names, strings.TrimSuffix(name, ".py"))
		}
	}
	sort.Strings(names)
	return names, nil
}

// Remove deletes an installed package and any leftover metadata.
func (i *Installer) Remove(name string) error {
	if name == "" || strings.ContainsAny(name, `/\`) || name == ".." {
		return fmt.Errorf("invalid package name %q", name)
	}

	for _, p := range []string{filepath.Join(i.dir, name), filepath.Join(i.dir, name+".py")} {
		if err := os.RemoveAll(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", name, err)
		}
	}

	entries, _ := os.ReadDir(i.dir)
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), name) && strings.HasSuffix(entry.Name(), ".dist-info") {
			os.RemoveAll(filepath.Join(i.dir, entry.Name()))
		}
	}
	return nil
}

// ClearCache removes downloaded wheels.
func (i *Installer) ClearCache() error {
	if i.cacheDir == "" {
		return nil
	}
	if err := os.RemoveAll(i.cacheDir); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clear cache: %w", err)
	}
	return nil
}

// ParseSpec splits a requirement like "requests>=2.32" or "pydantic==2.0"
// into its name and, for exact pins only, the version. Extras and
// environment markers are dropped.
func ParseSpec(spec string) (name, version string) {
	spec = strings.TrimSpace(spec)
	if idx := strings.Index(spec, ";"); idx != -1 {
		spec = strings.TrimSpace(spec[:idx])
	}

	name = spec
	if idx := strings.IndexAny(spec, "=<>!~"); idx != -1 {
		name = spec[:idx]
		if rest := spec[idx:]; strings.HasPrefix(rest, "==") {
			version = strings.TrimSpace(strings.TrimLeft(rest, "="))
			if strings.ContainsAny(version, ",*") {
				version = ""
			}
		}
	}

	if idx := strings.Index(name, "["); idx != -1 {
		name = name[:idx]
	}
	return strings.TrimSpace(name), version
}

func findWheel(files []releaseFile) (releaseFile, bool) {
	for _, f := range files {
		if f.PackageType != "bdist_wheel" {
			continue
		}
		filename := strings.ToLower(f.Filename)
		if strings.Contains(filename, "-py3-none-any") || strings.Contains(filename, "-py2.py3-none-any") {
			return f, true
		}
	}
	return releaseFile{}, false
}

func extractWheel(wheelPath, destDir string) error {
	r, err := zip.OpenReader(wheelPath)
	if err != nil {
		return err
	}
	defer r.Close()

	for _, f := range r.File {
		name := strings.ToLower(f.Name)
		if strings.HasSuffix(name, ".so") || strings.HasSuffix(name, ".pyd") || strings.HasSuffix(name, ".dylib") {
			return fmt.Errorf("package contains C extensions (%s) which won't work in WASM", filepath.Base(f.Name))
		}
	}

	root, err := filepath.Abs(destDir)
	if err != nil {
		return err
	}

	for _, f := range r.File {
		if strings.Contains(f.Name, ".dist-info/") {
			continue
		}

		destPath := filepath.Join(root, f.Name)
		if destPath != root && !strings.HasPrefix(destPath, root+string(filepath.Separator)) {
			return fmt.Errorf("illegal path in wheel: %s", f.Name)
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(destPath, 0755); err != nil {
				return err
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
			return err
		}
		if err := extractFile(f, destPath); err != nil {
			return err
		}
	}
	return nil
}

func extractFile(f *zip.File, destPath string) error {
	outFile, err := os.Create(destPath)
	if err != nil {
		return err
	}
	defer outFile.Close()

	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	_, err = io.Copy(outFile, rc)
	return err
}
