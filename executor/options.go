package executor

import (
	"time"

	"github.com/caffeineduck/pywb/log"
)

// ExecutorOption configures the Executor at creation time.
type ExecutorOption func(*executorConfig)

type executorConfig struct {
	diskCache        bool
	cacheDir         string
	precompile       []Language // Languages to precompile at startup
	memoryLimitPages uint32     // Max memory pages (each page = 64KB), 0 = default (4GB)
	logger           *log.Logger
}

func defaultExecutorConfig() executorConfig {
	return executorConfig{
		logger: log.Nop(),
	}
}

// WithDiskCache enables persistent compilation cache for faster CLI startup.
// Optionally provide a custom directory; otherwise uses ~/.cache/pywb or XDG_CACHE_HOME/pywb.
//
// Examples:
//
//	executor.New(registry, executor.WithDiskCache())            // default dir
//	executor.New(registry, executor.WithDiskCache("/tmp/cache")) // custom dir
func WithDiskCache(dir ...string) ExecutorOption {
	return func(c *executorConfig) {
		c.diskCache = true
		if len(dir) > 0 && dir[0] != "" {
			c.cacheDir = dir[0]
		}
	}
}

// WithPrecompile compiles the specified languages at Executor creation time.
// This moves the compilation cost to startup rather than first execution.
func WithPrecompile(langs ...Language) ExecutorOption {
	return func(c *executorConfig) {
		c.precompile = langs
	}
}

// WithMemoryLimit sets the maximum memory available to WASM modules.
// Each page is 64KB. Default is 0 (no limit, up to 4GB).
func WithMemoryLimit(pages uint32) ExecutorOption {
	return func(c *executorConfig) {
		c.memoryLimitPages = pages
	}
}

// WithLogger sets the logger used by the Executor and its sessions.
func WithLogger(l *log.Logger) ExecutorOption {
	return func(c *executorConfig) {
		c.logger = l
	}
}

// Memory limit constants for convenience.
const (
	MemoryLimit64MB  uint32 = 1024  // 64 MB
	MemoryLimit256MB uint32 = 4096  // 256 MB
	MemoryLimit1GB   uint32 = 16384 // 1 GB
)

// Guest paths of the session mounts.
const (
	ProjectPath  = "/project"
	PackagesPath = "/packages"
	LibPath      = "/usr/local/lib"
)

// SessionOption configures a Session.
type SessionOption func(*sessionConfig)

type sessionConfig struct {
	timeout      time.Duration
	startTimeout time.Duration
	projectDir   string
	packagesDir  string
	libDir       string
	env          map[string]string
}

func defaultSessionConfig() sessionConfig {
	return sessionConfig{
		startTimeout: 30 * time.Second,
		env:          make(map[string]string),
	}
}

// WithSessionTimeout bounds each Run. Zero, the default, means runs last
// until stopped.
func WithSessionTimeout(d time.Duration) SessionOption {
	return func(c *sessionConfig) {
		c.timeout = d
	}
}

// WithStartTimeout bounds how long the interpreter may take to signal
// that its session loop is ready.
func WithStartTimeout(d time.Duration) SessionOption {
	return func(c *sessionConfig) {
		c.startTimeout = d
	}
}

// WithProjectDir mounts dir read-write at ProjectPath. Runs start with the
// working directory set there.
func WithProjectDir(dir string) SessionOption {
	return func(c *sessionConfig) {
		c.projectDir = dir
	}
}

// WithPackages mounts installed packages read-only at PackagesPath.
func WithPackages(dir string) SessionOption {
	return func(c *sessionConfig) {
		c.packagesDir = dir
	}
}

// WithLibDir mounts the interpreter's standard library read-only at
// LibPath, for interpreter builds that do not embed it.
func WithLibDir(dir string) SessionOption {
	return func(c *sessionConfig) {
		c.libDir = dir
	}
}

// WithSessionEnv sets an environment variable for the interpreter.
func WithSessionEnv(key, value string) SessionOption {
	return func(c *sessionConfig) {
		c.env[key] = value
	}
}
