// Package config loads the pywb configuration file.
//
// Every value is optional. Load starts from Default and overlays whatever the
// file sets; command-line flags override both.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is where the CLI looks for a config file when --config is not
// given. A missing file at this path is not an error.
const DefaultPath = ".pywb/config.yaml"

// Config is the pywb.yaml schema.
type Config struct {
	Interpreter InterpreterConfig `yaml:"interpreter"`
	Packages    PackagesConfig    `yaml:"packages"`
	Worker      WorkerConfig      `yaml:"worker"`
	Runner      RunnerConfig      `yaml:"runner"`
	TypeCheck   TypeCheckConfig   `yaml:"typecheck"`
	Log         LogConfig         `yaml:"log"`

	// Settings is the file user choices are persisted to.
	Settings string `yaml:"settings"`
}

// InterpreterConfig locates and limits the WASM Python interpreter.
type InterpreterConfig struct {
	Module        string   `yaml:"module"`
	// LibDir is the interpreter's standard library, for builds that do not
	// embed it. Empty means none is mounted.
	LibDir        string   `yaml:"lib_dir"`
	CompileCache  bool     `yaml:"compile_cache"`
	CacheDir      string   `yaml:"cache_dir"`
	MemoryLimitMB int      `yaml:"memory_limit_mb"`
	StartTimeout  Duration `yaml:"start_timeout"`
}

// PackagesConfig configures wheel installation.
type PackagesConfig struct {
	Dir      string `yaml:"dir"`
	CacheDir string `yaml:"cache_dir"`
	IndexURL string `yaml:"index_url"`
	// Allow limits what sandboxed code may install. Empty allows any
	// package that is not blocked.
	Allow []string `yaml:"allow"`
}

// WorkerConfig configures execution contexts.
type WorkerConfig struct {
	// StagingDir holds one staging mirror per execution context.
	StagingDir string `yaml:"staging_dir"`
}

// RunnerConfig configures code runs.
type RunnerConfig struct {
	StopGrace Duration `yaml:"stop_grace"`
}

// TypeCheckConfig configures the background type checker.
type TypeCheckConfig struct {
	Interval Duration `yaml:"interval"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level string `yaml:"level"`
	// File receives log output. Empty means stderr.
	File string `yaml:"file"`
}

// Duration wraps time.Duration for YAML string parsing (e.g. "10s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "100ms" or "1s".
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML writes the duration in time.Duration string form.
func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}

// Default returns the built-in configuration rooted at .pywb in the working
// directory.
func Default() *Config {
	const base = ".pywb"
	return &Config{
		Interpreter: InterpreterConfig{
			Module:       filepath.Join(base, "python.wasm"),
			CompileCache: true,
			StartTimeout: Duration{30 * time.Second},
		},
		Packages: PackagesConfig{
			Dir:      filepath.Join(base, "python", "packages"),
			CacheDir: filepath.Join(base, "cache", "wheels"),
		},
		Worker: WorkerConfig{
			StagingDir: filepath.Join(base, "staging"),
		},
		Runner: RunnerConfig{
			StopGrace: Duration{time.Second},
		},
		TypeCheck: TypeCheckConfig{
			Interval: Duration{100 * time.Millisecond},
		},
		Log: LogConfig{
			Level: "info",
		},
		Settings: filepath.Join(base, "settings.yaml"),
	}
}

// Load reads a YAML config file, expands environment variables and overlays
// it on Default.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("cannot read config file %q: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal([]byte(ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("invalid YAML in %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault loads path, falling back to Default when path is empty, or
// when it is DefaultPath and does not exist.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}
	if path == DefaultPath {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
	}
	return Load(path)
}

// Validate rejects values no component can work with.
func (c *Config) Validate() error {
	if c.Interpreter.MemoryLimitMB < 0 {
		return errors.New("interpreter.memory_limit_mb must not be negative")
	}
	if c.Runner.StopGrace.Duration <= 0 {
		return errors.New("runner.stop_grace must be positive")
	}
	if c.TypeCheck.Interval.Duration <= 0 {
		return errors.New("typecheck.interval must be positive")
	}
	return nil
}

// MemoryLimitPages converts the memory limit to 64 KiB WASM pages. Zero
// means no limit.
func (c *Config) MemoryLimitPages() uint32 {
	return uint32(c.Interpreter.MemoryLimitMB) * 16
}
