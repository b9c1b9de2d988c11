package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/caffeineduck/pywb/channel"
	"github.com/caffeineduck/pywb/config"
	"github.com/caffeineduck/pywb/executor"
	"github.com/caffeineduck/pywb/hostfunc"
	"github.com/caffeineduck/pywb/language/python"
	"github.com/caffeineduck/pywb/log"
	"github.com/caffeineduck/pywb/pypi"
	"github.com/caffeineduck/pywb/runner"
	"github.com/caffeineduck/pywb/settings"
	"github.com/caffeineduck/pywb/typecheck"
	"github.com/caffeineduck/pywb/worker"
	"github.com/spf13/cobra"
)

// stack is everything a command needs to run Python: one executor shared
// by every execution context, and the stores they read from.
type stack struct {
	cfg       *config.Config
	logger    *log.Logger
	logFile   io.Closer
	store     settings.Store
	installer *pypi.Installer
	lang      *python.Python
	exec      *executor.Executor
	// factory creates the interpreter of each execution context.
	factory worker.Factory

	runners []*runner.Runner
}

func newStack(cmd *cobra.Command) (*stack, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	s := &stack{cfg: cfg}
	if err := s.openLogger(); err != nil {
		return nil, err
	}

	store, err := settings.OpenFile(cfg.Settings)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.store = store

	s.installer = newInstaller(cfg, s.logger)

	lang, err := python.Load(cfg.Interpreter.Module)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.lang = lang

	execOpts := []executor.ExecutorOption{executor.WithLogger(s.logger.Named("executor"))}
	if cfg.Interpreter.CompileCache {
		execOpts = append(execOpts, executor.WithDiskCache(cfg.Interpreter.CacheDir))
	}
	if pages := cfg.MemoryLimitPages(); pages > 0 {
		execOpts = append(execOpts, executor.WithMemoryLimit(pages))
	}

	exec, err := executor.New(newRegistry(cfg, s.installer), execOpts...)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.exec = exec
	s.factory = s.interpreter
	return s, nil
}

// newRegistry returns the host functions sandboxed code may call.
func newRegistry(cfg *config.Config, installer *pypi.Installer) *hostfunc.Registry {
	registry := hostfunc.NewRegistry()
	registry.Register("pkg_install", hostfunc.NewPkgInstaller(hostfunc.PkgConfig{
		Installer:       installer,
		AllowedPackages: cfg.Packages.Allow,
		Enabled:         true,
	}))
	return registry
}

func (s *stack) openLogger() error {
	var w io.Writer = os.Stderr
	if s.cfg.Log.File != "" {
		if err := os.MkdirAll(filepath.Dir(s.cfg.Log.File), 0755); err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		f, err := os.OpenFile(s.cfg.Log.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		w = f
		s.logFile = f
	}

	logger, err := log.New(w, s.cfg.Log.Level)
	if err != nil {
		return err
	}
	s.logger = logger
	return nil
}

func newInstaller(cfg *config.Config, logger *log.Logger) *pypi.Installer {
	opts := []pypi.Option{pypi.WithCacheDir(cfg.Packages.CacheDir)}
	if cfg.Packages.IndexURL != "" {
		opts = append(opts, pypi.WithBaseURL(cfg.Packages.IndexURL))
	}
	if logger != nil {
		opts = append(opts, pypi.WithLogger(logger.Named("pypi")))
	}
	return pypi.New(cfg.Packages.Dir, opts...)
}

// interpreter creates the interpreter of one execution context.
func (s *stack) interpreter(env worker.Env) (worker.Interpreter, error) {
	if err := os.MkdirAll(s.cfg.Packages.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create package dir: %w", err)
	}
	opts := []executor.SessionOption{
		executor.WithProjectDir(env.StagingDir),
		executor.WithPackages(s.cfg.Packages.Dir),
		executor.WithStartTimeout(s.cfg.Interpreter.StartTimeout.Duration),
	}
	if s.cfg.Interpreter.LibDir != "" {
		opts = append(opts, executor.WithLibDir(s.cfg.Interpreter.LibDir))
	}
	return s.exec.NewSession(s.lang, opts...), nil
}

// newRunner returns a Runner with its own execution context. The context
// installs the project's requirements.txt when it changes.
func (s *stack) newRunner(name string) *runner.Runner {
	logger := s.logger.Named(name)

	spawner := worker.NewSpawner(s.factory, s.store,
		worker.WithStagingRoot(filepath.Join(s.cfg.Worker.StagingDir, name)),
		worker.WithInstaller(s.installer),
		worker.WithLogger(logger),
	)

	r := runner.New(
		channel.New(spawner, channel.WithLogger(logger.Named("channel"))),
		runner.WithStopGrace(s.cfg.Runner.StopGrace.Duration),
		runner.WithLogger(logger),
	)
	s.runners = append(s.runners, r)
	return r
}

// newTypeCheck returns a type-check loop with its own execution context.
// It installs the project's requirements too, so mypy can resolve imports
// of project dependencies.
func (s *stack) newTypeCheck() *typecheck.Loop {
	selected := func() bool {
		return settings.String(s.store, settings.KeyProjectDirectory, "") != ""
	}
	return typecheck.New(s.newRunner("typecheck"), selected,
		typecheck.WithInterval(s.cfg.TypeCheck.Interval.Duration),
		typecheck.WithLogger(s.logger.Named("typecheck")),
	)
}

func (s *stack) Close() {
	for _, r := range s.runners {
		r.Close()
	}
	if s.exec != nil {
		s.exec.Close()
	}
	if s.logger != nil {
		s.logger.Sync()
	}
	if s.logFile != nil {
		s.logFile.Close()
	}
}
