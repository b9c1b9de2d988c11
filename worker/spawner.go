package worker

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/caffeineduck/pywb/channel"
	"github.com/caffeineduck/pywb/log"
	"github.com/caffeineduck/pywb/mount"
	"github.com/caffeineduck/pywb/protocol"
	"github.com/caffeineduck/pywb/pypi"
	"github.com/caffeineduck/pywb/settings"
	"github.com/google/uuid"
)

// Env describes the context an interpreter is created for.
type Env struct {
	// ID is the execution context id.
	ID string
	// StagingDir is the directory the project is mirrored into for each
	// run. Interpreters expose it as the project mount.
	StagingDir string
}

// Factory creates the interpreter of a new execution context.
type Factory func(env Env) (Interpreter, error)

// Spawner runs execution contexts in-process, one goroutine each, connected
// to the controller by pipes.
type Spawner struct {
	factory     Factory
	store       settings.Store
	installer   *pypi.Installer
	stagingRoot string
	logger      *log.Logger
	flags       *protocol.SharedFlags
}

// SpawnerOption configures a Spawner.
type SpawnerOption func(*Spawner)

// WithInstaller installs each project's requirements.txt before a run.
func WithInstaller(inst *pypi.Installer) SpawnerOption {
	return func(s *Spawner) {
		s.installer = inst
	}
}

// WithStagingRoot sets the directory under which per-context staging
// mirrors are created. Defaults to the system temp dir.
func WithStagingRoot(dir string) SpawnerOption {
	return func(s *Spawner) {
		s.stagingRoot = dir
	}
}

// WithLogger sets the logger passed to every context.
func WithLogger(l *log.Logger) SpawnerOption {
	return func(s *Spawner) {
		s.logger = l
	}
}

// NewSpawner returns a Spawner creating interpreters with factory. The
// project directory for each run is read from store.
func NewSpawner(factory Factory, store settings.Store, opts ...SpawnerOption) *Spawner {
	s := &Spawner{
		factory: factory,
		store:   store,
		logger:  log.Nop(),
		flags:   protocol.NewSharedFlags(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Spawn starts a new execution context.
func (s *Spawner) Spawn() (channel.Worker, error) {
	id := uuid.NewString()

	if s.stagingRoot != "" {
		if err := os.MkdirAll(s.stagingRoot, 0755); err != nil {
			return nil, fmt.Errorf("create staging root: %w", err)
		}
	}
	staging, err := os.MkdirTemp(s.stagingRoot, "pywb-"+id[:8]+"-")
	if err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}

	mirror, err := mount.New(filepath.Join(staging, "project"))
	if err != nil {
		os.RemoveAll(staging)
		return nil, err
	}

	interp, err := s.factory(Env{ID: id, StagingDir: mirror.Staging()})
	if err != nil {
		os.RemoveAll(staging)
		return nil, fmt.Errorf("create interpreter: %w", err)
	}

	logger := s.logger.Named("worker").With(map[string]any{"instance": id})

	c := &Context{
		id:     id,
		interp: interp,
		flags:  s.flags,
		store:  s.store,
		mirror: mirror,
		logger: logger,
	}
	if s.installer != nil {
		c.reqs = pypi.NewRequirements(s.installer)
	}

	h := &handle{
		id:      id,
		flags:   s.flags,
		interp:  interp,
		staging: staging,
		done:    make(chan struct{}),
	}
	h.toCtrlR, h.toCtrlW = io.Pipe()
	h.fromCtrlR, h.fromCtrlW = io.Pipe()

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel

	go func() {
		defer close(h.done)
		defer os.RemoveAll(staging)
		defer h.toCtrlW.Close()
		if err := c.Serve(ctx, h.fromCtrlR, h.toCtrlW); err != nil && ctx.Err() == nil {
			logger.Warn("execution context stopped", map[string]any{"err": err})
		}
	}()

	return h, nil
}

// handle is the controller's end of an in-process execution context.
type handle struct {
	id      string
	flags   *protocol.SharedFlags
	interp  Interpreter
	staging string
	cancel  context.CancelFunc
	done    chan struct{}

	toCtrlR   *io.PipeReader
	toCtrlW   *io.PipeWriter
	fromCtrlR *io.PipeReader
	fromCtrlW *io.PipeWriter

	mu   sync.Mutex
	refs []string
	once sync.Once
}

func (h *handle) ID() string                  { return h.id }
func (h *handle) Read(p []byte) (int, error)  { return h.toCtrlR.Read(p) }
func (h *handle) Write(p []byte) (int, error) { return h.fromCtrlW.Write(p) }

func (h *handle) ShareInterrupt(f *protocol.InterruptFlag) string {
	ref := h.flags.Share(f)
	h.mu.Lock()
	h.refs = append(h.refs, ref)
	h.mu.Unlock()
	return ref
}

// Terminate cancels whatever the context is running, closes its
// interpreter and pipes, and releases its shared flags. It does not wait
// for the serving goroutine to exit.
func (h *handle) Terminate() error {
	var err error
	h.once.Do(func() {
		h.cancel()
		err = h.interp.Close()
		h.fromCtrlW.Close()
		h.fromCtrlR.Close()
		h.toCtrlW.Close()

		h.mu.Lock()
		for _, ref := range h.refs {
			h.flags.Release(ref)
		}
		h.refs = nil
		h.mu.Unlock()
	})
	return err
}
