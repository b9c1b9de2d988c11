package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/caffeineduck/pywb/hostfunc"
	"github.com/caffeineduck/pywb/protocol"
	"github.com/tetratelabs/wazero"
)

var (
	ErrSessionClosed     = errors.New("session closed")
	ErrSessionNotStarted = errors.New("session not initialized")
	ErrInterpreterExited = errors.New("interpreter exited")
)

// Session is a long-lived interpreter instance. Globals and imported
// modules persist across runs until the interpreter has to be restarted.
//
// Session implements the execution context's interpreter contract: Init
// binds the interrupt flag and the output sink, Run executes one request.
type Session struct {
	exec     *Executor
	lang     Language
	cfg      sessionConfig
	registry *hostfunc.Registry

	mu     sync.Mutex
	out    protocol.Output
	flag   *protocol.InterruptFlag
	proc   *process
	closed bool

	execMu sync.Mutex
}

// process is one instantiation of the interpreter module.
type process struct {
	cancel      context.CancelFunc
	stdin       *io.PipeWriter
	stdinReader *io.PipeReader
	proto       *sessionProtocol

	exited  chan struct{}
	exitErr error
}

func (p *process) kill() {
	p.cancel()
	p.stdinReader.Close()
	p.stdin.Close()
}

func (p *process) alive() bool {
	select {
	case <-p.exited:
		return false
	default:
		return true
	}
}

// NewSession returns a session for lang. The interpreter starts on Init.
func (e *Executor) NewSession(lang Language, opts ...SessionOption) *Session {
	cfg := defaultSessionConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	for k, v := range lang.Env() {
		if _, set := cfg.env[k]; !set {
			cfg.env[k] = v
		}
	}

	registry := hostfunc.NewRegistry()
	if e.registry != nil {
		for name, fn := range e.registry.All() {
			registry.Register(name, fn)
		}
	}

	return &Session{
		exec:     e,
		lang:     lang,
		cfg:      cfg,
		registry: registry,
		out:      protocol.OutputFuncs{},
	}
}

// Init binds flag and out to the session and starts the interpreter.
func (s *Session) Init(ctx context.Context, flag *protocol.InterruptFlag, out protocol.Output) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if out != nil {
		s.out = out
	}
	s.flag = flag
	s.registry.Register("interrupt_check", hostfunc.NewInterruptCheck(flag))
	s.mu.Unlock()

	s.execMu.Lock()
	defer s.execMu.Unlock()
	_, err := s.ensureStarted(ctx)
	return err
}

// ensureStarted returns the live process, starting a new one if the
// previous one exited or was killed. Callers hold execMu.
func (s *Session) ensureStarted(ctx context.Context) (*process, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	if s.flag == nil {
		s.mu.Unlock()
		return nil, ErrSessionNotStarted
	}
	if s.proc != nil && s.proc.alive() {
		p := s.proc
		s.mu.Unlock()
		return p, nil
	}
	out := s.out
	s.mu.Unlock()

	compiled, err := s.exec.getCompiled(ctx, s.lang)
	if err != nil {
		return nil, err
	}

	modCtx, cancel := context.WithCancel(context.Background())
	p := &process{
		cancel: cancel,
		exited: make(chan struct{}),
	}
	p.stdinReader, p.stdin = io.Pipe()
	p.proto = newSessionProtocol(modCtx, s.registry, p.stdin, out.Stderr)

	moduleConfig := wazero.NewModuleConfig().
		WithStdout(stdoutWriter{out}).
		WithStderr(p.proto).
		WithStdin(p.stdinReader).
		WithArgs(s.lang.Args()...).
		WithFSConfig(s.fsConfig()).
		WithSysWalltime().
		WithSysNanotime().
		WithName("")

	for k, v := range s.cfg.env {
		moduleConfig = moduleConfig.WithEnv(k, v)
	}

	go func() {
		mod, err := s.exec.runtime.InstantiateModule(modCtx, compiled, moduleConfig)
		if mod != nil {
			mod.Close(context.Background())
		}
		p.exitErr = err
		p.stdinReader.Close()
		close(p.exited)
	}()

	timer := time.NewTimer(s.cfg.startTimeout)
	defer timer.Stop()

	select {
	case <-p.proto.Ready():
	case <-p.exited:
		return nil, fmt.Errorf("start session: %w", exitError(p))
	case <-timer.C:
		p.kill()
		return nil, errors.New("session start timeout")
	case <-ctx.Done():
		p.kill()
		return nil, ctx.Err()
	}

	s.mu.Lock()
	s.proc = p
	s.mu.Unlock()

	s.exec.logger.Debug("interpreter session started", map[string]any{"language": s.lang.Name()})
	return p, nil
}

func (s *Session) fsConfig() wazero.FSConfig {
	fs := wazero.NewFSConfig()
	if s.cfg.libDir != "" {
		fs = fs.WithReadOnlyDirMount(s.cfg.libDir, LibPath)
	}
	if s.cfg.packagesDir != "" {
		fs = fs.WithReadOnlyDirMount(s.cfg.packagesDir, PackagesPath)
	}
	if s.cfg.projectDir != "" {
		fs = fs.WithDirMount(s.cfg.projectDir, ProjectPath)
	}
	return fs
}

// Run executes req and returns its outcome. Interpreter faults are
// reported in Outcome.Error. If ctx ends first, the interpreter is killed
// and restarted on the next Run; its globals are lost.
func (s *Session) Run(ctx context.Context, req protocol.RunRequest) protocol.Outcome {
	s.execMu.Lock()
	defer s.execMu.Unlock()

	p, err := s.ensureStarted(ctx)
	if err != nil {
		return protocol.Outcome{Error: err.Error()}
	}

	if s.cfg.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.timeout)
		defer cancel()
	}

	filename := req.Filename
	if filename == "" {
		filename = protocol.DefaultFilename
	}

	p.proto.ResetExec()
	done := p.proto.Done()

	cmd := command{Type: "exec", Code: req.Code, Filename: filename, Args: req.Args}
	if err := p.proto.send(cmd); err != nil {
		s.discard(p)
		return protocol.Outcome{Error: fmt.Sprintf("write command: %v", exitError(p))}
	}

	select {
	case r := <-done:
		return protocol.Outcome{Value: r.value, Error: r.err}
	case <-p.exited:
		s.discard(p)
		return protocol.Outcome{Error: exitError(p).Error()}
	case <-ctx.Done():
		s.discard(p)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) && s.cfg.timeout > 0 {
			return protocol.Outcome{Error: fmt.Sprintf("timeout after %v", s.cfg.timeout)}
		}
		return protocol.Outcome{Error: "execution cancelled: " + ctx.Err().Error()}
	}
}

// discard kills p and forgets it so the next Run starts a fresh process.
func (s *Session) discard(p *process) {
	p.kill()
	s.mu.Lock()
	if s.proc == p {
		s.proc = nil
	}
	s.mu.Unlock()
}

func exitError(p *process) error {
	select {
	case <-p.exited:
	default:
		return ErrInterpreterExited
	}
	if p.exitErr != nil {
		return fmt.Errorf("%w: %v", ErrInterpreterExited, p.exitErr)
	}
	return ErrInterpreterExited
}

// Close stops the interpreter, even in the middle of a run.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if s.proc != nil {
		s.proc.kill()
		s.proc = nil
	}
	return nil
}

// stdoutWriter forwards interpreter stdout to the session's sink.
type stdoutWriter struct {
	out protocol.Output
}

func (w stdoutWriter) Write(p []byte) (int, error) {
	if len(p) > 0 {
		w.out.Stdout(string(p))
	}
	return len(p), nil
}
