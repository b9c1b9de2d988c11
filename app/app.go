// Package app is the interactive controller behind the pywb terminal. It
// owns the user-facing state, persists the user's choices and turns user
// actions into runs and type checks.
//
// Every mutation of State is followed by a call to the publish function,
// which is where a front end redraws.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/caffeineduck/pywb/channel"
	"github.com/caffeineduck/pywb/log"
	"github.com/caffeineduck/pywb/mount"
	"github.com/caffeineduck/pywb/runner"
	"github.com/caffeineduck/pywb/settings"
	"github.com/caffeineduck/pywb/typecheck"
	"github.com/google/shlex"
)

// DefaultArgs are used until the user enters arguments of their own.
const DefaultArgs = `-c "print('hello, pywb!')"`

// InlineFilename is reported in tracebacks for code passed with -c.
const InlineFilename = "<string>"

var (
	ErrNoArgs          = errors.New("no Python arguments provided")
	ErrNoDirectory     = errors.New("no directory selected")
	ErrPickerCancelled = errors.New("picker cancelled")
	ErrUnsupported     = errors.New("writable directories are not supported")
	ErrOutsideProject  = errors.New("entry point is not in the project directory")
)

// State is what a front end renders.
type State struct {
	Running bool
	// Failed reports whether the last run ended with an error raised by
	// the code.
	Failed bool

	// ProjectDirectory is "" when no directory is selected.
	ProjectDirectory string
	// EntryPoint is relative to ProjectDirectory.
	EntryPoint string

	Args      string
	ArgsError string
	// AppError is a one-line message about the last failed app action.
	AppError string

	TypeChecking bool
	ClearOnRun   bool

	Diagnostic   typecheck.Diagnostic
	DiagnosticAt time.Time
}

// Picker asks the user for a directory. It returns ErrPickerCancelled if
// the user dismissed it and ErrUnsupported if the host cannot provide a
// writable directory.
type Picker interface {
	PickDirectory(ctx context.Context) (string, error)
}

// Terminal displays run output.
type Terminal interface {
	Stdout(text string)
	Stderr(text string)
	Clear()
}

// Runner runs code for the app.
type Runner interface {
	Run(ctx context.Context, code string, opts runner.Options) (runner.Result, error)
	Stop(ctx context.Context) (channel.StopOutcome, error)
	OnStdout(fn func(string))
	OnStderr(fn func(string))
}

// App is the controller.
type App struct {
	runner  Runner
	store   settings.Store
	term    Terminal
	picker  Picker
	checker *typecheck.Loop
	publish func(State)
	logger  *log.Logger

	mu         sync.Mutex
	state      State
	didRunOnce bool
	stopped    bool
}

// Option configures an App.
type Option func(*App)

// WithPicker sets the directory picker.
func WithPicker(p Picker) Option {
	return func(a *App) {
		a.picker = p
	}
}

// WithTypeCheck connects a type-check loop. Its diagnostics are published
// as part of State and SetTypeChecking toggles it.
func WithTypeCheck(l *typecheck.Loop) Option {
	return func(a *App) {
		a.checker = l
	}
}

// WithPublish sets the function called with a copy of State after every
// mutation.
func WithPublish(fn func(State)) Option {
	return func(a *App) {
		a.publish = fn
	}
}

// WithLogger sets the app logger.
func WithLogger(l *log.Logger) Option {
	return func(a *App) {
		a.logger = l
	}
}

// New returns an App running code through r and writing output to term.
func New(r Runner, store settings.Store, term Terminal, opts ...Option) *App {
	a := &App{
		runner:  r,
		store:   store,
		term:    term,
		publish: func(State) {},
		logger:  log.Nop(),
		state:   State{Args: DefaultArgs},
	}
	for _, opt := range opts {
		opt(a)
	}

	r.OnStdout(term.Stdout)
	r.OnStderr(term.Stderr)
	if a.checker != nil {
		a.checker.OnChecked(func(d typecheck.Diagnostic) {
			a.update(func(s *State) {
				s.Diagnostic = d
				s.DiagnosticAt = time.Now()
			})
		})
	}
	return a
}

// State returns a copy of the current state.
func (a *App) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// update applies fn to the state and publishes the result.
func (a *App) update(fn func(*State)) {
	a.mu.Lock()
	fn(&a.state)
	s := a.state
	a.mu.Unlock()
	a.publish(s)
}

// Load restores persisted choices.
func (a *App) Load() {
	typeChecking := settings.Bool(a.store, settings.KeyTypeChecking, false)
	if a.checker != nil {
		a.checker.SetActive(typeChecking)
	}

	a.update(func(s *State) {
		s.ProjectDirectory = settings.String(a.store, settings.KeyProjectDirectory, "")
		s.EntryPoint = settings.String(a.store, settings.KeyEntryPoint, "")
		s.Args = settings.String(a.store, settings.KeyPythonArgs, "")
		if s.Args == "" {
			s.Args = DefaultArgs
		}
		s.TypeChecking = typeChecking
		s.ClearOnRun = settings.Bool(a.store, settings.KeyClearOnRun, false)
	})
}

// SelectProjectDirectory asks the picker for a project directory. A
// cancelled picker leaves everything as it was and is not an error.
func (a *App) SelectProjectDirectory(ctx context.Context) error {
	if a.picker == nil {
		return a.appError(ErrUnsupported)
	}

	dir, err := a.picker.PickDirectory(ctx)
	if errors.Is(err, ErrPickerCancelled) {
		return nil
	}
	if err != nil {
		return a.appError(err)
	}
	return a.SetProjectDirectory(dir)
}

// SetProjectDirectory selects dir as the project directory. Changing the
// directory clears the entry point.
func (a *App) SetProjectDirectory(dir string) error {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return a.appError(err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return a.appError(fmt.Errorf("could not open project directory: %w", err))
	}
	if !info.IsDir() {
		return a.appError(fmt.Errorf("could not open project directory: %s is not a directory", dir))
	}

	changed := a.State().ProjectDirectory != abs
	if err := a.store.Set(settings.KeyProjectDirectory, abs); err != nil {
		return a.appError(err)
	}
	if changed {
		if err := a.store.Set(settings.KeyEntryPoint, ""); err != nil {
			return a.appError(err)
		}
	}

	a.update(func(s *State) {
		s.ProjectDirectory = abs
		s.AppError = ""
		if changed {
			s.EntryPoint = ""
		}
	})
	a.logger.Info("project directory selected", map[string]any{"dir": abs})
	return nil
}

// SetEntryPoint records path as the file to run and makes it the argument
// string. path must be inside the project directory.
func (a *App) SetEntryPoint(path string) error {
	dir := a.State().ProjectDirectory
	if dir == "" {
		return a.appError(ErrNoDirectory)
	}

	rel := path
	if filepath.IsAbs(path) {
		var err error
		if rel, err = filepath.Rel(dir, path); err != nil {
			return a.appError(ErrOutsideProject)
		}
	}
	if _, err := mount.Join(dir, rel); err != nil {
		return a.appError(ErrOutsideProject)
	}
	rel = filepath.ToSlash(filepath.Clean(rel))

	if err := a.store.Set(settings.KeyEntryPoint, rel); err != nil {
		return a.appError(err)
	}
	a.update(func(s *State) {
		s.EntryPoint = rel
		s.Args = shellQuote(rel)
		s.ArgsError = ""
		s.AppError = ""
	})
	return nil
}

// SetArgs replaces the argument string. It is persisted on the next Run.
func (a *App) SetArgs(args string) {
	a.update(func(s *State) {
		s.Args = args
		s.ArgsError = ""
	})
}

// SetTypeChecking turns the type-check loop on or off.
func (a *App) SetTypeChecking(on bool) error {
	if a.checker != nil {
		a.checker.SetActive(on)
	}
	a.update(func(s *State) { s.TypeChecking = on })
	return a.store.Set(settings.KeyTypeChecking, on)
}

// SetClearOnRun sets whether the terminal is cleared before every run.
func (a *App) SetClearOnRun(on bool) error {
	a.update(func(s *State) { s.ClearOnRun = on })
	return a.store.Set(settings.KeyClearOnRun, on)
}

// Run runs the current argument string the way the python command would:
// "-c CODE" runs CODE, anything else names a file in the project directory
// followed by its arguments. Errors raised by the code are written to the
// terminal, not returned. The argument string is persisted either way.
func (a *App) Run(ctx context.Context) error {
	a.mu.Lock()
	if a.state.Running {
		a.mu.Unlock()
		return runner.ErrBusy
	}
	a.state.Running = true
	a.state.Failed = false
	a.state.ArgsError = ""
	clearTerm := a.state.ClearOnRun || !a.didRunOnce
	a.didRunOnce = true
	a.stopped = false
	args := a.state.Args
	dir := a.state.ProjectDirectory
	s := a.state
	a.mu.Unlock()
	a.publish(s)

	defer func() {
		if err := a.store.Set(settings.KeyPythonArgs, args); err != nil {
			a.logger.Warn("persist python args failed", map[string]any{"err": err})
		}
		a.update(func(s *State) { s.Running = false })
	}()

	if clearTerm {
		a.term.Clear()
	}

	if strings.TrimSpace(args) == "" {
		a.update(func(s *State) { s.ArgsError = "No Python arguments provided." })
		return ErrNoArgs
	}

	split, err := shlex.Split(args)
	if err != nil {
		a.term.Stderr(err.Error() + "\n")
		a.update(func(s *State) { s.ArgsError = "Error parsing Python arguments. Check terminal." })
		return fmt.Errorf("parse Python arguments: %w", err)
	}
	if len(split) == 0 {
		a.update(func(s *State) { s.ArgsError = "No Python arguments provided." })
		return ErrNoArgs
	}

	var (
		code string
		opts = runner.Options{SyncFS: true}
	)
	if split[0] == "-c" && len(split) == 2 {
		code = split[1]
		opts.Filename = InlineFilename
		opts.Args = []string{"-c"}
	} else {
		if dir == "" {
			a.term.Stderr("Tried to run a Python file, but no directory selected.\n")
			a.update(func(s *State) { s.ArgsError = "No directory selected." })
			return ErrNoDirectory
		}
		code, err = readEntry(dir, split[0])
		if err != nil {
			a.term.Stderr(err.Error() + "\n")
			a.update(func(s *State) {
				s.ArgsError = "Error reading Python file at path: " + filepath.ToSlash(filepath.Clean(split[0]))
			})
			return err
		}
		opts.Filename = filepath.Base(split[0])
		opts.Args = split
	}

	res, err := a.runner.Run(ctx, code, opts)
	if err != nil {
		if a.wasStopped() && errors.Is(err, channel.ErrAbandoned) {
			return nil
		}
		a.term.Stderr(err.Error() + "\n")
		return err
	}
	if res.Error != "" {
		a.term.Stderr(res.Error)
		a.update(func(s *State) { s.Failed = true })
	}
	a.logger.Debug("run complete", map[string]any{
		"filename":    opts.Filename,
		"duration_ms": res.Duration.Milliseconds(),
	})
	return nil
}

// Stop interrupts the current run. A run cut short by Stop is not reported
// as a failure.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	a.stopped = true
	a.mu.Unlock()

	outcome, err := a.runner.Stop(ctx)
	a.update(func(s *State) { s.Running = false })
	if err != nil {
		return err
	}
	a.logger.Debug("stop requested", map[string]any{"outcome": outcome.String()})
	return nil
}

func (a *App) wasStopped() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stopped
}

func (a *App) appError(err error) error {
	a.update(func(s *State) { s.AppError = "Error: " + err.Error() })
	return err
}

// readEntry reads the file rel names inside dir.
func readEntry(dir, rel string) (string, error) {
	path, err := mount.Join(dir, filepath.FromSlash(rel))
	if err != nil {
		return "", fmt.Errorf("read %s: %w", rel, err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", rel, err)
	}
	return string(data), nil
}

// JoinArgs quotes args into an argument string that Run splits back into
// args.
func JoinArgs(args []string) string {
	quoted := make([]string, len(args))
	for i, arg := range args {
		quoted[i] = shellQuote(arg)
	}
	return strings.Join(quoted, " ")
}

// shellQuote quotes s for shlex.Split if it needs it.
func shellQuote(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\n'\"\\#") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
