// Package typecheck runs mypy over the selected project in the background
// whenever its Python sources change.
package typecheck

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/caffeineduck/pywb/log"
	"github.com/caffeineduck/pywb/runner"
)

// DefaultInterval is the polling period.
const DefaultInterval = 100 * time.Millisecond

// StatusError marks diagnostics produced by the loop itself.
const StatusError = 1

// Diagnostic texts emitted by the loop.
const (
	MsgChecking      = "Type checking..."
	MsgNoDirectory   = "No directory selected"
	MsgNoSourceFiles = noSourceFiles
)

// Diagnostic is one type-check report: mypy's report text, its summary
// line and its exit status.
type Diagnostic struct {
	Text    string
	Summary string
	Status  int
}

func (d Diagnostic) String() string {
	return strings.TrimSpace(d.Text + d.Summary)
}

func status(msg string) Diagnostic {
	return Diagnostic{Summary: msg, Status: StatusError}
}

// Runner executes code in the execution context that owns the project.
type Runner interface {
	Run(ctx context.Context, code string, opts runner.Options) (runner.Result, error)
}

// Loop polls the project and type checks it when its sources change.
// It is either active or idle; an idle loop keeps polling but does no work.
type Loop struct {
	runner   Runner
	selected func() bool
	interval time.Duration
	logger   *log.Logger

	mu        sync.Mutex
	active    bool
	hash      string
	hashed    bool
	onChecked func(Diagnostic)
}

// Option configures a Loop.
type Option func(*Loop)

// WithInterval sets the polling period.
func WithInterval(d time.Duration) Option {
	return func(l *Loop) {
		if d > 0 {
			l.interval = d
		}
	}
}

// WithLogger sets the loop logger.
func WithLogger(logger *log.Logger) Option {
	return func(l *Loop) {
		l.logger = logger
	}
}

// New returns an active Loop checking through r. selected reports whether
// a project directory is currently selected.
func New(r Runner, selected func() bool, opts ...Option) *Loop {
	l := &Loop{
		runner:   r,
		selected: selected,
		interval: DefaultInterval,
		logger:   log.Nop(),
		active:   true,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// SetActive switches the loop between polling and idle.
func (l *Loop) SetActive(active bool) {
	l.mu.Lock()
	l.active = active
	l.mu.Unlock()
}

// Active reports whether the loop is polling.
func (l *Loop) Active() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}

// OnChecked registers the diagnostic callback. The last registration wins.
func (l *Loop) OnChecked(fn func(Diagnostic)) {
	l.mu.Lock()
	l.onChecked = fn
	l.mu.Unlock()
}

// Run polls until ctx is cancelled and returns ctx.Err(). Failed cycles
// are reported as diagnostics and never end the loop.
func (l *Loop) Run(ctx context.Context) error {
	l.emit(status(MsgChecking))

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
		if l.Active() {
			l.Cycle(ctx)
		}
		timer.Reset(l.interval)
	}
}

// Cycle performs one poll: hash the project and, if the hash changed,
// type check it.
func (l *Loop) Cycle(ctx context.Context) {
	if !l.selected() {
		l.emit(status(MsgNoDirectory))
		return
	}

	changed, err := l.projectChanged(ctx)
	if err != nil {
		if ctx.Err() == nil {
			l.emit(status(err.Error()))
		}
		return
	}
	if !changed {
		return
	}

	if l.currentHash() == "" {
		l.emit(status(MsgNoSourceFiles))
		return
	}

	l.emit(status(MsgChecking))
	d, err := l.check(ctx)
	if err != nil {
		if ctx.Err() == nil {
			l.logger.Warn("type check failed", map[string]any{"err": err})
			l.emit(status(err.Error()))
		}
		return
	}
	l.emit(d)
}

// Reset forgets the stored hash so the next cycle checks again.
func (l *Loop) Reset() {
	l.mu.Lock()
	l.hash, l.hashed = "", false
	l.mu.Unlock()
}

func (l *Loop) currentHash() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.hash
}

// projectChanged computes the project hash and stores it if it differs
// from the last one. A project without sources hashes to "".
func (l *Loop) projectChanged(ctx context.Context) (bool, error) {
	res, err := l.runner.Run(ctx, hashScript, runner.Options{Filename: "<hash>"})
	if err != nil {
		return false, fmt.Errorf("error getting project directory hash: %w", err)
	}

	var hash string
	switch {
	case res.Error != "" && strings.Contains(res.Error, noSourceFiles):
	case res.Error != "":
		return false, fmt.Errorf("error getting project directory hash: %s", res.Error)
	default:
		s, ok := res.ReturnValue.(string)
		if !ok {
			return false, fmt.Errorf("error getting project directory hash: unexpected value %v", res.ReturnValue)
		}
		hash = s
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.hashed && hash == l.hash {
		return false, nil
	}
	l.hash, l.hashed = hash, true
	return true, nil
}

func (l *Loop) check(ctx context.Context) (Diagnostic, error) {
	start := time.Now()
	res, err := l.runner.Run(ctx, mypyScript, runner.Options{Filename: "<typecheck>"})
	if err != nil {
		return Diagnostic{}, fmt.Errorf("error type checking: %w", err)
	}
	if res.Error != "" {
		return Diagnostic{}, fmt.Errorf("error type checking: %s", res.Error)
	}
	d, err := parseResult(res.ReturnValue)
	if err != nil {
		return Diagnostic{}, fmt.Errorf("error type checking: %w", err)
	}
	l.logger.Debug("type check finished", map[string]any{
		"status":      d.Status,
		"duration_ms": time.Since(start).Milliseconds(),
	})
	return d, nil
}

// parseResult decodes the JSON triple produced by mypyScript.
func parseResult(v any) (Diagnostic, error) {
	s, ok := v.(string)
	if !ok {
		return Diagnostic{}, fmt.Errorf("unexpected result %v", v)
	}
	var triple []json.RawMessage
	if err := json.Unmarshal([]byte(s), &triple); err != nil {
		return Diagnostic{}, fmt.Errorf("decode result: %w", err)
	}
	if len(triple) != 3 {
		return Diagnostic{}, errors.New("decode result: want a 3-element array")
	}
	var d Diagnostic
	if err := json.Unmarshal(triple[0], &d.Text); err != nil {
		return Diagnostic{}, fmt.Errorf("decode report: %w", err)
	}
	if err := json.Unmarshal(triple[1], &d.Summary); err != nil {
		return Diagnostic{}, fmt.Errorf("decode summary: %w", err)
	}
	if err := json.Unmarshal(triple[2], &d.Status); err != nil {
		return Diagnostic{}, fmt.Errorf("decode status: %w", err)
	}
	return d, nil
}

func (l *Loop) emit(d Diagnostic) {
	l.mu.Lock()
	fn := l.onChecked
	l.mu.Unlock()
	if fn != nil {
		fn(d)
	}
}
