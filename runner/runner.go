// Package runner runs code in an execution context and stops runs that
// overstay their welcome.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/caffeineduck/pywb/channel"
	"github.com/caffeineduck/pywb/log"
	"github.com/caffeineduck/pywb/protocol"
)

// DefaultStopGrace is how long Stop waits for an interrupted run to yield
// before the execution context is replaced.
const DefaultStopGrace = time.Second

// ErrBusy is returned by Run while another run is in flight.
var ErrBusy = errors.New("runner: a run is already in progress")

// Options controls a single run.
type Options struct {
	// Args becomes sys.argv. The first element is conventionally the
	// invoked file's name.
	Args []string
	// Filename is shown in tracebacks.
	Filename string
	// SyncFS flushes the mounted project directory to the host after the run.
	SyncFS bool
}

// Result is the outcome of a run. Error carries tracebacks raised by the
// code and host-side failures such as a failed mount.
type Result struct {
	ReturnValue any
	Error       string
	Duration    time.Duration
}

// Runner is a façade over one Channel. It allows one run at a time.
type Runner struct {
	ch        *channel.Channel
	stopGrace time.Duration
	logger    *log.Logger

	busy sync.Mutex
}

// Option configures a Runner.
type Option func(*Runner)

// WithStopGrace sets the grace period of Stop.
func WithStopGrace(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.stopGrace = d
		}
	}
}

// WithLogger sets the runner logger.
func WithLogger(l *log.Logger) Option {
	return func(r *Runner) {
		r.logger = l
	}
}

// New returns a Runner over ch. The Runner takes ownership of ch.
func New(ch *channel.Channel, opts ...Option) *Runner {
	r := &Runner{
		ch:        ch,
		stopGrace: DefaultStopGrace,
		logger:    log.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// OnStdout registers the stdout sink. The last registration wins.
func (r *Runner) OnStdout(fn func(string)) {
	r.ch.OnStdout(fn)
}

// OnStderr registers the stderr sink. The last registration wins.
func (r *Runner) OnStderr(fn func(string)) {
	r.ch.OnStderr(fn)
}

// Initialize starts the execution context ahead of the first run.
func (r *Runner) Initialize() error {
	return r.ch.Initialize()
}

// Run executes code and waits for its result. Output reaches the sinks
// before Run returns.
//
// The error return is reserved for failures on this side of the channel:
// ErrBusy, channel.ErrAbandoned when the context was replaced mid-run, and
// ctx errors.
func (r *Runner) Run(ctx context.Context, code string, opts Options) (Result, error) {
	if !r.busy.TryLock() {
		return Result{}, ErrBusy
	}
	defer r.busy.Unlock()

	start := time.Now()
	resp, err := r.ch.Send(ctx, protocol.Run(code, opts.Args, opts.Filename, opts.SyncFS))
	elapsed := time.Since(start)
	if err != nil {
		if errors.Is(err, channel.ErrAbandoned) {
			r.logger.Info("run abandoned", map[string]any{"duration_ms": elapsed.Milliseconds()})
		}
		return Result{Duration: elapsed}, err
	}

	r.logger.Debug("run finished", map[string]any{
		"filename":    opts.Filename,
		"duration_ms": elapsed.Milliseconds(),
		"failed":      resp.Error != "",
	})
	return Result{ReturnValue: resp.Result, Error: resp.Error, Duration: elapsed}, nil
}

// Stop interrupts the current run. If the context does not become
// responsive within the grace period it is replaced, and the interrupted
// Run returns channel.ErrAbandoned.
func (r *Runner) Stop(ctx context.Context) (channel.StopOutcome, error) {
	outcome, err := r.ch.Stop(ctx, r.stopGrace)
	if err != nil {
		return outcome, fmt.Errorf("runner: stop: %w", err)
	}
	r.logger.Info("run stopped", map[string]any{"outcome": outcome.String()})
	return outcome, nil
}

// Reset replaces the execution context, discarding interpreter state.
func (r *Runner) Reset(ctx context.Context) error {
	return r.ch.Reset(ctx)
}

// Instance returns the id of the live execution context.
func (r *Runner) Instance() string {
	return r.ch.Instance()
}

// Close terminates the execution context.
func (r *Runner) Close() error {
	return r.ch.Close()
}
