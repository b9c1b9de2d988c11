// Package channel implements the controller side of the execution context
// protocol: request/response correlation, the init-before-run ordering,
// cooperative interrupts, and recovery from hung or crashed contexts.
//
// A Channel owns at most one live execution context at a time. Each context
// gets its own pending-request table, so a reply from a replacement context
// can never resolve a request sent to the context it replaced.
package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/caffeineduck/pywb/log"
	"github.com/caffeineduck/pywb/protocol"
)

var (
	// ErrAbandoned is returned to callers whose request was in flight when
	// the execution context was terminated or exited. No Finished message
	// is ever delivered for such a request.
	ErrAbandoned = errors.New("request abandoned: execution context replaced")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("channel closed")
	// ErrInitFailed wraps the error text of a failed Init.
	ErrInitFailed = errors.New("execution context init failed")
)

// maxRequestID is the wrap bound for request ids.
const maxRequestID = 1<<53 - 1

// Worker is a handle to one live execution context.
//
// Reads yield frames produced by the context and writes deliver frames to it.
// Writes must be queued by the context rather than blocking on its progress,
// the same way messages posted to a busy worker wait in its inbox.
type Worker interface {
	io.Reader
	io.Writer

	// ID identifies this context instance.
	ID() string

	// ShareInterrupt makes f visible to the context and returns the
	// reference to send in the Init message.
	ShareInterrupt(f *protocol.InterruptFlag) string

	// Terminate stops the context immediately, whatever it is doing.
	Terminate() error
}

// Spawner creates execution contexts.
type Spawner interface {
	Spawn() (Worker, error)
}

// StopOutcome reports how Stop ended.
type StopOutcome int

const (
	// StopGraceful means the context answered a liveness ping in time
	// and was kept.
	StopGraceful StopOutcome = iota
	// StopForced means the context was terminated and replaced.
	StopForced
)

func (o StopOutcome) String() string {
	if o == StopForced {
		return "forced"
	}
	return "graceful"
}

// Channel correlates requests with Finished replies over one execution
// context and recreates the context when it hangs or dies.
type Channel struct {
	spawner Spawner
	logger  *log.Logger

	mu     sync.Mutex
	gen    *generation
	closed bool

	sinkMu sync.RWMutex
	stdout func(string)
	stderr func(string)
}

// Option configures a Channel.
type Option func(*Channel)

// WithLogger sets the channel logger.
func WithLogger(l *log.Logger) Option {
	return func(c *Channel) {
		c.logger = l
	}
}

// New returns a Channel that creates contexts with spawner. No context is
// created until Initialize or the first Send.
func New(spawner Spawner, opts ...Option) *Channel {
	c := &Channel{
		spawner: spawner,
		logger:  log.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OnStdout registers the stdout sink. The last registration wins.
func (c *Channel) OnStdout(fn func(string)) {
	c.sinkMu.Lock()
	c.stdout = fn
	c.sinkMu.Unlock()
}

// OnStderr registers the stderr sink. The last registration wins.
func (c *Channel) OnStderr(fn func(string)) {
	c.sinkMu.Lock()
	c.stderr = fn
	c.sinkMu.Unlock()
}

// Initialize creates the execution context and issues Init if there is no
// live context yet. It does not wait for Init to complete.
func (c *Channel) Initialize() error {
	_, err := c.current()
	return err
}

// Instance returns the id of the live context, or "" if there is none.
func (c *Channel) Instance() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen == nil {
		return ""
	}
	return c.gen.worker.ID()
}

// Send writes a request and blocks until its Finished reply arrives.
//
// Run requests additionally wait for the context's Init to complete and
// clear the interrupt flag before they are written. If the context is torn
// down first, Send returns ErrAbandoned. Cancelling ctx abandons the wait
// but not the request: the context may still execute it.
func (c *Channel) Send(ctx context.Context, m *protocol.Message) (*protocol.Message, error) {
	if !m.IsRequest() {
		return nil, fmt.Errorf("channel: %s is not a request", m.Kind)
	}

	gen, err := c.current()
	if err != nil {
		return nil, err
	}

	if m.Kind == protocol.KindRun {
		select {
		case <-gen.initDone:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if gen.initErr != nil {
			return nil, gen.initErr
		}
		gen.flag.Set(protocol.FlagRun)
	}

	return gen.call(ctx, *m)
}

// RequestInterrupt sets the interrupt flag of the live context. It does
// not wait for the context to notice.
func (c *Channel) RequestInterrupt() {
	c.mu.Lock()
	gen := c.gen
	c.mu.Unlock()
	if gen != nil {
		gen.flag.Set(protocol.FlagInterrupt)
	}
}

// Stop requests an interrupt and gives the context forceAfter to answer a
// Ping. If it answers, the context is kept and the interrupt flag is left
// set. Otherwise it is terminated and replaced by a fresh context; requests
// pending on the old one are abandoned.
func (c *Channel) Stop(ctx context.Context, forceAfter time.Duration) (StopOutcome, error) {
	c.mu.Lock()
	gen := c.gen
	closed := c.closed
	c.mu.Unlock()

	if closed {
		return StopGraceful, ErrClosed
	}
	if gen == nil {
		return StopGraceful, nil
	}

	gen.flag.Set(protocol.FlagInterrupt)

	pingCtx, cancel := context.WithTimeout(ctx, forceAfter)
	defer cancel()

	start := time.Now()
	_, err := gen.call(pingCtx, *protocol.Ping())
	if err == nil {
		c.logger.Debug("execution context stopped gracefully", map[string]any{
			"instance":   gen.worker.ID(),
			"latency_ms": time.Since(start).Milliseconds(),
		})
		return StopGraceful, nil
	}
	if ctx.Err() != nil {
		return StopGraceful, ctx.Err()
	}

	c.logger.Warn("execution context unresponsive; terminating", map[string]any{
		"instance":       gen.worker.ID(),
		"force_after_ms": forceAfter.Milliseconds(),
		"err":            err,
	})
	return StopForced, c.replace(gen)
}

// Reset terminates the live context, if any, and creates a new one.
func (c *Channel) Reset(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.gen != nil {
		c.gen.flag.Set(protocol.FlagInterrupt)
		c.terminateLocked()
	}
	_, err := c.spawnLocked()
	return err
}

// Close terminates the live context without replacing it.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	if c.gen != nil {
		return c.terminateLocked()
	}
	return nil
}

// current returns the live generation, creating one if there is none or if
// the previous context exited on its own.
func (c *Channel) current() (*generation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}

	if c.gen != nil {
		if !c.gen.isDead() {
			return c.gen, nil
		}
		c.logger.Warn("execution context exited unexpectedly; respawning", map[string]any{
			"instance": c.gen.worker.ID(),
		})
		c.terminateLocked()
	}

	return c.spawnLocked()
}

// replace swaps gen for a fresh context, unless someone already did.
func (c *Channel) replace(gen *generation) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.gen != gen {
		return nil
	}
	c.terminateLocked()
	_, err := c.spawnLocked()
	return err
}

func (c *Channel) terminateLocked() error {
	gen := c.gen
	c.gen = nil
	err := gen.terminate()
	c.logger.Info("execution context terminated", map[string]any{
		"instance": gen.worker.ID(),
	})
	return err
}

func (c *Channel) spawnLocked() (*generation, error) {
	worker, err := c.spawner.Spawn()
	if err != nil {
		return nil, fmt.Errorf("channel: spawn execution context: %w", err)
	}

	gen := newGeneration(worker)
	c.gen = gen

	c.logger.Info("execution context spawned", map[string]any{
		"instance": worker.ID(),
	})

	go c.readLoop(gen)
	go gen.initialize()

	return gen, nil
}

// readLoop dispatches frames from one context until its stream ends.
// Output is dispatched from this single goroutine, which keeps stdout and
// stderr events in emission order.
func (c *Channel) readLoop(gen *generation) {
	defer gen.abandon()

	dec := protocol.NewDecoder(gen.worker)
	for {
		m, err := dec.ReadMessage()
		if err != nil {
			var frameErr *protocol.FrameError
			if errors.As(err, &frameErr) && !frameErr.IsFatal() {
				c.logger.Debug("dropping undecodable frame", map[string]any{"err": err})
				continue
			}
			if err != io.EOF && !errors.Is(err, io.ErrClosedPipe) {
				c.logger.Debug("execution context stream ended", map[string]any{
					"instance": gen.worker.ID(),
					"err":      err,
				})
			}
			return
		}

		switch m.Kind {
		case protocol.KindFinished:
			if !gen.resolve(m) {
				c.logger.Debug("dropping reply with no pending request", map[string]any{
					"instance": gen.worker.ID(),
					"id":       m.ID,
				})
			}
		case protocol.KindStdout:
			c.emit(m.Text, false)
		case protocol.KindStderr:
			c.emit(m.Text, true)
		default:
			if !m.Known() {
				c.logger.Debug("ignoring unknown message kind", map[string]any{
					"instance": gen.worker.ID(),
					"kind":     string(m.Kind),
				})
			}
		}
	}
}

func (c *Channel) emit(text string, stderr bool) {
	c.sinkMu.RLock()
	fn := c.stdout
	if stderr {
		fn = c.stderr
	}
	c.sinkMu.RUnlock()
	if fn != nil {
		fn(text)
	}
}
