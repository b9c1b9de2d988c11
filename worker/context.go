// Package worker implements the execution context side of the channel
// protocol. A Context owns one interpreter, serves Init, Run and Ping
// frames strictly in arrival order, and mirrors the selected project
// directory into the interpreter for the duration of each run.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"

	"github.com/caffeineduck/pywb/log"
	"github.com/caffeineduck/pywb/mount"
	"github.com/caffeineduck/pywb/protocol"
	"github.com/caffeineduck/pywb/pypi"
	"github.com/caffeineduck/pywb/settings"
)

// RequirementsFile is the project file installed before each run.
const RequirementsFile = "requirements.txt"

// ErrUnknownInterruptRef is reported when Init names a flag that was
// never shared with this context.
var ErrUnknownInterruptRef = errors.New("unknown interrupt reference")

// Interpreter executes code for a Context.
type Interpreter interface {
	// Init binds the interrupt flag and the output sink.
	Init(ctx context.Context, flag *protocol.InterruptFlag, out protocol.Output) error
	// Run executes req. Faults raised by the code are returned as data.
	Run(ctx context.Context, req protocol.RunRequest) protocol.Outcome
	Close() error
}

// Context is one execution context.
type Context struct {
	id     string
	interp Interpreter
	flags  *protocol.SharedFlags
	store  settings.Store
	mirror *mount.Mirror
	reqs   *pypi.Requirements
	logger *log.Logger

	enc *protocol.Encoder
}

// Serve decodes requests from r and writes replies and output to w until r
// ends or ctx is cancelled. Requests are queued as soon as they are read,
// so a writer never waits for a busy run to finish.
func (c *Context) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	c.enc = protocol.NewEncoder(w)

	in := newInbox()
	readErr := make(chan error, 1)
	go func() {
		defer in.close()
		dec := protocol.NewDecoder(r)
		for {
			m, err := dec.ReadMessage()
			if err != nil {
				if protocol.IsFatalFrameError(err) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
					readErr <- err
					return
				}
				var frameErr *protocol.FrameError
				if errors.As(err, &frameErr) {
					c.logger.Debug("dropping undecodable frame", map[string]any{"err": err})
					continue
				}
				readErr <- err
				return
			}
			in.push(m)
		}
	}()

	for {
		m, ok := in.pop(ctx)
		if !ok {
			break
		}
		c.handle(ctx, m)
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	select {
	case err := <-readErr:
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
			return nil
		}
		return err
	default:
		return nil
	}
}

func (c *Context) handle(ctx context.Context, m *protocol.Message) {
	switch m.Kind {
	case protocol.KindInit:
		c.reply(m.ID, nil, errText(c.init(ctx, m.InterruptRef)))
	case protocol.KindRun:
		outcome := c.run(ctx, m)
		c.reply(m.ID, outcome.Value, outcome.Error)
	case protocol.KindPing:
		c.reply(m.ID, nil, "")
	default:
		if !m.Known() {
			c.logger.Debug("ignoring unknown message kind", map[string]any{"kind": string(m.Kind)})
			return
		}
		c.logger.Debug("ignoring message", map[string]any{"kind": string(m.Kind)})
	}
}

func (c *Context) init(ctx context.Context, ref string) error {
	flag, ok := c.flags.Resolve(ref)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownInterruptRef, ref)
	}
	return c.interp.Init(ctx, flag, c)
}

// run executes one Run request. Host-side failures are reported in the
// outcome rather than returned, like faults raised by the code itself.
func (c *Context) run(ctx context.Context, m *protocol.Message) protocol.Outcome {
	req := protocol.RunRequest{Code: m.Code, Filename: m.Filename, Args: m.Args}

	dir := settings.String(c.store, settings.KeyProjectDirectory, "")
	if dir == "" || c.mirror == nil {
		return c.interp.Run(ctx, req)
	}

	if err := c.mirror.Mount(dir); err != nil {
		c.logger.Warn("mount project directory failed", map[string]any{"dir": dir, "err": err})
		return protocol.Outcome{Error: fmt.Sprintf("mount project directory: %v", err)}
	}

	c.installRequirements(ctx)
	outcome := c.interp.Run(ctx, req)

	// A terminated context never syncs; its replacement may own the project.
	if m.SyncFS && ctx.Err() == nil {
		changes, err := c.mirror.Sync()
		if err != nil && outcome.Error == "" {
			outcome.Error = fmt.Sprintf("sync project directory: %v", err)
		}
		if !changes.Empty() {
			c.logger.Debug("project directory synced", map[string]any{
				"written": len(changes.Written),
				"removed": len(changes.Removed),
			})
		}
	}

	// Unmount after every run so the next one sees changes made on the host.
	if err := c.mirror.Unmount(); err != nil && outcome.Error == "" {
		outcome.Error = fmt.Sprintf("unmount project directory: %v", err)
	}
	return outcome
}

func (c *Context) installRequirements(ctx context.Context) {
	if c.reqs == nil {
		return
	}
	path := filepath.Join(c.mirror.Staging(), RequirementsFile)
	ran, err := c.reqs.Sync(ctx, path, func(spec string, err error) {
		c.Stderr(fmt.Sprintf("Can't install %s: %v\n", spec, err))
	})
	if err != nil {
		c.Stderr(fmt.Sprintf("Can't install requirements: %v\n", err))
		return
	}
	if ran {
		c.logger.Info("requirements installed", map[string]any{"instance": c.id})
	}
}

func (c *Context) reply(id uint64, result any, errMsg string) {
	if err := c.enc.WriteMessage(protocol.Finished(id, result, errMsg)); err != nil {
		c.logger.Debug("reply dropped", map[string]any{"id": id, "err": err})
	}
}

// Stdout forwards interpreter output to the controller.
func (c *Context) Stdout(text string) {
	c.enc.WriteMessage(protocol.Stdout(text))
}

// Stderr forwards interpreter output to the controller.
func (c *Context) Stderr(text string) {
	c.enc.WriteMessage(protocol.Stderr(text))
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// inbox is an unbounded FIFO of decoded requests.
type inbox struct {
	mu     sync.Mutex
	queue  []*protocol.Message
	ready  chan struct{}
	closed bool
}

func newInbox() *inbox {
	return &inbox{ready: make(chan struct{}, 1)}
}

func (in *inbox) push(m *protocol.Message) {
	in.mu.Lock()
	in.queue = append(in.queue, m)
	in.mu.Unlock()
	in.signal()
}

func (in *inbox) close() {
	in.mu.Lock()
	in.closed = true
	in.mu.Unlock()
	in.signal()
}

func (in *inbox) signal() {
	select {
	case in.ready <- struct{}{}:
	default:
	}
}

// pop returns the next request. It reports false once the inbox is closed
// and drained, or ctx is done.
func (in *inbox) pop(ctx context.Context) (*protocol.Message, bool) {
	for {
		in.mu.Lock()
		if len(in.queue) > 0 {
			m := in.queue[0]
			in.queue[0] = nil
			in.queue = in.queue[1:]
			in.mu.Unlock()
			return m, true
		}
		closed := in.closed
		in.mu.Unlock()
		if closed {
			return nil, false
		}

		select {
		case <-in.ready:
		case <-ctx.Done():
			return nil, false
		}
	}
}
