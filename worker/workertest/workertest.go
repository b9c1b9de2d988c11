// Package workertest provides a scripted interpreter for testing code that
// drives execution contexts, without loading a real interpreter module.
//
// The default handler runs a tiny line-oriented script:
//
//	print TEXT        write TEXT and a newline to stdout
//	eprint TEXT       write TEXT and a newline to stderr
//	return TEXT       make TEXT the run's value
//	argv              make the space-joined argv the run's value
//	raise TEXT        fail the run with a traceback ending in TEXT
//	read PATH         print the project file at PATH
//	write PATH TEXT   write TEXT to the project file at PATH
//	hang              spin until the interrupt flag is set
//	block             ignore the flag and wait for cancellation
package workertest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/caffeineduck/pywb/protocol"
	"github.com/caffeineduck/pywb/worker"
)

// Call is one Run as seen by a Handler.
type Call struct {
	Request protocol.RunRequest
	Flag    *protocol.InterruptFlag
	Out     protocol.Output
	// Dir is the project mount of the execution context.
	Dir string
}

// Handler executes a Call.
type Handler func(ctx context.Context, call *Call) protocol.Outcome

// Pool creates Interpreters for a worker.Spawner and keeps every one it
// created.
type Pool struct {
	handler Handler

	mu      sync.Mutex
	interps []*Interpreter
}

// NewPool returns a Pool whose interpreters run h. A nil h runs Script.
func NewPool(h Handler) *Pool {
	if h == nil {
		h = Script
	}
	return &Pool{handler: h}
}

// Factory is a worker.Factory.
func (p *Pool) Factory(env worker.Env) (worker.Interpreter, error) {
	in := &Interpreter{env: env, handler: p.handler}
	p.mu.Lock()
	p.interps = append(p.interps, in)
	p.mu.Unlock()
	return in, nil
}

// Len returns the number of interpreters created.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.interps)
}

// Get returns the i-th interpreter created.
func (p *Pool) Get(i int) *Interpreter {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.interps[i]
}

// Interpreter is a worker.Interpreter driven by a Handler.
type Interpreter struct {
	env     worker.Env
	handler Handler

	mu     sync.Mutex
	flag   *protocol.InterruptFlag
	out    protocol.Output
	runs   []protocol.RunRequest
	closed bool
}

func (in *Interpreter) Init(ctx context.Context, flag *protocol.InterruptFlag, out protocol.Output) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return fmt.Errorf("interpreter closed")
	}
	in.flag = flag
	in.out = out
	return nil
}

func (in *Interpreter) Run(ctx context.Context, req protocol.RunRequest) protocol.Outcome {
	in.mu.Lock()
	if in.flag == nil {
		in.mu.Unlock()
		return protocol.Outcome{Error: "interpreter not initialized"}
	}
	in.runs = append(in.runs, req)
	call := &Call{Request: req, Flag: in.flag, Out: in.out, Dir: in.env.StagingDir}
	in.mu.Unlock()

	return in.handler(ctx, call)
}

func (in *Interpreter) Close() error {
	in.mu.Lock()
	in.closed = true
	in.mu.Unlock()
	return nil
}

// Env returns the environment the interpreter was created with.
func (in *Interpreter) Env() worker.Env {
	return in.env
}

// Runs returns the requests executed so far.
func (in *Interpreter) Runs() []protocol.RunRequest {
	in.mu.Lock()
	defer in.mu.Unlock()
	return append([]protocol.RunRequest(nil), in.runs...)
}

// Closed reports whether Close was called.
func (in *Interpreter) Closed() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.closed
}

// Script is the default Handler. See the package documentation.
func Script(ctx context.Context, call *Call) protocol.Outcome {
	var value any
	for i, line := range strings.Split(call.Request.Code, "\n") {
		cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
		switch cmd {
		case "":
		case "print":
			call.Out.Stdout(arg + "\n")
		case "eprint":
			call.Out.Stderr(arg + "\n")
		case "return":
			value = arg
		case "argv":
			value = strings.Join(call.Request.Args, " ")
		case "raise":
			return protocol.Outcome{Error: traceback(call, i+1, arg)}
		case "read":
			data, err := os.ReadFile(filepath.Join(call.Dir, arg))
			if err != nil {
				return protocol.Outcome{Error: traceback(call, i+1, "FileNotFoundError: "+arg)}
			}
			call.Out.Stdout(string(data))
		case "write":
			path, text, _ := strings.Cut(arg, " ")
			if err := os.WriteFile(filepath.Join(call.Dir, path), []byte(text), 0644); err != nil {
				return protocol.Outcome{Error: traceback(call, i+1, "OSError: "+err.Error())}
			}
		case "hang":
			if err := waitInterrupt(ctx, call.Flag); err != nil {
				return protocol.Outcome{Error: err.Error()}
			}
			return protocol.Outcome{Error: traceback(call, i+1, "KeyboardInterrupt")}
		case "block":
			<-ctx.Done()
			return protocol.Outcome{Error: ctx.Err().Error()}
		default:
			return protocol.Outcome{Error: traceback(call, i+1, fmt.Sprintf("NameError: name '%s' is not defined", cmd))}
		}
	}
	return protocol.Outcome{Value: value}
}

func waitInterrupt(ctx context.Context, flag *protocol.InterruptFlag) error {
	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()
	for !flag.Interrupted() {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func traceback(call *Call, line int, msg string) string {
	filename := call.Request.Filename
	if filename == "" {
		filename = protocol.DefaultFilename
	}
	return fmt.Sprintf("Traceback (most recent call last):\n  File %q, line %d, in <module>\n%s\n", filename, line, msg)
}
