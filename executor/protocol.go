package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"

	"github.com/caffeineduck/pywb/hostfunc"
)

// Session markers written to stderr by the prelude. Each travels as
// \x00<body>\x00; any other stderr text is passed through.
const (
	markerPrefix = "PYWB"
	readyMarker  = "PYWB_READY"
	doneMarker   = "PYWB_DONE"
	resultPrefix = "PYWB_RESULT:"
	errorPrefix  = "PYWB_ERROR:"
	callPrefix   = "PYWB:"
)

type callRequest struct {
	Fn   string         `json:"fn"`
	Args map[string]any `json:"args"`
}

type callResponse struct {
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

type command struct {
	Type     string   `json:"type"`
	Code     string   `json:"code,omitempty"`
	Filename string   `json:"filename,omitempty"`
	Args     []string `json:"args,omitempty"`
}

// execResult is the outcome of one exec command as reported by the prelude.
type execResult struct {
	value any
	err   string
}

// sessionProtocol demultiplexes the interpreter's stderr: marker frames
// drive the session, host calls are answered on stdin, and the remaining
// text goes to the stderr sink as soon as it cannot be part of a marker.
type sessionProtocol struct {
	ctx      context.Context
	registry *hostfunc.Registry
	stdin    io.Writer
	stderr   func(string)

	buf bytes.Buffer

	readyCh chan struct{}
	ready   bool
	doneCh  chan execResult

	mu      sync.Mutex
	writeMu sync.Mutex
}

func newSessionProtocol(ctx context.Context, registry *hostfunc.Registry, stdin io.Writer, stderr func(string)) *sessionProtocol {
	return &sessionProtocol{
		ctx:      ctx,
		registry: registry,
		stdin:    stdin,
		stderr:   stderr,
		readyCh:  make(chan struct{}),
		doneCh:   make(chan execResult, 1),
	}
}

func (p *sessionProtocol) Write(data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.buf.Write(data)
	for p.step() {
	}
	return len(data), nil
}

// step consumes one unit of buffered input. It returns false when the
// buffer is empty or holds an incomplete marker.
func (p *sessionProtocol) step() bool {
	content := p.buf.Bytes()
	if len(content) == 0 {
		return false
	}

	start := bytes.IndexByte(content, 0)
	switch {
	case start == -1:
		p.emit(string(content))
		p.buf.Reset()
		return false
	case start > 0:
		p.emit(string(content[:start]))
		p.buf.Next(start)
		return true
	}

	rest := content[1:]
	end := bytes.IndexByte(rest, 0)
	if end == -1 {
		if couldBeMarker(rest) {
			return false
		}
		p.emit("\x00")
		p.buf.Next(1)
		return true
	}

	body := string(rest[:end])
	if !strings.HasPrefix(body, markerPrefix) {
		// The closing NUL may open the next marker.
		p.emit("\x00" + body)
		p.buf.Next(1 + end)
		return true
	}

	p.buf.Next(end + 2)
	if !p.handleMarker(body) {
		p.emit("\x00" + body + "\x00")
	}
	return true
}

func couldBeMarker(partial []byte) bool {
	s := string(partial)
	return strings.HasPrefix(s, markerPrefix) || strings.HasPrefix(markerPrefix, s)
}

func (p *sessionProtocol) handleMarker(body string) bool {
	switch {
	case body == readyMarker:
		if !p.ready {
			p.ready = true
			close(p.readyCh)
		}
	case body == doneMarker:
		p.finish(execResult{})
	case strings.HasPrefix(body, resultPrefix):
		var value any
		if err := json.Unmarshal([]byte(body[len(resultPrefix):]), &value); err != nil {
			p.finish(execResult{err: "decode result: " + err.Error()})
		} else {
			p.finish(execResult{value: value})
		}
	case strings.HasPrefix(body, errorPrefix):
		msg := body[len(errorPrefix):]
		if msg == "" {
			msg = "unknown error"
		}
		p.finish(execResult{err: msg})
	case strings.HasPrefix(body, callPrefix):
		p.handleCall(body[len(callPrefix):])
	default:
		return false
	}
	return true
}

func (p *sessionProtocol) finish(r execResult) {
	select {
	case p.doneCh <- r:
	default:
	}
}

func (p *sessionProtocol) emit(text string) {
	if text != "" && p.stderr != nil {
		p.stderr(text)
	}
}

func (p *sessionProtocol) handleCall(payload string) {
	var req callRequest
	if err := json.Unmarshal([]byte(payload), &req); err != nil {
		go p.respond(callResponse{Error: "invalid call format"})
		return
	}

	// The interpreter blocks reading stdin until the reply arrives, so the
	// reply must not be written from inside this Write.
	go func() {
		p.respond(p.executeCall(req))
	}()
}

func (p *sessionProtocol) executeCall(req callRequest) callResponse {
	fn, ok := p.registry.Get(req.Fn)
	if !ok {
		return callResponse{Error: "unknown function: " + req.Fn}
	}

	result, err := fn(p.ctx, req.Args)
	if err != nil {
		return callResponse{Error: err.Error()}
	}
	return callResponse{Data: result}
}

func (p *sessionProtocol) respond(resp callResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		data = []byte(`{"error":"internal: failed to marshal response"}`)
	}
	p.writeLine(data)
}

// send writes a session command to the interpreter's stdin.
func (p *sessionProtocol) send(cmd command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return p.writeLine(data)
}

func (p *sessionProtocol) writeLine(data []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_, err := p.stdin.Write(append(data, '\n'))
	return err
}

func (p *sessionProtocol) Ready() <-chan struct{} {
	return p.readyCh
}

func (p *sessionProtocol) Done() <-chan execResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.doneCh
}

// ResetExec discards any completion left over from a previous command.
func (p *sessionProtocol) ResetExec() {
	p.mu.Lock()
	defer p.mu.Unlock()

	select {
	case <-p.doneCh:
	default:
	}
}
