// Package protocol defines the messages exchanged between the controller and
// an execution context, and the framing used to carry them over a stream.
//
// A Message is a tagged variant: Kind selects which of the remaining fields
// are meaningful. Request kinds (Init, Run, Ping) carry an ID that the
// execution context echoes back in exactly one Finished message. Stdout and
// Stderr messages are unsolicited.
package protocol

import "fmt"

// Kind discriminates the Message variant.
type Kind string

const (
	KindInit     Kind = "init"
	KindRun      Kind = "run"
	KindPing     Kind = "ping"
	KindFinished Kind = "finished"
	KindStdout   Kind = "stdout"
	KindStderr   Kind = "stderr"
)

// DefaultFilename is the filename reported in tracebacks when a Run
// message does not name one.
const DefaultFilename = "<exec>"

// Message is the wire unit exchanged with an execution context.
type Message struct {
	Kind Kind   `msgpack:"kind"`
	ID   uint64 `msgpack:"id,omitempty"`

	// Init
	InterruptRef string `msgpack:"interrupt_ref,omitempty"`

	// Run
	Code     string   `msgpack:"code,omitempty"`
	Args     []string `msgpack:"args,omitempty"`
	Filename string   `msgpack:"filename,omitempty"`
	SyncFS   bool     `msgpack:"sync_fs,omitempty"`

	// Finished
	Result any    `msgpack:"result,omitempty"`
	Error  string `msgpack:"error,omitempty"`

	// Stdout, Stderr
	Text string `msgpack:"text,omitempty"`
}

// IsRequest reports whether the message expects a Finished reply.
func (m *Message) IsRequest() bool {
	switch m.Kind {
	case KindInit, KindRun, KindPing:
		return true
	}
	return false
}

// Known reports whether the message kind is one this package defines.
// Receivers ignore unknown kinds.
func (m *Message) Known() bool {
	switch m.Kind {
	case KindInit, KindRun, KindPing, KindFinished, KindStdout, KindStderr:
		return true
	}
	return false
}

func (m *Message) String() string {
	switch m.Kind {
	case KindStdout, KindStderr:
		return fmt.Sprintf("%s(%d bytes)", m.Kind, len(m.Text))
	case KindFinished:
		if m.Error != "" {
			return fmt.Sprintf("finished#%d(error)", m.ID)
		}
		return fmt.Sprintf("finished#%d", m.ID)
	default:
		return fmt.Sprintf("%s#%d", m.Kind, m.ID)
	}
}

// Init asks the execution context to attach the shared interrupt flag
// identified by ref and to start forwarding output.
func Init(ref string) *Message {
	return &Message{Kind: KindInit, InterruptRef: ref}
}

// Run asks the execution context to execute code.
func Run(code string, args []string, filename string, syncFS bool) *Message {
	return &Message{
		Kind:     KindRun,
		Code:     code,
		Args:     args,
		Filename: filename,
		SyncFS:   syncFS,
	}
}

// Ping asks the execution context to reply as soon as it is able to.
func Ping() *Message {
	return &Message{Kind: KindPing}
}

// Finished answers the request with the given id.
func Finished(id uint64, result any, errMsg string) *Message {
	return &Message{Kind: KindFinished, ID: id, Result: result, Error: errMsg}
}

// Stdout carries a chunk of standard output.
func Stdout(text string) *Message {
	return &Message{Kind: KindStdout, Text: text}
}

// Stderr carries a chunk of standard error.
func Stderr(text string) *Message {
	return &Message{Kind: KindStderr, Text: text}
}
