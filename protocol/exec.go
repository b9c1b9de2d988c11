package protocol

// RunRequest is the part of a Run message an interpreter acts on.
type RunRequest struct {
	Code     string
	Filename string
	Args     []string
}

// Outcome is the result of executing code. Errors raised by the executed
// code are carried as formatted text, never as Go errors.
type Outcome struct {
	Value any
	Error string
}

// Output receives interpreter output as it is produced.
type Output interface {
	Stdout(text string)
	Stderr(text string)
}

// OutputFuncs adapts a pair of functions to Output. Nil funcs discard.
type OutputFuncs struct {
	StdoutFunc func(string)
	StderrFunc func(string)
}

func (o OutputFuncs) Stdout(text string) {
	if o.StdoutFunc != nil {
		o.StdoutFunc(text)
	}
}

func (o OutputFuncs) Stderr(text string) {
	if o.StderrFunc != nil {
		o.StderrFunc(text)
	}
}
