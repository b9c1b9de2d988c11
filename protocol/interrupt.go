package protocol

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Interrupt flag values.
const (
	FlagRun       byte = 0
	FlagReserved  byte = 1
	FlagInterrupt byte = 2
)

// InterruptFlag is the single byte shared between the controller and an
// execution context. The controller writes it; the execution context polls it
// between units of work. It is a signal, not a lock: a context that is not
// running interruptible code may never observe it.
type InterruptFlag struct {
	v atomic.Uint32
}

// NewInterruptFlag returns a flag in the FlagRun state.
func NewInterruptFlag() *InterruptFlag {
	return &InterruptFlag{}
}

// Set stores b.
func (f *InterruptFlag) Set(b byte) {
	f.v.Store(uint32(b))
}

// Load returns the current value.
func (f *InterruptFlag) Load() byte {
	return byte(f.v.Load())
}

// Interrupted reports whether an interrupt has been requested.
func (f *InterruptFlag) Interrupted() bool {
	return f.Load() == FlagInterrupt
}

// SharedFlags hands interrupt flags across the channel boundary. The
// controller registers a flag and sends the returned reference in an Init
// message; the execution context resolves the reference to the same flag.
type SharedFlags struct {
	mu    sync.Mutex
	flags map[string]*InterruptFlag
}

// NewSharedFlags returns an empty table.
func NewSharedFlags() *SharedFlags {
	return &SharedFlags{flags: make(map[string]*InterruptFlag)}
}

// Share registers f and returns its reference.
func (s *SharedFlags) Share(f *InterruptFlag) string {
	ref := uuid.NewString()
	s.mu.Lock()
	s.flags[ref] = f
	s.mu.Unlock()
	return ref
}

// Resolve returns the flag registered under ref.
func (s *SharedFlags) Resolve(ref string) (*InterruptFlag, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.flags[ref]
	return f, ok
}

// Release forgets ref.
func (s *SharedFlags) Release(ref string) {
	s.mu.Lock()
	delete(s.flags, ref)
	s.mu.Unlock()
}
