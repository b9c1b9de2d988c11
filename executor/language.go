package executor

// Language defines the interface for a WASM-based language runtime.
type Language interface {
	// Name returns a unique identifier for this language (e.g., "python").
	// Used as the cache key for compiled modules.
	Name() string

	// Module returns the WASM binary for the language interpreter.
	Module() []byte

	// Args returns the command line that starts the interpreter's session
	// loop. The loop must speak the marker protocol on stderr and read
	// commands and host call replies from stdin.
	Args() []string

	// Env returns extra environment variables for the interpreter.
	Env() map[string]string
}
