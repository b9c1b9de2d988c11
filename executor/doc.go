// Package executor hosts a WASM language interpreter with wazero and runs
// code in long-lived sessions.
//
// # Sessions
//
// A [Session] keeps one interpreter instance alive across runs, so globals
// and imported modules persist:
//
//	exec, err := executor.New(hostfunc.NewRegistry(), executor.WithDiskCache())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer exec.Close()
//
//	session := exec.NewSession(lang, executor.WithProjectDir(staging))
//	defer session.Close()
//
//	flag := protocol.NewInterruptFlag()
//	if err := session.Init(ctx, flag, out); err != nil {
//	    log.Fatal(err)
//	}
//	outcome := session.Run(ctx, protocol.RunRequest{Code: `x = 42`})
//	outcome = session.Run(ctx, protocol.RunRequest{Code: `x`}) // outcome.Value == 42
//
// Output streams to the sink passed to Init while the code runs. Setting
// the interrupt flag makes the interpreter raise KeyboardInterrupt at the
// next check; cancelling the Run context kills the interpreter outright and
// the next Run starts a fresh one.
//
// # Session protocol
//
// The interpreter's prelude reads JSON commands from stdin and reports on
// stderr with NUL-delimited markers: PYWB_READY once the loop is running,
// PYWB_DONE, PYWB_RESULT:<json> or PYWB_ERROR:<traceback> after each
// command, and PYWB:<json> for host function calls, which are answered with
// one JSON line on stdin.
package executor
