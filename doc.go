// Package pywb is a Python workbench that runs a local project directory in
// a WebAssembly build of CPython hosted by wazero.
//
// # Overview
//
// Code never runs in the host process. Each execution context is a worker
// holding one interpreter session; the controller talks to it through a
// framed message channel and can interrupt, ping or replace it:
//
//	spawner := worker.NewSpawner(factory, store, worker.WithInstaller(installer))
//	r := runner.New(channel.New(spawner))
//	defer r.Close()
//
//	res, err := r.Run(ctx, code, runner.Options{Filename: "main.py", SyncFS: true})
//
// Before every run the worker mirrors the selected project directory into
// the sandbox and installs changed requirements.txt entries from PyPI. With
// SyncFS set, files the code writes are copied back afterwards.
//
// # Packages
//
//   - protocol: message kinds, framing and the shared interrupt flag
//   - channel: request/response over a worker, stop and crash recovery
//   - worker: the execution context and its spawner
//   - executor: wazero host for the interpreter
//   - runner: the run API used by the app and the type checker
//   - typecheck: background mypy loop
//   - app: the interactive controller
//   - mount, pypi, settings, config, log: supporting stores
//
// The pywb command in cmd/pywb wires these together.
package pywb
