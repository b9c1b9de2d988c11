// Package hostfunc provides host function implementations for sandboxed WASM code.
//
// Host functions are Go functions that sandboxed code calls through the
// session protocol. Sandboxed code has no implicit access to host
// resources; each capability is registered explicitly on a [Registry]:
//
//	registry := hostfunc.NewRegistry()
//	registry.Register("pkg_install", hostfunc.NewPkgInstaller(hostfunc.PkgConfig{
//	    Installer: pypi.New(".pywb/python/packages"),
//	    Enabled:   true,
//	}))
//
// The executor registers interrupt_check on every session, bound to that
// session's interrupt flag.
package hostfunc
