package hostfunc

import (
	"context"
	"fmt"
	"strings"

	"github.com/caffeineduck/pywb/pypi"
)

// PkgConfig configures the package install host function.
type PkgConfig struct {
	Installer       *pypi.Installer
	AllowedPackages []string // If set, only these packages can be installed
	Enabled         bool     // Whether package installation is enabled
}

// NewPkgInstaller returns a host function that installs a pure-Python
// wheel into the session's package directory.
// Args: spec (required), e.g. "attrs" or "attrs==23.1".
func NewPkgInstaller(cfg PkgConfig) Func {
	return func(ctx context.Context, args map[string]any) (any, error) {
		if !cfg.Enabled || cfg.Installer == nil {
			return nil, fmt.Errorf("package installation disabled")
		}

		spec, _ := args["spec"].(string)
		spec = strings.TrimSpace(spec)
		if spec == "" {
			return nil, fmt.Errorf("package name required")
		}

		if strings.ContainsAny(spec, ";|&$`") {
			return nil, fmt.Errorf("invalid package name")
		}

		name, _ := pypi.ParseSpec(spec)
		if len(cfg.AllowedPackages) > 0 {
			allowed := false
			for _, pkg := range cfg.AllowedPackages {
				if strings.EqualFold(pkg, name) {
					allowed = true
					break
				}
			}
			if !allowed {
				return nil, fmt.Errorf("package %q not allowed", name)
			}
		}

		pkg, err := cfg.Installer.Install(ctx, spec)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"name":    pkg.Name,
			"version": pkg.Version,
		}, nil
	}
}
