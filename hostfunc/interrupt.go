package hostfunc

import (
	"context"

	"github.com/caffeineduck/pywb/protocol"
)

// NewInterruptCheck returns a host function reporting whether an interrupt
// has been requested on flag. The interpreter polls it between work units
// and raises KeyboardInterrupt when it returns true.
func NewInterruptCheck(flag *protocol.InterruptFlag) Func {
	return func(ctx context.Context, args map[string]any) (any, error) {
		return flag != nil && flag.Interrupted(), nil
	}
}
