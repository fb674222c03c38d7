//go:build darwin || freebsd || linux || windows

package invoke

import (
	"context"
	"fmt"

	"github.com/ebitengine/purego"
)

// purego.SyscallN accepts at most this many arguments.
const maxHostArgs = 15

type hostRunner struct{}

// Host calls native code mapped into the current process.
func Host() Runner {
	return hostRunner{}
}

func (hostRunner) Call(ctx context.Context, addr uint64, args ...uint64) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if addr == 0 {
		return 0, fmt.Errorf("%w: %#x", ErrNoCode, addr)
	}
	if len(args) > maxHostArgs {
		return 0, fmt.Errorf("too many arguments: %d", len(args))
	}
	values := make([]uintptr, len(args))
	for i, arg := range args {
		values[i] = uintptr(arg)
	}
	ret, _, _ := purego.SyscallN(uintptr(addr), values...)
	return uint64(ret), nil
}
