package invoke

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/wnxd/microdbg/debugger"
)

var ErrNoCode = errors.New("no code at address")

// Runner executes guest code: initializers, finalizers and IFUNC resolvers.
type Runner interface {
	Call(ctx context.Context, addr uint64, args ...uint64) (uint64, error)
}

type Func func(ctx context.Context, addr uint64, args ...uint64) (uint64, error)

func (f Func) Call(ctx context.Context, addr uint64, args ...uint64) (uint64, error) {
	return f(ctx, addr, args...)
}

// Table dispatches calls to Go functions bound at fixed addresses.
type Table struct {
	mu    sync.RWMutex
	funcs map[uint64]func(args ...uint64) uint64
}

func NewTable() *Table {
	return &Table{funcs: make(map[uint64]func(args ...uint64) uint64)}
}

func (t *Table) Bind(addr uint64, f func(args ...uint64) uint64) {
	t.mu.Lock()
	t.funcs[addr] = f
	t.mu.Unlock()
}

func (t *Table) Unbind(addr uint64) {
	t.mu.Lock()
	delete(t.funcs, addr)
	t.mu.Unlock()
}

func (t *Table) Call(ctx context.Context, addr uint64, args ...uint64) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	t.mu.RLock()
	f, ok := t.funcs[addr]
	t.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("%w: %#x", ErrNoCode, addr)
	}
	return f(args...), nil
}

type debuggerRunner struct {
	dbg debugger.Debugger
}

// Debugger runs each call as a fresh microdbg task.
func Debugger(dbg debugger.Debugger) Runner {
	return &debuggerRunner{dbg: dbg}
}

func (r *debuggerRunner) Call(ctx context.Context, addr uint64, args ...uint64) (uint64, error) {
	task, err := r.dbg.CreateTask(ctx)
	if err != nil {
		return 0, err
	}
	defer task.Close()
	if len(args) != 0 {
		values := make([]any, len(args))
		for i, arg := range args {
			values[i] = uintptr(arg)
		}
		if err = task.Context().ArgWrite(debugger.Calling_Default, values...); err != nil {
			return 0, err
		}
	}
	err = r.dbg.CallTaskOf(task, addr)
	if err != nil {
		return 0, err
	}
	err = task.SyncRun()
	if err != nil {
		return 0, err
	}
	var ret uintptr
	if err = task.Context().RetExtract(&ret); err != nil {
		return 0, err
	}
	return uint64(ret), nil
}
