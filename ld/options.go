package ld

import (
	"github.com/wnxd/rtld/invoke"
	"go.uber.org/zap"
)

type Option func(*Linker)

func WithLogger(log *zap.Logger) Option {
	return func(l *Linker) {
		if log != nil {
			l.log = log
		}
	}
}

// WithRunner sets the code runner for initializers, finalizers and IFUNC
// resolvers. Without one, initializers and finalizers are skipped and IFUNC
// resolution fails.
func WithRunner(r invoke.Runner) Option {
	return func(l *Linker) {
		l.runner = r
	}
}

// WithMultipleErrors makes relocation report every failure of an open
// instead of stopping at the first.
func WithMultipleErrors(v bool) Option {
	return func(l *Linker) {
		l.multiple = v
	}
}

// SymbolFilter reports whether module may provide name to lookups.
type SymbolFilter func(module, name string) bool

func WithSymbolFilter(f SymbolFilter) Option {
	return func(l *Linker) {
		l.filter = f
	}
}

func WithDecoder(d Decoder) Option {
	return func(l *Linker) {
		if d != nil {
			l.decoder = d
		}
	}
}
