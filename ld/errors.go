package ld

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

type Kind int

const (
	InvalidArgument Kind = iota + 1
	NotFound
	FormatError
	AllocationFailure
	UndefinedSymbol
	UnsupportedFeature
	RelocationError
	ExecutionFailure
)

var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrFormat          = errors.New("format error")
	ErrAllocation      = errors.New("allocation failure")
	ErrUndefinedSymbol = errors.New("undefined symbol")
	ErrUnsupported     = errors.New("unsupported feature")
	ErrRelocation      = errors.New("relocation error")
	ErrExecution       = errors.New("execution failure")
)

func (k Kind) String() string {
	switch k {
	case InvalidArgument:
		return "InvalidArgument"
	case NotFound:
		return "NotFound"
	case FormatError:
		return "FormatError"
	case AllocationFailure:
		return "AllocationFailure"
	case UndefinedSymbol:
		return "UndefinedSymbol"
	case UnsupportedFeature:
		return "UnsupportedFeature"
	case RelocationError:
		return "RelocationError"
	case ExecutionFailure:
		return "ExecutionFailure"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

func (k Kind) sentinel() error {
	switch k {
	case InvalidArgument:
		return ErrInvalidArgument
	case NotFound:
		return ErrNotFound
	case FormatError:
		return ErrFormat
	case AllocationFailure:
		return ErrAllocation
	case UndefinedSymbol:
		return ErrUndefinedSymbol
	case UnsupportedFeature:
		return ErrUnsupported
	case RelocationError:
		return ErrRelocation
	case ExecutionFailure:
		return ErrExecution
	}
	return nil
}

// Error is the diagnostic carried by every failing linker operation.
type Error struct {
	Kind   Kind
	Module string
	Symbol string
	Msg    string
	Err    error
}

func newError(kind Kind, module, format string, args ...any) *Error {
	return &Error{Kind: kind, Module: module, Msg: fmt.Sprintf(format, args...)}
}

func wrapError(kind Kind, module string, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Module: module, Msg: fmt.Sprintf(format, args...), Err: err}
}

func symbolError(kind Kind, module, symbol, format string, args ...any) *Error {
	return &Error{Kind: kind, Module: module, Symbol: symbol, Msg: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s]", e.Kind)
	if e.Module != "" {
		fmt.Fprintf(&b, " module: %s", e.Module)
	}
	if e.Symbol != "" {
		fmt.Fprintf(&b, " symbol: %s", e.Symbol)
	}
	if e.Msg != "" {
		fmt.Fprintf(&b, " %s", e.Msg)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	return target != nil && target == e.Kind.sentinel()
}

// KindOf returns the kind of the first linker diagnostic in err's chain.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// diagnostics collects relocation failures. Unless multiple is set the first
// report stops the pass.
type diagnostics struct {
	multiple bool
	log      *zap.Logger
	errs     []error
}

func (d *diagnostics) report(err *Error) bool {
	d.errs = append(d.errs, err)
	d.log.Debug("diagnostic", zap.Stringer("kind", err.Kind), zap.String("module", err.Module), zap.String("symbol", err.Symbol), zap.String("msg", err.Msg))
	return d.multiple
}

func (d *diagnostics) err() error {
	switch len(d.errs) {
	case 0:
		return nil
	case 1:
		return d.errs[0]
	}
	return errors.Join(d.errs...)
}
