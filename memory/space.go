package memory

import (
	"errors"

	"github.com/wnxd/microdbg/debugger"
	"github.com/wnxd/microdbg/emulator"
	"golang.org/x/exp/constraints"
)

var (
	ErrNoSpace        = errors.New("address space exhausted")
	ErrAddressInvalid = debugger.ErrAddressInvalid
)

// Space is the address space modules are mapped into.
type Space interface {
	Arch() emulator.Arch
	PageSize() uint64
	Reserve(size uint64) (emulator.MemRegion, error)
	Protect(addr, size uint64, prot emulator.MemProt) error
	Release(addr, size uint64) error
	Read(addr, size uint64) ([]byte, error)
	Write(addr uint64, data []byte) error
}

func Align[I constraints.Integer](a, b I) I {
	return debugger.Align(a, b)
}

func AlignDown[I constraints.Integer](a, b I) I {
	return a &^ (b - 1)
}

func calcOverlap(aStart, aEnd, bStart, bEnd uint64) (uint64, uint64, bool) {
	start := max(aStart, bStart)
	end := min(aEnd, bEnd)
	return start, end, start < end
}
