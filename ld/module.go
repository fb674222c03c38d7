package ld

import (
	"fmt"
	"slices"

	"github.com/wnxd/microdbg/emulator"
	"github.com/wnxd/rtld/elf"
)

type ModuleID uint32

type State uint8

const (
	StateUnloaded State = iota
	StateLoading
	StateMapped
	StateRelocated
	StateInitialized
	StateFinalizing
)

func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "Unloaded"
	case StateLoading:
		return "Loading"
	case StateMapped:
		return "Mapped"
	case StateRelocated:
		return "Relocated"
	case StateInitialized:
		return "Initialized"
	case StateFinalizing:
		return "Finalizing"
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// Module is a loaded shared object. All fields are owned by the registry and
// guarded by the linker lock.
type Module struct {
	id       ModuleID
	name     string
	aliases  []string
	image    *elf.Image
	region   emulator.MemRegion
	segments []emulator.MemRegion
	bias     uint64
	exports  symtab
	deps     []ModuleID
	reldeps  []ModuleID
	refs     int
	tlsID    uint64
	state    State
	order    uint64
	initSeq  uint64
	scope    Scope
	lazy     bool
	pending  []elf.Relocation
	ifunc    map[uint64]uint64
}

func (m *Module) ID() ModuleID {
	return m.id
}

func (m *Module) Name() string {
	return m.name
}

func (m *Module) Bias() uint64 {
	return m.bias
}

func (m *Module) State() State {
	return m.state
}

func (m *Module) Refs() int {
	return m.refs
}

func (m *Module) Image() *elf.Image {
	return m.image
}

// edges returns the dependencies holding a reference from this module.
func (m *Module) edges() []ModuleID {
	if len(m.reldeps) == 0 {
		return m.deps
	}
	return append(slices.Clip(m.deps), m.reldeps...)
}

// live reports whether the module can provide definitions.
func (m *Module) live() bool {
	return m.state >= StateMapped && m.state <= StateInitialized
}

func (m *Module) contains(addr uint64) bool {
	return m.region.Size != 0 && addr >= m.region.Addr && addr < m.region.Addr+m.region.Size
}

// address returns the run-time address of a symbol defined by m.
func (m *Module) address(sym *elf.Symbol) uint64 {
	if sym.Absolute() {
		return sym.Value
	}
	return m.bias + sym.Value
}

// symtab is the exported symbol table of a module. The first definition of a
// name wins.
type symtab struct {
	syms  []*elf.Symbol
	index map[string]int
}

func newSymtab(img *elf.Image) symtab {
	t := symtab{index: make(map[string]int)}
	for sym := range img.Exports {
		if _, ok := t.index[sym.Name]; ok {
			continue
		}
		t.index[sym.Name] = len(t.syms)
		t.syms = append(t.syms, sym)
	}
	return t
}

func (t symtab) lookup(name string) *elf.Symbol {
	if i, ok := t.index[name]; ok {
		return t.syms[i]
	}
	return nil
}

// ModuleInfo is a read-only view of a loaded module.
type ModuleInfo struct {
	ID      ModuleID
	Name    string
	Aliases []string
	Base    uint64
	Size    uint64
	Bias    uint64
	Refs    int
	State   State
	Scope   Scope
	TLSID   uint64
	Deps    []string
	Exports int
}

func (l *Linker) info(m *Module) ModuleInfo {
	info := ModuleInfo{
		ID:      m.id,
		Name:    m.name,
		Aliases: slices.Clone(m.aliases),
		Base:    m.region.Addr,
		Size:    m.region.Size,
		Bias:    m.bias,
		Refs:    m.refs,
		State:   m.state,
		Scope:   m.scope,
		TLSID:   m.tlsID,
		Exports: len(m.exports.syms),
	}
	for _, id := range m.deps {
		if dep := l.reg.Get(id); dep != nil {
			info.Deps = append(info.Deps, dep.name)
		}
	}
	return info
}
