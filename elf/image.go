package elf

import (
	"debug/elf"
	"encoding/binary"

	"github.com/wnxd/microdbg/emulator"
)

type SymType uint8

const (
	SymNoType SymType = iota
	SymObject
	SymFunc
	SymSection
	SymFile
	SymCommon
	SymTLS
	SymIFunc
)

type SymBind uint8

const (
	BindLocal SymBind = iota
	BindGlobal
	BindWeak
)

type Symbol struct {
	Name       string
	Value      uint64
	Size       uint64
	Type       SymType
	Bind       SymBind
	Visibility elf.SymVis
	Section    elf.SectionIndex
}

// Segment is one PT_LOAD entry. Data holds the file-backed bytes, the
// remainder up to Memsz is zero filled when mapped.
type Segment struct {
	Vaddr uint64
	Memsz uint64
	Align uint64
	Prot  emulator.MemProt
	Data  []byte
}

// TLS describes the PT_TLS initialization image.
type TLS struct {
	Vaddr uint64
	Memsz uint64
	Align uint64
	Data  []byte
}

// Array locates a DT_INIT_ARRAY style table of pointers by link-time address.
type Array struct {
	Addr  uint64
	Count uint64
}

// Image is a decoded shared object. Name is the DT_SONAME when present and
// the file name otherwise; Soname is empty when the object carries none.
type Image struct {
	Name        string
	Soname      string
	Arch        emulator.Arch
	ByteOrder   binary.ByteOrder
	WordSize    uint64
	Entry       uint64
	Segments    []Segment
	TLS         *TLS
	Needed      []string
	Symbols     []Symbol
	Relocations []Relocation
	Init        uint64
	Fini        uint64
	InitArray   Array
	FiniArray   Array
	BindNow     bool
	StaticTLS   bool

	hash    elfHashTable
	gnuHash gnuHashTable
}

func (s *Symbol) Defined() bool {
	return s.Section != elf.SHN_UNDEF
}

func (s *Symbol) Absolute() bool {
	return s.Section == elf.SHN_ABS
}

// Exported reports whether the symbol takes part in dynamic symbol lookup
// from other modules.
func (s *Symbol) Exported() bool {
	if s.Name == "" || !s.Defined() || s.Bind == BindLocal {
		return false
	}
	switch s.Type {
	case SymSection, SymFile:
		return false
	}
	switch s.Visibility {
	case elf.STV_HIDDEN, elf.STV_INTERNAL:
		return false
	}
	return true
}

func IsImportSymbol(sym *Symbol) bool {
	if sym.Defined() {
		return false
	}
	return sym.Bind == BindGlobal || sym.Bind == BindWeak
}

// Span returns the lowest and highest link-time addresses covered by the
// loadable segments.
func (img *Image) Span() (begin, end uint64) {
	if len(img.Segments) == 0 {
		return 0, 0
	}
	begin = img.Segments[0].Vaddr
	for _, seg := range img.Segments {
		begin = min(begin, seg.Vaddr)
		end = max(end, seg.Vaddr+seg.Memsz)
	}
	return
}

func (img *Image) Word() uint64 {
	if img.WordSize == 0 {
		return 8
	}
	return img.WordSize
}

func (img *Image) Order() binary.ByteOrder {
	if img.ByteOrder == nil {
		return binary.LittleEndian
	}
	return img.ByteOrder
}

// Symbol returns the symbol table entry at index, nil when out of range.
func (img *Image) Symbol(index uint32) *Symbol {
	if int(index) >= len(img.Symbols) {
		return nil
	}
	return &img.Symbols[index]
}

// Exports yields the exported symbols in symbol table order.
func (img *Image) Exports(yield func(*Symbol) bool) {
	for i := range img.Symbols {
		sym := &img.Symbols[i]
		if !sym.Exported() {
			continue
		} else if !yield(sym) {
			break
		}
	}
}

// Lookup finds an exported definition of name, consulting DT_GNU_HASH or
// DT_HASH when the image carries them.
func (img *Image) Lookup(name string) *Symbol {
	if sym, ok := img.findGNUHashSymbol(name); ok {
		return sym
	} else if sym, ok = img.findHashSymbol(name); ok {
		return sym
	}
	for sym := range img.Exports {
		if sym.Name == name {
			return sym
		}
	}
	return nil
}
