package elf

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"slices"
	"testing"

	"github.com/ZenLiuCN/fn"
	"github.com/davecgh/go-spew/spew"
	"github.com/wnxd/microdbg/emulator"
)

const (
	offPhdr    = 0x40
	offStrtab  = 0x100
	offHash    = 0x180
	offSymtab  = 0x1c0
	offRela    = 0x210
	offJmprel  = 0x240
	offInitArr = 0x260
	offCode    = 0x300
	offGot     = 0x400
	offDynamic = 0x500
	offTLS     = 0x6f0
	fileSize   = 0x700
)

type elfWriter []byte

func (w elfWriter) put(off int, v any) {
	var buf bytes.Buffer
	fn.Panic(binary.Write(&buf, binary.LittleEndian, v))
	copy(w[off:], buf.Bytes())
}

// buildSharedObject lays out a minimal x86-64 shared object without section
// headers: one RWX PT_LOAD covering the file, PT_DYNAMIC and PT_TLS.
func buildSharedObject(typ elf.Type) []byte {
	w := make(elfWriter, fileSize)
	var ident [elf.EI_NIDENT]byte
	copy(ident[:], elf.ELFMAG)
	ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	w.put(0, elf.Header64{
		Ident:     ident,
		Type:      uint16(typ),
		Machine:   uint16(elf.EM_X86_64),
		Version:   uint32(elf.EV_CURRENT),
		Phoff:     offPhdr,
		Ehsize:    64,
		Phentsize: 56,
		Phnum:     3,
	})
	w.put(offPhdr, []elf.Prog64{
		{Type: uint32(elf.PT_LOAD), Flags: uint32(elf.PF_R | elf.PF_W | elf.PF_X), Off: 0, Vaddr: 0, Paddr: 0, Filesz: fileSize, Memsz: 0x1000, Align: 0x1000},
		{Type: uint32(elf.PT_DYNAMIC), Flags: uint32(elf.PF_R | elf.PF_W), Off: offDynamic, Vaddr: offDynamic, Paddr: offDynamic, Filesz: 17 * 16, Memsz: 17 * 16, Align: 8},
		{Type: uint32(elf.PT_TLS), Flags: uint32(elf.PF_R), Off: offTLS, Vaddr: offTLS, Paddr: offTLS, Filesz: 0x10, Memsz: 0x20, Align: 8},
	})

	strtab := "\x00libdemo.so\x00libdep.so\x00demo_fn\x00ext_fn\x00"
	copy(w[offStrtab:], strtab)
	const (
		strSoname = 1
		strNeeded = 12
		strDemo   = 22
		strExt    = 30
	)

	w.put(offHash, []uint32{1, 3, 1, 0, 2, 0})

	w.put(offSymtab, []elf.Sym64{
		{},
		{Name: strDemo, Info: elf.ST_INFO(elf.STB_GLOBAL, elf.STT_FUNC), Shndx: 7, Value: offCode, Size: 0x10},
		{Name: strExt, Info: elf.ST_INFO(elf.STB_GLOBAL, elf.STT_NOTYPE)},
	})

	w.put(offRela, []elf.Rela64{
		{Off: offGot, Info: elf.R_INFO(0, uint32(elf.R_X86_64_RELATIVE)), Addend: offCode},
		{Off: offGot + 8, Info: elf.R_INFO(2, uint32(elf.R_X86_64_GLOB_DAT))},
	})
	w.put(offJmprel, []elf.Rela64{
		{Off: offGot + 16, Info: elf.R_INFO(2, uint32(elf.R_X86_64_JMP_SLOT))},
	})
	w.put(offInitArr, uint64(offCode))

	dyn := func(tag elf.DynTag, val uint64) elf.Dyn64 {
		return elf.Dyn64{Tag: int64(tag), Val: val}
	}
	w.put(offDynamic, []elf.Dyn64{
		dyn(elf.DT_NEEDED, strNeeded),
		dyn(elf.DT_SONAME, strSoname),
		dyn(elf.DT_STRTAB, offStrtab),
		dyn(elf.DT_STRSZ, uint64(len(strtab))),
		dyn(elf.DT_SYMTAB, offSymtab),
		dyn(elf.DT_SYMENT, elf.Sym64Size),
		dyn(elf.DT_HASH, offHash),
		dyn(elf.DT_RELA, offRela),
		dyn(elf.DT_RELASZ, 2*24),
		dyn(elf.DT_RELAENT, 24),
		dyn(elf.DT_JMPREL, offJmprel),
		dyn(elf.DT_PLTRELSZ, 24),
		dyn(elf.DT_PLTREL, uint64(elf.DT_RELA)),
		dyn(elf.DT_INIT_ARRAY, offInitArr),
		dyn(elf.DT_INIT_ARRAYSZ, 8),
		dyn(elf.DT_FLAGS, uint64(elf.DF_BIND_NOW)),
		dyn(elf.DT_NULL, 0),
	})
	return w
}

func TestDecode(t *testing.T) {
	img, err := Decoder{}.Decode("/lib/libdemo-1.so", buildSharedObject(elf.ET_DYN))
	if err != nil {
		t.Fatal(err)
	}
	if img.Name != "libdemo.so" || img.Soname != "libdemo.so" {
		t.Fatalf("name %q soname %q", img.Name, img.Soname)
	}
	if img.Arch != emulator.ARCH_X86_64 || img.Word() != 8 || img.Order() != binary.LittleEndian {
		t.Fatalf("arch %d word %d", img.Arch, img.Word())
	}
	if !slices.Equal(img.Needed, []string{"libdep.so"}) {
		t.Fatalf("needed %v", img.Needed)
	}
	if len(img.Segments) != 1 {
		t.Fatalf("segments %s", spew.Sdump(img.Segments))
	}
	seg := img.Segments[0]
	if seg.Vaddr != 0 || seg.Memsz != 0x1000 || len(seg.Data) != fileSize || seg.Prot != emulator.MEM_PROT_READ|emulator.MEM_PROT_WRITE|emulator.MEM_PROT_EXEC {
		t.Fatalf("segment %+v", seg)
	}
	if begin, end := img.Span(); begin != 0 || end != 0x1000 {
		t.Fatalf("span %#x-%#x", begin, end)
	}
	if img.TLS == nil || img.TLS.Memsz != 0x20 || len(img.TLS.Data) != 0x10 {
		t.Fatalf("tls %s", spew.Sdump(img.TLS))
	}
	if len(img.Symbols) != 3 {
		t.Fatalf("symbols %s", spew.Sdump(img.Symbols))
	}
	sym := img.Lookup("demo_fn")
	if sym == nil || sym.Value != offCode || sym.Type != SymFunc || sym.Bind != BindGlobal {
		t.Fatalf("demo_fn %s", spew.Sdump(sym))
	}
	if img.Lookup("ext_fn") != nil {
		t.Fatal("undefined symbol exported")
	}
	if !IsImportSymbol(img.Symbol(2)) {
		t.Fatal("ext_fn is not an import")
	}
	want := []Relocation{
		{Offset: offGot, Kind: RelRelative, Size: 8, Addend: offCode, Type: uint32(elf.R_X86_64_RELATIVE)},
		{Offset: offGot + 8, Kind: RelGlobDat, Size: 8, Symbol: 2, Type: uint32(elf.R_X86_64_GLOB_DAT)},
		{Offset: offGot + 16, Kind: RelJumpSlot, Size: 8, Symbol: 2, Type: uint32(elf.R_X86_64_JMP_SLOT)},
	}
	if !slices.Equal(img.Relocations, want) {
		t.Fatalf("relocations %s", spew.Sdump(img.Relocations))
	}
	if img.InitArray != (Array{Addr: offInitArr, Count: 1}) {
		t.Fatalf("init array %+v", img.InitArray)
	}
	if !img.BindNow {
		t.Fatal("DF_BIND_NOW not seen")
	}
}

func TestDecodeRejects(t *testing.T) {
	if _, err := (Decoder{}).Decode("exec", buildSharedObject(elf.ET_EXEC)); !errors.Is(err, ErrNotShared) {
		t.Fatalf("executable accepted: %v", err)
	}
	if _, err := (Decoder{}).Decode("junk", []byte("junk")); err == nil {
		t.Fatal("junk accepted")
	}
	data := buildSharedObject(elf.ET_DYN)
	binary.LittleEndian.PutUint16(data[18:], uint16(elf.EM_MIPS))
	if _, err := (Decoder{}).Decode("mips", data); !errors.Is(err, ErrMachineUnsupported) {
		t.Fatalf("mips accepted: %v", err)
	}
}

func TestRelr(t *testing.T) {
	d := &decoder{image: &Image{WordSize: 8}}
	var buf bytes.Buffer
	fn.Panic(binary.Write(&buf, binary.LittleEndian, []uint64{0x1000, 0b1011}))
	d.header.ByteOrder = binary.LittleEndian
	d.handleRelr(&buf)
	var offsets []uint64
	for _, rel := range d.image.Relocations {
		if rel.Kind != RelRelative || !rel.Inline {
			t.Fatalf("relr produced %s", spew.Sdump(rel))
		}
		offsets = append(offsets, rel.Offset)
	}
	if !slices.Equal(offsets, []uint64{0x1000, 0x1008, 0x1018}) {
		t.Fatalf("offsets %#x", offsets)
	}
}

func TestLookupRel(t *testing.T) {
	cases := []struct {
		machine elf.Machine
		typ     uint32
		kind    RelKind
		size    uint64
	}{
		{elf.EM_AARCH64, uint32(elf.R_AARCH64_JUMP_SLOT), RelJumpSlot, 8},
		{elf.EM_ARM, uint32(elf.R_ARM_RELATIVE), RelRelative, 4},
		{elf.EM_386, uint32(elf.R_386_TLS_DTPMOD32), RelTLSModule, 4},
		{elf.EM_X86_64, uint32(elf.R_X86_64_COPY), RelCopy, 8},
		{elf.EM_X86_64, 0x7fff, RelUnknown, 8},
	}
	for _, c := range cases {
		info := lookupRel(c.machine, c.typ, 8)
		if info.kind != c.kind || info.size != c.size {
			t.Errorf("%v/%d: got %s/%d", c.machine, c.typ, info.kind, info.size)
		}
	}
}

func TestGNUHashLookup(t *testing.T) {
	img := &Image{Symbols: []Symbol{
		{},
		{Name: "alpha", Type: SymFunc, Bind: BindGlobal, Section: 1},
		{Name: "beta", Type: SymFunc, Bind: BindGlobal, Section: 1},
	}}
	ha, hb := gnuHash("alpha"), gnuHash("beta")
	img.gnuHash = gnuHashTable{
		symbias: 1,
		buckets: []uint32{1},
		chains:  []uint32{ha &^ 1, hb | 1},
	}
	if sym := img.Lookup("beta"); sym == nil || sym.Name != "beta" {
		t.Fatalf("beta %s", spew.Sdump(sym))
	}
	if sym := img.Lookup("alpha"); sym == nil || sym.Name != "alpha" {
		t.Fatalf("alpha %s", spew.Sdump(sym))
	}
	if img.Lookup("gamma") != nil {
		t.Fatal("gamma found")
	}
}

const (
	progSize     = 56
	progFilesz   = 32
	progMemsz    = 40
	dynEntrySize = 16
	dynSoname    = 1
	dynHash      = 6
)

func TestDecodeOversizedSegment(t *testing.T) {
	cases := []struct {
		name string
		prog int
		mem  bool
	}{
		{"load", 0, true},
		{"tls", 2, false},
	}
	for _, c := range cases {
		data := buildSharedObject(elf.ET_DYN)
		off := offPhdr + c.prog*progSize
		binary.LittleEndian.PutUint64(data[off+progFilesz:], 1<<50)
		if c.mem {
			binary.LittleEndian.PutUint64(data[off+progMemsz:], 1<<50)
		}
		if _, err := (Decoder{}).Decode(c.name, data); !errors.Is(err, ErrSegmentInvalid) {
			t.Errorf("%s: expected ErrSegmentInvalid, got %v", c.name, err)
		}
	}
}

// withGNUHash replaces the DT_HASH table with a DT_GNU_HASH table holding
// the given header words, buckets and chains.
func withGNUHash(words ...uint32) []byte {
	data := buildSharedObject(elf.ET_DYN)
	binary.LittleEndian.PutUint64(data[offDynamic+dynHash*dynEntrySize:], uint64(elf.DT_GNU_HASH))
	clear(data[offHash:offSymtab])
	elfWriter(data).put(offHash, words)
	return data
}

func TestDecodeGNUHash(t *testing.T) {
	data := withGNUHash(1, 1, 0, 0, 1, gnuHash("demo_fn")&^1, gnuHash("ext_fn")|1)
	img, err := Decoder{}.Decode("libdemo.so", data)
	if err != nil {
		t.Fatal(err)
	}
	if len(img.Symbols) != 3 {
		t.Fatalf("symbols %s", spew.Sdump(img.Symbols))
	}
	if sym := img.Lookup("demo_fn"); sym == nil || sym.Value != offCode {
		t.Fatalf("demo_fn %s", spew.Sdump(sym))
	}
	if img.Lookup("ext_fn") != nil {
		t.Fatal("undefined symbol exported")
	}
}

func TestDecodeForgedGNUHash(t *testing.T) {
	data := withGNUHash(1, 1, 0, 0, 0xfffffff0)
	if _, err := (Decoder{}).Decode("forged", data); !errors.Is(err, ErrHashInvalid) {
		t.Fatalf("expected ErrHashInvalid, got %v", err)
	}
}

func TestHashChainCycle(t *testing.T) {
	img := &Image{
		Symbols: []Symbol{{}, {Name: "alpha", Type: SymFunc, Bind: BindGlobal, Section: 1}},
		hash:    elfHashTable{buckets: []uint32{1}, chains: []uint32{0, 1}},
	}
	if img.Lookup("beta") != nil {
		t.Fatal("beta found")
	}
	if sym := img.Lookup("alpha"); sym == nil {
		t.Fatal("alpha not found")
	}
}

func TestDecodeStringOffsetOutOfRange(t *testing.T) {
	data := buildSharedObject(elf.ET_DYN)
	binary.LittleEndian.PutUint64(data[offDynamic+dynSoname*dynEntrySize+8:], 1<<32+1)
	img, err := Decoder{}.Decode("/lib/libdemo-1.so", data)
	if err != nil {
		t.Fatal(err)
	}
	if img.Name != "libdemo-1.so" || img.Soname != "" {
		t.Fatalf("name %q soname %q", img.Name, img.Soname)
	}
}
