package ld

import (
	"bytes"
	"context"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"testing"

	"github.com/wnxd/microdbg/emulator"
	rtelf "github.com/wnxd/rtld/elf"
	"github.com/wnxd/rtld/invoke"
	"github.com/wnxd/rtld/memory"
	"github.com/wnxd/rtld/source"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

const (
	textProt = emulator.MEM_PROT_READ | emulator.MEM_PROT_EXEC
	dataProt = emulator.MEM_PROT_READ | emulator.MEM_PROT_WRITE

	dataBase  = 0x1000
	initArray = 0x400
	finiArray = 0x600
)

// builder assembles a two segment image: text at 0 holding code labels, data
// at 0x1000 holding relocation slots and the init/fini arrays.
type builder struct {
	img  *rtelf.Image
	text []byte
	data []byte
	slot uint64
	init []uint64
	fini []uint64
}

func lib(name string, needed ...string) *builder {
	return &builder{
		img: &rtelf.Image{
			Name:      name,
			Soname:    name,
			ByteOrder: binary.LittleEndian,
			WordSize:  8,
			Needed:    needed,
			Symbols:   []rtelf.Symbol{{}},
		},
		text: make([]byte, 0x10),
		data: make([]byte, 0x800),
	}
}

// code places a label in the text segment and returns its offset. The
// fixture runner reports calls by label.
func (b *builder) code(label string) uint64 {
	off := uint64(len(b.text))
	b.text = append(b.text, label...)
	b.text = append(b.text, 0)
	for len(b.text)%8 != 0 {
		b.text = append(b.text, 0)
	}
	return off
}

func (b *builder) symbol(sym rtelf.Symbol) uint32 {
	b.img.Symbols = append(b.img.Symbols, sym)
	return uint32(len(b.img.Symbols) - 1)
}

func (b *builder) export(name string) *builder {
	b.symbol(rtelf.Symbol{Name: name, Value: b.code(name), Type: rtelf.SymFunc, Bind: rtelf.BindGlobal, Section: 1})
	return b
}

func (b *builder) exportAbs(name string, value uint64) *builder {
	b.symbol(rtelf.Symbol{Name: name, Value: value, Type: rtelf.SymObject, Bind: rtelf.BindGlobal, Section: elf.SHN_ABS})
	return b
}

func (b *builder) exportTLS(name string, value uint64) *builder {
	b.symbol(rtelf.Symbol{Name: name, Value: value, Type: rtelf.SymTLS, Bind: rtelf.BindGlobal, Section: 1})
	return b
}

func (b *builder) exportIFunc(name string) *builder {
	b.symbol(rtelf.Symbol{Name: name, Value: b.code(name), Type: rtelf.SymIFunc, Bind: rtelf.BindGlobal, Section: 1})
	return b
}

func (b *builder) tls() *builder {
	b.img.TLS = &rtelf.TLS{Vaddr: dataBase + 0x700, Memsz: 0x20, Align: 8}
	return b
}

func (b *builder) undef(name string) uint32 {
	return b.symbol(rtelf.Symbol{Name: name, Type: rtelf.SymNoType, Bind: rtelf.BindGlobal})
}

func (b *builder) weak(name string) uint32 {
	return b.symbol(rtelf.Symbol{Name: name, Type: rtelf.SymNoType, Bind: rtelf.BindWeak})
}

// rel adds a relocation against a fresh data slot and returns the slot's
// link-time address.
func (b *builder) rel(kind rtelf.RelKind, sym uint32, addend int64) uint64 {
	off := dataBase + b.slot
	b.slot += 8
	b.img.Relocations = append(b.img.Relocations, rtelf.Relocation{Offset: off, Kind: kind, Size: 8, Symbol: sym, Addend: addend})
	return off
}

func (b *builder) got(name string) uint64 {
	return b.rel(rtelf.RelGlobDat, b.undef(name), 0)
}

func (b *builder) onInit(label string) *builder {
	b.init = append(b.init, b.code(label))
	return b
}

func (b *builder) onFini(label string) *builder {
	b.fini = append(b.fini, b.code(label))
	return b
}

func (b *builder) dtInit(label string) *builder {
	b.img.Init = b.code(label)
	return b
}

func (b *builder) dtFini(label string) *builder {
	b.img.Fini = b.code(label)
	return b
}

func (b *builder) array(base uint64, entries []uint64) rtelf.Array {
	for i, entry := range entries {
		off := base + uint64(i)*8
		b.img.Relocations = append(b.img.Relocations, rtelf.Relocation{Offset: dataBase + off, Kind: rtelf.RelRelative, Size: 8, Addend: int64(entry)})
	}
	return rtelf.Array{Addr: dataBase + base, Count: uint64(len(entries))}
}

func (b *builder) image() *rtelf.Image {
	img := b.img
	img.InitArray = b.array(initArray, b.init)
	img.FiniArray = b.array(finiArray, b.fini)
	img.Segments = []rtelf.Segment{
		{Vaddr: 0, Memsz: dataBase, Align: 0x1000, Prot: textProt, Data: b.text},
		{Vaddr: dataBase, Memsz: 0x1000, Align: 0x1000, Prot: dataProt, Data: b.data},
	}
	return img
}

// images decodes the bytes served by the fixture source, which are image
// names.
type images map[string]*rtelf.Image

func (d images) Decode(name string, data []byte) (*rtelf.Image, error) {
	img, ok := d[string(data)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", rtelf.ErrNotShared, name)
	}
	return img, nil
}

type fixture struct {
	t       *testing.T
	src     source.Map
	images  images
	arena   *memory.Arena
	linker  *Linker
	events  []string
	fail    map[string]error
	returns map[string]uint64
	opened  int
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	return newFixtureArena(t, memory.NewArena(), opts...)
}

func newFixtureArena(t *testing.T, arena *memory.Arena, opts ...Option) *fixture {
	f := &fixture{
		t:       t,
		src:     source.Map{},
		images:  images{},
		arena:   arena,
		fail:    map[string]error{},
		returns: map[string]uint64{},
	}
	counting := sourceFunc(func(ctx context.Context, name string) ([]byte, error) {
		f.opened++
		return f.src.Open(ctx, name)
	})
	opts = append([]Option{
		WithDecoder(f.images),
		WithRunner(invoke.Func(f.call)),
		WithLogger(zaptest.NewLogger(t, zaptest.Level(zap.DebugLevel))),
	}, opts...)
	f.linker = New(counting, arena, opts...)
	return f
}

type sourceFunc func(ctx context.Context, name string) ([]byte, error)

func (s sourceFunc) Open(ctx context.Context, name string) ([]byte, error) {
	return s(ctx, name)
}

func (f *fixture) add(files ...*builder) {
	for _, b := range files {
		img := b.image()
		f.images[img.Name] = img
		f.src[img.Name] = []byte(img.Name)
	}
}

// addFile serves b under a file name different from its soname.
func (f *fixture) addFile(file string, b *builder) {
	img := b.image()
	f.images[file] = img
	f.src[file] = []byte(file)
}

func (f *fixture) call(_ context.Context, addr uint64, _ ...uint64) (uint64, error) {
	label := f.label(addr)
	f.events = append(f.events, label)
	if err := f.fail[label]; err != nil {
		return 0, err
	}
	return f.returns[label], nil
}

func (f *fixture) label(addr uint64) string {
	data, err := f.arena.Read(addr, 32)
	if err != nil {
		return fmt.Sprintf("%#x", addr)
	}
	if i := bytes.IndexByte(data, 0); i >= 0 {
		data = data[:i]
	}
	return string(data)
}

func (f *fixture) open(name string, mode Mode) *Handle {
	f.t.Helper()
	h, err := f.linker.Open(context.Background(), name, mode)
	if err != nil {
		f.t.Fatalf("open %s: %v", name, err)
	}
	return h
}

func (f *fixture) close(h *Handle) {
	f.t.Helper()
	if err := f.linker.Close(context.Background(), h); err != nil {
		f.t.Fatalf("close %s: %v", h.Name(), err)
	}
}

func (f *fixture) module(name string) *Module {
	m, ok := f.linker.reg.Find(name)
	if !ok {
		f.t.Fatalf("%s not loaded", name)
	}
	return m
}

func (f *fixture) word(m *Module, vaddr uint64) uint64 {
	f.t.Helper()
	data, err := f.arena.Read(m.bias+vaddr, 8)
	if err != nil {
		f.t.Fatalf("read %s+%#x: %v", m.name, vaddr, err)
	}
	return binary.LittleEndian.Uint64(data)
}

func (f *fixture) snapshot() Snapshot {
	return f.linker.reg.Snapshot()
}

func (f *fixture) resetEvents() {
	f.events = nil
}

func expectKind(t *testing.T, err error, kind Kind) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s, got nil", kind)
	}
	if !errors.Is(err, kind.sentinel()) {
		t.Fatalf("expected %s, got %v", kind, err)
	}
}
