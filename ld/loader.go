package ld

import (
	"context"
	"fmt"
	"math"

	"github.com/wnxd/microdbg/emulator"
	"github.com/wnxd/rtld/memory"
	"go.uber.org/zap"
)

// load returns the module registered under name, or reads, decodes and
// registers it together with its dependencies.
func (t *txn) load(ctx context.Context, name string) (*Module, error) {
	l := t.l
	if m, ok := l.reg.Find(name); ok {
		t.promote(m)
		return m, nil
	}
	data, err := l.source.Open(ctx, name)
	if err != nil {
		return nil, wrapError(NotFound, name, err, "cannot open")
	}
	img, err := l.decoder.Decode(name, data)
	if err != nil {
		return nil, wrapError(FormatError, name, err, "cannot decode")
	}
	if len(img.Segments) == 0 {
		return nil, newError(FormatError, name, "no loadable segments")
	}
	if arch := l.space.Arch(); arch != emulator.ARCH_UNKNOWN && img.Arch != emulator.ARCH_UNKNOWN && arch != img.Arch {
		return nil, wrapError(FormatError, name, emulator.ErrArchMismatch, "image arch %d, address space arch %d", img.Arch, arch)
	}
	soname := img.Soname
	if soname == "" {
		soname = name
	} else if m, ok := l.reg.Find(soname); ok {
		if err = l.reg.Alias(m, name); err != nil {
			return nil, wrapError(InvalidArgument, name, err, "cannot alias %s", soname)
		}
		t.aliases = append(t.aliases, alias{m, name})
		t.promote(m)
		return m, nil
	}
	m := &Module{
		name:    soname,
		image:   img,
		state:   StateLoading,
		scope:   t.mode.scope,
		lazy:    t.mode.binding == BindingLazy && !img.BindNow,
		exports: newSymtab(img),
	}
	var aliases []string
	if name != soname {
		aliases = append(aliases, name)
	}
	if err = l.reg.Register(m, aliases...); err != nil {
		return nil, wrapError(InvalidArgument, name, err, "cannot register")
	}
	t.added = append(t.added, m)
	if err = t.resolveDeps(ctx, m); err != nil {
		return nil, err
	}
	if err = l.mapImage(m); err != nil {
		return nil, err
	}
	t.order = append(t.order, m)
	return m, nil
}

// mapImage reserves the span of the image's loadable segments and copies
// their file contents in. Segments stay writable until protect.
func (l *Linker) mapImage(m *Module) error {
	img := m.image
	page := l.space.PageSize()
	for _, seg := range img.Segments {
		if seg.Vaddr+seg.Memsz < seg.Vaddr || seg.Vaddr+seg.Memsz > math.MaxUint64-page {
			return newError(FormatError, m.name, "segment %#x+%#x overflows the address space", seg.Vaddr, seg.Memsz)
		}
	}
	begin, end := img.Span()
	begin = memory.AlignDown(begin, page)
	end = memory.Align(end, page)
	if end <= begin {
		return newError(FormatError, m.name, "empty load span")
	}
	region, err := l.space.Reserve(end - begin)
	if err != nil {
		return wrapError(AllocationFailure, m.name, err, "cannot reserve %#x bytes", end-begin)
	}
	m.region = region
	m.bias = region.Addr - begin
	for _, seg := range img.Segments {
		if len(seg.Data) != 0 {
			if err = l.space.Write(m.bias+seg.Vaddr, seg.Data); err != nil {
				return wrapError(AllocationFailure, m.name, err, "cannot copy segment %#x", seg.Vaddr)
			}
		}
		start := memory.AlignDown(m.bias+seg.Vaddr, page)
		m.segments = append(m.segments, emulator.MemRegion{
			Addr: start,
			Size: memory.Align(m.bias+seg.Vaddr+seg.Memsz, page) - start,
			Prot: seg.Prot,
		})
	}
	if img.TLS != nil {
		l.nextTLS++
		m.tlsID = l.nextTLS
	}
	m.state = StateMapped
	l.log.Debug("map", zap.String("module", m.name), zap.Uint64("base", region.Addr), zap.Uint64("size", region.Size), zap.Uint64("bias", m.bias), zap.Uint64("tls", m.tlsID))
	return nil
}

func (l *Linker) protect(m *Module) error {
	for _, seg := range m.segments {
		if err := l.space.Protect(seg.Addr, seg.Size, seg.Prot); err != nil {
			return wrapError(AllocationFailure, m.name, err, "cannot protect %#x", seg.Addr)
		}
	}
	return nil
}

func (l *Linker) unmap(m *Module) {
	if m.region.Size == 0 {
		return
	}
	if err := l.space.Release(m.region.Addr, m.region.Size); err != nil {
		l.log.Warn("unmap failed", zap.String("module", m.name), zap.Uint64("base", m.region.Addr), zap.Error(err))
	}
	m.region = emulator.MemRegion{}
	m.segments = nil
}

func (m *Module) String() string {
	return fmt.Sprintf("%s@%#x", m.name, m.bias)
}
