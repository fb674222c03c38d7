package ld

import (
	"context"
	"encoding/binary"

	"github.com/wnxd/rtld/elf"
	"go.uber.org/zap"
)

// relocate applies the relocations of m, reporting failures to diag. It
// returns false once diag asks to stop.
func (l *Linker) relocate(ctx context.Context, t *txn, m *Module, diag *diagnostics) bool {
	img := m.image
	for _, rel := range img.Relocations {
		if err := l.applyRel(ctx, t, m, rel); err != nil {
			if !diag.report(err) {
				return false
			}
		}
	}
	l.log.Debug("relocate", zap.String("module", m.name), zap.Int("relocations", len(img.Relocations)), zap.Int("pending", len(m.pending)))
	return true
}

func (l *Linker) applyRel(ctx context.Context, t *txn, m *Module, rel elf.Relocation) *Error {
	switch rel.Kind {
	case elf.RelNone:
		return nil
	case elf.RelCopy, elf.RelTLSStatic, elf.RelTLSDesc, elf.RelUnknown:
		return newError(RelocationError, m.name, "unsupported relocation %s (type %d) at %#x", rel.Kind, rel.Type, rel.Offset)
	}
	if rel.Size != 4 && rel.Size != 8 {
		return newError(RelocationError, m.name, "unsupported relocation width %d at %#x", rel.Size, rel.Offset)
	}
	addr := m.bias + rel.Offset
	addend := rel.Addend
	if rel.Inline && rel.Kind != elf.RelGlobDat && rel.Kind != elf.RelJumpSlot {
		v, err := l.readWord(m, addr, rel.Size)
		if err != nil {
			return err
		}
		addend = int64(v)
		if rel.Size == 4 {
			addend = int64(int32(v))
		}
	}
	var value uint64
	switch rel.Kind {
	case elf.RelRelative:
		value = m.bias + uint64(addend)
	case elf.RelIRelative:
		if l.runner == nil {
			return newError(UnsupportedFeature, m.name, "IRELATIVE at %#x needs a runner", rel.Offset)
		}
		v, err := l.runner.Call(ctx, m.bias+uint64(addend))
		if err != nil {
			return &Error{Kind: ExecutionFailure, Module: m.name, Msg: "IRELATIVE resolver failed", Err: err}
		}
		value = v
	default:
		v, ok, err := l.symbolic(ctx, t, m, rel, addend)
		if err != nil || !ok {
			return err
		}
		value = v
	}
	return l.writeWord(m, addr, rel.Size, value)
}

// symbolic computes the value of a symbol based relocation. ok is false when
// a lazy jump slot was deferred.
func (l *Linker) symbolic(ctx context.Context, t *txn, m *Module, rel elf.Relocation, addend int64) (uint64, bool, *Error) {
	var def definition
	if rel.Symbol == 0 {
		def = definition{m: m}
	} else {
		sym := m.image.Symbol(rel.Symbol)
		if sym == nil {
			return 0, false, newError(FormatError, m.name, "symbol index %d out of range at %#x", rel.Symbol, rel.Offset)
		}
		if sym.Defined() {
			def = definition{m, sym}
		} else if d, ok := l.lookupDefault(m, sym.Name); ok {
			def = d
		} else if sym.Bind == elf.BindWeak {
			return uint64(addend), true, nil
		} else if rel.Kind == elf.RelJumpSlot && m.lazy {
			m.pending = append(m.pending, rel)
			return 0, false, nil
		} else {
			return 0, false, symbolError(UndefinedSymbol, m.name, sym.Name, "referenced at %#x", rel.Offset)
		}
		if def.m != m {
			l.addRelDep(t, m, def.m)
		}
	}
	if def.sym != nil {
		isTLS := def.sym.Type == elf.SymTLS
		if rel.Kind.TLS() != isTLS {
			return 0, false, symbolError(RelocationError, m.name, def.sym.Name, "%s relocation against %s symbol", rel.Kind, tlsWord(isTLS))
		}
	}
	switch rel.Kind {
	case elf.RelTLSModule:
		if def.m.tlsID == 0 {
			return 0, false, newError(RelocationError, m.name, "%s against %s which has no TLS segment", rel.Kind, def.m.name)
		}
		return def.m.tlsID, true, nil
	case elf.RelTLSOffset:
		if def.sym == nil {
			return uint64(addend), true, nil
		}
		return def.sym.Value + uint64(addend), true, nil
	}
	if def.sym == nil {
		return uint64(addend), true, nil
	}
	s, err := l.symbolAddress(ctx, def)
	if err != nil {
		if e, ok := err.(*Error); ok {
			return 0, false, e
		}
		return 0, false, wrapError(RelocationError, m.name, err, "resolve %s", def.sym.Name)
	}
	return s + uint64(addend), true, nil
}

// retryPending binds deferred jump slots that have become resolvable.
func (l *Linker) retryPending(ctx context.Context) {
	for _, m := range l.reg.Modules() {
		if len(m.pending) == 0 || m.state != StateInitialized {
			continue
		}
		var left []elf.Relocation
		for _, rel := range m.pending {
			sym := m.image.Symbol(rel.Symbol)
			def, ok := l.lookupDefault(m, sym.Name)
			if !ok {
				left = append(left, rel)
				continue
			}
			addr, err := l.symbolAddress(ctx, def)
			if err == nil {
				if rel.Inline {
					err = l.writeValue(m, rel, addr)
				} else {
					err = l.writeValue(m, rel, addr+uint64(rel.Addend))
				}
			}
			if err != nil {
				l.log.Warn("bind pending slot failed", zap.String("module", m.name), zap.String("symbol", sym.Name), zap.Error(err))
				left = append(left, rel)
				continue
			}
			if def.m != m {
				l.addRelDep(nil, m, def.m)
			}
			l.log.Debug("bind pending slot", zap.String("module", m.name), zap.String("symbol", sym.Name), zap.String("definer", def.m.name))
		}
		m.pending = left
	}
}

func (l *Linker) writeValue(m *Module, rel elf.Relocation, value uint64) error {
	if err := l.writeWord(m, m.bias+rel.Offset, rel.Size, value); err != nil {
		return err
	}
	return nil
}

func (l *Linker) readWord(m *Module, addr, size uint64) (uint64, *Error) {
	data, err := l.space.Read(addr, size)
	if err != nil {
		return 0, wrapError(RelocationError, m.name, err, "cannot read %#x", addr)
	}
	return decodeWord(m.image.Order(), data), nil
}

func (l *Linker) writeWord(m *Module, addr, size, value uint64) *Error {
	buf := make([]byte, size)
	switch size {
	case 4:
		m.image.Order().PutUint32(buf, uint32(value))
	default:
		m.image.Order().PutUint64(buf, value)
	}
	if err := l.space.Write(addr, buf); err != nil {
		return wrapError(RelocationError, m.name, err, "cannot write %#x", addr)
	}
	return nil
}

func decodeWord(order binary.ByteOrder, data []byte) uint64 {
	switch len(data) {
	case 4:
		return uint64(order.Uint32(data))
	case 8:
		return order.Uint64(data)
	}
	return 0
}

func tlsWord(tls bool) string {
	if tls {
		return "thread-local"
	}
	return "non thread-local"
}
