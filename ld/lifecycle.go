package ld

import (
	"context"
	"slices"

	"go.uber.org/zap"
)

// initializers returns DT_INIT followed by the DT_INIT_ARRAY entries as they
// read after relocation.
func (l *Linker) initializers(m *Module) ([]uint64, *Error) {
	img := m.image
	var addrs []uint64
	if img.Init != 0 {
		addrs = append(addrs, m.bias+img.Init)
	}
	arr, err := l.readArray(m, img.InitArray.Addr, img.InitArray.Count)
	if err != nil {
		return nil, err
	}
	return append(addrs, arr...), nil
}

// finalizers returns the DT_FINI_ARRAY entries in reverse followed by
// DT_FINI.
func (l *Linker) finalizers(m *Module) ([]uint64, *Error) {
	img := m.image
	addrs, err := l.readArray(m, img.FiniArray.Addr, img.FiniArray.Count)
	if err != nil {
		return nil, err
	}
	slices.Reverse(addrs)
	if img.Fini != 0 {
		addrs = append(addrs, m.bias+img.Fini)
	}
	return addrs, nil
}

func (l *Linker) readArray(m *Module, vaddr, count uint64) ([]uint64, *Error) {
	if count == 0 {
		return nil, nil
	}
	word := m.image.Word()
	data, err := l.space.Read(m.bias+vaddr, count*word)
	if err != nil {
		return nil, wrapError(FormatError, m.name, err, "cannot read function array at %#x", vaddr)
	}
	invalid := ^uint64(0)
	if word == 4 {
		invalid = uint64(^uint32(0))
	}
	var addrs []uint64
	for i := uint64(0); i < count; i++ {
		v := decodeWord(m.image.Order(), data[i*word:(i+1)*word])
		if v == 0 || v == invalid {
			continue
		}
		addrs = append(addrs, v)
	}
	return addrs, nil
}

func (l *Linker) initialize(ctx context.Context, m *Module) error {
	addrs, err := l.initializers(m)
	if err != nil {
		return err
	}
	if l.runner == nil && len(addrs) != 0 {
		l.log.Debug("no runner, initializers skipped", zap.String("module", m.name), zap.Int("count", len(addrs)))
		addrs = nil
	}
	for _, addr := range addrs {
		l.log.Debug("init", zap.String("module", m.name), zap.Uint64("addr", addr))
		if _, err := l.runner.Call(ctx, addr); err != nil {
			return &Error{Kind: ExecutionFailure, Module: m.name, Msg: "initializer failed", Err: err}
		}
	}
	l.nextInit++
	m.initSeq = l.nextInit
	m.state = StateInitialized
	return nil
}

// finalize runs the finalizers of m. Failures are logged and do not stop
// the remaining finalizers.
func (l *Linker) finalize(ctx context.Context, m *Module) {
	addrs, err := l.finalizers(m)
	if err != nil {
		l.log.Warn("finalizers unreadable", zap.String("module", m.name), zap.Error(err))
		return
	}
	if l.runner == nil {
		return
	}
	for _, addr := range addrs {
		l.log.Debug("fini", zap.String("module", m.name), zap.Uint64("addr", addr))
		if _, err := l.runner.Call(ctx, addr); err != nil {
			l.log.Warn("finalizer failed", zap.String("module", m.name), zap.Uint64("addr", addr), zap.Error(err))
		}
	}
}
