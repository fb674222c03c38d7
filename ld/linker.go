package ld

import (
	"context"
	"slices"
	"sync"

	"github.com/wnxd/rtld/elf"
	"github.com/wnxd/rtld/invoke"
	"github.com/wnxd/rtld/memory"
	"go.uber.org/zap"
)

// Source produces the raw bytes of a module by name.
type Source interface {
	Open(ctx context.Context, name string) ([]byte, error)
}

// Decoder turns raw module bytes into an image.
type Decoder interface {
	Decode(name string, data []byte) (*elf.Image, error)
}

// Linker is a runtime dynamic linker instance. Its methods are safe for
// concurrent use; each call holds the linker lock for its whole duration.
type Linker struct {
	mu       sync.Mutex
	source   Source
	decoder  Decoder
	space    memory.Space
	runner   invoke.Runner
	log      *zap.Logger
	filter   SymbolFilter
	multiple bool
	reg      *Registry
	handles  []*Handle
	nextTLS  uint64
	nextInit uint64
	shutdown bool
}

// Handle references one opened module. It stays valid until closed.
type Handle struct {
	l      *Linker
	id     ModuleID
	name   string
	closed bool
}

func (h *Handle) ID() ModuleID {
	return h.id
}

func (h *Handle) Name() string {
	return h.name
}

func New(src Source, space memory.Space, opts ...Option) *Linker {
	l := &Linker{
		source:  src,
		decoder: elf.Decoder{},
		space:   space,
		log:     zap.NewNop(),
		reg:     NewRegistry(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Open loads name and its dependencies, relocates and initializes them, and
// returns a handle to the module. On failure nothing of the call remains:
// modules this call already initialized run their finalizers in reverse
// order, then every module it added is unmapped and deregistered. Modules
// that failed before initializing never run finalizers.
func (l *Linker) Open(ctx context.Context, name string, mode Mode) (*Handle, error) {
	om, err := mode.parse()
	if err != nil {
		return nil, err
	}
	if name == "" {
		return nil, newError(InvalidArgument, "", "empty module name")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.shutdown {
		return nil, newError(InvalidArgument, name, "linker is shut down")
	}
	t := &txn{l: l, mode: om}
	m, err := t.load(ctx, name)
	if err == nil {
		err = t.link(ctx)
	}
	if err != nil {
		l.log.Debug("open failed", zap.String("module", name), zap.Error(err))
		t.rollback(ctx)
		return nil, err
	}
	m.refs++
	h := &Handle{l: l, id: m.id, name: m.name}
	l.handles = append(l.handles, h)
	l.log.Debug("open", zap.String("module", m.name), zap.Stringer("mode", mode), zap.Int("loaded", len(t.added)), zap.Int("refs", m.refs))
	if len(t.added) != 0 || len(t.promoted) != 0 {
		l.retryPending(ctx)
	}
	return h, nil
}

// Close drops the handle's reference. Modules left without references are
// finalized, unmapped and removed, cascading through their dependencies.
func (l *Linker) Close(ctx context.Context, h *Handle) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, err := l.handleModule(h)
	if err != nil {
		return err
	}
	h.closed = true
	l.handles = slices.DeleteFunc(l.handles, func(v *Handle) bool { return v == h })
	m.refs--
	l.log.Debug("close", zap.String("module", m.name), zap.Int("refs", m.refs))
	l.collect(ctx, m)
	return nil
}

// Lookup resolves name in the local scope of the handle's module.
func (l *Linker) Lookup(h *Handle, name string) (uint64, error) {
	_, addr, err := l.Sym(h, name)
	return addr, err
}

// Sym is Lookup that also returns the matched symbol record.
func (l *Linker) Sym(h *Handle, name string) (elf.Symbol, uint64, error) {
	return l.lookupScope(context.Background(), h, name, ScopeLocal)
}

// LookupScope resolves name from the handle's module using the given scope.
func (l *Linker) LookupScope(h *Handle, name string, scope Scope) (uint64, error) {
	_, addr, err := l.lookupScope(context.Background(), h, name, scope)
	return addr, err
}

func (l *Linker) lookupScope(ctx context.Context, h *Handle, name string, scope Scope) (elf.Symbol, uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, err := l.handleModule(h)
	if err != nil {
		return elf.Symbol{}, 0, err
	}
	if name == "" {
		return elf.Symbol{}, 0, newError(InvalidArgument, m.name, "empty symbol name")
	}
	def, err := l.lookup(m, name, scope)
	if err != nil {
		return elf.Symbol{}, 0, err
	}
	if def.sym.Type == elf.SymTLS {
		return elf.Symbol{}, 0, symbolError(UnsupportedFeature, def.m.name, name, "thread-local symbols have no static address")
	}
	addr, err := l.symbolAddress(ctx, def)
	if err != nil {
		return elf.Symbol{}, 0, err
	}
	return *def.sym, addr, nil
}

// Modules lists the loaded modules in load order.
func (l *Linker) Modules() []ModuleInfo {
	l.mu.Lock()
	defer l.mu.Unlock()
	mods := l.reg.Modules()
	infos := make([]ModuleInfo, 0, len(mods))
	for _, m := range mods {
		infos = append(infos, l.info(m))
	}
	return infos
}

// Addr finds the module whose mapping contains addr.
func (l *Linker) Addr(addr uint64) (ModuleInfo, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, m := range l.reg.Modules() {
		if m.contains(addr) {
			return l.info(m), true
		}
	}
	return ModuleInfo{}, false
}

// Shutdown closes every outstanding handle, newest first, and rejects
// further opens.
func (l *Linker) Shutdown(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.shutdown = true
	for len(l.handles) != 0 {
		h := l.handles[len(l.handles)-1]
		l.handles = l.handles[:len(l.handles)-1]
		h.closed = true
		if m := l.reg.Get(h.id); m != nil && m.state == StateInitialized {
			m.refs--
			l.collect(ctx, m)
		}
	}
	if n := l.reg.Len(); n != 0 {
		l.log.Warn("modules left after shutdown", zap.Int("count", n))
	}
	return nil
}

func (l *Linker) handleModule(h *Handle) (*Module, error) {
	if h == nil || h.l != l {
		return nil, newError(InvalidArgument, "", "handle does not belong to this linker")
	}
	if h.closed {
		return nil, newError(InvalidArgument, h.name, "handle already closed")
	}
	m := l.reg.Get(h.id)
	if m == nil || m.state != StateInitialized {
		return nil, newError(InvalidArgument, h.name, "module no longer loaded")
	}
	return m, nil
}
