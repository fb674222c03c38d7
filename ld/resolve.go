package ld

import (
	"context"

	"github.com/wnxd/rtld/elf"
	"go.uber.org/zap"
)

type definition struct {
	m   *Module
	sym *elf.Symbol
}

// globalScope lists the Global modules in load order.
func (l *Linker) globalScope() []*Module {
	var scope []*Module
	for _, m := range l.reg.Modules() {
		if m.scope == ScopeGlobal && m.live() {
			scope = append(scope, m)
		}
	}
	return scope
}

// localScope is m itself, then its direct dependencies in order. Global
// dependencies also bring in their own dependencies, breadth first.
func (l *Linker) localScope(m *Module) []*Module {
	scope := []*Module{m}
	seen := map[ModuleID]bool{m.id: true}
	queue := []*Module{m}
	for len(queue) != 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur != m && cur.scope != ScopeGlobal {
			continue
		}
		for _, id := range cur.deps {
			if seen[id] {
				continue
			}
			seen[id] = true
			if dep := l.reg.Get(id); dep != nil && dep.live() {
				scope = append(scope, dep)
				queue = append(queue, dep)
			}
		}
	}
	return scope
}

func (l *Linker) visible(m *Module, name string) *elf.Symbol {
	sym := m.exports.lookup(name)
	if sym == nil {
		return nil
	}
	if l.filter != nil && !l.filter(m.name, name) {
		return nil
	}
	return sym
}

func (l *Linker) search(scope []*Module, name string) (definition, bool) {
	for _, m := range scope {
		if sym := l.visible(m, name); sym != nil {
			return definition{m, sym}, true
		}
	}
	return definition{}, false
}

// lookup resolves name on behalf of req in one scope. The first match wins.
func (l *Linker) lookup(req *Module, name string, scope Scope) (definition, error) {
	var mods []*Module
	if scope == ScopeGlobal {
		mods = l.globalScope()
	} else {
		mods = l.localScope(req)
	}
	if def, ok := l.search(mods, name); ok {
		return def, nil
	}
	return definition{}, symbolError(UndefinedSymbol, req.name, name, "not found in %s scope", scope)
}

// lookupDefault is the search order used for relocations: the global scope,
// then the requesting module's local scope.
func (l *Linker) lookupDefault(req *Module, name string) (definition, bool) {
	if def, ok := l.search(l.globalScope(), name); ok {
		return def, true
	}
	return l.search(l.localScope(req), name)
}

// symbolAddress returns the run-time address of a definition, running the
// resolver of IFUNC symbols once per module and symbol.
func (l *Linker) symbolAddress(ctx context.Context, def definition) (uint64, error) {
	addr := def.m.address(def.sym)
	if def.sym.Type != elf.SymIFunc {
		return addr, nil
	}
	if value, ok := def.m.ifunc[def.sym.Value]; ok {
		return value, nil
	}
	if l.runner == nil {
		return 0, symbolError(UnsupportedFeature, def.m.name, def.sym.Name, "IFUNC resolver needs a runner")
	}
	value, err := l.runner.Call(ctx, addr)
	if err != nil {
		return 0, &Error{Kind: ExecutionFailure, Module: def.m.name, Symbol: def.sym.Name, Msg: "IFUNC resolver failed", Err: err}
	}
	if def.m.ifunc == nil {
		def.m.ifunc = make(map[uint64]uint64)
	}
	def.m.ifunc[def.sym.Value] = value
	l.log.Debug("ifunc", zap.String("module", def.m.name), zap.String("symbol", def.sym.Name), zap.Uint64("addr", value))
	return value, nil
}
