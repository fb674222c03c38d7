package ld

import (
	"context"
	"slices"

	"go.uber.org/zap"
)

type alias struct {
	m    *Module
	name string
}

// txn records every registry mutation of one Open so that a failure can put
// the registry back exactly as it was.
type txn struct {
	l        *Linker
	mode     openMode
	added    []*Module
	order    []*Module
	edges    []ModuleID
	aliases  []alias
	promoted []*Module
	inited   []*Module
}

// resolveDeps loads the DT_NEEDED entries of m in file order. Modules that
// are already registered, including ones still loading further up the
// recursion, are used as they are.
func (t *txn) resolveDeps(ctx context.Context, m *Module) error {
	for _, name := range m.image.Needed {
		if name == "" {
			return newError(FormatError, m.name, "empty dependency name")
		}
		dep, err := t.load(ctx, name)
		if err != nil {
			return err
		}
		t.addEdge(m, dep)
	}
	return nil
}

func (t *txn) addEdge(m, dep *Module) {
	m.deps = append(m.deps, dep.id)
	dep.refs++
	t.edges = append(t.edges, dep.id)
}

// addRelDep pins def for as long as m stays loaded when m binds to a module
// outside its own dependency list.
func (l *Linker) addRelDep(t *txn, m, def *Module) {
	if def == m || slices.Contains(m.deps, def.id) || slices.Contains(m.reldeps, def.id) {
		return
	}
	m.reldeps = append(m.reldeps, def.id)
	def.refs++
	if t != nil {
		t.edges = append(t.edges, def.id)
	}
}

func (t *txn) promote(m *Module) {
	if t.mode.scope == ScopeGlobal && m.scope == ScopeLocal {
		m.scope = ScopeGlobal
		t.promoted = append(t.promoted, m)
	}
}

func (t *txn) isAdded(m *Module) bool {
	return slices.Contains(t.added, m)
}

// link relocates, protects and initializes the modules added by the
// transaction, dependencies first.
func (t *txn) link(ctx context.Context) error {
	l := t.l
	diag := &diagnostics{multiple: l.multiple, log: l.log}
	for _, m := range t.order {
		if !l.relocate(ctx, t, m, diag) {
			break
		}
	}
	if err := diag.err(); err != nil {
		return err
	}
	for _, m := range t.order {
		if err := l.protect(m); err != nil {
			return err
		}
		m.state = StateRelocated
	}
	for _, m := range t.order {
		if err := l.initialize(ctx, m); err != nil {
			return err
		}
		t.inited = append(t.inited, m)
	}
	return nil
}

func (t *txn) rollback(ctx context.Context) {
	l := t.l
	for _, m := range slices.Backward(t.inited) {
		m.state = StateFinalizing
		l.finalize(ctx, m)
	}
	for _, id := range t.edges {
		if m := l.reg.Get(id); m != nil && !t.isAdded(m) {
			m.refs--
		}
	}
	for _, m := range t.promoted {
		m.scope = ScopeLocal
	}
	for _, a := range slices.Backward(t.aliases) {
		l.reg.Unalias(a.m, a.name)
	}
	for _, m := range slices.Backward(t.added) {
		l.unmap(m)
		m.state = StateUnloaded
		m.refs = 0
		if err := l.reg.Remove(m); err != nil {
			l.log.Warn("rollback remove failed", zap.String("module", m.name), zap.Error(err))
		}
	}
	l.log.Debug("rollback", zap.Int("modules", len(t.added)), zap.Int("edges", len(t.edges)))
}
