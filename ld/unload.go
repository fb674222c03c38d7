package ld

import (
	"cmp"
	"context"
	"slices"

	"go.uber.org/zap"
)

// collect unloads the strongly connected group holding m once every
// reference to the group comes from inside it.
func (l *Linker) collect(ctx context.Context, m *Module) {
	if m.state != StateInitialized {
		return
	}
	group := l.component(m)
	var refs, internal int
	for _, g := range group {
		refs += g.refs
		for _, id := range g.edges() {
			if slices.ContainsFunc(group, func(v *Module) bool { return v.id == id }) {
				internal++
			}
		}
	}
	if refs != internal {
		return
	}
	l.unload(ctx, group)
}

// unload finalizes a group in reverse init order, releases its references
// on other modules, then unmaps and removes it.
func (l *Linker) unload(ctx context.Context, group []*Module) {
	slices.SortFunc(group, func(a, b *Module) int {
		return cmp.Compare(b.initSeq, a.initSeq)
	})
	for _, m := range group {
		m.state = StateFinalizing
	}
	for _, m := range group {
		l.log.Debug("finalize", zap.String("module", m.name), zap.Int("group", len(group)))
		l.finalize(ctx, m)
	}
	var targets []*Module
	for _, m := range group {
		for _, id := range m.edges() {
			dep := l.reg.Get(id)
			if dep == nil || dep.state != StateInitialized {
				continue
			}
			dep.refs--
			if !slices.Contains(targets, dep) {
				targets = append(targets, dep)
			}
		}
	}
	for _, dep := range targets {
		l.collect(ctx, dep)
	}
	for _, m := range group {
		l.unmap(m)
		m.state = StateUnloaded
		m.refs = 0
		if err := l.reg.Remove(m); err != nil {
			l.log.Warn("remove failed", zap.String("module", m.name), zap.Error(err))
		}
		l.log.Debug("unload", zap.String("module", m.name))
	}
}

// component returns the strongly connected component of the dependency
// graph containing m, using Tarjan's algorithm over live modules.
func (l *Linker) component(m *Module) []*Module {
	var (
		index   = map[ModuleID]int{}
		low     = map[ModuleID]int{}
		onStack = map[ModuleID]bool{}
		stack   []*Module
		result  []*Module
		next    int
	)
	var visit func(v *Module)
	visit = func(v *Module) {
		index[v.id] = next
		low[v.id] = next
		next++
		stack = append(stack, v)
		onStack[v.id] = true
		for _, id := range v.edges() {
			w := l.reg.Get(id)
			if w == nil || w.state != StateInitialized {
				continue
			}
			if _, ok := index[id]; !ok {
				visit(w)
				low[v.id] = min(low[v.id], low[id])
			} else if onStack[id] {
				low[v.id] = min(low[v.id], index[id])
			}
		}
		if low[v.id] != index[v.id] {
			return
		}
		var scc []*Module
		for {
			w := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			onStack[w.id] = false
			scc = append(scc, w)
			if w == v {
				break
			}
		}
		if v == m {
			result = scc
		}
	}
	visit(m)
	return result
}
