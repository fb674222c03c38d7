package ld

import (
	"cmp"
	"errors"
	"fmt"
	"maps"
	"slices"
)

var (
	ErrAlreadyLoaded = errors.New("module already loaded")
	ErrModuleBusy    = errors.New("module still in use")
)

// Registry maps module names to loaded modules. It is the only owner of
// Module records; dependency edges refer to modules by ModuleID.
type Registry struct {
	modules   map[ModuleID]*Module
	names     map[string]ModuleID
	nextID    ModuleID
	nextOrder uint64
}

func NewRegistry() *Registry {
	return &Registry{
		modules: make(map[ModuleID]*Module),
		names:   make(map[string]ModuleID),
		nextID:  1,
	}
}

func (r *Registry) Find(name string) (*Module, bool) {
	id, ok := r.names[name]
	if !ok {
		return nil, false
	}
	return r.modules[id], true
}

func (r *Registry) Get(id ModuleID) *Module {
	return r.modules[id]
}

func (r *Registry) Len() int {
	return len(r.modules)
}

// Register adds m under its canonical name and any further aliases.
func (r *Registry) Register(m *Module, aliases ...string) error {
	names := append([]string{m.name}, aliases...)
	for _, name := range names {
		if _, ok := r.names[name]; ok {
			return fmt.Errorf("%w: %s", ErrAlreadyLoaded, name)
		}
	}
	m.id = r.nextID
	m.order = r.nextOrder
	r.nextID++
	r.nextOrder++
	r.modules[m.id] = m
	for _, name := range names {
		r.names[name] = m.id
		if name != m.name && !slices.Contains(m.aliases, name) {
			m.aliases = append(m.aliases, name)
		}
	}
	return nil
}

func (r *Registry) Alias(m *Module, name string) error {
	if id, ok := r.names[name]; ok {
		if id == m.id {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrAlreadyLoaded, name)
	}
	r.names[name] = m.id
	m.aliases = append(m.aliases, name)
	return nil
}

func (r *Registry) Unalias(m *Module, name string) {
	if id, ok := r.names[name]; ok && id == m.id && name != m.name {
		delete(r.names, name)
		m.aliases = slices.DeleteFunc(m.aliases, func(a string) bool { return a == name })
	}
}

// Remove deletes a module whose references are gone and whose finalizers
// have completed.
func (r *Registry) Remove(m *Module) error {
	if r.modules[m.id] != m {
		return fmt.Errorf("%w: %s", ErrNotFound, m.name)
	}
	if m.refs != 0 || m.state != StateUnloaded {
		return fmt.Errorf("%w: %s refs=%d state=%s", ErrModuleBusy, m.name, m.refs, m.state)
	}
	delete(r.modules, m.id)
	maps.DeleteFunc(r.names, func(_ string, id ModuleID) bool { return id == m.id })
	return nil
}

// Modules returns the registered modules in load order.
func (r *Registry) Modules() []*Module {
	mods := slices.Collect(maps.Values(r.modules))
	slices.SortFunc(mods, func(a, b *Module) int {
		return cmp.Compare(a.order, b.order)
	})
	return mods
}

type SnapshotEntry struct {
	ID    ModuleID
	Names []string
	Refs  int
	State State
	Scope Scope
	Deps  []ModuleID
}

// Snapshot is a comparable image of the registry contents.
type Snapshot []SnapshotEntry

func (r *Registry) Snapshot() Snapshot {
	var s Snapshot
	for _, m := range r.Modules() {
		var names []string
		for name, id := range r.names {
			if id == m.id {
				names = append(names, name)
			}
		}
		slices.Sort(names)
		s = append(s, SnapshotEntry{
			ID:    m.id,
			Names: names,
			Refs:  m.refs,
			State: m.state,
			Scope: m.scope,
			Deps:  slices.Clone(m.edges()),
		})
	}
	return s
}
