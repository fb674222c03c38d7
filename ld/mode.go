package ld

import (
	"fmt"
	"strings"
)

// Mode is the open flag set passed to Linker.Open.
type Mode uint32

const (
	Lazy Mode = 1 << iota
	Now
	Local
	Global
)

const modeMask = Lazy | Now | Local | Global

type Binding uint8

const (
	BindingNow Binding = iota
	BindingLazy
)

type Scope uint8

const (
	ScopeLocal Scope = iota
	ScopeGlobal
)

type openMode struct {
	binding Binding
	scope   Scope
}

func (m Mode) parse() (openMode, error) {
	var om openMode
	if extra := m &^ modeMask; extra != 0 {
		return om, newError(InvalidArgument, "", "unrecognized mode bits %#x", uint32(extra))
	}
	switch m & (Lazy | Now) {
	case Lazy | Now:
		return om, newError(InvalidArgument, "", "mode %s sets both Lazy and Now", m)
	case Lazy:
		om.binding = BindingLazy
	}
	switch m & (Local | Global) {
	case Local:
		om.scope = ScopeLocal
	case Global:
		om.scope = ScopeGlobal
	default:
		return om, newError(InvalidArgument, "", "mode %s must set exactly one of Local and Global", m)
	}
	return om, nil
}

func (m Mode) String() string {
	var parts []string
	for _, f := range []struct {
		bit  Mode
		name string
	}{{Lazy, "Lazy"}, {Now, "Now"}, {Local, "Local"}, {Global, "Global"}} {
		if m&f.bit != 0 {
			parts = append(parts, f.name)
		}
	}
	if extra := m &^ modeMask; extra != 0 {
		parts = append(parts, fmt.Sprintf("%#x", uint32(extra)))
	}
	if len(parts) == 0 {
		return "0"
	}
	return strings.Join(parts, "|")
}

func (s Scope) String() string {
	if s == ScopeGlobal {
		return "Global"
	}
	return "Local"
}
