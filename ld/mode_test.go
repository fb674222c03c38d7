package ld

import (
	"errors"
	"testing"
)

func TestModeParse(t *testing.T) {
	cases := []struct {
		mode    Mode
		binding Binding
		scope   Scope
		ok      bool
	}{
		{Lazy | Local, BindingLazy, ScopeLocal, true},
		{Now | Global, BindingNow, ScopeGlobal, true},
		{Global, BindingNow, ScopeGlobal, true},
		{Lazy | Now | Global, 0, 0, false},
		{Local | Global, 0, 0, false},
		{Lazy, 0, 0, false},
		{0, 0, 0, false},
		{Now | Local | 0x80, 0, 0, false},
	}
	for _, c := range cases {
		om, err := c.mode.parse()
		if c.ok {
			if err != nil || om.binding != c.binding || om.scope != c.scope {
				t.Errorf("%s: got %+v, %v", c.mode, om, err)
			}
			continue
		}
		if !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("%s: expected InvalidArgument, got %v", c.mode, err)
		}
	}
}

func TestModeString(t *testing.T) {
	if s := (Lazy | Global).String(); s != "Lazy|Global" {
		t.Fatal(s)
	}
	if s := Mode(0).String(); s != "0" {
		t.Fatal(s)
	}
	if s := (Now | 0x100).String(); s != "Now|0x100" {
		t.Fatal(s)
	}
}

func TestErrorFormat(t *testing.T) {
	err := symbolError(UndefinedSymbol, "liba.so", "foo", "referenced at %#x", 0x1000)
	if got := err.Error(); got != "[UndefinedSymbol] module: liba.so symbol: foo referenced at 0x1000" {
		t.Fatal(got)
	}
	if !errors.Is(err, ErrUndefinedSymbol) || errors.Is(err, ErrNotFound) {
		t.Fatal("kind matching")
	}
	cause := errors.New("cause")
	wrapped := wrapError(NotFound, "libb.so", cause, "cannot open")
	if !errors.Is(wrapped, cause) || !errors.Is(wrapped, ErrNotFound) {
		t.Fatal("wrapped cause lost")
	}
}
