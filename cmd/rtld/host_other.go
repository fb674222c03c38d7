//go:build !(darwin || freebsd || linux)

package main

import (
	"errors"
	"runtime"

	"github.com/wnxd/rtld/invoke"
	"github.com/wnxd/rtld/memory"
)

type hostBackend struct {
	space  memory.Space
	runner invoke.Runner
}

func host() (hostBackend, error) {
	return hostBackend{}, errors.New("host mapping unsupported on " + runtime.GOOS)
}
