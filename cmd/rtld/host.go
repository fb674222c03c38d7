//go:build darwin || freebsd || linux

package main

import (
	"github.com/wnxd/rtld/invoke"
	"github.com/wnxd/rtld/memory"
)

type hostBackend struct {
	space  memory.Space
	runner invoke.Runner
}

func host() (hostBackend, error) {
	return hostBackend{space: memory.Host(), runner: invoke.Host()}, nil
}
