//go:build unix

package memory

import (
	"fmt"
	"math"
	"runtime"
	"sync"
	"unsafe"

	"github.com/wnxd/microdbg/emulator"
	"golang.org/x/sys/unix"
)

type hostSpace struct {
	mu   sync.Mutex
	page uint64
	maps map[uint64][]byte
}

// Host maps modules into the current process with anonymous mmap.
func Host() Space {
	return &hostSpace{
		page: uint64(unix.Getpagesize()),
		maps: make(map[uint64][]byte),
	}
}

func (s *hostSpace) Arch() emulator.Arch {
	switch runtime.GOARCH {
	case "386":
		return emulator.ARCH_X86
	case "amd64":
		return emulator.ARCH_X86_64
	case "arm":
		return emulator.ARCH_ARM
	case "arm64":
		return emulator.ARCH_ARM64
	}
	return emulator.ARCH_UNKNOWN
}

func (s *hostSpace) PageSize() uint64 {
	return s.page
}

func (s *hostSpace) Reserve(size uint64) (emulator.MemRegion, error) {
	size = Align(size, s.page)
	if size == 0 || size > math.MaxInt {
		return emulator.MemRegion{}, fmt.Errorf("%w: reserve %#x", ErrAddressInvalid, size)
	}
	mapped, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return emulator.MemRegion{}, fmt.Errorf("%w: %v", ErrNoSpace, err)
	}
	addr := uint64(uintptr(unsafe.Pointer(&mapped[0])))
	s.mu.Lock()
	s.maps[addr] = mapped
	s.mu.Unlock()
	return emulator.MemRegion{Addr: addr, Size: size, Prot: emulator.MEM_PROT_READ | emulator.MEM_PROT_WRITE}, nil
}

func (s *hostSpace) Protect(addr, size uint64, prot emulator.MemProt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	start := AlignDown(addr, s.page)
	b, err := s.slice(start, Align(addr+size, s.page)-start)
	if err != nil {
		return err
	}
	return unix.Mprotect(b, toUnixProt(prot))
}

func (s *hostSpace) Release(addr, size uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	mapped, ok := s.maps[addr]
	if !ok || uint64(len(mapped)) != Align(size, s.page) {
		return fmt.Errorf("%w: release %#x+%#x", ErrAddressInvalid, addr, size)
	}
	delete(s.maps, addr)
	return unix.Munmap(mapped)
}

func (s *hostSpace) Read(addr, size uint64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := s.slice(addr, size)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), b...), nil
}

func (s *hostSpace) Write(addr uint64, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := s.slice(addr, uint64(len(data)))
	if err != nil {
		return err
	}
	copy(b, data)
	return nil
}

func (s *hostSpace) slice(addr, size uint64) ([]byte, error) {
	for base, mapped := range s.maps {
		end := base + uint64(len(mapped))
		if addr >= base && addr+size <= end {
			return mapped[addr-base : addr-base+size], nil
		}
	}
	return nil, fmt.Errorf("%w: %#x+%#x", ErrAddressInvalid, addr, size)
}

func toUnixProt(prot emulator.MemProt) int {
	var p int
	if prot&emulator.MEM_PROT_READ != 0 {
		p |= unix.PROT_READ
	}
	if prot&emulator.MEM_PROT_WRITE != 0 {
		p |= unix.PROT_WRITE
	}
	if prot&emulator.MEM_PROT_EXEC != 0 {
		p |= unix.PROT_EXEC
	}
	return p
}
