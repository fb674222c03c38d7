package memory

import (
	"sync/atomic"

	"github.com/wnxd/microdbg/emulator"
)

type emulatorSpace struct {
	emu  emulator.Emulator
	next uint64
}

// Emulator maps modules into a microdbg emulator, handing out regions
// upward from base.
func Emulator(emu emulator.Emulator, base uint64) Space {
	return &emulatorSpace{emu: emu, next: Align(base, emu.PageSize())}
}

func (s *emulatorSpace) Arch() emulator.Arch {
	return s.emu.Arch()
}

func (s *emulatorSpace) PageSize() uint64 {
	return s.emu.PageSize()
}

func (s *emulatorSpace) Reserve(size uint64) (emulator.MemRegion, error) {
	size = Align(size, s.emu.PageSize())
	addr := atomic.AddUint64(&s.next, size) - size
	prot := emulator.MEM_PROT_READ | emulator.MEM_PROT_WRITE
	if err := s.emu.MemMap(addr, size, prot); err != nil {
		return emulator.MemRegion{}, err
	}
	return emulator.MemRegion{Addr: addr, Size: size, Prot: prot}, nil
}

func (s *emulatorSpace) Protect(addr, size uint64, prot emulator.MemProt) error {
	return s.emu.MemProtect(addr, Align(size, s.emu.PageSize()), prot)
}

func (s *emulatorSpace) Release(addr, size uint64) error {
	return s.emu.MemUnmap(addr, Align(size, s.emu.PageSize()))
}

func (s *emulatorSpace) Read(addr, size uint64) ([]byte, error) {
	return s.emu.MemRead(addr, size)
}

func (s *emulatorSpace) Write(addr uint64, data []byte) error {
	return s.emu.MemWrite(addr, data)
}
