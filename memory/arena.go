package memory

import (
	"cmp"
	"fmt"
	"maps"
	"math"
	"slices"
	"sync"

	"github.com/wnxd/microdbg/emulator"
)

type arenaBlock struct {
	data []byte
	prot []emulator.MemProt
}

// Arena is a Space backed by the Go heap. Protections are recorded per page
// but not enforced on Read and Write.
type Arena struct {
	mu    sync.Mutex
	arch  emulator.Arch
	page  uint64
	next  uint64
	limit uint64
	used  uint64
	maps  map[uint64]*arenaBlock
}

// DefaultArenaLimit caps the bytes an Arena reserves unless WithLimit says
// otherwise.
const DefaultArenaLimit = 1 << 30

type ArenaOption func(*Arena)

func WithArch(arch emulator.Arch) ArenaOption {
	return func(a *Arena) {
		a.arch = arch
	}
}

func WithPageSize(size uint64) ArenaOption {
	return func(a *Arena) {
		a.page = size
	}
}

// WithLimit caps the total reserved bytes, zero restores DefaultArenaLimit.
func WithLimit(limit uint64) ArenaOption {
	return func(a *Arena) {
		a.limit = cmp.Or(limit, DefaultArenaLimit)
	}
}

func NewArena(opts ...ArenaOption) *Arena {
	a := &Arena{
		arch:  emulator.ARCH_UNKNOWN,
		page:  0x1000,
		next:  0x400000,
		limit: DefaultArenaLimit,
		maps:  make(map[uint64]*arenaBlock),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Arena) Arch() emulator.Arch {
	return a.arch
}

func (a *Arena) PageSize() uint64 {
	return a.page
}

func (a *Arena) Reserve(size uint64) (emulator.MemRegion, error) {
	if size == 0 {
		return emulator.MemRegion{}, fmt.Errorf("%w: empty reservation", ErrAddressInvalid)
	}
	if size > a.limit || size > math.MaxUint64-a.page {
		return emulator.MemRegion{}, fmt.Errorf("%w: %#x bytes requested, limit %#x", ErrNoSpace, size, a.limit)
	}
	size = Align(size, a.page)
	a.mu.Lock()
	defer a.mu.Unlock()
	if size > a.limit-a.used {
		return emulator.MemRegion{}, fmt.Errorf("%w: %#x bytes requested, %#x in use", ErrNoSpace, size, a.used)
	}
	if a.next > math.MaxUint64-size-a.page {
		return emulator.MemRegion{}, fmt.Errorf("%w: address range exhausted at %#x", ErrNoSpace, a.next)
	}
	addr := a.next
	// leave an unmapped guard page between reservations
	a.next += size + a.page
	a.used += size
	prot := make([]emulator.MemProt, size/a.page)
	for i := range prot {
		prot[i] = emulator.MEM_PROT_READ | emulator.MEM_PROT_WRITE
	}
	a.maps[addr] = &arenaBlock{data: make([]byte, size), prot: prot}
	return emulator.MemRegion{Addr: addr, Size: size, Prot: emulator.MEM_PROT_READ | emulator.MEM_PROT_WRITE}, nil
}

func (a *Arena) Protect(addr, size uint64, prot emulator.MemProt) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	base, b, err := a.find(addr, size)
	if err != nil {
		return err
	}
	first := AlignDown(addr-base, a.page) / a.page
	last := Align(addr-base+size, a.page) / a.page
	for i := first; i < last; i++ {
		b.prot[i] = prot
	}
	return nil
}

func (a *Arena) Release(addr, size uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.maps[addr]
	if !ok || uint64(len(b.data)) != Align(size, a.page) {
		return fmt.Errorf("%w: release %#x+%#x", ErrAddressInvalid, addr, size)
	}
	delete(a.maps, addr)
	a.used -= uint64(len(b.data))
	return nil
}

func (a *Arena) Read(addr, size uint64) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	base, b, err := a.find(addr, size)
	if err != nil {
		return nil, err
	}
	return slices.Clone(b.data[addr-base : addr-base+size]), nil
}

func (a *Arena) Write(addr uint64, data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	base, b, err := a.find(addr, uint64(len(data)))
	if err != nil {
		return err
	}
	copy(b.data[addr-base:], data)
	return nil
}

// Prot reports the protection of the page holding addr.
func (a *Arena) Prot(addr uint64) (emulator.MemProt, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	base, b, err := a.find(addr, 1)
	if err != nil {
		return emulator.MEM_PROT_NONE, false
	}
	return b.prot[(addr-base)/a.page], true
}

// Regions lists the live reservations in address order.
func (a *Arena) Regions() []emulator.MemRegion {
	a.mu.Lock()
	defer a.mu.Unlock()
	regions := make([]emulator.MemRegion, 0, len(a.maps))
	for _, addr := range slices.Sorted(maps.Keys(a.maps)) {
		regions = append(regions, emulator.MemRegion{Addr: addr, Size: uint64(len(a.maps[addr].data))})
	}
	return regions
}

// Used returns the number of reserved bytes.
func (a *Arena) Used() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.used
}

func (a *Arena) find(addr, size uint64) (uint64, *arenaBlock, error) {
	for base, b := range a.maps {
		end := base + uint64(len(b.data))
		start, stop, ok := calcOverlap(base, end, addr, addr+max(size, 1))
		if ok && start == addr && stop == addr+max(size, 1) {
			return base, b, nil
		}
	}
	return 0, nil, fmt.Errorf("%w: %#x+%#x", ErrAddressInvalid, addr, size)
}
