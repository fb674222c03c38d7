package elf

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

type elfHashTable struct {
	buckets []uint32
	chains  []uint32
}

type gnuHashTable struct {
	symbias uint32
	shift   uint32
	bits    uint32
	indexes []uint64
	buckets []uint32
	sr      io.Reader
	order   binary.ByteOrder
	chains  []uint32
}

func elfHash(name string) uint32 {
	var h uint32
	for _, v := range []byte(name) {
		h = (h << 4) + uint32(v)
		g := h & 0xf0000000
		if g != 0 {
			h ^= g >> 24
			h &= ^g
		}
	}
	return h
}

func gnuHash(name string) uint32 {
	var h uint32 = 5381
	for _, v := range []byte(name) {
		h += (h << 5) + uint32(v)
	}
	return h & 0xffffffff
}

// chain returns the chain word at index, reading entries from the table on
// demand. ok is false past the end of the table, so a forged bucket can only
// pull in as many words as the input holds.
func (t *gnuHashTable) chain(index uint32) (uint32, bool) {
	for uint64(len(t.chains)) <= uint64(index) {
		if t.sr == nil {
			return 0, false
		}
		var v uint32
		if err := binary.Read(t.sr, t.order, &v); err != nil {
			t.sr = nil
			return 0, false
		}
		t.chains = append(t.chains, v)
	}
	return t.chains[index], true
}

// count returns the number of dynamic symbols implied by the GNU hash table.
func (t *gnuHashTable) count() (uint32, error) {
	if len(t.buckets) == 0 {
		return 0, nil
	}
	var last uint32
	for _, b := range t.buckets {
		last = max(last, b)
	}
	if last < t.symbias {
		return t.symbias, nil
	}
	for {
		c, ok := t.chain(last - t.symbias)
		if !ok {
			return 0, fmt.Errorf("%w: GNU hash chain of symbol %d runs past the table", ErrHashInvalid, last)
		}
		if c&1 != 0 {
			break
		}
		if last == math.MaxUint32-1 {
			return 0, fmt.Errorf("%w: GNU hash chain does not terminate", ErrHashInvalid)
		}
		last++
	}
	return last + 1, nil
}

func (img *Image) findHashSymbol(name string) (*Symbol, bool) {
	if len(img.hash.buckets) == 0 {
		return nil, false
	}
	h := elfHash(name)
	index := img.hash.buckets[h%uint32(len(img.hash.buckets))]
	for steps := 0; index != 0 && steps <= len(img.hash.chains); steps++ {
		sym := img.Symbol(index)
		if sym == nil {
			break
		}
		if sym.Name == name && sym.Exported() {
			return sym, true
		}
		if int(index) >= len(img.hash.chains) {
			break
		}
		index = img.hash.chains[index]
	}
	return nil, true
}

func (img *Image) findGNUHashSymbol(name string) (*Symbol, bool) {
	t := &img.gnuHash
	if len(t.buckets) == 0 {
		return nil, false
	}
	h := gnuHash(name)
	if len(t.indexes) != 0 && t.bits != 0 {
		index := t.indexes[(h/t.bits)%uint32(len(t.indexes))]
		mask := (uint64(1) << (h % t.bits)) | (uint64(1) << ((h >> t.shift) % t.bits))
		if (index & mask) != mask {
			return nil, true
		}
	}
	idx := t.buckets[h%uint32(len(t.buckets))]
	if idx < t.symbias {
		return nil, true
	}
	for ; ; idx++ {
		sym := img.Symbol(idx)
		if sym == nil {
			break
		}
		chain, ok := t.chain(idx - t.symbias)
		if !ok {
			break
		}
		if chain|1 == h|1 && sym.Name == name && sym.Exported() {
			return sym, true
		}
		if chain&1 != 0 {
			break
		}
	}
	return nil, true
}
