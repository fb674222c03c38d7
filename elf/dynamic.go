package elf

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"io"
	"math"
)

const (
	DT_RELR elf.DynTag = 0x6fffe000 + iota
	DT_RELRSZ
)

type decoder struct {
	header  elf.FileHeader
	file    *elf.File
	image   *Image
	dynamic map[elf.DynTag][]uint64
	strtab  []byte
}

func (d *decoder) decode(ds *elf.ProgHeader) error {
	d.dynamic = make(map[elf.DynTag][]uint64)
	sr := d.sectionReader(ds.Vaddr, ds.Memsz)
	switch d.header.Class {
	case elf.ELFCLASS32:
		d.parseDyn32(sr)
	case elf.ELFCLASS64:
		d.parseDyn64(sr)
	}
	if len(d.dynamic) == 0 {
		return ErrDynamicSectionEmpty
	}
	d.parseStrtab()
	d.parseName()
	d.parseNeeded()
	d.parseHash()
	if err := d.parseSymbols(); err != nil {
		return err
	}
	d.relocation()
	d.parseInit()
	d.parseFlags()
	return nil
}

// sectionReader reads link-time addresses out of the file-backed part of the
// loadable segments.
func (d *decoder) sectionReader(offset uint64, size uint64) *io.SectionReader {
	for _, seg := range d.image.Segments {
		end := seg.Vaddr + uint64(len(seg.Data))
		if offset < seg.Vaddr || offset >= end {
			continue
		}
		size = min(size, end-offset)
		return io.NewSectionReader(bytes.NewReader(seg.Data), int64(offset-seg.Vaddr), int64(size))
	}
	return io.NewSectionReader(bytes.NewReader(nil), 0, 0)
}

func (d *decoder) parseStrtab() {
	sz := d.dynamic[elf.DT_STRSZ]
	for i, v := range d.dynamic[elf.DT_STRTAB] {
		size := uint64(math.MaxUint32)
		if i < len(sz) {
			size = sz[i]
		}
		data, _ := io.ReadAll(d.sectionReader(v, size))
		d.strtab = data
		break
	}
}

func (d *decoder) getString(start uint64) string {
	if start >= uint64(len(d.strtab)) {
		return ""
	}
	data := d.strtab[start:]
	if i := bytes.IndexByte(data, 0); i != -1 {
		data = data[:i]
	}
	return string(data)
}

func (d *decoder) parseName() {
	for _, v := range d.dynamic[elf.DT_SONAME] {
		if name := d.getString(v); name != "" {
			d.image.Name = name
			d.image.Soname = name
		}
		break
	}
}

func (d *decoder) parseNeeded() {
	for _, v := range d.dynamic[elf.DT_NEEDED] {
		d.image.Needed = append(d.image.Needed, d.getString(v))
	}
}

func (d *decoder) parseHash() {
	order := d.header.ByteOrder
	for _, v := range d.dynamic[elf.DT_HASH] {
		sr := d.sectionReader(v, math.MaxUint64)
		var nbucket, nchain uint32
		binary.Read(sr, order, &nbucket)
		binary.Read(sr, order, &nchain)
		if (uint64(nbucket)+uint64(nchain))*4 > uint64(sr.Size()) {
			break
		}
		t := &d.image.hash
		t.buckets = make([]uint32, nbucket)
		t.chains = make([]uint32, nchain)
		if binary.Read(sr, order, t.buckets) != nil || binary.Read(sr, order, t.chains) != nil {
			*t = elfHashTable{}
		}
		break
	}
	for _, v := range d.dynamic[elf.DT_GNU_HASH] {
		sr := d.sectionReader(v, math.MaxUint64)
		t := &d.image.gnuHash
		var nbucket, nbitmask uint32
		binary.Read(sr, order, &nbucket)
		binary.Read(sr, order, &t.symbias)
		binary.Read(sr, order, &nbitmask)
		binary.Read(sr, order, &t.shift)
		if (uint64(nbucket)*4)+(uint64(nbitmask)*d.image.WordSize) > uint64(sr.Size()) {
			*t = gnuHashTable{}
			break
		}
		t.indexes = make([]uint64, nbitmask)
		t.buckets = make([]uint32, nbucket)
		switch d.header.Class {
		case elf.ELFCLASS32:
			t.bits = 32
			for i := 0; i < int(nbitmask); i++ {
				var index uint32
				binary.Read(sr, order, &index)
				t.indexes[i] = uint64(index)
			}
		case elf.ELFCLASS64:
			t.bits = 64
			binary.Read(sr, order, t.indexes)
		}
		if binary.Read(sr, order, t.buckets) != nil {
			*t = gnuHashTable{}
			break
		}
		t.sr = sr
		t.order = order
		break
	}
}

// symbolCount also drains the GNU hash chains so the image stays read-only
// after decoding.
func (d *decoder) symbolCount() (uint32, error) {
	n, err := d.image.gnuHash.count()
	d.image.gnuHash.sr = nil
	if err != nil {
		return 0, err
	}
	if len(d.image.hash.chains) != 0 {
		return uint32(len(d.image.hash.chains)), nil
	}
	return n, nil
}

func (d *decoder) parseSymbols() error {
	count, err := d.symbolCount()
	if err != nil {
		return err
	}
	if count == 0 {
		syms, err := d.file.DynamicSymbols()
		if err != nil {
			if errors.Is(err, elf.ErrNoSymbols) {
				return nil
			}
			return err
		}
		d.image.Symbols = make([]Symbol, 1, len(syms)+1)
		for _, sym := range syms {
			d.image.Symbols = append(d.image.Symbols, convertSymbol(sym))
		}
		return nil
	}
	ent := d.dynamic[elf.DT_SYMENT]
	for i, v := range d.dynamic[elf.DT_SYMTAB] {
		n := uint64(elf.Sym64Size)
		if d.header.Class == elf.ELFCLASS32 {
			n = elf.Sym32Size
		}
		if i < len(ent) && ent[i] != 0 {
			n = ent[i]
		}
		sr := d.sectionReader(v, uint64(count)*n)
		switch d.header.Class {
		case elf.ELFCLASS32:
			d.parseSym32(sr, n)
		case elf.ELFCLASS64:
			d.parseSym64(sr, n)
		}
		break
	}
	return nil
}

func (d *decoder) parseDyn32(r io.Reader) {
	for {
		var dyn elf.Dyn32
		err := binary.Read(r, d.header.ByteOrder, &dyn)
		if err != nil {
			break
		}
		tag := elf.DynTag(dyn.Tag)
		if tag == elf.DT_NULL {
			break
		}
		d.dynamic[tag] = append(d.dynamic[tag], uint64(dyn.Val))
	}
}

func (d *decoder) parseDyn64(r io.Reader) {
	for {
		var dyn elf.Dyn64
		err := binary.Read(r, d.header.ByteOrder, &dyn)
		if err != nil {
			break
		}
		tag := elf.DynTag(dyn.Tag)
		if tag == elf.DT_NULL {
			break
		}
		d.dynamic[tag] = append(d.dynamic[tag], dyn.Val)
	}
}

func (d *decoder) parseSym32(r io.Reader, entsize uint64) {
	pad := make([]byte, max(entsize, elf.Sym32Size)-elf.Sym32Size)
	for {
		var sym elf.Sym32
		err := binary.Read(r, d.header.ByteOrder, &sym)
		if err != nil {
			break
		}
		io.ReadFull(r, pad)
		d.image.Symbols = append(d.image.Symbols, Symbol{
			Name:       d.getString(uint64(sym.Name)),
			Value:      uint64(sym.Value),
			Size:       uint64(sym.Size),
			Type:       convertType(elf.ST_TYPE(sym.Info)),
			Bind:       convertBind(elf.ST_BIND(sym.Info)),
			Visibility: elf.ST_VISIBILITY(sym.Other),
			Section:    elf.SectionIndex(sym.Shndx),
		})
	}
}

func (d *decoder) parseSym64(r io.Reader, entsize uint64) {
	pad := make([]byte, max(entsize, elf.Sym64Size)-elf.Sym64Size)
	for {
		var sym elf.Sym64
		err := binary.Read(r, d.header.ByteOrder, &sym)
		if err != nil {
			break
		}
		io.ReadFull(r, pad)
		d.image.Symbols = append(d.image.Symbols, Symbol{
			Name:       d.getString(uint64(sym.Name)),
			Value:      sym.Value,
			Size:       sym.Size,
			Type:       convertType(elf.ST_TYPE(sym.Info)),
			Bind:       convertBind(elf.ST_BIND(sym.Info)),
			Visibility: elf.ST_VISIBILITY(sym.Other),
			Section:    elf.SectionIndex(sym.Shndx),
		})
	}
}

func convertSymbol(sym elf.Symbol) Symbol {
	return Symbol{
		Name:       sym.Name,
		Value:      sym.Value,
		Size:       sym.Size,
		Type:       convertType(elf.ST_TYPE(sym.Info)),
		Bind:       convertBind(elf.ST_BIND(sym.Info)),
		Visibility: elf.ST_VISIBILITY(sym.Other),
		Section:    sym.Section,
	}
}

func convertType(typ elf.SymType) SymType {
	switch typ {
	case elf.STT_OBJECT:
		return SymObject
	case elf.STT_FUNC:
		return SymFunc
	case elf.STT_SECTION:
		return SymSection
	case elf.STT_FILE:
		return SymFile
	case elf.STT_COMMON:
		return SymCommon
	case elf.STT_TLS:
		return SymTLS
	case elf.STT_GNU_IFUNC:
		return SymIFunc
	}
	return SymNoType
}

func convertBind(bind elf.SymBind) SymBind {
	switch bind {
	case elf.STB_GLOBAL:
		return BindGlobal
	case elf.STB_WEAK:
		return BindWeak
	}
	return BindLocal
}

func (d *decoder) relocation() {
	sz := d.dynamic[elf.DT_RELSZ]
	for i, v := range d.dynamic[elf.DT_REL] {
		sr := d.sectionReader(v, at(sz, i))
		switch d.header.Class {
		case elf.ELFCLASS32:
			d.handleRel32(sr)
		case elf.ELFCLASS64:
			d.handleRel64(sr)
		}
	}
	sz = d.dynamic[elf.DT_RELASZ]
	for i, v := range d.dynamic[elf.DT_RELA] {
		sr := d.sectionReader(v, at(sz, i))
		switch d.header.Class {
		case elf.ELFCLASS32:
			d.handleRela32(sr)
		case elf.ELFCLASS64:
			d.handleRela64(sr)
		}
	}
	sz = d.dynamic[DT_RELRSZ]
	for i, v := range d.dynamic[DT_RELR] {
		sr := d.sectionReader(v, at(sz, i))
		d.handleRelr(sr)
	}
	plt := d.dynamic[elf.DT_PLTREL]
	sz = d.dynamic[elf.DT_PLTRELSZ]
	for i, v := range d.dynamic[elf.DT_JMPREL] {
		sr := d.sectionReader(v, at(sz, i))
		switch elf.DynTag(at(plt, i)) {
		case elf.DT_REL:
			switch d.header.Class {
			case elf.ELFCLASS32:
				d.handleRel32(sr)
			case elf.ELFCLASS64:
				d.handleRel64(sr)
			}
		case elf.DT_RELA:
			switch d.header.Class {
			case elf.ELFCLASS32:
				d.handleRela32(sr)
			case elf.ELFCLASS64:
				d.handleRela64(sr)
			}
		}
	}
}

func (d *decoder) addRel(typ uint32, off uint64, sym uint32, addend int64, inline bool) {
	info := lookupRel(d.header.Machine, typ, d.image.WordSize)
	if info.kind == RelNone {
		return
	}
	d.image.Relocations = append(d.image.Relocations, Relocation{
		Offset: off,
		Kind:   info.kind,
		Size:   info.size,
		Symbol: sym,
		Addend: addend,
		Inline: inline,
		Type:   typ,
	})
}

func (d *decoder) handleRel32(r io.Reader) {
	for {
		var rel elf.Rel32
		if binary.Read(r, d.header.ByteOrder, &rel) != nil {
			break
		}
		d.addRel(elf.R_TYPE32(rel.Info), uint64(rel.Off), elf.R_SYM32(rel.Info), 0, true)
	}
}

func (d *decoder) handleRel64(r io.Reader) {
	for {
		var rel elf.Rel64
		if binary.Read(r, d.header.ByteOrder, &rel) != nil {
			break
		}
		d.addRel(elf.R_TYPE64(rel.Info), rel.Off, elf.R_SYM64(rel.Info), 0, true)
	}
}

func (d *decoder) handleRela32(r io.Reader) {
	for {
		var rela elf.Rela32
		if binary.Read(r, d.header.ByteOrder, &rela) != nil {
			break
		}
		d.addRel(elf.R_TYPE32(rela.Info), uint64(rela.Off), elf.R_SYM32(rela.Info), int64(rela.Addend), false)
	}
}

func (d *decoder) handleRela64(r io.Reader) {
	for {
		var rela elf.Rela64
		if binary.Read(r, d.header.ByteOrder, &rela) != nil {
			break
		}
		d.addRel(elf.R_TYPE64(rela.Info), rela.Off, elf.R_SYM64(rela.Info), rela.Addend, false)
	}
}

// handleRelr expands the packed DT_RELR bitmap into relative relocations.
func (d *decoder) handleRelr(r io.Reader) {
	wordsize := d.image.WordSize
	var entries []uint64
	if wordsize == 4 {
		entries = d.parseArray32(r)
	} else {
		entries = d.parseArray64(r)
	}
	relative := func(off uint64) {
		d.image.Relocations = append(d.image.Relocations, Relocation{
			Offset: off,
			Kind:   RelRelative,
			Size:   wordsize,
			Inline: true,
		})
	}
	var base uint64
	for _, entry := range entries {
		if entry&1 == 0 {
			relative(entry)
			base = entry + wordsize
			continue
		}
		offset := base
		for entry != 0 {
			entry >>= 1
			if entry&1 != 0 {
				relative(offset)
			}
			offset += wordsize
		}
		base += (8*wordsize - 1) * wordsize
	}
}

func (d *decoder) parseInit() {
	word := d.image.WordSize
	if v := d.dynamic[elf.DT_INIT]; len(v) != 0 {
		d.image.Init = v[0]
	}
	if v := d.dynamic[elf.DT_FINI]; len(v) != 0 {
		d.image.Fini = v[0]
	}
	if v := d.dynamic[elf.DT_INIT_ARRAY]; len(v) != 0 {
		d.image.InitArray = Array{Addr: v[0], Count: at(d.dynamic[elf.DT_INIT_ARRAYSZ], 0) / word}
	}
	if v := d.dynamic[elf.DT_FINI_ARRAY]; len(v) != 0 {
		d.image.FiniArray = Array{Addr: v[0], Count: at(d.dynamic[elf.DT_FINI_ARRAYSZ], 0) / word}
	}
}

func (d *decoder) parseFlags() {
	if _, ok := d.dynamic[elf.DT_BIND_NOW]; ok {
		d.image.BindNow = true
	}
	for _, v := range d.dynamic[elf.DT_FLAGS] {
		if elf.DynFlag(v)&elf.DF_BIND_NOW != 0 {
			d.image.BindNow = true
		}
		if elf.DynFlag(v)&elf.DF_STATIC_TLS != 0 {
			d.image.StaticTLS = true
		}
	}
	for _, v := range d.dynamic[elf.DT_FLAGS_1] {
		if elf.DynFlag1(v)&elf.DF_1_NOW != 0 {
			d.image.BindNow = true
		}
	}
}

func (d *decoder) parseArray32(r io.Reader) (arr []uint64) {
	for {
		var value uint32
		err := binary.Read(r, d.header.ByteOrder, &value)
		if err != nil {
			break
		}
		arr = append(arr, uint64(value))
	}
	return
}

func (d *decoder) parseArray64(r io.Reader) (arr []uint64) {
	for {
		var value uint64
		err := binary.Read(r, d.header.ByteOrder, &value)
		if err != nil {
			break
		}
		arr = append(arr, value)
	}
	return
}

func at(values []uint64, i int) uint64 {
	if i < len(values) {
		return values[i]
	}
	return 0
}
