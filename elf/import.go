package elf

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"path/filepath"

	"github.com/wnxd/microdbg/emulator"
)

var (
	ErrNotShared           = errors.New("not a shared object")
	ErrMachineUnsupported  = errors.New("machine unsupported")
	ErrNoSegments          = errors.New("no loadable segments")
	ErrSegmentInvalid      = errors.New("segment invalid")
	ErrDynamicSectionEmpty = errors.New("dynamic section missing")
	ErrHashInvalid         = errors.New("hash table invalid")
)

// Decoder adapts the package functions to the linker's decoder contract.
type Decoder struct{}

func (Decoder) Decode(name string, data []byte) (*Image, error) {
	return Import(name, bytes.NewReader(data))
}

func Import(path string, r io.ReaderAt) (*Image, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, err
	}
	return importDynamic(filepath.Base(path), f)
}

func ImportPath(path string) (*Image, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, err
	}
	return importDynamic(filepath.Base(path), f)
}

func ImportFile(file fs.File) (*Image, error) {
	info, err := file.Stat()
	if err != nil {
		return nil, err
	}
	r, ok := file.(io.ReaderAt)
	if !ok {
		var buf bytes.Buffer
		if _, err = buf.ReadFrom(file); err != nil {
			return nil, err
		}
		r = bytes.NewReader(buf.Bytes())
	}
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, err
	}
	return importDynamic(info.Name(), f)
}

func importDynamic(name string, f *elf.File) (*Image, error) {
	defer f.Close()
	if f.Type != elf.ET_DYN {
		return nil, fmt.Errorf("%s: %w: %v", name, ErrNotShared, f.Type)
	}
	arch := machineToArch(f.Machine)
	if arch == emulator.ARCH_UNKNOWN {
		return nil, fmt.Errorf("%s: %w: %v", name, ErrMachineUnsupported, f.Machine)
	}
	img := &Image{
		Name:      name,
		Arch:      arch,
		ByteOrder: f.ByteOrder,
		Entry:     f.Entry,
	}
	switch f.Class {
	case elf.ELFCLASS32:
		img.WordSize = 4
	default:
		img.WordSize = 8
	}
	var dynamic *elf.ProgHeader
	for _, prog := range f.Progs {
		switch prog.Type {
		case elf.PT_LOAD:
			seg, err := loadSegment(prog)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", name, err)
			}
			img.Segments = append(img.Segments, seg)
		case elf.PT_TLS:
			data, err := readProg(prog)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", name, err)
			}
			img.TLS = &TLS{Vaddr: prog.Vaddr, Memsz: prog.Memsz, Align: prog.Align, Data: data}
		case elf.PT_DYNAMIC:
			dynamic = &prog.ProgHeader
		}
	}
	if len(img.Segments) == 0 {
		return nil, fmt.Errorf("%s: %w", name, ErrNoSegments)
	}
	if dynamic == nil {
		return nil, fmt.Errorf("%s: %w", name, ErrDynamicSectionEmpty)
	}
	d := &decoder{
		header: f.FileHeader,
		file:   f,
		image:  img,
	}
	if err := d.decode(dynamic); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return img, nil
}

func loadSegment(prog *elf.Prog) (Segment, error) {
	if prog.Filesz > prog.Memsz {
		return Segment{}, fmt.Errorf("%w: file size %#x exceeds memory size %#x", ErrSegmentInvalid, prog.Filesz, prog.Memsz)
	}
	data, err := readProg(prog)
	if err != nil {
		return Segment{}, err
	}
	return Segment{
		Vaddr: prog.Vaddr,
		Memsz: prog.Memsz,
		Align: prog.Align,
		Prot:  flagsToProt(prog.Flags),
		Data:  data,
	}, nil
}

// readProg reads the file-backed bytes of prog. The header's file size is
// not trusted for the allocation; the read stops at the end of the input.
func readProg(prog *elf.Prog) ([]byte, error) {
	if prog.Filesz > math.MaxInt64 {
		return nil, fmt.Errorf("%w: file size %#x", ErrSegmentInvalid, prog.Filesz)
	}
	data, err := io.ReadAll(io.LimitReader(prog.Open(), int64(prog.Filesz)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSegmentInvalid, err)
	}
	if uint64(len(data)) != prog.Filesz {
		return nil, fmt.Errorf("%w: %#x of %#x bytes at offset %#x", ErrSegmentInvalid, len(data), prog.Filesz, prog.Off)
	}
	return data, nil
}

func flagsToProt(flags elf.ProgFlag) emulator.MemProt {
	prot := emulator.MEM_PROT_NONE
	if flags&elf.PF_R != 0 {
		prot |= emulator.MEM_PROT_READ
	}
	if flags&elf.PF_W != 0 {
		prot |= emulator.MEM_PROT_WRITE
	}
	if flags&elf.PF_X != 0 {
		prot |= emulator.MEM_PROT_EXEC
	}
	return prot
}

func machineToArch(machine elf.Machine) emulator.Arch {
	switch machine {
	case elf.EM_ARM:
		return emulator.ARCH_ARM
	case elf.EM_AARCH64:
		return emulator.ARCH_ARM64
	case elf.EM_386:
		return emulator.ARCH_X86
	case elf.EM_X86_64:
		return emulator.ARCH_X86_64
	default:
		return emulator.ARCH_UNKNOWN
	}
}
