package elf

import (
	"debug/elf"
	"fmt"
)

type RelKind uint8

const (
	RelNone RelKind = iota
	RelRelative
	RelAbsolute
	RelGlobDat
	RelJumpSlot
	RelIRelative
	RelTLSModule
	RelTLSOffset
	RelTLSStatic
	RelTLSDesc
	RelCopy
	RelUnknown
)

// Relocation is one decoded REL, RELA or RELR record. Inline is set when the
// addend is stored in the patched word instead of the record.
type Relocation struct {
	Offset uint64
	Kind   RelKind
	Size   uint64
	Symbol uint32
	Addend int64
	Inline bool
	Type   uint32
}

type relInfo struct {
	kind RelKind
	size uint64
}

var relInfoMap = map[elf.Machine]map[uint32]relInfo{
	elf.EM_ARM: {
		uint32(elf.R_ARM_NONE):         {RelNone, 0},
		uint32(elf.R_ARM_ABS32):        {RelAbsolute, 4},
		uint32(elf.R_ARM_RELATIVE):     {RelRelative, 4},
		uint32(elf.R_ARM_GLOB_DAT):     {RelGlobDat, 4},
		uint32(elf.R_ARM_JUMP_SLOT):    {RelJumpSlot, 4},
		uint32(elf.R_ARM_IRELATIVE):    {RelIRelative, 4},
		uint32(elf.R_ARM_TLS_DTPMOD32): {RelTLSModule, 4},
		uint32(elf.R_ARM_TLS_DTPOFF32): {RelTLSOffset, 4},
		uint32(elf.R_ARM_TLS_TPOFF32):  {RelTLSStatic, 4},
		uint32(elf.R_ARM_COPY):         {RelCopy, 4},
	},
	elf.EM_AARCH64: {
		uint32(elf.R_AARCH64_NONE):         {RelNone, 0},
		uint32(elf.R_AARCH64_NULL):         {RelNone, 0},
		uint32(elf.R_AARCH64_ABS64):        {RelAbsolute, 8},
		uint32(elf.R_AARCH64_ABS32):        {RelAbsolute, 4},
		uint32(elf.R_AARCH64_RELATIVE):     {RelRelative, 8},
		uint32(elf.R_AARCH64_GLOB_DAT):     {RelGlobDat, 8},
		uint32(elf.R_AARCH64_JUMP_SLOT):    {RelJumpSlot, 8},
		uint32(elf.R_AARCH64_IRELATIVE):    {RelIRelative, 8},
		uint32(elf.R_AARCH64_TLS_DTPMOD64): {RelTLSModule, 8},
		uint32(elf.R_AARCH64_TLS_DTPREL64): {RelTLSOffset, 8},
		uint32(elf.R_AARCH64_TLS_TPREL64):  {RelTLSStatic, 8},
		uint32(elf.R_AARCH64_TLSDESC):      {RelTLSDesc, 16},
		uint32(elf.R_AARCH64_COPY):         {RelCopy, 8},
	},
	elf.EM_386: {
		uint32(elf.R_386_NONE):         {RelNone, 0},
		uint32(elf.R_386_32):           {RelAbsolute, 4},
		uint32(elf.R_386_RELATIVE):     {RelRelative, 4},
		uint32(elf.R_386_GLOB_DAT):     {RelGlobDat, 4},
		uint32(elf.R_386_JMP_SLOT):     {RelJumpSlot, 4},
		uint32(elf.R_386_IRELATIVE):    {RelIRelative, 4},
		uint32(elf.R_386_TLS_DTPMOD32): {RelTLSModule, 4},
		uint32(elf.R_386_TLS_DTPOFF32): {RelTLSOffset, 4},
		uint32(elf.R_386_TLS_TPOFF):    {RelTLSStatic, 4},
		uint32(elf.R_386_COPY):         {RelCopy, 4},
	},
	elf.EM_X86_64: {
		uint32(elf.R_X86_64_NONE):      {RelNone, 0},
		uint32(elf.R_X86_64_64):        {RelAbsolute, 8},
		uint32(elf.R_X86_64_32):        {RelAbsolute, 4},
		uint32(elf.R_X86_64_RELATIVE):  {RelRelative, 8},
		uint32(elf.R_X86_64_GLOB_DAT):  {RelGlobDat, 8},
		uint32(elf.R_X86_64_JMP_SLOT):  {RelJumpSlot, 8},
		uint32(elf.R_X86_64_IRELATIVE): {RelIRelative, 8},
		uint32(elf.R_X86_64_DTPMOD64):  {RelTLSModule, 8},
		uint32(elf.R_X86_64_DTPOFF64):  {RelTLSOffset, 8},
		uint32(elf.R_X86_64_TPOFF64):   {RelTLSStatic, 8},
		uint32(elf.R_X86_64_TLSDESC):   {RelTLSDesc, 16},
		uint32(elf.R_X86_64_COPY):      {RelCopy, 8},
	},
}

func lookupRel(machine elf.Machine, typ uint32, word uint64) relInfo {
	if info, ok := relInfoMap[machine][typ]; ok {
		return info
	}
	return relInfo{RelUnknown, word}
}

func (k RelKind) TLS() bool {
	switch k {
	case RelTLSModule, RelTLSOffset, RelTLSStatic, RelTLSDesc:
		return true
	}
	return false
}

func (k RelKind) String() string {
	switch k {
	case RelNone:
		return "NONE"
	case RelRelative:
		return "RELATIVE"
	case RelAbsolute:
		return "ABSOLUTE"
	case RelGlobDat:
		return "GLOB_DAT"
	case RelJumpSlot:
		return "JUMP_SLOT"
	case RelIRelative:
		return "IRELATIVE"
	case RelTLSModule:
		return "TLS_DTPMOD"
	case RelTLSOffset:
		return "TLS_DTPOFF"
	case RelTLSStatic:
		return "TLS_TPOFF"
	case RelTLSDesc:
		return "TLSDESC"
	case RelCopy:
		return "COPY"
	}
	return fmt.Sprintf("RelKind(%d)", uint8(k))
}
