// Package elf decodes and validates the ELF32 executables the
// loader maps. Only the fields the kernel consumes are interpreted;
// everything else is carried opaquely.
package elf

import (
	"bytes"
	"encoding/binary"

	"github.com/lunixbochs/struc"

	"mem"
)

// / Sizes of the structures as they appear in the file.
const (
	EHDR_SZ = 52
	PHDR_SZ = 32
)

// / Header field values the kernel accepts.
const (
	ET_EXEC = 2
	EM_386  = 3
)

// / Segment types.
const (
	PT_NULL    = 0
	PT_LOAD    = 1
	PT_DYNAMIC = 2
	PT_INTERP  = 3
	PT_NOTE    = 4
	PT_SHLIB   = 5
	PT_PHDR    = 6
	PT_STACK   = 0x6474e551
)

// / Segment permission flags.
const (
	PF_X = 1
	PF_W = 2
	PF_R = 4
)

var elfmag = []uint8{0x7f, 'E', 'L', 'F'}

// / Ehdr_t is the ELF32 executable header.
type Ehdr_t struct {
	Ident     [16]uint8
	Type      uint16
	Machine   uint16
	Version   uint32
	Entry     uint32
	Phoff     uint32
	Shoff     uint32
	Flags     uint32
	Ehsize    uint16
	Phentsize uint16
	Phnum     uint16
	Shentsize uint16
	Shnum     uint16
	Shstrndx  uint16
}

// / Phdr_t is an ELF32 program header.
type Phdr_t struct {
	Type   uint32
	Off    uint32
	Vaddr  uint32
	Paddr  uint32
	Filesz uint32
	Memsz  uint32
	Flags  uint32
	Align  uint32
}

var opts = &struc.Options{Order: binary.LittleEndian}

// / Match reports whether buf begins with the ELF magic.
func Match(buf []uint8) bool {
	return len(buf) >= 4 && bytes.Equal(buf[:4], elfmag)
}

// / Ehdr_parse decodes an executable header from buf.
func Ehdr_parse(buf []uint8) (*Ehdr_t, bool) {
	if len(buf) < EHDR_SZ {
		return nil, false
	}
	e := &Ehdr_t{}
	if err := struc.UnpackWithOptions(bytes.NewReader(buf[:EHDR_SZ]), e, opts); err != nil {
		return nil, false
	}
	return e, true
}

// / Phdr_parse decodes a program header from buf.
func Phdr_parse(buf []uint8) (*Phdr_t, bool) {
	if len(buf) < PHDR_SZ {
		return nil, false
	}
	ph := &Phdr_t{}
	if err := struc.UnpackWithOptions(bytes.NewReader(buf[:PHDR_SZ]), ph, opts); err != nil {
		return nil, false
	}
	return ph, true
}

// / Pack encodes hdr (an *Ehdr_t or *Phdr_t) into file bytes.
func Pack(hdr interface{}) ([]uint8, error) {
	var w bytes.Buffer
	if err := struc.PackWithOptions(&w, hdr, opts); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

// / Sanity checks the fields of an executable header the way the
// / loader requires them: 32-bit little-endian x86 executable,
// / version 1, sane program header geometry.
func (e *Ehdr_t) Sanity() bool {
	if !Match(e.Ident[:]) {
		return false
	}
	// class, data, version
	if e.Ident[4] != 1 || e.Ident[5] != 1 || e.Ident[6] != 1 {
		return false
	}
	if e.Type != ET_EXEC || e.Machine != EM_386 || e.Version != 1 {
		return false
	}
	if e.Phentsize != PHDR_SZ || e.Phnum > 1024 {
		return false
	}
	return true
}

// / Validate_load checks a PT_LOAD header against the file length and
// / the user address space. The rules reject headers whose offset and
// / vaddr disagree on page offset, that lie past end of file, whose
// / memory image is smaller than the file image or empty, that leave
// / or wrap out of user space, or that touch page zero.
func (ph *Phdr_t) Validate_load(filelen int) bool {
	if int(ph.Off)&mem.PGOFFSET != int(ph.Vaddr)&mem.PGOFFSET {
		return false
	}
	if int(ph.Off) > filelen {
		return false
	}
	if ph.Memsz < ph.Filesz {
		return false
	}
	if ph.Memsz == 0 {
		return false
	}
	va := int(ph.Vaddr)
	end := va + int(ph.Memsz)
	if va >= mem.PHYS_BASE || end > mem.PHYS_BASE {
		return false
	}
	if end < va {
		return false
	}
	if va < mem.PGSIZE {
		return false
	}
	return true
}
