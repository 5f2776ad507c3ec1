// Package ufs builds the images the kernel boots from: ELF32
// executables laid out the way the loader expects, and file system
// images for the block device. It is tooling for main and the tests,
// the build-time side of the on-disk formats the kernel consumes.
package ufs

import (
	"sort"

	"github.com/pkg/errors"

	"elf"
	"fs"
	"mem"
	"util"
)

// / Eseg_t describes one loadable segment of a synthesized
// / executable. Memsz below the data length means the data length.
type Eseg_t struct {
	Vaddr int
	Flags int
	Data  []uint8
	Memsz int
}

// / ENTRY_VA is the conventional entry point of synthesized
// / executables.
const ENTRY_VA = 0x08048000

// / Mkelf assembles a valid ELF32 i386 executable with the given
// / entry point and segments. Segment file offsets are placed to
// / agree with their virtual addresses modulo the page size, which
// / the loader validates.
func Mkelf(entry int, segs []Eseg_t) ([]uint8, error) {
	ehdr := &elf.Ehdr_t{
		Type:      elf.ET_EXEC,
		Machine:   elf.EM_386,
		Version:   1,
		Entry:     uint32(entry),
		Phoff:     elf.EHDR_SZ,
		Ehsize:    elf.EHDR_SZ,
		Phentsize: elf.PHDR_SZ,
		Phnum:     uint16(len(segs)),
		Shentsize: 40,
	}
	copy(ehdr.Ident[:], []uint8{0x7f, 'E', 'L', 'F', 1, 1, 1})

	img, err := elf.Pack(ehdr)
	if err != nil {
		return nil, errors.Wrap(err, "ufs: pack ehdr")
	}
	if len(img) != elf.EHDR_SZ {
		return nil, errors.Errorf("ufs: ehdr is %v bytes", len(img))
	}

	cur := elf.EHDR_SZ + elf.PHDR_SZ*len(segs)
	offs := make([]int, len(segs))
	for i, seg := range segs {
		vmod := seg.Vaddr & mem.PGOFFSET
		off := util.Rounddown(cur, mem.PGSIZE) + vmod
		if off < cur {
			off += mem.PGSIZE
		}
		offs[i] = off
		cur = off + len(seg.Data)
	}

	for i, seg := range segs {
		memsz := seg.Memsz
		if memsz < len(seg.Data) {
			memsz = len(seg.Data)
		}
		ph := &elf.Phdr_t{
			Type:   elf.PT_LOAD,
			Off:    uint32(offs[i]),
			Vaddr:  uint32(seg.Vaddr),
			Paddr:  uint32(seg.Vaddr),
			Filesz: uint32(len(seg.Data)),
			Memsz:  uint32(memsz),
			Flags:  uint32(seg.Flags),
			Align:  uint32(mem.PGSIZE),
		}
		phb, err := elf.Pack(ph)
		if err != nil {
			return nil, errors.Wrap(err, "ufs: pack phdr")
		}
		img = append(img, phb...)
	}

	for i, seg := range segs {
		if len(img) < offs[i]+len(seg.Data) {
			img = append(img, make([]uint8, offs[i]+len(seg.Data)-len(img))...)
		}
		copy(img[offs[i]:], seg.Data)
	}
	return img, nil
}

// / Mkprog synthesizes the standard text-only executable for a
// / program: one read-execute segment at ENTRY_VA holding the given
// / bytes, entry at its start.
func Mkprog(text []uint8) ([]uint8, error) {
	if len(text) == 0 {
		text = []uint8{0xc3} // ret
	}
	return Mkelf(ENTRY_VA, []Eseg_t{
		{Vaddr: ENTRY_VA, Flags: elf.PF_R | elf.PF_X, Data: text},
	})
}

// / Mkfsimg lays files out as a boot image for fs.Mount: superblock,
// / directory table, then each file's data on contiguous sectors.
func Mkfsimg(files map[string][]uint8) []uint8 {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	dirbytes := util.Roundup(len(names)*fs.DIRENTSZ, fs.BSIZE)
	dirsecs := dirbytes / fs.BSIZE
	if dirsecs == 0 {
		dirsecs = 1
		dirbytes = fs.BSIZE
	}

	datastart := 1 + dirsecs
	type ent_t struct {
		name  string
		start int
		size  int
	}
	ents := make([]ent_t, 0, len(names))
	next := datastart
	for _, name := range names {
		sz := len(files[name])
		ents = append(ents, ent_t{name: name, start: next, size: sz})
		next += util.Roundup(sz, fs.BSIZE) / fs.BSIZE
	}

	img := make([]uint8, next*fs.BSIZE)
	util.Writen(img, 4, 0, fs.MAGIC)
	util.Writen(img, 4, 4, len(names))
	util.Writen(img, 4, 8, next)
	util.Writen(img, 4, 12, datastart)

	for i, ent := range ents {
		off := fs.BSIZE + i*fs.DIRENTSZ
		copy(img[off:off+20], ent.name)
		util.Writen(img, 4, off+20, ent.start)
		util.Writen(img, 4, off+24, ent.size)
		copy(img[ent.start*fs.BSIZE:], files[ent.name])
	}
	return img
}
