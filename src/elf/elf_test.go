package elf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mem"
)

func mkehdr() *Ehdr_t {
	e := &Ehdr_t{
		Type:      ET_EXEC,
		Machine:   EM_386,
		Version:   1,
		Entry:     0x8048000,
		Phoff:     EHDR_SZ,
		Ehsize:    EHDR_SZ,
		Phentsize: PHDR_SZ,
		Phnum:     1,
	}
	copy(e.Ident[:], []uint8{0x7f, 'E', 'L', 'F', 1, 1, 1})
	return e
}

func TestEhdrRoundtrip(t *testing.T) {
	e := mkehdr()
	buf, err := Pack(e)
	require.NoError(t, err)
	require.Equal(t, EHDR_SZ, len(buf))

	got, ok := Ehdr_parse(buf)
	require.True(t, ok)
	assert.Equal(t, e, got)
	assert.True(t, got.Sanity())
	assert.True(t, Match(buf))
}

func TestPhdrRoundtrip(t *testing.T) {
	ph := &Phdr_t{
		Type:   PT_LOAD,
		Off:    0x1000,
		Vaddr:  0x8048000,
		Filesz: 0x80,
		Memsz:  0x100,
		Flags:  PF_R | PF_X,
		Align:  0x1000,
	}
	buf, err := Pack(ph)
	require.NoError(t, err)
	require.Equal(t, PHDR_SZ, len(buf))
	got, ok := Phdr_parse(buf)
	require.True(t, ok)
	assert.Equal(t, ph, got)
}

func TestSanityRejects(t *testing.T) {
	cases := []struct {
		name string
		mod  func(*Ehdr_t)
	}{
		{"magic", func(e *Ehdr_t) { e.Ident[0] = 0x7e }},
		{"class", func(e *Ehdr_t) { e.Ident[4] = 2 }},
		{"data", func(e *Ehdr_t) { e.Ident[5] = 2 }},
		{"identversion", func(e *Ehdr_t) { e.Ident[6] = 0 }},
		{"type", func(e *Ehdr_t) { e.Type = 3 }},
		{"machine", func(e *Ehdr_t) { e.Machine = 62 }},
		{"version", func(e *Ehdr_t) { e.Version = 2 }},
		{"phentsize", func(e *Ehdr_t) { e.Phentsize = 56 }},
		{"phnum", func(e *Ehdr_t) { e.Phnum = 1025 }},
	}
	for _, c := range cases {
		e := mkehdr()
		c.mod(e)
		assert.False(t, e.Sanity(), c.name)
	}
}

func TestValidateLoad(t *testing.T) {
	filelen := 0x2000
	good := func() *Phdr_t {
		return &Phdr_t{
			Type: PT_LOAD, Off: 0x1000, Vaddr: 0x8048000,
			Filesz: 0x80, Memsz: 0x100, Flags: PF_R,
		}
	}
	assert.True(t, good().Validate_load(filelen))

	cases := []struct {
		name string
		mod  func(*Phdr_t)
	}{
		{"page offsets disagree", func(ph *Phdr_t) { ph.Off = 0x1010 }},
		{"offset past eof", func(ph *Phdr_t) { ph.Off = 0x3000 }},
		{"memsz below filesz", func(ph *Phdr_t) { ph.Memsz = 0x10 }},
		{"empty segment", func(ph *Phdr_t) { ph.Memsz = 0; ph.Filesz = 0 }},
		{"kernel vaddr", func(ph *Phdr_t) { ph.Vaddr = uint32(mem.PHYS_BASE) }},
		{"region ends in kernel", func(ph *Phdr_t) {
			ph.Vaddr = uint32(mem.PHYS_BASE - 0x10)
			ph.Off = uint32(0x1000 | (mem.PHYS_BASE-0x10)&mem.PGOFFSET)
		}},
		{"page zero", func(ph *Phdr_t) { ph.Vaddr = 0x10; ph.Off = 0x1010 }},
	}
	for _, c := range cases {
		ph := good()
		c.mod(ph)
		assert.False(t, ph.Validate_load(filelen), c.name)
	}
}
