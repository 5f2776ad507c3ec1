// Package vm implements the per-process page directory and the
// kernel's access path to user memory. A page directory maps user
// pages to refcounted frames from the user pool; the activate
// register models which directory the CPU currently has loaded.
package vm

import (
	"sync"

	"defs"
	"mem"
)

type pte_t struct {
	pa       mem.Pa_t
	writable bool
}

// / Pagedir_t represents a process address space. The mutex protects
// / the page table map.
type Pagedir_t struct {
	sync.Mutex
	pts map[int]pte_t
	// frame holding the directory itself
	pdpa mem.Pa_t
}

// / Mk_pagedir allocates a fresh, empty page directory. It fails when
// / the user pool cannot supply the directory frame.
func Mk_pagedir() (*Pagedir_t, bool) {
	_, pa, ok := mem.Physmem.Refpg_new()
	if !ok {
		return nil, false
	}
	pd := &Pagedir_t{}
	pd.pts = make(map[int]pte_t)
	pd.pdpa = pa
	return pd, true
}

// / Is_uservaddr reports whether va lies in the user segment.
func Is_uservaddr(va int) bool {
	return va >= 0 && va < mem.PHYS_BASE
}

// / Set_page maps the frame at pa at the user page uva. It fails when
// / uva is already mapped or is not a user address. The mapping does
// / not take its own reference; the address space owns the frame once
// / installed and Destroy releases it.
func (pd *Pagedir_t) Set_page(uva int, pa mem.Pa_t, writable bool) bool {
	if uva&mem.PGOFFSET != 0 {
		panic("unaligned user page")
	}
	if !Is_uservaddr(uva) {
		return false
	}
	pd.Lock()
	defer pd.Unlock()
	if pd.pts == nil {
		panic("mapping into destroyed pagedir")
	}
	if _, ok := pd.pts[uva]; ok {
		return false
	}
	pd.pts[uva] = pte_t{pa: pa, writable: writable}
	return true
}

// / Get_page returns the frame mapped at the user page containing
// / uva, or false if none is mapped.
func (pd *Pagedir_t) Get_page(uva int) (mem.Pa_t, bool) {
	pd.Lock()
	defer pd.Unlock()
	pte, ok := pd.pts[uva&mem.PGMASK]
	return pte.pa, ok
}

// / Writable reports whether the page containing uva is mapped
// / writable.
func (pd *Pagedir_t) Writable(uva int) bool {
	pd.Lock()
	defer pd.Unlock()
	pte, ok := pd.pts[uva&mem.PGMASK]
	return ok && pte.writable
}

// / Clear_page removes the mapping at the user page uva and returns
// / the frame it mapped. The frame's reference is not dropped; the
// / caller owns it, matching the palloc discipline where unmapping
// / and freeing are separate steps.
func (pd *Pagedir_t) Clear_page(uva int) (mem.Pa_t, bool) {
	pd.Lock()
	defer pd.Unlock()
	pte, ok := pd.pts[uva&mem.PGMASK]
	if !ok {
		return 0, false
	}
	delete(pd.pts, uva&mem.PGMASK)
	return pte.pa, true
}

// / Destroy releases every frame still mapped and the directory
// / frame. The directory must not be active anywhere.
func (pd *Pagedir_t) Destroy() {
	pd.Lock()
	defer pd.Unlock()
	if cr3.load() == pd {
		panic("destroying active pagedir")
	}
	for _, pte := range pd.pts {
		mem.Physmem.Refdown(pte.pa)
	}
	pd.pts = nil
	mem.Physmem.Refdown(pd.pdpa)
}

// The activate register stands in for cr3. The teardown ordering in
// process exit (detach, activate kernel, destroy) is observable
// through it.
type cr3_t struct {
	sync.Mutex
	pd *Pagedir_t
}

var cr3 cr3_t

func (c *cr3_t) load() *Pagedir_t {
	c.Lock()
	defer c.Unlock()
	return c.pd
}

// / Pagedir_activate loads pd as the active directory. A nil pd
// / activates the kernel-only directory.
func Pagedir_activate(pd *Pagedir_t) {
	cr3.Lock()
	cr3.pd = pd
	cr3.Unlock()
}

// / Active returns the currently loaded directory, nil meaning the
// / kernel-only directory.
func Active() *Pagedir_t {
	return cr3.load()
}

// uvatok returns the kernel bytes of the mapped region from va to
// the end of its page, checking the writable bit when wr is set.
func (pd *Pagedir_t) uvatok(va int, wr bool) ([]uint8, defs.Err_t) {
	if !Is_uservaddr(va) {
		return nil, -defs.EFAULT
	}
	pd.Lock()
	pte, ok := pd.pts[va&mem.PGMASK]
	pd.Unlock()
	if !ok {
		return nil, -defs.EFAULT
	}
	if wr && !pte.writable {
		return nil, -defs.EFAULT
	}
	pg := mem.Physmem.Dmap(pte.pa)
	return pg[va&mem.PGOFFSET:], 0
}

// / Userdmap8r maps the user address for reading and returns the
// / bytes from va to the end of its page.
func (pd *Pagedir_t) Userdmap8r(va int) ([]uint8, defs.Err_t) {
	return pd.uvatok(va, false)
}

// / Userdmap8w maps the user address for writing.
func (pd *Pagedir_t) Userdmap8w(va int) ([]uint8, defs.Err_t) {
	return pd.uvatok(va, true)
}

// / Usermapped reports whether [va, va+n) is entirely mapped.
func (pd *Pagedir_t) Usermapped(va, n int) bool {
	for off := 0; off < n; {
		src, err := pd.uvatok(va+off, false)
		if err != 0 {
			return false
		}
		off += len(src)
	}
	return n >= 0
}

// / Userreadn reads an n byte little-endian value from the user
// / address va.
func (pd *Pagedir_t) Userreadn(va, n int) (int, defs.Err_t) {
	if n > 8 {
		panic("large n")
	}
	ret := 0
	var src []uint8
	var err defs.Err_t
	for i := 0; i < n; i += len(src) {
		src, err = pd.uvatok(va+i, false)
		if err != 0 {
			return 0, err
		}
		l := n - i
		if len(src) < l {
			l = len(src)
		}
		src = src[:l]
		for j, c := range src {
			ret |= int(c) << (8 * uint(i+j))
		}
	}
	return ret, 0
}

// / Userwriten writes the low n bytes of val to the user address va.
func (pd *Pagedir_t) Userwriten(va, n, val int) defs.Err_t {
	if n > 8 {
		panic("large n")
	}
	v := uint(val)
	var dst []uint8
	for i := 0; i < n; i += len(dst) {
		t, err := pd.uvatok(va+i, true)
		if err != 0 {
			return err
		}
		dst = t
		l := n - i
		if len(dst) < l {
			l = len(dst)
		}
		dst = dst[:l]
		for j := range dst {
			dst[j] = uint8(v >> (8 * uint(i+j)))
		}
	}
	return 0
}

// / Userstr copies a NUL terminated string from user space, up to
// / lenmax bytes.
func (pd *Pagedir_t) Userstr(uva int, lenmax int) (string, defs.Err_t) {
	if lenmax < 0 {
		return "", 0
	}
	i := 0
	s := make([]uint8, 0, 16)
	for {
		str, err := pd.uvatok(uva+i, false)
		if err != 0 {
			return "", err
		}
		for j, c := range str {
			if c == 0 {
				s = append(s, str[:j]...)
				return string(s), 0
			}
		}
		s = append(s, str...)
		i += len(str)
		if len(s) >= lenmax {
			return "", -defs.ENAMETOOLONG
		}
	}
}

// / K2user copies src into the user address space starting at uva.
func (pd *Pagedir_t) K2user(src []uint8, uva int) defs.Err_t {
	cnt := 0
	for len(src) != 0 {
		dst, err := pd.uvatok(uva+cnt, true)
		if err != 0 {
			return err
		}
		did := copy(dst, src)
		src = src[did:]
		cnt += did
	}
	return 0
}

// / User2k copies len(dst) bytes from the user address uva into dst.
func (pd *Pagedir_t) User2k(dst []uint8, uva int) defs.Err_t {
	cnt := 0
	for len(dst) != 0 {
		src, err := pd.uvatok(uva+cnt, false)
		if err != 0 {
			return err
		}
		did := copy(dst, src)
		dst = dst[did:]
		cnt += did
	}
	return 0
}
