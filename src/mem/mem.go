// Package mem manages the physical frames backing user memory. The
// pool is a single arena claimed at boot; frames are refcounted so a
// frame mapped by an address space and held by the kernel survives
// until the last reference drops.
package mem

import (
	"sync"

	"golang.org/x/sys/unix"
)

// / PGSHIFT is the base-2 exponent for the page size.
const PGSHIFT uint = 12

// / PGSIZE is the size of a single page in bytes.
const PGSIZE int = 1 << PGSHIFT

// / PGOFFSET masks offsets within a page.
const PGOFFSET int = PGSIZE - 1

// / PGMASK masks the page number of an address.
const PGMASK int = ^PGOFFSET

// / PHYS_BASE is the base of kernel virtual memory; user virtual
// / addresses live strictly below it.
const PHYS_BASE int = 0xc0000000

// / Pa_t represents a physical address.
type Pa_t uintptr

// / Bytepg_t is a byte addressed page.
type Bytepg_t [PGSIZE]uint8

// / Physpg_t describes a single physical page.
type Physpg_t struct {
	Refcnt int32
	// index into pgs of next page on free list
	nexti uint32
}

const nilpg uint32 = ^uint32(0)

// / Physmem_t manages the physical frames of the user pool.
type Physmem_t struct {
	sync.Mutex
	pgs   []Physpg_t
	freei uint32
	nfree int
	arena []uint8
	// set when the arena came from mmap and must be unmapped
	mapped bool
}

// / Physmem is the system's physical memory, installed by Phys_init.
var Physmem *Physmem_t

// / Phys_init claims an arena of npages frames for the user pool and
// / installs it as Physmem. The arena is mapped directly from the
// / host when possible; exhaustion of the pool is how allocation
// / failure is simulated.
func Phys_init(npages int) *Physmem_t {
	if npages <= 0 {
		panic("no memory")
	}
	phys := &Physmem_t{}
	arena, err := unix.Mmap(-1, 0, npages*PGSIZE,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err == nil {
		phys.arena = arena
		phys.mapped = true
	} else {
		phys.arena = make([]uint8, npages*PGSIZE)
	}
	phys.pgs = make([]Physpg_t, npages)
	phys.freei = 0
	phys.nfree = npages
	for i := range phys.pgs {
		phys.pgs[i].nexti = uint32(i + 1)
	}
	phys.pgs[npages-1].nexti = nilpg
	Physmem = phys
	return phys
}

// / Release returns the arena to the host. Only tests tear down
// / physical memory.
func (phys *Physmem_t) Release() {
	if phys.mapped {
		unix.Munmap(phys.arena)
	}
	phys.arena = nil
	phys.pgs = nil
}

// / Pgcount returns the number of free frames remaining.
func (phys *Physmem_t) Pgcount() int {
	phys.Lock()
	defer phys.Unlock()
	return phys.nfree
}

// / Dmap translates a physical address to its permanently mapped
// / kernel page.
func (phys *Physmem_t) Dmap(pa Pa_t) *Bytepg_t {
	off := int(pa) & PGMASK
	if off < 0 || off >= len(phys.arena) {
		panic("bad physical address")
	}
	return (*Bytepg_t)(phys.arena[off : off+PGSIZE])
}

func (phys *Physmem_t) _refpg_new() (*Bytepg_t, Pa_t, bool) {
	phys.Lock()
	defer phys.Unlock()
	if phys.freei == nilpg {
		return nil, 0, false
	}
	idx := phys.freei
	phys.freei = phys.pgs[idx].nexti
	phys.nfree--
	phys.pgs[idx].Refcnt = 1
	pa := Pa_t(int(idx) << PGSHIFT)
	return phys.Dmap(pa), pa, true
}

// / Refpg_new allocates a zeroed frame with a reference count of one.
func (phys *Physmem_t) Refpg_new() (*Bytepg_t, Pa_t, bool) {
	pg, pa, ok := phys._refpg_new()
	if !ok {
		return nil, 0, false
	}
	for i := range pg {
		pg[i] = 0
	}
	return pg, pa, true
}

// / Refpg_new_nozero allocates a frame without clearing its previous
// / contents.
func (phys *Physmem_t) Refpg_new_nozero() (*Bytepg_t, Pa_t, bool) {
	return phys._refpg_new()
}

// / Refcnt returns the reference count of the given frame.
func (phys *Physmem_t) Refcnt(pa Pa_t) int {
	phys.Lock()
	defer phys.Unlock()
	return int(phys.pgs[int(pa)>>PGSHIFT].Refcnt)
}

// / Refup takes a reference on the frame at pa.
func (phys *Physmem_t) Refup(pa Pa_t) {
	phys.Lock()
	defer phys.Unlock()
	idx := int(pa) >> PGSHIFT
	if phys.pgs[idx].Refcnt <= 0 {
		panic("refup of free page")
	}
	phys.pgs[idx].Refcnt++
}

// / Refdown drops a reference on the frame at pa, returning it to the
// / free list when the count reaches zero. It reports whether the
// / frame was freed.
func (phys *Physmem_t) Refdown(pa Pa_t) bool {
	phys.Lock()
	defer phys.Unlock()
	idx := int(pa) >> PGSHIFT
	if phys.pgs[idx].Refcnt <= 0 {
		panic("refdown of free page")
	}
	phys.pgs[idx].Refcnt--
	if phys.pgs[idx].Refcnt == 0 {
		phys.pgs[idx].nexti = phys.freei
		phys.freei = uint32(idx)
		phys.nfree++
		return true
	}
	return false
}
