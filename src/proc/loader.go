package proc

import (
	"defs"
	"elf"
	"fs"
	"klog"
	"kthread"
	"limits"
	"mem"
	"util"
	"vm"
)

// load brings the executable named by the first token of cmdline
// into a fresh address space on t, builds the argv stack frame, and
// fills tf's eip and esp. On success the executable stays open in
// p.Bin_file with writes denied.
func (p *Proc_t) load(t *kthread.Thread_t, cmdline string, tf *defs.Tf_t) bool {
	pd, ok := vm.Mk_pagedir()
	if !ok {
		return false
	}
	p.Pagedir = pd
	p.Proc_activate()

	file_name := firsttok(cmdline)

	fs.Fslock.Lock()
	file, err := p.fsys.Fs_open(file_name)
	fs.Fslock.Unlock()
	if err != 0 {
		klog.Printf("load: %s: open failed\n", file_name)
		return false
	}
	p.Bin_file = file
	file.Deny_write()

	hdr := make([]uint8, elf.EHDR_SZ)
	fs.Fslock.Lock()
	n, rerr := file.Read(hdr)
	fs.Fslock.Unlock()
	ehdr, ok := elf.Ehdr_parse(hdr)
	if rerr != 0 || n != len(hdr) || !ok || !ehdr.Sanity() {
		klog.Printf("load: %s: error loading executable\n", file_name)
		return false
	}

	phoff := int(ehdr.Phoff)
	for i := 0; i < int(ehdr.Phnum); i++ {
		flen := file.Len()
		if phoff < 0 || phoff > flen {
			klog.Printf("load: %s: error loading executable\n", file_name)
			return false
		}
		phb := make([]uint8, elf.PHDR_SZ)
		fs.Fslock.Lock()
		n, rerr := file.Read_at(phb, phoff)
		fs.Fslock.Unlock()
		if rerr != 0 || n != len(phb) {
			klog.Printf("load: %s: error loading executable\n", file_name)
			return false
		}
		phoff += elf.PHDR_SZ
		ph, ok := elf.Phdr_parse(phb)
		if !ok {
			klog.Printf("load: %s: error loading executable\n", file_name)
			return false
		}
		switch ph.Type {
		case elf.PT_NULL, elf.PT_NOTE, elf.PT_PHDR, elf.PT_STACK:
			// ignore this segment
		case elf.PT_DYNAMIC, elf.PT_INTERP, elf.PT_SHLIB:
			klog.Printf("load: %s: error loading executable\n", file_name)
			return false
		case elf.PT_LOAD:
			if !ph.Validate_load(flen) {
				klog.Printf("load: %s: bad segment\n", file_name)
				return false
			}
			writable := ph.Flags&elf.PF_W != 0
			file_page := int(ph.Off) & mem.PGMASK
			mem_page := int(ph.Vaddr) & mem.PGMASK
			page_offset := int(ph.Vaddr) & mem.PGOFFSET
			var read_bytes, zero_bytes int
			if ph.Filesz > 0 {
				// normal segment: read the initial part
				// from disk and zero the rest
				read_bytes = page_offset + int(ph.Filesz)
				zero_bytes = util.Roundup(page_offset+int(ph.Memsz),
					mem.PGSIZE) - read_bytes
			} else {
				// entirely zero
				read_bytes = 0
				zero_bytes = util.Roundup(page_offset+int(ph.Memsz),
					mem.PGSIZE)
			}
			if !p.load_segment(file, file_page, mem_page,
				read_bytes, zero_bytes, writable) {
				klog.Printf("load: %s: bad segment\n", file_name)
				return false
			}
		default:
			// ignore unknown segment types
		}
	}

	esp, ok := p.setup_stack(t, cmdline)
	if !ok {
		return false
	}
	tf.Regs[defs.TF_ESP] = esp
	tf.Regs[defs.TF_EIP] = int(ehdr.Entry)
	return true
}

// load_segment maps read_bytes+zero_bytes bytes of virtual memory at
// upage: the first read_bytes come from the file at offset ofs, the
// rest are zero. Frames come from the user pool; installation fails
// if any page in the range is already mapped.
func (p *Proc_t) load_segment(file *fs.File_t, ofs, upage, read_bytes,
	zero_bytes int, writable bool) bool {
	if (read_bytes+zero_bytes)%mem.PGSIZE != 0 {
		panic("unaligned segment length")
	}
	if upage&mem.PGOFFSET != 0 || ofs%mem.PGSIZE != 0 {
		panic("unaligned segment")
	}
	for read_bytes > 0 || zero_bytes > 0 {
		page_read_bytes := util.Min(read_bytes, mem.PGSIZE)
		page_zero_bytes := mem.PGSIZE - page_read_bytes

		pg, pa, ok := mem.Physmem.Refpg_new()
		if !ok {
			return false
		}
		if page_read_bytes > 0 {
			fs.Fslock.Lock()
			n, err := file.Read_at(pg[:page_read_bytes], ofs)
			fs.Fslock.Unlock()
			if err != 0 || n != page_read_bytes {
				mem.Physmem.Refdown(pa)
				return false
			}
		}
		// the frame was allocated zeroed, so the zero_bytes tail
		// is already initialized

		if !p.Pagedir.Set_page(upage, pa, writable) {
			mem.Physmem.Refdown(pa)
			return false
		}

		read_bytes -= page_read_bytes
		zero_bytes -= page_zero_bytes
		upage += mem.PGSIZE
		ofs += mem.PGSIZE
	}
	return true
}

// push copies buf onto the stack being built in kpage, whose
// page-relative cursor is *ofs, rounding the space consumed up to a
// word boundary. It returns the page offset of the pushed bytes, or
// -1 when the page is full.
func push(kpage *mem.Bytepg_t, ofs *int, buf []uint8) int {
	padsize := util.Roundup(len(buf), 4)
	if *ofs < padsize {
		return -1
	}
	*ofs -= padsize
	at := *ofs + padsize - len(buf)
	copy(kpage[at:], buf)
	return at
}

func pushw(kpage *mem.Bytepg_t, ofs *int, val int) int {
	var w [4]uint8
	util.Writen(w[:], 4, 0, val)
	return push(kpage, ofs, w[:])
}

// init_cmd_line lays out the argv frame in kpage, which is mapped at
// upage, and returns the initial user stack pointer. The frame, from
// the top of the page down: the command line string, alignment
// padding, the null argv sentinel, argc argument pointers, argv,
// argc, and a zero return address. The final esp is 16-byte aligned.
func init_cmd_line(kpage *mem.Bytepg_t, upage int, cmdline string) (int, bool) {
	ofs := mem.PGSIZE

	cl := append([]uint8(cmdline), 0)
	copyat := push(kpage, &ofs, cl)
	if copyat < 0 {
		return 0, false
	}

	// tokenize the pushed copy in place, recording each token's
	// user address
	var arguments []int
	argc := 0
	i := copyat
	end := copyat + len(cl) - 1
	for i < end {
		if kpage[i] == ' ' {
			kpage[i] = 0
			i++
			continue
		}
		if argc >= limits.Syslimit.Args {
			return 0, false
		}
		arguments = append(arguments, upage+i)
		argc++
		for i < end && kpage[i] != ' ' {
			i++
		}
	}

	// pad so that after the sentinel, the pointer array, argv,
	// argc, and the return address, esp lands on a 16-byte
	// boundary
	alignment_adjustment := ((mem.PGSIZE - ofs) + (argc+1)*4 + 4 + 4) % 16
	ofs -= 16 - alignment_adjustment

	if pushw(kpage, &ofs, 0) < 0 {
		return 0, false
	}
	for i := 0; i < argc; i++ {
		if pushw(kpage, &ofs, arguments[i]) < 0 {
			return 0, false
		}
	}

	// the pointers were pushed forwards, so argv[0] currently
	// holds the last argument; reverse them in place
	argv := upage + ofs
	for lo, hi := ofs, ofs+(argc-1)*4; lo < hi; lo, hi = lo+4, hi-4 {
		a := util.Readn(kpage[:], 4, lo)
		b := util.Readn(kpage[:], 4, hi)
		util.Writen(kpage[:], 4, lo, b)
		util.Writen(kpage[:], 4, hi, a)
	}

	if pushw(kpage, &ofs, argv) < 0 ||
		pushw(kpage, &ofs, argc) < 0 ||
		pushw(kpage, &ofs, 0) < 0 {
		return 0, false
	}
	return upage + ofs, true
}

// setup_stack maps a zeroed page at the top of user memory, fills it
// from cmdline, and returns the initial stack pointer. The page is
// recorded on the main thread and its thread-table entry.
func (p *Proc_t) setup_stack(t *kthread.Thread_t, cmdline string) (int, bool) {
	pg, pa, ok := mem.Physmem.Refpg_new()
	if !ok {
		return 0, false
	}
	upage := mem.PHYS_BASE - mem.PGSIZE
	if !p.Pagedir.Set_page(upage, pa, true) {
		mem.Physmem.Refdown(pa)
		return 0, false
	}
	esp, ok := init_cmd_line(pg, upage, cmdline)
	if !ok {
		return 0, false
	}
	t.Kpage = pg
	t.Upage = upage
	t.Offset = 1
	p.Thread_lock.Acquire(t)
	if ut := p.get_uthread(t.Tid); ut != nil {
		ut.Kpage = pg
		ut.Upage = upage
	}
	p.Thread_lock.Release(t)
	return esp, true
}
