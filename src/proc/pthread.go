package proc

import (
	"fmt"

	"defs"
	"klog"
	"kthread"
	"limits"
	"mem"
)

// thread_create_args is shared between Pthread_execute in the
// spawning thread and start_pthread in the new one.
type thread_create_args struct {
	sfun, tfun, arg int
	p               *Proc_t
	thread_count_id int
	load_done       kthread.Sema_t
	success         bool
	kpage           *mem.Bytepg_t
	upage           int
	offset          int
}

// / Pthread_execute starts a new user thread in t's process. The new
// / thread enters user mode at the stub address sfun with tfun and
// / arg on its fresh stack. It returns the new tid, or TID_ERR if the
// / thread cannot be created or its stack cannot be built.
func (p *Proc_t) Pthread_execute(t *kthread.Thread_t, sfun, tfun, arg int) defs.Tid_t {
	args := &thread_create_args{sfun: sfun, tfun: tfun, arg: arg, p: p}
	args.load_done.Init(0)

	p.Thread_lock.Acquire(t)
	if p.Uthread_counter >= limits.Syslimit.Uthreads {
		p.Thread_lock.Release(t)
		return defs.TID_ERR
	}
	p.Uthread_counter++
	args.thread_count_id = p.Uthread_counter
	p.Thread_lock.Release(t)

	name := fmt.Sprintf("%s-%d", p.Main.Name, args.thread_count_id)
	if len(name) > 20 {
		name = name[:20]
	}

	new_tid := kthread.Spawn(name, func(nt *kthread.Thread_t) {
		start_pthread(nt, args)
	})
	if new_tid == defs.TID_ERR {
		return defs.TID_ERR
	}
	args.load_done.Down()
	if !args.success {
		return defs.TID_ERR
	}
	// the new thread usually records itself; cover the window
	// where it has not run that far yet
	p.Thread_lock.Acquire(t)
	if p.get_uthread(new_tid) == nil {
		p.create_uthread(t, new_tid)
	}
	p.Thread_lock.Release(t)
	return new_tid
}

// start_pthread runs in the new thread: it builds the user stack,
// reports to the spawner, registers itself, and enters user mode.
func start_pthread(nt *kthread.Thread_t, args *thread_create_args) {
	p := args.p

	tf := &defs.Tf_t{}
	tf.Fpu_init()
	tf.Regs[defs.TF_GS] = defs.SEL_UDSEG
	tf.Regs[defs.TF_FS] = defs.SEL_UDSEG
	tf.Regs[defs.TF_ES] = defs.SEL_UDSEG
	tf.Regs[defs.TF_DS] = defs.SEL_UDSEG
	tf.Regs[defs.TF_SS] = defs.SEL_UDSEG
	tf.Regs[defs.TF_CS] = defs.SEL_UCSEG
	tf.Regs[defs.TF_EFLAG] = defs.FLAG_IF | defs.FLAG_MBS

	success := setup_thread(p, nt, tf, args)

	args.success = success
	args.load_done.Up()
	if !success {
		kthread.Exit()
	}

	p.Proc_activate()

	p.Thread_lock.Acquire(nt)
	ut := p.get_uthread(nt.Tid)
	if ut == nil {
		ut = p.create_uthread(nt, nt.Tid)
	}
	ut.Thread = nt
	ut.Initialized = true

	nt.Kpage = args.kpage
	nt.Upage = args.upage
	nt.Offset = args.offset
	ut.Kpage = args.kpage
	ut.Upage = args.upage

	js := mkjoinst(nt.Tid)
	p.Joinsts = append([]*Joinst_t{js}, p.Joinsts...)
	ut.Joinst = js
	p.Thread_lock.Release(nt)

	klog.DPrintf(klog.PROC, "%v: user thread %v at stub %#x",
		p.Name, nt.Tid, tf.Regs[defs.TF_EIP])
	Userret(p, nt, tf)
	panic("user mode returned")
}

// get_lowest_offset claims the lowest free stack-offset slot; the
// scan and the flip both run under the process thread lock. Returns
// -1 when every slot is taken.
func (p *Proc_t) get_lowest_offset(t *kthread.Thread_t) int {
	p.Thread_lock.Acquire(t)
	defer p.Thread_lock.Release(t)
	for i := 0; i < NOFFSETS; i++ {
		if !p.Offsets[i] {
			p.Offsets[i] = true
			return i
		}
	}
	return -1
}

// setup_thread allocates and maps a stack page for a new user
// thread, pushes arg, tfun, and a null return address, and fills
// tf's eip and esp. Cleanup is handled here on failure.
func setup_thread(p *Proc_t, nt *kthread.Thread_t, tf *defs.Tf_t,
	args *thread_create_args) bool {
	tf.Regs[defs.TF_EIP] = args.sfun

	pg, pa, ok := mem.Physmem.Refpg_new()
	if !ok {
		return false
	}
	offset := p.get_lowest_offset(nt)
	if offset < 0 {
		mem.Physmem.Refdown(pa)
		return false
	}
	upage := mem.PHYS_BASE - offset*mem.PGSIZE

	args.kpage = pg
	args.upage = upage
	args.offset = offset

	if !p.Pagedir.Set_page(upage, pa, true) {
		mem.Physmem.Refdown(pa)
		p.Thread_lock.Acquire(nt)
		p.Offsets[offset] = false
		p.Thread_lock.Release(nt)
		return false
	}

	ofs := mem.PGSIZE - 12
	if pushw(pg, &ofs, args.arg) < 0 ||
		pushw(pg, &ofs, args.tfun) < 0 ||
		pushw(pg, &ofs, 0) < 0 {
		return false
	}
	tf.Regs[defs.TF_ESP] = upage + ofs
	return true
}

// / Pthread_join waits for the thread with the given tid to die, if
// / it was spawned in this process and has not been joined. It
// / returns tid on success and TID_ERR immediately otherwise.
func (p *Proc_t) Pthread_join(t *kthread.Thread_t, tid defs.Tid_t) defs.Tid_t {
	p.Thread_lock.Acquire(t)
	for i, js := range p.Joinsts {
		if js.Tid == tid && !js.Waited_on {
			js.Waited_on = true
			p.Joinsts = append(p.Joinsts[:i], p.Joinsts[i+1:]...)
			p.Thread_lock.Release(t)
			js.Sema.Down()
			js.Release()
			return tid
		}
	}
	p.Thread_lock.Release(t)
	return defs.TID_ERR
}

// / Pthread_exit terminates the calling user thread, unmapping its
// / stack and waking any joiner. The main thread instead takes the
// / Pthread_exit_main path. It does not return.
func (p *Proc_t) Pthread_exit(t *kthread.Thread_t) {
	if p.Is_main_thread(t) {
		p.Pthread_exit_main(t)
	}

	p.Thread_lock.Acquire(t)
	var js *Joinst_t
	for i, ut := range p.Uthreads {
		if ut.Tid == t.Tid {
			ut.Completed = true
			js = ut.Joinst
			p.Uthreads = append(p.Uthreads[:i], p.Uthreads[i+1:]...)
			break
		}
	}
	p.Thread_lock.Release(t)

	if pa, ok := p.Pagedir.Clear_page(t.Upage); ok {
		mem.Physmem.Refdown(pa)
	}

	p.Thread_lock.Acquire(t)
	p.Offsets[t.Offset] = false
	p.Thread_lock.Release(t)

	// wake the joiner after our last write, then drop our own
	// reference
	if js != nil {
		js.Sema.Up()
		js.Release()
	}
	kthread.Exit()
}

// / Pthread_exit_main is the exit path of the main thread: it wakes
// / its own joiner, joins every remaining peer, clears the user sync
// / tables, frees its stack, and terminates the process. It does not
// / return.
func (p *Proc_t) Pthread_exit_main(t *kthread.Thread_t) {
	var myjs *Joinst_t
	p.Thread_lock.Acquire(t)
	if ut := p.get_uthread(t.Tid); ut != nil {
		myjs = ut.Joinst
	}
	p.Thread_lock.Release(t)
	if myjs != nil {
		myjs.Sema.Up()
	}

	// join all unjoined peers. Pthread_join removes the entry it
	// consumes, so rescanning from the front makes progress even
	// as the list changes under us.
	for {
		p.Thread_lock.Acquire(t)
		var peer defs.Tid_t = defs.TID_ERR
		for _, js := range p.Joinsts {
			if js.Tid != t.Tid && !js.Waited_on {
				peer = js.Tid
				break
			}
		}
		p.Thread_lock.Release(t)
		if peer == defs.TID_ERR {
			break
		}
		p.Pthread_join(t, peer)
	}

	p.Thread_lock.Acquire(t)
	for i := range p.Locks {
		p.Locks[i].Initialized = false
		p.Locks[i].Tid = 0
		p.Locks[i].Lock = nil
	}
	for i := range p.Semas {
		p.Semas[i].Initialized = false
		p.Semas[i].Sema = nil
	}
	p.Thread_lock.Release(t)

	if myjs != nil {
		myjs.Release()
	}

	if p.Pagedir != nil {
		if pa, ok := p.Pagedir.Clear_page(t.Upage); ok {
			mem.Physmem.Refdown(pa)
		}
	}

	p.Proc_exit(t)
}
