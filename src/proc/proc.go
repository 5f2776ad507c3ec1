// Package proc implements the user-process and user-thread core: the
// process control block, executable loading, parent/child wait,
// sibling join, and the per-process tables of user-visible locks and
// semaphores.
package proc

import (
	"sync"
	"sync/atomic"

	"defs"
	"fd"
	"fs"
	"klog"
	"kthread"
	"mem"
	"ustr"
	"vm"
)

// / PROC_NAME_MAX is the widest process name, excluding the
// / terminator of the fixed field it is stored in.
const PROC_NAME_MAX = 15

// / NOFFSETS is the number of stack-offset slots per process. Slot i
// / claims the user page at PHYS_BASE - i*PGSIZE; slots 0 and 1 are
// / permanently reserved, 1 for the main thread's stack.
const NOFFSETS = 256

// / NUSYNC is the number of user-visible lock and semaphore slots per
// / process.
const NUSYNC = 256

// / Waitst_t tracks the completion of a process. A reference is held
// / by both the parent, in its children list, and by the child,
// / through its PCB.
type Waitst_t struct {
	Pid defs.Pid_t
	// child exit code, meaningful once Dead is signaled
	Exit_code int
	// 0 while the child runs; upped exactly once at child exit
	Dead kthread.Sema_t
	ref  atomic.Int32
}

func mkwaitst(pid defs.Pid_t) *Waitst_t {
	ws := &Waitst_t{Pid: pid, Exit_code: -1}
	ws.Dead.Init(0)
	ws.ref.Store(2)
	return ws
}

// / Release drops one reference. The record's storage is dead once
// / both endpoints have released.
func (ws *Waitst_t) Release() {
	if ws.ref.Add(-1) < 0 {
		panic("wait status over-released")
	}
}

// / Refs returns the live reference count.
func (ws *Waitst_t) Refs() int {
	return int(ws.ref.Load())
}

// / Joinst_t is the rendezvous between a user thread and at most one
// / joiner, with the same reference discipline as Waitst_t.
type Joinst_t struct {
	Tid defs.Tid_t
	// set under the process thread lock by the winning joiner
	Waited_on bool
	Sema      kthread.Sema_t
	ref       atomic.Int32
}

func mkjoinst(tid defs.Tid_t) *Joinst_t {
	js := &Joinst_t{Tid: tid}
	js.Sema.Init(0)
	js.ref.Store(2)
	return js
}

// / Release drops one reference on the join status.
func (js *Joinst_t) Release() {
	if js.ref.Add(-1) < 0 {
		panic("join status over-released")
	}
}

// / Refs returns the live reference count.
func (js *Joinst_t) Refs() int {
	return int(js.ref.Load())
}

// / Uthread_t is a user-thread table entry. The thread pointer may be
// / nil until the thread has initialized itself.
type Uthread_t struct {
	Thread      *kthread.Thread_t
	Tid         defs.Tid_t
	Waited_on   bool
	Completed   bool
	Initialized bool
	Kpage       *mem.Bytepg_t
	Upage       int
	Joinst      *Joinst_t
}

// / Ulock_t is a user-visible lock slot. The primitive lock is
// / allocated when the slot initializes so a slot abandoned while
// / held cannot poison its successor.
type Ulock_t struct {
	Initialized bool
	Tid         defs.Tid_t
	Lock        *kthread.Lock_t
}

// / Usema_t is a user-visible semaphore slot.
type Usema_t struct {
	Initialized bool
	Sema        *kthread.Sema_t
}

// / Proc_t is the process control block: every thread of a process
// / shares one of these.
type Proc_t struct {
	// this process's completion status, shared with the parent;
	// nil for the initial kernel process
	Waitst *Waitst_t
	// completion statuses of children; childl guards the list
	childl   sync.Mutex
	Children []*Waitst_t

	// exclusive ownership; nil before load and after teardown
	Pagedir *vm.Pagedir_t
	Name    ustr.Ustr
	// executable, held open with writes denied for our lifetime
	Bin_file *fs.File_t
	Main     *kthread.Thread_t

	// descriptor table; Fdl guards it
	Fdl         sync.Mutex
	Fds         []*fd.Fd_t
	Next_handle int

	// Thread_lock serializes the thread table, the join status
	// list, the sync tables, the offset bitmap, and the thread
	// naming counter
	Thread_lock     kthread.Lock_t
	Joinsts         []*Joinst_t
	Uthreads        []*Uthread_t
	Uthread_counter int
	Exiting         bool

	Locks   [NUSYNC]Ulock_t
	Semas   [NUSYNC]Usema_t
	Offsets [NOFFSETS]bool

	fsys *fs.FS_t
}

// / Userret is the interrupt-return trampoline: it transfers t to
// / user mode with the register state in tf and does not return. The
// / kernel package installs it at boot.
var Userret func(p *Proc_t, t *kthread.Thread_t, tf *defs.Tf_t)

// / Mkkproc gives the boot thread a minimal PCB, just enough to exec
// / and wait for the first user process.
func Mkkproc(t *kthread.Thread_t, fsys *fs.FS_t) *Proc_t {
	p := &Proc_t{}
	p.Main = t
	p.Name = ustr.MkUstrMax(t.Name, PROC_NAME_MAX)
	p.Next_handle = 2
	p.fsys = fsys
	return p
}

// / Fsys returns the file system this process opens files on.
func (p *Proc_t) Fsys() *fs.FS_t {
	return p.fsys
}

// / Is_main_thread reports whether t is the main thread of p.
func (p *Proc_t) Is_main_thread(t *kthread.Thread_t) bool {
	return p.Main == t
}

// / Get_pid returns the pid of p, the tid of its main thread.
func (p *Proc_t) Get_pid() defs.Pid_t {
	return defs.Pid_t(p.Main.Tid)
}

// exec_info is shared between Proc_execute in the parent and
// start_process in the new thread.
type exec_info struct {
	cmdline string
	// upped when loading has completed or aborted
	load_done kthread.Sema_t
	waitst    *Waitst_t
	success   bool
}

func firsttok(s string) string {
	for len(s) > 0 && s[0] == ' ' {
		s = s[1:]
	}
	for i := 0; i < len(s); i++ {
		if s[i] == ' ' {
			return s[:i]
		}
	}
	return s
}

// / Proc_execute starts a new process running the executable named by
// / the first token of file_name, with file_name as its command line.
// / The new process may be scheduled, and may even exit, before
// / Proc_execute returns. It returns the child's pid, or TID_ERR if
// / the thread cannot be created or the load fails.
func (p *Proc_t) Proc_execute(file_name string) defs.Pid_t {
	exec := &exec_info{cmdline: file_name}
	exec.load_done.Init(0)

	tname := firsttok(file_name)
	tid := kthread.Spawn(tname, func(t *kthread.Thread_t) {
		start_process(t, p.fsys, exec)
	})
	if tid == defs.TID_ERR {
		return defs.TID_ERR
	}
	exec.load_done.Down()
	if !exec.success {
		return defs.TID_ERR
	}
	p.childl.Lock()
	p.Children = append(p.Children, exec.waitst)
	p.childl.Unlock()
	return defs.Pid_t(tid)
}

// start_process runs in the new thread: it builds the PCB, loads the
// executable, reports to the parent, and enters user mode.
func start_process(t *kthread.Thread_t, fsys *fs.FS_t, exec *exec_info) {
	// The PCB starts zeroed so its page directory is nil before
	// anything can observe the new process; an activation on this
	// thread before load must fall back to the kernel directory.
	p := &Proc_t{}
	p.Name = ustr.MkUstrMax(t.Name, PROC_NAME_MAX)
	p.Main = t
	p.Next_handle = 2
	p.fsys = fsys

	js := mkjoinst(t.Tid)
	p.Joinsts = append(p.Joinsts, js)
	ut := &Uthread_t{Thread: t, Tid: t.Tid, Initialized: true, Joinst: js}
	p.Uthreads = append(p.Uthreads, ut)
	p.Uthread_counter = 1
	p.Offsets[0] = true // 0 is unusable
	p.Offsets[1] = true // main thread's stack

	exec.waitst = mkwaitst(defs.Pid_t(t.Tid))
	p.Waitst = exec.waitst

	tf := &defs.Tf_t{}
	tf.Fpu_init()
	tf.Regs[defs.TF_GS] = defs.SEL_UDSEG
	tf.Regs[defs.TF_FS] = defs.SEL_UDSEG
	tf.Regs[defs.TF_ES] = defs.SEL_UDSEG
	tf.Regs[defs.TF_DS] = defs.SEL_UDSEG
	tf.Regs[defs.TF_SS] = defs.SEL_UDSEG
	tf.Regs[defs.TF_CS] = defs.SEL_UCSEG
	tf.Regs[defs.TF_EFLAG] = defs.FLAG_IF | defs.FLAG_MBS

	success := p.load(t, exec.cmdline, tf)

	if !success {
		// unwind in reverse: mapping state first, then the
		// handles the load took
		if p.Pagedir != nil {
			pd := p.Pagedir
			p.Pagedir = nil
			vm.Pagedir_activate(nil)
			pd.Destroy()
		}
		if p.Bin_file != nil {
			fs.Fslock.Lock()
			p.Bin_file.Close()
			fs.Fslock.Unlock()
			p.Bin_file = nil
		}
		p.Waitst = nil
	}

	exec.success = success
	exec.load_done.Up()
	if !success {
		kthread.Exit()
	}

	klog.DPrintf(klog.PROC, "%v: entering user mode at %#x",
		p.Name, tf.Regs[defs.TF_EIP])
	Userret(p, t, tf)
	panic("user mode returned")
}

// / Proc_wait waits for the child with the given pid to die and
// / returns its exit code. If pid is not an unwaited child of p, it
// / returns -1 immediately.
func (p *Proc_t) Proc_wait(child defs.Pid_t) int {
	p.childl.Lock()
	for i, ws := range p.Children {
		if ws.Pid == child {
			p.Children = append(p.Children[:i], p.Children[i+1:]...)
			p.childl.Unlock()
			ws.Dead.Down()
			exit_code := ws.Exit_code
			ws.Release()
			return exit_code
		}
	}
	p.childl.Unlock()
	return -1
}

// / Proc_exit releases the process's resources and terminates the
// / calling thread. It is the only exit path for a process.
func (p *Proc_t) Proc_exit(t *kthread.Thread_t) {
	if p == nil {
		kthread.Exit()
	}

	// close the executable, re-allowing writes
	if p.Bin_file != nil {
		fs.Fslock.Lock()
		p.Bin_file.Close()
		fs.Fslock.Unlock()
		p.Bin_file = nil
	}

	// drop our reference on each child's status
	p.childl.Lock()
	for _, ws := range p.Children {
		ws.Release()
	}
	p.Children = nil
	p.childl.Unlock()

	// remaining join statuses and thread entries die with the
	// process; the address space teardown below reclaims their
	// stack frames
	p.Thread_lock.Acquire(t)
	p.Joinsts = nil
	p.Uthreads = nil
	p.Thread_lock.Release(t)

	// close whatever descriptors are still open
	p.Fdl.Lock()
	for len(p.Fds) > 0 {
		h := p.Fds[0].Handle
		p.fd_close_locked(h)
	}
	p.Fdl.Unlock()

	// Ordering is mandatory: detach the directory, activate the
	// kernel-only directory, and only then destroy. A timer
	// interrupt between the steps must not be able to reactivate
	// a freed directory.
	if pd := p.Pagedir; pd != nil {
		p.Pagedir = nil
		vm.Pagedir_activate(nil)
		pd.Destroy()
	}

	// notify the parent that we're dead, as the last thing we do
	if ws := p.Waitst; ws != nil {
		klog.Printf("%s: exit(%d)\n", p.Name, ws.Exit_code)
		ws.Dead.Up()
		ws.Release()
		p.Waitst = nil
	}

	kthread.Exit()
}

// / Proc_activate loads this process's page tables, or the kernel's
// / if it has none yet. It models the hook run on every context
// / switch.
func (p *Proc_t) Proc_activate() {
	if p != nil && p.Pagedir != nil {
		vm.Pagedir_activate(p.Pagedir)
	} else {
		vm.Pagedir_activate(nil)
	}
}

// fd_close_locked closes handle; Fdl held. Unknown handles are a
// no-op here, unlike the syscall path which kills the process.
func (p *Proc_t) fd_close_locked(handle int) bool {
	for i, f := range p.Fds {
		if f.Handle == handle {
			p.Fds = append(p.Fds[:i], p.Fds[i+1:]...)
			fs.Fslock.Lock()
			f.File.Close()
			fs.Fslock.Unlock()
			return true
		}
	}
	return false
}

// / Fd_close closes the descriptor with the given handle, reporting
// / whether it existed.
func (p *Proc_t) Fd_close(handle int) bool {
	p.Fdl.Lock()
	defer p.Fdl.Unlock()
	return p.fd_close_locked(handle)
}

// / Fd_lookup returns the descriptor with the given handle.
func (p *Proc_t) Fd_lookup(handle int) (*fd.Fd_t, bool) {
	p.Fdl.Lock()
	defer p.Fdl.Unlock()
	for _, f := range p.Fds {
		if f.Handle == handle {
			return f, true
		}
	}
	return nil, false
}

// / Fd_insert installs an open file in the descriptor table and
// / returns its new handle.
func (p *Proc_t) Fd_insert(f *fs.File_t) int {
	p.Fdl.Lock()
	defer p.Fdl.Unlock()
	handle := p.Next_handle
	p.Next_handle++
	p.Fds = append([]*fd.Fd_t{fd.Mkfd(handle, f)}, p.Fds...)
	return handle
}

// get_uthread returns the thread entry for tid; thread lock held.
func (p *Proc_t) get_uthread(tid defs.Tid_t) *Uthread_t {
	for _, ut := range p.Uthreads {
		if ut.Tid == tid {
			return ut
		}
	}
	return nil
}

// / Get_uthread looks up tid's entry under the process thread lock.
func (p *Proc_t) Get_uthread(t *kthread.Thread_t, tid defs.Tid_t) *Uthread_t {
	p.Thread_lock.Acquire(t)
	defer p.Thread_lock.Release(t)
	return p.get_uthread(tid)
}

// create_uthread adds an uninitialized entry for tid; thread lock
// held. The thread pointer is filled only when the new thread itself
// is the caller.
func (p *Proc_t) create_uthread(t *kthread.Thread_t, tid defs.Tid_t) *Uthread_t {
	ut := &Uthread_t{Tid: tid}
	if tid == t.Tid {
		ut.Thread = t
	}
	p.Uthreads = append(p.Uthreads, ut)
	return ut
}
