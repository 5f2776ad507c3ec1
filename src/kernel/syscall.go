// Package kernel is the system-call surface: argument marshalling
// from user memory, the dispatch table, and the CPU boundary that
// carries threads into user mode. Any invalid user pointer met while
// copying arguments or validating I/O buffers terminates the
// process.
package kernel

import (
	"os"

	"defs"
	"fs"
	"klog"
	"kthread"
	"mem"
	"proc"
)

// / Halt powers the machine off. Tests may replace it.
var Halt = func() {
	klog.Printf("machine halt\n")
	os.Exit(0)
}

type syscall_t struct {
	argcnt int
	fn     func(p *proc.Proc_t, t *kthread.Thread_t, a0, a1, a2 int) int
}

var systable = []syscall_t{
	defs.SYS_HALT:         {0, sys_halt},
	defs.SYS_EXIT:         {1, sys_exit},
	defs.SYS_EXEC:         {1, sys_exec},
	defs.SYS_WAIT:         {1, sys_wait},
	defs.SYS_CREATE:       {2, sys_create},
	defs.SYS_REMOVE:       {1, sys_remove},
	defs.SYS_OPEN:         {1, sys_open},
	defs.SYS_FILESIZE:     {1, sys_filesize},
	defs.SYS_READ:         {3, sys_read},
	defs.SYS_WRITE:        {3, sys_write},
	defs.SYS_SEEK:         {2, sys_seek},
	defs.SYS_TELL:         {1, sys_tell},
	defs.SYS_CLOSE:        {1, sys_close},
	defs.SYS_PRACTICE:     {1, sys_practice},
	defs.SYS_COMPUTE_E:    {1, sys_compute_e},
	defs.SYS_PT_CREATE:    {3, sys_pt_create},
	defs.SYS_PT_EXIT:      {0, sys_pt_exit},
	defs.SYS_PT_JOIN:      {1, sys_pt_join},
	defs.SYS_LOCK_INIT:    {1, sys_lock_init},
	defs.SYS_LOCK_ACQUIRE: {1, sys_lock_acquire},
	defs.SYS_LOCK_RELEASE: {1, sys_lock_release},
	defs.SYS_SEMA_INIT:    {2, sys_sema_init},
	defs.SYS_SEMA_DOWN:    {1, sys_sema_down},
	defs.SYS_SEMA_UP:      {1, sys_sema_up},
	defs.SYS_GET_TID:      {0, sys_get_tid},
}

// / Syscall services the software interrupt raised by t: the call
// / number is the word at the user stack pointer, arguments are the
// / following words. The return value is stored in eax. Bad call
// / numbers and bad argument pointers terminate the process.
func Syscall(p *proc.Proc_t, t *kthread.Thread_t, tf *defs.Tf_t) {
	esp := tf.Regs[defs.TF_ESP]
	nr := copy_in_word(p, t, esp)
	if nr < 0 || nr >= len(systable) {
		p.Proc_exit(t)
	}
	sc := &systable[nr]
	if sc.fn == nil {
		p.Proc_exit(t)
	}
	var args [3]int
	for i := 0; i < sc.argcnt; i++ {
		args[i] = copy_in_word(p, t, esp+4*(i+1))
	}
	klog.DPrintf(klog.SYS, "%v tid %v syscall %v %v", p.Name, t.Tid, nr, args[:sc.argcnt])
	tf.Regs[defs.TF_EAX] = sc.fn(p, t, args[0], args[1], args[2])
}

// copy_in_word reads one argument word from user memory, killing the
// process on an invalid pointer.
func copy_in_word(p *proc.Proc_t, t *kthread.Thread_t, uva int) int {
	v, err := p.Pagedir.Userreadn(uva, 4)
	if err != 0 {
		p.Proc_exit(t)
	}
	return v
}

// copy_in_string copies a NUL terminated string from user memory,
// truncating at one page with a forced terminator. An invalid
// pointer kills the process.
func copy_in_string(p *proc.Proc_t, t *kthread.Thread_t, uva int) string {
	ks := make([]uint8, 0, 64)
	for len(ks) < mem.PGSIZE {
		src, err := p.Pagedir.Userdmap8r(uva + len(ks))
		if err != 0 {
			p.Proc_exit(t)
		}
		for _, c := range src {
			if c == 0 || len(ks) == mem.PGSIZE-1 {
				return string(ks)
			}
			ks = append(ks, c)
		}
	}
	return string(ks)
}

func sys_halt(p *proc.Proc_t, t *kthread.Thread_t, a0, a1, a2 int) int {
	Halt()
	return 0
}

func sys_exit(p *proc.Proc_t, t *kthread.Thread_t, code, a1, a2 int) int {
	if p.Waitst != nil {
		p.Waitst.Exit_code = code
	}
	if !p.Is_main_thread(t) {
		p.Exiting = true
		p.Pthread_exit(t)
	} else {
		p.Pthread_exit_main(t)
	}
	panic("exit returned")
}

func sys_exec(p *proc.Proc_t, t *kthread.Thread_t, upath, a1, a2 int) int {
	kfile := copy_in_string(p, t, upath)
	return int(p.Proc_execute(kfile))
}

func sys_wait(p *proc.Proc_t, t *kthread.Thread_t, pid, a1, a2 int) int {
	return p.Proc_wait(defs.Pid_t(pid))
}

func bool2int(b bool) int {
	if b {
		return 1
	}
	return 0
}

func sys_create(p *proc.Proc_t, t *kthread.Thread_t, upath, size, a2 int) int {
	kfile := copy_in_string(p, t, upath)
	fs.Fslock.Lock()
	ok := p.Fsys().Fs_create(kfile, size)
	fs.Fslock.Unlock()
	return bool2int(ok)
}

func sys_remove(p *proc.Proc_t, t *kthread.Thread_t, upath, a1, a2 int) int {
	kfile := copy_in_string(p, t, upath)
	fs.Fslock.Lock()
	ok := p.Fsys().Fs_remove(kfile)
	fs.Fslock.Unlock()
	return bool2int(ok)
}

func sys_open(p *proc.Proc_t, t *kthread.Thread_t, upath, a1, a2 int) int {
	kfile := copy_in_string(p, t, upath)
	fs.Fslock.Lock()
	f, err := p.Fsys().Fs_open(kfile)
	fs.Fslock.Unlock()
	if err != 0 {
		return -1
	}
	return p.Fd_insert(f)
}

// lookup_fd returns the open file for handle; an unknown handle
// terminates the process.
func lookup_fd(p *proc.Proc_t, t *kthread.Thread_t, handle int) *fs.File_t {
	f, ok := p.Fd_lookup(handle)
	if !ok {
		p.Proc_exit(t)
	}
	return f.File
}

func sys_filesize(p *proc.Proc_t, t *kthread.Thread_t, handle, a1, a2 int) int {
	f := lookup_fd(p, t, handle)
	fs.Fslock.Lock()
	size := f.Len()
	fs.Fslock.Unlock()
	return size
}

func sys_read(p *proc.Proc_t, t *kthread.Thread_t, handle, udst, size int) int {
	if size < 0 {
		return -1
	}
	if handle == defs.STDIN_FILENO {
		for i := 0; i < size; i++ {
			c := klog.Getc()
			if err := p.Pagedir.Userwriten(udst+i, 1, int(c)); err != 0 {
				p.Proc_exit(t)
			}
		}
		return size
	}

	f := lookup_fd(p, t, handle)
	fs.Fslock.Lock()
	bytes_read := 0
	for size > 0 {
		// touch at most the rest of this user page
		dst, err := p.Pagedir.Userdmap8w(udst)
		if err != 0 {
			fs.Fslock.Unlock()
			p.Proc_exit(t)
		}
		read_amt := size
		if read_amt > len(dst) {
			read_amt = len(dst)
		}
		ret, ferr := f.Read(dst[:read_amt])
		if ferr != 0 {
			if bytes_read == 0 {
				bytes_read = -1
			}
			break
		}
		bytes_read += ret
		if ret != read_amt {
			break
		}
		udst += ret
		size -= ret
	}
	fs.Fslock.Unlock()
	return bytes_read
}

func sys_write(p *proc.Proc_t, t *kthread.Thread_t, handle, usrc, size int) int {
	if size < 0 {
		return -1
	}
	var f *fs.File_t
	if handle != defs.STDOUT_FILENO {
		f = lookup_fd(p, t, handle)
	}

	fs.Fslock.Lock()
	bytes_written := 0
	for size > 0 {
		src, err := p.Pagedir.Userdmap8r(usrc)
		if err != 0 {
			fs.Fslock.Unlock()
			p.Proc_exit(t)
		}
		write_amt := size
		if write_amt > len(src) {
			write_amt = len(src)
		}
		var ret int
		if handle == defs.STDOUT_FILENO {
			klog.Putbuf(src[:write_amt])
			ret = write_amt
		} else {
			var ferr defs.Err_t
			ret, ferr = f.Write(src[:write_amt])
			if ferr != 0 {
				if bytes_written == 0 {
					bytes_written = -1
				}
				break
			}
		}
		bytes_written += ret
		if ret != write_amt {
			break
		}
		usrc += ret
		size -= ret
	}
	fs.Fslock.Unlock()
	return bytes_written
}

func sys_seek(p *proc.Proc_t, t *kthread.Thread_t, handle, pos, a2 int) int {
	f := lookup_fd(p, t, handle)
	fs.Fslock.Lock()
	if pos >= 0 {
		f.Seek(pos)
	}
	fs.Fslock.Unlock()
	return 0
}

func sys_tell(p *proc.Proc_t, t *kthread.Thread_t, handle, a1, a2 int) int {
	f := lookup_fd(p, t, handle)
	fs.Fslock.Lock()
	pos := f.Tell()
	fs.Fslock.Unlock()
	return pos
}

func sys_close(p *proc.Proc_t, t *kthread.Thread_t, handle, a1, a2 int) int {
	if !p.Fd_close(handle) {
		p.Proc_exit(t)
	}
	return 0
}

func sys_practice(p *proc.Proc_t, t *kthread.Thread_t, n, a1, a2 int) int {
	return n + 1
}

// sys_compute_e returns the floor of the n-term partial sum of e.
func sys_compute_e(p *proc.Proc_t, t *kthread.Thread_t, n, a1, a2 int) int {
	if n < 0 {
		return -1
	}
	e := 0.0
	fact := 1.0
	for i := 0; i <= n; i++ {
		if i > 0 {
			fact *= float64(i)
		}
		e += 1.0 / fact
	}
	return int(e)
}

func sys_pt_create(p *proc.Proc_t, t *kthread.Thread_t, sfun, tfun, arg int) int {
	return int(p.Pthread_execute(t, sfun, tfun, arg))
}

func sys_pt_exit(p *proc.Proc_t, t *kthread.Thread_t, a0, a1, a2 int) int {
	p.Pthread_exit(t)
	panic("pt_exit returned")
}

func sys_pt_join(p *proc.Proc_t, t *kthread.Thread_t, tid, a1, a2 int) int {
	return int(p.Pthread_join(t, defs.Tid_t(tid)))
}

// read_handle loads the byte handle stored at the user address h.
func read_handle(p *proc.Proc_t, t *kthread.Thread_t, h int) int {
	v, err := p.Pagedir.Userreadn(h, 1)
	if err != 0 {
		p.Proc_exit(t)
	}
	return v
}

func sys_lock_init(p *proc.Proc_t, t *kthread.Thread_t, h, a1, a2 int) int {
	if h == 0 {
		return 0
	}
	idx, ok := p.Ulock_init(t)
	if !ok {
		return 0
	}
	if err := p.Pagedir.Userwriten(h, 1, idx); err != 0 {
		p.Proc_exit(t)
	}
	return 1
}

func sys_lock_acquire(p *proc.Proc_t, t *kthread.Thread_t, h, a1, a2 int) int {
	if h == 0 {
		return 0
	}
	return bool2int(p.Ulock_acquire(t, read_handle(p, t, h)))
}

func sys_lock_release(p *proc.Proc_t, t *kthread.Thread_t, h, a1, a2 int) int {
	if h == 0 {
		return 0
	}
	return bool2int(p.Ulock_release(t, read_handle(p, t, h)))
}

func sys_sema_init(p *proc.Proc_t, t *kthread.Thread_t, h, val, a2 int) int {
	if h == 0 || val < 0 {
		return 0
	}
	idx, ok := p.Usema_init(t, val)
	if !ok {
		return 0
	}
	if err := p.Pagedir.Userwriten(h, 1, idx); err != 0 {
		p.Proc_exit(t)
	}
	return 1
}

func sys_sema_down(p *proc.Proc_t, t *kthread.Thread_t, h, a1, a2 int) int {
	if h == 0 {
		return 0
	}
	return bool2int(p.Usema_down(read_handle(p, t, h)))
}

func sys_sema_up(p *proc.Proc_t, t *kthread.Thread_t, h, a1, a2 int) int {
	if h == 0 {
		return 0
	}
	return bool2int(p.Usema_up(read_handle(p, t, h)))
}

func sys_get_tid(p *proc.Proc_t, t *kthread.Thread_t, a0, a1, a2 int) int {
	return int(t.Tid)
}
