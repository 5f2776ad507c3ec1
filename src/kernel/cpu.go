package kernel

import (
	"defs"
	"klog"
	"kthread"
	"proc"
	"util"
)

// The CPU boundary. Real hardware would iret into the mapped text
// segment; here the text of a program is a registered Go body that
// may touch the kernel only the way machine code could: through its
// own mapped memory and the trap-frame syscall path. The simulator
// honors the stack contracts the loader and setup_thread build, so
// the argv frame and the thread stubs are exercised byte for byte.

// / Prog_t is the behavior of one executable image. Main runs when a
// / process enters at the image's entry point; its return value
// / becomes the process exit code, the way a C runtime calls
// / exit(main(...)). Funcs holds the functions user threads may start
// / at, keyed by the function "address" passed to pt_create.
type Prog_t struct {
	Main  func(u *Uproc_t) int
	Funcs map[int]func(u *Uproc_t, arg int)
}

var progs map[string]*Prog_t

// / Cpu_init installs the user-mode boundary with the given program
// / registry and hooks the interrupt-return trampoline.
func Cpu_init(registry map[string]*Prog_t) {
	progs = registry
	proc.Userret = userret
}

// userret transfers t to user mode. A process whose image has no
// registered behavior faults immediately and exits -1.
func userret(p *proc.Proc_t, t *kthread.Thread_t, tf *defs.Tf_t) {
	prog := progs[p.Name.String()]
	if prog == nil {
		klog.DPrintf(klog.PROC, "%v: no text at %#x", p.Name, tf.Regs[defs.TF_EIP])
		p.Proc_exit(t)
	}
	u := &Uproc_t{P: p, T: t, Tf: tf}
	if p.Is_main_thread(t) {
		code := 0
		if prog.Main != nil {
			code = prog.Main(u)
		}
		u.Sys(defs.SYS_EXIT, code)
	} else {
		// a fresh thread starts at the stub with its stack
		// holding a null return address, the function, and the
		// argument; the stub calls the function and then exits
		esp := tf.Regs[defs.TF_ESP]
		fn, ok1 := u.Readw(esp + 4)
		arg, ok2 := u.Readw(esp + 8)
		if !ok1 || !ok2 {
			p.Proc_exit(t)
		}
		f := prog.Funcs[fn]
		if f == nil {
			p.Proc_exit(t)
		}
		f(u, arg)
		u.Sys(defs.SYS_PT_EXIT)
	}
	kthread.Exit()
}

// / Uproc_t is the register and memory context of one user thread
// / while it runs in user mode.
type Uproc_t struct {
	P  *proc.Proc_t
	T  *kthread.Thread_t
	Tf *defs.Tf_t
}

// / Sys raises the system-call interrupt: the call number and
// / arguments are stored on the user stack and the kernel reads them
// / back through the page tables. It returns the value the kernel
// / left in eax.
func (u *Uproc_t) Sys(nr int, args ...int) int {
	old := u.Tf.Regs[defs.TF_ESP]
	sp := old - 4*(len(args)+1)
	if err := u.P.Pagedir.Userwriten(sp, 4, nr); err != 0 {
		u.P.Proc_exit(u.T)
	}
	for i, a := range args {
		if err := u.P.Pagedir.Userwriten(sp+4*(i+1), 4, a); err != 0 {
			u.P.Proc_exit(u.T)
		}
	}
	u.Tf.Regs[defs.TF_ESP] = sp
	Syscall(u.P, u.T, u.Tf)
	u.Tf.Regs[defs.TF_ESP] = old
	return u.Tf.Regs[defs.TF_EAX]
}

// / Push stores buf on the user stack and returns its user address.
func (u *Uproc_t) Push(buf []uint8) int {
	sp := u.Tf.Regs[defs.TF_ESP] - util.Roundup(len(buf), 4)
	if err := u.P.Pagedir.K2user(buf, sp); err != 0 {
		u.P.Proc_exit(u.T)
	}
	u.Tf.Regs[defs.TF_ESP] = sp
	return sp
}

// / Pushstr stores a NUL terminated string on the user stack and
// / returns its user address.
func (u *Uproc_t) Pushstr(s string) int {
	return u.Push(append([]uint8(s), 0))
}

// / Readw loads a word from user memory.
func (u *Uproc_t) Readw(va int) (int, bool) {
	v, err := u.P.Pagedir.Userreadn(va, 4)
	return v, err == 0
}

// / Args reads argc and argv back off this process's initial stack
// / frame.
func (u *Uproc_t) Args() []string {
	esp := u.Tf.Regs[defs.TF_ESP]
	argc, ok := u.Readw(esp + 4)
	if !ok {
		return nil
	}
	argv, ok := u.Readw(esp + 8)
	if !ok {
		return nil
	}
	ret := make([]string, 0, argc)
	for i := 0; i < argc; i++ {
		pstr, ok := u.Readw(argv + 4*i)
		if !ok {
			return nil
		}
		s, err := u.P.Pagedir.Userstr(pstr, 4096)
		if err != 0 {
			return nil
		}
		ret = append(ret, s)
	}
	return ret
}
