package proc_test

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"defs"
	"fs"
	"klog"
	"kthread"
	"mem"
	"proc"
	"ufs"
	"vm"
)

// The tests drive the process core with a miniature user-mode
// boundary: the trampoline hook runs a per-program Go body that may
// only touch its address space through the page tables, the same
// contract real user text gets. Program bodies run on spawned kernel
// threads, so they record with assert and channels, never require.

type conswriter struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (cw *conswriter) Write(p []byte) (int, error) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	return cw.buf.Write(p)
}

func (cw *conswriter) String() string {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	return cw.buf.String()
}

type uctx struct {
	p  *proc.Proc_t
	t  *kthread.Thread_t
	tf *defs.Tf_t
}

func (u *uctx) readw(va int) int {
	v, err := u.p.Pagedir.Userreadn(va, 4)
	if err != 0 {
		return -1
	}
	return v
}

// args reads argc and argv back off the initial stack frame.
func (u *uctx) args() []string {
	esp := u.tf.Regs[defs.TF_ESP]
	argc := u.readw(esp + 4)
	argv := u.readw(esp + 8)
	ret := make([]string, 0, argc)
	for i := 0; i < argc; i++ {
		s, err := u.p.Pagedir.Userstr(u.readw(argv+4*i), 4096)
		if err != 0 {
			return nil
		}
		ret = append(ret, s)
	}
	return ret
}

type tkern struct {
	kp    *proc.Proc_t
	kt    *kthread.Thread_t
	cons  *conswriter
	mains map[string]func(u *uctx) int
	funcs map[int]func(u *uctx, arg int)
}

func mkkern(t *testing.T, npages int, extra map[string][]uint8) *tkern {
	phys := mem.Phys_init(npages)
	t.Cleanup(phys.Release)

	k := &tkern{
		cons:  &conswriter{},
		mains: make(map[string]func(u *uctx) int),
		funcs: make(map[int]func(u *uctx, arg int)),
	}
	old := klog.SetOutput(k.cons)
	t.Cleanup(func() { klog.SetOutput(old) })

	files := make(map[string][]uint8)
	for name, data := range extra {
		files[name] = data
	}
	img, err := ufs.Mkprog([]uint8("echo"))
	require.NoError(t, err)
	files["echo"] = img
	fsys, ferr := fs.Mount(fs.Mkmembdev(ufs.Mkfsimg(files), 64), 16)
	require.NoError(t, ferr)

	k.kt = kthread.Mkmain("ktest")
	t.Cleanup(kthread.Exitmain)
	k.kp = proc.Mkkproc(k.kt, fsys)

	proc.Userret = func(p *proc.Proc_t, ut *kthread.Thread_t, tf *defs.Tf_t) {
		u := &uctx{p: p, t: ut, tf: tf}
		if p.Is_main_thread(ut) {
			code := 0
			if body, ok := k.mains[p.Name.String()]; ok {
				code = body(u)
			}
			if p.Waitst != nil {
				p.Waitst.Exit_code = code
			}
			p.Pthread_exit_main(ut)
		} else {
			esp := tf.Regs[defs.TF_ESP]
			fn := u.readw(esp + 4)
			arg := u.readw(esp + 8)
			if f, ok := k.funcs[fn]; ok {
				f(u, arg)
			}
			p.Pthread_exit(ut)
		}
		panic("exit returned")
	}
	return k
}

func TestExecWaitExitCode(t *testing.T) {
	k := mkkern(t, 256, nil)
	got := make(chan []string, 1)
	k.mains["echo"] = func(u *uctx) int {
		got <- u.args()
		return 0
	}

	pid := k.kp.Proc_execute("echo hello world")
	require.NotEqual(t, defs.TID_ERR, pid)
	assert.Equal(t, 0, k.kp.Proc_wait(pid))
	assert.Equal(t, []string{"echo", "hello", "world"}, <-got)
	assert.Contains(t, k.cons.String(), "echo: exit(0)\n")

	// exactly one wait succeeds per child
	assert.Equal(t, -1, k.kp.Proc_wait(pid))
	assert.Equal(t, -1, k.kp.Proc_wait(pid+1))
}

func TestExitCodePropagates(t *testing.T) {
	k := mkkern(t, 256, nil)
	k.mains["echo"] = func(u *uctx) int {
		return 42
	}
	pid := k.kp.Proc_execute("echo")
	require.NotEqual(t, defs.TID_ERR, pid)
	assert.Equal(t, 42, k.kp.Proc_wait(pid))
	assert.Contains(t, k.cons.String(), "echo: exit(42)\n")
}

func TestArgvFrameLayout(t *testing.T) {
	k := mkkern(t, 256, nil)
	type frame struct {
		espmod   int
		ra       int
		argc     int
		sentinel int
		args     []string
	}
	got := make(chan frame, 1)
	k.mains["echo"] = func(u *uctx) int {
		esp := u.tf.Regs[defs.TF_ESP]
		argc := u.readw(esp + 4)
		argv := u.readw(esp + 8)
		got <- frame{
			espmod:   esp % 16,
			ra:       u.readw(esp),
			argc:     argc,
			sentinel: u.readw(argv + 4*argc),
			args:     u.args(),
		}
		return 0
	}

	// runs of spaces separate tokens without producing empty ones
	pid := k.kp.Proc_execute("echo  one   two ")
	require.NotEqual(t, defs.TID_ERR, pid)
	require.Equal(t, 0, k.kp.Proc_wait(pid))

	f := <-got
	// esp+4 is 16-byte aligned: the frame looks exactly like the
	// moment after a call instruction pushed the return address
	assert.Equal(t, 12, f.espmod)
	assert.Equal(t, 0, f.ra)
	assert.Equal(t, 3, f.argc)
	assert.Equal(t, 0, f.sentinel)
	assert.Equal(t, []string{"echo", "one", "two"}, f.args)
}

func TestLoadFailures(t *testing.T) {
	k := mkkern(t, 256, map[string][]uint8{
		"garbage": []uint8("this is not an executable, not even close"),
	})
	assert.Equal(t, defs.TID_ERR, k.kp.Proc_execute("missing arg"))
	assert.Contains(t, k.cons.String(), "load: missing: open failed\n")

	assert.Equal(t, defs.TID_ERR, k.kp.Proc_execute("garbage"))
	assert.Contains(t, k.cons.String(), "load: garbage: error loading executable\n")

	// a failed exec produces no wait entry and no exit message
	assert.NotContains(t, k.cons.String(), "exit(")
}

func TestLoadOutOfFrames(t *testing.T) {
	// enough frames to mount but not to build an address space
	k := mkkern(t, 2, nil)
	assert.Equal(t, defs.TID_ERR, k.kp.Proc_execute("echo"))
}

func TestExecutableDenyWrite(t *testing.T) {
	k := mkkern(t, 256, nil)
	release := make(chan bool)
	started := make(chan bool)
	k.mains["echo"] = func(u *uctx) int {
		started <- true
		<-release
		return 0
	}
	pid := k.kp.Proc_execute("echo")
	require.NotEqual(t, defs.TID_ERR, pid)
	<-started

	// the running child holds its binary with writes denied
	f, err := k.kp.Fsys().Fs_open("echo")
	require.Equal(t, 0, int(err))
	n, _ := f.Write([]uint8("x"))
	assert.Equal(t, 0, n)

	close(release)
	require.Equal(t, 0, k.kp.Proc_wait(pid))

	// exit closed the binary and re-allowed writes
	n, _ = f.Write([]uint8("x"))
	assert.Equal(t, 1, n)
	f.Close()
}

func TestConcurrentChildren(t *testing.T) {
	k := mkkern(t, 512, nil)
	k.mains["echo"] = func(u *uctx) int {
		args := u.args()
		if len(args) == 2 && args[1] == "seven" {
			return 7
		}
		return 9
	}

	pid1 := k.kp.Proc_execute("echo seven")
	pid2 := k.kp.Proc_execute("echo nine")
	require.NotEqual(t, defs.TID_ERR, pid1)
	require.NotEqual(t, defs.TID_ERR, pid2)

	var mu sync.Mutex
	codes := make(map[int]bool)
	var eg errgroup.Group
	for _, pid := range []defs.Pid_t{pid1, pid2} {
		pid := pid
		eg.Go(func() error {
			code := k.kp.Proc_wait(pid)
			mu.Lock()
			codes[code] = true
			mu.Unlock()
			return nil
		})
	}
	require.NoError(t, eg.Wait())
	assert.True(t, codes[7] && codes[9], "got %v", codes)

	assert.Equal(t, -1, k.kp.Proc_wait(pid1))
	assert.Equal(t, -1, k.kp.Proc_wait(pid2))
}

func TestPthreadCreateJoin(t *testing.T) {
	k := mkkern(t, 256, nil)
	const stub = 0x5000
	ran := make(chan int, 1)
	k.funcs[1] = func(u *uctx, arg int) {
		// rendezvous with main through a user semaphore
		assert.True(t, u.p.Usema_down(0))
		ran <- arg
	}
	k.mains["echo"] = func(u *uctx) int {
		idx, ok := u.p.Usema_init(u.t, 0)
		assert.True(t, ok)
		assert.Equal(t, 0, idx)

		tid := u.p.Pthread_execute(u.t, stub, 1, 777)
		assert.NotEqual(t, defs.TID_ERR, tid)
		assert.True(t, u.p.Usema_up(0))

		assert.Equal(t, tid, u.p.Pthread_join(u.t, tid))
		assert.Equal(t, 777, <-ran)
		// at most one join succeeds per thread
		assert.Equal(t, defs.TID_ERR, u.p.Pthread_join(u.t, tid))
		assert.Equal(t, defs.TID_ERR, u.p.Pthread_join(u.t, tid+100))
		return 0
	}
	pid := k.kp.Proc_execute("echo")
	require.NotEqual(t, defs.TID_ERR, pid)
	assert.Equal(t, 0, k.kp.Proc_wait(pid))
}

func TestThreadStackContract(t *testing.T) {
	k := mkkern(t, 256, nil)
	const stub = 0x7000
	type view struct {
		upage  int
		offset int
		esp    int
		ra     int
	}
	got := make(chan view, 2)
	k.funcs[2] = func(u *uctx, arg int) {
		got <- view{
			upage:  u.t.Upage,
			offset: u.t.Offset,
			esp:    u.tf.Regs[defs.TF_ESP],
			ra:     u.readw(u.tf.Regs[defs.TF_ESP]),
		}
	}
	k.mains["echo"] = func(u *uctx) int {
		tid := u.p.Pthread_execute(u.t, stub, 2, 5)
		assert.NotEqual(t, defs.TID_ERR, tid)
		assert.Equal(t, tid, u.p.Pthread_join(u.t, tid))

		v := <-got
		// the first spawned thread claims offset slot 2, the
		// lowest free one
		assert.Equal(t, 2, v.offset)
		assert.Equal(t, mem.PHYS_BASE-2*mem.PGSIZE, v.upage)
		// stack: null return address, then fn, then arg
		assert.Equal(t, v.upage+mem.PGSIZE-24, v.esp)
		assert.Equal(t, 0, v.ra)

		// the slot frees on thread exit and is claimed again
		tid2 := u.p.Pthread_execute(u.t, stub, 2, 5)
		assert.NotEqual(t, defs.TID_ERR, tid2)
		assert.Equal(t, tid2, u.p.Pthread_join(u.t, tid2))
		v2 := <-got
		assert.Equal(t, 2, v2.offset)
		return 0
	}
	pid := k.kp.Proc_execute("echo")
	require.NotEqual(t, defs.TID_ERR, pid)
	assert.Equal(t, 0, k.kp.Proc_wait(pid))
}

func TestExitMainJoinsPeers(t *testing.T) {
	k := mkkern(t, 256, nil)
	const stub = 0x5000
	var mu sync.Mutex
	finished := 0
	k.funcs[3] = func(u *uctx, arg int) {
		u.p.Usema_down(0)
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		finished++
		mu.Unlock()
	}
	k.mains["echo"] = func(u *uctx) int {
		_, ok := u.p.Usema_init(u.t, 0)
		assert.True(t, ok)
		for i := 0; i < 2; i++ {
			assert.NotEqual(t, defs.TID_ERR,
				u.p.Pthread_execute(u.t, stub, 3, i))
		}
		u.p.Usema_up(0)
		u.p.Usema_up(0)
		// return without joining: the main exit path must
		// join both peers before the process dies
		return 0
	}
	pid := k.kp.Proc_execute("echo")
	require.NotEqual(t, defs.TID_ERR, pid)
	assert.Equal(t, 0, k.kp.Proc_wait(pid))

	mu.Lock()
	assert.Equal(t, 2, finished)
	mu.Unlock()
	assert.Contains(t, k.cons.String(), "echo: exit(0)\n")
}

func TestUserLocks(t *testing.T) {
	k := mkkern(t, 256, nil)
	k.mains["echo"] = func(u *uctx) int {
		h, ok := u.p.Ulock_init(u.t)
		assert.True(t, ok)
		assert.Equal(t, 0, h)
		h2, ok := u.p.Ulock_init(u.t)
		assert.True(t, ok)
		assert.Equal(t, 1, h2)

		assert.True(t, u.p.Ulock_acquire(u.t, h))
		// reacquiring a held lock fails instead of deadlocking
		assert.False(t, u.p.Ulock_acquire(u.t, h))
		assert.True(t, u.p.Ulock_release(u.t, h))
		// release without a prior acquire fails
		assert.False(t, u.p.Ulock_release(u.t, h))
		// uninitialized slots are rejected
		assert.False(t, u.p.Ulock_acquire(u.t, 200))
		assert.False(t, u.p.Ulock_release(u.t, 200))
		assert.False(t, u.p.Usema_down(200))
		return 0
	}
	pid := k.kp.Proc_execute("echo")
	require.NotEqual(t, defs.TID_ERR, pid)
	assert.Equal(t, 0, k.kp.Proc_wait(pid))
}

func TestLockHandoffBetweenThreads(t *testing.T) {
	k := mkkern(t, 256, nil)
	const stub = 0x5000
	order := make(chan string, 4)
	k.funcs[4] = func(u *uctx, arg int) {
		assert.True(t, u.p.Ulock_acquire(u.t, 0))
		order <- "thread got lock"
		assert.True(t, u.p.Ulock_release(u.t, 0))
	}
	k.mains["echo"] = func(u *uctx) int {
		_, ok := u.p.Ulock_init(u.t)
		assert.True(t, ok)
		assert.True(t, u.p.Ulock_acquire(u.t, 0))
		tid := u.p.Pthread_execute(u.t, stub, 4, 0)
		assert.NotEqual(t, defs.TID_ERR, tid)
		order <- "main releasing"
		assert.True(t, u.p.Ulock_release(u.t, 0))
		assert.Equal(t, tid, u.p.Pthread_join(u.t, tid))
		// the other thread released it; we do not hold it
		assert.False(t, u.p.Ulock_release(u.t, 0))
		return 0
	}
	pid := k.kp.Proc_execute("echo")
	require.NotEqual(t, defs.TID_ERR, pid)
	assert.Equal(t, 0, k.kp.Proc_wait(pid))
	assert.Equal(t, "main releasing", <-order)
	assert.Equal(t, "thread got lock", <-order)
}

func TestPagedirTeardownOrder(t *testing.T) {
	k := mkkern(t, 256, nil)
	k.mains["echo"] = func(u *uctx) int { return 0 }
	pid := k.kp.Proc_execute("echo")
	require.NotEqual(t, defs.TID_ERR, pid)
	require.Equal(t, 0, k.kp.Proc_wait(pid))
	// after exit the activate register must not point at the
	// destroyed directory
	assert.Nil(t, vm.Active())
}
