// Package kthread provides the primitive thread, lock, and
// semaphore collaborators the process core builds on. A kernel
// thread is a goroutine carrying a Thread_t; preemption is the Go
// scheduler's.
package kthread

import (
	"runtime"
	"sync"
	"sync/atomic"

	"defs"
	"limits"
	"mem"
)

// / THREAD_NAME_MAX bounds a kernel thread's name, including room for
// / a terminator in a fixed-width field.
const THREAD_NAME_MAX = 16

// / Thread_t is the per-thread state the kernel tracks for every
// / spawned thread. The stack bookkeeping fields are owned by the
// / thread itself once its user stack is installed.
type Thread_t struct {
	Tid  defs.Tid_t
	Name string
	// user stack page of this thread, if it entered user mode
	Kpage  *mem.Bytepg_t
	Upage  int
	Offset int
}

var tids atomic.Int64
var nlive atomic.Int64

func tid_new() defs.Tid_t {
	return defs.Tid_t(tids.Add(1))
}

// / Mkmain builds the Thread_t for a thread that already exists, such
// / as the boot thread. It counts against the live-thread limit.
func Mkmain(name string) *Thread_t {
	nlive.Add(1)
	return &Thread_t{Tid: tid_new(), Name: trunc(name)}
}

func trunc(name string) string {
	if len(name) >= THREAD_NAME_MAX {
		return name[:THREAD_NAME_MAX-1]
	}
	return name
}

// / Spawn starts fn on a new kernel thread and returns its tid, or
// / TID_ERR when the live-thread limit is reached. fn receives the
// / new thread's Thread_t.
func Spawn(name string, fn func(*Thread_t)) defs.Tid_t {
	if int(nlive.Add(1)) > limits.Syslimit.Kthreads {
		nlive.Add(-1)
		return defs.TID_ERR
	}
	t := &Thread_t{Tid: tid_new(), Name: trunc(name)}
	go func() {
		defer nlive.Add(-1)
		fn(t)
	}()
	return t.Tid
}

// / Exit terminates the calling kernel thread. It does not return.
func Exit() {
	runtime.Goexit()
}

// / Nlive returns the number of live kernel threads.
func Nlive() int {
	return int(nlive.Load())
}

// / Exitmain releases the boot thread's slot in the live count.
func Exitmain() {
	nlive.Add(-1)
}

// / Lock_t is a primitive sleeping lock that knows its holder. The
// / zero value is an unheld lock.
type Lock_t struct {
	mu     sync.Mutex
	holder atomic.Int64
}

// / Acquire takes the lock for t, blocking while another thread holds
// / it.
func (l *Lock_t) Acquire(t *Thread_t) {
	l.mu.Lock()
	l.holder.Store(int64(t.Tid))
}

// / Release drops the lock. The caller must hold it.
func (l *Lock_t) Release(t *Thread_t) {
	if l.holder.Load() != int64(t.Tid) {
		panic("release of lock not held")
	}
	l.holder.Store(0)
	l.mu.Unlock()
}

// / Held_by reports whether t currently holds the lock.
func (l *Lock_t) Held_by(t *Thread_t) bool {
	return l.holder.Load() == int64(t.Tid)
}

// / Sema_t is a counting semaphore. The zero value is a semaphore
// / with count zero; Init may set another count.
type Sema_t struct {
	mu   sync.Mutex
	cond *sync.Cond
	v    int
}

func (s *Sema_t) cv() *sync.Cond {
	// the cond is created on first use so the zero value works
	if s.cond == nil {
		s.cond = sync.NewCond(&s.mu)
	}
	return s.cond
}

// / Init sets the semaphore's count. It must not race with Down or
// / Up.
func (s *Sema_t) Init(v int) {
	if v < 0 {
		panic("negative semaphore")
	}
	s.mu.Lock()
	s.v = v
	s.mu.Unlock()
}

// / Down decrements the count, blocking until it is positive.
func (s *Sema_t) Down() {
	s.mu.Lock()
	cv := s.cv()
	for s.v == 0 {
		cv.Wait()
	}
	s.v--
	s.mu.Unlock()
}

// / Up increments the count and wakes one waiter.
func (s *Sema_t) Up() {
	s.mu.Lock()
	s.v++
	s.cv().Signal()
	s.mu.Unlock()
}
