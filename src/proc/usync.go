package proc

import (
	"kthread"
)

// User code names locks and semaphores by a small byte handle into
// the process's fixed tables. A slot is valid for user code only
// while its initialized flag is set; the tables are reset when the
// main thread exits.

// / Ulock_init claims the first free lock slot for t and returns its
// / handle. It fails when the table is full.
func (p *Proc_t) Ulock_init(t *kthread.Thread_t) (int, bool) {
	p.Thread_lock.Acquire(t)
	defer p.Thread_lock.Release(t)
	for i := 0; i < NUSYNC; i++ {
		if !p.Locks[i].Initialized {
			p.Locks[i].Initialized = true
			p.Locks[i].Tid = t.Tid
			p.Locks[i].Lock = &kthread.Lock_t{}
			return i, true
		}
	}
	return 0, false
}

// / Ulock_acquire takes the lock in slot h for t, blocking while
// / another thread holds it. Acquiring a slot that is uninitialized
// / or already held by t fails.
func (p *Proc_t) Ulock_acquire(t *kthread.Thread_t, h int) bool {
	if h < 0 || h >= NUSYNC {
		return false
	}
	ul := &p.Locks[h]
	if !ul.Initialized {
		return false
	}
	if ul.Lock.Held_by(t) {
		return false
	}
	// the primitive lock may block; the process thread lock is
	// never held across it
	ul.Lock.Acquire(t)
	ul.Tid = t.Tid
	return true
}

// / Ulock_release drops the lock in slot h. Releasing a slot the
// / caller does not hold fails.
func (p *Proc_t) Ulock_release(t *kthread.Thread_t, h int) bool {
	if h < 0 || h >= NUSYNC {
		return false
	}
	ul := &p.Locks[h]
	if !ul.Initialized || !ul.Lock.Held_by(t) {
		return false
	}
	ul.Tid = 0
	ul.Lock.Release(t)
	return true
}

// / Usema_init claims the first free semaphore slot with the given
// / initial count and returns its handle. Negative counts and a full
// / table fail.
func (p *Proc_t) Usema_init(t *kthread.Thread_t, val int) (int, bool) {
	if val < 0 {
		return 0, false
	}
	p.Thread_lock.Acquire(t)
	defer p.Thread_lock.Release(t)
	for i := 0; i < NUSYNC; i++ {
		if !p.Semas[i].Initialized {
			p.Semas[i].Initialized = true
			p.Semas[i].Sema = &kthread.Sema_t{}
			p.Semas[i].Sema.Init(val)
			return i, true
		}
	}
	return 0, false
}

// / Usema_down downs the semaphore in slot h, blocking while its
// / count is zero.
func (p *Proc_t) Usema_down(h int) bool {
	if h < 0 || h >= NUSYNC {
		return false
	}
	us := &p.Semas[h]
	if !us.Initialized {
		return false
	}
	us.Sema.Down()
	return true
}

// / Usema_up ups the semaphore in slot h.
func (p *Proc_t) Usema_up(h int) bool {
	if h < 0 || h >= NUSYNC {
		return false
	}
	us := &p.Semas[h]
	if !us.Initialized {
		return false
	}
	us.Sema.Up()
	return true
}
