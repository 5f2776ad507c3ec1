package kthread

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"defs"
	"limits"
)

func TestSpawnRuns(t *testing.T) {
	done := make(chan defs.Tid_t)
	tid := Spawn("worker", func(me *Thread_t) {
		done <- me.Tid
	})
	require.NotEqual(t, defs.TID_ERR, tid)
	assert.Equal(t, tid, <-done)
}

func TestSpawnLimit(t *testing.T) {
	// let threads from earlier tests finish draining the live count
	time.Sleep(20 * time.Millisecond)
	old := limits.Syslimit.Kthreads
	limits.Syslimit.Kthreads = Nlive() + 1
	defer func() { limits.Syslimit.Kthreads = old }()

	release := make(chan bool)
	tid := Spawn("holder", func(me *Thread_t) {
		<-release
	})
	require.NotEqual(t, defs.TID_ERR, tid)
	assert.Equal(t, defs.TID_ERR, Spawn("blocked", func(me *Thread_t) {}))
	close(release)
}

func TestSemaBlocks(t *testing.T) {
	var s Sema_t
	s.Init(0)
	got := make(chan bool)
	Spawn("downer", func(me *Thread_t) {
		s.Down()
		got <- true
	})
	select {
	case <-got:
		t.Fatal("down with count zero did not block")
	case <-time.After(10 * time.Millisecond):
	}
	s.Up()
	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatal("up did not wake the waiter")
	}
}

func TestSemaCounts(t *testing.T) {
	var s Sema_t
	s.Init(2)
	s.Down()
	s.Down()
	s.Up()
	s.Down()
}

func TestLockHolder(t *testing.T) {
	a := Mkmain("a")
	defer Exitmain()
	var l Lock_t
	assert.False(t, l.Held_by(a))
	l.Acquire(a)
	assert.True(t, l.Held_by(a))

	acquired := make(chan bool)
	Spawn("contender", func(me *Thread_t) {
		l.Acquire(me)
		assert.True(t, l.Held_by(me))
		l.Release(me)
		acquired <- true
	})
	select {
	case <-acquired:
		t.Fatal("acquired a held lock")
	case <-time.After(10 * time.Millisecond):
	}
	l.Release(a)
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("release did not hand off the lock")
	}
}
