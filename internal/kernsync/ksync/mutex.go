// Package ksync implements blocking primitives on top of the turnstile
// engine: a kernel mutex, an address-keyed user lock, event sleeping with
// an explicit inheritor, and a workloop serviced by a worker pool.
//
// Every operation takes the calling *turnstile.Thread explicitly. A
// primitive's interlock ranks above the turnstile hash buckets.
package ksync

import (
	"fmt"

	"github.com/kolkov/kernsync/internal/kernsync/ticketlock"
	"github.com/kolkov/kernsync/internal/kernsync/turnstile"
)

// lockCore is an exclusive lock with direct hand-off: Unlock passes
// ownership to the highest-priority waiter, which inherits the remaining
// waiters' push.
type lockCore struct {
	s   *turnstile.Subsystem
	st  storage
	ilk ticketlock.Lock

	// Guarded by ilk.
	owner   *turnstile.Thread
	waiters int
}

func (l *lockCore) lock(th *turnstile.Thread) {
	s := l.s
	l.ilk.Lock()
	switch l.owner {
	case nil:
		l.owner = th
		l.ilk.Unlock()
		return
	case th:
		l.ilk.Unlock()
		panic(fmt.Sprintf("ksync: %s locking %#x recursively", th, l.st.key()))
	}

	ts := l.st.prepare(th)
	s.AssertWait(th, ts)
	s.UpdateInheritor(th, ts, turnstile.ThreadInheritor(l.owner), turnstile.Delayed)
	l.waiters++
	l.ilk.Unlock()

	s.UpdateInheritorComplete(th, ts)
	s.Cleanup(th)
	s.Block(th)

	// Unlock handed ownership over before waking us.
	l.ilk.Lock()
	if l.owner != th {
		l.ilk.Unlock()
		panic(fmt.Sprintf("ksync: %s woken without ownership of %#x", th, l.st.key()))
	}
	l.st.complete(th)
	l.ilk.Unlock()
	s.Cleanup(th)
}

func (l *lockCore) tryLock(th *turnstile.Thread) bool {
	l.ilk.Lock()
	defer l.ilk.Unlock()
	if l.owner != nil {
		return false
	}
	l.owner = th
	return true
}

func (l *lockCore) unlock(th *turnstile.Thread) {
	s := l.s
	l.ilk.Lock()
	if l.owner != th {
		owner := l.owner
		l.ilk.Unlock()
		panic(fmt.Sprintf("ksync: %s unlocking %#x owned by %v", th, l.st.key(), owner))
	}
	if l.waiters == 0 {
		l.owner = nil
		l.ilk.Unlock()
		return
	}

	ts := l.st.prepare(th)
	next := s.WakeOne(ts)
	if next == nil {
		l.ilk.Unlock()
		panic(fmt.Sprintf("ksync: %#x counts %d waiters but its turnstile has none", l.st.key(), l.waiters))
	}
	l.waiters--
	l.owner = next

	inh := turnstile.NoInheritor()
	if l.waiters > 0 {
		inh = turnstile.ThreadInheritor(next)
	}
	s.UpdateInheritor(th, ts, inh, turnstile.Immediate)
	s.UpdateInheritorComplete(th, ts)
	l.st.complete(th)
	l.ilk.Unlock()
	s.Cleanup(th)
}

func (l *lockCore) ownerThread() *turnstile.Thread {
	l.ilk.Lock()
	defer l.ilk.Unlock()
	return l.owner
}

func (l *lockCore) waiting() int {
	l.ilk.Lock()
	defer l.ilk.Unlock()
	return l.waiters
}

// Mutex is a kernel mutex. Waiters push their scheduling priority into
// the owner's kernel promotions. The zero value is not usable; use
// NewMutex.
type Mutex struct {
	core lockCore
}

// NewMutex returns an unlocked mutex whose turnstile lives inline.
func NewMutex(s *turnstile.Subsystem) *Mutex {
	m := &Mutex{}
	m.core = lockCore{s: s, st: &inlineStorage{s: s, prop: newKey(), t: turnstile.TypeKernelMutex}}
	return m
}

// Lock acquires m for th, blocking while another thread owns it.
func (m *Mutex) Lock(th *turnstile.Thread) { m.core.lock(th) }

// TryLock acquires m without blocking.
func (m *Mutex) TryLock(th *turnstile.Thread) bool { return m.core.tryLock(th) }

// Unlock releases m. With waiters, ownership passes directly to the most
// urgent one.
func (m *Mutex) Unlock(th *turnstile.Thread) { m.core.unlock(th) }

// Owner returns the current owner, or nil.
func (m *Mutex) Owner() *turnstile.Thread { return m.core.ownerThread() }

// Waiters returns the number of blocked threads.
func (m *Mutex) Waiters() int { return m.core.waiting() }

// Turnstile returns the turnstile bound to m, or nil when uncontended.
func (m *Mutex) Turnstile() *turnstile.Turnstile {
	m.core.ilk.Lock()
	defer m.core.ilk.Unlock()
	return m.core.st.lookup()
}

// ULock is a user lock identified by an address. Waiters push their base
// (quality of service) priority into the owner's user promotions.
type ULock struct {
	core lockCore
}

// NewULock returns an unlocked user lock keyed by addr.
func NewULock(s *turnstile.Subsystem, addr uintptr) *ULock {
	if addr == 0 {
		panic("ksync: ulock at address 0")
	}
	return &ULock{core: lockCore{s: s, st: &hashStorage{s: s, prop: addr, t: turnstile.TypeULock}}}
}

// Lock acquires u for th.
func (u *ULock) Lock(th *turnstile.Thread) { u.core.lock(th) }

// TryLock acquires u without blocking.
func (u *ULock) TryLock(th *turnstile.Thread) bool { return u.core.tryLock(th) }

// Unlock releases u.
func (u *ULock) Unlock(th *turnstile.Thread) { u.core.unlock(th) }

// Owner returns the current owner, or nil.
func (u *ULock) Owner() *turnstile.Thread { return u.core.ownerThread() }

// Waiters returns the number of blocked threads.
func (u *ULock) Waiters() int { return u.core.waiting() }

// Addr returns the lock's address.
func (u *ULock) Addr() uintptr { return u.core.st.key() }
