package ksync

import (
	"sync"

	"github.com/kolkov/kernsync/internal/kernsync/turnstile"
)

// Events implements sleeping on an event with an explicit inheritor: the
// sleeper names the thread expected to post the event, and pushes on it
// until woken. Event turnstiles are hashed by event key in the irq-safe
// table, with the bucket locked by this package across each operation.
type Events struct {
	s *turnstile.Subsystem
}

const eventType = turnstile.TypeSleepInheritor

// NewEvents returns an event namespace on s.
func NewEvents(s *turnstile.Subsystem) *Events {
	return &Events{s: s}
}

// SleepWithInheritor blocks th on event, pushing on inheritor. The caller
// holds l; it is released while sleeping and reacquired before returning.
func (e *Events) SleepWithInheritor(th *turnstile.Thread, l sync.Locker, event uintptr, inheritor *turnstile.Thread) {
	s := e.s
	s.HashLock(event, eventType)
	ts := s.PrepareHash(th, event, eventType)
	s.AssertWait(th, ts)
	s.UpdateInheritor(th, ts, turnstile.ThreadInheritor(inheritor), turnstile.Delayed)
	s.HashUnlock(event, eventType)

	// l may itself be turnstile-backed, so the delayed update is settled
	// before it is released.
	s.UpdateInheritorComplete(th, ts)
	s.Cleanup(th)
	l.Unlock()
	s.Block(th)

	s.HashLock(event, eventType)
	s.CompleteHash(th, event, eventType)
	s.HashUnlock(event, eventType)
	s.Cleanup(th)
	l.Lock()
}

// WakeupOneWithInheritor wakes the most urgent sleeper on event and makes
// it the inheritor of those still sleeping. It returns the woken thread,
// or nil when nobody sleeps on event.
func (e *Events) WakeupOneWithInheritor(th *turnstile.Thread, event uintptr) *turnstile.Thread {
	s := e.s
	s.HashLock(event, eventType)
	if s.LookupByProprietor(event, eventType) == nil {
		s.HashUnlock(event, eventType)
		return nil
	}

	ts := s.PrepareHash(th, event, eventType)
	next := s.WakeOne(ts)
	inh := turnstile.NoInheritor()
	if next != nil && ts.Snapshot().Waiters > 0 {
		inh = turnstile.ThreadInheritor(next)
	}
	s.UpdateInheritor(th, ts, inh, turnstile.Immediate)
	s.UpdateInheritorComplete(th, ts)
	s.CompleteHash(th, event, eventType)
	s.HashUnlock(event, eventType)
	s.Cleanup(th)
	return next
}

// WakeupAllWithInheritor wakes every sleeper on event and clears the
// inheritor. It returns the number of threads woken.
func (e *Events) WakeupAllWithInheritor(th *turnstile.Thread, event uintptr) int {
	s := e.s
	s.HashLock(event, eventType)
	if s.LookupByProprietor(event, eventType) == nil {
		s.HashUnlock(event, eventType)
		return 0
	}

	ts := s.PrepareHash(th, event, eventType)
	woken := s.WakeAll(ts)
	s.UpdateInheritor(th, ts, turnstile.NoInheritor(), turnstile.Immediate)
	s.UpdateInheritorComplete(th, ts)
	s.CompleteHash(th, event, eventType)
	s.HashUnlock(event, eventType)
	s.Cleanup(th)
	return len(woken)
}

// ChangeSleepInheritor redirects the push of event's sleepers to
// inheritor, or drops it when inheritor is nil. It reports whether anyone
// sleeps on event.
func (e *Events) ChangeSleepInheritor(th *turnstile.Thread, event uintptr, inheritor *turnstile.Thread) bool {
	s := e.s
	s.HashLock(event, eventType)
	ts := s.LookupByProprietor(event, eventType)
	if ts == nil {
		s.HashUnlock(event, eventType)
		return false
	}
	s.UpdateInheritor(th, ts, turnstile.ThreadInheritor(inheritor), turnstile.Immediate)
	s.UpdateInheritorComplete(th, ts)
	s.HashUnlock(event, eventType)
	s.Cleanup(th)
	return true
}

// Sleepers returns the number of threads sleeping on event.
func (e *Events) Sleepers(event uintptr) int {
	s := e.s
	s.HashLock(event, eventType)
	defer s.HashUnlock(event, eventType)
	ts := s.LookupByProprietor(event, eventType)
	if ts == nil {
		return 0
	}
	return ts.Snapshot().Waiters
}

// Inheritor returns the thread event's sleepers push on, or nil.
func (e *Events) Inheritor(event uintptr) *turnstile.Thread {
	s := e.s
	s.HashLock(event, eventType)
	defer s.HashUnlock(event, eventType)
	ts := s.LookupByProprietor(event, eventType)
	if ts == nil {
		return nil
	}
	return ts.Inheritor().Thread()
}
