// Copyright 2025 The kernsync Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package ticketlock implements the FIFO spin lock used for turnstiles and
// threads, together with the reservation protocol the propagation engine
// needs to move from one node's lock to another without deadlocking.
//
// The lock is the classic two-counter ticket algorithm:
//
//	Reserve: my := next++
//	Wait:    spin until serving == my
//	Unlock:  serving++
//
// Splitting Lock into Reserve and Wait is what makes the hand-off protocol
// possible: a walker can queue for the next node's lock, give up the lock it
// holds, and only then wait for its turn.
package ticketlock

import (
	"runtime"

	"go.uber.org/atomic"
)

// spinsBeforeYield bounds busy-waiting before the waiter yields its P.
const spinsBeforeYield = 64

// Ticket is a reservation on a Lock. It must be passed to Wait exactly once.
type Ticket uint32

// Lock is a fair FIFO spin lock. The zero value is unlocked.
type Lock struct {
	next    atomic.Uint32
	serving atomic.Uint32
}

// Lock acquires l, waiting behind earlier reservations.
func (l *Lock) Lock() {
	l.Wait(l.Reserve())
}

// TryLock acquires l only if it is free and nobody is queued.
func (l *Lock) TryLock() bool {
	s := l.serving.Load()
	return l.next.CompareAndSwap(s, s+1)
}

// Unlock releases l to the next reservation.
func (l *Lock) Unlock() {
	l.serving.Inc()
}

// Reserve takes a place in the queue without waiting for it.
func (l *Lock) Reserve() Ticket {
	return Ticket(l.next.Inc() - 1)
}

// Wait blocks until t is served. On return the caller holds l.
func (l *Lock) Wait(t Ticket) {
	spins := 0
	for l.serving.Load() != uint32(t) {
		spins++
		if spins < spinsBeforeYield {
			continue
		}
		runtime.Gosched()
	}
}

// Held reports whether l is currently held or has queued reservations.
// The answer is only a hint; it may be stale by the time it is used.
func (l *Lock) Held() bool {
	return l.next.Load() != l.serving.Load()
}

// HandoffResult describes which locks a caller of Handoff holds afterwards.
type HandoffResult uint8

const (
	// HeldBoth: target was free. The caller holds both held and target.
	HeldBoth HandoffResult = iota
	// Switched: held was released, target is held and still valid.
	Switched
	// Stale: held was released and the target changed while waiting.
	// The caller holds nothing.
	Stale
)

// String returns a short name for traces.
func (r HandoffResult) String() string {
	switch r {
	case HeldBoth:
		return "held-both"
	case Switched:
		return "switched"
	case Stale:
		return "stale"
	default:
		return "unknown"
	}
}

// Handoff moves a caller holding held onto target.
//
// It first tries target without blocking. If that fails it reserves a
// ticket on target, releases held, and waits. Once target is acquired,
// valid (evaluated with only target held) decides whether the node the
// caller was heading for is still the relevant one; a nil valid always
// succeeds. At most the two locks are ever held, and waiting never happens
// while held is still owned.
func Handoff(held, target *Lock, valid func() bool) HandoffResult {
	if target.TryLock() {
		return HeldBoth
	}
	t := target.Reserve()
	held.Unlock()
	target.Wait(t)
	if valid != nil && !valid() {
		target.Unlock()
		return Stale
	}
	return Switched
}

// Generation is a counter sampled before a Handoff and compared afterwards.
type Generation struct {
	v atomic.Uint32
}

// Load returns the current generation.
func (g *Generation) Load() uint32 {
	return g.v.Load()
}

// Bump advances the generation and returns the new value.
func (g *Generation) Bump() uint32 {
	return g.v.Inc()
}

// Unchanged returns a validator for Handoff that succeeds while the
// generation still equals snap.
func (g *Generation) Unchanged(snap uint32) func() bool {
	return func() bool { return g.v.Load() == snap }
}
