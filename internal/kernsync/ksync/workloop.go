package ksync

import (
	"fmt"

	"github.com/kolkov/kernsync/internal/kernsync/ticketlock"
	"github.com/kolkov/kernsync/internal/kernsync/turnstile"
	"github.com/kolkov/kernsync/internal/kernsync/workq"
)

// Workloop is a queue of clients serviced by one thread at a time. While a
// servicer is bound, blocked clients push on it; otherwise they push on the
// worker pool, which is asked for a new servicer when the push crosses the
// throttle threshold.
type Workloop struct {
	s    *turnstile.Subsystem
	pool *workq.Pool
	st   compactStorage
	ilk  ticketlock.Lock

	// Guarded by ilk.
	servicer *turnstile.Thread
	waiters  int
}

// NewWorkloop returns an idle workloop backed by pool.
func NewWorkloop(s *turnstile.Subsystem, pool *workq.Pool) *Workloop {
	w := &Workloop{s: s, pool: pool}
	w.st = compactStorage{s: s, prop: newKey(), t: turnstile.TypeWorkloop}
	return w
}

func (w *Workloop) inheritorLocked() turnstile.Inheritor {
	if w.servicer != nil {
		return turnstile.ThreadInheritor(w.servicer)
	}
	return turnstile.WorkqInheritor(w.pool)
}

// Wait enqueues th as a client and blocks until a servicer serves it.
func (w *Workloop) Wait(th *turnstile.Thread) {
	s := w.s
	w.ilk.Lock()
	ts := w.st.prepare(th)
	s.AssertWait(th, ts)
	w.waiters++
	s.UpdateInheritor(th, ts, w.inheritorLocked(), turnstile.Delayed)
	w.ilk.Unlock()

	s.UpdateInheritorComplete(th, ts)
	s.Cleanup(th)
	s.Block(th)

	w.ilk.Lock()
	w.st.complete(th)
	w.ilk.Unlock()
	s.Cleanup(th)
}

// retargetLocked points the workloop turnstile at the current inheritor.
// Without clients there is no turnstile and nothing to do.
func (w *Workloop) retargetLocked(th *turnstile.Thread, inh turnstile.Inheritor) {
	ts := w.st.lookup()
	if ts == nil {
		return
	}
	w.s.UpdateInheritor(th, ts, inh, turnstile.Immediate|turnstile.WorkqLockHeld)
	w.s.UpdateInheritorComplete(th, ts)
}

// Bind makes th the servicer. Waiting clients start pushing on it.
func (w *Workloop) Bind(th *turnstile.Thread) {
	w.ilk.Lock()
	if w.servicer != nil {
		cur := w.servicer
		w.ilk.Unlock()
		panic(fmt.Sprintf("ksync: workloop already serviced by %s", cur))
	}
	w.servicer = th
	if w.waiters > 0 {
		w.retargetLocked(th, turnstile.ThreadInheritor(th))
	}
	w.ilk.Unlock()
	w.s.Cleanup(th)
}

// Unbind detaches the servicer th. Remaining clients push on the pool.
func (w *Workloop) Unbind(th *turnstile.Thread) {
	w.ilk.Lock()
	if w.servicer != th {
		w.ilk.Unlock()
		panic(fmt.Sprintf("ksync: %s unbinding a workloop it does not service", th))
	}
	w.servicer = nil
	if w.waiters > 0 {
		w.retargetLocked(th, turnstile.WorkqInheritor(w.pool))
	}
	w.ilk.Unlock()
	w.s.Cleanup(th)
}

// ServeOne wakes the most urgent client. Only the bound servicer may call
// it. It returns nil when no client waits.
func (w *Workloop) ServeOne(th *turnstile.Thread) *turnstile.Thread {
	s := w.s
	w.ilk.Lock()
	if w.servicer != th {
		w.ilk.Unlock()
		panic(fmt.Sprintf("ksync: %s serving a workloop it does not service", th))
	}
	if w.waiters == 0 {
		w.ilk.Unlock()
		return nil
	}
	ts := w.st.lookup()
	client := s.WakeOne(ts)
	w.waiters--
	if w.waiters == 0 {
		w.retargetLocked(th, turnstile.NoInheritor())
	} else {
		s.RecomputePriority(ts)
	}
	w.ilk.Unlock()
	s.Cleanup(th)
	return client
}

// Servicer returns the bound servicer, or nil.
func (w *Workloop) Servicer() *turnstile.Thread {
	w.ilk.Lock()
	defer w.ilk.Unlock()
	return w.servicer
}

// Waiters returns the number of blocked clients.
func (w *Workloop) Waiters() int {
	w.ilk.Lock()
	defer w.ilk.Unlock()
	return w.waiters
}
