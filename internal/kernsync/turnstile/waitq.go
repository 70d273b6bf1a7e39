package turnstile

import (
	"fmt"

	"github.com/kolkov/kernsync/internal/kernsync/prioq"
	"github.com/kolkov/kernsync/internal/kernsync/trace"
)

// The wait-queue glue: a minimal parking layer so primitives can block
// threads on a turnstile's waiter heap. The heap is ordered by push
// priority, so WakeOne always picks the most urgent waiter.

func newWaitNode(th *Thread) *prioq.Node[*Thread] {
	return prioq.NewNode(th)
}

// AssertWait queues th on ts at th's push priority. It does not recompute
// ts; the caller follows up with UpdateInheritorComplete or
// RecomputePriority.
func (s *Subsystem) AssertWait(th *Thread, ts *Turnstile) {
	ts.lock.Lock()
	th.lock.Lock()
	if cur := th.WaitingOn(); cur != nil {
		th.lock.Unlock()
		ts.lock.Unlock()
		panic(fmt.Sprintf("turnstile: %s already waiting on %s", th, cur))
	}
	key := s.pushKey(ts.family(), th)
	ts.waiters.Insert(th.waitNode, key)
	th.waitingOn.Store(ts)
	th.waitGen.Bump()
	th.lock.Unlock()
	ts.lock.Unlock()

	if s.tracing {
		s.emit(trace.Record{Event: trace.EventHeapInsert, Subj: th.String(), Target: ts.String(), New: int32(key)})
	}
}

// Block parks th until a Wake call picks it.
func (s *Subsystem) Block(th *Thread) {
	<-th.park
}

// WakeOne dequeues the highest-priority waiter of ts and unparks it. It
// returns nil when ts has no waiters. ts's priority is left for the next
// recompute.
func (s *Subsystem) WakeOne(ts *Turnstile) *Thread {
	ts.lock.Lock()
	n := ts.waiters.Pop()
	if n == nil {
		ts.lock.Unlock()
		return nil
	}
	th := n.Value
	s.clearWaitLocked(th)
	ts.lock.Unlock()

	s.unpark(th)
	return th
}

// WakeAll dequeues and unparks every waiter of ts, highest priority
// first, and returns them.
func (s *Subsystem) WakeAll(ts *Turnstile) []*Thread {
	ts.lock.Lock()
	var woken []*Thread
	for n := ts.waiters.Pop(); n != nil; n = ts.waiters.Pop() {
		s.clearWaitLocked(n.Value)
		woken = append(woken, n.Value)
	}
	ts.lock.Unlock()

	for _, th := range woken {
		s.unpark(th)
	}
	return woken
}

// clearWaitLocked ends th's wait. The turnstile it waited on is locked.
func (s *Subsystem) clearWaitLocked(th *Thread) {
	th.lock.Lock()
	th.waitingOn.Store(nil)
	th.waitGen.Bump()
	th.lock.Unlock()
}

func (s *Subsystem) unpark(th *Thread) {
	select {
	case th.park <- struct{}{}:
	default:
		panic(fmt.Sprintf("turnstile: %s woken twice", th))
	}
}

// Waiters returns the waiting threads of ts in heap order.
func (s *Subsystem) Waiters(ts *Turnstile) []*Thread {
	ts.lock.Lock()
	defer ts.lock.Unlock()
	out := make([]*Thread, 0, ts.waiters.Len())
	ts.waiters.Each(func(n *prioq.Node[*Thread]) bool {
		out = append(out, n.Value)
		return true
	})
	return out
}
