package turnstile

import (
	"fmt"

	"github.com/kolkov/kernsync/internal/kernsync/bootargs"
	"github.com/kolkov/kernsync/internal/kernsync/priority"
	"github.com/kolkov/kernsync/internal/kernsync/ticketlock"
	"github.com/kolkov/kernsync/internal/kernsync/trace"
)

// Flags modify UpdateInheritor.
type Flags uint8

const (
	// Immediate applies the new inheritor before returning. It is the
	// default when neither Immediate nor Delayed is given.
	Immediate Flags = 1 << iota

	// Delayed parks the new inheritor on the calling thread; it is applied
	// by UpdateInheritorComplete, typically after the primitive's lock has
	// been dropped. Among updates of one turnstile, the one issued last
	// under the primitive lock wins, whenever it is applied.
	Delayed

	// WorkqLockHeld is forwarded to WorkPool.RedriveCreator.
	WorkqLockHeld
)

// UpdateInheritor makes inh the inheritor of ts on behalf of th, which
// must hold the lock of the primitive ts represents. The reference on the
// previous inheritor is parked on th until Cleanup.
func (s *Subsystem) UpdateInheritor(th *Thread, ts *Turnstile, inh Inheritor, flags Flags) {
	switch inh.check() {
	case InheritTurnstile:
		if inh.ts == ts {
			panic(fmt.Sprintf("turnstile: %s cannot be its own inheritor", ts))
		}
	case InheritWorkq:
		if t := ts.Type(); !PolicyOf(t).AllowsWorkq {
			panic(fmt.Sprintf("turnstile: type %s does not allow a worker-pool inheritor", t))
		}
	}
	if flags&(Immediate|Delayed) == Immediate|Delayed {
		panic("turnstile: Immediate and Delayed are exclusive")
	}
	if th.scratch.pending {
		panic(fmt.Sprintf("turnstile: %s already has a delayed update for %s", th, th.scratch.ts))
	}

	inh.retain()
	seq := ts.inhSeq.Inc()
	if flags&Delayed != 0 {
		th.scratch.ts = ts
		th.scratch.inh = inh
		th.scratch.seq = seq
		th.scratch.flags = flags
		th.scratch.pending = true
		return
	}

	ts.lock.Lock()
	s.setInheritorLocked(th, ts, inh, seq, flags)
	ts.lock.Unlock()
}

// UpdateInheritorComplete applies a delayed update of ts, if any, and
// propagates: from ts itself, then from the new and old inheritors when
// their aggregates moved.
func (s *Subsystem) UpdateInheritorComplete(th *Thread, ts *Turnstile) {
	if th.scratch.pending {
		if th.scratch.ts != ts {
			panic(fmt.Sprintf("turnstile: delayed update of %s completed on %s", th.scratch.ts, ts))
		}
		inh, seq, flags := th.scratch.inh, th.scratch.seq, th.scratch.flags
		th.scratch.ts = nil
		th.scratch.inh = Inheritor{}
		th.scratch.pending = false

		ts.lock.Lock()
		s.setInheritorLocked(th, ts, inh, seq, flags)
		ts.lock.Unlock()
	}

	s.walkTurnstile(ts, false)
	s.walkScratch(th)
}

// RecomputePriority recomputes ts without changing membership and
// propagates a change. It reports whether ts's priority changed.
func (s *Subsystem) RecomputePriority(ts *Turnstile) bool {
	return s.walkTurnstile(ts, false)
}

// ThreadPriorityChanged propagates a change of th's own priority to the
// turnstile it waits on, if any.
func (s *Subsystem) ThreadPriorityChanged(th *Thread) {
	th.lock.Lock()
	s.propagate(cursor{th: th})
}

// SetRequestedPriority changes th's requested priority and propagates the
// effect.
func (s *Subsystem) SetRequestedPriority(th *Thread, p priority.Priority) {
	th.lock.Lock()
	th.requested.Store(int32(s.scale.Clamp(p)))
	if !s.sched.RecomputeUserPromotion(th) {
		th.lock.Unlock()
		return
	}
	s.propagate(cursor{th: th})
}

// setInheritorLocked swaps ts's inheritor for inh, whose reference the
// caller owns. ts must be locked. The lock may be dropped and retaken
// while another turnstile is acquired, so concurrent updates of ts are
// settled by seq: whatever ts looked like before a gap is read again
// after it.
func (s *Subsystem) setInheritorLocked(th *Thread, ts *Turnstile, inh Inheritor, seq uint64, flags Flags) {
	var old Inheritor
	for {
		if seq <= ts.inhApplied {
			// A later update already landed.
			th.stash(inh)
			return
		}
		old = ts.inheritor
		if old.Equal(inh) {
			ts.inhApplied = seq
			th.stash(inh)
			return
		}
		changed, ok := s.removeMembership(ts, old, ts.family())
		if !ok {
			continue
		}
		ts.inhApplied = seq
		if changed {
			old.retain()
			th.scratch.walkOld = old
		}
		break
	}

	ts.inheritor = inh
	if s.insertMembership(ts, inh, ts.family(), flags) {
		inh.retain()
		th.scratch.walkNew = inh
	}
	th.stash(old)

	if s.tracing {
		s.emit(trace.Record{Event: trace.EventInheritorSet, Subj: ts.String(), Target: inh.String()})
	}
}

// lockTarget acquires next while ts is held, never waiting with ts
// locked. On contention it queues on next, drops ts, and once next is
// granted takes ts back if it is free; otherwise it lets go of next,
// waits for ts alone and starts over. It reports whether ts was released
// on the way, in which case anything read under ts must be checked again.
func lockTarget(ts, next *Turnstile) (dropped bool) {
	if next.lock.TryLock() {
		return false
	}
	t := next.lock.Reserve()
	ts.lock.Unlock()
	next.lock.Wait(t)
	for !ts.lock.TryLock() {
		next.lock.Unlock()
		ts.lock.Lock()
		if next.lock.TryLock() {
			break
		}
		t = next.lock.Reserve()
		ts.lock.Unlock()
		next.lock.Wait(t)
	}
	return true
}

// removeMembership takes ts out of old's heap and reports whether old's
// aggregate moved. ok is false, with nothing changed, when ts had to be
// unlocked and another update moved it in the meantime.
func (s *Subsystem) removeMembership(ts *Turnstile, old Inheritor, fam priority.Family) (changed, ok bool) {
	switch old.check() {
	case InheritNone:
		return false, true
	case InheritWorkq:
		ts.workqPri = priority.None
		ts.inhGen.Bump()
		return false, true
	}
	if !fam.Pushes() {
		ts.inhGen.Bump()
		return false, true
	}

	if old.kind == InheritThread {
		th := old.th
		th.lock.Lock()
		q := th.promotions(fam)
		if ts.link.In(q) && q.Remove(ts.link) {
			th.syncMax(fam)
			changed = s.recomputeThreadLocked(th, fam)
		}
		ts.pushedPri.Store(int32(notPushed))
		ts.inhGen.Bump()
		th.lock.Unlock()
	} else {
		next := old.ts
		applied := ts.inhApplied
		if lockTarget(ts, next) && (ts.inhApplied != applied || !ts.inheritor.Equal(old)) {
			next.lock.Unlock()
			return false, false
		}
		if ts.link.In(&next.pushers) && next.pushers.Remove(ts.link) {
			o, n := next.recomputeLocked()
			changed = o != n
		}
		ts.pushedPri.Store(int32(notPushed))
		ts.inhGen.Bump()
		next.lock.Unlock()
	}

	if s.tracing {
		s.emit(trace.Record{Event: trace.EventHeapRemove, Subj: ts.String(), Target: old.String()})
	}
	return changed, true
}

// insertMembership puts ts into inh's heap at its current priority and
// reports whether inh's aggregate moved.
func (s *Subsystem) insertMembership(ts *Turnstile, inh Inheritor, fam priority.Family, flags Flags) bool {
	switch inh.check() {
	case InheritNone:
		ts.inhGen.Bump()
		return false
	case InheritWorkq:
		ts.inhGen.Bump()
		ts.workqPri = priority.None
		if fam.Pushes() {
			s.workqTerminalLocked(ts, inh.wq, ts.Priority(), flags&WorkqLockHeld != 0)
		}
		return false
	}
	if !fam.Pushes() {
		ts.inhGen.Bump()
		return false
	}

	changed := false
	var pri priority.Priority
	if inh.kind == InheritThread {
		th := inh.th
		th.lock.Lock()
		pri = ts.Priority()
		q := th.promotions(fam)
		if q.Insert(ts.link, pri) {
			th.syncMax(fam)
			changed = s.recomputeThreadLocked(th, fam)
		}
		ts.pushedPri.Store(int32(pri))
		ts.inhGen.Bump()
		th.lock.Unlock()
	} else {
		next := inh.ts
		if lockTarget(ts, next) && (!ts.inheritor.Equal(inh) || ts.link.In(&next.pushers)) {
			// A later update took over ts's membership while it was unlocked.
			next.lock.Unlock()
			return false
		}
		pri = ts.Priority()
		if next.pushers.Insert(ts.link, pri) {
			o, n := next.recomputeLocked()
			changed = o != n
		}
		ts.pushedPri.Store(int32(pri))
		ts.inhGen.Bump()
		next.lock.Unlock()
	}

	if s.tracing {
		s.emit(trace.Record{Event: trace.EventHeapInsert, Subj: ts.String(), Target: inh.String(), New: int32(pri)})
	}
	return changed
}

// recomputeThreadLocked asks the scheduler to fold the promotion heap of
// family f into th's priorities.
func (s *Subsystem) recomputeThreadLocked(th *Thread, f priority.Family) bool {
	before := th.SchedPriority()
	var changed bool
	if f.IsUser() {
		changed = s.sched.RecomputeUserPromotion(th)
	} else {
		changed = s.sched.RecomputeKernelPromotion(th)
	}
	if changed && s.tracing {
		s.emit(trace.Record{
			Event: trace.EventThreadPromote, Subj: th.String(),
			Old: int32(before), New: int32(th.SchedPriority()),
		})
	}
	return changed
}

// workqTerminalLocked evaluates the redrive policy for a turnstile whose
// inheritor is a worker pool.
func (s *Subsystem) workqTerminalLocked(ts *Turnstile, wq WorkPool, pri priority.Priority, lockHeld bool) {
	prev := ts.workqPri
	ts.workqPri = pri
	thr := s.scale.Throttle

	var fire bool
	switch s.cfg.Redrive {
	case bootargs.RedriveOnRaise:
		fire = pri > thr && pri > prev
	default:
		fire = pri > thr && prev <= thr
	}
	if !fire {
		return
	}
	s.stats.Redrives.Inc()
	if s.tracing {
		s.emit(trace.Record{Event: trace.EventWorkqRedrive, Subj: ts.String(), Target: "workq:" + wq.Name(),
			Old: int32(prev), New: int32(pri)})
	}
	wq.RedriveCreator(lockHeld)
}

// walkScratch walks the nodes whose aggregates moved during the last
// membership change and parks their references for Cleanup.
func (s *Subsystem) walkScratch(th *Thread) {
	n, o := th.scratch.walkNew, th.scratch.walkOld
	th.scratch.walkNew, th.scratch.walkOld = Inheritor{}, Inheritor{}
	for _, i := range [2]Inheritor{n, o} {
		switch i.check() {
		case InheritThread:
			s.ThreadPriorityChanged(i.th)
		case InheritTurnstile:
			s.walkTurnstile(i.ts, true)
		}
		th.stash(i)
	}
}

// walkTurnstile recomputes ts and forwards a change. With force the
// forward step runs even when ts itself did not change.
func (s *Subsystem) walkTurnstile(ts *Turnstile, force bool) bool {
	ts.lock.Lock()
	old, cur := ts.recomputeLocked()
	changed := old != cur
	if changed && s.tracing {
		s.emit(trace.Record{Event: trace.EventPriorityChange, Subj: ts.String(), Old: int32(old), New: int32(cur)})
	}
	if !changed && !force {
		ts.lock.Unlock()
		return false
	}
	s.propagate(cursor{ts: ts})
	return changed
}

// cursor is the node a walk currently holds locked: exactly one of ts and
// th is set, or neither once the walk is over.
type cursor struct {
	ts *Turnstile
	th *Thread
}

func (c cursor) done() bool { return c.ts == nil && c.th == nil }

func (c cursor) unlock() {
	if c.ts != nil {
		c.ts.lock.Unlock()
	} else if c.th != nil {
		c.th.lock.Unlock()
	}
}

func (c cursor) String() string {
	if c.ts != nil {
		return c.ts.String()
	}
	if c.th != nil {
		return c.th.String()
	}
	return "<end>"
}

// propagate walks from cur, which the caller has locked, one hop at a
// time until a node does not change, the chain ends, or MaxHops nodes have
// been updated. It returns with nothing locked.
func (s *Subsystem) propagate(cur cursor) {
	var start string
	if s.tracing {
		start = cur.String()
	}

	hops := 0
	for !cur.done() {
		if hops >= s.cfg.MaxHops {
			s.stats.HopLimitHits.Inc()
			if s.tracing {
				s.emit(trace.Record{Event: trace.EventHopLimit, Subj: start, Target: cur.String(), Hops: hops})
			}
			cur.unlock()
			break
		}
		var moved bool
		if cur.ts != nil {
			cur, moved = s.stepTurnstile(cur.ts)
		} else {
			cur, moved = s.stepThread(cur.th)
		}
		if moved {
			hops++
		}
	}

	s.stats.Walks.Inc()
	s.stats.Hops.Add(uint64(hops))
	if s.tracing {
		s.emit(trace.Record{Event: trace.EventWalkDone, Subj: start, Hops: hops})
	}
}

// stepTurnstile forwards ts's priority to its inheritor. ts is locked on
// entry. It returns the next node, locked, and whether a node other than
// ts was updated.
func (s *Subsystem) stepTurnstile(ts *Turnstile) (cursor, bool) {
	inh := ts.inheritor
	fam := ts.family()
	pri := ts.Priority()

	if !fam.Pushes() || inh.kind == InheritNone {
		ts.lock.Unlock()
		return cursor{}, false
	}
	if inh.check() == InheritWorkq {
		s.workqTerminalLocked(ts, inh.wq, pri, false)
		ts.lock.Unlock()
		return cursor{}, false
	}
	if priority.Priority(ts.pushedPri.Load()) == pri {
		s.stats.NoopHops.Inc()
		ts.lock.Unlock()
		return cursor{}, false
	}

	if inh.kind == InheritThread {
		th := inh.th
		th.lock.Lock()
		q := th.promotions(fam)
		if !ts.link.In(q) {
			th.lock.Unlock()
			ts.lock.Unlock()
			return cursor{}, false
		}
		maxChanged := q.Update(ts.link, pri)
		ts.pushedPri.Store(int32(pri))
		s.emitUpdate(ts, th, pri)
		ts.lock.Unlock()

		if !maxChanged {
			th.lock.Unlock()
			return cursor{}, true
		}
		th.syncMax(fam)
		if !s.recomputeThreadLocked(th, fam) {
			th.lock.Unlock()
			return cursor{}, true
		}
		return cursor{th: th}, true
	}

	next := inh.ts
	snap := ts.inhGen.Load()
	res := ticketlock.Handoff(&ts.lock, &next.lock, ts.inhGen.Unchanged(snap))
	if res == ticketlock.Stale {
		s.stale(ts.String(), next.String())
		return cursor{}, false
	}
	if !ts.link.In(&next.pushers) {
		// Membership is still being installed; the installer pushes the
		// current priority itself.
		if res == ticketlock.HeldBoth {
			ts.lock.Unlock()
		}
		next.lock.Unlock()
		return cursor{}, false
	}
	pri = ts.Priority()
	maxChanged := next.pushers.Update(ts.link, pri)
	ts.pushedPri.Store(int32(pri))
	s.emitUpdate(ts, next, pri)
	if res == ticketlock.HeldBoth {
		ts.lock.Unlock()
	}
	return s.settle(next, maxChanged)
}

// stepThread forwards th's push priority to the turnstile it waits on.
// th is locked on entry.
func (s *Subsystem) stepThread(th *Thread) (cursor, bool) {
	ts := th.WaitingOn()
	if ts == nil {
		th.lock.Unlock()
		return cursor{}, false
	}

	snap := th.waitGen.Load()
	res := ticketlock.Handoff(&th.lock, &ts.lock, th.waitGen.Unchanged(snap))
	if res == ticketlock.Stale {
		s.stale(th.String(), ts.String())
		return cursor{}, false
	}
	key := s.pushKey(ts.family(), th)
	maxChanged := ts.waiters.Update(th.waitNode, key)
	if s.tracing {
		s.emit(trace.Record{Event: trace.EventHeapUpdate, Subj: th.String(), Target: ts.String(), New: int32(key)})
	}
	if res == ticketlock.HeldBoth {
		th.lock.Unlock()
	}
	return s.settle(ts, maxChanged)
}

// settle recomputes ts, which is locked, after one of its heaps was
// updated, and decides whether the walk continues from it.
func (s *Subsystem) settle(ts *Turnstile, maxChanged bool) (cursor, bool) {
	if !maxChanged {
		ts.lock.Unlock()
		return cursor{}, true
	}
	old, cur := ts.recomputeLocked()
	if old == cur {
		ts.lock.Unlock()
		return cursor{}, true
	}
	if s.tracing {
		s.emit(trace.Record{Event: trace.EventPriorityChange, Subj: ts.String(), Old: int32(old), New: int32(cur)})
	}
	return cursor{ts: ts}, true
}

// emitUpdate traces a pusher update of ts in target's heap. Callers do not
// check s.tracing first.
func (s *Subsystem) emitUpdate(ts *Turnstile, target fmt.Stringer, pri priority.Priority) {
	if s.tracing {
		s.emit(trace.Record{Event: trace.EventHeapUpdate, Subj: ts.String(), Target: target.String(), New: int32(pri)})
	}
}

func (s *Subsystem) stale(from, to string) {
	s.stats.StaleHandoffs.Inc()
	if s.tracing {
		s.emit(trace.Record{Event: trace.EventStaleHandoff, Subj: from, Target: to})
	}
}

// pushKey is th's priority as seen by a turnstile of family f.
func (s *Subsystem) pushKey(f priority.Family, th *Thread) priority.Priority {
	if !f.Pushes() {
		return th.SchedPriority()
	}
	return s.scale.ThreadPush(f, th.SchedPriority(), th.BasePriority())
}
