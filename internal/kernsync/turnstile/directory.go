package turnstile

import (
	"fmt"

	"go.uber.org/atomic"

	"github.com/kolkov/kernsync/internal/kernsync/htable"
	"github.com/kolkov/kernsync/internal/kernsync/trace"
)

// Slot is the inline storage a primitive embeds to hold its turnstile.
// The zero value is unbound.
type Slot struct {
	ts atomic.Pointer[Turnstile]
}

// CompactSlot is the compact-ID storage a primitive embeds. Zero means
// unbound.
type CompactSlot struct {
	id atomic.Uint32
}

// ID returns the stored compact ID.
func (c *CompactSlot) ID() uint32 {
	return c.id.Load()
}

// enter is the common entry check of every Prepare variant.
func (s *Subsystem) enter(th *Thread) {
	if len(th.deferred) != 0 {
		panic(fmt.Sprintf("turnstile: thread %s entered the directory with %d references pending cleanup",
			th, len(th.deferred)))
	}
}

// makePrimaryLocked binds ts to prop. ts must be locked.
func (s *Subsystem) makePrimaryLocked(ts *Turnstile, prop uintptr, t Type, st State) {
	ts.bindType(t)
	ts.proprietor.Store(prop)
	ts.state.Store(uint32(st))
	ts.primCount = 1
	if s.tracing {
		s.emit(trace.Record{Event: trace.EventPrepare, Subj: ts.String(), Target: fmt.Sprintf("%#x", prop)})
	}
}

// joinLocked threads ts onto prim's free-list. prim must be locked and
// bound to prop.
func (s *Subsystem) joinLocked(prim, ts *Turnstile, t Type) {
	ts.bindType(t)
	ts.state.Store(uint32(StateFreeList))
	prim.pushFreeLocked(ts)
	if s.tracing {
		s.emit(trace.Record{Event: trace.EventPrepare, Subj: ts.String(), Target: prim.String()})
	}
}

// detachLocked hands one turnstile back from prim. When the free-list is
// empty it unbinds prim itself, clears its inheritor and reports last.
// prim must be locked; unbind clears the storage.
func (s *Subsystem) detachLocked(th *Thread, prim *Turnstile, unbind func()) (out *Turnstile, last bool) {
	if f := prim.popFreeLocked(); f != nil {
		f.clearType()
		if s.tracing {
			s.emit(trace.Record{Event: trace.EventComplete, Subj: f.String(), Target: prim.String()})
		}
		return f, false
	}

	if prim.waiters.Len() != 0 {
		panic(fmt.Sprintf("turnstile: last complete on %s with %d waiters", prim, prim.waiters.Len()))
	}
	unbind()
	prim.proprietor.Store(0)
	prim.primCount = 0
	// The family is still needed to find prim's entry in its inheritor.
	s.setInheritorLocked(th, prim, NoInheritor(), prim.inhSeq.Inc(), 0)
	prim.clearType()
	prim.recomputeLocked()
	if s.tracing {
		s.emit(trace.Record{Event: trace.EventComplete, Subj: prim.String()})
	}
	return prim, true
}

// finishComplete returns ts to th and walks whatever the cleared
// inheritor left behind.
func (s *Subsystem) finishComplete(th *Thread, ts *Turnstile, last bool) {
	th.adopt(ts)
	if last {
		s.walkScratch(th)
	}
}

// PrepareInline attaches th's turnstile to the proprietor whose inline
// storage is slot and returns the turnstile to use for it.
func (s *Subsystem) PrepareInline(th *Thread, prop uintptr, slot *Slot, t Type) *Turnstile {
	requireStorage(t, StorageInline)
	s.enter(th)
	ts := th.takeTurnstile()

	for {
		ts.lock.Lock()
		if slot.ts.CompareAndSwap(nil, ts) {
			s.makePrimaryLocked(ts, prop, t, StatePrimary)
			ts.lock.Unlock()
			return ts
		}
		ts.lock.Unlock()

		prim := slot.ts.Load()
		if prim == nil {
			continue
		}
		prim.lock.Lock()
		if prim.boundTo(prop, t) && slot.ts.Load() == prim {
			s.joinLocked(prim, ts, t)
			prim.lock.Unlock()
			return prim
		}
		prim.lock.Unlock()
	}
}

// CompleteInline detaches th from the proprietor and gives it an idle
// turnstile back. The last completion unbinds the slot.
func (s *Subsystem) CompleteInline(th *Thread, prop uintptr, slot *Slot, t Type) {
	requireStorage(t, StorageInline)
	prim := slot.ts.Load()
	if prim == nil {
		panic(fmt.Sprintf("turnstile: complete on unbound inline proprietor %#x", prop))
	}

	prim.lock.Lock()
	if !prim.boundTo(prop, t) {
		prim.lock.Unlock()
		panic(fmt.Sprintf("turnstile: inline slot of %#x holds %s bound elsewhere", prop, prim))
	}
	ts, last := s.detachLocked(th, prim, func() {
		if !slot.ts.CompareAndSwap(prim, nil) {
			panic(fmt.Sprintf("turnstile: inline slot of %#x changed under its primary", prop))
		}
	})
	prim.lock.Unlock()
	s.finishComplete(th, ts, last)
}

// LookupInline returns the turnstile bound in slot, or nil. The result is
// only stable while the caller holds the primitive's lock.
func (s *Subsystem) LookupInline(slot *Slot) *Turnstile {
	return slot.ts.Load()
}

// PrepareCompact attaches th's turnstile to the proprietor whose compact
// storage is cs. Binding a new proprietor allocates a compact ID and
// blocks while the ID table is full.
func (s *Subsystem) PrepareCompact(th *Thread, prop uintptr, cs *CompactSlot, t Type) *Turnstile {
	requireStorage(t, StorageCompact)
	s.enter(th)
	ts := th.takeTurnstile()

	for {
		if id := cs.id.Load(); id != 0 {
			if prim := s.ids.Resolve(id); prim != nil {
				prim.lock.Lock()
				if prim.boundTo(prop, t) && prim.CompactID() == id {
					s.joinLocked(prim, ts, t)
					prim.lock.Unlock()
					return prim
				}
				prim.lock.Unlock()
			}
			continue
		}

		id := s.ids.Alloc(ts)
		ts.lock.Lock()
		if cs.id.CompareAndSwap(0, id) {
			ts.compactID.Store(id)
			s.makePrimaryLocked(ts, prop, t, StatePrimary)
			ts.lock.Unlock()
			return ts
		}
		ts.lock.Unlock()
		s.ids.Free(id)
	}
}

// CompleteCompact detaches th from the proprietor. The last completion
// releases the compact ID and clears cs.
func (s *Subsystem) CompleteCompact(th *Thread, prop uintptr, cs *CompactSlot, t Type) {
	requireStorage(t, StorageCompact)
	id := cs.id.Load()
	prim := s.ids.Resolve(id)
	if prim == nil {
		panic(fmt.Sprintf("turnstile: complete on unbound compact proprietor %#x (id %#x)", prop, id))
	}

	prim.lock.Lock()
	if !prim.boundTo(prop, t) {
		prim.lock.Unlock()
		panic(fmt.Sprintf("turnstile: compact id %#x of %#x resolves to %s bound elsewhere", id, prop, prim))
	}
	ts, last := s.detachLocked(th, prim, func() {
		if !cs.id.CompareAndSwap(id, 0) {
			panic(fmt.Sprintf("turnstile: compact slot of %#x changed under its primary", prop))
		}
		prim.compactID.Store(0)
		s.ids.Free(id)
	})
	prim.lock.Unlock()
	s.finishComplete(th, ts, last)
}

// LookupCompact resolves cs, or returns nil. The result is only stable
// while the caller holds the primitive's lock.
func (s *Subsystem) LookupCompact(cs *CompactSlot) *Turnstile {
	return s.ids.Resolve(cs.id.Load())
}

func (s *Subsystem) hashTable(p Policy) *htable.Table[Turnstile] {
	if p.IRQSafe {
		return s.irqSafe
	}
	return s.irqUnsafe
}

// hashBucket returns the bucket for prop and whether the directory must
// lock it itself.
func (s *Subsystem) hashBucket(prop uintptr, t Type) (*htable.Bucket[Turnstile], bool) {
	p := requireStorage(t, StorageHash)
	return s.hashTable(p).Bucket(prop), !p.CallerLocked
}

// HashLock locks the bucket of prop for a type whose policy leaves bucket
// locking to the caller.
func (s *Subsystem) HashLock(prop uintptr, t Type) {
	b, self := s.hashBucket(prop, t)
	if self {
		panic(fmt.Sprintf("turnstile: type %s does not use caller-locked hashing", t))
	}
	b.Lock()
}

// HashUnlock releases a bucket taken by HashLock.
func (s *Subsystem) HashUnlock(prop uintptr, t Type) {
	b, self := s.hashBucket(prop, t)
	if self {
		panic(fmt.Sprintf("turnstile: type %s does not use caller-locked hashing", t))
	}
	b.Unlock()
}

// PrepareHash attaches th's turnstile to prop through the hash table
// selected by t's policy.
func (s *Subsystem) PrepareHash(th *Thread, prop uintptr, t Type) *Turnstile {
	b, self := s.hashBucket(prop, t)
	s.enter(th)
	ts := th.takeTurnstile()

	if self {
		b.Lock()
		defer b.Unlock()
	}

	prim := b.Find(prop)
	if prim == nil {
		ts.lock.Lock()
		s.makePrimaryLocked(ts, prop, t, StateHashed)
		ts.lock.Unlock()
		b.Insert(prop, ts)
		return ts
	}

	prim.lock.Lock()
	if prim.Type() != t {
		prim.lock.Unlock()
		panic(fmt.Sprintf("turnstile: proprietor %#x bound as %s, prepared as %s", prop, prim.Type(), t))
	}
	s.joinLocked(prim, ts, t)
	prim.lock.Unlock()
	return prim
}

// CompleteHash detaches th from prop. The last completion removes prop
// from the hash table.
func (s *Subsystem) CompleteHash(th *Thread, prop uintptr, t Type) {
	b, self := s.hashBucket(prop, t)
	if self {
		b.Lock()
	}

	prim := b.Find(prop)
	if prim == nil {
		if self {
			b.Unlock()
		}
		panic(fmt.Sprintf("turnstile: complete on unhashed proprietor %#x", prop))
	}
	prim.lock.Lock()
	ts, last := s.detachLocked(th, prim, func() { b.Remove(prop) })
	prim.lock.Unlock()
	if self {
		b.Unlock()
	}
	s.finishComplete(th, ts, last)
}

// LookupByProprietor resolves prop through the hash table, or returns
// nil. The result is only stable while the caller holds the primitive's
// lock.
func (s *Subsystem) LookupByProprietor(prop uintptr, t Type) *Turnstile {
	b, self := s.hashBucket(prop, t)
	if self {
		b.Lock()
		defer b.Unlock()
	}
	return b.Find(prop)
}
