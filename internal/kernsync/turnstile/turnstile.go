// Package turnstile implements the priority-inheritance core: turnstile
// allocation and lifecycle, the three directory disciplines that find the
// turnstile of a synchronization object, the priority queues attached to
// turnstiles and threads, and the bounded propagation walk.
//
// Lock order:
//
//	hash bucket -> turnstile -> thread
//
// A turnstile is never locked while holding a thread, and a turnstile is
// never waited for while holding another turnstile. Walks move through
// ticketlock.Handoff and membership changes through lockTarget; both only
// block after giving up the held lock. At most two node locks are held at
// any time.
//
// Every caller that changes an inheritor must call Subsystem.Cleanup once
// it has dropped its own primitive lock; references to old inheritors are
// parked on the calling Thread until then.
package turnstile

import (
	"fmt"

	"go.uber.org/atomic"

	"github.com/kolkov/kernsync/internal/kernsync/prioq"
	"github.com/kolkov/kernsync/internal/kernsync/priority"
	"github.com/kolkov/kernsync/internal/kernsync/ticketlock"
)

// State is where a turnstile currently lives.
type State uint32

const (
	// StateFree: destroyed and parked in the zone.
	StateFree State = iota
	// StateThreadOwned: idle, owned by a thread.
	StateThreadOwned
	// StatePrimary: bound to a proprietor through inline or compact storage.
	StatePrimary
	// StateFreeList: lent to a primary by a thread blocking on the same proprietor.
	StateFreeList
	// StateHashed: bound to a proprietor through the hash table.
	StateHashed
)

var stateNames = [...]string{
	StateFree:        "free",
	StateThreadOwned: "thread-owned",
	StatePrimary:     "primary",
	StateFreeList:    "free-list",
	StateHashed:      "hashed",
}

// String returns the state name.
func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", uint32(s))
}

const (
	typeBits = 8
	typeMask = 1<<typeBits - 1
	genMask  = 1<<(32-typeBits) - 1

	// notPushed is the pushedPri value of a turnstile absent from any
	// inheritor heap. Real priorities are never negative.
	notPushed priority.Priority = -1
)

// Turnstile aggregates the priority of everything blocked on one
// synchronization object and forwards it to an inheritor.
type Turnstile struct {
	id   uint64
	lock ticketlock.Lock

	// typeGen packs Type in the low 8 bits and a 24-bit generation above.
	typeGen    atomic.Uint32
	state      atomic.Uint32
	proprietor atomic.Uintptr
	compactID  atomic.Uint32
	refs       atomic.Int32

	// priority is max(waiters.Max(), pushers.Max()); written under lock.
	priority atomic.Int32

	// Guarded by lock.
	inheritor  Inheritor
	inhApplied uint64
	waiters    prioq.Queue[*Thread]
	pushers    prioq.Queue[*Turnstile]
	freeHead   *Turnstile
	primCount  int
	workqPri   priority.Priority

	// inhSeq orders inheritor updates issued under the primitive lock.
	inhSeq atomic.Uint64
	// inhGen changes whenever inheritor changes; walkers validate with it.
	inhGen ticketlock.Generation

	// link is this turnstile's entry in its inheritor's heap. Guarded by
	// the lock of whichever node owns that heap.
	link      *prioq.Node[*Turnstile]
	pushedPri atomic.Int32

	// freeNext chains free-list entries; guarded by the primary's lock.
	freeNext *Turnstile

	allocSite uint64
}

func newTurnstile() *Turnstile {
	ts := &Turnstile{}
	ts.link = prioq.NewNode(ts)
	ts.pushedPri.Store(int32(notPushed))
	return ts
}

// ID returns a serial number for traces and reports.
func (ts *Turnstile) ID() uint64 {
	return ts.id
}

func (ts *Turnstile) String() string {
	return fmt.Sprintf("ts#%d", ts.id)
}

// Type returns the type the turnstile is currently bound as.
func (ts *Turnstile) Type() Type {
	return Type(ts.typeGen.Load() & typeMask)
}

// Generation returns the bind generation.
func (ts *Turnstile) Generation() uint32 {
	return ts.typeGen.Load() >> typeBits
}

// TypeGen returns type and generation read as one unit.
func (ts *Turnstile) TypeGen() (Type, uint32) {
	v := ts.typeGen.Load()
	return Type(v & typeMask), v >> typeBits
}

// bindType sets the type and advances the generation.
func (ts *Turnstile) bindType(t Type) {
	for {
		old := ts.typeGen.Load()
		gen := (old>>typeBits + 1) & genMask
		if ts.typeGen.CompareAndSwap(old, gen<<typeBits|uint32(t)) {
			return
		}
	}
}

// clearType resets the type to TypeNone, keeping the generation.
func (ts *Turnstile) clearType() {
	for {
		old := ts.typeGen.Load()
		if ts.typeGen.CompareAndSwap(old, old&^typeMask) {
			return
		}
	}
}

func (ts *Turnstile) family() priority.Family {
	return PolicyOf(ts.Type()).Family
}

// State returns the current state.
func (ts *Turnstile) State() State {
	return State(ts.state.Load())
}

// Proprietor returns the bound proprietor key, or 0.
func (ts *Turnstile) Proprietor() uintptr {
	return ts.proprietor.Load()
}

// CompactID returns the bound compact ID, or 0.
func (ts *Turnstile) CompactID() uint32 {
	return ts.compactID.Load()
}

// Priority returns the aggregated priority.
func (ts *Turnstile) Priority() priority.Priority {
	return priority.Priority(ts.priority.Load())
}

// Refs returns the reference count.
func (ts *Turnstile) Refs() int32 {
	return ts.refs.Load()
}

// AllocSite returns the allocation-site hash, or 0 when not tracked.
func (ts *Turnstile) AllocSite() uint64 {
	return ts.allocSite
}

// Inheritor returns a borrowed copy of the current inheritor.
func (ts *Turnstile) Inheritor() Inheritor {
	ts.lock.Lock()
	defer ts.lock.Unlock()
	return ts.inheritor
}

// Snapshot is a consistent view of a turnstile's queues.
type Snapshot struct {
	Priority   priority.Priority
	WaitersMax priority.Priority
	PushersMax priority.Priority
	Waiters    int
	Pushers    int
	FreeList   int
}

// Snapshot returns the queue state under the turnstile lock.
func (ts *Turnstile) Snapshot() Snapshot {
	ts.lock.Lock()
	defer ts.lock.Unlock()
	return Snapshot{
		Priority:   ts.Priority(),
		WaitersMax: ts.waiters.Max(),
		PushersMax: ts.pushers.Max(),
		Waiters:    ts.waiters.Len(),
		Pushers:    ts.pushers.Len(),
		FreeList:   ts.freeListLen(),
	}
}

// recomputeLocked applies max(waiters, pushers) and returns old and new.
func (ts *Turnstile) recomputeLocked() (old, cur priority.Priority) {
	old = ts.Priority()
	cur = priority.Max(ts.waiters.Max(), ts.pushers.Max())
	ts.priority.Store(int32(cur))
	return old, cur
}

func (ts *Turnstile) freeListLen() int {
	if ts.primCount == 0 {
		return 0
	}
	return ts.primCount - 1
}

// pushFreeLocked threads f onto ts's free-list.
func (ts *Turnstile) pushFreeLocked(f *Turnstile) {
	f.freeNext = ts.freeHead
	ts.freeHead = f
	ts.primCount++
}

// popFreeLocked removes one free-list entry, or returns nil.
func (ts *Turnstile) popFreeLocked() *Turnstile {
	f := ts.freeHead
	if f == nil {
		return nil
	}
	ts.freeHead = f.freeNext
	f.freeNext = nil
	ts.primCount--
	return f
}

// boundTo reports whether ts is still the live entry for prop.
func (ts *Turnstile) boundTo(prop uintptr, t Type) bool {
	s := ts.State()
	return (s == StatePrimary || s == StateHashed) && ts.Proprietor() == prop && ts.Type() == t
}
