package turnstile

import (
	"fmt"

	"go.uber.org/atomic"

	"github.com/kolkov/kernsync/internal/kernsync/prioq"
	"github.com/kolkov/kernsync/internal/kernsync/priority"
	"github.com/kolkov/kernsync/internal/kernsync/ticketlock"
)

// Thread is the per-thread record the engine works with: its priorities,
// the two promotion heaps, its wait state and the idle turnstile it owns.
//
// Methods other than the accessors are only called by the goroutine the
// Thread stands for.
type Thread struct {
	id   uint64
	name string
	lock ticketlock.Lock
	refs atomic.Int32

	requested atomic.Int32
	base      atomic.Int32
	sched     atomic.Int32

	// Guarded by lock; the maxima are cached for lock-free readers.
	kernelPromos prioq.Queue[*Turnstile]
	userPromos   prioq.Queue[*Turnstile]
	kernelMax    atomic.Int32
	userMax      atomic.Int32

	// waitingOn and waitNode change under the turnstile lock and the
	// thread lock together; waitGen changes with them.
	waitingOn atomic.Pointer[Turnstile]
	waitNode  *prioq.Node[*Thread]
	waitGen   ticketlock.Generation
	park      chan struct{}

	// Owned by the thread itself.
	turnstile *Turnstile
	scratch   scratch
	deferred  []Inheritor
}

// scratch carries an inheritor update from UpdateInheritor to
// UpdateInheritorComplete.
type scratch struct {
	ts      *Turnstile
	inh     Inheritor
	seq     uint64
	flags   Flags
	pending bool

	// Nodes whose aggregate moved during the update and need a walk.
	walkOld Inheritor
	walkNew Inheritor
}

// ID returns the thread serial number.
func (th *Thread) ID() uint64 {
	return th.id
}

// Name returns the thread name.
func (th *Thread) Name() string {
	return th.name
}

func (th *Thread) String() string {
	if th.name == "" {
		return fmt.Sprintf("th#%d", th.id)
	}
	return fmt.Sprintf("th#%d(%s)", th.id, th.name)
}

// RequestedPriority returns the priority the thread asked for.
func (th *Thread) RequestedPriority() priority.Priority {
	return priority.Priority(th.requested.Load())
}

// BasePriority returns the requested priority raised by user promotions.
func (th *Thread) BasePriority() priority.Priority {
	return priority.Priority(th.base.Load())
}

// SchedPriority returns the effective scheduling priority.
func (th *Thread) SchedPriority() priority.Priority {
	return priority.Priority(th.sched.Load())
}

// UserPromotion returns the maximum of the user promotion heap.
func (th *Thread) UserPromotion() priority.Priority {
	return priority.Priority(th.userMax.Load())
}

// KernelPromotion returns the maximum of the kernel promotion heap.
func (th *Thread) KernelPromotion() priority.Priority {
	return priority.Priority(th.kernelMax.Load())
}

// SetPriorities stores the scheduler's result. The thread must be locked.
func (th *Thread) SetPriorities(base, sched priority.Priority) {
	th.base.Store(int32(base))
	th.sched.Store(int32(sched))
}

// WaitingOn returns the turnstile the thread is blocked on, or nil.
func (th *Thread) WaitingOn() *Turnstile {
	return th.waitingOn.Load()
}

// Turnstile returns the idle turnstile the thread currently owns, or nil
// while it is lent to the directory.
func (th *Thread) Turnstile() *Turnstile {
	return th.turnstile
}

// PendingCleanup returns the number of inheritor references waiting for
// Cleanup.
func (th *Thread) PendingCleanup() int {
	return len(th.deferred)
}

// Promotions returns the number of turnstiles in each promotion heap.
func (th *Thread) Promotions() (kernel, user int) {
	th.lock.Lock()
	defer th.lock.Unlock()
	return th.kernelPromos.Len(), th.userPromos.Len()
}

// promotions returns the heap a turnstile of family f lands in.
func (th *Thread) promotions(f priority.Family) *prioq.Queue[*Turnstile] {
	if f.IsUser() {
		return &th.userPromos
	}
	return &th.kernelPromos
}

// syncMax refreshes the cached maximum of the heap for f.
func (th *Thread) syncMax(f priority.Family) {
	if f.IsUser() {
		th.userMax.Store(int32(th.userPromos.Max()))
	} else {
		th.kernelMax.Store(int32(th.kernelPromos.Max()))
	}
}

func (th *Thread) retain() {
	if th.refs.Inc() <= 1 {
		panic(fmt.Sprintf("turnstile: retain of exited thread %s", th))
	}
}

func (th *Thread) release() {
	if th.refs.Dec() < 0 {
		panic(fmt.Sprintf("turnstile: thread %s refcount underflow", th))
	}
}

// takeTurnstile hands the thread's idle turnstile to the directory.
func (th *Thread) takeTurnstile() *Turnstile {
	ts := th.turnstile
	if ts == nil {
		panic(fmt.Sprintf("turnstile: thread %s has no turnstile to lend", th))
	}
	th.turnstile = nil
	return ts
}

// adopt gives the thread an idle turnstile back.
func (th *Thread) adopt(ts *Turnstile) {
	if th.turnstile != nil {
		panic(fmt.Sprintf("turnstile: thread %s already owns %s", th, th.turnstile))
	}
	ts.state.Store(uint32(StateThreadOwned))
	th.turnstile = ts
}
