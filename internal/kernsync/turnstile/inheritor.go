package turnstile

import "fmt"

// InheritorKind tags the variant held by an Inheritor.
type InheritorKind uint8

const (
	// InheritNone: the turnstile pushes on nothing.
	InheritNone InheritorKind = iota
	// InheritThread: the turnstile promotes a thread, usually the owner.
	InheritThread
	// InheritTurnstile: the turnstile feeds another turnstile's pushers heap.
	InheritTurnstile
	// InheritWorkq: the turnstile asks a worker pool for a servicer.
	InheritWorkq
)

// String returns the kind name.
func (k InheritorKind) String() string {
	switch k {
	case InheritNone:
		return "none"
	case InheritThread:
		return "thread"
	case InheritTurnstile:
		return "turnstile"
	case InheritWorkq:
		return "workq"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// WorkPool is a worker-pool inheritor.
type WorkPool interface {
	Name() string
	Retain()
	Release()
	RedriveCreator(lockHeld bool)
}

// Inheritor is what a turnstile pushes on: nothing, a thread, another
// turnstile or a worker pool.
//
// Values built by the constructors are borrowed. A turnstile that stores
// an Inheritor owns a counted reference on the target; references it drops
// are parked on the mutating Thread and released by Cleanup.
type Inheritor struct {
	kind InheritorKind
	th   *Thread
	ts   *Turnstile
	wq   WorkPool
}

// NoInheritor returns the empty inheritor.
func NoInheritor() Inheritor {
	return Inheritor{}
}

// ThreadInheritor designates th.
func ThreadInheritor(th *Thread) Inheritor {
	if th == nil {
		return Inheritor{}
	}
	return Inheritor{kind: InheritThread, th: th}
}

// TurnstileInheritor designates ts.
func TurnstileInheritor(ts *Turnstile) Inheritor {
	if ts == nil {
		return Inheritor{}
	}
	return Inheritor{kind: InheritTurnstile, ts: ts}
}

// WorkqInheritor designates a worker pool.
func WorkqInheritor(wq WorkPool) Inheritor {
	if wq == nil {
		return Inheritor{}
	}
	return Inheritor{kind: InheritWorkq, wq: wq}
}

// Kind returns the variant tag.
func (i Inheritor) Kind() InheritorKind { return i.kind }

// IsNone reports whether i designates nothing.
func (i Inheritor) IsNone() bool { return i.kind == InheritNone }

// Thread returns the thread variant, or nil.
func (i Inheritor) Thread() *Thread { return i.th }

// Turnstile returns the turnstile variant, or nil.
func (i Inheritor) Turnstile() *Turnstile { return i.ts }

// WorkPool returns the worker-pool variant, or nil.
func (i Inheritor) WorkPool() WorkPool { return i.wq }

// Equal reports whether i and o designate the same target.
func (i Inheritor) Equal(o Inheritor) bool {
	return i.kind == o.kind && i.th == o.th && i.ts == o.ts && i.wq == o.wq
}

func (i Inheritor) String() string {
	switch i.check() {
	case InheritThread:
		return i.th.String()
	case InheritTurnstile:
		return i.ts.String()
	case InheritWorkq:
		return "workq:" + i.wq.Name()
	default:
		return "none"
	}
}

// check validates the tag against the populated field and returns it.
// A mismatch means the value was corrupted.
func (i Inheritor) check() InheritorKind {
	ok := false
	switch i.kind {
	case InheritNone:
		ok = i.th == nil && i.ts == nil && i.wq == nil
	case InheritThread:
		ok = i.th != nil && i.ts == nil && i.wq == nil
	case InheritTurnstile:
		ok = i.ts != nil && i.th == nil && i.wq == nil
	case InheritWorkq:
		ok = i.wq != nil && i.th == nil && i.ts == nil
	}
	if !ok {
		panic(fmt.Sprintf("turnstile: corrupted inheritor tag %d", uint8(i.kind)))
	}
	return i.kind
}

// retain takes the reference a stored inheritor owns.
func (i Inheritor) retain() {
	switch i.check() {
	case InheritThread:
		i.th.retain()
	case InheritTurnstile:
		i.ts.retain()
	case InheritWorkq:
		i.wq.Retain()
	}
}
