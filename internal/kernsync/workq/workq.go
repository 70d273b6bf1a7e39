// Package workq is the worker-pool collaborator of the turnstile engine.
//
// A Pool can be the inheritor of a turnstile. It never receives priority
// the way a thread does; instead, when a pushing turnstile crosses the
// throttle threshold, the engine calls RedriveCreator as a hint that
// another worker thread may be warranted. The Pool counts those hints and
// forwards them to an optional creator callback.
package workq

import (
	"fmt"

	"go.uber.org/atomic"
)

// Creator is called on every redrive. lockHeld reports whether the caller
// already holds the pool lock.
type Creator func(lockHeld bool)

// Pool is a reference-counted worker pool handle.
type Pool struct {
	name    string
	creator Creator

	refs     atomic.Int32
	redrives atomic.Uint64
	locked   atomic.Uint64
}

// New returns a pool holding one reference. creator may be nil.
func New(name string, creator Creator) *Pool {
	p := &Pool{name: name, creator: creator}
	p.refs.Store(1)
	return p
}

// Name returns the pool name.
func (p *Pool) Name() string {
	return p.name
}

// Retain takes a reference.
func (p *Pool) Retain() {
	if p.refs.Inc() <= 1 {
		panic(fmt.Sprintf("workq: retain of released pool %s", p.name))
	}
}

// Release drops a reference.
func (p *Pool) Release() {
	if p.refs.Dec() < 0 {
		panic(fmt.Sprintf("workq: pool %s released too many times", p.name))
	}
}

// Refs returns the current reference count.
func (p *Pool) Refs() int32 {
	return p.refs.Load()
}

// RedriveCreator records a creator redrive and runs the callback.
func (p *Pool) RedriveCreator(lockHeld bool) {
	p.redrives.Inc()
	if lockHeld {
		p.locked.Inc()
	}
	if p.creator != nil {
		p.creator(lockHeld)
	}
}

// Redrives returns the number of redrive hints received.
func (p *Pool) Redrives() uint64 {
	return p.redrives.Load()
}

// LockedRedrives returns how many redrives arrived with the pool lock held.
func (p *Pool) LockedRedrives() uint64 {
	return p.locked.Load()
}

// String implements fmt.Stringer.
func (p *Pool) String() string {
	return "workq:" + p.name
}
