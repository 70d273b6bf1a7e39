// Package sched is the scheduler side of priority inheritance: it merges
// a thread's promotion aggregates into its effective priorities.
//
// A thread carries three priorities:
//
//	requested  what the thread asked for
//	base       requested raised by user (QoS) promotions
//	sched      base raised by kernel promotions
//
// The turnstile engine maintains the two promotion aggregates and calls
// the Scheduler, with the thread locked, whenever one of them moves.
package sched

import (
	"go.uber.org/atomic"

	"github.com/kolkov/kernsync/internal/kernsync/priority"
)

// Thread is the view of a thread the scheduler needs.
type Thread interface {
	RequestedPriority() priority.Priority
	BasePriority() priority.Priority
	SchedPriority() priority.Priority
	UserPromotion() priority.Priority
	KernelPromotion() priority.Priority
	SetPriorities(base, sched priority.Priority)
}

// Scheduler recomputes effective priorities. Both methods are called with
// the thread locked and report whether base or sched changed.
type Scheduler interface {
	RecomputeUserPromotion(th Thread) bool
	RecomputeKernelPromotion(th Thread) bool
}

// Default is the reference scheduler.
type Default struct {
	scale priority.Scale

	userRecomputes   atomic.Uint64
	kernelRecomputes atomic.Uint64
	changes          atomic.Uint64
}

// New returns a Default scheduler clamping to scale.
func New(scale priority.Scale) *Default {
	return &Default{scale: scale}
}

// RecomputeUserPromotion implements Scheduler.
func (d *Default) RecomputeUserPromotion(th Thread) bool {
	d.userRecomputes.Inc()
	base := d.scale.Clamp(priority.Max(th.RequestedPriority(), th.UserPromotion()))
	return d.apply(th, base)
}

// RecomputeKernelPromotion implements Scheduler.
func (d *Default) RecomputeKernelPromotion(th Thread) bool {
	d.kernelRecomputes.Inc()
	return d.apply(th, th.BasePriority())
}

func (d *Default) apply(th Thread, base priority.Priority) bool {
	sched := d.scale.Clamp(priority.Max(base, th.KernelPromotion()))
	if base == th.BasePriority() && sched == th.SchedPriority() {
		return false
	}
	th.SetPriorities(base, sched)
	d.changes.Inc()
	return true
}

// Stats is a snapshot of scheduler counters.
type Stats struct {
	UserRecomputes   uint64
	KernelRecomputes uint64
	Changes          uint64
}

// Stats returns the current counters.
func (d *Default) Stats() Stats {
	return Stats{
		UserRecomputes:   d.userRecomputes.Load(),
		KernelRecomputes: d.kernelRecomputes.Load(),
		Changes:          d.changes.Load(),
	}
}
