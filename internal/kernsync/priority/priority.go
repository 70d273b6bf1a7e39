// Package priority defines the scheduling-priority scale and the promotion
// families used by the turnstile subsystem.
//
// A Priority is an opaque, totally ordered value. The subsystem never
// assumes specific numbers: every threshold it consults (default floor,
// promotion ceiling, worker-pool throttle) comes from a Scale that is
// supplied at boot.
//
// Families:
//   - None: the turnstile aggregates waiters but never pushes anything.
//   - Kernel: pushes raw scheduler priority into a thread's kernel promotions.
//   - User: pushes base (quality-of-service) priority into user promotions.
//   - UserIPC: User rules, and the inheritor may additionally be a worker pool.
//
// The two thread-side heaps must never mix families: a turnstile of the
// Kernel family only ever sits in kernel promotion heaps and vice versa.
package priority

import "fmt"

// Priority is a scheduling priority. Larger values run first.
type Priority int32

// None is the priority of an empty aggregate (no waiters, no pushers).
const None Priority = 0

// Max returns the larger of a and b.
func Max(a, b Priority) Priority {
	if a > b {
		return a
	}
	return b
}

// Family selects how a turnstile computes push priorities and which thread
// heap its promotions land in.
type Family uint8

const (
	FamilyNone Family = iota
	FamilyKernel
	FamilyUser
	FamilyUserIPC
)

// String returns the family name used in traces and reports.
func (f Family) String() string {
	switch f {
	case FamilyNone:
		return "none"
	case FamilyKernel:
		return "kernel"
	case FamilyUser:
		return "user"
	case FamilyUserIPC:
		return "user-ipc"
	default:
		return fmt.Sprintf("family(%d)", uint8(f))
	}
}

// Pushes reports whether turnstiles of this family forward priority.
func (f Family) Pushes() bool {
	return f != FamilyNone
}

// IsUser reports whether promotions of this family go to the user heap.
func (f Family) IsUser() bool {
	return f == FamilyUser || f == FamilyUserIPC
}

// Scale holds the host scheduler's priority constants.
//
// Fields:
//   - Max: highest priority the scheduler knows about
//   - Default: floor applied to kernel-family pushes
//   - PromoteCeiling: ceiling applied to kernel-family pushes
//   - Throttle: worker-pool redrive threshold
type Scale struct {
	Max            Priority
	Default        Priority
	PromoteCeiling Priority
	Throttle       Priority
}

// DefaultScale mirrors a 128-level scheduler: user work up to 63, kernel
// promotions capped at 95, worker pools redriven above 46.
var DefaultScale = Scale{
	Max:            127,
	Default:        31,
	PromoteCeiling: 95,
	Throttle:       46,
}

// Validate checks the scale is internally consistent.
func (s Scale) Validate() error {
	switch {
	case s.Max <= None:
		return fmt.Errorf("priority scale: max %d must be positive", s.Max)
	case s.Default < None || s.Default > s.Max:
		return fmt.Errorf("priority scale: default %d outside [0, %d]", s.Default, s.Max)
	case s.PromoteCeiling < s.Default || s.PromoteCeiling > s.Max:
		return fmt.Errorf("priority scale: promote ceiling %d outside [%d, %d]",
			s.PromoteCeiling, s.Default, s.Max)
	case s.Throttle < None || s.Throttle > s.Max:
		return fmt.Errorf("priority scale: throttle %d outside [0, %d]", s.Throttle, s.Max)
	}
	return nil
}

// Clamp bounds p to [None, Max].
func (s Scale) Clamp(p Priority) Priority {
	if p < None {
		return None
	}
	if p > s.Max {
		return s.Max
	}
	return p
}

// KernelPush is the kernel-family transform:
// clamp(max(sched, base), Default, PromoteCeiling).
func (s Scale) KernelPush(sched, base Priority) Priority {
	p := Max(sched, base)
	if p < s.Default {
		p = s.Default
	}
	if p > s.PromoteCeiling {
		p = s.PromoteCeiling
	}
	return p
}

// ThreadPush returns the priority a thread contributes to a turnstile of
// family f.
func (s Scale) ThreadPush(f Family, sched, base Priority) Priority {
	switch f {
	case FamilyKernel:
		return s.KernelPush(sched, base)
	case FamilyUser, FamilyUserIPC:
		return s.Clamp(base)
	default:
		return None
	}
}
