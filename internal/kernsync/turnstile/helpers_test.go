package turnstile

import (
	"testing"

	"github.com/kolkov/kernsync/internal/kernsync/bootargs"
	"github.com/kolkov/kernsync/internal/kernsync/priority"
)

// testScale has no kernel floor or ceiling so pushes equal thread
// priorities.
var testScale = priority.Scale{Max: 127, Default: 0, PromoteCeiling: 127, Throttle: 46}

func newTestSubsystem(t *testing.T, mutate ...func(*bootargs.Config)) *Subsystem {
	t.Helper()
	cfg := bootargs.Default()
	cfg.Scale = testScale
	for _, m := range mutate {
		m(&cfg)
	}
	s := New(Options{Config: cfg, Nonce: 0x5a5a})
	if w := s.Warnings(); len(w) != 0 {
		t.Fatalf("unexpected config warnings: %v", w)
	}
	return s
}

// kmutex is a bare inline proprietor for tests.
type kmutex struct {
	slot Slot
	prop uintptr
}

func newKmutex(prop uintptr) *kmutex {
	return &kmutex{prop: prop}
}

// waitInline queues th on m's turnstile and points it at inh, the way a
// mutex slow path would before parking.
func waitInline(s *Subsystem, th *Thread, m *kmutex, inh Inheritor) *Turnstile {
	ts := s.PrepareInline(th, m.prop, &m.slot, TypeKernelMutex)
	s.AssertWait(th, ts)
	s.UpdateInheritor(th, ts, inh, Immediate)
	s.UpdateInheritorComplete(th, ts)
	s.Cleanup(th)
	return ts
}

// ownInline binds m's turnstile through th without waiting and points it
// at inh.
func ownInline(s *Subsystem, th *Thread, m *kmutex, inh Inheritor) *Turnstile {
	ts := s.PrepareInline(th, m.prop, &m.slot, TypeKernelMutex)
	s.UpdateInheritor(th, ts, inh, Immediate)
	s.UpdateInheritorComplete(th, ts)
	s.Cleanup(th)
	return ts
}

func expectPanic(t *testing.T, what string, fn func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Errorf("%s: expected panic", what)
		}
	}()
	fn()
}

// checkConsistent verifies priority == max(waiters, pushers).
func checkConsistent(t *testing.T, ts *Turnstile) {
	t.Helper()
	snap := ts.Snapshot()
	if want := priority.Max(snap.WaitersMax, snap.PushersMax); snap.Priority != want {
		t.Errorf("%s: priority %d, want max(%d, %d) = %d",
			ts, snap.Priority, snap.WaitersMax, snap.PushersMax, want)
	}
}
