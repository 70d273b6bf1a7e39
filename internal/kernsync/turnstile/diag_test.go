package turnstile

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/kolkov/kernsync/internal/kernsync/bootargs"
	"github.com/kolkov/kernsync/internal/kernsync/workq"
)

func twoHopFixture(t *testing.T, s *Subsystem) (a, x *Thread, t1, t2 *Turnstile) {
	t.Helper()
	x = s.NewThread("X", 5)
	y := s.NewThread("Y", 1)
	a = s.NewThread("A", 50)
	t2 = waitInline(s, y, newKmutex(0x2000), ThreadInheritor(x))
	t1 = waitInline(s, a, newKmutex(0x1000), TurnstileInheritor(t2))
	return a, x, t1, t2
}

func TestInspectThread(t *testing.T) {
	s := newTestSubsystem(t)
	a, x, t1, t2 := twoHopFixture(t, s)

	c := s.InspectThread(a)
	if c.Indeterminate || c.Truncated {
		t.Fatalf("chain flags: %+v", c)
	}
	want := []string{a.String(), t1.String(), t2.String(), x.String()}
	if len(c.Hops) != len(want) {
		t.Fatalf("got %d hops, want %d", len(c.Hops), len(want))
	}
	for i, h := range c.Hops {
		if h.Name != want[i] {
			t.Errorf("hop %d = %s, want %s", i, h.Name, want[i])
		}
		if h.Priority != 50 {
			t.Errorf("hop %d priority = %d, want 50", i, h.Priority)
		}
	}
	if c.Terminal != HopThread || c.Last().Name != x.String() {
		t.Errorf("terminal = %s %s", c.Terminal, c.Last().Name)
	}
	if h := c.Hops[1]; h.Type != TypeKernelMutex || h.Proprietor != 0x1000 {
		t.Errorf("turnstile hop = %+v", h)
	}
}

func TestInspectIndeterminate(t *testing.T) {
	s := newTestSubsystem(t)
	a, _, _, t2 := twoHopFixture(t, s)

	t2.lock.Lock()
	c := s.InspectThread(a)
	t2.lock.Unlock()

	if !c.Indeterminate {
		t.Fatal("busy lock not reported")
	}
	if len(c.Hops) != 2 {
		t.Errorf("got %d hops before the busy lock, want 2", len(c.Hops))
	}
}

func TestInspectTruncated(t *testing.T) {
	s := newTestSubsystem(t, func(c *bootargs.Config) { c.MaxHops = 4 })
	o1 := s.NewThread("o1", 1)
	o2 := s.NewThread("o2", 1)
	t1 := ownInline(s, o1, newKmutex(0x1000), NoInheritor())
	t2 := ownInline(s, o2, newKmutex(0x2000), TurnstileInheritor(t1))
	s.UpdateInheritor(o1, t1, TurnstileInheritor(t2), Immediate)
	s.UpdateInheritorComplete(o1, t1)
	s.Cleanup(o1)

	c := s.InspectTurnstile(t1)
	if !c.Truncated {
		t.Fatal("cycle not truncated")
	}
	if len(c.Hops) != 5 {
		t.Errorf("got %d hops, want MaxHops+1", len(c.Hops))
	}
}

func TestInspectWorkq(t *testing.T) {
	s := newTestSubsystem(t)
	pool := workq.New("pool", nil)
	servicer := s.NewThread("servicer", 1)
	var cs CompactSlot
	ts := s.PrepareCompact(servicer, 0x7000, &cs, TypeWorkloop)
	s.UpdateInheritor(servicer, ts, WorkqInheritor(pool), Immediate)
	s.UpdateInheritorComplete(servicer, ts)
	s.Cleanup(servicer)

	c := s.InspectTurnstile(ts)
	if c.Terminal != HopWorkq || c.Last().Name != "workq:pool" {
		t.Errorf("terminal = %s %q", c.Terminal, c.Last().Name)
	}
}

func TestDescriber(t *testing.T) {
	s := newTestSubsystem(t)
	s.RegisterDescriber(TypeKernelMutex, func(prop uintptr) string {
		return fmt.Sprintf("owner of %#x", prop)
	})
	a, _, _, _ := twoHopFixture(t, s)

	c := s.InspectThread(a)
	if got := c.Hops[1].Meta; got != "owner of 0x1000" {
		t.Errorf("Meta = %q", got)
	}

	expectPanic(t, "unknown type", func() { s.RegisterDescriber(Type(99), nil) })
}

func TestChainFormat(t *testing.T) {
	s := newTestSubsystem(t)
	a, _, _, _ := twoHopFixture(t, s)

	var buf bytes.Buffer
	s.InspectThread(a).Format(&buf)
	out := buf.String()
	for _, want := range []string{
		"INHERITOR CHAIN (4 hops)",
		"kernel-mutex",
		"th#3(A)",
		"Terminal: thread",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("report missing %q:\n%s", want, out)
		}
	}
	if strings.Count(out, "==================") != 2 {
		t.Errorf("report not framed:\n%s", out)
	}
}

func TestInspectIdle(t *testing.T) {
	s := newTestSubsystem(t)
	th := s.NewThread("idle", 7)
	c := s.InspectThread(th)
	if len(c.Hops) != 1 || c.Terminal != HopThread || c.Hops[0].Priority != 7 {
		t.Errorf("idle chain = %+v", c)
	}
}
