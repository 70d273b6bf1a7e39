package ksync

import (
	"sync"
	"testing"
	"time"

	"github.com/kolkov/kernsync/internal/kernsync/bootargs"
	"github.com/kolkov/kernsync/internal/kernsync/priority"
	"github.com/kolkov/kernsync/internal/kernsync/turnstile"
	"github.com/kolkov/kernsync/internal/kernsync/workq"
)

func newSubsystem(t testing.TB) *turnstile.Subsystem {
	t.Helper()
	cfg := bootargs.Default()
	cfg.Scale = priority.Scale{Max: 127, Default: 0, PromoteCeiling: 127, Throttle: 46}
	return turnstile.New(turnstile.Options{Config: cfg, Nonce: 0x77})
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestMutexUncontended(t *testing.T) {
	s := newSubsystem(t)
	m := NewMutex(s)
	th := s.NewThread("t", 10)

	m.Lock(th)
	if m.Owner() != th {
		t.Fatal("owner not set")
	}
	if m.TryLock(th) {
		t.Error("TryLock succeeded on a held mutex")
	}
	m.Unlock(th)
	if m.Owner() != nil || m.Turnstile() != nil {
		t.Error("uncontended mutex left state behind")
	}
	if !m.TryLock(th) {
		t.Error("TryLock failed on a free mutex")
	}
	m.Unlock(th)
}

func TestMutexMisuse(t *testing.T) {
	s := newSubsystem(t)
	m := NewMutex(s)
	a := s.NewThread("a", 1)
	b := s.NewThread("b", 1)

	expect := func(what string, fn func()) {
		t.Helper()
		defer func() {
			if recover() == nil {
				t.Errorf("%s: expected panic", what)
			}
		}()
		fn()
	}
	expect("unlock unowned", func() { m.Unlock(a) })
	m.Lock(a)
	expect("unlock by another thread", func() { m.Unlock(b) })
	expect("recursive lock", func() { m.Lock(a) })
}

func TestMutexPromotesOwner(t *testing.T) {
	s := newSubsystem(t)
	m := NewMutex(s)
	owner := s.NewThread("owner", 5)
	m.Lock(owner)

	var (
		mu    sync.Mutex
		order []priority.Priority
		wg    sync.WaitGroup
	)
	for i, p := range []priority.Priority{30, 60} {
		th := s.NewThread("waiter", p)
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Lock(th)
			mu.Lock()
			order = append(order, th.RequestedPriority())
			mu.Unlock()
			m.Unlock(th)
		}()
		// Queue them one at a time so both are blocked before the release.
		waitFor(t, "waiter to block", func() { return m.Waiters() == i+1 })
	}
	waitFor(t, "owner promotion", func() { return owner.SchedPriority() == 60 })
	if ts := m.Turnstile(); ts == nil || ts.Priority() != 60 {
		t.Errorf("turnstile = %v", ts)
	}

	m.Unlock(owner)
	wg.Wait()

	if owner.SchedPriority() != 5 {
		t.Errorf("owner still promoted: %d", owner.SchedPriority())
	}
	if len(order) != 2 || order[0] != 60 || order[1] != 30 {
		t.Errorf("acquisition order = %v, want [60 30]", order)
	}
	if m.Owner() != nil || m.Turnstile() != nil {
		t.Error("mutex not idle after all unlocks")
	}
}

func TestMutexHandoffInheritance(t *testing.T) {
	s := newSubsystem(t)
	m := NewMutex(s)
	owner := s.NewThread("owner", 1)
	m.Lock(owner)

	early := s.NewThread("early", 20)
	urgent := s.NewThread("urgent", 90)
	// early is queued first but urgent wins the hand-off.
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		m.Lock(early)
		m.Unlock(early)
	}()
	waitFor(t, "early to block", func() { return m.Waiters() == 1 })
	go func() {
		defer wg.Done()
		m.Lock(urgent)
		<-release
		m.Unlock(urgent)
	}()
	waitFor(t, "urgent to block", func() { return m.Waiters() == 2 })

	m.Unlock(owner)
	if m.Owner() != urgent {
		t.Fatalf("owner after hand-off = %v, want urgent", m.Owner())
	}
	// early still waits and now pushes on the new owner.
	waitFor(t, "new owner promotion", func() { return urgent.KernelPromotion() == 20 })
	if owner.KernelPromotion() != 0 {
		t.Errorf("old owner promotion = %d, want 0", owner.KernelPromotion())
	}
	close(release)
	wg.Wait()
}

func TestMutexStress(t *testing.T) {
	s := newSubsystem(t)
	m := NewMutex(s)

	const goroutines = 8
	const iterations = 200
	var counter int
	var wg sync.WaitGroup
	threads := make([]*turnstile.Thread, goroutines)
	for i := range threads {
		threads[i] = s.NewThread("g", priority.Priority(10+i*10))
	}
	for _, th := range threads {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				m.Lock(th)
				counter++
				m.Unlock(th)
			}
		}()
	}
	wg.Wait()

	if counter != goroutines*iterations {
		t.Errorf("counter = %d, want %d", counter, goroutines*iterations)
	}
	if m.Owner() != nil || m.Waiters() != 0 || m.Turnstile() != nil {
		t.Error("mutex not idle")
	}
	for _, th := range threads {
		if th.SchedPriority() != th.RequestedPriority() {
			t.Errorf("%s left promoted at %d", th, th.SchedPriority())
		}
		if th.Turnstile() == nil || th.PendingCleanup() != 0 {
			t.Errorf("%s: turnstile=%v pending=%d", th, th.Turnstile(), th.PendingCleanup())
		}
	}
	if s.Live() != goroutines {
		t.Errorf("Live() = %d, want %d", s.Live(), goroutines)
	}
}

func TestULockPushesBase(t *testing.T) {
	s := newSubsystem(t)
	u := NewULock(s, 0x10000)
	owner := s.NewThread("owner", 3)
	waiter := s.NewThread("waiter", 40)
	u.Lock(owner)

	done := make(chan struct{})
	go func() {
		u.Lock(waiter)
		u.Unlock(waiter)
		close(done)
	}()
	waitFor(t, "waiter to block", func() { return u.Waiters() == 1 })
	waitFor(t, "owner promotion", func() { return owner.BasePriority() == 40 })

	if owner.UserPromotion() != 40 {
		t.Errorf("owner base %d promotion %d, want 40", owner.BasePriority(), owner.UserPromotion())
	}
	if owner.KernelPromotion() != 0 {
		t.Errorf("user lock pushed into the kernel heap")
	}
	u.Unlock(owner)
	<-done
	if owner.BasePriority() != 3 {
		t.Errorf("owner base = %d after unlock", owner.BasePriority())
	}
	if u.Addr() != 0x10000 {
		t.Errorf("Addr() = %#x", u.Addr())
	}
}

func TestSleepWithInheritor(t *testing.T) {
	s := newSubsystem(t)
	ev := NewEvents(s)
	const event = 0xe0e0
	holder := s.NewThread("holder", 2)
	var l sync.Mutex

	sleepers := make([]*turnstile.Thread, 0, 2)
	var wg sync.WaitGroup
	for _, p := range []priority.Priority{40, 70} {
		th := s.NewThread("sleeper", p)
		sleepers = append(sleepers, th)
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Lock()
			ev.SleepWithInheritor(th, &l, event, holder)
			l.Unlock()
		}()
	}
	waitFor(t, "sleepers", func() { return ev.Sleepers(event) == 2 })
	waitFor(t, "holder promotion", func() { return holder.SchedPriority() == 70 })
	if ev.Inheritor(event) != holder {
		t.Error("inheritor is not the holder")
	}

	woken := ev.WakeupOneWithInheritor(holder, event)
	if woken != sleepers[1] {
		t.Fatalf("woke %v, want the 70 sleeper", woken)
	}
	if holder.SchedPriority() != 2 {
		t.Errorf("holder still promoted: %d", holder.SchedPriority())
	}
	if woken.KernelPromotion() != 40 {
		t.Errorf("woken promotion = %d, want 40", woken.KernelPromotion())
	}

	if !ev.ChangeSleepInheritor(holder, event, holder) {
		t.Fatal("no sleepers to redirect")
	}
	if holder.SchedPriority() != 40 || woken.KernelPromotion() != 0 {
		t.Errorf("after change: holder %d woken promotion %d", holder.SchedPriority(), woken.KernelPromotion())
	}

	if n := ev.WakeupAllWithInheritor(holder, event); n != 1 {
		t.Errorf("WakeupAll woke %d, want 1", n)
	}
	wg.Wait()
	if holder.SchedPriority() != 2 {
		t.Errorf("holder = %d after wakeup all", holder.SchedPriority())
	}
	if ev.Sleepers(event) != 0 || ev.WakeupOneWithInheritor(holder, event) != nil {
		t.Error("event still has sleepers")
	}
	if ev.ChangeSleepInheritor(holder, event, nil) {
		t.Error("change on an idle event reported sleepers")
	}
}

func TestWorkloop(t *testing.T) {
	s := newSubsystem(t)
	var created int
	var mu sync.Mutex
	pool := workq.New("wl", func(bool) {
		mu.Lock()
		created++
		mu.Unlock()
	})
	w := NewWorkloop(s, pool)
	client := s.NewThread("client", 60)
	servicer := s.NewThread("servicer", 4)

	if w.Servicer() != nil {
		t.Fatal("fresh workloop has a servicer")
	}

	done := make(chan struct{})
	go func() {
		w.Wait(client)
		close(done)
	}()
	waitFor(t, "client to block", func() { return w.Waiters() == 1 })
	waitFor(t, "redrive", func() { return pool.Redrives() == 1 })

	w.Bind(servicer)
	if servicer.BasePriority() != 60 {
		t.Errorf("servicer base = %d, want 60", servicer.BasePriority())
	}

	w.Unbind(servicer)
	if servicer.BasePriority() != 4 {
		t.Errorf("unbound servicer base = %d", servicer.BasePriority())
	}
	if pool.Redrives() != 2 || pool.LockedRedrives() != 1 {
		t.Errorf("redrives = %d locked = %d, want 2 and 1", pool.Redrives(), pool.LockedRedrives())
	}

	w.Bind(servicer)
	if got := w.ServeOne(servicer); got != client {
		t.Fatalf("ServeOne = %v", got)
	}
	<-done
	if servicer.BasePriority() != 4 {
		t.Errorf("servicer base = %d after serving", servicer.BasePriority())
	}
	if w.ServeOne(servicer) != nil {
		t.Error("ServeOne on an empty workloop")
	}
	w.Unbind(servicer)

	mu.Lock()
	defer mu.Unlock()
	if uint64(created) != pool.Redrives() {
		t.Errorf("creator ran %d times for %d redrives", created, pool.Redrives())
	}
}

func BenchmarkMutexUncontended(b *testing.B) {
	s := newSubsystem(b)
	m := NewMutex(s)
	th := s.NewThread("b", 10)
	for i := 0; i < b.N; i++ {
		m.Lock(th)
		m.Unlock(th)
	}
}

func BenchmarkMutexContended(b *testing.B) {
	s := newSubsystem(b)
	m := NewMutex(s)
	b.RunParallel(func(pb *testing.PB) {
		th := s.NewThread("b", 10)
		for pb.Next() {
			m.Lock(th)
			m.Unlock(th)
		}
	})
}
