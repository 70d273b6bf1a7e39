package main

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/kolkov/kernsync/turnstile"
)

// runChain blocks depth-1 threads on each other's mutexes in a line and
// then blocks an urgent thread on the last one. The head is promoted
// unless the chain is longer than the hop bound.
func runChain(rt *turnstile.Runtime, cfg simConfig, w io.Writer) error {
	head := rt.Attach("t0", 10)
	defer rt.Detach()

	mus := make([]*turnstile.Mutex, cfg.depth)
	for i := range mus {
		mus[i] = rt.NewMutex()
	}
	mus[0].Lock()

	var wg sync.WaitGroup
	threads := []*turnstile.Thread{head}
	for i := 1; i < cfg.depth; i++ {
		held := make(chan struct{})
		wg.Add(1)
		th := spawn(rt, fmt.Sprintf("t%d", i), 10, func() {
			defer wg.Done()
			mus[i].Lock()
			close(held)
			mus[i-1].Lock()
			mus[i-1].Unlock()
			mus[i].Unlock()
		})
		<-held
		if err := settle(th.String()+" to block", func() bool { return mus[i-1].Waiters() == 1 }); err != nil {
			return err
		}
		threads = append(threads, th)
	}

	wg.Add(1)
	urgent := spawn(rt, "urgent", 90, func() {
		defer wg.Done()
		last := mus[cfg.depth-1]
		last.Lock()
		last.Unlock()
	})
	err := settle("the urgent push", func() bool {
		return head.SchedPriority() == urgent.SchedPriority() || rt.Stats().HopLimitHits > 0
	})
	if err != nil {
		return err
	}

	c, err := inspect(rt, urgent)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%d mutexes, hop bound %d\n", cfg.depth, rt.Config().MaxHops)
	c.Format(w)
	printThreads(w, append(threads, urgent))
	if head.SchedPriority() != urgent.SchedPriority() {
		fmt.Fprintf(w, "%s not promoted: the walk stopped at the hop bound\n", head)
	}

	mus[0].Unlock()
	wg.Wait()
	return nil
}

// runCycle puts two threads to sleep on events naming each other as the
// inheritor. The walks terminate and the chain report is truncated; the
// main thread then wakes both.
func runCycle(rt *turnstile.Runtime, _ simConfig, w io.Writer) error {
	rt.Attach("waker", 10)
	defer rt.Detach()

	const eventA, eventB = 0xa000, 0xb000
	ev := rt.NewEvents()
	sleep := func(event uintptr, inheritor *turnstile.Thread) {
		var l sync.Mutex
		l.Lock()
		ev.Sleep(&l, event, inheritor)
		l.Unlock()
	}

	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
		a, b  *turnstile.Thread
	)
	wg.Add(2)
	a = spawn(rt, "a", 30, func() {
		defer wg.Done()
		<-start
		sleep(eventA, b)
	})
	b = spawn(rt, "b", 60, func() {
		defer wg.Done()
		<-start
		sleep(eventB, a)
	})
	close(start)

	err := settle("both sleepers", func() bool {
		return ev.Sleepers(eventA) == 1 && ev.Sleepers(eventB) == 1 && a.SchedPriority() == b.SchedPriority()
	})
	if err != nil {
		return err
	}

	c, err := inspect(rt, a)
	if err != nil {
		return err
	}
	c.Format(w)
	printThreads(w, []*turnstile.Thread{a, b})
	if c.Truncated {
		fmt.Fprintf(w, "cycle: report truncated after %d hops\n", len(c.Hops))
	}

	n := ev.WakeAll(eventA) + ev.WakeAll(eventB)
	wg.Wait()
	fmt.Fprintf(w, "woke %d sleepers\n", n)
	return nil
}

// runFanin queues fanout waiters of mixed priority behind one owner and
// prints the order in which Unlock hands the mutex off.
func runFanin(rt *turnstile.Runtime, cfg simConfig, w io.Writer) error {
	owner := rt.Attach("owner", 10)
	defer rt.Detach()

	mu := rt.NewMutex()
	mu.Lock()

	var (
		wg    sync.WaitGroup
		order []string // appended with mu held
		top   turnstile.Priority
	)
	threads := []*turnstile.Thread{owner}
	for i := 0; i < cfg.fanout; i++ {
		pri := turnstile.Priority(20 + (i*37)%60)
		if pri > top {
			top = pri
		}
		wg.Add(1)
		th := spawn(rt, fmt.Sprintf("w%d", i), pri, func() {
			defer wg.Done()
			mu.Lock()
			order = append(order, rt.Self().String())
			mu.Unlock()
		})
		if err := settle(th.String()+" to block", func() bool { return mu.Waiters() == i+1 }); err != nil {
			return err
		}
		threads = append(threads, th)
	}

	want := max(owner.RequestedPriority(), clampPush(rt.Config(), top))
	if err := settle("owner promotion", func() bool { return owner.SchedPriority() == want }); err != nil {
		return err
	}
	fmt.Fprintf(w, "owner promoted to %d by %d waiters\n", owner.SchedPriority(), cfg.fanout)
	printThreads(w, threads)

	mu.Unlock()
	wg.Wait()
	fmt.Fprintf(w, "hand-off order: %s\n", strings.Join(order, " "))
	fmt.Fprintf(w, "owner back at %d\n", owner.SchedPriority())
	return nil
}

// clampPush returns the kernel promotion a waiter at pri applies.
func clampPush(cfg turnstile.Config, pri turnstile.Priority) turnstile.Priority {
	return min(max(pri, cfg.Scale.Default), cfg.Scale.PromoteCeiling)
}

// runWorkq queues clients of rising priority on a workloop with no
// servicer, counting the worker pool redrives, then binds the main thread
// as servicer and drains the queue.
func runWorkq(rt *turnstile.Runtime, cfg simConfig, w io.Writer) error {
	servicer := rt.Attach("servicer", 5)
	defer rt.Detach()

	var (
		mu    sync.Mutex
		calls []bool
	)
	wl := rt.NewWorkloop("pool", func(lockHeld bool) {
		mu.Lock()
		calls = append(calls, lockHeld)
		mu.Unlock()
	})
	boot := rt.Config()
	fmt.Fprintf(w, "redrive policy %s, throttle %d\n", boot.Redrive, boot.Scale.Throttle)

	var wg sync.WaitGroup
	for i := 0; i < cfg.fanout; i++ {
		pri := turnstile.Priority(min(20*(i+1), int(boot.Scale.Max)))
		wg.Add(1)
		client := spawn(rt, fmt.Sprintf("c%d", i), pri, func() {
			defer wg.Done()
			wl.Wait()
		})
		// The pool has seen the push once the client's turnstile carries it.
		err := settle(client.String()+" to push", func() bool {
			c := rt.InspectThread(client)
			return !c.Indeterminate && len(c.Hops) > 1 && c.Hops[1].Priority == client.BasePriority()
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "  %s queued at %3d, redrives %d\n", client, pri, wl.Redrives())
	}

	wl.Bind()
	fmt.Fprintf(w, "%s bound at base %d\n", servicer, servicer.BasePriority())
	served := 0
	for wl.ServeOne() != nil {
		served++
	}
	wl.Unbind()
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	fmt.Fprintf(w, "served %d clients, creator called %d times\n", served, len(calls))
	return nil
}

// runULock shows a user lock lending base priority, leaving the kernel
// promotion untouched.
func runULock(rt *turnstile.Runtime, _ simConfig, w io.Writer) error {
	owner := rt.Attach("owner", 10)
	defer rt.Detach()

	u := rt.NewULock(0x1000)
	u.Lock()

	done := make(chan struct{})
	client := spawn(rt, "client", 50, func() {
		u.Lock()
		u.Unlock()
		close(done)
	})
	if err := settle("owner base promotion", func() bool { return owner.BasePriority() == client.BasePriority() }); err != nil {
		return err
	}
	printThreads(w, []*turnstile.Thread{owner, client})

	u.Unlock()
	<-done
	fmt.Fprintln(w, "after unlock:")
	printThreads(w, []*turnstile.Thread{owner})
	return nil
}
