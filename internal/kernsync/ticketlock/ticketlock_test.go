// Copyright 2025 The kernsync Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ticketlock

import (
	"sync"
	"testing"
)

func TestTryLock(t *testing.T) {
	var l Lock
	if !l.TryLock() {
		t.Fatal("TryLock on a free lock must succeed")
	}
	if l.TryLock() {
		t.Fatal("TryLock on a held lock must fail")
	}
	if !l.Held() {
		t.Error("Held() must report a held lock")
	}
	l.Unlock()
	if l.Held() {
		t.Error("Held() must report a released lock as free")
	}
	if !l.TryLock() {
		t.Fatal("TryLock after Unlock must succeed")
	}
	l.Unlock()
}

func TestTryLockFailsWithQueuedReservation(t *testing.T) {
	var l Lock
	l.Lock()
	tk := l.Reserve()
	l.Unlock()

	// The reservation is now being served; nobody else may barge in.
	if l.TryLock() {
		t.Fatal("TryLock must not overtake a served reservation")
	}
	l.Wait(tk)
	l.Unlock()
}

func TestMutualExclusion(t *testing.T) {
	var (
		l       Lock
		wg      sync.WaitGroup
		counter int
	)
	const workers, iters = 8, 2000

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < iters; i++ {
				l.Lock()
				counter++
				l.Unlock()
			}
		}()
	}
	wg.Wait()

	if counter != workers*iters {
		t.Errorf("counter = %d, want %d", counter, workers*iters)
	}
}

func TestReservationsAreFIFO(t *testing.T) {
	var l Lock
	l.Lock()

	tickets := []Ticket{l.Reserve(), l.Reserve(), l.Reserve()}
	order := make(chan int, len(tickets))
	var wg sync.WaitGroup
	for i := len(tickets) - 1; i >= 0; i-- {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			l.Wait(tickets[i])
			order <- i
			l.Unlock()
		}(i)
	}
	l.Unlock()
	wg.Wait()
	close(order)

	want := 0
	for got := range order {
		if got != want {
			t.Fatalf("ticket %d served before ticket %d", got, want)
		}
		want++
	}
}

func TestHandoffHeldBoth(t *testing.T) {
	var a, b Lock
	a.Lock()
	if r := Handoff(&a, &b, nil); r != HeldBoth {
		t.Fatalf("Handoff = %v, want held-both", r)
	}
	if !a.Held() || !b.Held() {
		t.Error("both locks must be held")
	}
	b.Unlock()
	a.Unlock()
}

func TestHandoffSwitchedAndStale(t *testing.T) {
	for _, tc := range []struct {
		name   string
		mutate bool
		want   HandoffResult
	}{
		{"switched", false, Switched},
		{"stale", true, Stale},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var a, b Lock
			var gen Generation
			b.Lock()
			a.Lock()

			snap := gen.Load()
			done := make(chan HandoffResult)
			go func() { done <- Handoff(&a, &b, gen.Unchanged(snap)) }()

			// a is released once the walker has queued on b.
			a.Lock()
			if tc.mutate {
				gen.Bump()
			}
			b.Unlock()
			got := <-done
			if got != tc.want {
				t.Fatalf("Handoff = %v, want %v", got, tc.want)
			}
			if got == Switched {
				b.Unlock()
			}
			if b.Held() {
				t.Error("b must be free at the end")
			}
			a.Unlock()
		})
	}
}

func BenchmarkUncontended(b *testing.B) {
	var l Lock
	for i := 0; i < b.N; i++ {
		l.Lock()
		l.Unlock()
	}
}
