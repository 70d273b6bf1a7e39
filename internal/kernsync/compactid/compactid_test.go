// Copyright 2025 The kernsync Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package compactid

import (
	"sync"
	"testing"
	"time"
)

type item struct{ n int }

func TestAllocResolveFree(t *testing.T) {
	tbl := New[item](16, 0x5)
	a := &item{1}

	id := tbl.Alloc(a)
	if id == 0 {
		t.Fatal("Alloc must never return 0")
	}
	if got := tbl.Resolve(id); got != a {
		t.Fatalf("Resolve(%#x) = %v, want %v", id, got, a)
	}
	if tbl.InUse() != 1 {
		t.Errorf("InUse() = %d, want 1", tbl.InUse())
	}

	tbl.Free(id)
	if tbl.Resolve(id) != nil {
		t.Error("freed id must not resolve")
	}
	if tbl.InUse() != 0 {
		t.Errorf("InUse() = %d after free, want 0", tbl.InUse())
	}
}

func TestZeroNeverResolves(t *testing.T) {
	tbl := New[item](4, 0)
	tbl.Alloc(&item{})
	if tbl.Resolve(0) != nil {
		t.Error("id 0 must mean unbound")
	}
}

func TestIDsAreUniqueAndNotSequential(t *testing.T) {
	tbl := New[item](64, 0x2a)
	seen := make(map[uint32]bool)
	sequential := true
	var prev uint32
	for i := 0; i < 64; i++ {
		id := tbl.Alloc(&item{i})
		if seen[id] {
			t.Fatalf("duplicate id %#x", id)
		}
		seen[id] = true
		if i > 0 && id != prev+1 {
			sequential = false
		}
		prev = id
	}
	if sequential {
		t.Error("a non-zero nonce must scramble the allocation order")
	}
}

func TestRecycledSlotGetsNewID(t *testing.T) {
	tbl := New[item](2, 1)
	id1 := tbl.Alloc(&item{1})
	tbl.Free(id1)
	id2 := tbl.Alloc(&item{2})

	if id1 == id2 {
		t.Fatalf("recycled slot reused id %#x", id1)
	}
	if tbl.Resolve(id1) != nil {
		t.Error("stale id must not resolve to the new occupant")
	}
}

func TestFreeStalePanics(t *testing.T) {
	tbl := New[item](2, 0)
	id := tbl.Alloc(&item{})
	tbl.Free(id)

	defer func() {
		if recover() == nil {
			t.Error("double free must panic")
		}
	}()
	tbl.Free(id)
}

func TestInvalidCapacityPanics(t *testing.T) {
	for _, c := range []int{0, 1, 3, 100, MaxCapacity * 2} {
		func() {
			defer func() {
				if recover() == nil {
					t.Errorf("capacity %d must panic", c)
				}
			}()
			New[item](c, 0)
		}()
	}
}

func TestAllocBlocksWhenFull(t *testing.T) {
	tbl := New[item](2, 0)
	id1 := tbl.Alloc(&item{1})
	tbl.Alloc(&item{2})

	if _, ok := tbl.TryAlloc(&item{3}); ok {
		t.Fatal("TryAlloc on a full table must fail")
	}

	got := make(chan uint32)
	go func() { got <- tbl.Alloc(&item{3}) }()

	select {
	case <-got:
		t.Fatal("Alloc must block while the table is full")
	case <-time.After(20 * time.Millisecond):
	}

	tbl.Free(id1)
	select {
	case id := <-got:
		if tbl.Resolve(id).n != 3 {
			t.Error("blocked Alloc must bind its own value")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Alloc did not wake after Free")
	}
}

func TestConcurrentAllocFree(t *testing.T) {
	tbl := NewRandom[item](32)
	var wg sync.WaitGroup
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				v := &item{g}
				id := tbl.Alloc(v)
				if tbl.Resolve(id) != v {
					t.Errorf("goroutine %d: resolve mismatch", g)
					return
				}
				tbl.Free(id)
			}
		}(g)
	}
	wg.Wait()
	if tbl.InUse() != 0 {
		t.Errorf("InUse() = %d, want 0", tbl.InUse())
	}
}
