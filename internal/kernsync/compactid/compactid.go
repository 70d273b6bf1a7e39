// Copyright 2025 The kernsync Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package compactid implements the bounded table that maps small integer
// handles to turnstiles for primitives that can only spare 32 bits of
// storage.
//
// Handle layout (32 bits):
//
//	[gen:8][unused][mangled index + 1]
//
// The index is XOR-ed with a boot-time nonce so consecutive allocations do
// not produce consecutive handles, and each slot carries an 8-bit
// generation so a recycled slot never hands out the same handle twice in a
// row. Handle 0 is never produced and means "unbound".
//
// Allocation never fails: when every slot is taken, Alloc blocks until a
// slot is freed.
package compactid

import (
	"fmt"
	"math/bits"
	"math/rand/v2"
	"sync"

	"go.uber.org/atomic"
)

const (
	genShift = 24
	genMask  = 0xff

	// MaxCapacity is the largest supported table size.
	MaxCapacity = 1 << 16
)

type slot[T any] struct {
	v   atomic.Pointer[T]
	gen atomic.Uint32
}

// Table maps compact IDs to values of type T.
type Table[T any] struct {
	mu    sync.Mutex
	cond  *sync.Cond
	free  []uint32
	slots []slot[T]
	mask  uint32
	nonce uint32
	inUse atomic.Int64
}

// New creates a table with capacity slots and the given nonce.
// capacity must be a power of two in [2, MaxCapacity]; anything else is an
// initialization failure and panics.
func New[T any](capacity int, nonce uint32) *Table[T] {
	if capacity < 2 || capacity > MaxCapacity || bits.OnesCount(uint(capacity)) != 1 {
		panic(fmt.Sprintf("compactid: invalid capacity %d", capacity))
	}
	t := &Table[T]{
		free:  make([]uint32, 0, capacity),
		slots: make([]slot[T], capacity),
		mask:  uint32(capacity - 1),
		nonce: nonce & uint32(capacity-1),
	}
	t.cond = sync.NewCond(&t.mu)
	for i := capacity - 1; i >= 0; i-- {
		t.free = append(t.free, uint32(i))
	}
	return t
}

// NewRandom creates a table with a random nonce.
func NewRandom[T any](capacity int) *Table[T] {
	return New[T](capacity, rand.Uint32())
}

// Capacity returns the number of slots.
func (t *Table[T]) Capacity() int {
	return len(t.slots)
}

// InUse returns the number of allocated IDs.
func (t *Table[T]) InUse() int {
	return int(t.inUse.Load())
}

// Alloc binds v to a fresh ID, blocking while the table is full.
func (t *Table[T]) Alloc(v *T) uint32 {
	if v == nil {
		panic("compactid: alloc of nil value")
	}
	t.mu.Lock()
	for len(t.free) == 0 {
		t.cond.Wait()
	}
	id := t.bindLocked(v)
	t.mu.Unlock()
	return id
}

// TryAlloc is Alloc without blocking; ok is false when the table is full.
func (t *Table[T]) TryAlloc(v *T) (id uint32, ok bool) {
	if v == nil {
		panic("compactid: alloc of nil value")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.free) == 0 {
		return 0, false
	}
	return t.bindLocked(v), true
}

func (t *Table[T]) bindLocked(v *T) uint32 {
	idx := t.free[len(t.free)-1]
	t.free = t.free[:len(t.free)-1]
	s := &t.slots[idx]
	gen := s.gen.Inc() & genMask
	s.v.Store(v)
	t.inUse.Inc()
	return t.encode(idx, gen)
}

// Resolve returns the value bound to id, or nil if id is zero, stale, or
// out of range. It never blocks.
func (t *Table[T]) Resolve(id uint32) *T {
	idx, gen, ok := t.decode(id)
	if !ok {
		return nil
	}
	s := &t.slots[idx]
	if s.gen.Load()&genMask != gen {
		return nil
	}
	return s.v.Load()
}

// Free releases id. Freeing an unbound or stale ID panics.
func (t *Table[T]) Free(id uint32) {
	idx, gen, ok := t.decode(id)
	if !ok {
		panic(fmt.Sprintf("compactid: free of invalid id %#x", id))
	}
	t.mu.Lock()
	s := &t.slots[idx]
	if s.gen.Load()&genMask != gen || s.v.Load() == nil {
		t.mu.Unlock()
		panic(fmt.Sprintf("compactid: free of stale id %#x", id))
	}
	s.v.Store(nil)
	t.free = append(t.free, idx)
	t.mu.Unlock()

	t.inUse.Dec()
	t.cond.Signal()
}

func (t *Table[T]) encode(idx, gen uint32) uint32 {
	return gen<<genShift | (((idx ^ t.nonce) & t.mask) + 1)
}

func (t *Table[T]) decode(id uint32) (idx, gen uint32, ok bool) {
	low := id & (1<<genShift - 1)
	if low == 0 || low > t.mask+1 {
		return 0, 0, false
	}
	return ((low - 1) ^ t.nonce) & t.mask, id >> genShift & genMask, true
}
