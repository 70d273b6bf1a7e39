// Copyright 2025 The kernsync Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package htable implements the sharded table that resolves a proprietor
// key to its turnstile when the primitive has no room to store anything.
//
// The table is a fixed, power-of-two array of buckets. Each bucket is a
// short list guarded by its own lock; there is no table-wide lock. Buckets
// are selected with a multiplicative golden-ratio hash, taking the top bits
// of the product.
//
// Two lock classes exist because not every call site may sleep:
//   - Spin: a ticket spin lock, safe where blocking is not allowed
//     (the interrupt-safe table).
//   - Sleep: a sync.Mutex, for call sites that may block.
package htable

import (
	"fmt"
	"math/bits"
	"sync"

	"github.com/kolkov/kernsync/internal/kernsync/ticketlock"
)

// LockClass selects the bucket lock implementation.
type LockClass uint8

const (
	// Spin buckets never park the caller.
	Spin LockClass = iota
	// Sleep buckets may park the caller.
	Sleep
)

// String returns the class name.
func (c LockClass) String() string {
	if c == Spin {
		return "spin"
	}
	return "sleep"
}

const goldenRatio = 0x9E3779B97F4A7C15

type locker interface {
	Lock()
	Unlock()
	TryLock() bool
}

type entry[T any] struct {
	key uintptr
	val *T
}

// Bucket is one independently locked chain.
type Bucket[T any] struct {
	lock    locker
	entries []entry[T]
}

// Lock acquires the bucket lock.
func (b *Bucket[T]) Lock() { b.lock.Lock() }

// Unlock releases the bucket lock.
func (b *Bucket[T]) Unlock() { b.lock.Unlock() }

// TryLock acquires the bucket lock without waiting.
func (b *Bucket[T]) TryLock() bool { return b.lock.TryLock() }

// Find returns the value stored under key. The bucket must be locked.
func (b *Bucket[T]) Find(key uintptr) *T {
	for i := range b.entries {
		if b.entries[i].key == key {
			return b.entries[i].val
		}
	}
	return nil
}

// Insert stores v under key. The bucket must be locked and key absent.
func (b *Bucket[T]) Insert(key uintptr, v *T) {
	if b.Find(key) != nil {
		panic(fmt.Sprintf("htable: duplicate key %#x", key))
	}
	b.entries = append(b.entries, entry[T]{key: key, val: v})
}

// Remove deletes key and returns its value, or nil. The bucket must be
// locked.
func (b *Bucket[T]) Remove(key uintptr) *T {
	for i := range b.entries {
		if b.entries[i].key != key {
			continue
		}
		v := b.entries[i].val
		last := len(b.entries) - 1
		b.entries[i] = b.entries[last]
		b.entries[last] = entry[T]{}
		b.entries = b.entries[:last]
		return v
	}
	return nil
}

// Len returns the chain length. The bucket must be locked.
func (b *Bucket[T]) Len() int {
	return len(b.entries)
}

// Table is a fixed array of buckets.
type Table[T any] struct {
	buckets []Bucket[T]
	shift   uint
	class   LockClass
}

// New creates a table with n buckets of the given lock class. n must be a
// power of two; anything else is an initialization failure and panics.
func New[T any](n int, class LockClass) *Table[T] {
	if n <= 0 || bits.OnesCount(uint(n)) != 1 {
		panic(fmt.Sprintf("htable: bucket count %d is not a power of two", n))
	}
	t := &Table[T]{
		buckets: make([]Bucket[T], n),
		shift:   uint(64 - bits.TrailingZeros(uint(n))),
		class:   class,
	}
	for i := range t.buckets {
		if class == Spin {
			t.buckets[i].lock = &ticketlock.Lock{}
		} else {
			t.buckets[i].lock = &sync.Mutex{}
		}
	}
	return t
}

// Size returns the number of buckets.
func (t *Table[T]) Size() int {
	return len(t.buckets)
}

// Class returns the bucket lock class.
func (t *Table[T]) Class() LockClass {
	return t.class
}

// Index returns the bucket index for key.
func (t *Table[T]) Index(key uintptr) int {
	if len(t.buckets) == 1 {
		return 0
	}
	return int(uint64(key) * goldenRatio >> t.shift)
}

// Bucket returns the bucket for key. It does not lock it.
func (t *Table[T]) Bucket(key uintptr) *Bucket[T] {
	return &t.buckets[t.Index(key)]
}

// Len counts entries across all buckets, locking each in turn.
func (t *Table[T]) Len() int {
	n := 0
	for i := range t.buckets {
		b := &t.buckets[i]
		b.Lock()
		n += len(b.entries)
		b.Unlock()
	}
	return n
}
