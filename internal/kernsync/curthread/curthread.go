// Copyright 2025 The kernsync Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package curthread binds goroutines to turnstile threads.
//
// Kernel code asks "which thread am I" implicitly; primitives built on the
// turnstile engine ask the Registry instead. A goroutine is bound once,
// before it touches any primitive, and unbound when it exits.
package curthread

import (
	"fmt"
	"runtime"
	"sync"

	"go.uber.org/atomic"

	"github.com/kolkov/kernsync/internal/kernsync/turnstile"
)

// ID returns the current goroutine ID, parsed from runtime.Stack.
//
// Returns 0 if the stack header cannot be parsed.
func ID() int64 {
	// Only the first line is needed: "goroutine 123 [running]:\n..."
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	return parseGID(buf[:n])
}

// parseGID extracts the goroutine ID from stack trace bytes, or 0 if buf
// does not start with "goroutine N".
func parseGID(buf []byte) int64 {
	const prefix = "goroutine "
	if len(buf) < len(prefix) || string(buf[:len(prefix)]) != prefix {
		return 0
	}

	var gid int64
	for _, c := range buf[len(prefix):] {
		if c < '0' || c > '9' {
			break
		}
		gid = gid*10 + int64(c-'0')
	}
	return gid
}

// Registry maps goroutines to the threads they stand for.
type Registry struct {
	threads sync.Map // int64 -> *turnstile.Thread
	bound   atomic.Int64
}

// Bind makes th the thread of the calling goroutine.
func (r *Registry) Bind(th *turnstile.Thread) {
	gid := ID()
	if gid == 0 {
		panic("curthread: cannot determine goroutine id")
	}
	if prev, loaded := r.threads.LoadOrStore(gid, th); loaded {
		panic(fmt.Sprintf("curthread: goroutine %d already bound to %s", gid, prev.(*turnstile.Thread)))
	}
	r.bound.Inc()
}

// Unbind detaches the calling goroutine and returns its thread, or nil.
func (r *Registry) Unbind() *turnstile.Thread {
	v, ok := r.threads.LoadAndDelete(ID())
	if !ok {
		return nil
	}
	r.bound.Dec()
	return v.(*turnstile.Thread)
}

// Self returns the calling goroutine's thread. It panics when the
// goroutine was never bound.
func (r *Registry) Self() *turnstile.Thread {
	th := r.Lookup(ID())
	if th == nil {
		panic(fmt.Sprintf("curthread: goroutine %d is not bound to a thread", ID()))
	}
	return th
}

// Lookup returns the thread bound to goroutine gid, or nil.
func (r *Registry) Lookup(gid int64) *turnstile.Thread {
	v, ok := r.threads.Load(gid)
	if !ok {
		return nil
	}
	return v.(*turnstile.Thread)
}

// Len returns the number of bound goroutines.
func (r *Registry) Len() int {
	return int(r.bound.Load())
}
