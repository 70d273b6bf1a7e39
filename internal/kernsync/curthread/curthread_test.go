// Copyright 2025 The kernsync Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package curthread

import (
	"sync"
	"testing"

	"github.com/kolkov/kernsync/internal/kernsync/turnstile"
)

func TestParseGID(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"goroutine 1 [running]:\n", 1},
		{"goroutine 12345 [chan receive]:", 12345},
		{"goroutine ", 0},
		{"gorout", 0},
		{"thread 7 [running]", 0},
		{"", 0},
	}
	for _, tt := range tests {
		if got := parseGID([]byte(tt.in)); got != tt.want {
			t.Errorf("parseGID(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestIDStable(t *testing.T) {
	id := ID()
	if id <= 0 {
		t.Fatalf("ID() = %d", id)
	}
	if ID() != id {
		t.Error("ID() not stable within a goroutine")
	}

	other := make(chan int64)
	go func() { other <- ID() }()
	if <-other == id {
		t.Error("two goroutines share an ID")
	}
}

func TestRegistry(t *testing.T) {
	s := turnstile.New(turnstile.Options{Nonce: 1})
	var r Registry

	const n = 8
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			th := s.NewThread("g", 10)
			r.Bind(th)
			if r.Self() != th {
				t.Error("Self() returned another thread")
			}
			if r.Lookup(ID()) != th {
				t.Error("Lookup mismatch")
			}
			if got := r.Unbind(); got != th {
				t.Error("Unbind returned another thread")
			}
			s.ExitThread(th)
		}()
	}
	wg.Wait()

	if r.Len() != 0 {
		t.Errorf("Len() = %d after all unbinds", r.Len())
	}
	if r.Unbind() != nil {
		t.Error("Unbind of an unbound goroutine")
	}
}

func TestRegistryMisuse(t *testing.T) {
	s := turnstile.New(turnstile.Options{Nonce: 1})
	var r Registry

	func() {
		defer func() {
			if recover() == nil {
				t.Error("Self on an unbound goroutine must panic")
			}
		}()
		r.Self()
	}()

	th := s.NewThread("t", 1)
	r.Bind(th)
	defer r.Unbind()
	func() {
		defer func() {
			if recover() == nil {
				t.Error("double bind must panic")
			}
		}()
		r.Bind(th)
	}()
	if r.Len() != 1 {
		t.Errorf("Len() = %d", r.Len())
	}
}

func BenchmarkID(b *testing.B) {
	for i := 0; i < b.N; i++ {
		_ = ID()
	}
}
