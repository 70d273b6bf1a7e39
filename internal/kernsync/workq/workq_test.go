package workq

import (
	"sync"
	"testing"
)

func TestRedriveCallsCreator(t *testing.T) {
	var calls []bool
	p := New("pool", func(lockHeld bool) { calls = append(calls, lockHeld) })

	p.RedriveCreator(false)
	p.RedriveCreator(true)

	if p.Redrives() != 2 {
		t.Errorf("Redrives() = %d, want 2", p.Redrives())
	}
	if p.LockedRedrives() != 1 {
		t.Errorf("LockedRedrives() = %d, want 1", p.LockedRedrives())
	}
	if len(calls) != 2 || calls[0] || !calls[1] {
		t.Errorf("creator calls = %v, want [false true]", calls)
	}
}

func TestNilCreator(t *testing.T) {
	p := New("bare", nil)
	p.RedriveCreator(false)
	if p.Redrives() != 1 {
		t.Errorf("Redrives() = %d, want 1", p.Redrives())
	}
	if p.String() != "workq:bare" {
		t.Errorf("String() = %q", p.String())
	}
}

func TestRefcount(t *testing.T) {
	p := New("pool", nil)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Retain()
			p.Release()
		}()
	}
	wg.Wait()
	if p.Refs() != 1 {
		t.Errorf("Refs() = %d, want 1", p.Refs())
	}

	p.Release()
	defer func() {
		if recover() == nil {
			t.Error("retain after final release must panic")
		}
	}()
	p.Retain()
}
