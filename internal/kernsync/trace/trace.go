// Package trace provides event emission and counters for the turnstile
// subsystem.
//
// Tracing is optional for correctness. The subsystem emits a Record at
// every state transition (allocation, heap membership change, priority
// change, walk termination) through a Tracer; Nop discards them, Writer
// prints one line per event, and Ring keeps the most recent events in
// memory for tests and post-mortem dumps.
//
// Counters live in Stats and are always maintained, independent of the
// Tracer in use.
package trace

import (
	"fmt"
	"io"
	"sync"
)

// Event identifies a state transition.
type Event uint8

const (
	EventAlloc Event = iota + 1
	EventDestroy
	EventPrepare
	EventComplete
	EventInheritorSet
	EventHeapInsert
	EventHeapRemove
	EventHeapUpdate
	EventPriorityChange
	EventThreadPromote
	EventWorkqRedrive
	EventWalkDone
	EventHopLimit
	EventStaleHandoff
)

var eventNames = [...]string{
	EventAlloc:          "alloc",
	EventDestroy:        "destroy",
	EventPrepare:        "prepare",
	EventComplete:       "complete",
	EventInheritorSet:   "inheritor-set",
	EventHeapInsert:     "heap-insert",
	EventHeapRemove:     "heap-remove",
	EventHeapUpdate:     "heap-update",
	EventPriorityChange: "priority-change",
	EventThreadPromote:  "thread-promote",
	EventWorkqRedrive:   "workq-redrive",
	EventWalkDone:       "walk-done",
	EventHopLimit:       "hop-limit",
	EventStaleHandoff:   "stale-handoff",
}

// String returns the event name.
func (e Event) String() string {
	if int(e) < len(eventNames) && eventNames[e] != "" {
		return eventNames[e]
	}
	return fmt.Sprintf("event(%d)", uint8(e))
}

// Record is one emitted event. Fields that do not apply are zero.
type Record struct {
	Event  Event
	Subj   string // turnstile or thread the event is about, e.g. "ts#12"
	Target string // other node involved, if any
	Old    int32  // previous priority
	New    int32  // new priority
	Hops   int    // hop count for walk events
}

// String formats r as a single line.
func (r Record) String() string {
	s := fmt.Sprintf("%-15s %s", r.Event, r.Subj)
	if r.Target != "" {
		s += " -> " + r.Target
	}
	if r.Old != 0 || r.New != 0 {
		s += fmt.Sprintf(" pri %d->%d", r.Old, r.New)
	}
	if r.Hops != 0 {
		s += fmt.Sprintf(" hops=%d", r.Hops)
	}
	return s
}

// Tracer receives events. Implementations must be safe for concurrent use
// and must not call back into the turnstile subsystem: Emit runs with
// turnstile and thread locks held.
type Tracer interface {
	Emit(Record)
}

// Nop discards every event.
type Nop struct{}

// Emit implements Tracer.
func (Nop) Emit(Record) {}

// Writer prints one line per event to an io.Writer.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriter returns a Writer printing to w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Emit implements Tracer.
func (t *Writer) Emit(r Record) {
	t.mu.Lock()
	fmt.Fprintf(t.w, "turnstile: %s\n", r)
	t.mu.Unlock()
}

// Ring keeps the last N events.
type Ring struct {
	mu    sync.Mutex
	buf   []Record
	next  int
	total uint64
}

// NewRing returns a Ring holding up to n events. n must be positive.
func NewRing(n int) *Ring {
	if n <= 0 {
		panic(fmt.Sprintf("trace: ring size %d must be positive", n))
	}
	return &Ring{buf: make([]Record, 0, n)}
}

// Emit implements Tracer.
func (t *Ring) Emit(r Record) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.total++
	if len(t.buf) < cap(t.buf) {
		t.buf = append(t.buf, r)
		return
	}
	t.buf[t.next] = r
	t.next = (t.next + 1) % len(t.buf)
}

// Records returns the retained events, oldest first.
func (t *Ring) Records() []Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Record, 0, len(t.buf))
	out = append(out, t.buf[t.next:]...)
	out = append(out, t.buf[:t.next]...)
	return out
}

// Count returns how many retained events have type e.
func (t *Ring) Count(e Event) int {
	n := 0
	for _, r := range t.Records() {
		if r.Event == e {
			n++
		}
	}
	return n
}

// Total returns the number of events ever emitted, including dropped ones.
func (t *Ring) Total() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}

// Reset discards all retained events.
func (t *Ring) Reset() {
	t.mu.Lock()
	t.buf = t.buf[:0]
	t.next = 0
	t.total = 0
	t.mu.Unlock()
}

// Dump writes the retained events to w.
func (t *Ring) Dump(w io.Writer) {
	for _, r := range t.Records() {
		fmt.Fprintf(w, "  %s\n", r)
	}
}
