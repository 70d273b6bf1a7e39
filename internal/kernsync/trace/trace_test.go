package trace

import (
	"bytes"
	"strings"
	"sync"
	"testing"
)

func TestRecordString(t *testing.T) {
	tests := []struct {
		r    Record
		want string
	}{
		{Record{Event: EventAlloc, Subj: "ts#1"}, "alloc           ts#1"},
		{Record{Event: EventHeapInsert, Subj: "ts#1", Target: "th#2", New: 10}, "heap-insert     ts#1 -> th#2 pri 0->10"},
		{Record{Event: EventWalkDone, Subj: "ts#3", Hops: 4}, "walk-done       ts#3 hops=4"},
	}
	for _, tt := range tests {
		if got := tt.r.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestEventStringUnknown(t *testing.T) {
	if got := Event(200).String(); got != "event(200)" {
		t.Errorf("String() = %q", got)
	}
}

func TestWriter(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	w.Emit(Record{Event: EventDestroy, Subj: "ts#9"})
	if got := buf.String(); got != "turnstile: destroy         ts#9\n" {
		t.Errorf("output = %q", got)
	}
}

func TestRingWraps(t *testing.T) {
	r := NewRing(3)
	for i := 1; i <= 5; i++ {
		r.Emit(Record{Event: EventHeapUpdate, New: int32(i)})
	}
	recs := r.Records()
	if len(recs) != 3 {
		t.Fatalf("len = %d, want 3", len(recs))
	}
	for i, rec := range recs {
		if want := int32(i + 3); rec.New != want {
			t.Errorf("recs[%d].New = %d, want %d", i, rec.New, want)
		}
	}
	if r.Total() != 5 {
		t.Errorf("Total() = %d, want 5", r.Total())
	}
	if r.Count(EventHeapUpdate) != 3 {
		t.Errorf("Count = %d, want 3", r.Count(EventHeapUpdate))
	}

	r.Reset()
	if len(r.Records()) != 0 || r.Total() != 0 {
		t.Error("Reset must clear the ring")
	}
}

func TestRingConcurrent(t *testing.T) {
	r := NewRing(64)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				r.Emit(Record{Event: EventAlloc})
			}
		}()
	}
	wg.Wait()
	if r.Total() != 800 {
		t.Errorf("Total() = %d, want 800", r.Total())
	}
	if len(r.Records()) != 64 {
		t.Errorf("retained %d, want 64", len(r.Records()))
	}
}

func TestStatsSnapshot(t *testing.T) {
	var s Stats
	s.Allocated.Add(5)
	s.Destroyed.Add(2)
	s.Walks.Add(2)
	s.Hops.Add(7)

	snap := s.Snapshot()
	if snap.Live != 3 {
		t.Errorf("Live = %d, want 3", snap.Live)
	}
	if snap.AvgHops() != 3.5 {
		t.Errorf("AvgHops = %v, want 3.5", snap.AvgHops())
	}

	var buf bytes.Buffer
	snap.Print(&buf)
	if !strings.Contains(buf.String(), "5 allocated, 2 destroyed, 3 live") {
		t.Errorf("unexpected summary:\n%s", buf.String())
	}
}

func captureHere(d *SiteDepot) uint64 {
	return d.Capture(0)
}

func TestSiteDepotDedup(t *testing.T) {
	var d SiteDepot
	var hashes []uint64
	for i := 0; i < 3; i++ {
		hashes = append(hashes, captureHere(&d))
	}
	if hashes[0] == 0 {
		t.Fatal("Capture returned zero")
	}
	if hashes[0] != hashes[1] || hashes[1] != hashes[2] {
		t.Errorf("same call site produced different hashes: %v", hashes)
	}
	if d.Len() != 1 {
		t.Errorf("Len() = %d, want 1", d.Len())
	}

	site := d.Lookup(hashes[0])
	if site == nil {
		t.Fatal("Lookup returned nil")
	}
	if !strings.Contains(site.Format(), "captureHere") {
		t.Errorf("formatted site lacks caller:\n%s", site.Format())
	}
}

func TestSiteLookupMissing(t *testing.T) {
	var d SiteDepot
	if d.Lookup(0) != nil || d.Lookup(12345) != nil {
		t.Error("Lookup of unknown hash must return nil")
	}
	var s *Site
	if s.Format() != "  <unknown>\n" {
		t.Errorf("nil Format = %q", s.Format())
	}
}
