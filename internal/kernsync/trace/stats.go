package trace

import (
	"fmt"
	"io"

	"go.uber.org/atomic"
)

// Stats holds the subsystem counters. All methods are safe for concurrent
// use.
type Stats struct {
	Allocated     atomic.Uint64
	Destroyed     atomic.Uint64
	Walks         atomic.Uint64
	Hops          atomic.Uint64
	HopLimitHits  atomic.Uint64
	StaleHandoffs atomic.Uint64
	NoopHops      atomic.Uint64
	Redrives      atomic.Uint64
	ZoneWaits     atomic.Uint64
}

// Snapshot is a point-in-time copy of Stats.
type Snapshot struct {
	Allocated     uint64
	Destroyed     uint64
	Live          uint64
	Walks         uint64
	Hops          uint64
	HopLimitHits  uint64
	StaleHandoffs uint64
	NoopHops      uint64
	Redrives      uint64
	ZoneWaits     uint64
}

// Snapshot returns the current counter values. Individual counters are
// read atomically but the snapshot as a whole is not.
func (s *Stats) Snapshot() Snapshot {
	snap := Snapshot{
		Allocated:     s.Allocated.Load(),
		Destroyed:     s.Destroyed.Load(),
		Walks:         s.Walks.Load(),
		Hops:          s.Hops.Load(),
		HopLimitHits:  s.HopLimitHits.Load(),
		StaleHandoffs: s.StaleHandoffs.Load(),
		NoopHops:      s.NoopHops.Load(),
		Redrives:      s.Redrives.Load(),
		ZoneWaits:     s.ZoneWaits.Load(),
	}
	if snap.Allocated > snap.Destroyed {
		snap.Live = snap.Allocated - snap.Destroyed
	}
	return snap
}

// AvgHops returns the mean number of hops per propagation walk.
func (s Snapshot) AvgHops() float64 {
	if s.Walks == 0 {
		return 0
	}
	return float64(s.Hops) / float64(s.Walks)
}

// Print writes a human-readable summary to w.
func (s Snapshot) Print(w io.Writer) {
	fmt.Fprintf(w, "turnstiles: %d allocated, %d destroyed, %d live\n", s.Allocated, s.Destroyed, s.Live)
	fmt.Fprintf(w, "walks:      %d (%d hops, %.2f avg, %d no-op)\n", s.Walks, s.Hops, s.AvgHops(), s.NoopHops)
	fmt.Fprintf(w, "stopped:    %d at hop limit, %d stale handoffs\n", s.HopLimitHits, s.StaleHandoffs)
	fmt.Fprintf(w, "workq:      %d redrives\n", s.Redrives)
	if s.ZoneWaits > 0 {
		fmt.Fprintf(w, "zone:       %d blocked allocations\n", s.ZoneWaits)
	}
}
