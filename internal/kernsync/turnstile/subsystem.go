package turnstile

import (
	"fmt"
	"sync"

	"go.uber.org/atomic"

	"github.com/kolkov/kernsync/internal/kernsync/bootargs"
	"github.com/kolkov/kernsync/internal/kernsync/compactid"
	"github.com/kolkov/kernsync/internal/kernsync/htable"
	"github.com/kolkov/kernsync/internal/kernsync/priority"
	"github.com/kolkov/kernsync/internal/kernsync/sched"
	"github.com/kolkov/kernsync/internal/kernsync/trace"
)

// Scheduler is the scheduler collaborator.
type Scheduler = sched.Scheduler

// Options configures a Subsystem.
type Options struct {
	// Config is normalized by New; the zero value means bootargs.Default.
	Config bootargs.Config

	// Scheduler recomputes thread priorities. Nil selects sched.Default.
	Scheduler Scheduler

	// Tracer receives events. Nil discards them.
	Tracer trace.Tracer

	// Nonce mangles compact IDs. Zero picks a random nonce.
	Nonce uint32
}

// Subsystem owns the directories, the zone and the counters. It is
// constructed once at boot and lives as long as the process.
type Subsystem struct {
	cfg      bootargs.Config
	scale    priority.Scale
	sched    Scheduler
	tracer   trace.Tracer
	tracing  bool
	warnings []string

	stats trace.Stats
	sites trace.SiteDepot
	zone  *zone

	ids       *compactid.Table[Turnstile]
	irqSafe   *htable.Table[Turnstile]
	irqUnsafe *htable.Table[Turnstile]

	nextTS     atomic.Uint64
	nextThread atomic.Uint64

	descMu     sync.RWMutex
	describers map[Type]Describer
}

// New builds a subsystem. Invalid table sizes that survive normalization
// are fatal.
func New(opts Options) *Subsystem {
	cfg := opts.Config
	if cfg == (bootargs.Config{}) {
		cfg = bootargs.Default()
	}
	cfg, warnings := cfg.Normalize()

	s := &Subsystem{
		cfg:        cfg,
		scale:      cfg.Scale,
		sched:      opts.Scheduler,
		tracer:     opts.Tracer,
		warnings:   warnings,
		describers: make(map[Type]Describer),
	}
	if s.sched == nil {
		s.sched = sched.New(cfg.Scale)
	}
	if s.tracer == nil {
		s.tracer = trace.Nop{}
	}
	_, nop := s.tracer.(trace.Nop)
	s.tracing = !nop

	s.zone = newZone(cfg.ZoneLimit, &s.stats)
	if opts.Nonce != 0 {
		s.ids = compactid.New[Turnstile](cfg.CompactIDs, opts.Nonce)
	} else {
		s.ids = compactid.NewRandom[Turnstile](cfg.CompactIDs)
	}
	s.irqSafe = htable.New[Turnstile](cfg.HashBuckets, htable.Spin)
	s.irqUnsafe = htable.New[Turnstile](cfg.HashBuckets, htable.Sleep)
	return s
}

// Config returns the normalized configuration.
func (s *Subsystem) Config() bootargs.Config {
	return s.cfg
}

// Warnings returns the adjustments Normalize made to the configuration.
func (s *Subsystem) Warnings() []string {
	return s.warnings
}

// Stats returns a snapshot of the counters.
func (s *Subsystem) Stats() trace.Snapshot {
	return s.stats.Snapshot()
}

// Sites returns the allocation-site depot.
func (s *Subsystem) Sites() *trace.SiteDepot {
	return &s.sites
}

// Live returns the number of turnstiles currently allocated.
func (s *Subsystem) Live() int {
	return s.zone.Live()
}

func (s *Subsystem) emit(r trace.Record) {
	if s.tracing {
		s.tracer.Emit(r)
	}
}

// Allocate returns a fresh idle turnstile holding one reference. It never
// fails; with a zone limit it blocks until a turnstile is destroyed.
func (s *Subsystem) Allocate() *Turnstile {
	ts := s.zone.get()
	ts.id = s.nextTS.Inc()
	ts.refs.Store(1)
	ts.state.Store(uint32(StateThreadOwned))
	if s.cfg.TrackAllocSites {
		ts.allocSite = s.sites.Capture(1)
	}
	s.stats.Allocated.Inc()
	if s.tracing {
		s.emit(trace.Record{Event: trace.EventAlloc, Subj: ts.String()})
	}
	return ts
}

func (ts *Turnstile) retain() {
	if ts.refs.Inc() <= 1 {
		panic(fmt.Sprintf("turnstile: retain of destroyed %s", ts))
	}
}

// Retain takes a reference on ts.
func (s *Subsystem) Retain(ts *Turnstile) {
	ts.retain()
}

// Release drops a reference on ts and destroys it at zero.
func (s *Subsystem) Release(ts *Turnstile) {
	n := ts.refs.Dec()
	switch {
	case n < 0:
		panic(fmt.Sprintf("turnstile: %s refcount underflow", ts))
	case n == 0:
		s.destroy(ts)
	}
}

// destroy checks that nothing still points through ts and returns it to
// the zone.
func (s *Subsystem) destroy(ts *Turnstile) {
	switch {
	case ts.Proprietor() != 0:
		panic(fmt.Sprintf("turnstile: destroying %s still bound to proprietor %#x", ts, ts.Proprietor()))
	case !ts.inheritor.IsNone():
		panic(fmt.Sprintf("turnstile: destroying %s with inheritor %s", ts, ts.inheritor))
	case ts.CompactID() != 0:
		panic(fmt.Sprintf("turnstile: destroying %s holding compact id %#x", ts, ts.CompactID()))
	case ts.waiters.Len() != 0 || ts.pushers.Len() != 0:
		panic(fmt.Sprintf("turnstile: destroying %s with %d waiters and %d pushers", ts, ts.waiters.Len(), ts.pushers.Len()))
	case ts.freeHead != nil:
		panic(fmt.Sprintf("turnstile: destroying %s with a non-empty free-list", ts))
	}
	if s.tracing {
		s.emit(trace.Record{Event: trace.EventDestroy, Subj: ts.String()})
	}
	s.stats.Destroyed.Inc()
	s.zone.put(ts)
}

// NewThread registers a thread at priority pri and gives it an idle
// turnstile.
func (s *Subsystem) NewThread(name string, pri priority.Priority) *Thread {
	pri = s.scale.Clamp(pri)
	th := &Thread{
		id:   s.nextThread.Inc(),
		name: name,
		park: make(chan struct{}, 1),
	}
	th.refs.Store(1)
	th.requested.Store(int32(pri))
	th.base.Store(int32(pri))
	th.sched.Store(int32(pri))
	th.waitNode = newWaitNode(th)
	th.turnstile = s.Allocate()
	return th
}

// ExitThread tears th down. The thread must not be waiting and must own
// its turnstile.
func (s *Subsystem) ExitThread(th *Thread) {
	if th.WaitingOn() != nil {
		panic(fmt.Sprintf("turnstile: thread %s exiting while blocked on %s", th, th.WaitingOn()))
	}
	if th.scratch.pending {
		panic(fmt.Sprintf("turnstile: thread %s exiting with a delayed inheritor update", th))
	}
	s.Cleanup(th)
	s.Release(th.takeTurnstile())
	th.release()
}

// Cleanup releases the inheritor references th parked while mutating
// turnstiles. It must be called once th no longer holds any primitive
// lock; releasing may destroy turnstiles.
func (s *Subsystem) Cleanup(th *Thread) {
	for i, inh := range th.deferred {
		s.releaseInheritor(inh)
		th.deferred[i] = Inheritor{}
	}
	th.deferred = th.deferred[:0]
}

func (s *Subsystem) releaseInheritor(i Inheritor) {
	switch i.check() {
	case InheritThread:
		i.th.release()
	case InheritTurnstile:
		s.Release(i.ts)
	case InheritWorkq:
		i.wq.Release()
	}
}

// stash parks a reference for the next Cleanup.
func (th *Thread) stash(i Inheritor) {
	if !i.IsNone() {
		th.deferred = append(th.deferred, i)
	}
}
