package turnstile

import (
	"sync"

	"github.com/kolkov/kernsync/internal/kernsync/trace"
)

// zone backs turnstile memory. Destroyed turnstiles are cached for reuse;
// their generation survives so stale observers can tell them apart.
//
// With a limit, get blocks while that many turnstiles are live.
type zone struct {
	mu    sync.Mutex
	cond  *sync.Cond
	cache []*Turnstile
	live  int
	limit int
	stats *trace.Stats
}

func newZone(limit int, stats *trace.Stats) *zone {
	z := &zone{limit: limit, stats: stats}
	z.cond = sync.NewCond(&z.mu)
	return z
}

func (z *zone) get() *Turnstile {
	z.mu.Lock()
	if z.limit > 0 && z.live >= z.limit {
		z.stats.ZoneWaits.Inc()
		for z.live >= z.limit {
			z.cond.Wait()
		}
	}
	z.live++
	var ts *Turnstile
	if n := len(z.cache); n > 0 {
		ts = z.cache[n-1]
		z.cache[n-1] = nil
		z.cache = z.cache[:n-1]
	}
	z.mu.Unlock()

	if ts == nil {
		ts = newTurnstile()
	}
	return ts
}

func (z *zone) put(ts *Turnstile) {
	ts.reset()
	z.mu.Lock()
	z.cache = append(z.cache, ts)
	z.live--
	z.mu.Unlock()
	z.cond.Signal()
}

// Live returns the number of turnstiles handed out and not yet returned.
func (z *zone) Live() int {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.live
}

// reset clears everything but the type/generation word and the link node.
func (ts *Turnstile) reset() {
	ts.clearType()
	ts.state.Store(uint32(StateFree))
	ts.proprietor.Store(0)
	ts.compactID.Store(0)
	ts.priority.Store(0)
	ts.inheritor = Inheritor{}
	ts.inhApplied = 0
	ts.inhSeq.Store(0)
	ts.freeHead = nil
	ts.freeNext = nil
	ts.primCount = 0
	ts.workqPri = 0
	ts.pushedPri.Store(int32(notPushed))
	ts.allocSite = 0
}
