// simulate.go implements the 'tsctl simulate' command.
package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kolkov/kernsync/internal/kernsync/trace"
	"github.com/kolkov/kernsync/turnstile"
)

// settleTimeout bounds every wait for a scenario to reach a steady state.
const settleTimeout = 5 * time.Second

// simConfig holds parsed simulate arguments.
type simConfig struct {
	scenario string
	depth    int
	fanout   int
	bootargs string
	trace    bool
	last     int
}

// scenario is one canned contention pattern.
type scenario struct {
	name  string
	about string
	run   func(rt *turnstile.Runtime, cfg simConfig, w io.Writer) error
}

var scenarios = map[string]scenario{
	"chain": {"chain", "threads blocked on each other's mutexes in a line", runChain},
	"cycle": {"cycle", "two sleepers naming each other as inheritor", runCycle},
	"fanin": {"fanin", "many waiters on one mutex, handed off by priority", runFanin},
	"workq": {"workq", "workloop clients pushing on a worker pool", runWorkq},
	"ulock": {"ulock", "user lock lending base priority", runULock},
}

func scenarioNames() string {
	names := make([]string, 0, len(scenarios))
	for name := range scenarios {
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}

// parseSimulateArgs parses 'tsctl simulate' arguments. The scenario name
// comes first; flags follow it.
func parseSimulateArgs(args []string) (simConfig, error) {
	cfg := simConfig{depth: 4, fanout: 4}
	if len(args) == 0 || strings.HasPrefix(args[0], "-") {
		return cfg, fmt.Errorf("missing scenario (one of %s)", scenarioNames())
	}
	cfg.scenario = args[0]
	if _, ok := scenarios[cfg.scenario]; !ok {
		return cfg, fmt.Errorf("unknown scenario %q (one of %s)", cfg.scenario, scenarioNames())
	}

	fs := newFlagSet("simulate")
	fs.IntVar(&cfg.depth, "depth", cfg.depth, "chain length")
	fs.IntVar(&cfg.fanout, "fanout", cfg.fanout, "number of waiters or clients")
	fs.StringVar(&cfg.bootargs, "bootargs", "", "boot `arguments`")
	fs.BoolVar(&cfg.trace, "trace", false, "print every event as it happens")
	fs.IntVar(&cfg.last, "last", 0, "dump the last `n` events at the end")
	if err := fs.Parse(args[1:]); err != nil {
		return cfg, err
	}
	if fs.NArg() > 0 {
		return cfg, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}
	if cfg.depth < 1 || cfg.fanout < 1 {
		return cfg, fmt.Errorf("-depth and -fanout must be positive")
	}
	if cfg.trace && cfg.last > 0 {
		return cfg, fmt.Errorf("-trace and -last are mutually exclusive")
	}
	return cfg, nil
}

// simulateCommand implements 'tsctl simulate'.
//
// Example:
//
//	tsctl simulate chain -depth 12 -last 20
func simulateCommand(args []string, w io.Writer) error {
	cfg, err := parseSimulateArgs(args)
	if err != nil {
		return err
	}
	bootCfg, err := loadConfig(cfg.bootargs)
	if err != nil {
		return err
	}
	w = &lockedWriter{w: w}

	var (
		tracer turnstile.Tracer
		ring   *trace.Ring
	)
	switch {
	case cfg.trace:
		tracer = trace.NewWriter(w)
	case cfg.last > 0:
		ring = trace.NewRing(cfg.last)
		tracer = ring
	}

	rt, err := turnstile.New(turnstile.Options{Config: bootCfg, Tracer: tracer})
	if err != nil {
		return err
	}
	for _, warning := range rt.Warnings() {
		fmt.Fprintf(w, "warning: %s\n", warning)
	}

	sc := scenarios[cfg.scenario]
	fmt.Fprintf(w, "scenario %s: %s\n", sc.name, sc.about)
	if err := sc.run(rt, cfg, w); err != nil {
		return fmt.Errorf("scenario %s: %w", sc.name, err)
	}

	fmt.Fprintln(w)
	rt.Report(w)
	if ring != nil {
		fmt.Fprintf(w, "\nlast %d of %d events:\n", len(ring.Records()), ring.Total())
		ring.Dump(w)
	}
	return nil
}

// lockedWriter serializes the tracer's lines with the scenario's own
// output.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

// spawn starts fn on a goroutine attached as a thread and returns the
// thread once it is bound.
func spawn(rt *turnstile.Runtime, name string, pri turnstile.Priority, fn func()) *turnstile.Thread {
	self := make(chan *turnstile.Thread, 1)
	rt.Go(name, pri, func() {
		self <- rt.Self()
		fn()
	})
	return <-self
}

// settle polls cond until it holds.
func settle(what string, cond func() bool) error {
	deadline := time.Now().Add(settleTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
	return nil
}

// inspect returns th's chain once no lock on it is busy.
func inspect(rt *turnstile.Runtime, th *turnstile.Thread) (turnstile.Chain, error) {
	var c turnstile.Chain
	err := settle("a quiet chain", func() bool {
		c = rt.InspectThread(th)
		return !c.Indeterminate
	})
	return c, err
}

func printThreads(w io.Writer, threads []*turnstile.Thread) {
	for _, th := range threads {
		kernel, user := th.Promotions()
		fmt.Fprintf(w, "  %-16s requested %3d base %3d sched %3d promotions k=%d u=%d\n",
			th, th.RequestedPriority(), th.BasePriority(), th.SchedPriority(), kernel, user)
	}
}
