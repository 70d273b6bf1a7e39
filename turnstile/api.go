package turnstile

import (
	"fmt"
	"io"
	"sync"

	"github.com/kolkov/kernsync/internal/kernsync/bootargs"
	"github.com/kolkov/kernsync/internal/kernsync/curthread"
	"github.com/kolkov/kernsync/internal/kernsync/ksync"
	"github.com/kolkov/kernsync/internal/kernsync/priority"
	"github.com/kolkov/kernsync/internal/kernsync/trace"
	internal "github.com/kolkov/kernsync/internal/kernsync/turnstile"
	"github.com/kolkov/kernsync/internal/kernsync/workq"
)

type (
	// Thread is a schedulable entity with a requested priority and the
	// promotions it inherits.
	Thread = internal.Thread

	// Priority is a scheduler priority; larger is more urgent.
	Priority = priority.Priority

	// Config is the boot-time configuration.
	Config = bootargs.Config

	// Chain is an inheritor-chain report.
	Chain = internal.Chain

	// Hop is one node of a Chain.
	Hop = internal.Hop

	// HopKind tells threads, turnstiles and worker pools apart in a Chain.
	HopKind = internal.HopKind

	// Stats is a snapshot of the runtime counters.
	Stats = trace.Snapshot

	// Tracer receives propagation events.
	Tracer = trace.Tracer

	// Scheduler folds promotions into thread priorities.
	Scheduler = internal.Scheduler
)

// Hop kinds.
const (
	// HopThread marks a thread in a Chain.
	HopThread = internal.HopThread
	// HopTurnstile marks a turnstile in a Chain.
	HopTurnstile = internal.HopTurnstile
	// HopWorkq marks the worker pool a Chain ends at.
	HopWorkq = internal.HopWorkq
)

// Options configures a Runtime.
type Options struct {
	// Config is used as given. The zero value reads the boot arguments
	// in KERNSYNC_BOOTARGS.
	Config Config

	// Scheduler recomputes thread priorities. Nil selects the built-in
	// one for the configured scale.
	Scheduler Scheduler

	// Tracer receives events. Nil discards them.
	Tracer Tracer
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() Config {
	return bootargs.Default()
}

// ParseConfig applies boot arguments such as "turnstile_max_hop=16" on
// top of DefaultConfig.
func ParseConfig(args string) (Config, error) {
	return bootargs.Parse(args)
}

// Runtime owns a turnstile subsystem and the goroutine-to-thread bindings
// of the goroutines using it.
type Runtime struct {
	s   *internal.Subsystem
	reg curthread.Registry
}

// New builds a runtime. It fails only when the boot arguments in the
// environment cannot be parsed.
func New(opts Options) (*Runtime, error) {
	cfg := opts.Config
	if cfg == (Config{}) {
		var err error
		if cfg, err = bootargs.FromEnv(); err != nil {
			return nil, err
		}
	}
	s := internal.New(internal.Options{Config: cfg, Scheduler: opts.Scheduler, Tracer: opts.Tracer})
	return &Runtime{s: s}, nil
}

var (
	defaultOnce sync.Once
	defaultRT   *Runtime
)

// Default returns the process-wide runtime, built from the environment on
// first use. It panics when KERNSYNC_BOOTARGS is malformed.
func Default() *Runtime {
	defaultOnce.Do(func() {
		rt, err := New(Options{})
		if err != nil {
			panic(fmt.Sprintf("turnstile: %v", err))
		}
		defaultRT = rt
	})
	return defaultRT
}

// Attach creates a thread and binds it to the calling goroutine.
//
// Every goroutine must be attached before it locks anything:
//
//	rt.Attach("worker", 40)
//	defer rt.Detach()
func (rt *Runtime) Attach(name string, pri Priority) *Thread {
	th := rt.s.NewThread(name, pri)
	rt.reg.Bind(th)
	return th
}

// Detach unbinds the calling goroutine and retires its thread. The thread
// must not be blocked or hold a pending push.
func (rt *Runtime) Detach() {
	th := rt.reg.Unbind()
	if th == nil {
		panic("turnstile: Detach from a goroutine that was never attached")
	}
	rt.s.ExitThread(th)
}

// Go runs fn on a new goroutine attached as a thread named name.
func (rt *Runtime) Go(name string, pri Priority, fn func()) {
	go func() {
		rt.Attach(name, pri)
		defer rt.Detach()
		fn()
	}()
}

// Self returns the calling goroutine's thread.
func (rt *Runtime) Self() *Thread {
	return rt.reg.Self()
}

// SetPriority changes the calling thread's requested priority and
// propagates the change through whatever it is blocked on.
func (rt *Runtime) SetPriority(p Priority) {
	rt.s.SetRequestedPriority(rt.Self(), p)
}

// Inspect reports the inheritor chain starting at the calling thread.
func (rt *Runtime) Inspect() Chain {
	return rt.s.InspectThread(rt.Self())
}

// InspectThread reports the inheritor chain starting at th.
func (rt *Runtime) InspectThread(th *Thread) Chain {
	return rt.s.InspectThread(th)
}

// Stats returns the runtime counters.
func (rt *Runtime) Stats() Stats {
	return rt.s.Stats()
}

// Config returns the normalized configuration.
func (rt *Runtime) Config() Config {
	return rt.s.Config()
}

// Warnings lists configuration values that were clamped or defaulted.
func (rt *Runtime) Warnings() []string {
	return rt.s.Warnings()
}

// Threads returns the number of attached goroutines.
func (rt *Runtime) Threads() int {
	return rt.reg.Len()
}

// Report writes the counters to w.
func (rt *Runtime) Report(w io.Writer) {
	rt.Stats().Print(w)
}

// Mutex is a priority-inheriting mutual exclusion lock. It implements
// sync.Locker for attached goroutines.
type Mutex struct {
	rt *Runtime
	m  *ksync.Mutex
}

// NewMutex returns an unlocked mutex.
func (rt *Runtime) NewMutex() *Mutex {
	return &Mutex{rt: rt, m: ksync.NewMutex(rt.s)}
}

// Lock acquires m, lending the caller's priority to the owner while it
// waits.
func (m *Mutex) Lock() { m.m.Lock(m.rt.Self()) }

// TryLock acquires m if it is free.
func (m *Mutex) TryLock() bool { return m.m.TryLock(m.rt.Self()) }

// Unlock releases m, handing it to the most urgent waiter.
func (m *Mutex) Unlock() { m.m.Unlock(m.rt.Self()) }

// Owner returns the holder of m, or nil.
func (m *Mutex) Owner() *Thread { return m.m.Owner() }

// Waiters returns the number of threads blocked on m.
func (m *Mutex) Waiters() int { return m.m.Waiters() }

// ULock is a user lock identified by an address. Waiters lend their base
// priority only.
type ULock struct {
	rt *Runtime
	u  *ksync.ULock
}

// NewULock returns an unlocked user lock keyed by addr, which must be
// non-zero. Two ULocks with the same address share a wait queue.
func (rt *Runtime) NewULock(addr uintptr) *ULock {
	return &ULock{rt: rt, u: ksync.NewULock(rt.s, addr)}
}

// Lock acquires u.
func (u *ULock) Lock() { u.u.Lock(u.rt.Self()) }

// TryLock acquires u if it is free.
func (u *ULock) TryLock() bool { return u.u.TryLock(u.rt.Self()) }

// Unlock releases u.
func (u *ULock) Unlock() { u.u.Unlock(u.rt.Self()) }

// Owner returns the holder of u, or nil.
func (u *ULock) Owner() *Thread { return u.u.Owner() }

// Events lets threads sleep on an event key while naming the thread
// expected to post it.
type Events struct {
	rt *Runtime
	ev *ksync.Events
}

// NewEvents returns an event namespace.
func (rt *Runtime) NewEvents() *Events {
	return &Events{rt: rt, ev: ksync.NewEvents(rt.s)}
}

// Sleep releases l, blocks on event while lending priority to inheritor,
// and reacquires l after being woken.
func (e *Events) Sleep(l sync.Locker, event uintptr, inheritor *Thread) {
	e.ev.SleepWithInheritor(e.rt.Self(), l, event, inheritor)
}

// WakeOne wakes the most urgent sleeper on event, which becomes the
// inheritor of the remaining sleepers. It returns nil when nobody sleeps.
func (e *Events) WakeOne(event uintptr) *Thread {
	return e.ev.WakeupOneWithInheritor(e.rt.Self(), event)
}

// WakeAll wakes every sleeper on event and returns how many woke.
func (e *Events) WakeAll(event uintptr) int {
	return e.ev.WakeupAllWithInheritor(e.rt.Self(), event)
}

// ChangeInheritor redirects the sleepers' push to inheritor.
func (e *Events) ChangeInheritor(event uintptr, inheritor *Thread) bool {
	return e.ev.ChangeSleepInheritor(e.rt.Self(), event, inheritor)
}

// Sleepers returns the number of threads sleeping on event.
func (e *Events) Sleepers(event uintptr) int {
	return e.ev.Sleepers(event)
}

// Workloop is a client queue drained by a single servicer. Without a
// servicer, clients push on a worker pool that calls its creator when
// the pressure crosses the throttle threshold.
type Workloop struct {
	rt   *Runtime
	pool *workq.Pool
	w    *ksync.Workloop
}

// NewWorkloop returns an idle workloop. creator is called, possibly with
// the pool lock held, whenever a new servicer is wanted; it may be nil.
func (rt *Runtime) NewWorkloop(name string, creator func(lockHeld bool)) *Workloop {
	pool := workq.New(name, creator)
	return &Workloop{rt: rt, pool: pool, w: ksync.NewWorkloop(rt.s, pool)}
}

// Wait queues the caller as a client until a servicer serves it.
func (w *Workloop) Wait() { w.w.Wait(w.rt.Self()) }

// Bind makes the caller the servicer.
func (w *Workloop) Bind() { w.w.Bind(w.rt.Self()) }

// Unbind detaches the calling servicer.
func (w *Workloop) Unbind() { w.w.Unbind(w.rt.Self()) }

// ServeOne wakes the most urgent client, or returns nil.
func (w *Workloop) ServeOne() *Thread { return w.w.ServeOne(w.rt.Self()) }

// Waiters returns the number of queued clients.
func (w *Workloop) Waiters() int { return w.w.Waiters() }

// Redrives returns how many times the pool asked for a servicer.
func (w *Workloop) Redrives() uint64 { return w.pool.Redrives() }
