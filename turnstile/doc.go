// Package turnstile provides priority-inheriting locks for Go programs.
//
// A thread that blocks on a lock lends its priority to whoever holds the
// lock, and through that holder to whatever the holder is itself blocked
// on. The engine underneath keeps one turnstile per contended lock: the
// wait queue, the priority of its most urgent waiter, and the inheritor
// that receives that priority.
//
// # Quick Start
//
// Every goroutine that touches a primitive is first attached to a thread
// with a name and a requested priority:
//
//	package main
//
//	import "github.com/kolkov/kernsync/turnstile"
//
//	func main() {
//		rt, err := turnstile.New(turnstile.Options{})
//		if err != nil {
//			log.Fatal(err)
//		}
//
//		rt.Attach("main", 20)
//		defer rt.Detach()
//
//		mu := rt.NewMutex()
//		mu.Lock()
//		rt.Go("urgent", 80, func() {
//			mu.Lock() // main now runs at 80 until it unlocks
//			mu.Unlock()
//		})
//		// ...
//		mu.Unlock()
//	}
//
// # Primitives
//
// Four primitives are provided, each with its own inheritance rule:
//
//   - Mutex: a kernel mutex. Waiters push their scheduling priority into
//     the owner, clamped to the promotion ceiling.
//   - ULock: a user lock keyed by an address. Waiters push their base
//     priority, never the kernel-promoted one.
//   - Events: sleeping on an event while naming the thread expected to
//     post it.
//   - Workloop: a client queue drained by one servicer, falling back to a
//     worker pool that is asked for a thread when pressure rises.
//
// Unlock hands the lock directly to the most urgent waiter, which then
// inherits the priority of those still queued.
//
// # Configuration
//
// The zero Options read boot arguments from the KERNSYNC_BOOTARGS
// environment variable:
//
//	KERNSYNC_BOOTARGS="turnstile_max_hop=16 ts_workq_redrive=raise" ./myprogram
//
// Out-of-range values are clamped and reported by Runtime.Warnings.
// Unknown keys are an error.
//
// # Diagnostics
//
// Runtime.Inspect walks the inheritor chain of the calling thread and
// Chain.Format prints it:
//
//	==================
//	INHERITOR CHAIN (3 hops)
//	  #0 thread    th#2(urgent)          pri 80
//	  #1 turnstile ts#2   kernel-mutex   pri 80 proprietor 0x10 gen 1
//	  #2 thread    th#1(main)            pri 80
//	Terminal: thread
//	==================
//
// Runtime.Stats reports walk and allocation counters.
//
// # Performance
//
// An uncontended Lock/Unlock takes the primitive's interlock once and
// allocates nothing. A contended Lock donates the caller's preallocated
// turnstile, so the blocking path allocates only when the zone is empty.
// Priority propagation is bounded by turnstile_max_hop per walk.
//
// # Limitations
//
// Threads are a model, not the Go scheduler: a higher priority changes
// which waiter is handed a lock, not when the goroutine runs.
package turnstile
