package turnstile_test

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/kolkov/kernsync/turnstile"
)

// settle polls cond for up to a second.
func settle(cond func() bool) {
	for i := 0; i < 1000 && !cond(); i++ {
		time.Sleep(time.Millisecond)
	}
}

// Example shows a low-priority holder running at its waiter's priority
// until it releases the lock.
func Example() {
	rt, err := turnstile.New(turnstile.Options{Config: turnstile.DefaultConfig()})
	if err != nil {
		log.Fatal(err)
	}
	holder := rt.Attach("main", 40)
	defer rt.Detach()

	mu := rt.NewMutex()
	mu.Lock()

	done := make(chan struct{})
	rt.Go("urgent", 80, func() {
		mu.Lock()
		mu.Unlock()
		close(done)
	})
	settle(func() bool { return holder.SchedPriority() == 80 })
	fmt.Println("holder runs at", holder.SchedPriority())

	mu.Unlock()
	<-done
	fmt.Println("holder back at", holder.SchedPriority())

	// Output:
	// holder runs at 80
	// holder back at 40
}

// Example_inspect prints the chain from a blocked thread to the holder.
func Example_inspect() {
	rt, err := turnstile.New(turnstile.Options{Config: turnstile.DefaultConfig()})
	if err != nil {
		log.Fatal(err)
	}
	holder := rt.Attach("main", 40)
	defer rt.Detach()

	mu := rt.NewMutex()
	mu.Lock()

	waiter := make(chan *turnstile.Thread, 1)
	done := make(chan struct{})
	rt.Go("urgent", 80, func() {
		waiter <- rt.Self()
		mu.Lock()
		mu.Unlock()
		close(done)
	})
	th := <-waiter
	settle(func() bool { return holder.SchedPriority() == 80 })

	for _, h := range rt.InspectThread(th).Hops {
		if h.Kind == turnstile.HopTurnstile {
			fmt.Println(h.Kind, h.Type, h.Priority)
			continue
		}
		fmt.Println(h.Kind, h.Name, h.Priority)
	}

	mu.Unlock()
	<-done

	// Output:
	// thread th#2(urgent) 80
	// turnstile kernel-mutex 80
	// thread th#1(main) 80
}

// Example_userLock shows that user locks lend base priority.
func Example_userLock() {
	rt, err := turnstile.New(turnstile.Options{Config: turnstile.DefaultConfig()})
	if err != nil {
		log.Fatal(err)
	}
	holder := rt.Attach("main", 10)
	defer rt.Detach()

	u := rt.NewULock(0x1000)
	u.Lock()

	done := make(chan struct{})
	rt.Go("client", 50, func() {
		u.Lock()
		u.Unlock()
		close(done)
	})
	settle(func() bool { return holder.BasePriority() == 50 })
	fmt.Println("base", holder.BasePriority(), "kernel promotion", holder.KernelPromotion())

	u.Unlock()
	<-done
	fmt.Println("base", holder.BasePriority())

	// Output:
	// base 50 kernel promotion 0
	// base 10
}

// Example_stats prints the counters after a contended hand-off.
func Example_stats() {
	rt, err := turnstile.New(turnstile.Options{Config: turnstile.DefaultConfig()})
	if err != nil {
		log.Fatal(err)
	}
	rt.Attach("main", 40)
	defer rt.Detach()

	mu := rt.NewMutex()
	mu.Lock()
	done := make(chan struct{})
	rt.Go("waiter", 60, func() {
		mu.Lock()
		mu.Unlock()
		close(done)
	})
	settle(func() bool { return mu.Waiters() == 1 })
	mu.Unlock()
	<-done

	st := rt.Stats()
	fmt.Println("walks recorded:", st.Walks > 0)

	// Output:
	// walks recorded: true
}

// Example_compatible checks client versions against the runtime.
func Example_compatible() {
	for _, v := range []string{"v0.3.0", "v0.2.9", "v0.4.0", "v1.0.0", "0.3.0"} {
		fmt.Println(v, turnstile.Compatible(v))
	}

	// Output:
	// v0.3.0 true
	// v0.2.9 false
	// v0.4.0 false
	// v1.0.0 false
	// 0.3.0 false
}

// Example_report shows the configuration a runtime was built with.
func Example_report() {
	cfg, err := turnstile.ParseConfig("turnstile_max_hop=16 ts_workq_redrive=raise")
	if err != nil {
		log.Fatal(err)
	}
	rt, err := turnstile.New(turnstile.Options{Config: cfg})
	if err != nil {
		log.Fatal(err)
	}
	fmt.Fprintln(os.Stdout, rt.Config())

	// Output:
	// turnstile_max_hop=16 ts_htable_buckets=32 ts_compact_ids=4096 ts_zone_limit=0 ts_workq_redrive=raise ts_alloc_sites=0
}
