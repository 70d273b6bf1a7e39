package turnstile

import (
	"fmt"
	"io"

	"github.com/kolkov/kernsync/internal/kernsync/priority"
)

// Describer returns proprietor-specific metadata for reports, such as the
// process owning an IPC endpoint. It runs during inspection and must not
// block or take turnstile locks.
type Describer func(proprietor uintptr) string

// RegisterDescriber installs d for turnstiles of type t.
func (s *Subsystem) RegisterDescriber(t Type, d Describer) {
	PolicyOf(t)
	s.descMu.Lock()
	s.describers[t] = d
	s.descMu.Unlock()
}

func (s *Subsystem) describe(t Type, prop uintptr) string {
	if prop == 0 || !s.descMu.TryRLock() {
		return ""
	}
	d := s.describers[t]
	s.descMu.RUnlock()
	if d == nil {
		return ""
	}
	return d(prop)
}

// HopKind is the kind of node a Hop reports.
type HopKind uint8

const (
	// HopThread reports a thread and its scheduled priority.
	HopThread HopKind = iota
	// HopTurnstile reports a turnstile and its aggregate priority.
	HopTurnstile
	// HopWorkq reports the worker pool a chain ends at.
	HopWorkq
)

// String returns the kind name.
func (k HopKind) String() string {
	switch k {
	case HopThread:
		return "thread"
	case HopTurnstile:
		return "turnstile"
	default:
		return "workq"
	}
}

// Hop is one node of an inspected chain.
type Hop struct {
	Kind       HopKind
	Name       string
	Priority   priority.Priority
	Type       Type
	Generation uint32
	Proprietor uintptr
	Meta       string
}

// Chain is the result of an inspection walk.
type Chain struct {
	Hops []Hop

	// Terminal is the kind of the last node reached.
	Terminal HopKind

	// Indeterminate is set when a lock on the path was busy.
	Indeterminate bool

	// Truncated is set when the hop bound stopped the walk.
	Truncated bool
}

// InspectThread reports the chain of turnstiles th is blocked behind. It
// never waits for a lock: a busy lock ends the walk as indeterminate.
func (s *Subsystem) InspectThread(th *Thread) Chain {
	return s.inspect(cursor{th: th})
}

// InspectTurnstile reports the inheritor chain starting at ts.
func (s *Subsystem) InspectTurnstile(ts *Turnstile) Chain {
	return s.inspect(cursor{ts: ts})
}

func (s *Subsystem) inspect(cur cursor) Chain {
	var c Chain
	// One hop beyond the live bound so the terminal node is visible.
	limit := s.cfg.MaxHops + 1

	for !cur.done() {
		if len(c.Hops) >= limit {
			c.Truncated = true
			return c
		}

		if th := cur.th; th != nil {
			if !th.lock.TryLock() {
				c.Indeterminate = true
				return c
			}
			next := th.WaitingOn()
			th.lock.Unlock()

			c.Hops = append(c.Hops, Hop{Kind: HopThread, Name: th.String(), Priority: th.SchedPriority()})
			c.Terminal = HopThread
			cur = cursor{ts: next}
			continue
		}

		ts := cur.ts
		if !ts.lock.TryLock() {
			c.Indeterminate = true
			return c
		}
		t, gen := ts.TypeGen()
		prop := ts.Proprietor()
		inh := ts.inheritor
		ts.lock.Unlock()

		c.Hops = append(c.Hops, Hop{
			Kind:       HopTurnstile,
			Name:       ts.String(),
			Priority:   ts.Priority(),
			Type:       t,
			Generation: gen,
			Proprietor: prop,
			Meta:       s.describe(t, prop),
		})
		c.Terminal = HopTurnstile

		switch inh.check() {
		case InheritThread:
			cur = cursor{th: inh.th}
		case InheritTurnstile:
			cur = cursor{ts: inh.ts}
		case InheritWorkq:
			c.Hops = append(c.Hops, Hop{Kind: HopWorkq, Name: "workq:" + inh.wq.Name()})
			c.Terminal = HopWorkq
			return c
		default:
			return c
		}
	}
	return c
}

// Last returns the terminal hop, or the zero Hop for an empty chain.
func (c Chain) Last() Hop {
	if len(c.Hops) == 0 {
		return Hop{}
	}
	return c.Hops[len(c.Hops)-1]
}

// Format writes a report of the chain:
//
//	==================
//	INHERITOR CHAIN (3 hops)
//	  #0 thread    th#1(A)            pri 50
//	  #1 turnstile ts#4 kernel-mutex  pri 50 proprietor 0xc000012345
//	  #2 thread    th#2(owner)        pri 50
//	Terminal: thread
//	==================
func (c Chain) Format(w io.Writer) {
	fmt.Fprintf(w, "==================\n")
	fmt.Fprintf(w, "INHERITOR CHAIN (%d hops)\n", len(c.Hops))
	for i, h := range c.Hops {
		switch h.Kind {
		case HopTurnstile:
			fmt.Fprintf(w, "  #%d %-9s %-6s %-14s pri %d proprietor %#x gen %d", i, h.Kind, h.Name, h.Type, h.Priority, h.Proprietor, h.Generation)
			if h.Meta != "" {
				fmt.Fprintf(w, " (%s)", h.Meta)
			}
			fmt.Fprintln(w)
		case HopWorkq:
			fmt.Fprintf(w, "  #%d %-9s %s\n", i, h.Kind, h.Name)
		default:
			fmt.Fprintf(w, "  #%d %-9s %-21s pri %d\n", i, h.Kind, h.Name, h.Priority)
		}
	}
	switch {
	case c.Indeterminate:
		fmt.Fprintf(w, "Terminal: indeterminate (lock busy)\n")
	case c.Truncated:
		fmt.Fprintf(w, "Terminal: truncated at hop bound\n")
	default:
		fmt.Fprintf(w, "Terminal: %s\n", c.Terminal)
	}
	fmt.Fprintf(w, "==================\n")
}
