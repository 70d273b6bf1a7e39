// Package prioq implements the stable max-heaps attached to turnstiles and
// threads.
//
// Every element lives in a caller-owned Node, so membership changes never
// allocate and a node can be located in O(1) for key updates. The three
// mutating operations report whether the heap's maximum changed, which is
// the only signal the propagation engine needs to decide whether to keep
// walking.
//
// Ordering is stable: among equal keys the element inserted first wins.
//
// A Queue is not safe for concurrent use. Callers guard it with the lock of
// the turnstile or thread that owns it.
package prioq

import (
	"container/heap"
	"fmt"

	"github.com/kolkov/kernsync/internal/kernsync/priority"
)

// Node is a heap entry carrying a value of type T.
type Node[T any] struct {
	Value T

	key   priority.Priority
	seq   uint64
	index int
	owner *Queue[T]
}

// NewNode returns a detached node for v.
func NewNode[T any](v T) *Node[T] {
	return &Node[T]{Value: v, index: -1}
}

// Key returns the node's current key. Only meaningful while queued.
func (n *Node[T]) Key() priority.Priority {
	return n.key
}

// Queued reports whether the node is in any queue.
func (n *Node[T]) Queued() bool {
	return n.owner != nil
}

// In reports whether the node is queued in q.
func (n *Node[T]) In(q *Queue[T]) bool {
	return n.owner != nil && n.owner == q
}

// Queue is a stable max-heap of nodes.
type Queue[T any] struct {
	items entries[T]
	seq   uint64
}

// Len returns the number of queued nodes.
func (q *Queue[T]) Len() int {
	return len(q.items)
}

// Max returns the largest key, or priority.None when the queue is empty.
func (q *Queue[T]) Max() priority.Priority {
	if len(q.items) == 0 {
		return priority.None
	}
	return q.items[0].key
}

// Peek returns the node holding the maximum, or nil.
func (q *Queue[T]) Peek() *Node[T] {
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0]
}

// Insert queues n with key and reports whether the maximum changed.
func (q *Queue[T]) Insert(n *Node[T], key priority.Priority) bool {
	if n.owner != nil {
		panic(fmt.Sprintf("prioq: insert of node already queued at index %d", n.index))
	}
	before := q.Max()
	n.key = key
	n.seq = q.seq
	q.seq++
	n.owner = q
	heap.Push(&q.items, n)
	return q.Max() != before
}

// Remove dequeues n and reports whether the maximum changed.
func (q *Queue[T]) Remove(n *Node[T]) bool {
	if n.owner != q {
		panic("prioq: remove of node not queued here")
	}
	before := q.Max()
	heap.Remove(&q.items, n.index)
	return q.Max() != before
}

// Update changes n's key and reports whether the maximum changed.
func (q *Queue[T]) Update(n *Node[T], key priority.Priority) bool {
	if n.owner != q {
		panic("prioq: update of node not queued here")
	}
	if n.key == key {
		return false
	}
	before := q.Max()
	n.key = key
	heap.Fix(&q.items, n.index)
	return q.Max() != before
}

// Pop removes and returns the node holding the maximum, or nil.
func (q *Queue[T]) Pop() *Node[T] {
	if len(q.items) == 0 {
		return nil
	}
	return heap.Pop(&q.items).(*Node[T])
}

// Each calls fn for every queued node in heap order (not sorted order).
// Iteration stops when fn returns false.
func (q *Queue[T]) Each(fn func(*Node[T]) bool) {
	for _, n := range q.items {
		if !fn(n) {
			return
		}
	}
}

// entries implements heap.Interface.
type entries[T any] []*Node[T]

func (e entries[T]) Len() int { return len(e) }

func (e entries[T]) Less(i, j int) bool {
	if e[i].key != e[j].key {
		return e[i].key > e[j].key
	}
	return e[i].seq < e[j].seq
}

func (e entries[T]) Swap(i, j int) {
	e[i], e[j] = e[j], e[i]
	e[i].index = i
	e[j].index = j
}

func (e *entries[T]) Push(x any) {
	n := x.(*Node[T])
	n.index = len(*e)
	*e = append(*e, n)
}

func (e *entries[T]) Pop() any {
	old := *e
	last := len(old) - 1
	n := old[last]
	old[last] = nil
	*e = old[:last]
	n.index = -1
	n.owner = nil
	return n
}
