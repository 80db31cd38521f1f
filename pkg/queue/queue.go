// Package queue holds in-flight spike events ordered by delivery tick.
package queue

import (
	"container/heap"
	"sort"

	"github.com/qubicDB/spikesim/pkg/core"
)

type item struct {
	ev  core.SpikeEvent
	seq uint64
}

// eventHeap orders by delivery time, then by insertion sequence
type eventHeap []item

func (h eventHeap) Len() int { return len(h) }
func (h eventHeap) Less(i, j int) bool {
	if h[i].ev.DeliveryTime != h[j].ev.DeliveryTime {
		return h[i].ev.DeliveryTime < h[j].ev.DeliveryTime
	}
	return h[i].seq < h[j].seq
}
func (h eventHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *eventHeap) Push(x any)   { *h = append(*h, x.(item)) }
func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

// EventQueue is a priority queue of spike events keyed by delivery time.
//
// Events with equal delivery time leave in the order they were scheduled.
// An EventQueue is not safe for concurrent use.
type EventQueue struct {
	h   eventHeap
	seq uint64
}

// New returns an empty queue
func New() *EventQueue {
	return &EventQueue{}
}

// Schedule inserts ev in O(log n).
func (q *EventQueue) Schedule(ev core.SpikeEvent) {
	heap.Push(&q.h, item{ev: ev, seq: q.seq})
	q.seq++
}

// DrainDue removes and returns every event with DeliveryTime <= tick, in
// non-decreasing delivery order. Later events stay queued. The returned
// slice is owned by the caller; it is nil when nothing is due.
func (q *EventQueue) DrainDue(tick int64) []core.SpikeEvent {
	var due []core.SpikeEvent
	for len(q.h) > 0 && q.h[0].ev.DeliveryTime <= tick {
		it := heap.Pop(&q.h).(item)
		due = append(due, it.ev)
	}
	return due
}

// Len returns the number of queued events
func (q *EventQueue) Len() int { return len(q.h) }

// Peek returns the next event to be delivered without removing it.
func (q *EventQueue) Peek() (core.SpikeEvent, bool) {
	if len(q.h) == 0 {
		return core.SpikeEvent{}, false
	}
	return q.h[0].ev, true
}

// Pending returns a copy of the queued events in delivery order.
func (q *EventQueue) Pending() []core.SpikeEvent {
	items := make([]item, len(q.h))
	copy(items, q.h)
	sort.Slice(items, func(i, j int) bool { return eventHeap(items).Less(i, j) })

	out := make([]core.SpikeEvent, len(items))
	for i, it := range items {
		out[i] = it.ev
	}
	return out
}

// Clear drops every queued event
func (q *EventQueue) Clear() {
	q.h = q.h[:0]
}

// Retarget rewrites every queued event's target through fn. Events for
// which fn reports false are dropped. Relative delivery order is kept.
func (q *EventQueue) Retarget(fn func(target int) (int, bool)) int {
	kept := q.h[:0]
	dropped := 0
	for _, it := range q.h {
		t, ok := fn(it.ev.Target)
		if !ok {
			dropped++
			continue
		}
		it.ev.Target = t
		kept = append(kept, it)
	}
	q.h = kept
	heap.Init(&q.h)
	return dropped
}
