package rpcrelay

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/quantedge/rpcrelay/internal/events"
	"github.com/quantedge/rpcrelay/internal/rpcmodel"
)

// queueItem represents one request waiting for an endpoint's in-flight
// slot to free up. admit is closed exactly once, either by the releaser
// that hands the item its slot, or by eviction/deadline sweep.
type queueItem struct {
	endpoint   rpcmodel.EndpointID
	enqueuedAt time.Time
	deadline   time.Time
	admit      chan struct{}
	evicted    atomic.Bool
}

// requestQueue is the bounded FIFO admission queue: when an endpoint is
// at its concurrency cap, a request waits here instead of calling the
// pool directly. The oldest entry is dropped with a QueueEvicted event
// when the queue is full, so it never grows without bound under
// sustained overload.
//
// Backed by an explicit slice rather than a buffered channel, since a
// channel can't selectively evict a specific blocked receiver — the
// oldest-drop policy needs that.
type requestQueue struct {
	mu    sync.Mutex
	items []*queueItem
	max   int
	bus   *events.Bus
}

func newRequestQueue(max int, bus *events.Bus) *requestQueue {
	return &requestQueue{max: max, bus: bus}
}

// enqueue adds item to the back of the queue, evicting the oldest entry
// first if the queue is already at capacity.
func (q *requestQueue) enqueue(item *queueItem) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= q.max && len(q.items) > 0 {
		oldest := q.items[0]
		q.items = q.items[1:]
		if oldest.evicted.CompareAndSwap(false, true) {
			close(oldest.admit)
		}
		q.bus.Publish(events.Event{Kind: events.QueueEvicted, Endpoint: oldest.endpoint, At: time.Now()})
	}
	q.items = append(q.items, item)
}

// admitNextFor hands the slot just freed on id to the oldest queued
// request waiting on that endpoint, if any, and reports whether it did.
func (q *requestQueue) admitNextFor(id rpcmodel.EndpointID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, it := range q.items {
		if it.endpoint == id {
			q.items = append(q.items[:i:i], q.items[i+1:]...)
			// Removed from items under mu, so no eviction path can close it
			// again; evicted stays false so the waiter sees a slot transfer.
			close(it.admit)
			return true
		}
	}
	return false
}

// Sweep evicts queued items whose deadline has already passed, the
// leak guard's "stuck queue entries past deadline" duty.
func (q *requestQueue) Sweep() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	kept := q.items[:0:0]
	evicted := 0
	for _, it := range q.items {
		if !it.deadline.IsZero() && now.After(it.deadline) {
			if it.evicted.CompareAndSwap(false, true) {
				close(it.admit)
			}
			q.bus.Publish(events.Event{Kind: events.QueueEvicted, Endpoint: it.endpoint, At: now, Detail: "stuck past deadline"})
			evicted++
			continue
		}
		kept = append(kept, it)
	}
	q.items = kept
	return evicted
}

func (q *requestQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
