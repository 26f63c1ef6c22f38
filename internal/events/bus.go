// Package events implements a typed, push-based observer bus: a fixed
// set of event kinds (breaker_opened, cache_evicted, batch_dispatched,
// hedge_raced, queue_evicted) delivered to subscribers in-process, rather
// than a dynamic string-keyed pub/sub.
package events

import (
	"sync"
	"time"

	"github.com/quantedge/rpcrelay/internal/rpcmodel"
)

// Kind enumerates the fixed set of events subsystems emit.
type Kind int

const (
	BreakerOpened Kind = iota
	BreakerClosed
	BreakerHalfOpen
	CacheEvicted
	BatchDispatched
	HedgeRaced
	QueueEvicted
)

func (k Kind) String() string {
	switch k {
	case BreakerOpened:
		return "breaker_opened"
	case BreakerClosed:
		return "breaker_closed"
	case BreakerHalfOpen:
		return "breaker_half_open"
	case CacheEvicted:
		return "cache_evicted"
	case BatchDispatched:
		return "batch_dispatched"
	case HedgeRaced:
		return "hedge_raced"
	case QueueEvicted:
		return "queue_evicted"
	default:
		return "unknown"
	}
}

// Event is the fixed-shape payload delivered to observers. Fields not
// relevant to a given Kind are left zero.
type Event struct {
	Kind     Kind
	Endpoint rpcmodel.EndpointID
	Method   string
	At       time.Time
	Detail   string
}

// Observer receives events. Implementations must return quickly: Publish
// calls observers synchronously on the publishing goroutine.
type Observer interface {
	OnEvent(Event)
}

// ObserverFunc adapts a plain function to the Observer interface.
type ObserverFunc func(Event)

// OnEvent implements Observer.
func (f ObserverFunc) OnEvent(e Event) { f(e) }

// Bus fans an Event out to every subscribed Observer.
type Bus struct {
	mu        sync.RWMutex
	observers []Observer
}

// NewBus constructs an empty Bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers an observer. Safe to call concurrently with Publish.
func (b *Bus) Subscribe(o Observer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observers = append(b.observers, o)
}

// Publish delivers e to every current subscriber. A nil Bus is a valid
// no-op receiver so components can hold an optional *Bus without nil
// checks at every call site.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, o := range b.observers {
		o.OnEvent(e)
	}
}
