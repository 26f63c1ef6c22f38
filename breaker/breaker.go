// Package breaker implements a per-endpoint circuit breaker. Every
// decision for one endpoint is a pure function of that endpoint's own
// samples; state never couples across endpoints, so one bad upstream
// never throttles traffic to a healthy one.
package breaker

import (
	"sync"
	"time"

	"github.com/quantedge/rpcrelay/internal/events"
	"github.com/quantedge/rpcrelay/internal/rpcmodel"
)

// State is the externally observable breaker state for one endpoint.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config holds the breaker's tunables.
type Config struct {
	FailureThreshold  int           // base threshold before load adjustment
	Cooldown          time.Duration // open -> half-open delay
	HalfOpenProbes    int           // permitted probes while half-open
	HalfOpenSuccesses int           // successes required to close
}

// DefaultConfig returns conservative defaults for a small endpoint set.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:  3,
		Cooldown:          30 * time.Second,
		HalfOpenProbes:    3,
		HalfOpenSuccesses: 2,
	}
}

type endpointBreaker struct {
	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	openedAt            time.Time
	probesIssued        int
	successes           int
	errorKinds          *rpcmodel.ErrorKindMap
}

func newEndpointBreaker() *endpointBreaker {
	return &endpointBreaker{errorKinds: rpcmodel.NewErrorKindMap(50)}
}

// Breaker tracks state per endpoint.
type Breaker struct {
	cfg Config
	bus *events.Bus

	mu        sync.RWMutex
	endpoints map[rpcmodel.EndpointID]*endpointBreaker
}

// New constructs a Breaker. bus may be nil if no observer is wired.
func New(cfg Config, bus *events.Bus) *Breaker {
	return &Breaker{
		cfg:       cfg,
		bus:       bus,
		endpoints: make(map[rpcmodel.EndpointID]*endpointBreaker),
	}
}

func (b *Breaker) forID(id rpcmodel.EndpointID) *endpointBreaker {
	b.mu.RLock()
	eb, ok := b.endpoints[id]
	b.mu.RUnlock()
	if ok {
		return eb
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if eb, ok = b.endpoints[id]; ok {
		return eb
	}
	eb = newEndpointBreaker()
	b.endpoints[id] = eb
	return eb
}

// Admit reports whether a request may be sent to id right now: true iff
// Closed, or HalfOpen with probes still available. Calling Admit while
// HalfOpen consumes a probe slot.
func (b *Breaker) Admit(id rpcmodel.EndpointID) bool {
	eb := b.forID(id)
	eb.mu.Lock()
	defer eb.mu.Unlock()

	switch eb.state {
	case Closed:
		return true
	case Open:
		if time.Since(eb.openedAt) >= b.cfg.Cooldown {
			eb.state = HalfOpen
			eb.probesIssued = 0
			eb.successes = 0
			b.bus.Publish(events.Event{Kind: events.BreakerHalfOpen, Endpoint: id, At: time.Now()})
		} else {
			return false
		}
		fallthrough
	case HalfOpen:
		if eb.probesIssued >= b.cfg.HalfOpenProbes {
			return false
		}
		eb.probesIssued++
		return true
	default:
		return false
	}
}

// IsHealthy exposes current admissibility without consuming a probe slot.
func (b *Breaker) IsHealthy(id rpcmodel.EndpointID) bool {
	eb := b.forID(id)
	eb.mu.Lock()
	defer eb.mu.Unlock()

	switch eb.state {
	case Closed:
		return true
	case HalfOpen:
		return eb.probesIssued < b.cfg.HalfOpenProbes
	default:
		return false
	}
}

// StateOf returns the current state, used by the selector to prefer
// Closed over HalfOpen endpoints.
func (b *Breaker) StateOf(id rpcmodel.EndpointID) State {
	eb := b.forID(id)
	eb.mu.Lock()
	defer eb.mu.Unlock()
	return eb.state
}

// failureWeight weights timeout errors higher than protocol errors: a
// hung upstream is a stronger health signal than one malformed reply.
func failureWeight(outcome rpcmodel.Outcome) int {
	switch outcome {
	case rpcmodel.OutcomeTimeout:
		return 2
	case rpcmodel.OutcomeProtocolError, rpcmodel.OutcomeTransportError:
		return 1
	default:
		return 0
	}
}

// OnResult advances the state machine for id. Rate-limit outcomes never
// count toward the breaker — the caller should signal those to the rate
// limiter only, never here. loadRatio is endpoint_inflight divided by
// endpoint_max_concurrent at the moment of this result.
func (b *Breaker) OnResult(id rpcmodel.EndpointID, outcome rpcmodel.Outcome, loadRatio float64, errKind rpcmodel.ErrorKind) {
	if outcome == rpcmodel.OutcomeRateLimited {
		return
	}

	eb := b.forID(id)
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if outcome == rpcmodel.OutcomeSuccess {
		b.onSuccessLocked(id, eb)
		return
	}

	eb.errorKinds.Increment(errKind)
	weight := failureWeight(outcome)
	eb.consecutiveFailures += weight

	switch eb.state {
	case Closed:
		threshold := float64(b.cfg.FailureThreshold) * (1 + 0.5*loadRatio)
		if float64(eb.consecutiveFailures) >= threshold {
			eb.state = Open
			eb.openedAt = time.Now()
			b.bus.Publish(events.Event{Kind: events.BreakerOpened, Endpoint: id, At: eb.openedAt})
		}
	case HalfOpen:
		eb.state = Open
		eb.openedAt = time.Now()
		eb.successes = 0
		b.bus.Publish(events.Event{Kind: events.BreakerOpened, Endpoint: id, At: eb.openedAt})
	case Open:
		// Already open; a failed probe retried out of band, nothing to do.
	}
}

func (b *Breaker) onSuccessLocked(id rpcmodel.EndpointID, eb *endpointBreaker) {
	eb.consecutiveFailures = 0

	if eb.state == HalfOpen {
		eb.successes++
		if eb.successes >= b.cfg.HalfOpenSuccesses {
			eb.state = Closed
			eb.successes = 0
			b.bus.Publish(events.Event{Kind: events.BreakerClosed, Endpoint: id, At: time.Now()})
		}
	}
}
