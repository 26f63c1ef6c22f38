// Package rpcmodel holds the canonical data types shared by every
// orchestrator subsystem: endpoint identity and configuration, the
// mutable per-endpoint state the subsystems read and update, and the
// small bounded structures (latency ring, error-kind map) that keep
// that state within its configured caps.
//
// Design Choices:
//   - Hot fields (ID, Config) first in EndpointState for cache locality.
//   - Inflight uses atomic.Int64 so the orchestrator can update it and the
//     selector read it without taking a lock on the hot path.
//   - Bounded structures evict oldest-first so they never silently grow
//     without bound.
package rpcmodel

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// EndpointID is opaque, stable, and unique per configured endpoint.
type EndpointID string

// NewEndpointID mints a stable identifier for an endpoint at construction
// time. Endpoints configured with an explicit ID keep it; this is only
// used to fill in unset IDs.
func NewEndpointID() EndpointID {
	return EndpointID(uuid.NewString())
}

// EndpointConfig is immutable configuration for one upstream endpoint,
// created at init time from the caller's Config.
type EndpointConfig struct {
	ID            EndpointID
	URL           string
	Priority      int           // lower = preferred
	Weight        int           // tiebreaker
	RPSLimit      float64       // per-endpoint token bucket rate
	Burst         int           // per-endpoint burst cap
	MaxConcurrent int           // per-endpoint in-flight cap
	Timeout       time.Duration // default request timeout
	AuthHeader    string        // optional "Authorization" value
}

// Outcome classifies the result of one upstream attempt. Subsystems use
// this instead of a raw error so breaker/selector logic stays decoupled
// from the wire codec's error types.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeTimeout
	OutcomeProtocolError
	OutcomeTransportError
	OutcomeRateLimited // never counted toward the breaker
)

// ErrorKind is a short, stable label for a failure cause, used as the key
// in the bounded error-kind map.
type ErrorKind string

// EndpointState is the orchestrator-owned, mutable record of one
// endpoint's runtime behavior. It is mutated on every request completion
// and periodically trimmed by the leak guard.
type EndpointState struct {
	Config EndpointID

	Inflight atomic.Int64

	Latencies  *LatencyRing
	ErrorKinds *ErrorKindMap

	mu              sync.Mutex
	lastRecovery    time.Time
	breakerOpenedAt time.Time
}

// NewEndpointState allocates the bounded structures for one endpoint.
func NewEndpointState(id EndpointID) *EndpointState {
	return &EndpointState{
		Config:     id,
		Latencies:  NewLatencyRing(64),
		ErrorKinds: NewErrorKindMap(50),
	}
}

// RecordLatency appends a completed request's latency in milliseconds.
func (s *EndpointState) RecordLatency(ms float64) {
	s.Latencies.Add(ms)
}

// RecordErrorKind increments the bounded error-kind counter.
func (s *EndpointState) RecordErrorKind(kind ErrorKind) {
	s.ErrorKinds.Increment(kind)
}

// LoadRatio returns inflight/maxConcurrent, used by the breaker's
// load-adjusted threshold and the selector's tie-breaking.
func (s *EndpointState) LoadRatio(maxConcurrent int) float64 {
	if maxConcurrent <= 0 {
		return 0
	}
	return float64(s.Inflight.Load()) / float64(maxConcurrent)
}

// P95Latency returns the 95th percentile of the recorded latency samples.
func (s *EndpointState) P95Latency() float64 {
	return s.Latencies.Percentile(0.95)
}

// SetLastRecovery records when this endpoint's breaker last transitioned
// from HalfOpen back to Closed.
func (s *EndpointState) SetLastRecovery(t time.Time) {
	s.mu.Lock()
	s.lastRecovery = t
	s.mu.Unlock()
}

// LastRecovery returns the last recovery timestamp, zero if never opened.
func (s *EndpointState) LastRecovery() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRecovery
}

// SetBreakerOpenedAt records when this endpoint's breaker last opened.
func (s *EndpointState) SetBreakerOpenedAt(t time.Time) {
	s.mu.Lock()
	s.breakerOpenedAt = t
	s.mu.Unlock()
}

// BreakerOpenedAt returns the last time this endpoint's breaker opened,
// zero if it never has.
func (s *EndpointState) BreakerOpenedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.breakerOpenedAt
}
