// Package selector implements the health-aware endpoint selection
// policy: prefer Closed breakers over HalfOpen, then lowest priority,
// then lowest load ratio, then lowest recent P95, breaking ties by
// weight and finally by a stable endpoint ordering. It runs as a
// synchronous scoring pass over a small, fixed endpoint set rather than
// a streaming aggregation pipeline, since a pool only ever juggles a
// handful of upstream endpoints.
package selector

import (
	"sort"
	"sync"

	"github.com/quantedge/rpcrelay/breaker"
	"github.com/quantedge/rpcrelay/internal/rpcmodel"
)

// Selector picks the best admissible endpoint for a request.
type Selector struct {
	mu        sync.RWMutex
	endpoints []rpcmodel.EndpointConfig // scored in construction order; the final tiebreaker is EndpointID order
	states    map[rpcmodel.EndpointID]*rpcmodel.EndpointState
	breaker   *breaker.Breaker
}

// New constructs a Selector over a fixed endpoint set. states must have
// one entry per endpoint, shared with the orchestrator, which also
// mutates per-endpoint stats.
func New(endpoints []rpcmodel.EndpointConfig, states map[rpcmodel.EndpointID]*rpcmodel.EndpointState, br *breaker.Breaker) *Selector {
	return &Selector{endpoints: endpoints, states: states, breaker: br}
}

type candidate struct {
	id        rpcmodel.EndpointID
	stateRank int
	priority  int
	loadRatio float64
	p95       float64
	weight    int
}

// Select returns the best endpoint not present in exclude, or false if
// every endpoint is excluded or unhealthy.
func (s *Selector) Select(exclude map[rpcmodel.EndpointID]struct{}) (rpcmodel.EndpointID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	candidates := make([]candidate, 0, len(s.endpoints))
	for _, ep := range s.endpoints {
		if _, skip := exclude[ep.ID]; skip {
			continue
		}
		if !s.breaker.IsHealthy(ep.ID) {
			continue
		}
		st := s.states[ep.ID]
		if st == nil {
			continue
		}
		stateRank := 0
		if s.breaker.StateOf(ep.ID) == breaker.HalfOpen {
			stateRank = 1
		}
		candidates = append(candidates, candidate{
			id:        ep.ID,
			stateRank: stateRank,
			priority:  ep.Priority,
			loadRatio: st.LoadRatio(ep.MaxConcurrent),
			p95:       st.P95Latency(),
			weight:    ep.Weight,
		})
	}
	if len(candidates) == 0 {
		return "", false
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		switch {
		case a.stateRank != b.stateRank:
			return a.stateRank < b.stateRank
		case a.priority != b.priority:
			return a.priority < b.priority
		case a.loadRatio != b.loadRatio:
			return a.loadRatio < b.loadRatio
		case a.p95 != b.p95:
			return a.p95 < b.p95
		case a.weight != b.weight:
			return a.weight > b.weight // higher configured weight wins ties
		default:
			return a.id < b.id // stable EndpointID order, the final tiebreaker
		}
	})
	return candidates[0].id, true
}

// StateFor exposes the shared EndpointState for id, or nil if id is not
// one of the selector's endpoints.
func (s *Selector) StateFor(id rpcmodel.EndpointID) *rpcmodel.EndpointState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.states[id]
}

// Release records a completed attempt's latency and, on failure, its
// error kind, so future Select calls see updated stats.
func (s *Selector) Release(id rpcmodel.EndpointID, latencyMs float64, success bool, kind rpcmodel.ErrorKind) {
	st := s.StateFor(id)
	if st == nil {
		return
	}
	st.RecordLatency(latencyMs)
	if !success && kind != "" {
		st.RecordErrorKind(kind)
	}
}
