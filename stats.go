package rpcrelay

import (
	"sync/atomic"
	"time"

	"github.com/quantedge/rpcrelay/internal/rpcmodel"
)

// Stats holds the counters the orchestrator exposes to callers.
type Stats struct {
	CallsTotal          atomic.Int64
	CallsSucceeded      atomic.Int64
	CallsFailed         atomic.Int64
	RateLimitedTotal    atomic.Int64
	BreakerOpensTotal   atomic.Int64
	QueueEvictionsTotal atomic.Int64
	CacheHits           atomic.Int64
	CacheMisses         atomic.Int64
	CoalescedRequests   atomic.Int64
	BatchesSent         atomic.Int64
	RequestsBatched     atomic.Int64
	HedgeWinsPrimary    atomic.Int64
	HedgeWinsBackup     atomic.Int64
}

// EndpointStats is one endpoint's point-in-time figures.
type EndpointStats struct {
	Endpoint        rpcmodel.EndpointID
	Inflight        int64
	P95Ms           float64
	BreakerOpenedAt time.Time
	LastRecovery    time.Time
}

// Snapshot is the full stats accessor payload returned by Stats().
type Snapshot struct {
	CallsTotal          int64
	CallsSucceeded      int64
	CallsFailed         int64
	RateLimitedTotal    int64
	BreakerOpensTotal   int64
	QueueEvictionsTotal int64
	CacheHits           int64
	CacheMisses         int64
	CoalescedRequests   int64
	BatchesSent         int64
	RequestsBatched     int64
	HedgeWinsPrimary    int64
	HedgeWinsBackup     int64
	Endpoints           []EndpointStats
}

func (s *Stats) snapshot(states map[rpcmodel.EndpointID]*rpcmodel.EndpointState) Snapshot {
	eps := make([]EndpointStats, 0, len(states))
	for id, st := range states {
		eps = append(eps, EndpointStats{
			Endpoint:        id,
			Inflight:        st.Inflight.Load(),
			P95Ms:           st.P95Latency(),
			BreakerOpenedAt: st.BreakerOpenedAt(),
			LastRecovery:    st.LastRecovery(),
		})
	}
	return Snapshot{
		CallsTotal:          s.CallsTotal.Load(),
		CallsSucceeded:      s.CallsSucceeded.Load(),
		CallsFailed:         s.CallsFailed.Load(),
		RateLimitedTotal:    s.RateLimitedTotal.Load(),
		BreakerOpensTotal:   s.BreakerOpensTotal.Load(),
		QueueEvictionsTotal: s.QueueEvictionsTotal.Load(),
		CacheHits:           s.CacheHits.Load(),
		CacheMisses:         s.CacheMisses.Load(),
		CoalescedRequests:   s.CoalescedRequests.Load(),
		BatchesSent:         s.BatchesSent.Load(),
		RequestsBatched:     s.RequestsBatched.Load(),
		HedgeWinsPrimary:    s.HedgeWinsPrimary.Load(),
		HedgeWinsBackup:     s.HedgeWinsBackup.Load(),
		Endpoints:           eps,
	}
}
