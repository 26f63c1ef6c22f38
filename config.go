// Package rpcrelay is the orchestrator that binds the rate limiter,
// circuit breaker, request cache, batch manager, hedged-request manager,
// endpoint selector, and connection pool behind two entry points, Call
// and CallBatch.
package rpcrelay

import (
	"time"

	"github.com/quantedge/rpcrelay/batcher"
	"github.com/quantedge/rpcrelay/breaker"
	"github.com/quantedge/rpcrelay/connpool"
	"github.com/quantedge/rpcrelay/hedge"
	"github.com/quantedge/rpcrelay/internal/rpcmodel"
	"github.com/quantedge/rpcrelay/rpccache"
)

// EndpointSpec is the caller-facing configuration for one upstream
// endpoint.
type EndpointSpec struct {
	ID            rpcmodel.EndpointID // optional; generated if empty
	URL           string
	Priority      int
	Weight        int
	RPSLimit      float64
	Burst         int
	MaxConcurrent int
	Timeout       time.Duration
	AuthHeader    string
}

// Config is the orchestrator's complete recognized option set.
type Config struct {
	Endpoints []EndpointSpec

	GlobalRPSLimit    float64
	GlobalBurst       int
	GlobalMaxInflight int

	QueueMax int

	Pool    connpool.Config
	Breaker breaker.Config
	Cache   rpccache.Config
	Batch   batcher.Config
	Hedge   hedge.Config

	BatchEnabled    bool
	NonHedgeable    []string
	LeakGuardPeriod time.Duration

	MaxFailoverAttempts int
	Logger              Logger
}

// DefaultConfig returns reasonable defaults for a small multi-endpoint
// deployment, one endpoint short of usable (callers must supply
// Endpoints).
func DefaultConfig() Config {
	return Config{
		GlobalRPSLimit:      50,
		GlobalBurst:         50,
		GlobalMaxInflight:   64,
		QueueMax:            500,
		Pool:                connpool.DefaultConfig(),
		Breaker:             breaker.DefaultConfig(),
		Cache:               rpccache.DefaultConfig(),
		Batch:               batcher.DefaultConfig(),
		Hedge:               hedge.DefaultConfig(),
		BatchEnabled:        true,
		LeakGuardPeriod:     60 * time.Second,
		MaxFailoverAttempts: 2,
	}
}

// CallOptions configures one call. The zero value means "use the method
// table's defaults".
type CallOptions struct {
	Commitment       string
	Timeout          time.Duration
	Priority         int
	Hedgeable        *bool
	Batchable        *bool
	CacheTTL         time.Duration
	AllowFailover    bool
	WaitForRateLimit time.Duration // 0 = try_consume only, no blocking wait
}

// BatchCallRequest is one member of a CallBatch invocation.
type BatchCallRequest struct {
	Method  string
	Params  any
	Options CallOptions
}
