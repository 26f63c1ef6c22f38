package rpcrelay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quantedge/rpcrelay/batcher"
	"github.com/quantedge/rpcrelay/breaker"
	"github.com/quantedge/rpcrelay/connpool"
	"github.com/quantedge/rpcrelay/hedge"
	"github.com/quantedge/rpcrelay/internal/events"
	"github.com/quantedge/rpcrelay/internal/leakguard"
	"github.com/quantedge/rpcrelay/internal/rpcmethod"
	"github.com/quantedge/rpcrelay/internal/rpcmodel"
	"github.com/quantedge/rpcrelay/ratelimit"
	"github.com/quantedge/rpcrelay/rpccache"
	"github.com/quantedge/rpcrelay/selector"
)

// Orchestrator binds the seven subsystems behind Call and CallBatch.
type Orchestrator struct {
	cfg    Config
	logger Logger
	bus    *events.Bus

	mu        sync.RWMutex
	endpoints map[rpcmodel.EndpointID]rpcmodel.EndpointConfig
	order     []rpcmodel.EndpointConfig
	states    map[rpcmodel.EndpointID]*rpcmodel.EndpointState

	idCounter *rpcmodel.WrappingCounter
	methods   *rpcmethod.Table

	limiter  *ratelimit.Limiter
	breaker  *breaker.Breaker
	cache    *rpccache.Cache
	batch    *batcher.Manager
	selector *selector.Selector
	pool     *connpool.Pool
	queue    *requestQueue
	guard    *leakguard.Guard

	globalSem chan struct{} // nil when GlobalMaxInflight <= 0 (unbounded)

	stats Stats

	shuttingDown atomic.Bool
}

// New constructs an Orchestrator and starts its background maintenance.
func New(cfg Config) (*Orchestrator, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("rpcrelay: at least one endpoint is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = NewStdLogger()
	}

	bus := events.NewBus()

	endpoints := make(map[rpcmodel.EndpointID]rpcmodel.EndpointConfig, len(cfg.Endpoints))
	order := make([]rpcmodel.EndpointConfig, 0, len(cfg.Endpoints))
	states := make(map[rpcmodel.EndpointID]*rpcmodel.EndpointState, len(cfg.Endpoints))
	for _, spec := range cfg.Endpoints {
		id := spec.ID
		if id == "" {
			id = rpcmodel.NewEndpointID()
		}
		ec := rpcmodel.EndpointConfig{
			ID:            id,
			URL:           spec.URL,
			Priority:      spec.Priority,
			Weight:        spec.Weight,
			RPSLimit:      spec.RPSLimit,
			Burst:         spec.Burst,
			MaxConcurrent: spec.MaxConcurrent,
			Timeout:       spec.Timeout,
			AuthHeader:    spec.AuthHeader,
		}
		endpoints[id] = ec
		order = append(order, ec)
		states[id] = rpcmodel.NewEndpointState(id)
	}

	methods := rpcmethod.NewDefaultTable()
	for _, m := range cfg.NonHedgeable {
		methods.MarkNonHedgeable(m)
	}

	o := &Orchestrator{
		cfg:       cfg,
		logger:    logger,
		bus:       bus,
		endpoints: endpoints,
		order:     order,
		states:    states,
		idCounter: &rpcmodel.WrappingCounter{},
		methods:   methods,
		limiter:   ratelimit.New(order, cfg.GlobalRPSLimit, cfg.GlobalBurst),
		breaker:   breaker.New(cfg.Breaker, bus),
		cache:     rpccache.New(cfg.Cache, bus),
		pool:      connpool.New(cfg.Pool),
		queue:     newRequestQueue(cfg.QueueMax, bus),
	}
	o.selector = selector.New(order, states, o.breaker)
	o.batch = batcher.New(cfg.Batch, o.dispatchBatch, bus)
	if cfg.GlobalMaxInflight > 0 {
		o.globalSem = make(chan struct{}, cfg.GlobalMaxInflight)
	}

	guardTargets := []leakguard.Sweepable{o.cache, o.queue}
	o.guard = leakguard.New(cfg.LeakGuardPeriod, guardTargets)
	o.guard.Start()

	bus.Subscribe(events.ObserverFunc(o.logEvent))

	return o, nil
}

func (o *Orchestrator) logEvent(e events.Event) {
	switch e.Kind {
	case events.BreakerOpened:
		o.stats.BreakerOpensTotal.Add(1)
		if st := o.stateFor(e.Endpoint); st != nil {
			st.SetBreakerOpenedAt(e.At)
		}
	case events.BreakerClosed:
		if st := o.stateFor(e.Endpoint); st != nil {
			st.SetLastRecovery(e.At)
		}
	case events.QueueEvicted:
		o.stats.QueueEvictionsTotal.Add(1)
	case events.BatchDispatched:
		o.stats.BatchesSent.Add(1)
	case events.HedgeRaced:
		// counted directly in Call, where the winner is known.
	}
	o.logger.Info("event", map[string]any{"kind": e.Kind.String(), "endpoint": string(e.Endpoint), "method": e.Method, "detail": e.Detail})
}

// Call executes a single JSON-RPC method against the pool: select an
// endpoint, admit it past the breaker and rate limiter, then serve the
// result from cache or compute it fresh, failing over to another
// endpoint on error when allowed.
func (o *Orchestrator) Call(ctx context.Context, method string, params any, opts CallOptions) (json.RawMessage, error) {
	start := time.Now()
	o.stats.CallsTotal.Add(1)

	if o.shuttingDown.Load() {
		o.stats.CallsFailed.Add(1)
		return nil, &Error{Kind: KindCancelled, Elapsed: time.Since(start), Cause: errShuttingDown}
	}

	meta := o.methods.Lookup(method)
	commitment := opts.Commitment
	if commitment == "" {
		commitment = meta.DefaultCommitment
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = meta.DefaultCacheTTL
	}
	hedgeable := meta.Hedgeable
	if opts.Hedgeable != nil {
		hedgeable = *opts.Hedgeable
	}
	batchable := meta.Batchable
	if opts.Batchable != nil {
		batchable = *opts.Batchable
	}

	id, ok := o.selector.Select(nil)
	if !ok {
		o.stats.CallsFailed.Add(1)
		return nil, &Error{Kind: KindBreakerOpen, Elapsed: time.Since(start), Cause: errNoEndpoint}
	}

	id, err := o.admitBreaker(id, opts.AllowFailover)
	if err != nil {
		o.stats.CallsFailed.Add(1)
		return nil, err
	}

	if err := o.admitRateLimit(ctx, id, opts.WaitForRateLimit); err != nil {
		o.stats.RateLimitedTotal.Add(1)
		o.stats.CallsFailed.Add(1)
		return nil, err
	}

	key, err := rpccache.Key(method, commitment, params)
	if err != nil {
		o.stats.CallsFailed.Add(1)
		return nil, &Error{Kind: KindInvalidArgument, Elapsed: time.Since(start), Cause: err}
	}

	value, hit, coalesced, err := o.cache.Compute(ctx, key, ttl, func(ctx context.Context) (json.RawMessage, error) {
		return o.compute(ctx, method, params, meta, id, commitment, batchable, hedgeable, timeout, opts)
	})
	switch {
	case hit:
		o.stats.CacheHits.Add(1)
	case coalesced:
		o.stats.CoalescedRequests.Add(1)
	default:
		o.stats.CacheMisses.Add(1)
	}

	if err != nil {
		o.stats.CallsFailed.Add(1)
		return nil, err
	}
	o.stats.CallsSucceeded.Add(1)
	return value, nil
}

// compute is the RequestCache's coalesced body: it routes through the
// batcher (if batchable), the hedge manager (if hedgeable), or directly
// to the chosen endpoint, with failover across a bounded number of
// additional endpoints on failure.
func (o *Orchestrator) compute(ctx context.Context, method string, params any, meta rpcmethod.Meta, id rpcmodel.EndpointID, commitment string, batchable, hedgeable bool, timeout time.Duration, opts CallOptions) (json.RawMessage, error) {
	if batchable && o.cfg.BatchEnabled && meta.BatchedMethod != "" {
		return o.batch.Add(ctx, meta.BatchedMethod, commitment, params, transformFor(method))
	}

	tried := map[rpcmodel.EndpointID]struct{}{id: {}}
	attempt := func(target rpcmodel.EndpointID) (json.RawMessage, error) {
		if !hedgeable {
			return o.executeOnEndpoint(ctx, target, method, params, timeout)
		}
		backups := o.backupArms(ctx, target, method, params, timeout, tried)
		primary := func(ctx context.Context) (json.RawMessage, error) {
			return o.executeOnEndpoint(ctx, target, method, params, timeout)
		}
		hcfg := o.cfg.Hedge
		if hcfg.Adaptive {
			if st := o.stateFor(target); st != nil {
				hcfg.Delay = hcfg.AdaptiveDelay(st.P95Latency())
			}
		}
		value, won, err := hedge.Run(ctx, primary, backups, hcfg, o.bus, method)
		if err == nil {
			if won == hedge.WonPrimary {
				o.stats.HedgeWinsPrimary.Add(1)
			} else {
				o.stats.HedgeWinsBackup.Add(1)
			}
		}
		return value, err
	}

	value, err := attempt(id)
	attempts := 1
	for err != nil && opts.AllowFailover && attempts <= o.cfg.MaxFailoverAttempts {
		next, ok := o.selector.Select(tried)
		if !ok {
			break
		}
		tried[next] = struct{}{}
		value, err = attempt(next)
		attempts++
	}
	return value, err
}

// backupArms builds one hedge Arm per additional admissible endpoint,
// excluding those already tried, up to hedge.max_backups.
func (o *Orchestrator) backupArms(ctx context.Context, primary rpcmodel.EndpointID, method string, params any, timeout time.Duration, tried map[rpcmodel.EndpointID]struct{}) []hedge.Arm {
	arms := make([]hedge.Arm, 0, o.cfg.Hedge.MaxBackups)
	exclude := make(map[rpcmodel.EndpointID]struct{}, len(tried))
	for k := range tried {
		exclude[k] = struct{}{}
	}
	for i := 0; i < o.cfg.Hedge.MaxBackups; i++ {
		id, ok := o.selector.Select(exclude)
		if !ok {
			break
		}
		exclude[id] = struct{}{}
		target := id
		arms = append(arms, func(ctx context.Context) (json.RawMessage, error) {
			return o.executeOnEndpoint(ctx, target, method, params, timeout)
		})
	}
	return arms
}

// dispatchBatch is the batcher's DispatchFunc: it selects an endpoint and
// issues the batched upstream call exactly like any other request.
func (o *Orchestrator) dispatchBatch(ctx context.Context, batchedMethod string, params []any) ([]json.RawMessage, error) {
	id, ok := o.selector.Select(nil)
	if !ok {
		return nil, &Error{Kind: KindBreakerOpen, Cause: errNoEndpoint}
	}
	id, err := o.admitBreaker(id, true)
	if err != nil {
		return nil, err
	}
	if err := o.admitRateLimit(ctx, id, 0); err != nil {
		return nil, err
	}
	o.stats.RequestsBatched.Add(int64(len(params)))

	raw, err := o.executeBatchOnEndpoint(ctx, id, batchedMethod, params, 10*time.Second)
	if err != nil {
		return nil, err
	}
	var results []json.RawMessage
	if err := json.Unmarshal(raw, &results); err != nil {
		return nil, fmt.Errorf("rpcrelay: decoding batched response: %w", err)
	}
	return results, nil
}

func transformFor(method string) batcher.TransformFunc {
	if method == "getBalance" {
		return transformBalance
	}
	return transformAccountInfo
}

// admitRateLimit blocks up to waitFor if set, else attempts a single
// non-blocking token consume.
func (o *Orchestrator) admitRateLimit(ctx context.Context, id rpcmodel.EndpointID, waitFor time.Duration) error {
	if waitFor > 0 {
		waitCtx, cancel := context.WithTimeout(ctx, waitFor)
		defer cancel()
		if err := o.limiter.Consume(waitCtx, id, 1); err != nil {
			return &Error{Kind: KindRateLimited, Endpoint: id, Cause: err}
		}
		return nil
	}

	decision, err := o.limiter.TryConsume(id, 1)
	if err != nil {
		return &Error{Kind: KindInvalidArgument, Endpoint: id, Cause: err}
	}
	if !decision.Allowed {
		return &Error{Kind: KindRateLimited, Endpoint: id, RetryAfter: decision.RetryAfter, Cause: errRateLimited}
	}
	return nil
}

// admitBreaker checks the circuit breaker for id, failing over to the
// next best endpoint (still excluding already-open ones) when
// allowFailover is set and id itself is not admitted.
func (o *Orchestrator) admitBreaker(id rpcmodel.EndpointID, allowFailover bool) (rpcmodel.EndpointID, error) {
	if o.breaker.Admit(id) {
		return id, nil
	}
	if !allowFailover {
		return "", &Error{Kind: KindBreakerOpen, Endpoint: id, Cause: errBreakerOpen}
	}

	exclude := map[rpcmodel.EndpointID]struct{}{id: {}}
	for attempts := 0; attempts < o.cfg.MaxFailoverAttempts; attempts++ {
		next, ok := o.selector.Select(exclude)
		if !ok {
			break
		}
		if o.breaker.Admit(next) {
			return next, nil
		}
		exclude[next] = struct{}{}
	}
	return "", &Error{Kind: KindBreakerOpen, Endpoint: id, Cause: errBreakerOpen}
}

// CallBatch executes a set of calls, grouping batchable members into one
// upstream dispatch per (batched_method, commitment) and running the rest
// as parallel singletons, preserving caller order in the result.
func (o *Orchestrator) CallBatch(ctx context.Context, requests []BatchCallRequest) []Result {
	results := make([]Result, len(requests))
	var wg sync.WaitGroup
	for i, req := range requests {
		wg.Add(1)
		go func(i int, req BatchCallRequest) {
			defer wg.Done()
			value, err := o.Call(ctx, req.Method, req.Params, req.Options)
			results[i] = Result{Value: value, Err: err}
		}(i, req)
	}
	wg.Wait()
	return results
}

// Result is one member's outcome from CallBatch.
type Result struct {
	Value json.RawMessage
	Err   error
}

// Stats returns a point-in-time snapshot of the orchestrator's counters.
func (o *Orchestrator) Stats() Snapshot {
	o.mu.RLock()
	states := make(map[rpcmodel.EndpointID]*rpcmodel.EndpointState, len(o.states))
	for k, v := range o.states {
		states[k] = v
	}
	o.mu.RUnlock()
	return o.stats.snapshot(states)
}

// Shutdown stops the leak-guard and idle-sweep background loops, closes
// idle sockets, and clears caches. Batch-window timers already pending in
// the batcher are not cancelled and still dispatch their groups. Safe to
// call once; a second call is a no-op.
func (o *Orchestrator) Shutdown() {
	if !o.shuttingDown.CompareAndSwap(false, true) {
		return
	}
	o.guard.Stop()
	o.pool.Shutdown()
	o.cache.Clear()
}

var (
	errShuttingDown = fmt.Errorf("rpcrelay: orchestrator is shutting down")
	errNoEndpoint   = fmt.Errorf("rpcrelay: no admissible endpoint")
	errRateLimited  = fmt.Errorf("rpcrelay: rate limit exceeded")
	errBreakerOpen  = fmt.Errorf("rpcrelay: circuit breaker open")
)
