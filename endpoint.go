package rpcrelay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/quantedge/rpcrelay/connpool"
	"github.com/quantedge/rpcrelay/internal/jsonrpc"
	"github.com/quantedge/rpcrelay/internal/rpcmodel"
)

// acquireSlot reserves one of endpoint id's MaxConcurrent in-flight
// slots, waiting on the bounded FIFO queue if none is free, then reserves
// one slot in the global cross-endpoint inflight cap. Every successful
// acquireSlot must be paired with exactly one releaseSlot.
func (o *Orchestrator) acquireSlot(ctx context.Context, id rpcmodel.EndpointID, maxConcurrent int, deadline time.Time) error {
	state := o.stateFor(id)

	for {
		cur := state.Inflight.Load()
		if maxConcurrent <= 0 || cur < int64(maxConcurrent) {
			if state.Inflight.CompareAndSwap(cur, cur+1) {
				if err := o.acquireGlobalSlot(ctx); err != nil {
					state.Inflight.Add(-1)
					return err
				}
				return nil
			}
			continue
		}

		item := &queueItem{endpoint: id, enqueuedAt: time.Now(), deadline: deadline, admit: make(chan struct{})}
		o.queue.enqueue(item)

		select {
		case <-item.admit:
			if err := o.afterQueueWake(ctx, item); err != nil {
				return err
			}
			if err := o.acquireGlobalSlot(ctx); err != nil {
				if !o.queue.admitNextFor(id) {
					state.Inflight.Add(-1)
				}
				return err
			}
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// acquireGlobalSlot reserves one slot in the cap on total inflight
// requests across every endpoint, blocking until one is free or ctx is
// done. A nil globalSem means the deployment set no global cap.
func (o *Orchestrator) acquireGlobalSlot(ctx context.Context) error {
	if o.globalSem == nil {
		return nil
	}
	select {
	case o.globalSem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// releaseGlobalSlot returns one slot to the global inflight cap.
func (o *Orchestrator) releaseGlobalSlot() {
	if o.globalSem == nil {
		return
	}
	<-o.globalSem
}

// afterQueueWake is split out of acquireSlot only to keep that function's
// loop readable; item.admit closes either because a releaser transferred
// its slot to us, or because the queue evicted us for capacity or
// deadline reasons.
func (o *Orchestrator) afterQueueWake(ctx context.Context, item *queueItem) error {
	if !item.evicted.Load() {
		return nil // a releaser transferred its slot to us
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return &Error{Kind: KindQueueEvicted, Endpoint: item.endpoint, Cause: errEvicted}
}

var errEvicted = errors.New("rpcrelay: request evicted from admission queue")

// releaseSlot returns id's global-cap slot, then frees its per-endpoint
// in-flight slot, handing that one directly to the oldest queued waiter
// for that endpoint if one exists so a freed slot never round-trips
// through the CAS loop under load. The woken waiter acquires its own
// global slot afterward, so the global cap is never released twice for
// one admission.
func (o *Orchestrator) releaseSlot(id rpcmodel.EndpointID) {
	o.releaseGlobalSlot()
	if o.queue.admitNextFor(id) {
		return
	}
	o.stateFor(id).Inflight.Add(-1)
}

func (o *Orchestrator) stateFor(id rpcmodel.EndpointID) *rpcmodel.EndpointState {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.states[id]
}

func (o *Orchestrator) endpointFor(id rpcmodel.EndpointID) rpcmodel.EndpointConfig {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.endpoints[id]
}

// executeOnEndpoint runs one JSON-RPC call against id end to end: slot
// admission, wire encode/decode, and breaker/selector bookkeeping.
func (o *Orchestrator) executeOnEndpoint(ctx context.Context, id rpcmodel.EndpointID, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	ep := o.endpointFor(id)
	deadline := time.Now().Add(timeout)

	if err := o.acquireSlot(ctx, id, ep.MaxConcurrent, deadline); err != nil {
		return nil, err
	}
	defer o.releaseSlot(id)

	start := time.Now()
	req := jsonrpc.NewRequest(o.idCounter, method, params)
	payload, err := jsonrpc.EncodeRequest(req)
	if err != nil {
		return nil, &Error{Kind: KindInvalidArgument, Endpoint: id, Elapsed: time.Since(start), Cause: err}
	}

	resp, err := o.pool.Execute(ctx, ep, payload, timeout)
	elapsed := time.Since(start)

	outcome, errKind := classifyOutcome(err)
	state := o.stateFor(id)
	o.breaker.OnResult(id, outcome, state.LoadRatio(ep.MaxConcurrent), errKind)
	o.selector.Release(id, float64(elapsed.Milliseconds()), err == nil, errKind)

	if err != nil {
		return nil, &Error{Kind: outcomeKind(outcome), Endpoint: id, Elapsed: elapsed, Cause: err}
	}
	return resp.Result, nil
}

// executeBatchOnEndpoint runs one batched-method call against id over the
// wire as a one-element JSON-RPC batch array, the same batch codec a
// deployment's true multi-request batching would use. Admission,
// breaker, and selector bookkeeping mirror executeOnEndpoint exactly.
func (o *Orchestrator) executeBatchOnEndpoint(ctx context.Context, id rpcmodel.EndpointID, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	ep := o.endpointFor(id)
	deadline := time.Now().Add(timeout)

	if err := o.acquireSlot(ctx, id, ep.MaxConcurrent, deadline); err != nil {
		return nil, err
	}
	defer o.releaseSlot(id)

	start := time.Now()
	req := jsonrpc.NewRequest(o.idCounter, method, params)
	payload, err := jsonrpc.EncodeBatch([]jsonrpc.Request{req})
	if err != nil {
		return nil, &Error{Kind: KindInvalidArgument, Endpoint: id, Elapsed: time.Since(start), Cause: err}
	}

	resps, err := o.pool.ExecuteBatch(ctx, ep, payload, timeout)
	elapsed := time.Since(start)

	if err == nil && len(resps) == 0 {
		err = fmt.Errorf("rpcrelay: empty batch response for %s", method)
	}
	if err == nil && resps[0].Error != nil {
		err = &jsonrpc.DecodeError{Kind: jsonrpc.BodyKindJSONRPC, Cause: fmt.Errorf("code %d: %s", resps[0].Error.Code, resps[0].Error.Message)}
	}

	outcome, errKind := classifyOutcome(err)
	state := o.stateFor(id)
	o.breaker.OnResult(id, outcome, state.LoadRatio(ep.MaxConcurrent), errKind)
	o.selector.Release(id, float64(elapsed.Milliseconds()), err == nil, errKind)

	if err != nil {
		return nil, &Error{Kind: outcomeKind(outcome), Endpoint: id, Elapsed: elapsed, Cause: err}
	}
	return resps[0].Result, nil
}

// classifyOutcome maps a wire/transport error to the breaker's outcome
// vocabulary and a short, stable error-kind label.
func classifyOutcome(err error) (rpcmodel.Outcome, rpcmodel.ErrorKind) {
	if err == nil {
		return rpcmodel.OutcomeSuccess, ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return rpcmodel.OutcomeTimeout, "timeout"
	}

	var te *connpool.TransportError
	if errors.As(err, &te) {
		return rpcmodel.OutcomeTransportError, "transport"
	}
	var big *connpool.ErrResponseTooLarge
	if errors.As(err, &big) {
		return rpcmodel.OutcomeTransportError, "response_too_large"
	}
	var de *jsonrpc.DecodeError
	if errors.As(err, &de) {
		switch de.Kind {
		case jsonrpc.BodyKindJSONRPC:
			return rpcmodel.OutcomeProtocolError, "jsonrpc_error"
		case jsonrpc.BodyKindMalformed:
			return rpcmodel.OutcomeProtocolError, "malformed"
		default:
			return rpcmodel.OutcomeProtocolError, rpcmodel.ErrorKind(de.Kind)
		}
	}
	return rpcmodel.OutcomeTransportError, "unknown"
}

func outcomeKind(o rpcmodel.Outcome) Kind {
	switch o {
	case rpcmodel.OutcomeTimeout:
		return KindTimeout
	case rpcmodel.OutcomeProtocolError:
		return KindUpstream
	case rpcmodel.OutcomeTransportError:
		return KindTransport
	default:
		return KindUpstream
	}
}

// transformAccountInfo returns a getAccountInfo batch member's slice of
// the shared getMultipleAccounts response unchanged.
func transformAccountInfo(raw json.RawMessage) (json.RawMessage, error) {
	return raw, nil
}

// transformBalance extracts a getBalance batch member's native balance
// field (lamports) out of the shared account record.
func transformBalance(raw json.RawMessage) (json.RawMessage, error) {
	var account struct {
		Lamports json.Number `json:"lamports"`
	}
	if err := json.Unmarshal(raw, &account); err != nil {
		return nil, fmt.Errorf("rpcrelay: extracting balance from account record: %w", err)
	}
	return json.RawMessage(account.Lamports.String()), nil
}
