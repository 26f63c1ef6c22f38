package rpcrelay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/quantedge/rpcrelay/batcher"
	"github.com/quantedge/rpcrelay/breaker"
	"github.com/quantedge/rpcrelay/connpool"
	"github.com/quantedge/rpcrelay/hedge"
	"github.com/quantedge/rpcrelay/internal/rpcmodel"
	"github.com/quantedge/rpcrelay/rpccache"
)

type jsonrpcEnvelope struct {
	ID     uint64 `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params"`
}

type fixtureRequest struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// newFixtureServer returns an httptest server that answers one JSON-RPC
// method with a handler-supplied result. It accepts both a single
// request object and a one-element JSON-RPC batch array, replying with
// the matching shape in each case.
func newFixtureServer(t *testing.T, handle func(method string, params json.RawMessage) (any, error)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		var batch []fixtureRequest
		isBatch := json.Unmarshal(body, &batch) == nil
		if !isBatch {
			var single fixtureRequest
			if err := json.Unmarshal(body, &single); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			batch = []fixtureRequest{single}
		}

		var envelopes []string
		for _, req := range batch {
			result, err := handle(req.Method, req.Params)
			if err != nil {
				envelopes = append(envelopes, fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"error":{"code":-32000,"message":%q}}`, req.ID, err.Error()))
				continue
			}
			payload, _ := json.Marshal(result)
			envelopes = append(envelopes, fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":%s}`, req.ID, payload))
		}

		if isBatch {
			fmt.Fprintf(w, "[%s]", strings.Join(envelopes, ","))
			return
		}
		fmt.Fprint(w, envelopes[0])
	}))
}

func testConfig(urls ...string) Config {
	cfg := DefaultConfig()
	cfg.LeakGuardPeriod = time.Hour
	cfg.Pool = connpool.DefaultConfig()
	cfg.Breaker = breaker.Config{FailureThreshold: 2, Cooldown: 20 * time.Millisecond, HalfOpenProbes: 2, HalfOpenSuccesses: 1}
	cfg.Cache = rpccache.DefaultConfig()
	cfg.Batch = batcher.Config{MaxSize: 10, Window: 20 * time.Millisecond}
	cfg.Hedge = hedge.DefaultConfig()
	cfg.Hedge.Delay = 15 * time.Millisecond
	cfg.GlobalRPSLimit = 1000
	cfg.GlobalBurst = 1000
	for i, u := range urls {
		cfg.Endpoints = append(cfg.Endpoints, EndpointSpec{
			ID: rpcmodel.EndpointID(fmt.Sprintf("ep%d", i)), URL: u,
			Priority: i, Weight: 1, RPSLimit: 1000, Burst: 1000, MaxConcurrent: 50, Timeout: time.Second,
		})
	}
	return cfg
}

func TestCallReturnsUpstreamResult(t *testing.T) {
	srv := newFixtureServer(t, func(method string, params json.RawMessage) (any, error) {
		if method == "getSlot" {
			return 123456, nil
		}
		return nil, fmt.Errorf("unexpected method %s", method)
	})
	defer srv.Close()

	o, err := New(testConfig(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer o.Shutdown()

	value, err := o.Call(context.Background(), "getSlot", nil, CallOptions{})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	var slot int
	if err := json.Unmarshal(value, &slot); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if slot != 123456 {
		t.Fatalf("got slot %d, want 123456", slot)
	}
}

func TestCallCachesRepeatedIdenticalCalls(t *testing.T) {
	var hits atomic.Int64
	srv := newFixtureServer(t, func(method string, params json.RawMessage) (any, error) {
		hits.Add(1)
		return map[string]any{"lamports": 42}, nil
	})
	defer srv.Close()

	cfg := testConfig(srv.URL)
	o, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer o.Shutdown()

	opts := CallOptions{Batchable: boolPtr(false), Hedgeable: boolPtr(false), CacheTTL: time.Second}
	for i := 0; i < 5; i++ {
		if _, err := o.Call(context.Background(), "getAccountInfo", []string{"abc"}, opts); err != nil {
			t.Fatalf("Call %d: %v", i, err)
		}
	}
	if hits.Load() != 1 {
		t.Fatalf("expected exactly one upstream call, got %d", hits.Load())
	}
	if o.Stats().CacheHits != 4 {
		t.Fatalf("expected 4 cache hits, got %d", o.Stats().CacheHits)
	}
}

func TestCallBatchesConcurrentAccountLookups(t *testing.T) {
	var batchCalls atomic.Int64
	srv := newFixtureServer(t, func(method string, params json.RawMessage) (any, error) {
		if method != "getMultipleAccounts" {
			return nil, fmt.Errorf("expected batched method, got %s", method)
		}
		batchCalls.Add(1)
		var addrs []string
		if err := json.Unmarshal(params, &addrs); err != nil {
			return nil, err
		}
		out := make([]map[string]any, len(addrs))
		for i, a := range addrs {
			out[i] = map[string]any{"owner": a}
		}
		return out, nil
	})
	defer srv.Close()

	cfg := testConfig(srv.URL)
	o, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer o.Shutdown()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			opts := CallOptions{Hedgeable: boolPtr(false)}
			_, err := o.Call(context.Background(), "getAccountInfo", fmt.Sprintf("addr-%d", i), opts)
			if err != nil {
				t.Errorf("Call %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	if batchCalls.Load() != 1 {
		t.Fatalf("expected members to collapse into a single batched call, got %d", batchCalls.Load())
	}
}

func TestCallFailsOverOnBreakerOpen(t *testing.T) {
	badSrv := newFixtureServer(t, func(method string, params json.RawMessage) (any, error) {
		return nil, fmt.Errorf("upstream exploded")
	})
	defer badSrv.Close()
	goodSrv := newFixtureServer(t, func(method string, params json.RawMessage) (any, error) {
		return 99, nil
	})
	defer goodSrv.Close()

	cfg := testConfig(badSrv.URL, goodSrv.URL)
	cfg.Endpoints[0].Priority = 0
	cfg.Endpoints[1].Priority = 1
	o, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer o.Shutdown()

	opts := CallOptions{Hedgeable: boolPtr(false), Batchable: boolPtr(false), AllowFailover: true}
	// Distinct params keep each call off the cache. The failing request's
	// own slot counts toward the load ratio (1/50), so the effective
	// threshold is 2*(1+0.5*0.02) = 2.02 and the third failure opens.
	for i := 0; i < 3; i++ {
		o.Call(context.Background(), "getSlot", []any{i}, opts)
	}
	if o.breaker.StateOf("ep0") == breaker.Closed {
		t.Fatalf("expected breaker for ep0 to have opened after repeated failures")
	}

	value, err := o.Call(context.Background(), "getSlot", nil, opts)
	if err != nil {
		t.Fatalf("expected failover to succeed, got %v", err)
	}
	var slot int
	json.Unmarshal(value, &slot)
	if slot != 99 {
		t.Fatalf("got %d, want value from healthy endpoint", slot)
	}
}

func TestCallHedgesToBackupWhenPrimaryHangs(t *testing.T) {
	slowSrv := newFixtureServer(t, func(method string, params json.RawMessage) (any, error) {
		time.Sleep(200 * time.Millisecond)
		return 1, nil
	})
	defer slowSrv.Close()
	fastSrv := newFixtureServer(t, func(method string, params json.RawMessage) (any, error) {
		return 2, nil
	})
	defer fastSrv.Close()

	cfg := testConfig(slowSrv.URL, fastSrv.URL)
	cfg.Endpoints[0].Priority = 0
	cfg.Endpoints[1].Priority = 1
	o, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer o.Shutdown()

	opts := CallOptions{Hedgeable: boolPtr(true), Batchable: boolPtr(false), AllowFailover: true}
	start := time.Now()
	value, err := o.Call(context.Background(), "getSlot", nil, opts)
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if elapsed >= 200*time.Millisecond {
		t.Fatalf("expected hedge to win before primary's 200ms, took %v", elapsed)
	}
	var slot int
	json.Unmarshal(value, &slot)
	if slot != 2 {
		t.Fatalf("got %d, want backup's value", slot)
	}
	if o.Stats().HedgeWinsBackup != 1 {
		t.Fatalf("expected one recorded backup hedge win, got %d", o.Stats().HedgeWinsBackup)
	}
}

func TestCallRespectsGlobalInflightCapAcrossEndpoints(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 10)
	srv := newFixtureServer(t, func(method string, params json.RawMessage) (any, error) {
		started <- struct{}{}
		<-release
		return 1, nil
	})
	defer srv.Close()

	cfg := testConfig(srv.URL, srv.URL)
	cfg.GlobalMaxInflight = 1
	cfg.Endpoints[1].Priority = cfg.Endpoints[0].Priority // tie on priority so load ratio picks the idle endpoint
	o, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer o.Shutdown()

	opts := CallOptions{Hedgeable: boolPtr(false), Batchable: boolPtr(false)}
	firstDone := make(chan struct{})
	go func() {
		o.Call(context.Background(), "getSlot", []any{"first"}, opts)
		close(firstDone)
	}()
	<-started

	// Distinct params so the second call is not coalesced onto the first
	// call's in-flight cache miss.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = o.Call(ctx, "getSlot", []any{"second"}, opts)
	if err == nil {
		t.Fatalf("expected second call to block on the global inflight cap across endpoints")
	}
	close(release)
	<-firstDone
}

func TestCallBatchPreservesOrder(t *testing.T) {
	srv := newFixtureServer(t, func(method string, params json.RawMessage) (any, error) {
		if method == "getSlot" {
			return json.RawMessage(params), nil // echo params so each result identifies its request
		}
		return nil, fmt.Errorf("unexpected method %s", method)
	})
	defer srv.Close()

	o, err := New(testConfig(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer o.Shutdown()

	reqs := make([]BatchCallRequest, 10)
	for i := range reqs {
		reqs[i] = BatchCallRequest{Method: "getSlot", Params: []any{i}, Options: CallOptions{Batchable: boolPtr(false), Hedgeable: boolPtr(false)}}
	}
	results := o.CallBatch(context.Background(), reqs)
	if len(results) != len(reqs) {
		t.Fatalf("got %d results, want %d", len(results), len(reqs))
	}
	for i, r := range results {
		if r.Err != nil {
			t.Fatalf("result %d: %v", i, r.Err)
		}
		if want := fmt.Sprintf("[%d]", i); string(r.Value) != want {
			t.Fatalf("result %d = %s, want %s", i, r.Value, want)
		}
	}
}

func TestShutdownIsIdempotentAndRejectsNewCalls(t *testing.T) {
	srv := newFixtureServer(t, func(method string, params json.RawMessage) (any, error) {
		return 1, nil
	})
	defer srv.Close()

	o, err := New(testConfig(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	o.Shutdown()
	o.Shutdown()

	_, err = o.Call(context.Background(), "getSlot", nil, CallOptions{})
	if err == nil {
		t.Fatalf("expected Call after Shutdown to fail")
	}
	var rerr *Error
	if !asError(err, &rerr) || rerr.Kind != KindCancelled {
		t.Fatalf("expected KindCancelled, got %v", err)
	}
}

func boolPtr(b bool) *bool { return &b }

func asError(err error, target **Error) bool {
	e, ok := err.(*Error)
	if !ok {
		return false
	}
	*target = e
	return true
}
