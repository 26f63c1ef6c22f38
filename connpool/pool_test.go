package connpool

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/quantedge/rpcrelay/internal/rpcmodel"
)

func testServer(t *testing.T, body string, delay time.Duration) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if delay > 0 {
			time.Sleep(delay)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestExecuteDecodesResponse(t *testing.T) {
	srv := testServer(t, `{"jsonrpc":"2.0","id":1,"result":123}`, 0)
	p := New(DefaultConfig())
	defer p.Shutdown()

	ep := rpcmodel.EndpointConfig{ID: "a", URL: srv.URL, MaxConcurrent: 2, Timeout: time.Second}
	resp, err := p.Execute(context.Background(), ep, []byte(`{}`), time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(resp.Result) != "123" {
		t.Fatalf("Result = %s, want 123", resp.Result)
	}
}

func TestExecuteRejectsOversizedResponse(t *testing.T) {
	big := make([]byte, 100)
	for i := range big {
		big[i] = 'a'
	}
	srv := testServer(t, `{"jsonrpc":"2.0","id":1,"result":"`+string(big)+`"}`, 0)

	cfg := DefaultConfig()
	cfg.MaxResponseBytes = 10
	p := New(cfg)
	defer p.Shutdown()

	ep := rpcmodel.EndpointConfig{ID: "a", URL: srv.URL, MaxConcurrent: 2, Timeout: time.Second}
	_, err := p.Execute(context.Background(), ep, []byte(`{}`), time.Second)
	if _, ok := err.(*ErrResponseTooLarge); !ok {
		t.Fatalf("expected ErrResponseTooLarge, got %v", err)
	}
}

func TestExecuteRespectsPerHostCap(t *testing.T) {
	srv := testServer(t, `{"jsonrpc":"2.0","id":1,"result":1}`, 50*time.Millisecond)
	p := New(DefaultConfig())
	defer p.Shutdown()

	ep := rpcmodel.EndpointConfig{ID: "a", URL: srv.URL, MaxConcurrent: 1, Timeout: time.Second}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		_, _ = p.Execute(context.Background(), ep, []byte(`{}`), time.Second)
		close(done)
	}()
	time.Sleep(5 * time.Millisecond) // let the first request take the only permit

	_, err := p.Execute(ctx, ep, []byte(`{}`), time.Second)
	if err == nil {
		t.Fatalf("expected second call to block past its deadline with MaxConcurrent=1")
	}
	<-done
}

func TestExecuteRespectsGlobalCapAcrossHosts(t *testing.T) {
	srvA := testServer(t, `{"jsonrpc":"2.0","id":1,"result":1}`, 50*time.Millisecond)
	srvB := testServer(t, `{"jsonrpc":"2.0","id":1,"result":2}`, 50*time.Millisecond)

	cfg := DefaultConfig()
	cfg.MaxSocketsGlobal = 1
	p := New(cfg)
	defer p.Shutdown()

	epA := rpcmodel.EndpointConfig{ID: "a", URL: srvA.URL, MaxConcurrent: 2, Timeout: time.Second}
	epB := rpcmodel.EndpointConfig{ID: "b", URL: srvB.URL, MaxConcurrent: 2, Timeout: time.Second}

	done := make(chan struct{})
	go func() {
		_, _ = p.Execute(context.Background(), epA, []byte(`{}`), time.Second)
		close(done)
	}()
	time.Sleep(5 * time.Millisecond) // let the first request take the only global permit

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := p.Execute(ctx, epB, []byte(`{}`), time.Second)
	if err == nil {
		t.Fatalf("expected a different host's call to block on the global socket cap")
	}
	<-done
}

func TestExecuteBatchDecodesOrderedResponses(t *testing.T) {
	srv := testServer(t, `[{"jsonrpc":"2.0","id":1,"result":[1,2]}]`, 0)
	p := New(DefaultConfig())
	defer p.Shutdown()

	ep := rpcmodel.EndpointConfig{ID: "a", URL: srv.URL, MaxConcurrent: 2, Timeout: time.Second}
	resps, err := p.ExecuteBatch(context.Background(), ep, []byte(`[{}]`), time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resps) != 1 || string(resps[0].Result) != "[1,2]" {
		t.Fatalf("ExecuteBatch() = %+v, want one response with result [1,2]", resps)
	}
}

func TestExecuteTimeout(t *testing.T) {
	srv := testServer(t, `{"jsonrpc":"2.0","id":1,"result":1}`, 100*time.Millisecond)
	p := New(DefaultConfig())
	defer p.Shutdown()

	ep := rpcmodel.EndpointConfig{ID: "a", URL: srv.URL, MaxConcurrent: 2, Timeout: 10 * time.Millisecond}
	_, err := p.Execute(context.Background(), ep, []byte(`{}`), time.Second)
	if err == nil {
		t.Fatalf("expected timeout error")
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	p := New(DefaultConfig())
	p.Shutdown()
	p.Shutdown()
}
