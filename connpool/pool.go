// Package connpool implements the keep-alive HTTP connection pool: one
// *http.Client per endpoint, a per-host socket cap plus one process-wide
// socket cap, both enforced by explicit LIFO semaphores so the core
// itself gates concurrency and chooses which idle permit to hand back
// out, and a periodic idle sweep.
package connpool

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/quantedge/rpcrelay/internal/jsonrpc"
	"github.com/quantedge/rpcrelay/internal/rpcmodel"
)

// Config holds the pool's tunable parameters.
type Config struct {
	MaxSocketsPerHost int
	MaxSocketsGlobal  int
	KeepAlive         time.Duration
	IdleCleanup       time.Duration
	MaxResponseBytes  int64
}

// DefaultConfig returns sensible defaults for a small trading-endpoint pool.
func DefaultConfig() Config {
	return Config{
		MaxSocketsPerHost: 8,
		MaxSocketsGlobal:  32,
		KeepAlive:         90 * time.Second,
		IdleCleanup:       30 * time.Second,
		MaxResponseBytes:  4 << 20, // 4MiB
	}
}

// TransportError wraps socket/DNS/TLS/malformed-response failures.
type TransportError struct{ Cause error }

func (e *TransportError) Error() string { return fmt.Sprintf("connpool: transport: %v", e.Cause) }
func (e *TransportError) Unwrap() error { return e.Cause }

// ErrResponseTooLarge is returned when a response exceeds MaxResponseBytes.
type ErrResponseTooLarge struct{ Limit int64 }

func (e *ErrResponseTooLarge) Error() string {
	return fmt.Sprintf("connpool: response exceeds %d byte cap", e.Limit)
}

// lifoSemaphore bounds concurrent socket use per host and hands freed
// permits to the most recently blocked waiter first, to maximize reuse
// of whatever connection state that goroutine still has warm.
type lifoSemaphore struct {
	mu        sync.Mutex
	available int
	waiters   []chan struct{}
}

func newLIFOSemaphore(n int) *lifoSemaphore {
	return &lifoSemaphore{available: n}
}

func (s *lifoSemaphore) acquire(ctx context.Context) error {
	s.mu.Lock()
	if s.available > 0 {
		s.available--
		s.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	s.waiters = append(s.waiters, ch)
	s.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		for i, w := range s.waiters {
			if w == ch {
				s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
				break
			}
		}
		s.mu.Unlock()
		return ctx.Err()
	}
}

func (s *lifoSemaphore) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.waiters); n > 0 {
		ch := s.waiters[n-1]
		s.waiters = s.waiters[:n-1]
		close(ch)
		return
	}
	s.available++
}

// hostPool is one endpoint's connection state: a tuned *http.Client plus
// the LIFO socket-count semaphore.
type hostPool struct {
	client *http.Client
	sem    *lifoSemaphore
}

func newHostPool(maxConns int, keepAlive time.Duration) *hostPool {
	return &hostPool{
		client: &http.Client{
			Transport: &http.Transport{
				MaxConnsPerHost:     maxConns,
				MaxIdleConnsPerHost: maxConns,
				IdleConnTimeout:     keepAlive,
				DisableKeepAlives:   false,
			},
		},
		sem: newLIFOSemaphore(maxConns),
	}
}

// Pool manages one hostPool per endpoint, a global socket semaphore
// shared across every endpoint, and a periodic idle sweep.
type Pool struct {
	cfg Config

	mu    sync.RWMutex
	hosts map[rpcmodel.EndpointID]*hostPool

	globalSem *lifoSemaphore // nil when MaxSocketsGlobal <= 0 (unbounded)

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New constructs a Pool and starts its background idle-cleanup sweep.
func New(cfg Config) *Pool {
	p := &Pool{
		cfg:    cfg,
		hosts:  make(map[rpcmodel.EndpointID]*hostPool),
		stopCh: make(chan struct{}),
	}
	if cfg.MaxSocketsGlobal > 0 {
		p.globalSem = newLIFOSemaphore(cfg.MaxSocketsGlobal)
	}
	p.wg.Add(1)
	go p.runIdleSweep()
	return p
}

func (p *Pool) hostFor(ep rpcmodel.EndpointConfig) *hostPool {
	p.mu.RLock()
	hp, ok := p.hosts[ep.ID]
	p.mu.RUnlock()
	if ok {
		return hp
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if hp, ok = p.hosts[ep.ID]; ok {
		return hp
	}
	max := p.cfg.MaxSocketsPerHost
	if ep.MaxConcurrent > 0 && ep.MaxConcurrent < max {
		max = ep.MaxConcurrent
	}
	hp = newHostPool(max, p.cfg.KeepAlive)
	p.hosts[ep.ID] = hp
	return hp
}

// Agent returns the endpoint's reusable transport handle, for diagnostics.
func (p *Pool) Agent(ep rpcmodel.EndpointConfig) *http.Client {
	return p.hostFor(ep).client
}

// Execute writes a single JSON-RPC payload to ep and returns the decoded
// response. The raw response buffer is not retained past decode, so a
// large batch response doesn't pin memory after its fields are copied out.
func (p *Pool) Execute(ctx context.Context, ep rpcmodel.EndpointConfig, payload []byte, timeout time.Duration) (*jsonrpc.Response, error) {
	body, err := p.roundTrip(ctx, ep, payload, timeout)
	if err != nil {
		return nil, err
	}
	resp, decodeErr := jsonrpc.DecodeResponse(body)
	body = nil // no reference to the raw buffer survives decode
	return resp, decodeErr
}

// ExecuteBatch writes a JSON-RPC batch array and returns the decoded
// responses in the same order they were sent.
func (p *Pool) ExecuteBatch(ctx context.Context, ep rpcmodel.EndpointConfig, payload []byte, timeout time.Duration) ([]*jsonrpc.Response, error) {
	body, err := p.roundTrip(ctx, ep, payload, timeout)
	if err != nil {
		return nil, err
	}
	resps, decodeErr := jsonrpc.DecodeBatch(body)
	body = nil
	return resps, decodeErr
}

func (p *Pool) roundTrip(ctx context.Context, ep rpcmodel.EndpointConfig, payload []byte, timeout time.Duration) ([]byte, error) {
	hp := p.hostFor(ep)

	if p.globalSem != nil {
		if err := p.globalSem.acquire(ctx); err != nil {
			return nil, err
		}
		defer p.globalSem.release()
	}

	if err := hp.sem.acquire(ctx); err != nil {
		return nil, err
	}
	destroyed := false
	defer func() {
		if !destroyed {
			hp.sem.release()
		} else {
			hp.sem.release()
			hp.client.CloseIdleConnections()
		}
	}()

	effectiveTimeout := minPositiveDuration(timeout, ep.Timeout)
	reqCtx, cancel := context.WithTimeout(ctx, effectiveTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, ep.URL, bytes.NewReader(payload))
	if err != nil {
		destroyed = true
		return nil, &TransportError{Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Connection", "keep-alive")
	if ep.AuthHeader != "" {
		req.Header.Set("Authorization", ep.AuthHeader)
	}

	resp, err := hp.client.Do(req)
	if err != nil {
		destroyed = true
		return nil, &TransportError{Cause: err}
	}
	defer resp.Body.Close()

	limited := io.LimitReader(resp.Body, p.cfg.MaxResponseBytes+1)
	buf, err := io.ReadAll(limited)
	if err != nil {
		destroyed = true
		return nil, &TransportError{Cause: err}
	}
	if int64(len(buf)) > p.cfg.MaxResponseBytes {
		destroyed = true
		return nil, &ErrResponseTooLarge{Limit: p.cfg.MaxResponseBytes}
	}

	return buf, nil
}

// minPositiveDuration returns the smaller of a and b, treating a
// non-positive value as "unset" so the other bound wins.
func minPositiveDuration(a, b time.Duration) time.Duration {
	switch {
	case a <= 0:
		return b
	case b <= 0:
		return a
	case a < b:
		return a
	default:
		return b
	}
}

func (p *Pool) runIdleSweep() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.IdleCleanup)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.mu.RLock()
			for _, hp := range p.hosts {
				hp.client.CloseIdleConnections()
			}
			p.mu.RUnlock()
		}
	}
}

// Shutdown stops the idle sweep and closes every endpoint's connections.
// Safe to call more than once.
func (p *Pool) Shutdown() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
	})
	p.wg.Wait()

	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, hp := range p.hosts {
		hp.client.CloseIdleConnections()
	}
}
