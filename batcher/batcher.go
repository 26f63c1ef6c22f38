// Package batcher groups concurrent single-target calls for a batchable
// method by (batched_method, commitment) and collapses them into one
// upstream multi-target call, fanning the response back out to each
// member in addition order.
package batcher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/quantedge/rpcrelay/internal/events"
)

// Config holds the batching knobs: how many members a group accumulates
// before dispatching, and how long it waits for more before giving up.
type Config struct {
	MaxSize int
	Window  time.Duration
}

// DefaultConfig returns sensible defaults for batching account lookups.
func DefaultConfig() Config {
	return Config{MaxSize: 100, Window: 50 * time.Millisecond}
}

// DispatchFunc issues the actual upstream batched call and returns one
// raw result per param, in the same order.
type DispatchFunc func(ctx context.Context, batchedMethod string, params []any) ([]json.RawMessage, error)

// TransformFunc extracts one member's caller-facing value out of its
// slice of the batched response (e.g. getBalance reads a balance field
// out of the shared account record getMultipleAccounts returns).
type TransformFunc func(raw json.RawMessage) (json.RawMessage, error)

type memberResult struct {
	value json.RawMessage
	err   error
}

type member struct {
	param     any
	transform TransformFunc
	done      chan memberResult
}

type group struct {
	key    string
	method string
	timer  *time.Timer

	mu       sync.Mutex
	members  []*member
	fireOnce sync.Once
}

// Manager accumulates batchable calls into groups and dispatches them on
// whichever trigger fires first: size cap or window elapsed.
type Manager struct {
	cfg      Config
	dispatch DispatchFunc
	bus      *events.Bus

	mu     sync.Mutex
	groups map[string]*group
}

// New constructs a Manager. bus may be nil if no observer is wired.
func New(cfg Config, dispatch DispatchFunc, bus *events.Bus) *Manager {
	return &Manager{
		cfg:      cfg,
		dispatch: dispatch,
		bus:      bus,
		groups:   make(map[string]*group),
	}
}

// Add enqueues one caller's param into the group for (batchedMethod,
// commitment), creating the group if needed, and blocks until that
// member's slice of the dispatched response is ready. The group's pending
// list is capped at cfg.MaxSize; reaching the cap dispatches immediately.
func (m *Manager) Add(ctx context.Context, batchedMethod, commitment string, param any, transform TransformFunc) (json.RawMessage, error) {
	key := batchedMethod + "|" + commitment
	mem := &member{param: param, transform: transform, done: make(chan memberResult, 1)}

	m.mu.Lock()
	g, ok := m.groups[key]
	if !ok {
		g = &group{key: key, method: batchedMethod}
		m.groups[key] = g
		g.timer = time.AfterFunc(m.cfg.Window, func() { m.fire(key, g) })
	}
	g.mu.Lock()
	g.members = append(g.members, mem)
	full := len(g.members) >= m.cfg.MaxSize
	g.mu.Unlock()
	if full {
		delete(m.groups, key)
	}
	m.mu.Unlock()

	if full {
		g.timer.Stop()
		go m.dispatchGroup(g)
	}

	select {
	case res := <-mem.done:
		return res.value, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// fire is the window-timer callback: it only dispatches if the cap path
// has not already claimed this group.
func (m *Manager) fire(key string, g *group) {
	m.mu.Lock()
	if cur, ok := m.groups[key]; ok && cur == g {
		delete(m.groups, key)
		m.mu.Unlock()
		m.dispatchGroup(g)
		return
	}
	m.mu.Unlock()
}

func (m *Manager) dispatchGroup(g *group) {
	g.fireOnce.Do(func() {
		g.mu.Lock()
		members := g.members
		g.mu.Unlock()

		params := make([]any, len(members))
		for i, mem := range members {
			params[i] = mem.param
		}

		results, err := m.dispatch(context.Background(), g.method, params)
		m.bus.Publish(events.Event{Kind: events.BatchDispatched, Method: g.method, At: time.Now(), Detail: fmt.Sprintf("%d members", len(members))})

		if err != nil {
			for _, mem := range members {
				mem.done <- memberResult{err: err}
			}
			return
		}
		for i, mem := range members {
			if i >= len(results) {
				mem.done <- memberResult{err: fmt.Errorf("batcher: upstream returned %d results for %d members", len(results), len(members))}
				continue
			}
			v, terr := mem.transform(results[i])
			mem.done <- memberResult{value: v, err: terr}
		}
	})
}
