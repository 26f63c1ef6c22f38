package batcher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func echoTransform(raw json.RawMessage) (json.RawMessage, error) { return raw, nil }

func TestAddDispatchesOnceOnWindowElapsed(t *testing.T) {
	var dispatches atomic.Int64
	dispatch := func(ctx context.Context, method string, params []any) ([]json.RawMessage, error) {
		dispatches.Add(1)
		out := make([]json.RawMessage, len(params))
		for i := range params {
			out[i] = json.RawMessage(fmt.Sprintf("%d", i))
		}
		return out, nil
	}
	m := New(Config{MaxSize: 100, Window: 20 * time.Millisecond}, dispatch, nil)

	var wg sync.WaitGroup
	results := make([]json.RawMessage, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := m.Add(context.Background(), "getMultipleAccounts", "confirmed", i, echoTransform)
			if err != nil {
				t.Error(err)
				return
			}
			results[i] = v
		}(i)
	}
	wg.Wait()

	if dispatches.Load() != 1 {
		t.Fatalf("dispatch called %d times, want 1", dispatches.Load())
	}
}

func TestAddDispatchesImmediatelyAtCap(t *testing.T) {
	var dispatches atomic.Int64
	dispatch := func(ctx context.Context, method string, params []any) ([]json.RawMessage, error) {
		dispatches.Add(1)
		out := make([]json.RawMessage, len(params))
		for i := range params {
			out[i] = json.RawMessage(`1`)
		}
		return out, nil
	}
	m := New(Config{MaxSize: 2, Window: time.Hour}, dispatch, nil)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Add(context.Background(), "getMultipleAccounts", "confirmed", 1, echoTransform); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	if dispatches.Load() != 1 {
		t.Fatalf("dispatch called %d times, want 1 (cap reached, window never fires)", dispatches.Load())
	}
}

func TestAddPropagatesBatchLevelError(t *testing.T) {
	dispatch := func(ctx context.Context, method string, params []any) ([]json.RawMessage, error) {
		return nil, fmt.Errorf("upstream down")
	}
	m := New(Config{MaxSize: 10, Window: 5 * time.Millisecond}, dispatch, nil)

	_, err := m.Add(context.Background(), "getMultipleAccounts", "confirmed", "addr", echoTransform)
	if err == nil {
		t.Fatalf("expected batch-level error to propagate to member")
	}
}

func TestAddPropagatesPerItemTransformErrorOnlyToThatMember(t *testing.T) {
	dispatch := func(ctx context.Context, method string, params []any) ([]json.RawMessage, error) {
		out := make([]json.RawMessage, len(params))
		for i := range params {
			out[i] = json.RawMessage(fmt.Sprintf("%d", i))
		}
		return out, nil
	}
	m := New(Config{MaxSize: 10, Window: 10 * time.Millisecond}, dispatch, nil)

	failing := func(raw json.RawMessage) (json.RawMessage, error) {
		if string(raw) == "1" {
			return nil, fmt.Errorf("decode failed for this member")
		}
		return raw, nil
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	vals := make([]json.RawMessage, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := m.Add(context.Background(), "getMultipleAccounts", "confirmed", i, failing)
			vals[i] = v
			errs[i] = err
		}(i)
	}
	wg.Wait()

	if errs[0] != nil {
		t.Fatalf("member 0 should succeed, got %v", errs[0])
	}
	if errs[1] == nil {
		t.Fatalf("member 1 should fail its own transform")
	}
}

func TestAddDifferentCommitmentsFormSeparateGroups(t *testing.T) {
	var calls []string
	var mu sync.Mutex
	dispatch := func(ctx context.Context, method string, params []any) ([]json.RawMessage, error) {
		mu.Lock()
		calls = append(calls, method)
		mu.Unlock()
		out := make([]json.RawMessage, len(params))
		for i := range params {
			out[i] = json.RawMessage(`1`)
		}
		return out, nil
	}
	m := New(Config{MaxSize: 100, Window: 10 * time.Millisecond}, dispatch, nil)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = m.Add(context.Background(), "getMultipleAccounts", "confirmed", "a", echoTransform)
	}()
	go func() {
		defer wg.Done()
		_, _ = m.Add(context.Background(), "getMultipleAccounts", "finalized", "b", echoTransform)
	}()
	wg.Wait()

	if len(calls) != 2 {
		t.Fatalf("expected 2 separate batch dispatches for distinct commitments, got %d", len(calls))
	}
}
