// Package hedge races a primary call against staggered backups to clip
// tail latency, returning the first success and best-effort cancelling
// the rest. Losers are never allowed to report a winning value back to
// the caller, which is what keeps a stale loser from ever reaching the
// cache.
package hedge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/quantedge/rpcrelay/internal/events"
)

// Config holds the hedging knobs.
type Config struct {
	Delay      time.Duration
	MaxBackups int
	Adaptive   bool
	LowerBound time.Duration
	UpperBound time.Duration
}

// DefaultConfig returns conservative defaults for hedging account reads.
func DefaultConfig() Config {
	return Config{
		Delay:      200 * time.Millisecond,
		MaxBackups: 2,
		Adaptive:   false,
		LowerBound: 50 * time.Millisecond,
		UpperBound: 2 * time.Second,
	}
}

// AdaptiveDelay clamps a primary endpoint's observed P95 latency into
// [LowerBound, UpperBound] for use as the hedging delay when cfg.Adaptive
// is set. Callers pass that specific endpoint's P95Latency() here, not a
// fleet-wide figure, so a fast endpoint keeps its tight hedge window even
// while a slow sibling accumulates a high global P95.
func (cfg Config) AdaptiveDelay(p95Ms float64) time.Duration {
	d := time.Duration(p95Ms * float64(time.Millisecond))
	if d < cfg.LowerBound {
		return cfg.LowerBound
	}
	if d > cfg.UpperBound {
		return cfg.UpperBound
	}
	return d
}

// Arm produces one attempt at the call. Implementations must respect
// ctx cancellation promptly so a loser stops doing work once a winner
// is chosen.
type Arm func(ctx context.Context) (json.RawMessage, error)

// Won identifies which arm produced the winning value.
type Won int

const (
	WonPrimary Won = iota
	WonBackup
)

type armResult struct {
	index int // 0 = primary, 1..n = backups in launch order
	value json.RawMessage
	err   error
}

// Run executes primary immediately and, if it has not completed after
// delay, launches backups one at a time (staggered by delay) up to
// maxBackups. The first arm to succeed wins; the rest are cancelled
// best-effort via ctx. If every launched arm fails, the primary's error
// is returned, or the first backup's error if the primary never ran
// (it always does, so this only matters for symmetry).
func Run(ctx context.Context, primary Arm, backups []Arm, cfg Config, bus *events.Bus, method string) (json.RawMessage, Won, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan armResult, 1+len(backups))
	launch := func(idx int, arm Arm) {
		v, err := arm(ctx)
		select {
		case results <- armResult{index: idx, value: v, err: err}:
		case <-ctx.Done():
		}
	}

	go launch(0, primary)

	launched := 1
	errs := make(map[int]error)

	timer := time.NewTimer(cfg.Delay)
	defer timer.Stop()
	nextBackup := 0

	for {
		select {
		case res := <-results:
			if res.err == nil {
				if res.index != 0 {
					bus.Publish(events.Event{Kind: events.HedgeRaced, Method: method, At: time.Now(), Detail: fmt.Sprintf("backup %d won", res.index)})
					return res.value, WonBackup, nil
				}
				return res.value, WonPrimary, nil
			}
			errs[res.index] = res.err
			exhausted := nextBackup >= len(backups) || nextBackup >= cfg.MaxBackups
			if len(errs) >= launched && exhausted {
				return nil, WonPrimary, errs[0]
			}

		case <-timer.C:
			if nextBackup < len(backups) && nextBackup < cfg.MaxBackups {
				idx := nextBackup + 1
				go launch(idx, backups[nextBackup])
				nextBackup++
				launched++
				timer.Reset(cfg.Delay)
			}

		case <-ctx.Done():
			return nil, WonPrimary, ctx.Err()
		}
	}
}
