package rpcrelay

import (
	"fmt"
	"time"

	"github.com/quantedge/rpcrelay/internal/rpcmodel"
)

// Kind is a closed set of failure kinds, not Go type names, so callers
// can switch on Kind without type assertions.
type Kind string

const (
	KindRateLimited     Kind = "rate_limited"
	KindBreakerOpen     Kind = "breaker_open"
	KindQueueEvicted    Kind = "queue_evicted"
	KindTimeout         Kind = "timeout"
	KindUpstream        Kind = "upstream"
	KindTransport       Kind = "transport"
	KindCancelled       Kind = "cancelled"
	KindInvalidArgument Kind = "invalid_argument"
)

// Error is the single error type callers see out of Call/CallBatch. Every
// failure carries its kind, the endpoint involved (if any), how long the
// call ran before failing, a retry hint, and a bounded cause chain via
// Unwrap.
type Error struct {
	Kind       Kind
	Endpoint   rpcmodel.EndpointID
	Elapsed    time.Duration
	RetryAfter time.Duration
	Cause      error
}

func (e *Error) Error() string {
	if e.Endpoint != "" {
		return fmt.Sprintf("rpcrelay: %s: endpoint=%s elapsed=%s: %v", e.Kind, e.Endpoint, e.Elapsed, e.Cause)
	}
	return fmt.Sprintf("rpcrelay: %s: elapsed=%s: %v", e.Kind, e.Elapsed, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }
