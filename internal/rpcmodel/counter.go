package rpcmodel

import "sync/atomic"

// CounterWrap is the modulus every monotonic counter in the core wraps
// at. Wrapping has no observable effect because these counters are never
// used for ordering — only to match a JSON-RPC response to its request
// within one HTTP exchange.
const CounterWrap = 1 << 30

// WrappingCounter is a lock-free counter that wraps at CounterWrap.
type WrappingCounter struct {
	v atomic.Uint64
}

// Next returns the next counter value, wrapping at CounterWrap.
func (c *WrappingCounter) Next() uint64 {
	for {
		cur := c.v.Load()
		next := (cur + 1) % CounterWrap
		if c.v.CompareAndSwap(cur, next) {
			return next
		}
	}
}
