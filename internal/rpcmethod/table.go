// Package rpcmethod is the compile-time table of method metadata that
// replaces dynamic RPC-name dispatch: batchability, hedgeability, and
// cache defaults are looked up once instead of branching on strings at
// every call site.
//
// The table is not a package-level global: each Table is owned by one
// orchestrator instance, so two independent pools in the same process
// (e.g. trading vs backfill) never share or race on method overrides.
package rpcmethod

import "time"

// Meta describes one upstream method's routing behavior.
type Meta struct {
	Method            string
	Batchable         bool
	BatchedMethod     string // upstream multi-target equivalent, if Batchable
	Hedgeable         bool
	DefaultCacheTTL   time.Duration
	DefaultCommitment string
}

// Table is a per-orchestrator registry of method metadata. The zero
// value is not usable; construct with NewDefaultTable or NewTable.
type Table struct {
	entries map[string]Meta
}

// defaults seeds the Solana JSON-RPC methods this core routes, along
// with their batchable pairs.
func defaults() map[string]Meta {
	return map[string]Meta{
		"getAccountInfo": {
			Method: "getAccountInfo", Batchable: true, BatchedMethod: "getMultipleAccounts",
			Hedgeable: true, DefaultCacheTTL: 1 * time.Second, DefaultCommitment: "confirmed",
		},
		"getBalance": {
			Method: "getBalance", Batchable: true, BatchedMethod: "getMultipleAccounts",
			Hedgeable: true, DefaultCacheTTL: 1 * time.Second, DefaultCommitment: "confirmed",
		},
		"getSlot": {
			Method: "getSlot", Hedgeable: true, DefaultCacheTTL: 400 * time.Millisecond,
			DefaultCommitment: "confirmed",
		},
		"getTokenSupply": {
			Method: "getTokenSupply", Hedgeable: true, DefaultCacheTTL: 2 * time.Second,
			DefaultCommitment: "confirmed",
		},
		"getProgramAccounts": {
			Method: "getProgramAccounts", Hedgeable: false, DefaultCacheTTL: 0,
			DefaultCommitment: "confirmed",
		},
		"getSignaturesForAddress": {
			Method: "getSignaturesForAddress", Hedgeable: false, DefaultCacheTTL: 0,
			DefaultCommitment: "confirmed",
		},
		"getTransaction": {
			Method: "getTransaction", Hedgeable: false, DefaultCacheTTL: 30 * time.Second,
			DefaultCommitment: "confirmed",
		},
		"getLatestBlockhash": {
			Method: "getLatestBlockhash", Hedgeable: true, DefaultCacheTTL: 400 * time.Millisecond,
			DefaultCommitment: "confirmed",
		},
	}
}

// NewDefaultTable builds a Table seeded with the default method metadata.
func NewDefaultTable() *Table {
	return &Table{entries: defaults()}
}

// NewTable builds an empty Table; callers register every method they
// care about via Register.
func NewTable() *Table {
	return &Table{entries: make(map[string]Meta)}
}

// Lookup returns the metadata for method, or the zero-value Meta (safe,
// non-batchable, non-hedgeable defaults) if the method is unregistered.
func (t *Table) Lookup(method string) Meta {
	if m, ok := t.entries[method]; ok {
		return m
	}
	return Meta{Method: method}
}

// Register adds or overrides metadata for a method.
func (t *Table) Register(m Meta) {
	t.entries[m.Method] = m
}

// MarkNonHedgeable clears the Hedgeable flag for method, letting a
// deployment opt a write-sensitive or non-idempotent method out of
// hedging regardless of its table default.
func (t *Table) MarkNonHedgeable(method string) {
	m := t.Lookup(method)
	m.Hedgeable = false
	t.entries[method] = m
}
