package rpcmodel

import "sync"

// ErrorKindMap is a bounded error_kind -> count map. When full, the
// oldest-inserted kind is evicted to make room, so a rare long-tail of
// distinct failure strings can never grow this without bound.
type ErrorKindMap struct {
	mu     sync.Mutex
	cap    int
	counts map[ErrorKind]int64
	order  []ErrorKind // insertion order, oldest first
}

// NewErrorKindMap allocates a map bounded at cap entries.
func NewErrorKindMap(cap int) *ErrorKindMap {
	return &ErrorKindMap{
		cap:    cap,
		counts: make(map[ErrorKind]int64, cap),
	}
}

// Increment bumps the count for kind, evicting the oldest kind first if
// the map is at capacity and kind is new.
func (m *ErrorKindMap) Increment(kind ErrorKind) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.counts[kind]; exists {
		m.counts[kind]++
		return
	}

	if len(m.counts) >= m.cap && len(m.order) > 0 {
		oldest := m.order[0]
		m.order = m.order[1:]
		delete(m.counts, oldest)
	}

	m.counts[kind] = 1
	m.order = append(m.order, kind)
}

// Size returns the current number of distinct error kinds tracked.
func (m *ErrorKindMap) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.counts)
}

// Snapshot returns a copy of the current kind -> count map.
func (m *ErrorKindMap) Snapshot() map[ErrorKind]int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[ErrorKind]int64, len(m.counts))
	for k, v := range m.counts {
		out[k] = v
	}
	return out
}
