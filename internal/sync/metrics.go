package sync

import (
	"sync/atomic"
)

// metrics tracks hits and misses for a given pool.
// The counters are exported through Hits so that a prometheus collector can sample them.
type metrics struct {
	hits   atomic.Uint64
	misses atomic.Uint64
}

func (m *metrics) hit() {
	m.hits.Add(1)
}

func (m *metrics) miss() {
	m.misses.Add(1)
}

// Hits returns a snapshot of hits, and the total number of Get calls.
func (m *metrics) Hits() (hits, total uint64) {
	hits = m.hits.Load()
	return hits, hits + m.misses.Load()
}
