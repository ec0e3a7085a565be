package service

import "sync"

// latestGuard lets only the most recent response for one target be applied.
// A response whose request was issued before an already-applied one is stale.
type latestGuard struct {
	mu      sync.Mutex
	issued  uint64
	applied uint64
}

func (g *latestGuard) begin() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.issued++
	return g.issued
}

// apply runs fn if seq is newer than the last applied request. The check and
// fn run under one lock so two fresh responses cannot interleave.
func (g *latestGuard) apply(seq uint64, fn func()) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if seq <= g.applied {
		return false
	}
	g.applied = seq
	fn()
	return true
}
