package syncer

import "sync"

// depGraph holds blocked-by edges rebuilt on every full sync. The
// scheduler consults it through Syncer.Blocked before dispatching.
type depGraph struct {
	mu        sync.RWMutex
	blockedBy map[string][]string
}

func newDepGraph() *depGraph {
	return &depGraph{blockedBy: make(map[string][]string)}
}

// Replace swaps in a freshly built edge set.
func (g *depGraph) Replace(edges map[string][]string) {
	g.mu.Lock()
	g.blockedBy = edges
	g.mu.Unlock()
}

// BlockersOf returns the issues the given issue waits on.
func (g *depGraph) BlockersOf(issueID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.blockedBy[issueID]
}
