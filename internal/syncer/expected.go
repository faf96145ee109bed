package syncer

import (
	"sync"
	"time"
)

// expectedTTL bounds how long a write-back suppression entry lives. A
// webhook echo normally arrives within seconds; after the TTL a matching
// delivery is treated as a real edit again.
const expectedTTL = 60 * time.Second

type expectedKey struct {
	issueID string
	stateID string
}

// expectedSet records tracker state changes this process caused, so the
// webhook echo of a write-back is consumed instead of reprocessed.
// Entries are one-shot.
type expectedSet struct {
	mu      sync.Mutex
	entries map[expectedKey]time.Time
	now     func() time.Time
}

func newExpectedSet() *expectedSet {
	return &expectedSet{
		entries: make(map[expectedKey]time.Time),
		now:     time.Now,
	}
}

// Add registers an outbound state change about to be written back.
func (e *expectedSet) Add(issueID, stateID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.entries[expectedKey{issueID, stateID}] = e.now().Add(expectedTTL)
}

// Consume reports whether an unexpired entry matches the inbound change
// and removes it. Expired entries are pruned as a side effect.
func (e *expectedSet) Consume(issueID, stateID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	for k, expiry := range e.entries {
		if expiry.Before(now) {
			delete(e.entries, k)
		}
	}

	k := expectedKey{issueID, stateID}
	if _, ok := e.entries[k]; ok {
		delete(e.entries, k)
		return true
	}
	return false
}
