package store

import (
	"testing"
)

// NewTestStore creates an in-memory store for testing. Migrations are
// applied and the store is closed automatically when the test completes.
func NewTestStore(t testing.TB) *Store {
	t.Helper()

	s, err := OpenInMemory()
	if err != nil {
		t.Fatalf("create test store: %v", err)
	}

	t.Cleanup(func() {
		_ = s.Close()
	})

	return s
}
