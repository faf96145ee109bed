package supervisor

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/emily-flambe/orca-sub000/internal/config"
	"github.com/emily-flambe/orca-sub000/internal/tracker"
)

type stubTracker struct{}

func (stubTracker) Issues(context.Context, []string) ([]tracker.Issue, error) { return nil, nil }
func (stubTracker) States(context.Context, string) ([]tracker.State, error)   { return nil, nil }
func (stubTracker) UpdateIssueState(context.Context, string, string) error    { return nil }
func (stubTracker) AddComment(context.Context, string, string) error          { return nil }
func (stubTracker) ParseWebhook(string, []byte) (*tracker.WebhookEvent, error) {
	return &tracker.WebhookEvent{}, nil
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = l.Close() }()
	return l.Addr().(*net.TCPAddr).Port
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DBPath = filepath.Join(t.TempDir(), "orca.db")
	cfg.Port = freePort(t)
	cfg.TrackerProvider = "stub"
	cfg.TrackerProjectIDs = []string{"PROJ"}
	cfg.SchedulerIntervalSec = 1
	return cfg
}

func TestNewWiresComponents(t *testing.T) {
	tracker.Register("stub", func(tracker.Config) (tracker.Client, error) {
		return stubTracker{}, nil
	})

	sup, err := New(testConfig(t), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		_ = sup.store.Close()
		sup.lock.release()
	}()

	if sup.scheduler == nil || sup.syncer == nil || sup.monitor == nil ||
		sup.recorder == nil || sup.api == nil {
		t.Fatalf("supervisor missing components: %+v", sup)
	}
	if sup.Store() == nil {
		t.Error("store accessor returned nil")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	tracker.Register("stub", func(tracker.Config) (tracker.Client, error) {
		return stubTracker{}, nil
	})

	sup, err := New(testConfig(t), nil)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	// Let the loops spin up before pulling the plug.
	time.Sleep(300 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil && err != context.Canceled {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("supervisor did not stop after cancel")
	}
}

func TestCancelerProxyBeforeSet(t *testing.T) {
	var p cancelerProxy
	if p.Cancel("T-1") {
		t.Error("unset proxy must report no cancel")
	}
}
