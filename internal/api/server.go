// Package api serves orca's HTTP surface: task queries and phase
// overrides, orchestrator status, sync triggers, the tracker webhook
// endpoint, metrics, and live event feeds over SSE and websockets.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/emily-flambe/orca-sub000/internal/config"
	"github.com/emily-flambe/orca-sub000/internal/events"
	"github.com/emily-flambe/orca-sub000/internal/metrics"
	"github.com/emily-flambe/orca-sub000/internal/store"
	"github.com/emily-flambe/orca-sub000/internal/tracker"
)

// Orchestrator is the scheduler surface the API drives.
type Orchestrator interface {
	StatusSnapshot() events.StatusUpdate
	SetConcurrencyCap(n int)
	Cancel(issueID string) bool
	Wake()
}

// SyncEngine is the tracker-sync surface the API drives.
type SyncEngine interface {
	FullSync(ctx context.Context) (*events.SyncResult, error)
	HandleWebhook(ev *tracker.WebhookEvent)
}

// Server is the orca HTTP API server.
type Server struct {
	store     *store.Store
	bus       events.Publisher
	sched     Orchestrator
	sync      SyncEngine
	tracker   tracker.Client
	cfg       *config.Config
	logger    *slog.Logger
	startedAt time.Time

	httpServer *http.Server
}

// New creates a Server. sched, sync, and trackerClient may be nil for a
// read-only server (status and events still work against the store).
func New(st *store.Store, bus events.Publisher, sched Orchestrator, sync SyncEngine, trackerClient tracker.Client, cfg *config.Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:     st,
		bus:       bus,
		sched:     sched,
		sync:      sync,
		tracker:   trackerClient,
		cfg:       cfg,
		logger:    logger.With("component", "api"),
		startedAt: time.Now(),
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/tasks", s.handleListTasks)
	mux.HandleFunc("GET /api/tasks/{id}", s.handleGetTask)
	mux.HandleFunc("POST /api/tasks/{id}/status", s.handleSetTaskPhase)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("POST /api/sync", s.handleSync)
	mux.HandleFunc("POST /api/config", s.handleUpdateConfig)
	mux.HandleFunc("GET /api/events", s.handleSSE)
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("POST /api/webhooks/tracker", s.handleWebhook)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /healthz", s.handleHealth)

	return s.logRequests(mux)
}

// Start listens and serves until ctx is canceled, then drains with a
// short grace period.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("127.0.0.1:%d", s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.Serve(listener)
	}()
	s.logger.Info("api listening", "addr", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.startedAt).Round(time.Second).String(),
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		w.Header().Set("X-Request-Id", reqID)
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request", "id", reqID,
			"method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}
