// Package supervisor assembles the orchestrator: store, event bus,
// tracker client, runner, scheduler, sync engine, monitors, metrics,
// and the HTTP API, wired together and driven as one errgroup.
package supervisor

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/emily-flambe/orca-sub000/internal/agent"
	"github.com/emily-flambe/orca-sub000/internal/api"
	"github.com/emily-flambe/orca-sub000/internal/config"
	"github.com/emily-flambe/orca-sub000/internal/events"
	"github.com/emily-flambe/orca-sub000/internal/hosting"
	"github.com/emily-flambe/orca-sub000/internal/metrics"
	"github.com/emily-flambe/orca-sub000/internal/monitor"
	"github.com/emily-flambe/orca-sub000/internal/runner"
	"github.com/emily-flambe/orca-sub000/internal/scheduler"
	"github.com/emily-flambe/orca-sub000/internal/store"
	"github.com/emily-flambe/orca-sub000/internal/store/driver"
	"github.com/emily-flambe/orca-sub000/internal/syncer"
	"github.com/emily-flambe/orca-sub000/internal/tracker"

	// Tracker backends register themselves at init.
	_ "github.com/emily-flambe/orca-sub000/internal/tracker/jira"
	_ "github.com/emily-flambe/orca-sub000/internal/tracker/linear"
)

// statusInterval paces the periodic status snapshot on the bus.
const statusInterval = 5 * time.Second

// Supervisor owns the assembled orchestrator.
type Supervisor struct {
	cfg    *config.Config
	logger *slog.Logger

	lock      *pidLock
	store     *store.Store
	bus       *events.MemoryPublisher
	tracker   tracker.Client
	scheduler *scheduler.Scheduler
	syncer    *syncer.Syncer
	monitor   *monitor.Monitor
	recorder  *metrics.Recorder
	api       *api.Server
}

// New opens the store and wires every component. The caller owns the
// config; it must already be validated for start.
func New(cfg *config.Config, logger *slog.Logger) (*Supervisor, error) {
	if logger == nil {
		logger = slog.Default()
	}

	lock := newPIDLock(cfg.DBPath)
	if err := lock.acquire(); err != nil {
		return nil, err
	}

	st, err := openStore(cfg)
	if err != nil {
		lock.release()
		return nil, err
	}

	// Invocations left running by a crash or hard kill cannot finish.
	if n, err := st.CloseOrphanedInvocations("orphaned by restart"); err != nil {
		logger.Warn("orphan sweep failed", "error", err)
	} else if n > 0 {
		logger.Info("closed orphaned invocations", "count", n)
	}

	trackerClient, err := tracker.New(tracker.Config{
		Provider:      cfg.TrackerProvider,
		APIKey:        cfg.TrackerAPIKey,
		WebhookSecret: cfg.TrackerWebhookSecret,
		SiteURL:       cfg.JiraSiteURL,
		Email:         cfg.JiraEmail,
	})
	if err != nil {
		_ = st.Close()
		lock.release()
		return nil, err
	}

	bus := events.NewMemoryPublisher()
	hostingCache := newProviderCache(cfg)

	ag := agent.New(cfg.AgentPath, cfg.Model, cfg.DisallowedToolList(), logger)
	logDir := filepath.Join(filepath.Dir(cfg.DBPath), "logs")
	run := runner.New(st, ag, runner.GitWorktrees(logger), bus, cfg.SessionTimeout(), logDir, logger)

	// Scheduler and syncer reference each other: the syncer's dependency
	// graph gates admission, and tracker-side cancels kill in-flight
	// runs. The proxy breaks the construction cycle.
	cancels := &cancelerProxy{}
	sync := syncer.New(st, trackerClient, cancels, hostingCache.Provider, bus, cfg, logger)
	sched := scheduler.New(st, run, hostingCache.Provider, &scheduler.GitSCM{Logger: logger}, sync, bus, cfg, logger)
	cancels.set(sched)

	mon := monitor.New(st, hostingCache.Provider, bus, cfg, logger)
	rec := metrics.NewRecorder(st, bus, logger)
	apiServer := api.New(st, bus, sched, sync, trackerClient, cfg, logger)

	return &Supervisor{
		cfg:       cfg,
		logger:    logger.With("component", "supervisor"),
		lock:      lock,
		store:     st,
		bus:       bus,
		tracker:   trackerClient,
		scheduler: sched,
		syncer:    sync,
		monitor:   mon,
		recorder:  rec,
		api:       apiServer,
	}, nil
}

func openStore(cfg *config.Config) (*store.Store, error) {
	if cfg.DatabaseURL != "" {
		return store.OpenWithDialect(cfg.DatabaseURL, driver.DialectPostgres)
	}
	return store.Open(cfg.DBPath)
}

// Run drives every component until ctx is canceled, then shuts down in
// reverse: the API drains, the scheduler waits for in-flight runs, and
// finally the bus and store close.
func (s *Supervisor) Run(ctx context.Context) error {
	s.logger.Info("orchestrator starting",
		"db", s.store.Path(),
		"tracker", s.cfg.TrackerProvider,
		"projects", s.cfg.TrackerProjectIDs,
		"concurrency_cap", s.cfg.ConcurrencyCap)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.scheduler.Run(ctx) })
	g.Go(func() error { return s.syncer.Run(ctx) })
	g.Go(func() error { return s.monitor.Run(ctx) })
	g.Go(func() error { return s.recorder.Run(ctx) })
	g.Go(func() error { return s.api.Start(ctx) })
	g.Go(func() error { return s.statusLoop(ctx) })

	err := g.Wait()
	s.bus.Close()
	if closeErr := s.store.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	s.lock.release()
	s.logger.Info("orchestrator stopped")
	return err
}

// statusLoop publishes a status snapshot on a fixed cadence. The
// metrics recorder, SSE clients, and the TUI all feed off it.
func (s *Supervisor) statusLoop(ctx context.Context) error {
	helper := events.NewPublishHelper(s.bus)
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			helper.Status(s.scheduler.StatusSnapshot())
		}
	}
}

// Store exposes the opened store, for commands that share a process
// with the supervisor.
func (s *Supervisor) Store() *store.Store {
	return s.store
}

// cancelerProxy defers the scheduler reference until construction
// finishes.
type cancelerProxy struct {
	mu    sync.Mutex
	sched *scheduler.Scheduler
}

func (c *cancelerProxy) set(s *scheduler.Scheduler) {
	c.mu.Lock()
	c.sched = s
	c.mu.Unlock()
}

func (c *cancelerProxy) Cancel(issueID string) bool {
	c.mu.Lock()
	s := c.sched
	c.mu.Unlock()
	if s == nil {
		return false
	}
	return s.Cancel(issueID)
}

// providerCache hands out one hosting provider per repository checkout.
type providerCache struct {
	cfg *config.Config

	mu        sync.Mutex
	providers map[string]hosting.Provider
}

func newProviderCache(cfg *config.Config) *providerCache {
	return &providerCache{cfg: cfg, providers: make(map[string]hosting.Provider)}
}

// Provider resolves (and caches) the hosting provider for a repo.
func (p *providerCache) Provider(repoPath string) (hosting.Provider, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if prov, ok := p.providers[repoPath]; ok {
		return prov, nil
	}

	hcfg := hosting.Config{Provider: p.cfg.HostingProvider}
	switch p.cfg.HostingProvider {
	case string(hosting.ProviderGitHub):
		hcfg.Token = p.cfg.GitHubToken
	case string(hosting.ProviderGitLab):
		hcfg.Token = p.cfg.GitLabToken
	}

	prov, err := hosting.NewProvider(repoPath, hcfg)
	if err != nil {
		return nil, err
	}
	p.providers[repoPath] = prov
	return prov, nil
}
