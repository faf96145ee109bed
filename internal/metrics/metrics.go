// Package metrics exposes orchestrator counters and gauges in
// Prometheus format. A Recorder feeds them from the event bus so
// components stay metrics-agnostic; the API mounts Handler at /metrics.
package metrics

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/emily-flambe/orca-sub000/internal/events"
	"github.com/emily-flambe/orca-sub000/internal/store"
)

var (
	activeInvocations = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "orca_active_invocations",
		Help: "Agent invocations currently running.",
	})
	queuedTasks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "orca_queued_tasks",
		Help: "Tasks waiting in a dispatchable phase.",
	})
	windowCostUSD = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "orca_window_cost_usd",
		Help: "Agent spend inside the rolling budget window.",
	})
	invocationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orca_invocations_total",
		Help: "Finished invocations by phase and terminal status.",
	}, []string{"phase", "status"})
	invocationCostUSD = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orca_invocation_cost_usd_total",
		Help: "Cumulative agent spend.",
	})
	invocationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "orca_invocation_duration_seconds",
		Help:    "Wall-clock duration of finished invocations.",
		Buckets: prometheus.ExponentialBuckets(10, 2, 10), // 10s .. ~85min
	})
	taskTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orca_task_transitions_total",
		Help: "Task phase transitions by destination phase.",
	}, []string{"phase"})
	syncRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orca_sync_runs_total",
		Help: "Completed tracker sync passes.",
	})
	// WebhookEvents counts verified inbound webhook deliveries by
	// action. The webhook HTTP handler increments it directly.
	WebhookEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orca_webhook_events_total",
		Help: "Verified webhook deliveries by action.",
	}, []string{"action"})
)

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Recorder translates bus events into metric updates.
type Recorder struct {
	store  *store.Store
	bus    events.Publisher
	logger *slog.Logger
}

// NewRecorder creates a Recorder.
func NewRecorder(st *store.Store, bus events.Publisher, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: st, bus: bus, logger: logger.With("component", "metrics")}
}

// Run consumes bus events until ctx is canceled.
func (r *Recorder) Run(ctx context.Context) error {
	sub := r.bus.Subscribe(events.GlobalIssueID)
	defer r.bus.Unsubscribe(events.GlobalIssueID, sub)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub:
			if !ok {
				return nil
			}
			r.Observe(ev)
		}
	}
}

// Observe applies one event to the metric set.
func (r *Recorder) Observe(ev events.Event) {
	switch ev.Type {
	case events.EventInvocationStarted:
		activeInvocations.Inc()

	case events.EventInvocationCompleted:
		activeInvocations.Dec()
		u, ok := ev.Data.(events.InvocationUpdate)
		if !ok {
			return
		}
		invocationsTotal.WithLabelValues(u.Phase, u.Status).Inc()
		invocationCostUSD.Add(u.CostUSD)
		if inv, err := r.store.GetInvocation(u.ID); err == nil && inv != nil && inv.EndedAt != nil {
			invocationSeconds.Observe(inv.EndedAt.Sub(inv.StartedAt).Seconds())
		}

	case events.EventTaskUpdated:
		if u, ok := ev.Data.(events.TaskUpdate); ok {
			taskTransitionsTotal.WithLabelValues(u.Phase).Inc()
		}

	case events.EventStatusUpdated:
		if u, ok := ev.Data.(events.StatusUpdate); ok {
			// The snapshot is authoritative; it corrects any drift from
			// missed events.
			activeInvocations.Set(float64(u.ActiveSessions))
			queuedTasks.Set(float64(u.QueuedTasks))
			windowCostUSD.Set(u.CostInWindow)
		}

	case events.EventSyncCompleted:
		syncRunsTotal.Inc()
	}
}
