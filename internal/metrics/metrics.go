package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the reconciliation core.
type Metrics struct {
	// Event ingestion
	EventsTotal     *prometheus.CounterVec // labels: source
	DuplicatesTotal prometheus.Counter
	WebhooksRejected prometheus.Counter // bad signature / malformed payload

	// Engine
	TransitionsTotal  *prometheus.CounterVec // labels: entity, to
	UnreachableDrops  prometheus.Counter
	ResolveRetries    prometheus.Counter
	LockTimeouts      prometheus.Counter
	DeadLettersTotal  prometheus.Counter
	TerminalPublishes prometheus.Counter

	// Poll scheduler
	PollScans       prometheus.Counter
	PollFetches     *prometheus.CounterVec // labels: entity, result
	ManualReviews   prometheus.Counter
	Resubmissions   prometheus.Counter

	// Resilience wrapper
	ProviderCalls *prometheus.CounterVec // labels: provider, class
	BreakerState  *prometheus.GaugeVec   // labels: provider; 0=closed 1=open 2=half-open
	BreakerTrips  *prometheus.CounterVec // labels: provider

	// Notification fan-out
	NotifyFailures prometheus.Counter
	FeedClients    prometheus.Gauge
	FeedDrops      prometheus.Counter
}

// New registers and returns all metrics on the given registerer. Production
// passes prometheus.DefaultRegisterer; tests pass a fresh registry.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fundflow_events_total",
			Help: "Normalized reconciliation events admitted (by source)",
		}, []string{"source"}),
		DuplicatesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fundflow_duplicate_events_total",
			Help: "Events dropped as duplicates (dedup key already seen)",
		}),
		WebhooksRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fundflow_webhooks_rejected_total",
			Help: "Webhook deliveries rejected at the boundary (signature/shape)",
		}),

		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fundflow_transitions_total",
			Help: "State transitions committed (by entity and target status)",
		}, []string{"entity", "to"}),
		UnreachableDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fundflow_unreachable_drops_total",
			Help: "Events dropped because the proposed transition is unreachable",
		}),
		ResolveRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fundflow_resolve_retries_total",
			Help: "Entity lookups retried (webhook arrived before the local record)",
		}),
		LockTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fundflow_lock_timeouts_total",
			Help: "Per-entity transition lock acquisitions that timed out",
		}),
		DeadLettersTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fundflow_dead_letters_total",
			Help: "Events moved to the dead-letter table",
		}),
		TerminalPublishes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fundflow_terminal_publishes_total",
			Help: "Terminal-state transitions published to the fan-out",
		}),

		PollScans: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fundflow_poll_scans_total",
			Help: "Poll scheduler scan cycles",
		}),
		PollFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fundflow_poll_fetches_total",
			Help: "Provider status fetches issued by the poll scheduler",
		}, []string{"entity", "result"}),
		ManualReviews: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fundflow_manual_reviews_total",
			Help: "Entities flagged for manual review after the retry horizon",
		}),
		Resubmissions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fundflow_resubmissions_total",
			Help: "Orders resubmitted after a transient submission failure",
		}),

		ProviderCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fundflow_provider_calls_total",
			Help: "Guarded provider calls (by provider and outcome class)",
		}, []string{"provider", "class"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fundflow_breaker_state",
			Help: "Circuit breaker state per provider (0=closed, 1=open, 2=half-open)",
		}, []string{"provider"}),
		BreakerTrips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fundflow_breaker_trips_total",
			Help: "Circuit breaker open transitions per provider",
		}, []string{"provider"}),

		NotifyFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fundflow_notify_failures_total",
			Help: "Notification deliveries that failed (state unaffected)",
		}),
		FeedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fundflow_feed_clients",
			Help: "Connected activity-feed websocket clients",
		}),
		FeedDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fundflow_feed_drops_total",
			Help: "Feed messages dropped for slow websocket clients",
		}),
	}

	reg.MustRegister(
		m.EventsTotal,
		m.DuplicatesTotal,
		m.WebhooksRejected,
		m.TransitionsTotal,
		m.UnreachableDrops,
		m.ResolveRetries,
		m.LockTimeouts,
		m.DeadLettersTotal,
		m.TerminalPublishes,
		m.PollScans,
		m.PollFetches,
		m.ManualReviews,
		m.Resubmissions,
		m.ProviderCalls,
		m.BreakerState,
		m.BreakerTrips,
		m.NotifyFailures,
		m.FeedClients,
		m.FeedDrops,
	)

	return m
}
