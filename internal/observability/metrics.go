package observability

import "github.com/prometheus/client_golang/prometheus"

// Metrics replaces the teacher's ad-hoc apiRequestCounts map (server/metrics.go)
// with a real Prometheus registry, generalized to every counter this core
// needs across ingress, aggregation, tool execution and review submission.
type Metrics struct {
	WebhookEventsTotal      *prometheus.CounterVec
	WebhookDuplicatesTotal  prometheus.Counter
	AggregationDrainsTotal  *prometheus.CounterVec
	AggregationDroppedMuted *prometheus.CounterVec
	ToolCallsTotal          *prometheus.CounterVec
	ReviewSubmissionsTotal  *prometheus.CounterVec
	OrchestratorTurnsTotal  prometheus.Histogram
}

// NewMetrics registers every collector against reg and returns the handle
// used by the rest of the core. Passing a fresh prometheus.NewRegistry()
// keeps tests free of global-registry collisions.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		WebhookEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ghrelay_webhook_events_total",
			Help: "Webhook events received, labeled by event_type and outcome.",
		}, []string{"event_type", "outcome"}),
		WebhookDuplicatesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ghrelay_webhook_duplicates_total",
			Help: "Webhook deliveries recognized as duplicates by the dedup cache.",
		}),
		AggregationDrainsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ghrelay_aggregation_drains_total",
			Help: "Aggregation group drains, labeled by target and muted-ness.",
		}, []string{"target", "muted"}),
		AggregationDroppedMuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ghrelay_aggregation_dropped_muted_total",
			Help: "Notifications dropped at enqueue or drain time because of an active mute.",
		}, []string{"stage"}),
		ToolCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ghrelay_tool_calls_total",
			Help: "Tool-call executions, labeled by tool name and status.",
		}, []string{"tool", "status"}),
		ReviewSubmissionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ghrelay_review_submissions_total",
			Help: "PR review submissions, labeled by review event.",
		}, []string{"event"}),
		OrchestratorTurnsTotal: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ghrelay_orchestrator_turns",
			Help:    "Number of multi-turn loop iterations per chat message handled.",
			Buckets: prometheus.LinearBuckets(1, 1, 15),
		}),
	}

	reg.MustRegister(
		m.WebhookEventsTotal,
		m.WebhookDuplicatesTotal,
		m.AggregationDrainsTotal,
		m.AggregationDroppedMuted,
		m.ToolCallsTotal,
		m.ReviewSubmissionsTotal,
		m.OrchestratorTurnsTotal,
	)

	return m
}
