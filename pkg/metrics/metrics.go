package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Cluster metrics
	ClusterMembersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "aegis_cluster_members_total",
			Help: "Total number of cluster members by status",
		},
		[]string{"status"},
	)

	ClusterKeysTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "aegis_cluster_keys_total",
			Help: "Total number of keys in the replicated cluster map",
		},
	)

	// Raft metrics
	RaftState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "aegis_raft_state",
			Help: "Whether this node is in a given Raft state (1 = current state, 0 = not)",
		},
		[]string{"state"},
	)

	RaftTerm = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "aegis_raft_term",
			Help: "Current Raft term",
		},
	)

	RaftPeersTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "aegis_raft_peers_total",
			Help: "Total number of Raft peers in the cluster",
		},
	)

	RaftCommitIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "aegis_raft_commit_index",
			Help: "Current Raft commit index",
		},
	)

	RaftAppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "aegis_raft_applied_index",
			Help: "Last applied Raft log index",
		},
	)

	RaftQuarantinedPeersTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "aegis_raft_quarantined_peers_total",
			Help: "Total number of peers currently quarantined for suspected misbehavior",
		},
	)

	RaftApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "aegis_raft_apply_duration_seconds",
			Help:    "Time taken to apply a Raft log entry to the state machine",
			Buckets: prometheus.DefBuckets,
		},
	)

	RaftElectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "aegis_raft_elections_total",
			Help: "Total number of elections this node has started",
		},
	)

	// Event store metrics
	EventStoreAppendedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aegis_eventstore_appended_total",
			Help: "Total number of events appended by partition",
		},
		[]string{"partition"},
	)

	EventStoreAppendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "aegis_eventstore_append_duration_seconds",
			Help:    "Time taken to append a batch of events",
			Buckets: prometheus.DefBuckets,
		},
	)

	EventStoreConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "aegis_eventstore_concurrency_conflicts_total",
			Help: "Total number of optimistic concurrency conflicts on append",
		},
	)

	EventStoreSubscriptionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "aegis_eventstore_subscriptions_active",
			Help: "Active subscriptions by kind (live, persistent)",
		},
		[]string{"kind"},
	)

	EventStoreSnapshotDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "aegis_eventstore_snapshot_duration_seconds",
			Help:    "Time taken to write a stream snapshot",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Dispatcher metrics
	CommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aegis_commands_total",
			Help: "Total number of commands dispatched by type and outcome",
		},
		[]string{"command_type", "outcome"},
	)

	CommandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aegis_command_duration_seconds",
			Help:    "Command dispatch duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"command_type"},
	)

	QueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aegis_queries_total",
			Help: "Total number of queries dispatched by type and cache outcome",
		},
		[]string{"query_type", "cache"},
	)

	QueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aegis_query_duration_seconds",
			Help:    "Query dispatch duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"query_type"},
	)

	DispatcherBackpressureTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "aegis_dispatcher_backpressure_total",
			Help: "Total number of commands rejected due to backpressure",
		},
	)

	// Saga metrics
	SagasStartedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aegis_sagas_started_total",
			Help: "Total number of saga instances started by definition",
		},
		[]string{"definition"},
	)

	SagasCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aegis_sagas_completed_total",
			Help: "Total number of saga instances completed by definition and outcome",
		},
		[]string{"definition", "outcome"},
	)

	SagaStepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aegis_saga_step_duration_seconds",
			Help:    "Saga step execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"definition", "step"},
	)

	SagasCompensatingTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "aegis_sagas_compensating",
			Help: "Number of saga instances currently running compensation",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aegis_api_requests_total",
			Help: "Total number of client API requests by method and outcome",
		},
		[]string{"method", "outcome"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aegis_api_request_duration_seconds",
			Help:    "Client API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	prometheus.MustRegister(ClusterMembersTotal)
	prometheus.MustRegister(ClusterKeysTotal)

	prometheus.MustRegister(RaftState)
	prometheus.MustRegister(RaftTerm)
	prometheus.MustRegister(RaftPeersTotal)
	prometheus.MustRegister(RaftCommitIndex)
	prometheus.MustRegister(RaftAppliedIndex)
	prometheus.MustRegister(RaftQuarantinedPeersTotal)
	prometheus.MustRegister(RaftApplyDuration)
	prometheus.MustRegister(RaftElectionsTotal)

	prometheus.MustRegister(EventStoreAppendedTotal)
	prometheus.MustRegister(EventStoreAppendDuration)
	prometheus.MustRegister(EventStoreConflictsTotal)
	prometheus.MustRegister(EventStoreSubscriptionsActive)
	prometheus.MustRegister(EventStoreSnapshotDuration)

	prometheus.MustRegister(CommandsTotal)
	prometheus.MustRegister(CommandDuration)
	prometheus.MustRegister(QueriesTotal)
	prometheus.MustRegister(QueryDuration)
	prometheus.MustRegister(DispatcherBackpressureTotal)

	prometheus.MustRegister(SagasStartedTotal)
	prometheus.MustRegister(SagasCompletedTotal)
	prometheus.MustRegister(SagaStepDuration)
	prometheus.MustRegister(SagasCompensatingTotal)

	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
