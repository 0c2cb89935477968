package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sells-group/grid-pipeline/internal/model"
)

// Outcome labels for RunsTotal.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeNoop    = "noop"
	OutcomeEmpty   = "empty"
	OutcomeAborted = "aborted"
)

// Message dispositions for MessagesTotal.
const (
	DispositionAck        = "ack"
	DispositionRequeue    = "requeue"
	DispositionDeadLetter = "dead_letter"
)

var (
	// RunsTotal counts component invocations by stage and outcome.
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grid_runs_total",
			Help: "Pipeline component runs by stage and outcome",
		},
		[]string{"stage", "outcome"},
	)

	// RunDuration observes wall time per component run.
	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "grid_run_duration_seconds",
			Help:    "Duration of pipeline component runs",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
		},
		[]string{"stage"},
	)

	// UpstreamRequests counts upstream API calls by status class.
	UpstreamRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grid_upstream_requests_total",
			Help: "Upstream API requests by status class",
		},
		[]string{"status"}, // 2xx, 4xx, 5xx, network
	)

	// RecordsFetched counts long-format records returned by the upstream API.
	RecordsFetched = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "grid_records_fetched_total",
			Help: "Long-format records returned by the upstream API",
		},
	)

	// BronzeBytes counts raw bytes landed in bronze.
	BronzeBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "grid_bronze_bytes_total",
			Help: "Bytes written to the bronze tier",
		},
	)

	// SilverRows counts rows handed to a silver sink, by sink kind.
	SilverRows = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grid_silver_rows_total",
			Help: "Rows written to the silver tier",
		},
		[]string{"sink"}, // table, file
	)

	// GoldRowsInserted counts new daily aggregates.
	GoldRowsInserted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "grid_gold_rows_inserted_total",
			Help: "Daily aggregate rows inserted into the gold tier",
		},
	)

	// CheckpointTimestamp is the last ingested hour as Unix seconds.
	CheckpointTimestamp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "grid_checkpoint_timestamp_seconds",
			Help: "Last ingested hour boundary as Unix epoch seconds",
		},
	)

	// MessagesTotal counts bronze-created messages by disposition.
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grid_messages_total",
			Help: "Bronze-created messages consumed, by disposition",
		},
		[]string{"disposition"},
	)
)

// ObserveRun records one finished run.
func ObserveRun(stage model.Stage, outcome string, elapsed time.Duration) {
	RunsTotal.WithLabelValues(string(stage), outcome).Inc()
	RunDuration.WithLabelValues(string(stage)).Observe(elapsed.Seconds())
}

// ObserveUpstream records an upstream response. A zero status means the
// request never got a response.
func ObserveUpstream(status int) {
	UpstreamRequests.WithLabelValues(statusClass(status)).Inc()
}

func statusClass(status int) string {
	switch {
	case status <= 0:
		return "network"
	case status < 300:
		return "2xx"
	case status < 400:
		return "3xx"
	case status < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
