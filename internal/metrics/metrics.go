package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Keeper stage counters and histograms.

var (
	// Indexer
	IndexerPassesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "relayer",
		Subsystem: "indexer",
		Name:      "passes_total",
		Help:      "Total completed index passes",
	})

	IndexerPassErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "relayer",
		Subsystem: "indexer",
		Name:      "pass_errors_total",
		Help:      "Total index passes aborted by a fatal error (cursor not advanced)",
	})

	IndexerOrdersDiscovered = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relayer",
		Subsystem: "indexer",
		Name:      "orders_discovered_total",
		Help:      "Total raw orders surfaced to the caller",
	}, []string{"source"})

	IndexerEventsExamined = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relayer",
		Subsystem: "indexer",
		Name:      "events_examined_total",
		Help:      "Total candidate events examined",
	}, []string{"source"})

	IndexerDuplicatesSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relayer",
		Subsystem: "indexer",
		Name:      "duplicates_skipped_total",
		Help:      "Events skipped by the per-pass dedup set or the storage existence check",
	}, []string{"reason"})

	IndexerLastMonitoredBlock = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "relayer",
		Subsystem: "indexer",
		Name:      "last_monitored_block",
		Help:      "Last fully scanned block number",
	})

	IndexerPassDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "relayer",
		Subsystem: "indexer",
		Name:      "pass_duration_seconds",
		Help:      "Index pass duration",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	})

	// Range scanner
	ScannerQueriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relayer",
		Subsystem: "scanner",
		Name:      "queries_total",
		Help:      "Total log-range queries issued",
	}, []string{"outcome"})

	ScannerSplitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "relayer",
		Subsystem: "scanner",
		Name:      "splits_total",
		Help:      "Total range bisections triggered by provider result-size ceilings",
	})

	ScannerLogsFetched = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "relayer",
		Subsystem: "scanner",
		Name:      "logs_fetched_total",
		Help:      "Total event logs returned by leaf queries",
	})

	// Executor
	ExecutorRoundsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "relayer",
		Subsystem: "executor",
		Name:      "rounds_total",
		Help:      "Total executor rounds",
	})

	ExecutorOrdersChecked = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "relayer",
		Subsystem: "executor",
		Name:      "orders_checked_total",
		Help:      "Total pending orders examined",
	})

	ExecutorFillsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "relayer",
		Subsystem: "executor",
		Name:      "fills_total",
		Help:      "Total orders filled and persisted",
	})

	ExecutorFillRetryExhausted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "relayer",
		Subsystem: "executor",
		Name:      "fill_retry_exhausted_total",
		Help:      "Fill attempts abandoned for the round after retry exhaustion (order stays pending)",
	})

	ExecutorOrdersInvalidated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "relayer",
		Subsystem: "executor",
		Name:      "orders_invalidated_total",
		Help:      "Orders terminally marked as no longer existing on chain",
	})

	ExecutorOrderErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "relayer",
		Subsystem: "executor",
		Name:      "order_errors_total",
		Help:      "Per-order processing errors isolated from the rest of the round",
	})

	ExecutorRoundDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "relayer",
		Subsystem: "executor",
		Name:      "round_duration_seconds",
		Help:      "Executor round duration",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	// Chain RPC
	RPCCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relayer",
		Subsystem: "rpc",
		Name:      "calls_total",
		Help:      "Total chain RPC calls by method and status",
	}, []string{"method", "status"})

	RPCCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "relayer",
		Subsystem: "rpc",
		Name:      "call_duration_seconds",
		Help:      "Chain RPC call duration",
		Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"method"})

	RPCRateLimitWaits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "relayer",
		Subsystem: "rpc",
		Name:      "rate_limit_waits_total",
		Help:      "RPC calls delayed by the client-side rate limiter",
	})

	RPCBreakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "relayer",
		Subsystem: "rpc",
		Name:      "breaker_state",
		Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	})

	// Alerting
	AlertsSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relayer",
		Subsystem: "alerts",
		Name:      "sent_total",
		Help:      "Total alerts delivered per channel",
	}, []string{"channel", "type"})

	AlertsCooldownSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relayer",
		Subsystem: "alerts",
		Name:      "cooldown_skipped_total",
		Help:      "Alerts suppressed by the per-key cooldown",
	}, []string{"channel", "type"})

	// Redis order stream
	StreamPublishTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relayer",
		Subsystem: "stream",
		Name:      "publish_total",
		Help:      "Raw orders published to the redis stream",
	}, []string{"status"})
)
