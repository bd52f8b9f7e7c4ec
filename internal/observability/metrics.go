package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for BondLadder.
type Metrics struct {
	// --- Core Processing ---
	CoreEventsApplied  *prometheus.CounterVec
	CoreEventsRejected *prometheus.CounterVec
	CoreEventDuration  *prometheus.HistogramVec
	CoreStateHashDur   prometheus.Histogram
	CoreSequence       prometheus.Gauge

	// --- Latency ---
	IngestToApply       *prometheus.HistogramVec
	ApplyToPersist      prometheus.Histogram
	QueryFreshnessLag   *prometheus.HistogramVec
	NATSPullLatency     *prometheus.HistogramVec
	PersistBatchDur     prometheus.Histogram
	ProjectionUpdateDur *prometheus.HistogramVec

	// --- Channel & Backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ChannelUtilization  *prometheus.GaugeVec
	ProjectionDrops     *prometheus.CounterVec
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Idempotency & Ordering ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupLRUEvictions     prometheus.Counter
	DedupTier2Duration    prometheus.Histogram
	EventSequenceGap      *prometheus.CounterVec
	EventOutOfOrder       *prometheus.CounterVec

	// --- Rebalancing ---
	RebalanceRuns        *prometheus.CounterVec
	PositionsOpened      prometheus.Counter
	PositionsClosed      *prometheus.CounterVec
	RebalanceDeployed    prometheus.Counter
	RebalanceFreed       prometheus.Counter
	RebalanceDeferred    prometheus.Counter
	WithdrawalShortfall  prometheus.Counter
	PortfolioIdle        prometheus.Gauge
	PortfolioPositions   prometheus.Gauge
	PortfolioBonds       prometheus.Gauge
	PortfolioTotalValue  prometheus.Gauge
	PortfolioRealizedPnL prometheus.Gauge

	// --- Persistence ---
	PersistEventsWritten    prometheus.Counter
	PersistPositionsWritten prometheus.Counter
	PersistBatchSize        prometheus.Histogram
	PersistErrors           *prometheus.CounterVec
	PersistRetry            prometheus.Counter
	PersistLastSequence     prometheus.Gauge

	// --- Snapshot ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge
	ReplayEventsTotal prometheus.Counter
	ReplayDuration    prometheus.Gauge

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	ingestBuckets := []float64{
		0.00001, 0.000025, 0.00005, 0.0001, 0.00025,
		0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		// Core Processing
		CoreEventsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ladder_core_events_applied_total",
			Help: "Commands successfully applied by core",
		}, []string{"event_type"}),

		CoreEventsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ladder_core_events_rejected_total",
			Help: "Commands rejected (dedup, gap, validation, venue)",
		}, []string{"event_type", "reason"}),

		CoreEventDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ladder_core_event_apply_duration_seconds",
			Help:    "Time to apply a single command in core",
			Buckets: latencyBuckets,
		}, []string{"event_type"}),

		CoreStateHashDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "ladder_core_state_hash_duration_seconds",
			Help:    "Time to compute state hash",
			Buckets: latencyBuckets,
		}),

		CoreSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "ladder_core_sequence",
			Help: "Current global sequence number",
		}),

		// Latency
		IngestToApply: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ladder_ingest_to_apply_seconds",
			Help:    "NATS receive to core apply complete",
			Buckets: ingestBuckets,
		}, []string{"event_type"}),

		ApplyToPersist: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "ladder_apply_to_persist_seconds",
			Help:    "Core emit to Postgres commit",
			Buckets: latencyBuckets,
		}),

		QueryFreshnessLag: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ladder_query_freshness_lag_seconds",
			Help:    "Core sequence minus projection sequence (in time)",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.2, 0.5, 1.0},
		}, []string{"endpoint"}),

		NATSPullLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ladder_nats_pull_latency_seconds",
			Help:    "NATS pull request latency",
			Buckets: ingestBuckets,
		}, []string{"subject"}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "ladder_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		ProjectionUpdateDur: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ladder_projection_update_duration_seconds",
			Help:    "Projection table update duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1},
		}, []string{"projection"}),

		// Channel & Backpressure
		ChannelSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ladder_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ladder_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ladder_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		ProjectionDrops: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ladder_projection_drops_total",
			Help: "Events dropped due to full projection channel",
		}, []string{"projection"}),

		PublishDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ladder_publish_drops_total",
			Help: "Events dropped due to full publish channel",
		}),

		PersistBackpressure: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ladder_persist_backpressure_total",
			Help: "Times core blocked on persist channel",
		}),

		// Idempotency & Ordering
		IdempotencyDuplicates: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ladder_idempotency_duplicates_total",
			Help: "Duplicates caught (lru/postgres)",
		}, []string{"event_type", "tier"}),

		DedupLRUSize: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "ladder_dedup_lru_size",
			Help: "Current LRU occupancy",
		}),

		DedupLRUEvictions: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ladder_dedup_lru_evictions_total",
			Help: "LRU evictions",
		}),

		DedupTier2Duration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "ladder_dedup_tier2_duration_seconds",
			Help:    "Postgres dedup lookup latency",
			Buckets: latencyBuckets,
		}),

		EventSequenceGap: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ladder_event_sequence_gap_total",
			Help: "Source sequence gaps",
		}, []string{"partition"}),

		EventOutOfOrder: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ladder_event_out_of_order_total",
			Help: "Out-of-order rejections",
		}, []string{"partition"}),

		// Rebalancing
		RebalanceRuns: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ladder_rebalance_runs_total",
			Help: "Rebalance passes that changed the ladder",
		}, []string{"trigger"}),

		PositionsOpened: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ladder_positions_opened_total",
			Help: "Ladder rungs opened",
		}),

		PositionsClosed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ladder_positions_closed_total",
			Help: "Ladder rungs closed",
		}, []string{"mode"}),

		RebalanceDeployed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ladder_rebalance_deployed_total",
			Help: "Idle funds deployed into bonds (1e-6 asset units)",
		}),

		RebalanceFreed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ladder_rebalance_freed_total",
			Help: "Funds freed by closing bonds (1e-6 asset units)",
		}),

		RebalanceDeferred: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ladder_rebalance_deferred_total",
			Help: "Rebalance passes deferred by a venue refusal",
		}),

		WithdrawalShortfall: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ladder_withdrawal_shortfall_total",
			Help: "Withdrawals paid out below the requested amount",
		}),

		PortfolioIdle: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "ladder_portfolio_idle",
			Help: "Idle balance (1e-6 asset units)",
		}),

		PortfolioPositions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "ladder_portfolio_positions",
			Help: "Open ladder rungs",
		}),

		PortfolioBonds: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "ladder_portfolio_bonds",
			Help: "Total bonds held (1e-6 bond units)",
		}),

		PortfolioTotalValue: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "ladder_portfolio_total_value",
			Help: "Idle plus deployed value at last report (1e-6 asset units)",
		}),

		PortfolioRealizedPnL: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "ladder_portfolio_realized_pnl",
			Help: "Cumulative realized gain (1e-6 asset units)",
		}),

		// Persistence
		PersistEventsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ladder_persist_events_written_total",
			Help: "Events written to Postgres",
		}),

		PersistPositionsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ladder_persist_positions_written_total",
			Help: "Position rows written to Postgres",
		}),

		PersistBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "ladder_persist_batch_size",
			Help:    "Events per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ladder_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ladder_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "ladder_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		// Snapshot
		SnapshotTaken: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ladder_snapshot_taken_total",
			Help: "Snapshots created",
		}),

		SnapshotDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "ladder_snapshot_duration_seconds",
			Help:    "Snapshot creation time",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		}),

		SnapshotSizeBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "ladder_snapshot_size_bytes",
			Help: "Last snapshot size",
		}),

		SnapshotLastSeq: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "ladder_snapshot_last_sequence",
			Help: "Sequence of last snapshot",
		}),

		ReplayEventsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ladder_replay_events_total",
			Help: "Events replayed on startup",
		}),

		ReplayDuration: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "ladder_replay_duration_seconds",
			Help: "Total replay time",
		}),

		// Query API
		QueryRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ladder_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ladder_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),

		QueryErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ladder_query_errors_total",
			Help: "Query errors",
		}, []string{"endpoint", "code"}),
	}
}

// SetChannelMetrics updates channel utilization metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}

// ObservePortfolio refreshes the portfolio gauges from a report pass.
func (m *Metrics) ObservePortfolio(idle, totalValue, realizedGain, totalBonds int64, positions int) {
	m.PortfolioIdle.Set(float64(idle))
	m.PortfolioTotalValue.Set(float64(totalValue))
	m.PortfolioRealizedPnL.Set(float64(realizedGain))
	m.PortfolioBonds.Set(float64(totalBonds))
	m.PortfolioPositions.Set(float64(positions))
}
