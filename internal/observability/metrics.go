package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the settlement engine.
// Registered once at startup via promauto; components receive the
// struct and never register their own collectors.
type Metrics struct {
	// --- Event intake & orchestration ---
	EventsApplied  *prometheus.CounterVec
	EventsRejected *prometheus.CounterVec
	EventDuration  *prometheus.HistogramVec
	Sequence       prometheus.Gauge

	// --- Settlement lifecycle ---
	SettlementsStarted  prometheus.Counter
	SettlementOutcomes  *prometheus.CounterVec
	ActiveSettlements   prometheus.Gauge
	ParkedGames         prometheus.Gauge
	SettlementDuration  prometheus.Histogram
	LegOutcomes         *prometheus.CounterVec
	SubmissionAttempts  *prometheus.CounterVec
	SimulationRejects   *prometheus.CounterVec
	AlreadySettledShort *prometheus.CounterVec

	// --- Reserve bridge ---
	ReserveMovements   *prometheus.CounterVec
	ReserveBalance     *prometheus.GaugeVec
	BridgeInsufficient *prometheus.CounterVec
	BridgeAuditErrors  prometheus.Counter

	// --- Idempotency ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupCheckErrors      prometheus.Counter

	// --- Channels & backpressure ---
	ChannelSize        *prometheus.GaugeVec
	ChannelCapacity    *prometheus.GaugeVec
	ChannelUtilization *prometheus.GaugeVec
	ProjectionDrops    prometheus.Counter
	PublishDrops       prometheus.Counter

	// --- Persistence (event log worker) ---
	PersistEventsWritten prometheus.Counter
	PersistBatchSize     prometheus.Histogram
	PersistBatchDur      prometheus.Histogram
	PersistErrors        *prometheus.CounterVec
	PersistLastSequence  prometheus.Gauge

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	chainBuckets := []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}

	return &Metrics{
		EventsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "prize_events_applied_total",
			Help: "Events accepted by the orchestrator",
		}, []string{"event_type"}),

		EventsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "prize_events_rejected_total",
			Help: "Events rejected (dedup, validation, parse)",
		}, []string{"event_type", "reason"}),

		EventDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "prize_event_process_duration_seconds",
			Help:    "Time from event intake to settlement launch",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"event_type"}),

		Sequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "prize_sequence",
			Help: "Current global event sequence",
		}),

		SettlementsStarted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "prize_settlements_started_total",
			Help: "Settlements entering the pipeline",
		}),

		SettlementOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "prize_settlement_outcomes_total",
			Help: "Settlements reaching settled/partial_failure/cancelled",
		}, []string{"outcome"}),

		ActiveSettlements: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "prize_active_settlements",
			Help: "Settlements currently in flight",
		}),

		ParkedGames: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "prize_parked_games",
			Help: "Games parked in Bridging waiting for reserves",
		}),

		SettlementDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "prize_settlement_duration_seconds",
			Help:    "Planning start to terminal outcome",
			Buckets: chainBuckets,
		}),

		LegOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "prize_leg_outcomes_total",
			Help: "Currency legs reaching confirmed/failed",
		}, []string{"chain", "currency", "outcome"}),

		SubmissionAttempts: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "prize_submission_attempts_total",
			Help: "On-chain submission attempts",
		}, []string{"chain", "currency"}),

		SimulationRejects: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "prize_simulation_rejects_total",
			Help: "Pre-flight simulations rejected before broadcast",
		}, []string{"chain"}),

		AlreadySettledShort: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "prize_already_settled_total",
			Help: "Legs short-circuited by an on-chain settlement record",
		}, []string{"chain"}),

		ReserveMovements: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "prize_reserve_movements_total",
			Help: "Reserve ledger movements applied",
		}, []string{"movement_type", "currency"}),

		ReserveBalance: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "prize_reserve_balance",
			Help: "Standing reserve per currency (decimal units)",
		}, []string{"currency"}),

		BridgeInsufficient: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "prize_bridge_insufficient_total",
			Help: "Bridge attempts rejected for insufficient reserve",
		}, []string{"currency"}),

		BridgeAuditErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "prize_bridge_audit_errors_total",
			Help: "Movement batches that failed the durable audit write",
		}),

		IdempotencyDuplicates: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "prize_idempotency_duplicates_total",
			Help: "Duplicates caught (lru/postgres)",
		}, []string{"event_type", "tier"}),

		DedupLRUSize: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "prize_dedup_lru_size",
			Help: "Current LRU occupancy",
		}),

		DedupCheckErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "prize_dedup_check_errors_total",
			Help: "Postgres dedup lookups that errored",
		}),

		ChannelSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "prize_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "prize_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "prize_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		ProjectionDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "prize_projection_drops_total",
			Help: "Updates dropped due to full projection channel",
		}),

		PublishDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "prize_publish_drops_total",
			Help: "Outcomes dropped due to full publish channel",
		}),

		PersistEventsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "prize_persist_events_written_total",
			Help: "Event envelopes written to Postgres",
		}),

		PersistBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "prize_persist_batch_size",
			Help:    "Envelopes per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250},
		}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "prize_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "prize_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistLastSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "prize_persist_last_sequence",
			Help: "Last persisted envelope sequence",
		}),

		QueryRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "prize_query_requests_total",
			Help: "Query API requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "prize_query_duration_seconds",
			Help:    "Query API latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),
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
