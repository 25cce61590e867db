package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the vault engine.
type Metrics struct {
	// --- Engine ---
	OrdersTotal      *prometheus.CounterVec
	OrdersRejected   *prometheus.CounterVec
	EngineOpDuration *prometheus.HistogramVec
	EngineSequence   prometheus.Gauge
	OpenPositions    prometheus.Gauge
	PendingOrders    prometheus.Gauge

	// --- Vault risk ---
	VaultBalance      *prometheus.GaugeVec
	VaultOpenInterest *prometheus.GaugeVec
	DrawdownBreaches  *prometheus.CounterVec
	Liquidations      *prometheus.CounterVec
	Settlements       *prometheus.CounterVec
	ExpiredOrders     *prometheus.CounterVec

	// --- Oracle ---
	PriceUpdates     *prometheus.CounterVec
	StalePriceErrors *prometheus.CounterVec

	// --- Persistence ---
	PersistEventsWritten prometheus.Counter
	PersistBatchDur      prometheus.Histogram
	PersistErrors        *prometheus.CounterVec
	PersistLastSequence  prometheus.Gauge

	// --- Publishing ---
	EventsPublished *prometheus.CounterVec
	PublishErrors   prometheus.Counter

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	opBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		OrdersTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_orders_total",
			Help: "Orders processed by the engine",
		}, []string{"op"}),

		OrdersRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_orders_rejected_total",
			Help: "Orders rejected by validation or risk checks",
		}, []string{"op", "reason"}),

		EngineOpDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vault_engine_op_duration_seconds",
			Help:    "Time to execute one engine operation",
			Buckets: opBuckets,
		}, []string{"op"}),

		EngineSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_engine_sequence",
			Help: "Current global event sequence number",
		}),

		OpenPositions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_open_positions",
			Help: "Live positions in the arena",
		}),

		PendingOrders: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_pending_orders",
			Help: "Positions awaiting price settlement",
		}),

		VaultBalance: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vault_balance",
			Help: "Vault pool balance in base units",
		}, []string{"vault_id"}),

		VaultOpenInterest: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vault_open_interest",
			Help: "Reserved open interest per vault in base units",
		}, []string{"vault_id"}),

		DrawdownBreaches: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_drawdown_breaches_total",
			Help: "Orders rejected by the daily loss breaker",
		}, []string{"vault_id"}),

		Liquidations: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_liquidations_total",
			Help: "Positions liquidated",
		}, []string{"vault_id"}),

		Settlements: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_settlements_total",
			Help: "Pending orders settled at confirmed prices",
		}, []string{"vault_id"}),

		ExpiredOrders: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_expired_orders_total",
			Help: "Pending orders refunded after the settlement grace window",
		}, []string{"vault_id"}),

		PriceUpdates: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_price_updates_total",
			Help: "Oracle quotes accepted into the price store",
		}, []string{"feed"}),

		StalePriceErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_stale_price_errors_total",
			Help: "Operations refused because the quote was too old",
		}, []string{"feed"}),

		PersistEventsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_persist_events_written_total",
			Help: "Events written to Postgres",
		}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "vault_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistLastSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		EventsPublished: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_events_published_total",
			Help: "Events published to NATS",
		}, []string{"event_type"}),

		PublishErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_publish_errors_total",
			Help: "NATS publish failures",
		}),

		QueryRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vault_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),
	}
}
