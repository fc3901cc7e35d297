package observability

import (
	"math/big"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for SimpleBet.
type Metrics struct {
	// --- Engine ---
	CallsTotal     *prometheus.CounterVec
	CallDuration   *prometheus.HistogramVec
	StateSequence  prometheus.Gauge
	StateHashDur   prometheus.Histogram
	Continuations  prometheus.Gauge
	ResolveRetries prometheus.Counter
	TransferErrors *prometheus.CounterVec

	// --- Bets ---
	BetsTotal        *prometheus.CounterVec
	BetResults       *prometheus.CounterVec
	PoolBalance      prometheus.Gauge
	PendingTickets   prometheus.Gauge
	EntropyRefreshes prometheus.Counter
	EntropyRemaining prometheus.Gauge
	EventsEvicted    prometheus.Counter

	// --- Channel & Backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ChannelUtilization  *prometheus.GaugeVec
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Persistence ---
	PersistEventsWritten  prometheus.Counter
	PersistEntriesWritten prometheus.Counter
	PersistBatchSize      prometheus.Histogram
	PersistBatchDur       prometheus.Histogram
	PersistErrors         *prometheus.CounterVec
	PersistLastSequence   prometheus.Gauge

	// --- Publishing ---
	Published     *prometheus.CounterVec
	PublishErrors *prometheus.CounterVec

	// --- API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all metrics with reg.
// Pass prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	latencyBuckets := []float64{
		0.00001, 0.000025, 0.00005, 0.0001, 0.00025,
		0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1,
	}

	return &Metrics{
		// Engine
		CallsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "simplebet_engine_calls_total",
			Help: "Contract calls executed by the engine",
		}, []string{"op", "status"}),

		CallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "simplebet_engine_call_duration_seconds",
			Help:    "Load, mutate and store time for a single call",
			Buckets: latencyBuckets,
		}, []string{"op"}),

		StateSequence: factory.NewGauge(prometheus.GaugeOpts{
			Name: "simplebet_state_sequence",
			Help: "Sequence of the latest committed state record",
		}),

		StateHashDur: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "simplebet_state_hash_duration_seconds",
			Help:    "Time to compute state hash",
			Buckets: latencyBuckets,
		}),

		Continuations: factory.NewGauge(prometheus.GaugeOpts{
			Name: "simplebet_engine_continuations",
			Help: "Resolutions queued behind the current call",
		}),

		ResolveRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "simplebet_resolve_retries_total",
			Help: "Resolutions re-queued after a failed attempt",
		}),

		TransferErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "simplebet_transfer_errors_total",
			Help: "Host transfers that failed after commit",
		}, []string{"memo"}),

		// Bets
		BetsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "simplebet_bets_total",
			Help: "Bets by terminal or intermediate phase",
		}, []string{"phase"}),

		BetResults: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "simplebet_bet_results_total",
			Help: "Resolved bets by result",
		}, []string{"result"}),

		PoolBalance: factory.NewGauge(prometheus.GaugeOpts{
			Name: "simplebet_pool_balance",
			Help: "Current pool balance (approximate for values above 2^53)",
		}),

		PendingTickets: factory.NewGauge(prometheus.GaugeOpts{
			Name: "simplebet_pending_tickets",
			Help: "Accepted bets awaiting resolution",
		}),

		EntropyRefreshes: factory.NewCounter(prometheus.CounterOpts{
			Name: "simplebet_entropy_refreshes_total",
			Help: "Seed replacements on block change",
		}),

		EntropyRemaining: factory.NewGauge(prometheus.GaugeOpts{
			Name: "simplebet_entropy_remaining_bytes",
			Help: "Unconsumed bytes of the current block seed",
		}),

		EventsEvicted: factory.NewCounter(prometheus.CounterOpts{
			Name: "simplebet_events_evicted_total",
			Help: "Events evicted from the recent history",
		}),

		// Channel & Backpressure
		ChannelSize: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "simplebet_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "simplebet_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "simplebet_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		PublishDrops: factory.NewCounter(prometheus.CounterOpts{
			Name: "simplebet_publish_drops_total",
			Help: "Events dropped due to full publish channel",
		}),

		PersistBackpressure: factory.NewCounter(prometheus.CounterOpts{
			Name: "simplebet_persist_backpressure_total",
			Help: "Times the engine blocked on the persist channel",
		}),

		// Persistence
		PersistEventsWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "simplebet_persist_events_written_total",
			Help: "Bet events written to Postgres",
		}),

		PersistEntriesWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "simplebet_persist_entries_written_total",
			Help: "Ledger entries written to Postgres",
		}),

		PersistBatchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "simplebet_persist_batch_size",
			Help:    "Outputs per write batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "simplebet_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "simplebet_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistLastSequence: factory.NewGauge(prometheus.GaugeOpts{
			Name: "simplebet_persist_last_sequence",
			Help: "Last persisted state sequence",
		}),

		// Publishing
		Published: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "simplebet_events_published_total",
			Help: "Bet events published per sink",
		}, []string{"sink"}),

		PublishErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "simplebet_publish_errors_total",
			Help: "Publish failures per sink",
		}, []string{"sink"}),

		// API
		QueryRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "simplebet_api_requests_total",
			Help: "API requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "simplebet_api_request_duration_seconds",
			Help:    "API latency",
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

// SetBigGauge sets g from an arbitrary-precision integer.
func SetBigGauge(g prometheus.Gauge, v *big.Int) {
	f, _ := new(big.Float).SetInt(v).Float64()
	g.Set(f)
}
