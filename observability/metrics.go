package observability

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ChainMetrics tracks the block lifecycle: finalized heights, transaction
// outcomes and the time the state machine spends producing a block.
type ChainMetrics struct {
	blockHeight      prometheus.Gauge
	transactions     *prometheus.CounterVec
	finalizeDuration prometheus.Histogram
	stateWrites      prometheus.Counter
	rewardsPaid      prometheus.Counter
}

// RPCMetrics tracks the JSON-RPC surface.
type RPCMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
	wsClients prometheus.Gauge
}

// ServiceMetrics tracks the chain data service writer and API.
type ServiceMetrics struct {
	blocksIndexed prometheus.Counter
	rowsWritten   *prometheus.CounterVec
	writeFailures prometheus.Counter
	apiRequests   *prometheus.CounterVec
}

var (
	chainMetricsOnce sync.Once
	chainRegistry    *ChainMetrics

	rpcMetricsOnce sync.Once
	rpcRegistry    *RPCMetrics

	serviceMetricsOnce sync.Once
	serviceRegistry    *ServiceMetrics
)

// Chain returns the lazily-initialised block lifecycle metrics registry.
func Chain() *ChainMetrics {
	chainMetricsOnce.Do(func() {
		chainRegistry = &ChainMetrics{
			blockHeight: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "xian",
				Subsystem: "chain",
				Name:      "block_height",
				Help:      "Height of the most recently committed block.",
			}),
			transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "xian",
				Subsystem: "chain",
				Name:      "transactions_total",
				Help:      "Finalized transactions segmented by outcome.",
			}, []string{"outcome"}),
			finalizeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "xian",
				Subsystem: "chain",
				Name:      "finalize_duration_seconds",
				Help:      "Wall time spent inside finalize_block.",
				Buckets:   prometheus.DefBuckets,
			}),
			stateWrites: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "xian",
				Subsystem: "chain",
				Name:      "state_writes_total",
				Help:      "State entries written by finalized transactions and patches.",
			}),
			rewardsPaid: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "xian",
				Subsystem: "chain",
				Name:      "reward_entries_total",
				Help:      "Reward ledger entries credited at finalize time.",
			}),
		}
		prometheus.MustRegister(
			chainRegistry.blockHeight,
			chainRegistry.transactions,
			chainRegistry.finalizeDuration,
			chainRegistry.stateWrites,
			chainRegistry.rewardsPaid,
		)
	})
	return chainRegistry
}

// ObserveBlock records one committed block.
func (m *ChainMetrics) ObserveBlock(height int64, okTxs, failedTxs, writes, rewards int, finalizeSeconds float64) {
	if m == nil {
		return
	}
	m.blockHeight.Set(float64(height))
	if okTxs > 0 {
		m.transactions.WithLabelValues("ok").Add(float64(okTxs))
	}
	if failedTxs > 0 {
		m.transactions.WithLabelValues("failed").Add(float64(failedTxs))
	}
	if writes > 0 {
		m.stateWrites.Add(float64(writes))
	}
	if rewards > 0 {
		m.rewardsPaid.Add(float64(rewards))
	}
	if finalizeSeconds > 0 {
		m.finalizeDuration.Observe(finalizeSeconds)
	}
}

// RPC returns the lazily-initialised JSON-RPC metrics registry.
func RPC() *RPCMetrics {
	rpcMetricsOnce.Do(func() {
		rpcRegistry = &RPCMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "xian",
				Subsystem: "rpc",
				Name:      "requests_total",
				Help:      "Total JSON-RPC requests segmented by method and outcome.",
			}, []string{"method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "xian",
				Subsystem: "rpc",
				Name:      "errors_total",
				Help:      "Total JSON-RPC errors segmented by method and error code.",
			}, []string{"method", "code"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "xian",
				Subsystem: "rpc",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for JSON-RPC handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "xian",
				Subsystem: "rpc",
				Name:      "throttles_total",
				Help:      "Requests rejected by rate limiting or replay protection.",
			}, []string{"reason"}),
			wsClients: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "xian",
				Subsystem: "rpc",
				Name:      "ws_clients",
				Help:      "Currently connected websocket subscribers.",
			}),
		}
		prometheus.MustRegister(
			rpcRegistry.requests,
			rpcRegistry.errors,
			rpcRegistry.latency,
			rpcRegistry.throttles,
			rpcRegistry.wsClients,
		)
	})
	return rpcRegistry
}

// Observe records the outcome of one JSON-RPC request. code is the JSON-RPC
// error code, zero for success.
func (m *RPCMetrics) Observe(method string, code int, duration time.Duration) {
	if m == nil {
		return
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if code != 0 {
		outcome = "error"
		m.errors.WithLabelValues(method, fmt.Sprintf("%d", code)).Inc()
	}
	m.requests.WithLabelValues(method, outcome).Inc()
	m.latency.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter. Reasons should be stable
// strings such as "rate_limit" or "duplicate_tx" so dashboards and alerts
// remain consistent.
func (m *RPCMetrics) RecordThrottle(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(reason).Inc()
}

// WSConnected tracks a websocket subscriber for the lifetime of done.
func (m *RPCMetrics) WSConnected() (done func()) {
	if m == nil {
		return func() {}
	}
	m.wsClients.Inc()
	return func() { m.wsClients.Dec() }
}

// Service returns the lazily-initialised chain data service metrics registry.
func Service() *ServiceMetrics {
	serviceMetricsOnce.Do(func() {
		serviceRegistry = &ServiceMetrics{
			blocksIndexed: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "xian",
				Subsystem: "cds",
				Name:      "blocks_indexed_total",
				Help:      "Committed blocks persisted by the chain data service.",
			}),
			rowsWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "xian",
				Subsystem: "cds",
				Name:      "rows_written_total",
				Help:      "Rows written per table by the chain data service.",
			}, []string{"table"}),
			writeFailures: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "xian",
				Subsystem: "cds",
				Name:      "write_failures_total",
				Help:      "Failed block persistence attempts.",
			}),
			apiRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "xian",
				Subsystem: "cds",
				Name:      "api_requests_total",
				Help:      "Chain data service API requests segmented by route and status.",
			}, []string{"route", "status"}),
		}
		prometheus.MustRegister(
			serviceRegistry.blocksIndexed,
			serviceRegistry.rowsWritten,
			serviceRegistry.writeFailures,
			serviceRegistry.apiRequests,
		)
	})
	return serviceRegistry
}

// ObserveIndexedBlock records one persisted block and its row counts.
func (m *ServiceMetrics) ObserveIndexedBlock(rows map[string]int) {
	if m == nil {
		return
	}
	m.blocksIndexed.Inc()
	for table, count := range rows {
		if count > 0 {
			m.rowsWritten.WithLabelValues(table).Add(float64(count))
		}
	}
}

// RecordWriteFailure counts a block the writer could not persist.
func (m *ServiceMetrics) RecordWriteFailure() {
	if m == nil {
		return
	}
	m.writeFailures.Inc()
}

// ObserveAPIRequest records one chain data service API request.
func (m *ServiceMetrics) ObserveAPIRequest(route string, status int) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	m.apiRequests.WithLabelValues(route, fmt.Sprintf("%d", status)).Inc()
}
