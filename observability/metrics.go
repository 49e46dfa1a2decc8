package observability

import (
	"fmt"
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type moduleMetrics struct {
	requests *prometheus.CounterVec
	errors   *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

type escrowMetrics struct {
	operations  *prometheus.CounterVec
	payouts     *prometheus.CounterVec
	payoutValue *prometheus.CounterVec
	vaultValue  *prometheus.GaugeVec
	locked      prometheus.Gauge
}

var (
	moduleMetricsOnce sync.Once
	moduleRegistry    *moduleMetrics

	escrowMetricsOnce sync.Once
	escrowRegistry    *escrowMetrics

	gatewayMetricsOnce sync.Once
	gatewayRegistry    *GatewayMetrics
)

// ModuleMetrics returns the lazily-initialised registry used to record
// JSON-RPC module activity.
func ModuleMetrics() *moduleMetrics {
	moduleMetricsOnce.Do(func() {
		moduleRegistry = &moduleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "module",
				Name:      "requests_total",
				Help:      "Total JSON-RPC module requests segmented by module and method.",
			}, []string{"module", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "module",
				Name:      "errors_total",
				Help:      "Total JSON-RPC module errors segmented by module, method, and status code.",
			}, []string{"module", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "escrow",
				Subsystem: "module",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for JSON-RPC module handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"module", "method"}),
		}
		prometheus.MustRegister(
			moduleRegistry.requests,
			moduleRegistry.errors,
			moduleRegistry.latency,
		)
	})
	return moduleRegistry
}

// Observe records the outcome of a module request. The status code should be
// the HTTP status that was ultimately written to the response writer.
func (m *moduleMetrics) Observe(module, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(module, method, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(module, method, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(module, method).Observe(duration.Seconds())
}

// Escrow returns the singleton registry tracking ledger-level escrow
// activity.
func Escrow() *escrowMetrics {
	escrowMetricsOnce.Do(func() {
		escrowRegistry = &escrowMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "engine",
				Name:      "operations_total",
				Help:      "Count of engine operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			payouts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "engine",
				Name:      "payouts_total",
				Help:      "Count of completed payouts segmented by token and path.",
			}, []string{"token", "path"}),
			payoutValue: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "engine",
				Name:      "payout_value_total",
				Help:      "Cumulative paid-out value in integer token units.",
			}, []string{"token", "path"}),
			vaultValue: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "escrow",
				Subsystem: "engine",
				Name:      "vault_value",
				Help:      "Aggregate vault value per token in integer units.",
			}, []string{"token"}),
			locked: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "escrow",
				Subsystem: "engine",
				Name:      "locked_instances",
				Help:      "Number of instances currently locked in dispute.",
			}),
		}
		prometheus.MustRegister(
			escrowRegistry.operations,
			escrowRegistry.payouts,
			escrowRegistry.payoutValue,
			escrowRegistry.vaultValue,
			escrowRegistry.locked,
		)
	})
	return escrowRegistry
}

// ObserveOperation records an engine operation outcome.
func (m *escrowMetrics) ObserveOperation(operation string, err error) {
	if m == nil {
		return
	}
	op := strings.TrimSpace(operation)
	if op == "" {
		op = "unknown"
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.operations.WithLabelValues(op, outcome).Inc()
}

// RecordPayout tracks a completed payout and its value.
func (m *escrowMetrics) RecordPayout(token, path string, amount *big.Int) {
	if m == nil {
		return
	}
	label := labelToken(token)
	m.payouts.WithLabelValues(label, path).Inc()
	m.payoutValue.WithLabelValues(label, path).Add(bigToFloat(amount))
}

// RecordVault updates the aggregate vault gauge for a token.
func (m *escrowMetrics) RecordVault(token string, value *big.Int) {
	if m == nil {
		return
	}
	m.vaultValue.WithLabelValues(labelToken(token)).Set(bigToFloat(value))
}

// SetLocked updates the locked-instance gauge.
func (m *escrowMetrics) SetLocked(count int) {
	if m == nil {
		return
	}
	if count < 0 {
		count = 0
	}
	m.locked.Set(float64(count))
}

// GatewayMetrics bundles collectors for the merchant REST facade.
type GatewayMetrics struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	replays  prometheus.Counter
}

// Gateway returns the singleton metrics registry for the gateway.
func Gateway() *GatewayMetrics {
	gatewayMetricsOnce.Do(func() {
		gatewayRegistry = &GatewayMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "gateway",
				Name:      "requests_total",
				Help:      "Count of gateway requests segmented by route and status.",
			}, []string{"route", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "escrow",
				Subsystem: "gateway",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for gateway routes.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route"}),
			replays: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "gateway",
				Name:      "idempotent_replays_total",
				Help:      "Count of requests answered from the idempotency store.",
			}),
		}
		prometheus.MustRegister(
			gatewayRegistry.requests,
			gatewayRegistry.latency,
			gatewayRegistry.replays,
		)
	})
	return gatewayRegistry
}

// Observe records a gateway request outcome.
func (m *GatewayMetrics) Observe(route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route = strings.TrimSpace(route); route == "" {
		route = "unknown"
	}
	m.requests.WithLabelValues(route, fmt.Sprintf("%d", status)).Inc()
	m.latency.WithLabelValues(route).Observe(duration.Seconds())
}

// RecordReplay counts an idempotent replay served without re-executing.
func (m *GatewayMetrics) RecordReplay() {
	if m == nil {
		return
	}
	m.replays.Inc()
}

func labelToken(token string) string {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return "UNKNOWN"
	}
	return strings.ToUpper(trimmed)
}

func bigToFloat(value *big.Int) float64 {
	if value == nil {
		return 0
	}
	floatVal, acc := new(big.Float).SetInt(value).Float64()
	if acc != big.Exact {
		// Guard against NaN/Inf when conversion fails.
		if math.IsNaN(floatVal) || math.IsInf(floatVal, 0) {
			return 0
		}
	}
	return floatVal
}
