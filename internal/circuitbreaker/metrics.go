package circuitbreaker

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	circuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "boardsync_circuit_breaker_state",
			Help: "Current state of a circuit breaker (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name", "service"},
	)

	circuitBreakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "boardsync_circuit_breaker_requests_total",
			Help: "Total number of calls admitted through a circuit breaker",
		},
		[]string{"name", "service", "state", "result"},
	)

	circuitBreakerFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "boardsync_circuit_breaker_failures_total",
			Help: "Total number of failed calls recorded by a circuit breaker",
		},
		[]string{"name", "service"},
	)

	circuitBreakerStateChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "boardsync_circuit_breaker_state_changes_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"name", "service", "from_state", "to_state"},
	)

	circuitBreakerOpenSince = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "boardsync_circuit_breaker_open_since_seconds",
			Help: "Unix timestamp when the breaker last entered open state (0 if not open)",
		},
		[]string{"name", "service"},
	)
)

// MetricsCollector exports Prometheus metrics for the process's circuit
// breakers. This service only ever wraps one dependency (Redis), so a
// single collector instance tracks a single named/serviced breaker rather
// than a pool — the name/service labels exist so the series is keyed the
// same way a second breaker would be if one were ever added.
type MetricsCollector struct {
	mu      sync.Mutex
	name    string
	service string
	breaker *CircuitBreaker
}

// NewMetricsCollector creates an empty collector; RegisterCircuitBreaker
// attaches the breaker it should track.
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{}
}

// RegisterCircuitBreaker wires cb's state-change callback into the exported
// metrics, chaining any callback cb already had (the breaker still logs its
// own transitions independently of this).
func (mc *MetricsCollector) RegisterCircuitBreaker(name, service string, cb *CircuitBreaker) {
	mc.mu.Lock()
	mc.name, mc.service, mc.breaker = name, service, cb
	mc.mu.Unlock()

	prior := cb.config.OnStateChange
	cb.config.OnStateChange = func(cbName string, from, to State) {
		if prior != nil {
			prior(cbName, from, to)
		}

		circuitBreakerStateChanges.WithLabelValues(name, service, from.String(), to.String()).Inc()
		circuitBreakerState.WithLabelValues(name, service).Set(float64(to))

		switch {
		case to == StateOpen:
			circuitBreakerOpenSince.WithLabelValues(name, service).SetToCurrentTime()
		case from == StateOpen:
			circuitBreakerOpenSince.WithLabelValues(name, service).Set(0)
		}
	}

	circuitBreakerState.WithLabelValues(name, service).Set(float64(cb.State()))
}

// RecordRequest tallies one completed call's outcome.
func (mc *MetricsCollector) RecordRequest(name, service string, state State, success bool) {
	result := "success"
	if !success {
		result = "failure"
		circuitBreakerFailures.WithLabelValues(name, service).Inc()
	}
	circuitBreakerRequests.WithLabelValues(name, service, state.String(), result).Inc()
}

// GlobalMetricsCollector is the process-wide collector; RedisWrapper
// registers its breaker here at construction.
var GlobalMetricsCollector = NewMetricsCollector()
