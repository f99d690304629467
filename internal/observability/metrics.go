package observability

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kjstillabower/model-scoring-service/internal/overload"
)

var (
	registry *prometheus.Registry

	// HTTP request rate. Watch for: sudden drops (service down) or spikes (traffic surge).
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTP request latency per request. Watch for: p95/p99 latency increases, SLO breaches.
	HTTPRequestDuration *prometheus.HistogramVec

	// Concurrent requests in flight. Watch for: saturation, capacity limits.
	HTTPRequestsInFlight prometheus.Gauge

	// Prediction rows produced. rate() gives scoring throughput.
	PredictionsTotal prometheus.Counter

	// Matrix scoring latency per predict call. Watch for: p95 growth as matrices widen.
	PredictionDurationSeconds prometheus.Histogram

	// Predict calls served from stored predictions without loading the model.
	PredictionsReusedTotal prometheus.Counter

	// Failed prediction writes after retries. Any nonzero rate needs attention.
	PredictionWriteErrorsTotal prometheus.Counter

	// Evaluate calls by matrix type (train/test).
	EvaluationsTotal *prometheus.CounterVec

	// Evaluation latency per evaluate call, metric computation plus write.
	EvaluationDurationSeconds prometheus.Histogram

	// Failed evaluation writes after retries.
	EvaluationWriteErrorsTotal prometheus.Counter

	// Model artifact loads through the storage engine (cache hits included).
	ModelLoadsTotal prometheus.Counter

	// Model warming runs, failures, and duration.
	ModelWarmingTotal           prometheus.Counter
	ModelWarmingErrorsTotal     prometheus.Counter
	ModelWarmingDurationSeconds prometheus.Histogram

	// Total scoring requests. Watch for: traffic volume, rate() for QPS.
	ScoringRequestsTotal prometheus.Counter

	// Per-model scoring count (allow-list; others go to "other").
	ScoringRequestsByModelTotal *prometheus.CounterVec

	// Concurrent predict calls coalesced onto one in-flight computation.
	ScoringCoalescedTotal *prometheus.CounterVec

	// Wait time for coalesced predict calls.
	ScoringCoalesceWaitSeconds prometheus.Histogram

	// Failed predict/evaluate calls by error category. Watch for: which
	// failure mode dominates (model_not_found vs storage vs timeout).
	ScoringErrorsTotal *prometheus.CounterVec

	// Concurrent duplicate scoring of the same matrix detected.
	DuplicateScoringDetectedTotal *prometheus.CounterVec

	// Concurrency observed when duplicate scoring was detected.
	DuplicateScoringConcurrency *prometheus.HistogramVec

	// Rate limit denials. Watch for: overload, capacity exceeded.
	RateLimitDeniedTotal prometheus.Counter

	// Circuit breaker state transitions and current state per component.
	CircuitBreakerTransitionsTotal *prometheus.CounterVec
	CircuitBreakerState            *prometheus.GaugeVec

	// In-flight requests observed at shutdown.
	ShutdownInFlightRequests prometheus.Gauge

	// trackedModels is built from config; used to resolve model IDs for metrics.
	trackedModelsMu sync.RWMutex
	trackedModels   map[string]struct{}

	rateLimitGaugesOnce sync.Once
)

func init() {
	registry = prometheus.NewRegistry()

	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpRequestsTotal",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "statusCode"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "httpRequestDurationSeconds",
			Help:    "HTTP request latency in seconds (per request)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "httpRequestsInFlight",
			Help: "Number of HTTP requests currently being served",
		},
	)
	PredictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "predictionsTotal",
			Help: "Total number of prediction rows produced",
		},
	)
	PredictionDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "predictionDurationSeconds",
			Help:    "Matrix scoring latency in seconds (per predict call)",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)
	PredictionsReusedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "predictionsReusedTotal",
			Help: "Predict calls served from stored predictions without loading the model",
		},
	)
	PredictionWriteErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "predictionWriteErrorsTotal",
			Help: "Prediction writes that failed after retries",
		},
	)
	EvaluationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evaluationsTotal",
			Help: "Total number of evaluate calls",
		},
		[]string{"matrixType"},
	)
	EvaluationDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "evaluationDurationSeconds",
			Help:    "Evaluation latency in seconds (metric computation plus write)",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)
	EvaluationWriteErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "evaluationWriteErrorsTotal",
			Help: "Evaluation writes that failed after retries",
		},
	)
	ModelLoadsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "modelLoadsTotal",
			Help: "Model artifact loads through the storage engine",
		},
	)
	ModelWarmingTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "modelWarmingTotal",
			Help: "Model warming runs",
		},
	)
	ModelWarmingErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "modelWarmingErrorsTotal",
			Help: "Model warming runs that had at least one failure",
		},
	)
	ModelWarmingDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "modelWarmingDurationSeconds",
			Help:    "Model warming duration in seconds",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30},
		},
	)
	ScoringRequestsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scoringRequestsTotal",
			Help: "Total number of scoring requests",
		},
	)
	ScoringRequestsByModelTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scoringRequestsByModelTotal",
			Help: "Scoring requests by model (allow-list; others use model=other)",
		},
		[]string{"model"},
	)
	ScoringCoalescedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scoringCoalescedTotal",
			Help: "Predict calls that waited on an identical in-flight computation",
		},
		[]string{"model"},
	)
	ScoringCoalesceWaitSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scoringCoalesceWaitSeconds",
			Help:    "Wait time for coalesced predict calls in seconds",
			Buckets: []float64{.001, .01, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)
	ScoringErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scoringErrorsTotal",
			Help: "Failed predict and evaluate calls by error category",
		},
		[]string{"category"},
	)
	DuplicateScoringDetectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duplicateScoringDetectedTotal",
			Help: "Concurrent duplicate scoring of the same matrix detected",
		},
		[]string{"model"},
	)
	DuplicateScoringConcurrency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "duplicateScoringConcurrency",
			Help:    "Concurrency observed when duplicate scoring was detected",
			Buckets: []float64{2, 3, 5, 10, 20, 50},
		},
		[]string{"model"},
	)
	RateLimitDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rateLimitDeniedTotal",
			Help: "Total number of requests denied by rate limiter (429)",
		},
	)
	CircuitBreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuitBreakerTransitionsTotal",
			Help: "Circuit breaker state transitions",
		},
		[]string{"component", "from", "to"},
	)
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuitBreakerState",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half_open)",
		},
		[]string{"component"},
	)
	ShutdownInFlightRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shutdownInFlightRequests",
			Help: "In-flight requests observed when shutdown began",
		},
	)

	registry.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight,
		PredictionsTotal, PredictionDurationSeconds, PredictionsReusedTotal, PredictionWriteErrorsTotal,
		EvaluationsTotal, EvaluationDurationSeconds, EvaluationWriteErrorsTotal,
		ModelLoadsTotal, ModelWarmingTotal, ModelWarmingErrorsTotal, ModelWarmingDurationSeconds,
		ScoringRequestsTotal, ScoringRequestsByModelTotal,
		ScoringCoalescedTotal, ScoringCoalesceWaitSeconds, ScoringErrorsTotal,
		DuplicateScoringDetectedTotal, DuplicateScoringConcurrency,
		RateLimitDeniedTotal,
		CircuitBreakerTransitionsTotal, CircuitBreakerState,
		ShutdownInFlightRequests,
	)
}

// RegisterRateLimitGauges registers load and rejects gauges for the rate-limited path.
// Call from main after config load with cfg.OverloadWindow. Uses same window as lifecycle.
func RegisterRateLimitGauges(window time.Duration) {
	rateLimitGaugesOnce.Do(func() {
		registry.MustRegister(
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "rateLimitRequestsInWindow",
					Help: "Requests hitting rate-limited path in sliding window; load/capacity planning",
				},
				func() float64 { return float64(overload.RequestCount(window)) },
			),
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "rateLimitRejectsInWindow",
					Help: "429 responses in sliding window; are we rejecting requests",
				},
				func() float64 { return float64(overload.DenialCount(window)) },
			),
		)
	})
}

// SetTrackedModels sets the allow-list for per-model metrics. Non-tracked models increment "other".
func SetTrackedModels(modelIDs []string) {
	trackedModelsMu.Lock()
	defer trackedModelsMu.Unlock()
	trackedModels = make(map[string]struct{}, len(modelIDs))
	for _, id := range modelIDs {
		trackedModels[normalizeModelForMetrics(id)] = struct{}{}
	}
}

// MetricModelLabel resolves a model ID to its metric label: the ID itself
// when tracked, "other" otherwise. Keeps label cardinality bounded.
func MetricModelLabel(modelID string) string {
	id := normalizeModelForMetrics(modelID)
	trackedModelsMu.RLock()
	_, ok := trackedModels[id] // nil map read is safe in Go
	trackedModelsMu.RUnlock()
	if ok {
		return id
	}
	return "other"
}

// RecordScoringRequest records a scoring request for the given model.
func RecordScoringRequest(modelID string) {
	ScoringRequestsTotal.Inc()
	ScoringRequestsByModelTotal.WithLabelValues(MetricModelLabel(modelID)).Inc()
}

// RecordCircuitBreakerTransition records a state change for a component breaker.
func RecordCircuitBreakerTransition(component, from, to string) {
	CircuitBreakerTransitionsTotal.WithLabelValues(component, from, to).Inc()
}

// SetCircuitBreakerStateGauge sets the current state gauge for a component breaker.
func SetCircuitBreakerStateGauge(component string, state float64) {
	CircuitBreakerState.WithLabelValues(component).Set(state)
}

// CircuitBreakerStateValue maps a circuit breaker state enum to its gauge value.
func CircuitBreakerStateValue(state int) float64 {
	return float64(state)
}

// RecordShutdownInFlight records how many requests were in flight when shutdown began.
func RecordShutdownInFlight(count int64) {
	ShutdownInFlightRequests.Set(float64(count))
}

func normalizeModelForMetrics(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
