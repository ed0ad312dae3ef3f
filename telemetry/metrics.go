// Package telemetry provides Prometheus metrics, tracing, error reporting and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	PollCycles        *prometheus.CounterVec
	PlatformRequests  *prometheus.CounterVec
	FeedFrames        *prometheus.CounterVec
	FeedAuthErrors    prometheus.Counter
	BufferFlushedRows *prometheus.CounterVec
	BufferDroppedRows *prometheus.CounterVec
	BufferSpilledRows prometheus.Counter
	AuthAcquisitions  *prometheus.CounterVec
	TriggerOutcomes   *prometheus.CounterVec
	EvaluatorFailures *prometheus.CounterVec

	// Histograms (seconds)
	BufferFlushDuration prometheus.Observer
	AuthAcquireDuration prometheus.Observer

	// Gauges
	FeedConnectedGauge prometheus.Gauge
	BufferDepthGauge   prometheus.Gauge
	AuthRemainingGauge prometheus.Gauge
	SessionOnlineGauge prometheus.Gauge
	ViewerCountGauge   prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		PollCycles = promauto.NewCounterVec(prometheus.CounterOpts{Name: "castwatch_poll_cycles_total", Help: "Poll cycles run, by kind (status, viewers)"}, []string{"kind"})
		PlatformRequests = promauto.NewCounterVec(prometheus.CounterOpts{Name: "castwatch_platform_requests_total", Help: "Platform REST requests by endpoint and outcome"}, []string{"endpoint", "outcome"})
		FeedFrames = promauto.NewCounterVec(prometheus.CounterOpts{Name: "castwatch_feed_frames_total", Help: "Feed frames received by kind"}, []string{"kind"})
		FeedAuthErrors = promauto.NewCounter(prometheus.CounterOpts{Name: "castwatch_feed_auth_errors_total", Help: "Feed auth errors signalled to the owner"})
		BufferFlushedRows = promauto.NewCounterVec(prometheus.CounterOpts{Name: "castwatch_buffer_flushed_rows_total", Help: "Rows written by the persistence buffer"}, []string{"table"})
		BufferDroppedRows = promauto.NewCounterVec(prometheus.CounterOpts{Name: "castwatch_buffer_dropped_rows_total", Help: "Rows dropped past the re-enqueue ceiling"}, []string{"table"})
		BufferSpilledRows = promauto.NewCounter(prometheus.CounterOpts{Name: "castwatch_buffer_spilled_rows_total", Help: "Rows spilled to the local spill store"})
		AuthAcquisitions = promauto.NewCounterVec(prometheus.CounterOpts{Name: "castwatch_auth_acquisitions_total", Help: "Credential acquisition attempts by method and outcome"}, []string{"method", "outcome"})
		TriggerOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{Name: "castwatch_trigger_outcomes_total", Help: "Trigger evaluation outcomes by type and action"}, []string{"type", "action"})
		EvaluatorFailures = promauto.NewCounterVec(prometheus.CounterOpts{Name: "castwatch_trigger_evaluator_failures_total", Help: "Evaluator errors and panics by trigger type"}, []string{"type"})
		BufferFlushDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "castwatch_buffer_flush_duration_seconds", Help: "Buffer flush duration seconds", Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15}})
		AuthAcquireDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "castwatch_auth_acquire_duration_seconds", Help: "Credential acquisition duration seconds", Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120}})
		FeedConnectedGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "castwatch_feed_connected", Help: "Feed socket active=1"})
		BufferDepthGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "castwatch_buffer_depth", Help: "Rows currently buffered in memory"})
		AuthRemainingGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "castwatch_auth_remaining_seconds", Help: "Seconds until the held credential expires"})
		SessionOnlineGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "castwatch_session_online", Help: "Target online=1 offline=0"})
		ViewerCountGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "castwatch_viewer_count", Help: "Last polled viewer count"})
	})
}

// The helpers below are nil-safe so packages work in tests that never call Init.

// IncPoll counts one poll cycle of the given kind.
func IncPoll(kind string) {
	if PollCycles != nil {
		PollCycles.WithLabelValues(kind).Inc()
	}
}

// IncPlatformRequest counts a REST request outcome (ok, error, rate_limited, unauthorized, not_found).
func IncPlatformRequest(endpoint, outcome string) {
	if PlatformRequests != nil {
		PlatformRequests.WithLabelValues(endpoint, outcome).Inc()
	}
}

// IncFeedFrame counts a decoded feed frame.
func IncFeedFrame(kind string) {
	if FeedFrames != nil {
		FeedFrames.WithLabelValues(kind).Inc()
	}
}

// IncFeedAuthError counts an auth error signalled by the feed client.
func IncFeedAuthError() {
	if FeedAuthErrors != nil {
		FeedAuthErrors.Inc()
	}
}

// SetFeedConnected records socket state.
func SetFeedConnected(up bool) { setBool(FeedConnectedGauge, up) }

// SetSessionOnline records target state.
func SetSessionOnline(up bool) { setBool(SessionOnlineGauge, up) }

// SetViewerCount records the last polled viewer count.
func SetViewerCount(n int) {
	if ViewerCountGauge != nil {
		ViewerCountGauge.Set(float64(n))
	}
}

// SetBufferDepth records buffered row count.
func SetBufferDepth(n int) {
	if BufferDepthGauge != nil {
		BufferDepthGauge.Set(float64(n))
	}
}

// AddFlushedRows counts rows written to table.
func AddFlushedRows(table string, n int) {
	if BufferFlushedRows != nil {
		BufferFlushedRows.WithLabelValues(table).Add(float64(n))
	}
}

// AddDroppedRows counts rows dropped for table.
func AddDroppedRows(table string, n int) {
	if BufferDroppedRows != nil {
		BufferDroppedRows.WithLabelValues(table).Add(float64(n))
	}
}

// AddSpilledRows counts rows written to the spill store.
func AddSpilledRows(n int) {
	if BufferSpilledRows != nil {
		BufferSpilledRows.Add(float64(n))
	}
}

// IncAuthAcquisition counts one acquisition attempt.
func IncAuthAcquisition(method, outcome string) {
	if AuthAcquisitions != nil {
		AuthAcquisitions.WithLabelValues(method, outcome).Inc()
	}
}

// SetAuthRemaining records seconds left on the held credential.
func SetAuthRemaining(sec int) {
	if AuthRemainingGauge != nil {
		AuthRemainingGauge.Set(float64(sec))
	}
}

// IncTriggerOutcome counts an audit outcome.
func IncTriggerOutcome(triggerType, action string) {
	if TriggerOutcomes != nil {
		TriggerOutcomes.WithLabelValues(triggerType, action).Inc()
	}
}

// IncEvaluatorFailure counts an evaluator error or panic.
func IncEvaluatorFailure(triggerType string) {
	if EvaluatorFailures != nil {
		EvaluatorFailures.WithLabelValues(triggerType).Inc()
	}
}

func setBool(g prometheus.Gauge, v bool) {
	if g == nil {
		return
	}
	if v {
		g.Set(1)
	} else {
		g.Set(0)
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
