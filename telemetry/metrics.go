// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	PollCycles           prometheus.Counter
	BatchFailures        *prometheus.CounterVec // kind=auth|provider|other
	ProviderRequests     *prometheus.CounterVec // endpoint, code
	Notifications        *prometheus.CounterVec // action=emit|edit|clear
	NotificationFailures *prometheus.CounterVec // reason=channel_unavailable|not_found|other

	// Histograms (seconds)
	PollCycleDuration prometheus.Observer
	PollBatchDuration prometheus.Observer

	// Gauges
	TrackedEntitiesGauge prometheus.Gauge
	LiveEntitiesGauge    prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		PollCycles = promauto.NewCounter(prometheus.CounterOpts{Name: "livewatch_poll_cycles_total", Help: "Number of completed poll cycles"})
		BatchFailures = promauto.NewCounterVec(prometheus.CounterOpts{Name: "livewatch_batch_failures_total", Help: "Poll batches skipped because of an error"}, []string{"kind"})
		ProviderRequests = promauto.NewCounterVec(prometheus.CounterOpts{Name: "livewatch_provider_requests_total", Help: "Helix requests by endpoint and status code (0 = transport error)"}, []string{"endpoint", "code"})
		Notifications = promauto.NewCounterVec(prometheus.CounterOpts{Name: "livewatch_notifications_total", Help: "Notification lifecycle actions performed"}, []string{"action"})
		NotificationFailures = promauto.NewCounterVec(prometheus.CounterOpts{Name: "livewatch_notification_failures_total", Help: "Notification actions that failed"}, []string{"reason"})
		PollCycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "livewatch_poll_cycle_duration_seconds", Help: "Poll cycle duration seconds", Buckets: prometheus.DefBuckets})
		PollBatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "livewatch_poll_batch_duration_seconds", Help: "Duration of one batch (provider lookup plus reconciliation)", Buckets: prometheus.DefBuckets})
		TrackedEntitiesGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "livewatch_tracked_entities", Help: "Tracked entities seen in the last cycle"})
		LiveEntitiesGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "livewatch_live_entities", Help: "Tracked entities live in the last cycle"})
	})
}

// ObserveProviderRequest counts one Helix request. Safe before Init (no-op).
func ObserveProviderRequest(endpoint string, code int) {
	if ProviderRequests != nil {
		ProviderRequests.WithLabelValues(endpoint, strconv.Itoa(code)).Inc()
	}
}

// CountNotification counts a successful notification action.
func CountNotification(action string) {
	if Notifications != nil {
		Notifications.WithLabelValues(action).Inc()
	}
}

// CountNotificationFailure counts a failed notification action.
func CountNotificationFailure(reason string) {
	if NotificationFailures != nil {
		NotificationFailures.WithLabelValues(reason).Inc()
	}
}

// CountBatchFailure counts a skipped poll batch.
func CountBatchFailure(kind string) {
	if BatchFailures != nil {
		BatchFailures.WithLabelValues(kind).Inc()
	}
}

// RecordCycle records a finished cycle and the entity gauges it observed.
func RecordCycle(d time.Duration, tracked, live int) {
	if PollCycles != nil {
		PollCycles.Inc()
	}
	if PollCycleDuration != nil {
		PollCycleDuration.Observe(d.Seconds())
	}
	if TrackedEntitiesGauge != nil {
		TrackedEntitiesGauge.Set(float64(tracked))
	}
	if LiveEntitiesGauge != nil {
		LiveEntitiesGauge.Set(float64(live))
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

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
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
