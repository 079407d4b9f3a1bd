// Package metrics provides Prometheus metrics for the fleetcheck client.
package metrics

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "fleetcheck"

// Label values for outcome counters.
const (
	OutcomeSuccess = "success"
	OutcomeQueued  = "queued"
	OutcomeFailed  = "failed"
	OutcomeLocked  = "locked"

	CacheFresh = "fresh"
	CacheStale = "stale"
	CacheMiss  = "miss"
)

// PrometheusMetrics holds the client's collectors. A nil *PrometheusMetrics
// is valid and records nothing.
type PrometheusMetrics struct {
	QueueDepth            prometheus.Gauge
	FlushCounter          *prometheus.CounterVec
	FlushedSubmissions    prometheus.Counter
	SubmissionCounter     *prometheus.CounterVec
	CacheLookups          *prometheus.CounterVec
	CacheRefreshDuration  *prometheus.HistogramVec
	VisibleNotifications  prometheus.Gauge
	NotificationPushes    *prometheus.CounterVec
	SessionExpiries       *prometheus.CounterVec
	ServerReachable       prometheus.Gauge
	RemoteRequestDuration *prometheus.HistogramVec
}

// NewPrometheusMetrics creates the collectors and registers them with reg.
func NewPrometheusMetrics(reg prometheus.Registerer) (*PrometheusMetrics, error) {
	m := &PrometheusMetrics{
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Submissions waiting in the offline queue.",
		}),
		FlushCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_flushes_total",
			Help:      "Offline queue flushes by outcome.",
		}, []string{"outcome"}),
		FlushedSubmissions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_flushed_submissions_total",
			Help:      "Queued submissions delivered by a flush.",
		}),
		SubmissionCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Inspection submissions by module and outcome.",
		}, []string{"module", "outcome"}),
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "History cache lookups by result.",
		}, []string{"result"}),
		CacheRefreshDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cache_refresh_duration_seconds",
			Help:      "Time taken to refresh a cache entry from the endpoint.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		VisibleNotifications: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "notifications_visible",
			Help:      "Notifications in the current feed.",
		}),
		NotificationPushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notification_pushes_total",
			Help:      "New-item pushes by notification type.",
		}, []string{"type"}),
		SessionExpiries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_expiries_total",
			Help:      "Forced logouts by reason.",
		}, []string{"reason"}),
		ServerReachable: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "endpoint_reachable",
			Help:      "1 when the last connectivity check reached the endpoint.",
		}),
		RemoteRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "endpoint_request_duration_seconds",
			Help:      "Endpoint request latency by operation.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15, 30},
		}, []string{"operation"}),
	}

	collectors := []prometheus.Collector{
		m.QueueDepth,
		m.FlushCounter,
		m.FlushedSubmissions,
		m.SubmissionCounter,
		m.CacheLookups,
		m.CacheRefreshDuration,
		m.VisibleNotifications,
		m.NotificationPushes,
		m.SessionExpiries,
		m.ServerReachable,
		m.RemoteRequestDuration,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				return nil, fmt.Errorf("metrics already registered: %w", err)
			}
			return nil, fmt.Errorf("register metric: %w", err)
		}
	}
	return m, nil
}

// SetQueueDepth records the number of queued submissions.
func (m *PrometheusMetrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

// RecordFlush records a flush outcome and how many entries it delivered.
func (m *PrometheusMetrics) RecordFlush(outcome string, sent int) {
	if m == nil {
		return
	}
	m.FlushCounter.WithLabelValues(outcome).Inc()
	if sent > 0 {
		m.FlushedSubmissions.Add(float64(sent))
	}
}

// RecordSubmission counts one inspection submission.
func (m *PrometheusMetrics) RecordSubmission(module, outcome string) {
	if m == nil {
		return
	}
	m.SubmissionCounter.WithLabelValues(module, outcome).Inc()
}

// RecordCacheLookup counts one cache lookup by result.
func (m *PrometheusMetrics) RecordCacheLookup(result string) {
	if m == nil {
		return
	}
	m.CacheLookups.WithLabelValues(result).Inc()
}

// ObserveCacheRefresh records the duration of a cache refresh.
func (m *PrometheusMetrics) ObserveCacheRefresh(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.CacheRefreshDuration.WithLabelValues(outcome).Observe(seconds)
}

// SetVisibleNotifications records the size of the notification feed.
func (m *PrometheusMetrics) SetVisibleNotifications(n int) {
	if m == nil {
		return
	}
	m.VisibleNotifications.Set(float64(n))
}

// RecordNotificationPush counts one push by notification type.
func (m *PrometheusMetrics) RecordNotificationPush(typ string) {
	if m == nil {
		return
	}
	m.NotificationPushes.WithLabelValues(typ).Inc()
}

// RecordSessionExpiry counts one forced logout.
func (m *PrometheusMetrics) RecordSessionExpiry(reason string) {
	if m == nil {
		return
	}
	m.SessionExpiries.WithLabelValues(reason).Inc()
}

// SetServerReachable records the last connectivity check result.
func (m *PrometheusMetrics) SetServerReachable(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.ServerReachable.Set(1)
		return
	}
	m.ServerReachable.Set(0)
}

// ObserveRemoteRequest records endpoint latency for an operation.
func (m *PrometheusMetrics) ObserveRemoteRequest(operation string, seconds float64) {
	if m == nil {
		return
	}
	m.RemoteRequestDuration.WithLabelValues(operation).Observe(seconds)
}
