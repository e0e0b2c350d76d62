// Package metrics provides Prometheus instrumentation for paysign.
package metrics

import (
	"context"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "paysign"

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// SignaturesTotal counts outbound signatures by gateway and result.
	SignaturesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signatures_total",
			Help:      "Total outbound request signatures by gateway and result.",
		},
		[]string{"gateway", "result"},
	)

	// VerificationsTotal counts inbound signature checks.
	// result is one of valid, invalid, error.
	VerificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verifications_total",
			Help:      "Total signature verifications by gateway and result.",
		},
		[]string{"gateway", "result"},
	)

	// CertificateRefreshesTotal counts platform certificate refreshes.
	CertificateRefreshesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "certificate_refreshes_total",
			Help:      "Total platform certificate refreshes by gateway and result.",
		},
		[]string{"gateway", "result"},
	)

	// PlatformCertificates tracks cached platform certificates.
	PlatformCertificates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "platform_certificates",
			Help:      "Number of platform certificates currently cached.",
		},
		[]string{"gateway"},
	)

	// NotificationsTotal counts inbound notifications by outcome.
	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Total gateway notifications by gateway and result.",
		},
		[]string{"gateway", "result"},
	)

	// GatewayRequestDuration observes outbound gateway call latency,
	// retries included.
	GatewayRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gateway_request_duration_seconds",
			Help:      "Outbound gateway request duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"gateway", "result"},
	)

	// RetryAttemptsTotal counts retried attempts by operation.
	RetryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retry_attempts_total",
			Help:      "Total retried attempts by operation.",
		},
		[]string{"operation"},
	)

	// ForwardDeliveriesTotal counts deliveries to the business backend.
	ForwardDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forward_deliveries_total",
			Help:      "Total payment deliveries to the business backend by result.",
		},
		[]string{"result"},
	)

	// BreakerTransitionsTotal counts circuit breaker state changes.
	BreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_transitions_total",
			Help:      "Circuit breaker state transitions by target, from-state, and to-state.",
		},
		[]string{"target", "from", "to"},
	)

	// RateLimitedTotal counts requests refused by the rate limiter.
	RateLimitedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Total requests refused by the rate limiter by path pattern.",
		},
		[]string{"path"},
	)

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		SignaturesTotal,
		VerificationsTotal,
		CertificateRefreshesTotal,
		PlatformCertificates,
		NotificationsTotal,
		GatewayRequestDuration,
		RetryAttemptsTotal,
		ForwardDeliveriesTotal,
		BreakerTransitionsTotal,
		RateLimitedTotal,
		ActiveWebSocketClients,
		GoroutineCount,
	)
}

// Result label values shared by the counters above.
const (
	ResultOK      = "ok"
	ResultError   = "error"
	ResultValid   = "valid"
	ResultInvalid = "invalid"
)

// StartRuntimeCollector periodically samples the goroutine count into a
// gauge. Call in a goroutine; exits when ctx is done.
func StartRuntimeCollector(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// CertificateObserver records certificate refresh outcomes for one gateway.
type CertificateObserver struct {
	Gateway string
}

// RefreshDone implements certstore.Observer.
func (o CertificateObserver) RefreshDone(err error, entries int) {
	if err != nil {
		CertificateRefreshesTotal.WithLabelValues(o.Gateway, ResultError).Inc()
		return
	}
	CertificateRefreshesTotal.WithLabelValues(o.Gateway, ResultOK).Inc()
	PlatformCertificates.WithLabelValues(o.Gateway).Set(float64(entries))
}

// RetryHook returns a retry.Policy OnRetry callback counting attempts for op.
func RetryHook(op string) func(int, time.Duration, error) {
	return func(int, time.Duration, error) {
		RetryAttemptsTotal.WithLabelValues(op).Inc()
	}
}

// ObserveGatewayCall starts a timer for an outbound gateway call. Call the
// returned func with the call's error.
func ObserveGatewayCall(gateway string) func(error) {
	start := time.Now()
	return func(err error) {
		result := ResultOK
		if err != nil {
			result = ResultError
		}
		GatewayRequestDuration.WithLabelValues(gateway, result).Observe(time.Since(start).Seconds())
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
