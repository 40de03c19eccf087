// Package metrics provides Prometheus instrumentation for the metergate service.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "metergate",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "metergate",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// GatewaysRegisteredTotal counts gateway registrations.
	GatewaysRegisteredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "metergate",
		Name:      "gateways_registered_total",
		Help:      "Total gateways registered.",
	})

	// SessionsOpenedTotal counts opened sessions.
	SessionsOpenedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "metergate",
		Name:      "sessions_opened_total",
		Help:      "Total metering sessions opened.",
	})

	// UsageRecordsTotal counts successful usage-recording operations.
	UsageRecordsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "metergate",
		Name:      "usage_records_total",
		Help:      "Total successful usage-recording operations.",
	})

	// UsageVolumeTotal accumulates metered usage units across all sessions.
	UsageVolumeTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "metergate",
		Name:      "usage_volume_total",
		Help:      "Total metered usage units recorded.",
	})

	// SettlementsTotal counts settled sessions.
	SettlementsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "metergate",
		Name:      "settlements_total",
		Help:      "Total sessions settled.",
	})

	// CancellationsTotal counts cancelled sessions.
	CancellationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "metergate",
		Name:      "cancellations_total",
		Help:      "Total sessions cancelled.",
	})

	// MeteringFailuresTotal counts rejected metering operations by reason.
	MeteringFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "metergate",
			Name:      "metering_failures_total",
			Help:      "Total rejected metering operations by reason.",
		},
		[]string{"reason"},
	)

	// RelayDeliveriesTotal counts settlement relay delivery attempts by result.
	RelayDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "metergate",
			Name:      "relay_deliveries_total",
			Help:      "Total settlement relay deliveries by result.",
		},
		[]string{"result"},
	)

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "metergate",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "metergate", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "metergate", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "metergate", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "metergate", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		GatewaysRegisteredTotal,
		SessionsOpenedTotal,
		UsageRecordsTotal,
		UsageVolumeTotal,
		SettlementsTotal,
		CancellationsTotal,
		MeteringFailuresTotal,
		RelayDeliveriesTotal,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
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
