// Package metrics exposes prometheus counters for loan transitions, device
// sync health and HTTP latency.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	reg         *prometheus.Registry
	transitions *prometheus.CounterVec
	syncFailed  prometheus.Counter
	syncPending prometheus.Gauge
	httpLatency *prometheus.HistogramVec
}

// New 每次都用独立 registry，测试里可以多次创建
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "checkout",
			Name:      "loan_transitions_total",
			Help:      "Loan lifecycle events by outcome.",
		}, []string{"event", "result"}),
		syncFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "checkout",
			Name:      "device_sync_failures_total",
			Help:      "Device registry writes that failed and were queued for retry.",
		}),
		syncPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "checkout",
			Name:      "device_sync_pending",
			Help:      "Device registry writes waiting in the outbox.",
		}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "checkout",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP handler latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "code"}),
	}
	m.reg.MustRegister(m.transitions, m.syncFailed, m.syncPending, m.httpLatency,
		prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	return m
}

func (m *Metrics) Transition(event, result string) {
	m.transitions.WithLabelValues(event, result).Inc()
}

func (m *Metrics) SyncFailed() { m.syncFailed.Inc() }

func (m *Metrics) SyncPending(n int64) { m.syncPending.Set(float64(n)) }

// Middleware 用路由模板做 label，避免 id 撑爆基数
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.httpLatency.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).
			Observe(time.Since(start).Seconds())
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }
