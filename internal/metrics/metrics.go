// Package metrics holds the relay's four call-level counters (C5) and
// a supplementary Prometheus registry for HTTP-level dashboards.
//
// The four counters are rendered as a literal four-line text format —
// not Prometheus exposition syntax — because that exact shape is a
// control-plane contract checked by the idempotence and S6 properties
// of the relay's test suite: an operator or script scraping /metrics
// depends on exactly these four lines, nothing more.
package metrics

import (
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Counters holds the four call-level counters.
type Counters struct {
	callsTotal      int64
	errorsTotal     int64
	activeCalls     int64
	reconnectsTotal int64
}

// New builds a zeroed Counters.
func New() *Counters {
	return &Counters{}
}

func (c *Counters) IncCalls()      { atomic.AddInt64(&c.callsTotal, 1) }
func (c *Counters) IncErrors()     { atomic.AddInt64(&c.errorsTotal, 1) }
func (c *Counters) IncReconnects() { atomic.AddInt64(&c.reconnectsTotal, 1) }

// IncActiveCalls increments active_calls by one.
func (c *Counters) IncActiveCalls() { atomic.AddInt64(&c.activeCalls, 1) }

// DecActiveCalls decrements active_calls, flooring at zero so a
// duplicate terminal status callback never drives it negative.
func (c *Counters) DecActiveCalls() {
	for {
		cur := atomic.LoadInt64(&c.activeCalls)
		if cur <= 0 {
			return
		}
		if atomic.CompareAndSwapInt64(&c.activeCalls, cur, cur-1) {
			return
		}
	}
}

// Render produces the exact four-line text/plain exposition:
// calls_total N / errors_total N / active_calls N / reconnects_total N.
func (c *Counters) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "calls_total %d\n", atomic.LoadInt64(&c.callsTotal))
	fmt.Fprintf(&b, "errors_total %d\n", atomic.LoadInt64(&c.errorsTotal))
	fmt.Fprintf(&b, "active_calls %d\n", atomic.LoadInt64(&c.activeCalls))
	fmt.Fprintf(&b, "reconnects_total %d\n", atomic.LoadInt64(&c.reconnectsTotal))
	return b.String()
}

// Prometheus holds the supplementary dashboards-grade registry exposed
// on /metrics/prometheus. It mirrors the same four events with proper
// Prometheus types and adds HTTP-level request metrics, additive to
// (never a replacement for) the literal four-line contract above.
type Prometheus struct {
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	BridgeSessionsTotal prometheus.Counter
	BridgeErrorsTotal   prometheus.Counter
	BridgeActiveGauge   prometheus.Gauge
	AIReconnectsTotal   prometheus.Counter

	registry *prometheus.Registry
}

// NewPrometheus builds a fresh registry (not the global default, so
// tests can build independent instances without collector collisions).
func NewPrometheus() *Prometheus {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Prometheus{
		HTTPRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_http_requests_total",
			Help: "Total HTTP requests handled by the control plane, by method, path, and status.",
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name: "relay_http_request_duration_seconds",
			Help: "HTTP request duration in seconds.",
		}, []string{"method", "path"}),
		BridgeSessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_bridge_sessions_total",
			Help: "Total bridge sessions started.",
		}),
		BridgeErrorsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_bridge_errors_total",
			Help: "Total provider and bridge errors.",
		}),
		BridgeActiveGauge: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_bridge_active_calls",
			Help: "Currently active bridge sessions.",
		}),
		AIReconnectsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_ai_reconnects_total",
			Help: "Total successful AI peer reconnects.",
		}),
		registry: reg,
	}
}

// Handler returns the promhttp handler serving this registry's exposition.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
