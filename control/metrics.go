// File: control/metrics.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Prometheus telemetry for every layer. One Metrics value satisfies the
// observer hook of the reactor, transport, HTTP server and DB client.

package control

import (
	"bytes"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"github.com/momentics/hioload-reactor/db"
	"github.com/momentics/hioload-reactor/protocol/http1"
	"github.com/momentics/hioload-reactor/reactor"
	"github.com/momentics/hioload-reactor/server"
	"github.com/momentics/hioload-reactor/transport"
)

// Metrics owns a private registry; nothing is registered globally.
type Metrics struct {
	registry *prometheus.Registry

	iterations     prometheus.Counter
	readyEvents    prometheus.Counter
	pendingTimers  prometheus.Gauge
	dispatch       *prometheus.HistogramVec
	descriptors    prometheus.Gauge
	budgetExceeded prometheus.Counter
	stalls         prometheus.Counter

	connsOpened  prometheus.Counter
	connsOpen    prometheus.Gauge
	bytesRead    prometheus.Counter
	bytesWritten prometheus.Counter

	httpRequests *prometheus.CounterVec
	httpLatency  prometheus.Histogram

	dbRequests  *prometheus.CounterVec
	dbLatency   *prometheus.HistogramVec
	dbTeardowns prometheus.Counter
}

// NewMetrics registers all collectors under namespace.
func NewMetrics(namespace string) *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.iterations = prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Subsystem: "reactor", Name: "iterations_total", Help: "Loop iterations"})
	m.readyEvents = prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Subsystem: "reactor", Name: "ready_events_total", Help: "Readiness notifications dispatched"})
	m.pendingTimers = prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Subsystem: "reactor", Name: "pending_timers", Help: "Scheduled timers"})
	m.dispatch = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "reactor", Name: "dispatch_seconds", Help: "Callback run time by source",
		Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
	}, []string{"kind"})
	m.descriptors = prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Subsystem: "reactor", Name: "descriptors", Help: "Registered descriptors"})
	m.budgetExceeded = prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Subsystem: "reactor", Name: "budget_exceeded_total", Help: "Callbacks that overran their budget"})
	m.stalls = prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Subsystem: "reactor", Name: "stalls_total", Help: "Watchdog stall reports"})

	m.connsOpened = prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Subsystem: "transport", Name: "connections_opened_total", Help: "Connections established"})
	m.connsOpen = prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Subsystem: "transport", Name: "connections_open", Help: "Connections currently open"})
	m.bytesRead = prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Subsystem: "transport", Name: "read_bytes_total", Help: "Bytes delivered to handlers"})
	m.bytesWritten = prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Subsystem: "transport", Name: "written_bytes_total", Help: "Bytes handed to sockets"})

	m.httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Subsystem: "http", Name: "requests_total", Help: "Answered requests"}, []string{"method", "code"})
	m.httpLatency = prometheus.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Subsystem: "http", Name: "request_seconds", Help: "Handler time per request", Buckets: prometheus.DefBuckets})

	m.dbRequests = prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Subsystem: "db", Name: "requests_total", Help: "Resolved DB requests"}, []string{"kind", "result"})
	m.dbLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: namespace, Subsystem: "db", Name: "request_seconds", Help: "Queue to result time", Buckets: prometheus.DefBuckets}, []string{"kind"})
	m.dbTeardowns = prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Subsystem: "db", Name: "teardowns_total", Help: "Pipelines torn down by connection errors"})

	m.registry.MustRegister(
		m.iterations, m.readyEvents, m.pendingTimers, m.dispatch, m.descriptors, m.budgetExceeded, m.stalls,
		m.connsOpened, m.connsOpen, m.bytesRead, m.bytesWritten,
		m.httpRequests, m.httpLatency,
		m.dbRequests, m.dbLatency, m.dbTeardowns,
	)
	return m
}

// Registry exposes the registry, e.g. to add process collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// reactor.Observer

func (m *Metrics) Iteration(ready, timers int) {
	m.iterations.Inc()
	m.readyEvents.Add(float64(ready))
	m.pendingTimers.Set(float64(timers))
}

func (m *Metrics) Dispatched(kind string, elapsed time.Duration) {
	m.dispatch.WithLabelValues(kind).Observe(elapsed.Seconds())
}

func (m *Metrics) Descriptors(n int)     { m.descriptors.Set(float64(n)) }
func (m *Metrics) BudgetExceeded(string) { m.budgetExceeded.Inc() }
func (m *Metrics) Stalled(string)        { m.stalls.Inc() }

// transport.ConnObserver

func (m *Metrics) Opened() {
	m.connsOpened.Inc()
	m.connsOpen.Inc()
}

func (m *Metrics) Closed()            { m.connsOpen.Dec() }
func (m *Metrics) BytesRead(n int)    { m.bytesRead.Add(float64(n)) }
func (m *Metrics) BytesWritten(n int) { m.bytesWritten.Add(float64(n)) }

// server.RequestObserver

func (m *Metrics) Request(method string, status int, elapsed time.Duration) {
	if method == "" {
		method = "INVALID"
	}
	m.httpRequests.WithLabelValues(method, strconv.Itoa(status)).Inc()
	m.httpLatency.Observe(elapsed.Seconds())
}

// db.Observer

func (m *Metrics) Completed(kind db.Kind, elapsed time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.dbRequests.WithLabelValues(kind.String(), result).Inc()
	m.dbLatency.WithLabelValues(kind.String()).Observe(elapsed.Seconds())
}

func (m *Metrics) TornDown() { m.dbTeardowns.Inc() }

// Handler serves the registry in the Prometheus text format from the
// reactor's own HTTP server.
func (m *Metrics) Handler() server.Handler {
	format := expfmt.NewFormat(expfmt.TypeTextPlain)
	return func(_ *http1.Request, w *server.Response) (bool, error) {
		families, err := m.registry.Gather()
		if err != nil {
			return false, err
		}
		var buf bytes.Buffer
		enc := expfmt.NewEncoder(&buf, format)
		for _, mf := range families {
			if err := enc.Encode(mf); err != nil {
				return false, err
			}
		}
		w.Status = 200
		w.Header.Set("Content-Type", string(format))
		_, _ = w.Write(buf.Bytes())
		return true, nil
	}
}

var (
	_ reactor.Observer       = (*Metrics)(nil)
	_ transport.ConnObserver = (*Metrics)(nil)
	_ server.RequestObserver = (*Metrics)(nil)
	_ db.Observer            = (*Metrics)(nil)
)
