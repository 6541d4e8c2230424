// Package metrics exposes dispatcher counters and gauges for Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/mattjoyce/courier/internal/message"
)

const namespace = "courier"

// Metrics owns a private registry so tests and multiple supervisors in one
// process never collide on the global one.
type Metrics struct {
	Registry *prometheus.Registry

	submitted   *prometheus.CounterVec
	rejected    prometheus.Counter
	sent        prometheus.Counter
	completed   *prometheus.CounterVec
	unsolicited prometheus.Counter
	latency     prometheus.Histogram
	queueDepth  prometheus.GaugeFunc
	inFlight    prometheus.GaugeFunc
	pending     prometheus.GaugeFunc
}

// Gauges are sampled at scrape time.
type Gauges struct {
	QueueDepth func() int
	InFlight   func() int
	Pending    func() int
}

func New(g Gauges) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		submitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_submitted_total",
			Help:      "Requests admitted to the queue, by priority.",
		}, []string{"priority"}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_rejected_total",
			Help:      "Submissions refused because the queue was full or closed.",
		}),
		sent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_sent_total",
			Help:      "Requests handed to the transport.",
		}),
		completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_completed_total",
			Help:      "Requests that reached a terminal state, by state.",
		}, []string{"state"}),
		unsolicited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_unsolicited_total",
			Help:      "Inbound events that matched no pending request.",
		}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reply_latency_seconds",
			Help:      "Time from send to matched reply.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}),
	}
	m.queueDepth = gaugeFunc("queue_depth", "Requests waiting in the queue.", g.QueueDepth)
	m.inFlight = gaugeFunc("in_flight", "Requests sent and awaiting an outcome.", g.InFlight)
	m.pending = gaugeFunc("correlator_pending", "Entries waiting in the correlator.", g.Pending)

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.submitted, m.rejected, m.sent, m.completed, m.unsolicited, m.latency,
		m.queueDepth, m.inFlight, m.pending,
	)
	return m
}

func gaugeFunc(name, help string, f func() int) prometheus.GaugeFunc {
	if f == nil {
		f = func() int { return 0 }
	}
	return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, func() float64 { return float64(f()) })
}

func (m *Metrics) Submitted(p message.Priority) {
	m.submitted.WithLabelValues(p.String()).Inc()
}

func (m *Metrics) Rejected() {
	m.rejected.Inc()
}

func (m *Metrics) Sent() {
	m.sent.Inc()
}

// Completed counts the outcome; matched replies also feed the latency histogram.
func (m *Metrics) Completed(sentAt time.Time, o message.Outcome) {
	m.completed.WithLabelValues(string(o.State)).Inc()
	if o.State == message.StateMatched && !sentAt.IsZero() {
		m.latency.Observe(o.CompletedAt.Sub(sentAt).Seconds())
	}
}

func (m *Metrics) Unsolicited() {
	m.unsolicited.Inc()
}
