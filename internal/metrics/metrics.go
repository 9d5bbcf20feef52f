package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the store core's instruments. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	mutations        *prometheus.CounterVec
	mutationDuration prometheus.Histogram
	queueDepth       prometheus.Gauge
	signalsSent      prometheus.Counter
	signalsDelivered prometheus.Counter
	signalsExpired   prometheus.Counter
	notifierDrops    prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pulse",
			Subsystem: "store",
			Name:      "mutations_total",
			Help:      "Store mutations by outcome.",
		}, []string{"outcome"}),
		mutationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "pulse",
			Subsystem: "store",
			Name:      "mutation_duration_seconds",
			Help:      "Time from dequeue to commit of a store mutation.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pulse",
			Subsystem: "store",
			Name:      "queue_depth",
			Help:      "Mutations waiting for their turn.",
		}),
		signalsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pulse",
			Subsystem: "relay",
			Name:      "signals_sent_total",
			Help:      "Call signals accepted by the relay.",
		}),
		signalsDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pulse",
			Subsystem: "relay",
			Name:      "signals_delivered_total",
			Help:      "Call signals handed to their recipient.",
		}),
		signalsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pulse",
			Subsystem: "relay",
			Name:      "signals_expired_total",
			Help:      "Call signals pruned after their TTL.",
		}),
		notifierDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pulse",
			Subsystem: "notify",
			Name:      "subscriber_drops_total",
			Help:      "Change subscribers dropped for falling behind.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.mutations, m.mutationDuration, m.queueDepth,
			m.signalsSent, m.signalsDelivered, m.signalsExpired,
			m.notifierDrops,
		)
	}
	return m
}

// Handler returns an http.Handler for Prometheus scraping.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveMutation(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.mutations.WithLabelValues(outcome).Inc()
	m.mutationDuration.Observe(d.Seconds())
}

func (m *Metrics) QueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) SignalSent() {
	if m == nil {
		return
	}
	m.signalsSent.Inc()
}

func (m *Metrics) SignalsDelivered(n int) {
	if m == nil || n == 0 {
		return
	}
	m.signalsDelivered.Add(float64(n))
}

func (m *Metrics) SignalsExpired(n int) {
	if m == nil || n == 0 {
		return
	}
	m.signalsExpired.Add(float64(n))
}

func (m *Metrics) NotifierDrop() {
	if m == nil {
		return
	}
	m.notifierDrops.Inc()
}
