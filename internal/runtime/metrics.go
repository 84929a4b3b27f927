package runtime

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "flowrpc"

// Call and serve outcomes used as metric labels.
const (
	outcomeOK              = "ok"
	outcomeFault           = "fault"
	outcomeTimeout         = "timeout"
	outcomePeerUnreachable = "peer_unreachable"
	outcomeRejected        = "rejected"
	outcomeNoHandler       = "no_handler"
	outcomeCanceled        = "canceled"
	outcomeClosed          = "closed"
	outcomeExpired         = "expired"
)

// channelMetrics holds the reliability collectors of one Channel. Every
// collector carries the service and session as constant labels so several
// channels can share a registerer.
type channelMetrics struct {
	requests          *prometheus.CounterVec
	served            *prometheus.CounterVec
	callDuration      *prometheus.HistogramVec
	admissionRejected prometheus.Counter
	peerEvictions     prometheus.Counter
	lateReplies       prometheus.Counter
	gauges            []prometheus.Collector

	registerer prometheus.Registerer
	registered []prometheus.Collector
}

func newCounterVec(labels prometheus.Labels, name, help string, variable ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   metricsNamespace,
		Name:        name,
		Help:        help,
		ConstLabels: labels,
	}, variable)
}

func newCounter(labels prometheus.Labels, name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   metricsNamespace,
		Name:        name,
		Help:        help,
		ConstLabels: labels,
	})
}

func newGaugeFunc(labels prometheus.Labels, name, help string, fn func() float64) prometheus.GaugeFunc {
	return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   metricsNamespace,
		Name:        name,
		Help:        help,
		ConstLabels: labels,
	}, fn)
}

func withLabel(labels prometheus.Labels, key, value string) prometheus.Labels {
	out := make(prometheus.Labels, len(labels)+1)
	for k, v := range labels {
		out[k] = v
	}
	out[key] = value
	return out
}

func newChannelMetrics(c *Channel) *channelMetrics {
	labels := prometheus.Labels{"service": c.self.Service, "session": c.self.Session}

	m := &channelMetrics{
		requests: newCounterVec(labels, "requests_total",
			"Outbound calls by outcome.", "outcome"),
		served: newCounterVec(labels, "served_total",
			"Inbound requests by outcome.", "outcome"),
		callDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   metricsNamespace,
			Name:        "call_duration_seconds",
			Help:        "Time from sending a request to its resolution.",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: labels,
		}, []string{"outcome"}),
		admissionRejected: newCounter(labels, "admission_rejected_total",
			"Inbound requests rejected by the throttle."),
		peerEvictions: newCounter(labels, "peer_evictions_total",
			"Sessions evicted from the liveness graph."),
		lateReplies: newCounter(labels, "late_replies_total",
			"Replies and faults dropped because their request was already resolved."),
	}
	m.gauges = []prometheus.Collector{
		newGaugeFunc(withLabel(labels, "generation", "alive"), "liveness_sessions",
			"Tracked remote sessions by generation.", func() float64 { return float64(c.graph.AliveCount()) }),
		newGaugeFunc(withLabel(labels, "generation", "flatlined"), "liveness_sessions",
			"Tracked remote sessions by generation.", func() float64 { return float64(c.graph.FlatlinedCount()) }),
		newGaugeFunc(labels, "pending_requests",
			"Outbound calls awaiting resolution.", func() float64 { return float64(c.registry.Len()) }),
		newGaugeFunc(labels, "throttle_outstanding",
			"Inbound requests currently admitted.", func() float64 { return float64(c.throttle.Outstanding()) }),
		newGaugeFunc(labels, "throttle_waiting",
			"Inbound requests waiting for admission.", func() float64 { return float64(c.throttle.Waiting()) }),
	}
	return m
}

func (m *channelMetrics) collectors() []prometheus.Collector {
	out := []prometheus.Collector{
		m.requests, m.served, m.callDuration, m.admissionRejected, m.peerEvictions, m.lateReplies,
	}
	return append(out, m.gauges...)
}

// register adds the collectors to registerer. Collectors that are already
// registered are left alone.
func (m *channelMetrics) register(registerer prometheus.Registerer) error {
	m.registerer = registerer
	for _, collector := range m.collectors() {
		if err := registerer.Register(collector); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				continue
			}
			return err
		}
		m.registered = append(m.registered, collector)
	}
	return nil
}

func (m *channelMetrics) unregister() {
	if m.registerer == nil {
		return
	}
	for _, collector := range m.registered {
		m.registerer.Unregister(collector)
	}
	m.registered = nil
}

func (m *channelMetrics) observeCall(outcome string, seconds float64) {
	m.requests.WithLabelValues(outcome).Inc()
	m.callDuration.WithLabelValues(outcome).Observe(seconds)
}
