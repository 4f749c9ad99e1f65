package xprt

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	labelLocalAddr = "local_addr"
	labelReason    = "reason"
)

var endpointLabels = []string{labelLocalAddr}

func withEndpointLabels(labels ...string) []string {
	return append(append([]string{}, endpointLabels...), labels...)
}

// Metrics is the set of counters and the gauge one or more Endpoints report
// through. A nil *Metrics is valid everywhere it's accepted and simply
// means "don't record" (used by tests that don't want a shared global
// registry mutated under them).
type Metrics struct {
	datagramsReceived  *prometheus.CounterVec
	datagramsDropped   *prometheus.CounterVec
	repliesSent        *prometheus.CounterVec
	cacheHits          *prometheus.CounterVec
	cacheInserts       *prometheus.CounterVec
	cacheEvictions     *prometheus.CounterVec
	cacheCorruptions   *prometheus.CounterVec
	readErrors         *prometheus.CounterVec
	recvDispatchActive prometheus.Gauge
}

// NewMetrics registers a fresh set of endpoint metrics against the default
// Prometheus registry, following the label-vec pattern in
// client/doublezerod/internal/liveness/metrics.go.
func NewMetrics() *Metrics {
	return &Metrics{
		datagramsReceived: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "svcdg_datagrams_received_total",
			Help: "Datagrams successfully read off the transport socket.",
		}, endpointLabels),
		datagramsDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "svcdg_datagrams_dropped_total",
			Help: "Datagrams dropped before dispatch (short or undecodable).",
		}, withEndpointLabels(labelReason)),
		repliesSent: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "svcdg_replies_sent_total",
			Help: "Replies written back to a peer, including cache retransmits.",
		}, withEndpointLabels(labelReason)),
		cacheHits: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "svcdg_cache_hits_total",
			Help: "Duplicate-reply cache hits.",
		}, endpointLabels),
		cacheInserts: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "svcdg_cache_inserts_total",
			Help: "Duplicate-reply cache insertions.",
		}, endpointLabels),
		cacheEvictions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "svcdg_cache_evictions_total",
			Help: "Duplicate-reply cache evictions.",
		}, endpointLabels),
		cacheCorruptions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "svcdg_cache_corruptions_total",
			Help: "Duplicate-reply cache internal-invariant violations detected and aborted.",
		}, endpointLabels),
		readErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "svcdg_read_errors_total",
			Help: "Non-timeout errors observed on the receive path.",
		}, endpointLabels),
		recvDispatchActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "svcdg_endpoints_blocked",
			Help: "Number of endpoints currently blocked in Recv.",
		}),
	}
}

func (m *Metrics) received(local string) {
	if m != nil {
		m.datagramsReceived.WithLabelValues(local).Inc()
	}
}

func (m *Metrics) dropped(local, reason string) {
	if m != nil {
		m.datagramsDropped.WithLabelValues(local, reason).Inc()
	}
}

func (m *Metrics) replySent(local, reason string) {
	if m != nil {
		m.repliesSent.WithLabelValues(local, reason).Inc()
	}
}

func (m *Metrics) cacheHit(local string) {
	if m != nil {
		m.cacheHits.WithLabelValues(local).Inc()
	}
}

func (m *Metrics) cacheInsert(local string) {
	if m != nil {
		m.cacheInserts.WithLabelValues(local).Inc()
	}
}

func (m *Metrics) cacheEviction(local string) {
	if m != nil {
		m.cacheEvictions.WithLabelValues(local).Inc()
	}
}

func (m *Metrics) cacheCorruption(local string) {
	if m != nil {
		m.cacheCorruptions.WithLabelValues(local).Inc()
	}
}

func (m *Metrics) readError(local string) {
	if m != nil {
		m.readErrors.WithLabelValues(local).Inc()
	}
}

func (m *Metrics) blockedDelta(delta float64) {
	if m != nil {
		m.recvDispatchActive.Add(delta)
	}
}
