package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Direction labels for BytesRelayedTotal.
const (
	DirUpstream   = "client_to_remote"
	DirDownstream = "remote_to_client"
)

// Metrics holds the proxy's collectors. Build one per registry with NewMetrics.
type Metrics struct {
	Listeners           prometheus.Gauge
	PendingClients      prometheus.Gauge
	ActivePairs         prometheus.Gauge
	PairsTotal          prometheus.Counter
	DialFailuresTotal   prometheus.Counter
	RateLimitedTotal    prometheus.Counter
	ErrorsTotal         *prometheus.CounterVec
	BytesRelayedTotal   *prometheus.CounterVec
	PairDurationSeconds prometheus.Histogram
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Listeners:           f.NewGauge(prometheus.GaugeOpts{Name: "portfwd_listeners", Help: "Bound listen sockets"}),
		PendingClients:      f.NewGauge(prometheus.GaugeOpts{Name: "portfwd_pending_clients", Help: "Accepted clients waiting for the remote dial"}),
		ActivePairs:         f.NewGauge(prometheus.GaugeOpts{Name: "portfwd_active_pairs", Help: "Connection pairs currently relaying"}),
		PairsTotal:          f.NewCounter(prometheus.CounterOpts{Name: "portfwd_pairs_total", Help: "Connection pairs established"}),
		DialFailuresTotal:   f.NewCounter(prometheus.CounterOpts{Name: "portfwd_dial_failures_total", Help: "Remote dials that failed"}),
		RateLimitedTotal:    f.NewCounter(prometheus.CounterOpts{Name: "portfwd_rate_limited_total", Help: "Accepted connections rejected by the rate limiter"}),
		ErrorsTotal:         f.NewCounterVec(prometheus.CounterOpts{Name: "portfwd_errors_total", Help: "Errors by type"}, []string{"type"}),
		BytesRelayedTotal:   f.NewCounterVec(prometheus.CounterOpts{Name: "portfwd_bytes_relayed_total", Help: "Bytes relayed by direction"}, []string{"direction"}),
		PairDurationSeconds: f.NewHistogram(prometheus.HistogramOpts{Name: "portfwd_pair_duration_seconds", Help: "Pair lifetime seconds", Buckets: prometheus.ExponentialBuckets(0.01, 2, 16)}),
	}
}
