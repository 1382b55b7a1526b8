package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the server's collectors
type Metrics struct {
	// Connection metrics
	ConnectedDevices prometheus.Gauge
	LoginsTotal      *prometheus.CounterVec

	// Library metrics
	ActionsTotal      *prometheus.CounterVec
	ActionsRejected   *prometheus.CounterVec
	LeaseWaitSeconds  prometheus.Histogram
	LeaseTakeovers    prometheus.Counter
	TransferBytes     *prometheus.CounterVec
	LatestActionID    prometheus.Gauge
	MirrorErrorsTotal prometheus.Counter

	// Playback metrics
	PlaybackOwnerChanges prometheus.Counter

	gatherer prometheus.Gatherer
}

// New registers every collector on reg. A nil reg uses a private registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Metrics{
		ConnectedDevices: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pmp_connected_devices",
			Help: "Number of authenticated device connections",
		}),
		LoginsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pmp_logins_total",
			Help: "Login attempts by result",
		}, []string{"result"}),

		ActionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pmp_actions_committed_total",
			Help: "Committed library actions by type",
		}, []string{"type"}),
		ActionsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pmp_actions_rejected_total",
			Help: "Actions answered INVALID by type",
		}, []string{"type"}),
		LeaseWaitSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "pmp_lease_wait_seconds",
			Help:    "Time an action spent queued before its lease was granted",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15, 30, 60},
		}),
		LeaseTakeovers: factory.NewCounter(prometheus.CounterOpts{
			Name: "pmp_lease_expired_total",
			Help: "Leases released because their holder stalled",
		}),
		TransferBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pmp_transfer_bytes_total",
			Help: "Bytes moved over the transfer port",
		}, []string{"direction"}),
		LatestActionID: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pmp_latest_action_id",
			Help: "Id of the most recently committed action",
		}),
		MirrorErrorsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "pmp_mirror_errors_total",
			Help: "Failed object storage mirror operations",
		}),

		PlaybackOwnerChanges: factory.NewCounter(prometheus.CounterOpts{
			Name: "pmp_playback_owner_changes_total",
			Help: "Playback ownership transitions",
		}),

		gatherer: reg,
	}
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
