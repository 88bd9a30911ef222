package printing

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ordermaster/printbridge/pkg/models"
)

// Print results used as the "result" label.
const (
	resultSuccess = "success"
	resultFailure = "failure"
	resultQueued  = "queued"
	resultInvalid = "invalid"
)

// Metrics holds the printing module's Prometheus collectors.
type Metrics struct {
	scans        *prometheus.CounterVec
	devicesFound *prometheus.CounterVec
	prints       *prometheus.CounterVec
	queueDepth   prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		scans: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "printbridge",
			Name:      "discovery_scans_total",
			Help:      "Discovery scans started, by method.",
		}, []string{"method"}),
		devicesFound: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "printbridge",
			Name:      "discovery_devices_found_total",
			Help:      "Printers reported by discovery, by method.",
		}, []string{"method"}),
		prints: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "printbridge",
			Name:      "prints_total",
			Help:      "Print requests, by result.",
		}, []string{"result"}),
		queueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "printbridge",
			Name:      "queue_depth",
			Help:      "Jobs waiting in the print queue.",
		}),
	}
}

func (m *Metrics) scanStarted(method models.ScanMethod) {
	m.scans.WithLabelValues(string(method)).Inc()
}

func (m *Metrics) deviceFound(method models.ScanMethod) {
	m.devicesFound.WithLabelValues(string(method)).Inc()
}

func (m *Metrics) printed(result string) {
	m.prints.WithLabelValues(result).Inc()
}

func (m *Metrics) setQueueDepth(n int) {
	m.queueDepth.Set(float64(n))
}
