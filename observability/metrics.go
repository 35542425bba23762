package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors for the crypto subsystem.
// A nil *Metrics is valid and records nothing, so tests and embedders
// that don't scrape can pass nil throughout.
type Metrics struct {
	outgoingRequests *prometheus.CounterVec
	deviceDrops      *prometheus.CounterVec
	replaysDetected  prometheus.Counter
	failedBackups    prometheus.Counter
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		outgoingRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crypto_outgoing_requests_total",
			Help: "Outgoing crypto machine requests dispatched, by request type.",
		}, []string{"type"}),
		deviceDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crypto_device_validation_drops_total",
			Help: "Peer devices dropped during device-list refresh, by reason.",
		}, []string{"reason"}),
		replaysDetected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crypto_replays_detected_total",
			Help: "Megolm message-index replays rejected at decrypt time.",
		}),
		failedBackups: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crypto_failed_backups_total",
			Help: "Room-key backup uploads that failed and were dropped.",
		}),
	}
	reg.MustRegister(m.outgoingRequests, m.deviceDrops, m.replaysDetected, m.failedBackups)
	return m
}

// OutgoingRequest records one dispatched machine request.
func (m *Metrics) OutgoingRequest(requestType string) {
	if m == nil {
		return
	}
	m.outgoingRequests.WithLabelValues(requestType).Inc()
}

// DeviceDropped records one device rejected during refresh validation.
// Reasons: "id_mismatch", "missing_keys", "key_changed", "bad_signature".
func (m *Metrics) DeviceDropped(reason string) {
	if m == nil {
		return
	}
	m.deviceDrops.WithLabelValues(reason).Inc()
}

// ReplayDetected records one rejected replay.
func (m *Metrics) ReplayDetected() {
	if m == nil {
		return
	}
	m.replaysDetected.Inc()
}

// FailedBackup records one dropped backup upload.
func (m *Metrics) FailedBackup() {
	if m == nil {
		return
	}
	m.failedBackups.Inc()
}
