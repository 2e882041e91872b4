package monitoring

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"peerwire/internal/core/domain"
)

// PrometheusCollector exports relay metrics and keeps shadow counters so
// the current state can be reported as a domain.RelayMetrics snapshot.
type PrometheusCollector struct {
	peersConnected prometheus.Gauge
	roomsActive    prometheus.Gauge

	envelopesForwarded *prometheus.CounterVec
	envelopesDropped   *prometheus.CounterVec
	connectionsTotal   prometheus.Counter

	peersNow     atomic.Int64
	roomsNow     atomic.Int64
	forwardedSum atomic.Int64
	droppedSum   atomic.Int64
}

func NewPrometheusCollector() *PrometheusCollector {
	return &PrometheusCollector{
		peersConnected: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "peerwire_peers_connected",
			Help: "Number of peers currently attached to the relay",
		}),

		roomsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "peerwire_rooms_active",
			Help: "Number of rooms with at least one occupant",
		}),

		envelopesForwarded: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "peerwire_envelopes_forwarded_total",
			Help: "Signaling envelopes relayed between room members",
		}, []string{"type"}),

		envelopesDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "peerwire_envelopes_dropped_total",
			Help: "Signaling envelopes rejected or undeliverable",
		}, []string{"reason"}),

		connectionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "peerwire_connections_total",
			Help: "Websocket connections accepted since start",
		}),
	}
}

func (p *PrometheusCollector) RecordPeerConnected() {
	p.peersConnected.Inc()
	p.connectionsTotal.Inc()
	p.peersNow.Add(1)
}

func (p *PrometheusCollector) RecordPeerDisconnected() {
	p.peersConnected.Dec()
	p.peersNow.Add(-1)
}

func (p *PrometheusCollector) RecordRoomCreated() {
	p.roomsActive.Inc()
	p.roomsNow.Add(1)
}

func (p *PrometheusCollector) RecordRoomClosed() {
	p.roomsActive.Dec()
	p.roomsNow.Add(-1)
}

func (p *PrometheusCollector) RecordEnvelopeForwarded(envelopeType string) {
	p.envelopesForwarded.WithLabelValues(envelopeType).Inc()
	p.forwardedSum.Add(1)
}

func (p *PrometheusCollector) RecordEnvelopeDropped(reason string) {
	p.envelopesDropped.WithLabelValues(reason).Inc()
	p.droppedSum.Add(1)
}

// Snapshot returns the current relay state for the stats endpoint.
func (p *PrometheusCollector) Snapshot() domain.RelayMetrics {
	return domain.RelayMetrics{
		Timestamp:          time.Now(),
		ActiveRooms:        int(p.roomsNow.Load()),
		ConnectedPeers:     int(p.peersNow.Load()),
		EnvelopesForwarded: uint64(p.forwardedSum.Load()),
		EnvelopesDropped:   uint64(p.droppedSum.Load()),
	}
}
