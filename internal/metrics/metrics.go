// Package metrics provides Prometheus metrics for ztbridge.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "ztbridge"
)

// Relay directions used as the "direction" label.
const (
	// DirectionToLocal is virtual network -> local application.
	DirectionToLocal = "to_local"
	// DirectionToVirtual is local application -> virtual network.
	DirectionToVirtual = "to_virtual"
)

// Drop reasons used as the "reason" label.
const (
	DropPeerUnknown = "peer_unknown"
	DropEmpty       = "empty"
)

// Metrics contains all Prometheus metrics for the bridge.
type Metrics struct {
	// Join metrics
	StackReady        prometheus.Gauge
	AssignedAddresses prometheus.Gauge
	JoinDuration      prometheus.Histogram
	JoinErrors        prometheus.Counter

	// Relay metrics
	DatagramsForwarded *prometheus.CounterVec
	BytesForwarded     *prometheus.CounterVec
	DatagramsDropped   *prometheus.CounterVec
	ForwardErrors      *prometheus.CounterVec
	ReceiveErrors      *prometheus.CounterVec
	SetupErrors        *prometheus.CounterVec

	// Rendezvous metrics
	LocalPeerKnown prometheus.Gauge
	PeerConflicts  prometheus.Counter
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance, registered with the default registry.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		StackReady: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stack_ready",
			Help:      "1 once the virtual network stack is online and joined",
		}),
		AssignedAddresses: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "assigned_addresses",
			Help:      "Number of virtual addresses assigned to this node",
		}),
		JoinDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "join_duration_seconds",
			Help:      "Time from join request until the stack reported running",
			Buckets:   []float64{.1, .5, 1, 2, 5, 10, 30, 60, 120},
		}),
		JoinErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "join_errors_total",
			Help:      "Total fatal join failures",
		}),

		DatagramsForwarded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_forwarded_total",
			Help:      "Total datagrams forwarded by direction",
		}, []string{"direction"}),
		BytesForwarded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_forwarded_total",
			Help:      "Total payload bytes forwarded by direction",
		}, []string{"direction"}),
		DatagramsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_dropped_total",
			Help:      "Total datagrams dropped by policy, by reason",
		}, []string{"reason"}),
		ForwardErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forward_errors_total",
			Help:      "Total failed sends by direction",
		}, []string{"direction"}),
		ReceiveErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "receive_errors_total",
			Help:      "Total failed receives by direction",
		}, []string{"direction"}),
		SetupErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "setup_errors_total",
			Help:      "Total fatal socket setup failures by operation",
		}, []string{"op"}),

		LocalPeerKnown: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "local_peer_known",
			Help:      "1 once the local application's address has been discovered",
		}),
		PeerConflicts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "local_peer_conflicts_total",
			Help:      "Datagrams from a second local address that were refused as the peer",
		}),
	}
}

// SetStackReady records the readiness of the stack.
func (m *Metrics) SetStackReady(ready bool) {
	if ready {
		m.StackReady.Set(1)
	} else {
		m.StackReady.Set(0)
	}
}

// RecordJoin records a completed join.
func (m *Metrics) RecordJoin(durationSeconds float64, addresses int) {
	m.JoinDuration.Observe(durationSeconds)
	m.AssignedAddresses.Set(float64(addresses))
	m.SetStackReady(true)
}

// RecordJoinError records a fatal join failure.
func (m *Metrics) RecordJoinError() {
	m.JoinErrors.Inc()
}

// RecordForward records a datagram forwarded in direction.
func (m *Metrics) RecordForward(direction string, bytes int) {
	m.DatagramsForwarded.WithLabelValues(direction).Inc()
	m.BytesForwarded.WithLabelValues(direction).Add(float64(bytes))
}

// RecordDrop records a policy drop.
func (m *Metrics) RecordDrop(reason string) {
	m.DatagramsDropped.WithLabelValues(reason).Inc()
}

// RecordForwardError records a failed send.
func (m *Metrics) RecordForwardError(direction string) {
	m.ForwardErrors.WithLabelValues(direction).Inc()
}

// RecordReceiveError records a failed receive.
func (m *Metrics) RecordReceiveError(direction string) {
	m.ReceiveErrors.WithLabelValues(direction).Inc()
}

// RecordSetupError records a fatal socket setup failure.
func (m *Metrics) RecordSetupError(op string) {
	m.SetupErrors.WithLabelValues(op).Inc()
}

// RecordLocalPeer records discovery of the local peer.
func (m *Metrics) RecordLocalPeer() {
	m.LocalPeerKnown.Set(1)
}

// RecordPeerConflict records a refused second local address.
func (m *Metrics) RecordPeerConflict() {
	m.PeerConflicts.Inc()
}
