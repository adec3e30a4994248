// Package metrics provides Prometheus metrics for the machine server.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "machineserver"
)

// Metrics contains all Prometheus metrics for the node.
type Metrics struct {
	// Connection metrics
	ConnectionsActive *prometheus.GaugeVec   // by client type
	ConnectionsTotal  *prometheus.CounterVec // by ingress path
	Disconnects       *prometheus.CounterVec // by reason

	// Authentication metrics
	AuthSuccesses *prometheus.CounterVec // by client type
	AuthFailures  *prometheus.CounterVec // by client type

	// Envelope metrics
	EnvelopesReceived *prometheus.CounterVec // by message type
	EnvelopesSent     *prometheus.CounterVec // by message type
	BytesReceived     prometheus.Counter
	BytesSent         prometheus.Counter

	// Relay metrics
	CommandsRelayed     *prometheus.CounterVec // by route: local, gateway
	CrossTenantDenials  prometheus.Counter
	RelayFailures       *prometheus.CounterVec // by reason
	InvalidProxyDropped prometheus.Counter
	ListPushes          prometheus.Counter

	// Pending response metrics
	PendingResponses prometheus.Gauge
	PendingTimeouts  prometheus.Counter

	// Gateway keeper metrics
	GatewayDialAttempts   *prometheus.CounterVec // by target
	GatewayDialFailures   *prometheus.CounterVec // by target
	GatewayFailedAttempts *prometheus.GaugeVec   // consecutive failures by target
	GatewaysConnected     prometheus.Gauge

	// Registry metrics
	RegistryPurged prometheus.Counter
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
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

// Disabled returns a Metrics instance backed by a throwaway registry.
// Used when statistics are disabled in configuration.
func Disabled() *Metrics {
	return NewMetricsWithRegistry(prometheus.NewRegistry())
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ConnectionsActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of currently attached connections by client type",
		}, []string{"type"}),
		ConnectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total accepted connections by ingress path",
		}, []string{"path"}),
		Disconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disconnects_total",
			Help:      "Total disconnections by reason",
		}, []string{"reason"}),

		AuthSuccesses: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_successes_total",
			Help:      "Successful authentications by client type",
		}, []string{"type"}),
		AuthFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Failed authentications by client type",
		}, []string{"type"}),

		EnvelopesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelopes_received_total",
			Help:      "Envelopes received by message type",
		}, []string{"type"}),
		EnvelopesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelopes_sent_total",
			Help:      "Envelopes sent by message type",
		}, []string{"type"}),
		BytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Total bytes received across all streams",
		}),
		BytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Total bytes sent across all streams",
		}),

		CommandsRelayed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_relayed_total",
			Help:      "Commands relayed by route taken",
		}, []string{"route"}),
		CrossTenantDenials: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cross_tenant_denials_total",
			Help:      "Messages denied for crossing tenant boundaries",
		}),
		RelayFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_failures_total",
			Help:      "Relay failures by reason",
		}, []string{"reason"}),
		InvalidProxyDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invalid_proxy_dropped_total",
			Help:      "Proxy envelopes dropped for failing validation",
		}),
		ListPushes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "list_pushes_total",
			Help:      "Client list updates pushed to portals",
		}),

		PendingResponses: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_responses",
			Help:      "Control requests awaiting a correlated response",
		}),
		PendingTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pending_timeouts_total",
			Help:      "Control requests that timed out before a response arrived",
		}),

		GatewayDialAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_dial_attempts_total",
			Help:      "Outward gateway dial attempts by target",
		}, []string{"target"}),
		GatewayDialFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_dial_failures_total",
			Help:      "Outward gateway dial failures by target",
		}, []string{"target"}),
		GatewayFailedAttempts: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "gateway_failed_attempts",
			Help:      "Consecutive failed dial attempts per gateway target",
		}, []string{"target"}),
		GatewaysConnected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "gateways_connected",
			Help:      "Outward gateway connections currently authenticated",
		}),

		RegistryPurged: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registry_purged_total",
			Help:      "Stale registry rows removed by the daily purge",
		}),
	}
}
