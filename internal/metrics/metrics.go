// Package metrics exposes session and dispatcher counters to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Session metrics
var (
	// SystemSessions tracks shared system sessions currently alive
	SystemSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "alohacdm_system_sessions",
			Help: "Number of shared system sessions",
		},
	)

	// Proxies tracks client sessions attached to a system session
	Proxies = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "alohacdm_proxy_sessions",
			Help: "Number of client sessions attached to system sessions",
		},
	)

	// DescramblingSessions tracks open per-stream descrambling sessions
	DescramblingSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "alohacdm_descrambling_sessions",
			Help: "Number of open descrambling sessions",
		},
	)

	// KeyMessages counts notifications handed to client callbacks by reason
	KeyMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alohacdm_key_messages_total",
			Help: "Key messages delivered to client callbacks by reason",
		},
		[]string{"reason"},
	)

	// PendingRequests counts events deferred because no callback was registered
	PendingRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alohacdm_pending_requests_total",
			Help: "Engine events deferred until a callback registers, by kind",
		},
		[]string{"kind"},
	)

	// EngineFailures counts engine calls that returned a failure status
	EngineFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alohacdm_engine_failures_total",
			Help: "Engine calls that returned a failure status, by call",
		},
		[]string{"call"},
	)
)

// Dispatcher metrics
var (
	// DispatchQueueDepth tracks commands waiting for the dispatcher worker
	DispatchQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "alohacdm_dispatch_queue_depth",
			Help: "Commands waiting for the dispatcher worker",
		},
	)

	// DispatchedCommands counts commands run by the dispatcher worker
	DispatchedCommands = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "alohacdm_dispatched_commands_total",
			Help: "Commands run by the dispatcher worker",
		},
	)

	// DroppedCommands counts commands posted after the dispatcher stopped
	DroppedCommands = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "alohacdm_dropped_commands_total",
			Help: "Commands posted after the dispatcher stopped",
		},
	)
)

// Vault and bridge metrics
var (
	// VaultLoads counts operator vault lookups by result (hit, load, error)
	VaultLoads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alohacdm_vault_loads_total",
			Help: "Operator vault lookups by result",
		},
		[]string{"result"},
	)

	// BridgeConnections tracks connected remote key-message handlers
	BridgeConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "alohacdm_bridge_connections",
			Help: "Connected remote key-message handlers",
		},
	)
)
