package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Account socket metrics
	AccountSocketsOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleetlink_account_sockets_open",
			Help: "Number of open account WebSocket instances",
		},
	)

	SubscriptionsRouted = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleetlink_subscriptions_routed",
			Help: "Number of event/key subscriptions routed across the socket pool",
		},
	)

	SocketMigrationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetlink_socket_migrations_total",
			Help: "Total account socket migrations by outcome",
		},
		[]string{"outcome"},
	)

	SocketRecoveriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetlink_socket_recoveries_total",
			Help: "Total account socket recovery rounds",
		},
	)

	WebSocketRequestRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetlink_websocket_request_retries_total",
			Help: "Total retried account WebSocket RPCs",
		},
	)

	// Console metrics
	ConsoleConnectionsOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleetlink_console_connections_open",
			Help: "Number of open console connections",
		},
	)

	HeartbeatDisconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetlink_heartbeat_disconnects_total",
			Help: "Console connections closed after missed heartbeats",
		},
	)

	// REST metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetlink_api_requests_total",
			Help: "Total REST API requests by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)

	TokenRefreshesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetlink_token_refreshes_total",
			Help: "Total token refresh attempts by outcome",
		},
		[]string{"outcome"},
	)

	// Group metrics
	GroupsManaged = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleetlink_groups_managed",
			Help: "Number of group managers currently active",
		},
	)
)

// Register registers all metrics with the default Prometheus registry
func Register() {
	prometheus.MustRegister(
		AccountSocketsOpen,
		SubscriptionsRouted,
		SocketMigrationsTotal,
		SocketRecoveriesTotal,
		WebSocketRequestRetriesTotal,
		ConsoleConnectionsOpen,
		HeartbeatDisconnectsTotal,
		APIRequestsTotal,
		TokenRefreshesTotal,
		GroupsManaged,
	)
}

// Handler returns an HTTP handler for the /metrics endpoint
func Handler() http.Handler {
	return promhttp.Handler()
}
