package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BridgeCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "purchase_bridge_calls_total",
			Help: "Total number of bridge method calls by method and result code",
		},
		[]string{"method", "code"},
	)

	PurchasesFinalizedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "purchase_bridge_purchases_finalized_total",
			Help: "Total number of acknowledge/consume calls by product kind and result",
		},
		[]string{"kind", "result"}, // ok, failed
	)

	PurchasesUnverifiedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "purchase_bridge_purchases_unverified_total",
			Help: "Total number of purchase records rejected by the verifier",
		},
	)

	ReconnectAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "purchase_bridge_reconnect_attempts_total",
			Help: "Total number of billing service connection attempts by result",
		},
		[]string{"result"},
	)

	BackendConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "purchase_bridge_backend_connected",
			Help: "Whether the billing service connection is up (1) or down (0)",
		},
	)

	CatalogProducts = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "purchase_bridge_catalog_products",
			Help: "Number of products in the current catalog by kind",
		},
		[]string{"kind"},
	)

	StreamSubscribers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "purchase_bridge_stream_subscribers",
			Help: "Number of active stream subscriptions by channel",
		},
		[]string{"channel"},
	)
)

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// SetConnected records the billing connection state.
func SetConnected(connected bool) {
	BackendConnected.Set(boolToFloat(connected))
}
