// Package metrics defines the Prometheus registry described in §4.7. Every
// series here is pure observation — nothing in the core ever reads a metric
// back to make a decision — grounded on the chidi150c-coinbase metrics.go registration
// style (package-level vars, registered in init, thin Inc/Set helpers).
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	OrdersSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "executor_orders_submitted_total",
			Help: "Orders submitted by the execution and risk engines.",
		},
		[]string{"symbol", "side", "mode"},
	)

	OrdersRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "executor_orders_rejected_total",
			Help: "Orders rejected by the venue, split by error kind.",
		},
		[]string{"symbol", "side", "reason"},
	)

	Mode = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "executor_mode",
			Help: "Current pricing mode per side: 0=MAKER_ONLY, 1=AGGRESSIVE_LIMIT.",
		},
		[]string{"symbol", "side"},
	)

	DistanceToLiquidation = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "executor_distance_to_liquidation",
			Help: "Last computed |mark - liquidation| / mark per side.",
		},
		[]string{"symbol", "side"},
	)

	ProtectiveStopReplacements = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "executor_protective_stop_replacements_total",
			Help: "Times the protective stop for a side was tightened and replaced.",
		},
		[]string{"symbol", "side"},
	)
)

func init() {
	prometheus.MustRegister(OrdersSubmitted, OrdersRejected, Mode, DistanceToLiquidation, ProtectiveStopReplacements)
}

// SetMode records the current pricing mode as 0/1 for the given side.
func SetMode(symbol, side string, aggressive bool) {
	if aggressive {
		Mode.WithLabelValues(symbol, side).Set(1)
	} else {
		Mode.WithLabelValues(symbol, side).Set(0)
	}
}
