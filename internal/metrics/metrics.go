// Package metrics exposes Prometheus instrumentation for the reconciliation
// flow. Registration happens at import time via promauto; cmd/recond serves
// the endpoint when configured.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// OrderUpdatesTotal counts status updates by outcome (applied, rejected,
// untracked, malformed).
var OrderUpdatesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "order_recon",
		Subsystem: "tracker",
		Name:      "order_updates_total",
		Help:      "Total number of processed order status updates",
	},
	[]string{"outcome"},
)

// TradeFillsTotal counts trade updates by outcome (applied, duplicate,
// untracked, malformed).
var TradeFillsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "order_recon",
		Subsystem: "tracker",
		Name:      "trade_fills_total",
		Help:      "Total number of processed trade fill updates",
	},
	[]string{"outcome"},
)

// LifecycleEventsTotal counts emitted lifecycle events by tag.
var LifecycleEventsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "order_recon",
		Subsystem: "tracker",
		Name:      "lifecycle_events_total",
		Help:      "Total number of emitted order lifecycle events",
	},
	[]string{"tag"},
)

// OrdersLostTotal counts orders moved to the lost set after repeated
// not-found responses.
var OrdersLostTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "order_recon",
		Subsystem: "tracker",
		Name:      "orders_lost_total",
		Help:      "Total number of orders declared lost",
	},
)

// ActiveOrders tracks the current size of the active registry.
var ActiveOrders = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "order_recon",
		Subsystem: "tracker",
		Name:      "active_orders",
		Help:      "Current number of actively tracked orders",
	},
)

// PollErrorsTotal counts reconciliation poll failures by kind (transient,
// unknown_order).
var PollErrorsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "order_recon",
		Subsystem: "driver",
		Name:      "poll_errors_total",
		Help:      "Total number of poll failures by classification",
	},
	[]string{"kind"},
)

// PollsSkippedTotal counts per-order polls skipped by throttling or push
// freshness.
var PollsSkippedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "order_recon",
		Subsystem: "driver",
		Name:      "polls_skipped_total",
		Help:      "Total number of per-order polls skipped",
	},
	[]string{"reason"},
)

// StreamMessagesTotal counts pushed stream messages by decode outcome.
var StreamMessagesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "order_recon",
		Subsystem: "stream",
		Name:      "messages_total",
		Help:      "Total number of stream messages by decode outcome",
	},
	[]string{"outcome"},
)
