package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	mutationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storefront_cart_mutations_total",
			Help: "Cart mutations dispatched to a store, by operation and store mode",
		},
		[]string{"op", "mode"},
	)

	rollbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storefront_cart_rollbacks_total",
			Help: "Optimistic cart mutations rolled back after a failed store call",
		},
		[]string{"op"},
	)
)
