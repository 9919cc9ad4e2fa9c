// Package metrics holds the Prometheus collectors of the credits service.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// LedgerOperations counts committed ledger mutations.
var LedgerOperations = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "credits",
	Subsystem: "ledger",
	Name:      "operations_total",
	Help:      "Committed credit ledger mutations.",
}, []string{"op", "credit_type", "source"})

// InsufficientCredits counts deductions rejected for lack of balance.
var InsufficientCredits = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "credits",
	Subsystem: "ledger",
	Name:      "insufficient_total",
	Help:      "Deductions rejected because the balance was too low.",
}, []string{"credit_type"})

// Allocations counts processed allocation schedules by outcome.
var Allocations = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "credits",
	Subsystem: "allocation",
	Name:      "schedules_total",
	Help:      "Allocation schedules processed by the batch job.",
}, []string{"credit_type", "status"})

// PriceCalculations counts pricing requests.
var PriceCalculations = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "credits",
	Subsystem: "pricing",
	Name:      "calculations_total",
	Help:      "Price calculations by chargeable type and whether credits were applied.",
}, []string{"chargeable_type", "credits_applied"})

// HTTPRequestDuration observes request latency.
var HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "credits",
	Subsystem: "http",
	Name:      "request_duration_seconds",
	Help:      "HTTP request latency.",
	Buckets:   prometheus.DefBuckets,
}, []string{"route", "status"})

// ObservePrice records one price calculation.
func ObservePrice(chargeableType string, creditsApplied bool) {
	PriceCalculations.WithLabelValues(chargeableType, strconv.FormatBool(creditsApplied)).Inc()
}
