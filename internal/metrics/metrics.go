package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	EntriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credgw_ledger_entries_total",
			Help: "Ledger entries observed on the usage topic, by reason",
		},
		[]string{"reason"}, // purchase|debit|refund|trial_grant
	)

	ReservationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credgw_reservations_total",
			Help: "Reservation lifecycle counter by outcome",
		},
		[]string{"outcome"}, // held|committed|released|expired
	)

	FulfillmentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credgw_fulfillments_total",
			Help: "Payment notifications by processing result",
		},
		[]string{"result"}, // applied|duplicate|rejected|invalid
	)

	InvocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credgw_formula_invocations_total",
			Help: "Formula invocations by function and outcome",
		},
		[]string{"function", "outcome"}, // clean|summarize|seo , ok|insufficient|provider_error|error
	)
)

func MustRegister(r prometheus.Registerer) {
	r.MustRegister(
		EntriesTotal,
		ReservationsTotal,
		FulfillmentsTotal,
		InvocationsTotal,
	)
}
