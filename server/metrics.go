package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var connectionsGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "server",
	Name:      "connections_active",
	Help:      "Number of active ws connections",
})

var activeTransactionsGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "server",
	Name:      "transactions_active",
	Help:      "Number of active transactions",
})

var offeredGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "balanz",
	Name:      "offered_amperes",
	Help:      "Sum of installed offers per group in amperes.",
}, []string{"group"})

var errorCounts = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "ocpp",
	Name:      "vendor_error_count",
	Help:      "Total number of errors by vendor code.",
}, []string{"code", "charger_id"})

func observeConnections(count int) {
	connectionsGauge.Set(float64(count))
}

func observeTransactions(count int) {
	activeTransactionsGauge.Set(float64(count))
}

func observeOffered(group string, amperes int) {
	offeredGauge.With(prometheus.Labels{"group": group}).Set(float64(amperes))
}

func observeError(chargerId, code string) {
	if len(code) == 0 || len(chargerId) == 0 {
		return
	}
	errorCounts.With(prometheus.Labels{"code": code, "charger_id": chargerId}).Inc()
}
