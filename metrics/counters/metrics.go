package counters

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var connectionsGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "server",
	Name:      "connections_active",
	Help:      "Number of active ws connections",
})

func ObserveConnections(count int) {
	connectionsGauge.Set(float64(count))
}

var errorCounts = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "ocpp",
	Name:      "vendor_error_count",
	Help:      "Total number of errors by charge point error code.",
}, []string{"location", "charge_point_id", "code"})

func ObserveError(location, chargePointId, code string) {
	if len(code) == 0 || len(chargePointId) == 0 {
		return
	}
	errorCounts.With(prometheus.Labels{"location": location, "charge_point_id": chargePointId, "code": code}).Inc()
}

var transactionCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "ocpp",
	Name:      "transaction_count",
	Help:      "Total number of transactions.",
}, []string{"location", "charge_point_id"})

func CountTransaction(location, chargePointId string) {
	if len(chargePointId) == 0 {
		return
	}
	transactionCounter.With(
		prometheus.Labels{
			"location":        location,
			"charge_point_id": chargePointId,
		}).Inc()
}

var powerCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "ocpp",
	Name:      "consumed_kwh",
	Help:      "Consumed energy in kWh.",
}, []string{"location", "charge_point_id"})

func CountConsumedPower(location, chargePointId string, kwh float64) {
	if len(chargePointId) == 0 || kwh <= 0 {
		return
	}
	powerCounter.With(
		prometheus.Labels{
			"location":        location,
			"charge_point_id": chargePointId,
		}).Add(kwh)
}
