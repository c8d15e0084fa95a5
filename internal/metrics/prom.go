package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	sentTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "iotharness_records_sent_total",
		Help: "Timing records handed to the protocol under test",
	})

	receivedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "iotharness_records_received_total",
		Help: "Timing records confirmed received",
	})

	DroppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "iotharness_records_dropped_total",
		Help: "Records dropped before delivery, by cause",
	}, []string{"cause"})

	ActiveRuns = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "iotharness_active_runs",
		Help: "Scenario runs currently executing",
	})

	RegisteredNodes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "iotharness_registered_nodes",
		Help: "Sensor nodes registered with the coordinator",
	})
)

func init() {
	prometheus.MustRegister(sentTotal, receivedTotal, DroppedTotal, ActiveRuns, RegisteredNodes)
}
