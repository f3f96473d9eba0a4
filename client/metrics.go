package client

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/tasklink/worker"
)

const (
	opStart        = "start"
	opStop         = "stop"
	opOrphanStop   = "orphan_stop"
	opShutdownStop = "shutdown_stop"

	outcomeOK       = "ok"
	outcomeExisting = "existing"
	outcomeError    = "error"
)

var (
	workersActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tasklink_workers_active",
			Help: "Number of registered workers by kind.",
		},
		[]string{"kind"},
	)

	workerOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasklink_worker_operations_total",
			Help: "Worker start and stop operations by outcome.",
		},
		[]string{"op", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(workersActive)
	prometheus.MustRegister(workerOperations)

	for _, k := range []worker.Kind{worker.KindWorkflow, worker.KindActivity} {
		workersActive.WithLabelValues(string(k))
	}
	for _, op := range []string{opStart, opStop, opOrphanStop, opShutdownStop} {
		workerOperations.WithLabelValues(op, outcomeOK)
		workerOperations.WithLabelValues(op, outcomeError)
	}
	workerOperations.WithLabelValues(opStart, outcomeExisting)
}

func recordOp(op string, err error) {
	if err != nil {
		workerOperations.WithLabelValues(op, outcomeError).Inc()
		return
	}
	workerOperations.WithLabelValues(op, outcomeOK).Inc()
}
