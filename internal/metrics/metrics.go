package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "smpc"

	clientUpdatesTotal        = "client_updates_total"
	aggregationsTriggered     = "aggregations_triggered_total"
	aggregationRunsTotal      = "aggregation_runs_total"
	aggregationDuration       = "aggregation_duration_seconds"
	aggregatorPollsTotal      = "aggregator_polls_total"
	sinkDeliveriesTotal       = "sink_deliveries_total"
	workerTasksInFlight       = "worker_tasks_in_flight"
	workerSubmissionsRejected = "worker_submissions_rejected_total"

	// Labels
	outcomeLabel = "outcome"
	resultLabel  = "result"
	targetLabel  = "target"
	reasonLabel  = "reason"
)

// Runner results
const (
	RunCompleted = "completed"
	RunFailed    = "failed"
	RunAborted   = "aborted"
	RunCancelled = "cancelled"
)

/**
* Metrics definition
**/
var clientUpdatesMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      clientUpdatesTotal,
		Help:      "number of client updates partitioned by barrier outcome",
	},
	[]string{outcomeLabel},
)

var aggregationsTriggeredMetric = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      aggregationsTriggered,
		Help:      "number of aggregation tasks dispatched after a barrier closed or a retrigger",
	},
)

var aggregationRunsMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      aggregationRunsTotal,
		Help:      "number of finished aggregation runs partitioned by result",
	},
	[]string{resultLabel},
)

var aggregationDurationMetric = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      aggregationDuration,
		Help:      "wall-clock time from computation start to stored result",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
	},
)

var aggregatorPollsMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      aggregatorPollsTotal,
		Help:      "number of result polls against the remote aggregator partitioned by result",
	},
	[]string{resultLabel},
)

var sinkDeliveriesMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      sinkDeliveriesTotal,
		Help:      "number of result sink operations partitioned by target and result",
	},
	[]string{targetLabel, resultLabel},
)

var workerTasksInFlightMetric = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      workerTasksInFlight,
		Help:      "number of aggregation tasks currently queued or running in this process",
	},
)

var workerSubmissionsRejectedMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      workerSubmissionsRejected,
		Help:      "number of aggregation submissions refused by the worker pool",
	},
	[]string{reasonLabel},
)

func IncreaseClientUpdatesMetric(outcome string) {
	clientUpdatesMetric.With(prometheus.Labels{outcomeLabel: outcome}).Inc()
}

func IncreaseAggregationsTriggeredMetric() {
	aggregationsTriggeredMetric.Inc()
}

func IncreaseAggregationRunsMetric(result string) {
	aggregationRunsMetric.With(prometheus.Labels{resultLabel: result}).Inc()
}

func ObserveAggregationDuration(seconds float64) {
	aggregationDurationMetric.Observe(seconds)
}

func IncreaseAggregatorPollsMetric(result string) {
	aggregatorPollsMetric.With(prometheus.Labels{resultLabel: result}).Inc()
}

func IncreaseSinkDeliveriesMetric(target string, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	sinkDeliveriesMetric.With(prometheus.Labels{targetLabel: target, resultLabel: result}).Inc()
}

func SetWorkerTasksInFlight(count int) {
	workerTasksInFlightMetric.Set(float64(count))
}

func IncreaseWorkerSubmissionsRejectedMetric(reason string) {
	workerSubmissionsRejectedMetric.With(prometheus.Labels{reasonLabel: reason}).Inc()
}

func init() {
	registerMetrics()
}

func registerMetrics() {
	prometheus.MustRegister(clientUpdatesMetric)
	prometheus.MustRegister(aggregationsTriggeredMetric)
	prometheus.MustRegister(aggregationRunsMetric)
	prometheus.MustRegister(aggregationDurationMetric)
	prometheus.MustRegister(aggregatorPollsMetric)
	prometheus.MustRegister(sinkDeliveriesMetric)
	prometheus.MustRegister(workerTasksInFlightMetric)
	prometheus.MustRegister(workerSubmissionsRejectedMetric)
}
