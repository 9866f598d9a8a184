// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// queueTransitions counts state machine events by outcome.
	queueTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "records_queue_transitions_total",
		Help: "Queue state machine events by event and result",
	}, []string{"event", "result"}) // result: applied, rejected, conflict

	// queueEnqueued counts new queue entries.
	queueEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "records_queue_enqueued_total",
		Help: "Total number of queue entries created",
	})

	// stageDuration tracks how long each pipeline stage takes.
	stageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "records_pipeline_stage_duration_seconds",
		Help:    "Pipeline stage duration by stage and result",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
	}, []string{"stage", "result"}) // result: ok, error, skipped

	// pipelineRuns counts finished pipeline runs.
	pipelineRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "records_pipeline_runs_total",
		Help: "Finished pipeline runs by outcome",
	}, []string{"outcome"}) // outcome: completed, degraded, failed, aborted

	// providerUp reports the last availability probe per provider.
	providerUp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "records_provider_up",
		Help: "1 if the last availability probe succeeded",
	}, []string{"stage"})

	// dispatchErrors counts failed hand-offs to the worker pool or broker.
	dispatchErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "records_dispatch_errors_total",
		Help: "Failed dispatches by dispatcher",
	}, []string{"dispatcher"})

	// workerQueueDepth is the number of jobs waiting in the in-process pool.
	workerQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "records_worker_queue_depth",
		Help: "Jobs buffered in the in-process worker queue",
	})
)

func RecordTransition(event, result string) {
	queueTransitions.WithLabelValues(event, result).Inc()
}

func RecordEnqueued() {
	queueEnqueued.Inc()
}

func ObserveStage(stage, result string, d time.Duration) {
	stageDuration.WithLabelValues(stage, result).Observe(d.Seconds())
}

func RecordPipelineRun(outcome string) {
	pipelineRuns.WithLabelValues(outcome).Inc()
}

func SetProviderUp(stage string, up bool) {
	v := 0.0
	if up {
		v = 1
	}
	providerUp.WithLabelValues(stage).Set(v)
}

func RecordDispatchError(dispatcher string) {
	dispatchErrors.WithLabelValues(dispatcher).Inc()
}

func SetWorkerQueueDepth(n int) {
	workerQueueDepth.Set(float64(n))
}
