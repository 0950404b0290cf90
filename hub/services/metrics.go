package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	experimentRunMetric  = promauto.NewSummary(prometheus.SummaryOpts{Name: "claas_experiment_run_seconds", Help: "Experiment run durations"})
	predictMetric        = promauto.NewSummary(prometheus.SummaryOpts{Name: "claas_predict", Help: "Prediction requests"})
	resourceCreateMetric = promauto.NewCounter(prometheus.CounterOpts{Name: "claas_resource_creates", Help: "Resource create operations"})
	lockContentionMetric = promauto.NewCounter(prometheus.CounterOpts{Name: "claas_lock_contention", Help: "Requests rejected due to lock contention"})

	experimentFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "claas_experiment_failures", Help: "Experiment executions that ended with an error"})
)
