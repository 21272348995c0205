package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	pipelineExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sweep",
			Subsystem: "pipeline",
			Name:      "executions_total",
			Help:      "Total number of sweep pipeline runs by terminal state",
		},
		[]string{"chain", "state"},
	)

	pipelineExecutionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sweep",
			Subsystem: "pipeline",
			Name:      "execution_duration_seconds",
			Help:      "Time taken to drive one intent to a terminal state",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"chain"},
	)

	pipelineErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sweep",
			Subsystem: "pipeline",
			Name:      "errors_total",
			Help:      "Total number of pipeline failures by error kind",
		},
		[]string{"chain", "kind"},
	)

	pipelineSimulationGasUsed = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sweep",
			Subsystem: "pipeline",
			Name:      "simulation_gas_used",
			Help:      "Gas or compute units consumed by successful preflight simulations",
			Buckets:   prometheus.ExponentialBuckets(10_000, 2, 10),
		},
		[]string{"chain"},
	)

	pipelineLastExecutionTimestamp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "sweep",
			Subsystem: "pipeline",
			Name:      "last_execution_timestamp",
			Help:      "Timestamp of the last completed pipeline run",
		},
	)
)

// PipelineMetrics provides methods to update sweep pipeline metrics.
type PipelineMetrics struct{}

func NewPipelineMetrics() *PipelineMetrics {
	return &PipelineMetrics{}
}

// RecordExecution records one terminal pipeline run.
func (pm *PipelineMetrics) RecordExecution(chain, state string, duration time.Duration) {
	pipelineExecutionsTotal.WithLabelValues(chain, state).Inc()
	pipelineExecutionDuration.WithLabelValues(chain).Observe(duration.Seconds())
	pipelineLastExecutionTimestamp.Set(float64(time.Now().Unix()))
}

// RecordError records a pipeline failure by taxonomy kind.
func (pm *PipelineMetrics) RecordError(chain, kind string) {
	pipelineErrorsTotal.WithLabelValues(chain, kind).Inc()
}

// RecordSimulation records the units consumed by a successful preflight.
func (pm *PipelineMetrics) RecordSimulation(chain string, gasUsed uint64) {
	pipelineSimulationGasUsed.WithLabelValues(chain).Observe(float64(gasUsed))
}
