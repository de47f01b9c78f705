package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kirillkom/credit-pipeline/internal/core/domain"
)

// PipelineMetrics implements ports.PipelineObserver and records the worker's
// command handling.
type PipelineMetrics struct {
	registry *prometheus.Registry
	service  string

	stageTotal      *prometheus.CounterVec
	stageDuration   *prometheus.HistogramVec
	decisionTotal   *prometheus.CounterVec
	runsInFlight    prometheus.Gauge
	runDuration     *prometheus.HistogramVec
	commandTotal    *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec
	queueLag        *prometheus.HistogramVec
	retryTotal      *prometheus.CounterVec
}

func NewPipelineMetrics(service string) *PipelineMetrics {
	registry := prometheus.NewRegistry()

	stageTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "credit",
			Subsystem: "pipeline",
			Name:      "stage_executions_total",
			Help:      "Stage executions by stage and routing outcome.",
		},
		[]string{"service", "stage", "outcome"},
	)
	stageDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "credit",
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Stage execution duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"service", "stage"},
	)
	decisionTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "credit",
			Subsystem: "pipeline",
			Name:      "decisions_total",
			Help:      "Final decisions by status.",
		},
		[]string{"service", "status", "fallback"},
	)
	runsInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "credit",
			Subsystem: "pipeline",
			Name:      "runs_in_flight",
			Help:      "Number of pipeline runs currently executing.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)
	runDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "credit",
			Subsystem: "pipeline",
			Name:      "run_duration_seconds",
			Help:      "Pipeline run duration in seconds by the stage the run stopped at.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "state"},
	)
	commandTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "credit",
			Subsystem: "worker",
			Name:      "commands_total",
			Help:      "Run commands handled by mode and status.",
		},
		[]string{"service", "mode", "status"},
	)
	commandDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "credit",
			Subsystem: "worker",
			Name:      "command_duration_seconds",
			Help:      "Run command handling duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "mode"},
	)
	queueLag := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "credit",
			Subsystem: "worker",
			Name:      "queue_lag_seconds",
			Help:      "Delay between command request and processing start.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"service"},
	)

	retryTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "credit",
			Subsystem: "dependency",
			Name:      "retries_total",
			Help:      "Retried calls to external dependencies by operation.",
		},
		[]string{"service", "operation"},
	)

	registry.MustRegister(stageTotal, stageDuration, decisionTotal, runsInFlight, runDuration, commandTotal, commandDuration, queueLag, retryTotal)

	return &PipelineMetrics{
		registry:        registry,
		service:         service,
		stageTotal:      stageTotal,
		stageDuration:   stageDuration,
		decisionTotal:   decisionTotal,
		runsInFlight:    runsInFlight,
		runDuration:     runDuration,
		commandTotal:    commandTotal,
		commandDuration: commandDuration,
		queueLag:        queueLag,
		retryTotal:      retryTotal,
	}
}

func (m *PipelineMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *PipelineMetrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

func (m *PipelineMetrics) ObserveStage(stage domain.StageName, outcome string, duration time.Duration) {
	if outcome == "" {
		outcome = "unknown"
	}
	m.stageTotal.WithLabelValues(m.service, string(stage), outcome).Inc()
	if duration > 0 {
		m.stageDuration.WithLabelValues(m.service, string(stage)).Observe(duration.Seconds())
	}
}

func (m *PipelineMetrics) ObserveDecision(status domain.DecisionStatus, fallback bool) {
	m.decisionTotal.WithLabelValues(m.service, string(status), strconv.FormatBool(fallback)).Inc()
}

func (m *PipelineMetrics) RunStarted() {
	m.runsInFlight.Inc()
}

func (m *PipelineMetrics) RunFinished(state domain.StageName, duration time.Duration) {
	m.runsInFlight.Dec()
	m.runDuration.WithLabelValues(m.service, string(state)).Observe(duration.Seconds())
}

func (m *PipelineMetrics) FinishCommand(mode domain.RunMode, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.commandTotal.WithLabelValues(m.service, string(mode), status).Inc()
	m.commandDuration.WithLabelValues(m.service, string(mode)).Observe(duration.Seconds())
}

func (m *PipelineMetrics) ObserveQueueLag(lag time.Duration) {
	if lag < 0 {
		return
	}
	m.queueLag.WithLabelValues(m.service).Observe(lag.Seconds())
}

// ObserveRetry matches resilience.WithRetryHook.
func (m *PipelineMetrics) ObserveRetry(operation string) {
	m.retryTotal.WithLabelValues(m.service, operation).Inc()
}
