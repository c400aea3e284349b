package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the control plane. Methods are
// safe to call on a nil *Metrics.
type Metrics struct {
	Registry *prometheus.Registry

	ExecutionsTotal    *prometheus.CounterVec
	ExecutionDuration  *prometheus.HistogramVec
	ExecutorErrors     *prometheus.CounterVec
	ActiveExecutions   *prometheus.GaugeVec
	DispatchAnomalies  prometheus.Counter
	ScriptFindings     *prometheus.CounterVec
	NodeReachable      *prometheus.GaugeVec
	GPUSamplesIngested *prometheus.CounterVec
	GPUUtilization     *prometheus.GaugeVec
	GPUMemoryMB        *prometheus.GaugeVec
	PersistenceDropped prometheus.Counter
	RequestsInFlight   prometheus.Gauge
	ScriptSizeBytes    prometheus.Histogram
	OutputSizeBytes    prometheus.Histogram
}

// NewMetrics creates and registers all Prometheus metrics using a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		ExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "bastion",
				Name:      "executions_total",
				Help:      "Total number of finished executions by status and outcome.",
			},
			[]string{"status", "outcome"},
		),

		ExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "bastion",
				Name:      "execution_duration_seconds",
				Help:      "Duration of executions from start to completion in seconds.",
				Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"node"},
		),

		ExecutorErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "bastion",
				Name:      "executor_errors_total",
				Help:      "Executions that ended without a process exit, by type.",
			},
			[]string{"type"},
		),

		ActiveExecutions: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "bastion",
				Name:      "active_executions",
				Help:      "Number of executions currently pending or running.",
			},
			[]string{"status"},
		),

		DispatchAnomalies: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "bastion",
				Name:      "dispatch_anomalies_total",
				Help:      "Finalize attempts rejected because the execution was already terminal.",
			},
		),

		ScriptFindings: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "bastion",
				Name:      "script_findings_total",
				Help:      "Risky patterns found in stored command scripts.",
			},
			[]string{"pattern"},
		),

		NodeReachable: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "bastion",
				Name:      "node_reachable",
				Help:      "1 if the last probe of the node succeeded, else 0.",
			},
			[]string{"node"},
		),

		GPUSamplesIngested: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "bastion",
				Subsystem: "gpu",
				Name:      "samples_ingested_total",
				Help:      "GPU samples accepted by the telemetry store, by source.",
			},
			[]string{"source"},
		),

		GPUUtilization: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "bastion",
				Subsystem: "gpu",
				Name:      "utilization_percent",
				Help:      "Latest GPU utilization per node.",
			},
			[]string{"node"},
		),

		GPUMemoryMB: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "bastion",
				Subsystem: "gpu",
				Name:      "memory_used_mb",
				Help:      "Latest GPU memory in use per node.",
			},
			[]string{"node"},
		),

		PersistenceDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "bastion",
				Subsystem: "storage",
				Name:      "dropped_writes_total",
				Help:      "Write-behind operations dropped because the buffer was full or retries ran out.",
			},
		),

		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "bastion",
				Subsystem: "api",
				Name:      "requests_in_flight",
				Help:      "Number of HTTP requests currently being processed.",
			},
		),

		ScriptSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "bastion",
				Name:      "script_size_bytes",
				Help:      "Size of dispatched scripts in bytes.",
				Buckets:   prometheus.ExponentialBuckets(16, 4, 8),
			},
		),

		OutputSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "bastion",
				Name:      "output_size_bytes",
				Help:      "Size of captured stdout plus stderr in bytes.",
				Buckets:   prometheus.ExponentialBuckets(10, 4, 8),
			},
		),
	}

	// Register all collectors
	reg.MustRegister(
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.ExecutorErrors,
		m.ActiveExecutions,
		m.DispatchAnomalies,
		m.ScriptFindings,
		m.NodeReachable,
		m.GPUSamplesIngested,
		m.GPUUtilization,
		m.GPUMemoryMB,
		m.PersistenceDropped,
		m.RequestsInFlight,
		m.ScriptSizeBytes,
		m.OutputSizeBytes,
	)

	return m
}

// RecordExecution records metrics for a finished execution.
func (m *Metrics) RecordExecution(nodeID, status, outcome string, durationSec float64, outputBytes int) {
	if m == nil {
		return
	}
	m.ExecutionsTotal.WithLabelValues(status, outcome).Inc()
	m.ExecutionDuration.WithLabelValues(nodeID).Observe(durationSec)
	m.OutputSizeBytes.Observe(float64(outputBytes))
}

// RecordError records an executor failure by type.
func (m *Metrics) RecordError(errType string) {
	if m == nil {
		return
	}
	m.ExecutorErrors.WithLabelValues(errType).Inc()
}

// RecordTransition moves one execution between lifecycle gauges. Empty
// from or to skips that side.
func (m *Metrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	if from != "" {
		m.ActiveExecutions.WithLabelValues(from).Dec()
	}
	if to != "" {
		m.ActiveExecutions.WithLabelValues(to).Inc()
	}
}

// RecordAnomaly counts a rejected duplicate finalize.
func (m *Metrics) RecordAnomaly() {
	if m == nil {
		return
	}
	m.DispatchAnomalies.Inc()
}

// RecordDispatch records the size of a dispatched script.
func (m *Metrics) RecordDispatch(scriptBytes int) {
	if m == nil {
		return
	}
	m.ScriptSizeBytes.Observe(float64(scriptBytes))
}

// RecordScriptFinding records a risky script pattern.
func (m *Metrics) RecordScriptFinding(pattern string) {
	if m == nil {
		return
	}
	m.ScriptFindings.WithLabelValues(pattern).Inc()
}

// RecordNodeReachability implements registry.ProbeObserver.
func (m *Metrics) RecordNodeReachability(nodeID string, reachable bool) {
	if m == nil {
		return
	}
	v := 0.0
	if reachable {
		v = 1
	}
	m.NodeReachable.WithLabelValues(nodeID).Set(v)
}

// RecordGPUSample records an accepted GPU sample.
func (m *Metrics) RecordGPUSample(source, nodeID string, utilization float64, memoryMB int64) {
	if m == nil {
		return
	}
	m.GPUSamplesIngested.WithLabelValues(source).Inc()
	m.GPUUtilization.WithLabelValues(nodeID).Set(utilization)
	m.GPUMemoryMB.WithLabelValues(nodeID).Set(float64(memoryMB))
}

// RecordDroppedWrite counts a persistence operation that was lost.
func (m *Metrics) RecordDroppedWrite() {
	if m == nil {
		return
	}
	m.PersistenceDropped.Inc()
}
