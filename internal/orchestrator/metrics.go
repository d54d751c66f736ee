package orchestrator

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for task execution.
// All metrics use the kazi_task_ namespace.
type Metrics struct {
	TasksTotal        *prometheus.CounterVec
	TaskDuration      *prometheus.HistogramVec
	ActiveTasks       prometheus.Gauge
	AdmissionWait     *prometheus.HistogramVec
	ProvisionFailures *prometheus.CounterVec
	SandboxesReaped   prometheus.Counter
	ProtocolViolation prometheus.Counter
}

// NewMetrics creates and registers task metrics on the given registry.
// Returns nil if reg is nil; a nil *Metrics is safe to use.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		TasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "task",
			Name:      "total",
			Help:      "Total tasks by agent class and final status.",
		}, []string{"agent_class", "status"}),

		TaskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kazi",
			Subsystem: "task",
			Name:      "duration_seconds",
			Help:      "Task wall-clock duration in seconds by agent class.",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"agent_class"}),

		ActiveTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kazi",
			Subsystem: "task",
			Name:      "active",
			Help:      "Number of currently running tasks.",
		}),

		AdmissionWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kazi",
			Subsystem: "task",
			Name:      "admission_wait_seconds",
			Help:      "Time spent waiting for an admission ticket by policy.",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"policy"}),

		ProvisionFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "task",
			Name:      "provision_failures_total",
			Help:      "Sandbox provisioning failures by reason (quota, template, conflict, other).",
		}, []string{"reason"}),

		SandboxesReaped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "task",
			Name:      "sandboxes_reaped_total",
			Help:      "Orphaned sandboxes removed by the reaper.",
		}),

		ProtocolViolation: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "task",
			Name:      "protocol_violations_total",
			Help:      "Runs whose output stream broke the marker protocol.",
		}),
	}

	reg.MustRegister(
		m.TasksTotal,
		m.TaskDuration,
		m.ActiveTasks,
		m.AdmissionWait,
		m.ProvisionFailures,
		m.SandboxesReaped,
		m.ProtocolViolation,
	)

	return m
}

func (m *Metrics) taskFinished(class, status string, seconds float64) {
	if m == nil {
		return
	}
	m.TasksTotal.WithLabelValues(class, status).Inc()
	m.TaskDuration.WithLabelValues(class).Observe(seconds)
}

func (m *Metrics) admissionWaited(policy string, seconds float64) {
	if m == nil {
		return
	}
	m.AdmissionWait.WithLabelValues(policy).Observe(seconds)
}

func (m *Metrics) provisionFailed(reason string) {
	if m == nil {
		return
	}
	m.ProvisionFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) reaped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.SandboxesReaped.Add(float64(n))
}

func (m *Metrics) violated() {
	if m == nil {
		return
	}
	m.ProtocolViolation.Inc()
}

func (m *Metrics) taskStarted() {
	if m == nil {
		return
	}
	m.ActiveTasks.Inc()
}

func (m *Metrics) taskDone() {
	if m == nil {
		return
	}
	m.ActiveTasks.Dec()
}
