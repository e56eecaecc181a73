package http

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_model/go"
	"github.com/rs/zerolog/log"

	"github.com/innkeep/eagle-eye/internal/ledger"
)

// executionResults enumerates the labels the executor reports, used when
// reading counters back for the success ratio gauge.
var executionResults = []string{"completed", "failed", "timeout", "skipped"}

// Metrics holds all Prometheus instruments for the service. It carries its
// own registry so multiple instances never collide.
type Metrics struct {
	registry *prometheus.Registry

	// Execution metrics
	ExecutionDuration *prometheus.HistogramVec
	Executions        *prometheus.CounterVec
	SuccessRatio      prometheus.Gauge

	// Ledger metrics
	LedgerEntries   *prometheus.CounterVec
	AppendRetries   prometheus.Counter
	CurrentSequence prometheus.Gauge

	// Verification metrics
	VerificationRuns   *prometheus.CounterVec
	VerificationErrors *prometheus.CounterVec

	// Slot and queue metrics
	SlotTransitions *prometheus.CounterVec
	QueueDepth      prometheus.Gauge
}

// NewMetrics creates and registers all service metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		ExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "eagleeye_execution_duration_seconds",
				Help:    "Duration of slot task executions in seconds",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
			[]string{"task_type", "result"},
		),

		Executions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eagleeye_executions_total",
				Help: "Total slot task executions by task type and result",
			},
			[]string{"task_type", "result"},
		),

		SuccessRatio: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "eagleeye_execution_success_ratio",
				Help: "Share of executions that completed (0.0 to 1.0)",
			},
		),

		LedgerEntries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eagleeye_ledger_entries_total",
				Help: "Total ledger entries appended by task type",
			},
			[]string{"task_type"},
		),

		AppendRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "eagleeye_ledger_append_retries_total",
				Help: "Total ledger persistence retries",
			},
		),

		CurrentSequence: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "eagleeye_ledger_current_sequence",
				Help: "Highest sequence number appended to the ledger",
			},
		),

		VerificationRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eagleeye_verification_runs_total",
				Help: "Total integrity verification runs by result",
			},
			[]string{"result"},
		),

		VerificationErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eagleeye_verification_errors_total",
				Help: "Total integrity violations found by check",
			},
			[]string{"check"},
		),

		SlotTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eagleeye_slot_transitions_total",
				Help: "Total slot status transitions by resulting status",
			},
			[]string{"status"},
		),

		QueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "eagleeye_queue_depth",
				Help: "Descriptors currently waiting in the task queue",
			},
		),
	}

	m.registry.MustRegister(
		m.ExecutionDuration,
		m.Executions,
		m.SuccessRatio,
		m.LedgerEntries,
		m.AppendRetries,
		m.CurrentSequence,
		m.VerificationRuns,
		m.VerificationErrors,
		m.SlotTransitions,
		m.QueueDepth,
	)

	return m
}

// ObserveExecution records one finished execution. The signature matches
// the executor's result hook.
func (m *Metrics) ObserveExecution(taskType, result string, elapsed time.Duration) {
	m.ExecutionDuration.WithLabelValues(taskType, result).Observe(elapsed.Seconds())
	m.Executions.WithLabelValues(taskType, result).Inc()
	m.updateSuccessRatio()

	log.Debug().
		Str("task_type", taskType).
		Str("result", result).
		Dur("elapsed", elapsed).
		Msg("execution observed")
}

// RecordEntry counts an appended ledger entry and advances the sequence
// gauge. The signature matches the ledger observer hook.
func (m *Metrics) RecordEntry(entry *ledger.Entry) {
	m.LedgerEntries.WithLabelValues(entry.TaskType).Inc()
	m.CurrentSequence.Set(float64(entry.SequenceNumber))
}

// RecordAppendRetry counts one persistence retry. The signature matches
// the ledger retry hook.
func (m *Metrics) RecordAppendRetry(attempt int) {
	m.AppendRetries.Inc()
}

// RecordVerification counts a verification run and its violations.
func (m *Metrics) RecordVerification(report *ledger.Report) {
	result := "passed"
	if !report.IsValid {
		result = "failed"
	}
	m.VerificationRuns.WithLabelValues(result).Inc()
	for _, violation := range report.Errors {
		m.VerificationErrors.WithLabelValues(violation.Check).Inc()
	}
}

// RecordSlotStatus counts a slot landing in the given status.
func (m *Metrics) RecordSlotStatus(status string) {
	m.SlotTransitions.WithLabelValues(status).Inc()
}

// SetQueueDepth publishes the current queue length.
func (m *Metrics) SetQueueDepth(n int) {
	m.QueueDepth.Set(float64(n))
}

// updateSuccessRatio recomputes the success gauge by reading the
// execution counters back. A skipped run counts as success: its slot
// completes with a recorded no-op entry.
func (m *Metrics) updateSuccessRatio() {
	metric := &io_prometheus_client.Metric{}

	totals := make(map[string]float64, len(executionResults))
	taskTypes := m.knownTaskTypes()
	for _, result := range executionResults {
		for _, taskType := range taskTypes {
			counter, err := m.Executions.GetMetricWithLabelValues(taskType, result)
			if err != nil {
				continue
			}
			if err := counter.Write(metric); err != nil {
				continue
			}
			totals[result] += metric.GetCounter().GetValue()
		}
	}

	succeeded := totals["completed"] + totals["skipped"]
	total := succeeded + totals["failed"] + totals["timeout"]
	if total > 0 {
		m.SuccessRatio.Set(succeeded / total)
	}
}

// knownTaskTypes lists the task type labels seen so far by gathering the
// executions counter family.
func (m *Metrics) knownTaskTypes() []string {
	families, err := m.registry.Gather()
	if err != nil {
		return nil
	}

	seen := make(map[string]struct{})
	for _, family := range families {
		if family.GetName() != "eagleeye_executions_total" {
			continue
		}
		for _, metric := range family.GetMetric() {
			for _, label := range metric.GetLabel() {
				if label.GetName() == "task_type" {
					seen[label.GetValue()] = struct{}{}
				}
			}
		}
	}

	types := make([]string, 0, len(seen))
	for taskType := range seen {
		types = append(types, taskType)
	}
	return types
}

// Handler exposes the registry for GET /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
