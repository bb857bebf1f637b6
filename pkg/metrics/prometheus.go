package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusRecorder implements the Recorder interface using Prometheus
// metrics registered against an explicit registry.
type PrometheusRecorder struct {
	jobsRunning        prometheus.Gauge
	jobsTotal          *prometheus.CounterVec
	admissionsRejected prometheus.Counter
	toolsTotal         *prometheus.CounterVec
	providerRequests   *prometheus.CounterVec
	providerRetries    *prometheus.CounterVec
	providerDuration   *prometheus.HistogramVec
}

// NewPrometheusRecorder creates a Prometheus-based metrics recorder.
func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	factory := promauto.With(reg)
	return &PrometheusRecorder{
		jobsRunning: factory.NewGauge(prometheus.GaugeOpts{
			Name: "runner_jobs_running",
			Help: "Number of jobs currently running",
		}),
		jobsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "runner_jobs_total",
				Help: "Total number of jobs by terminal status",
			},
			[]string{"status"},
		),
		admissionsRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "runner_admissions_rejected_total",
			Help: "Total number of start requests rejected at capacity",
		}),
		toolsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "runner_tool_executions_total",
				Help: "Total number of tool invocations by tool and outcome",
			},
			[]string{"tool", "outcome"},
		),
		providerRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llm_requests_total",
				Help: "Total number of LLM requests by model and status",
			},
			[]string{"model", "status"},
		),
		providerRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llm_retries_total",
				Help: "Total number of retried LLM requests",
			},
			[]string{"model"},
		),
		providerDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "llm_request_duration_seconds",
				Help:    "Duration of LLM requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"model"},
		),
	}
}

// JobStarted records a job admitted by the scheduler.
func (p *PrometheusRecorder) JobStarted() {
	p.jobsRunning.Inc()
}

// JobFinished records a job reaching a terminal status.
func (p *PrometheusRecorder) JobFinished(status string) {
	p.jobsRunning.Dec()
	p.jobsTotal.WithLabelValues(status).Inc()
}

// AdmissionRejected records a start request refused at capacity.
func (p *PrometheusRecorder) AdmissionRejected() {
	p.admissionsRejected.Inc()
}

// ToolExecuted records a tool invocation outcome.
func (p *PrometheusRecorder) ToolExecuted(tool string, refused bool) {
	outcome := "executed"
	if refused {
		outcome = "refused"
	}
	p.toolsTotal.WithLabelValues(tool, outcome).Inc()
}

// ObserveProviderRequest records a completed LLM request.
func (p *PrometheusRecorder) ObserveProviderRequest(model string, success bool, duration time.Duration) {
	status := "success"
	if !success {
		status = "error"
	}
	p.providerRequests.WithLabelValues(model, status).Inc()
	p.providerDuration.WithLabelValues(model).Observe(duration.Seconds())
}

// IncProviderRetry records a retried provider call.
func (p *PrometheusRecorder) IncProviderRetry(model string) {
	p.providerRetries.WithLabelValues(model).Inc()
}
