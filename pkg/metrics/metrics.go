// Package metrics provides Prometheus-based metrics recording for job
// orchestration and LLM provider operations.
package metrics

import "time"

// Recorder defines the interface for recording orchestration metrics.
type Recorder interface {
	// JobStarted records a job admitted by the scheduler.
	JobStarted()

	// JobFinished records a job reaching a terminal status.
	JobFinished(status string)

	// AdmissionRejected records a start request refused at capacity.
	AdmissionRejected()

	// ToolExecuted records a tool invocation and whether the safety guard
	// refused it.
	ToolExecuted(tool string, refused bool)

	// ObserveProviderRequest records a completed LLM request.
	ObserveProviderRequest(model string, success bool, duration time.Duration)

	// IncProviderRetry records a retried provider call.
	IncProviderRetry(model string)
}

// NoopRecorder implements Recorder with no-op behavior for when metrics are
// disabled.
type NoopRecorder struct{}

// Nop returns a no-op metrics recorder that discards all metrics.
func Nop() Recorder {
	return &NoopRecorder{}
}

// JobStarted does nothing in the no-op recorder.
func (n *NoopRecorder) JobStarted() {}

// JobFinished does nothing in the no-op recorder.
func (n *NoopRecorder) JobFinished(_ string) {}

// AdmissionRejected does nothing in the no-op recorder.
func (n *NoopRecorder) AdmissionRejected() {}

// ToolExecuted does nothing in the no-op recorder.
func (n *NoopRecorder) ToolExecuted(_ string, _ bool) {}

// ObserveProviderRequest does nothing in the no-op recorder.
func (n *NoopRecorder) ObserveProviderRequest(_ string, _ bool, _ time.Duration) {}

// IncProviderRetry does nothing in the no-op recorder.
func (n *NoopRecorder) IncProviderRetry(_ string) {}
