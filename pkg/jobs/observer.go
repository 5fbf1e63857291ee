package jobs

import "git.cscs.ch/openchami/chamicore-bmc/pkg/types"

// Observer receives job lifecycle notifications. Implementations must not block.
type Observer interface {
	// ObserveStatus is called when a snapshot differs from the previous one.
	ObserveStatus(handle types.JobHandle, status types.JobStatus)
	// ObserveRetry is called for every transient poll failure.
	ObserveRetry(handle types.JobHandle, attempt int, err error)
	// ObserveOutcome is called once per WaitUntilComplete call.
	ObserveOutcome(handle types.JobHandle, status types.JobStatus, err error)
}

// NopObserver ignores everything.
type NopObserver struct{}

func (NopObserver) ObserveStatus(types.JobHandle, types.JobStatus)         {}
func (NopObserver) ObserveRetry(types.JobHandle, int, error)               {}
func (NopObserver) ObserveOutcome(types.JobHandle, types.JobStatus, error) {}

// Observers fans notifications out to several observers.
type Observers []Observer

func (o Observers) ObserveStatus(handle types.JobHandle, status types.JobStatus) {
	for _, observer := range o {
		observer.ObserveStatus(handle, status)
	}
}

func (o Observers) ObserveRetry(handle types.JobHandle, attempt int, err error) {
	for _, observer := range o {
		observer.ObserveRetry(handle, attempt, err)
	}
}

func (o Observers) ObserveOutcome(handle types.JobHandle, status types.JobStatus, err error) {
	for _, observer := range o {
		observer.ObserveOutcome(handle, status, err)
	}
}
