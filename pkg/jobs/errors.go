package jobs

import (
	"errors"
	"fmt"

	"git.cscs.ch/openchami/chamicore-bmc/pkg/redfish"
	"git.cscs.ch/openchami/chamicore-bmc/pkg/types"
)

// FailureError reports a job that reached a failing terminal state.
// errors.Is(err, redfish.ErrJobFailed) matches it.
type FailureError struct {
	Reason string
	Status types.JobStatus
}

func (e *FailureError) Error() string {
	message := e.Status.Message
	if message == "" {
		message = e.Status.RawState
	}
	return fmt.Sprintf("job %s %s (%s): %s", e.Status.ID, redfish.ErrJobFailed, e.Reason, message)
}

// Unwrap returns redfish.ErrJobFailed.
func (e *FailureError) Unwrap() error {
	return redfish.ErrJobFailed
}

// IsAlreadyPresent reports whether err is a job failure caused by a duplicate
// request. Callers may choose to treat it as success.
func IsAlreadyPresent(err error) bool {
	var failure *FailureError
	return errors.As(err, &failure) && failure.Reason == ReasonAlreadyPresent
}

func failureFor(status types.JobStatus) error {
	reason := status.Reason
	if reason == "" {
		reason = ReasonFailed
	}
	return &FailureError{Reason: reason, Status: status}
}
