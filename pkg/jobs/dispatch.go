package jobs

import (
	"context"
	"fmt"

	"git.cscs.ch/openchami/chamicore-bmc/pkg/redfish"
	"git.cscs.ch/openchami/chamicore-bmc/pkg/types"
)

// Rebooter power-cycles the managed machine so staged jobs can run.
type Rebooter interface {
	Reboot(ctx context.Context) error
}

// RebootFunc adapts a function to Rebooter.
type RebootFunc func(ctx context.Context) error

// Reboot calls f.
func (f RebootFunc) Reboot(ctx context.Context) error {
	return f(ctx)
}

// Outcome is the result of driving one job under an apply-time policy.
type Outcome struct {
	Handle types.JobHandle
	Status types.JobStatus
	// Rebooted is set when a power cycle was issued.
	Rebooted bool
	// Deferred is set when completion is left to the caller: the job waits for
	// a maintenance window, or no rebooter was supplied for an OnReset job.
	Deferred bool
}

// Drive takes a submitted job through the path its apply-time policy needs:
// Immediate polls to completion, OnReset waits for scheduling, reboots, and
// polls to completion, and AtMaintenanceWindowStart only confirms the job
// exists. Window expiry without progress is left to the caller.
func (e *Engine) Drive(
	ctx context.Context,
	handle types.JobHandle,
	policy types.ApplyTimePolicy,
	rebooter Rebooter,
	opts WaitOptions,
) (Outcome, error) {
	outcome := Outcome{Handle: handle}

	switch policy.ApplyTime {
	case "", types.ApplyTimeImmediate:
		status, err := e.WaitUntilComplete(ctx, handle, opts)
		outcome.Status = status
		return outcome, err

	case types.ApplyTimeOnReset:
		status, err := e.WaitUntilScheduled(ctx, handle, WaitOptions{
			PollInterval:    opts.PollInterval,
			ControllerReset: opts.ControllerReset,
		})
		outcome.Status = status
		if err != nil || status.State.IsTerminal() {
			return outcome, err
		}
		if rebooter == nil {
			outcome.Deferred = true
			return outcome, nil
		}

		e.log.Info().Str("job_id", handle.ID).Msg("job scheduled; rebooting to apply")
		if err := rebooter.Reboot(ctx); err != nil {
			return outcome, fmt.Errorf("rebooting for job %s: %w", handle.ID, err)
		}
		outcome.Rebooted = true

		status, err = e.WaitUntilComplete(ctx, handle, opts)
		outcome.Status = status
		return outcome, err

	case types.ApplyTimeAtMaintenanceWindowStart:
		status, err := e.Confirm(ctx, handle, WaitOptions{PollInterval: opts.PollInterval})
		outcome.Status = status
		outcome.Deferred = err == nil
		return outcome, err

	default:
		return outcome, redfish.NewError(redfish.ErrInvalidRequest, "drive "+handle.ID, 0,
			fmt.Sprintf("unsupported apply time %q", policy.ApplyTime), nil)
	}
}
