// Package types defines the value types shared by the BMC transport, job
// engine, and power coordinator.
package types

import (
	"fmt"
	"strings"
	"time"
)

// ApplyTime is the settings apply-time policy carried in @Redfish.SettingsApplyTime.
type ApplyTime string

const (
	// ApplyTimeImmediate applies the change as soon as it is submitted.
	ApplyTimeImmediate ApplyTime = "Immediate"
	// ApplyTimeOnReset applies the change on the next power transition.
	ApplyTimeOnReset ApplyTime = "OnReset"
	// ApplyTimeAtMaintenanceWindowStart applies the change when a maintenance window opens.
	ApplyTimeAtMaintenanceWindowStart ApplyTime = "AtMaintenanceWindowStart"
)

// ParseApplyTime normalizes a caller-provided apply-time value.
func ParseApplyTime(value string) (ApplyTime, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "immediate", "now":
		return ApplyTimeImmediate, nil
	case "onreset", "on-reset", "reboot":
		return ApplyTimeOnReset, nil
	case "atmaintenancewindowstart", "maintenance", "maintenance-window":
		return ApplyTimeAtMaintenanceWindowStart, nil
	default:
		return "", fmt.Errorf("unsupported apply time %q", strings.TrimSpace(value))
	}
}

// ApplyTimePolicy is the apply-time sub-object of a settings payload.
type ApplyTimePolicy struct {
	ApplyTime ApplyTime
	// WindowStart and WindowDuration are only used with ApplyTimeAtMaintenanceWindowStart.
	WindowStart    time.Time
	WindowDuration time.Duration
}

// Immediate returns an Immediate policy.
func Immediate() ApplyTimePolicy {
	return ApplyTimePolicy{ApplyTime: ApplyTimeImmediate}
}

// OnReset returns an OnReset policy.
func OnReset() ApplyTimePolicy {
	return ApplyTimePolicy{ApplyTime: ApplyTimeOnReset}
}

// MaintenanceWindow returns an AtMaintenanceWindowStart policy.
func MaintenanceWindow(start time.Time, duration time.Duration) ApplyTimePolicy {
	return ApplyTimePolicy{
		ApplyTime:      ApplyTimeAtMaintenanceWindowStart,
		WindowStart:    start,
		WindowDuration: duration,
	}
}

// Payload renders the policy as the @Redfish.SettingsApplyTime object.
func (p ApplyTimePolicy) Payload() map[string]any {
	applyTime := p.ApplyTime
	if applyTime == "" {
		applyTime = ApplyTimeImmediate
	}

	payload := map[string]any{"ApplyTime": string(applyTime)}
	if applyTime == ApplyTimeAtMaintenanceWindowStart {
		if !p.WindowStart.IsZero() {
			payload["MaintenanceWindowStartTime"] = p.WindowStart.UTC().Format(time.RFC3339)
		}
		if p.WindowDuration > 0 {
			payload["MaintenanceWindowDurationInSeconds"] = int64(p.WindowDuration / time.Second)
		}
	}
	return payload
}

// Validate checks that maintenance-window policies carry a window.
func (p ApplyTimePolicy) Validate() error {
	switch p.ApplyTime {
	case "", ApplyTimeImmediate, ApplyTimeOnReset:
		return nil
	case ApplyTimeAtMaintenanceWindowStart:
		if p.WindowStart.IsZero() {
			return fmt.Errorf("maintenance window start time is required")
		}
		if p.WindowDuration < 0 {
			return fmt.Errorf("maintenance window duration must not be negative")
		}
		return nil
	default:
		return fmt.Errorf("unsupported apply time %q", p.ApplyTime)
	}
}

// JobState is the normalized state of a server-side job.
type JobState string

const (
	// JobStateUnknown means neither state nor message could be interpreted.
	JobStateUnknown JobState = "Unknown"
	// JobStatePending indicates queued work that is not yet scheduled.
	JobStatePending JobState = "Pending"
	// JobStateScheduled indicates the job waits for its trigger (usually a reboot).
	JobStateScheduled JobState = "Scheduled"
	// JobStateRunning indicates the job is executing.
	JobStateRunning JobState = "Running"
	// JobStateCompleted indicates success.
	JobStateCompleted JobState = "Completed"
	// JobStateCompletedWithErrors indicates the job finished with errors.
	JobStateCompletedWithErrors JobState = "CompletedWithErrors"
	// JobStateFailed indicates failure.
	JobStateFailed JobState = "Failed"
)

// IsTerminal reports whether the state can never change again.
func (s JobState) IsTerminal() bool {
	switch s {
	case JobStateCompleted, JobStateCompletedWithErrors, JobStateFailed:
		return true
	default:
		return false
	}
}

// IsFailure reports whether the state is a failing terminal state.
func (s JobState) IsFailure() bool {
	return s == JobStateFailed || s == JobStateCompletedWithErrors
}

// Rank orders states by progress. Terminal states share the highest rank.
func (s JobState) Rank() int {
	switch s {
	case JobStatePending:
		return 1
	case JobStateScheduled:
		return 2
	case JobStateRunning:
		return 3
	case JobStateCompleted, JobStateCompletedWithErrors, JobStateFailed:
		return 4
	default:
		return 0
	}
}

// JobKind is discovered from the first successful poll.
type JobKind string

const (
	// JobKindUnknown is the kind before the first successful poll.
	JobKindUnknown JobKind = "Unknown"
	// JobKindRealtime completes without a power transition.
	JobKindRealtime JobKind = "RealtimeNoReboot"
	// JobKindStaged stays scheduled until the machine is power-cycled.
	JobKindStaged JobKind = "StagedRequiresReboot"
	// JobKindRepository is a repository (catalog) update job.
	JobKindRepository JobKind = "Repository"
	// JobKindUpdate is a firmware update job.
	JobKindUpdate JobKind = "Update"
	// JobKindExport is an export (logs, configuration, support data) job.
	JobKindExport JobKind = "Export"
)

// JobHandle identifies a job issued by the managed endpoint.
type JobHandle struct {
	ID string
	// Location is the raw Location header value, when one was returned.
	Location string
	// Collection is the collection path hint (for example /redfish/v1/Managers/iDRAC.Embedded.1/Jobs).
	Collection string
	Kind       JobKind
}

// IsZero reports whether the handle is empty.
func (h JobHandle) IsZero() bool {
	return strings.TrimSpace(h.ID) == ""
}

// Path returns the resource path used to poll the handle.
func (h JobHandle) Path() string {
	if loc := strings.TrimSpace(h.Location); loc != "" {
		return loc
	}
	if h.Collection == "" {
		return ""
	}
	return strings.TrimRight(h.Collection, "/") + "/" + h.ID
}

func (h JobHandle) String() string {
	return h.ID
}

// JobStatus is one structured job snapshot.
type JobStatus struct {
	ID              string
	State           JobState
	RawState        string
	Message         string
	MessageID       string
	PercentComplete *int
	Kind            JobKind
	JobType         string
	// Vendor carries the auxiliary vendor sub-dictionary (Oem.<vendor>).
	Vendor     map[string]any
	ObservedAt time.Time
	// Source is the resource path the snapshot was read from.
	Source string
	// Reason qualifies failing states (failed, completed-with-errors, already-present).
	Reason string
}

// PowerState is the managed machine power state.
type PowerState string

const (
	// PowerStateOn indicates the machine is powered on.
	PowerStateOn PowerState = "On"
	// PowerStateOff indicates the machine is powered off.
	PowerStateOff PowerState = "Off"
	// PowerStatePoweringOn is transient.
	PowerStatePoweringOn PowerState = "PoweringOn"
	// PowerStatePoweringOff is transient.
	PowerStatePoweringOff PowerState = "PoweringOff"
	// PowerStateUnknown is used when the endpoint omits or garbles the value.
	PowerStateUnknown PowerState = "Unknown"
)

// ParsePowerState normalizes a PowerState value read from the endpoint.
func ParsePowerState(value string) PowerState {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "on":
		return PowerStateOn
	case "off":
		return PowerStateOff
	case "poweringon":
		return PowerStatePoweringOn
	case "poweringoff":
		return PowerStatePoweringOff
	default:
		return PowerStateUnknown
	}
}

// ResetType is a ComputerSystem.Reset / Manager.Reset ResetType value.
type ResetType string

const (
	ResetTypeOn               ResetType = "On"
	ResetTypeGracefulShutdown ResetType = "GracefulShutdown"
	ResetTypeForceOff         ResetType = "ForceOff"
	ResetTypeGracefulRestart  ResetType = "GracefulRestart"
	ResetTypeForceRestart     ResetType = "ForceRestart"
)

// UpdateDescriptor describes one firmware package upload.
type UpdateDescriptor struct {
	// Path is the local file path. Filename defaults to its basename.
	Path     string
	Filename string
	Policy   ApplyTimePolicy
	// Targets optionally restricts the update to the listed resource URIs.
	Targets []string
	// TransferProtocol is used for remote fetch (SimpleUpdate) only.
	TransferProtocol string
	// Oem carries extra vendor parameters merged into the update parameters part.
	Oem map[string]any
}
