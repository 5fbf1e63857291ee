package jobs

import (
	"strings"
	"time"

	"git.cscs.ch/openchami/chamicore-bmc/pkg/redfish"
	"git.cscs.ch/openchami/chamicore-bmc/pkg/types"
)

// Failure reasons carried on failing snapshots and FailureError.
const (
	ReasonFailed              = "failed"
	ReasonCompletedWithErrors = "completed-with-errors"
	ReasonAlreadyPresent      = "already-present"
)

// ScheduledMessage is the message some endpoints report instead of a Scheduled state.
const ScheduledMessage = "Task successfully scheduled."

var (
	failureKeywords = []string{"fail", "error", "unable", "invalid", "cannot"}
	successPhrases  = []string{
		"completed successfully",
		"successfully completed",
		"job completed",
		"command was successful",
	}
)

// ParseStatus extracts a job snapshot from a job or task resource. Missing
// fields stay empty and an uninterpretable state is JobStateUnknown.
func ParseStatus(entity redfish.Entity, source string, observedAt time.Time) types.JobStatus {
	vendor := entity.Path("Oem", "Dell")
	messages := entity.Objects("Messages")

	status := types.JobStatus{
		ID:         firstNonEmpty(entity.String("Id"), redfish.MemberID(source)),
		RawState:   firstNonEmpty(entity.String("JobState"), entity.String("TaskState"), vendor.String("JobState")),
		Message:    entity.String("Message"),
		MessageID:  firstNonEmpty(entity.String("MessageId"), vendor.String("MessageId")),
		JobType:    firstNonEmpty(entity.String("JobType"), vendor.String("JobType")),
		ObservedAt: observedAt,
		Source:     source,
	}
	if status.Message == "" && len(messages) > 0 {
		status.Message = messages[0].String("Message")
		if status.MessageID == "" {
			status.MessageID = messages[0].String("MessageId")
		}
	}
	if status.Message == "" {
		status.Message = vendor.String("Message")
	}
	if percent, ok := entity.Int("PercentComplete"); ok {
		status.PercentComplete = &percent
	} else if percent, ok := vendor.Int("PercentComplete"); ok {
		status.PercentComplete = &percent
	}
	if vendor != nil {
		status.Vendor = map[string]any(vendor)
	}

	status.Kind = KindFromJobType(status.JobType)
	status.State, status.Reason = Classify(status.RawState, status.Message)
	return status
}

// Classify combines the state field and the message into one state. Any
// failure signal wins; otherwise the more advanced of the two is taken.
// PercentComplete is deliberately not an input.
func Classify(rawState, message string) (types.JobState, string) {
	fromState := stateFromRaw(rawState)
	lowerMessage := strings.ToLower(strings.TrimSpace(message))

	switch {
	case strings.Contains(lowerMessage, "already present"):
		return types.JobStateFailed, ReasonAlreadyPresent
	case fromState == types.JobStateCompletedWithErrors:
		return types.JobStateCompletedWithErrors, ReasonCompletedWithErrors
	case fromState == types.JobStateFailed:
		return types.JobStateFailed, ReasonFailed
	case containsAny(lowerMessage, failureKeywords):
		return types.JobStateFailed, ReasonFailed
	}

	fromMessage := stateFromMessage(lowerMessage)
	if fromMessage.Rank() > fromState.Rank() {
		return fromMessage, ""
	}
	return fromState, ""
}

func stateFromRaw(raw string) types.JobState {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "new", "pending", "queued", "starting", "scheduling", "waiting", "downloading", "downloaded":
		return types.JobStatePending
	case "scheduled", "pendingactivation", "readyforexecution":
		return types.JobStateScheduled
	case "running", "inprogress", "stopping", "cancelling", "service", "continue",
		"suspended", "interrupted", "paused", "userintervention":
		return types.JobStateRunning
	case "completed", "complete", "succeeded":
		return types.JobStateCompleted
	case "completedwitherrors":
		return types.JobStateCompletedWithErrors
	case "failed", "exception", "killed", "cancelled", "canceled":
		return types.JobStateFailed
	default:
		return types.JobStateUnknown
	}
}

func stateFromMessage(lowerMessage string) types.JobState {
	if lowerMessage == "" {
		return types.JobStateUnknown
	}
	if strings.TrimSuffix(lowerMessage, ".") == strings.TrimSuffix(strings.ToLower(ScheduledMessage), ".") {
		return types.JobStateScheduled
	}
	if containsAny(lowerMessage, successPhrases) {
		return types.JobStateCompleted
	}
	return types.JobStateUnknown
}

// KindFromJobType maps a vendor job type onto a job kind.
func KindFromJobType(jobType string) types.JobKind {
	lower := strings.ToLower(strings.TrimSpace(jobType))
	switch {
	case lower == "":
		return types.JobKindUnknown
	case strings.Contains(lower, "realtime"):
		return types.JobKindRealtime
	case strings.Contains(lower, "repository"):
		return types.JobKindRepository
	case strings.Contains(lower, "firmware"), strings.Contains(lower, "update"):
		return types.JobKindUpdate
	case strings.Contains(lower, "export"), strings.Contains(lower, "collection"), strings.Contains(lower, "lclog"):
		return types.JobKindExport
	case strings.Contains(lower, "configuration"), strings.Contains(lower, "config"):
		return types.JobKindStaged
	default:
		return types.JobKindUnknown
	}
}

func containsAny(s string, needles []string) bool {
	for _, needle := range needles {
		if strings.Contains(s, needle) {
			return true
		}
	}
	return false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
