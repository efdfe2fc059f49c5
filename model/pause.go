package model

// PauseReason explains why a partition was auto-paused.
type PauseReason int

const (
	ReasonSendError PauseReason = iota
	ReasonExceededMaxInFlight
	ReasonTopicNotReady
	ReasonManual
)

func (r PauseReason) String() string {
	switch r {
	case ReasonSendError:
		return "SEND_ERROR"
	case ReasonExceededMaxInFlight:
		return "EXCEEDED_MAX_IN_FLIGHT"
	case ReasonTopicNotReady:
		return "TOPIC_NOT_READY"
	case ReasonManual:
		return "MANUAL"
	default:
		return "UNKNOWN"
	}
}

// PauseEntry records why a partition is auto-paused and, for every reason
// but MANUAL, the predicate that must return true before it is eligible to
// resume.
type PauseEntry struct {
	Reason          PauseReason
	ResumePredicate func() bool
}

// ShouldResume reports whether the entry's predicate (if any) currently
// permits resuming. MANUAL entries never auto-resume.
func (e PauseEntry) ShouldResume() bool {
	if e.Reason == ReasonManual || e.ResumePredicate == nil {
		return false
	}
	return e.ResumePredicate()
}
