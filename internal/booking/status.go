package booking

import (
	"fmt"
	"strings"
)

// Status is the workflow's position in the booking state machine.
type Status string

const (
	StatusInitiated                   Status = "initiated"
	StatusCallingMedicalCenter        Status = "calling_medical_center"
	StatusAwaitingTimes               Status = "awaiting_times"
	StatusTimesCollected              Status = "times_collected"
	StatusCallingPatient              Status = "calling_patient"
	StatusAwaitingPatientConfirmation Status = "awaiting_patient_confirmation"
	StatusPatientConfirmed            Status = "patient_confirmed"
	StatusCallingToConfirm            Status = "calling_to_confirm"
	StatusConfirmingBooking           Status = "confirming_booking"
	StatusCompleted                   Status = "completed"
	StatusAwaitingMedicalCenterRetry  Status = "awaiting_medical_center_retry"
	StatusRetrying                    Status = "retrying"
	StatusAwaitingPatientRetry        Status = "awaiting_patient_retry"
	StatusFailed                      Status = "failed"
	StatusCancelled                   Status = "cancelled"
)

// terminal statuses, kept in sync with the partial unique index in migrations.
var terminalStatuses = []Status{StatusCompleted, StatusFailed, StatusCancelled}

var transitions = map[Status][]Status{
	StatusInitiated: {
		StatusCallingMedicalCenter, StatusFailed, StatusCancelled,
	},
	StatusCallingMedicalCenter: {
		StatusAwaitingTimes, StatusTimesCollected, StatusAwaitingMedicalCenterRetry, StatusFailed, StatusCancelled,
	},
	StatusAwaitingTimes: {
		StatusTimesCollected, StatusAwaitingMedicalCenterRetry, StatusFailed, StatusCancelled,
	},
	StatusTimesCollected: {
		StatusCallingPatient, StatusAwaitingPatientRetry, StatusFailed, StatusCancelled,
	},
	StatusCallingPatient: {
		StatusAwaitingPatientConfirmation, StatusPatientConfirmed, StatusAwaitingPatientRetry, StatusFailed, StatusCancelled,
	},
	StatusAwaitingPatientConfirmation: {
		StatusPatientConfirmed, StatusAwaitingPatientRetry, StatusFailed, StatusCancelled,
	},
	StatusPatientConfirmed: {
		StatusCallingToConfirm, StatusAwaitingMedicalCenterRetry, StatusFailed, StatusCancelled,
	},
	StatusCallingToConfirm: {
		StatusConfirmingBooking, StatusCompleted, StatusAwaitingMedicalCenterRetry, StatusFailed, StatusCancelled,
	},
	StatusConfirmingBooking: {
		StatusCompleted, StatusAwaitingMedicalCenterRetry, StatusFailed, StatusCancelled,
	},
	StatusAwaitingMedicalCenterRetry: {
		StatusRetrying, StatusFailed, StatusCancelled,
	},
	StatusAwaitingPatientRetry: {
		StatusRetrying, StatusFailed, StatusCancelled,
	},
	StatusRetrying: {
		StatusCallingMedicalCenter, StatusCallingPatient, StatusCallingToConfirm,
		StatusAwaitingMedicalCenterRetry, StatusAwaitingPatientRetry, StatusFailed, StatusCancelled,
	},
}

// CanTransition reports whether from → to is an edge of the state machine.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further automatic transition may occur.
func (s Status) IsTerminal() bool {
	for _, t := range terminalStatuses {
		if s == t {
			return true
		}
	}
	return false
}

// IsCalling reports whether a call is in flight in this status.
func (s Status) IsCalling() bool {
	switch s {
	case StatusCallingMedicalCenter, StatusCallingPatient, StatusCallingToConfirm:
		return true
	}
	return false
}

// awaitingAnalysis is the status a connected call parks in until call_analyzed arrives.
func awaitingAnalysis(leg Leg) Status {
	switch leg {
	case LegPatientConfirm:
		return StatusAwaitingPatientConfirmation
	case LegMedicalConfirm:
		return StatusConfirmingBooking
	default:
		return StatusAwaitingTimes
	}
}

// callingStatus is the in-flight status for a leg.
func callingStatus(leg Leg) Status {
	switch leg {
	case LegPatientConfirm:
		return StatusCallingPatient
	case LegMedicalConfirm:
		return StatusCallingToConfirm
	default:
		return StatusCallingMedicalCenter
	}
}

// isHandoff reports whether the status sits between a successful leg and the next call.
func isHandoff(s Status) bool {
	return s == StatusTimesCollected || s == StatusPatientConfirmed
}

// awaitingAnalysisLeg is the inverse of awaitingAnalysis.
func awaitingAnalysisLeg(s Status) (Leg, bool) {
	switch s {
	case StatusAwaitingTimes:
		return LegGetTimes, true
	case StatusAwaitingPatientConfirmation:
		return LegPatientConfirm, true
	case StatusConfirmingBooking:
		return LegMedicalConfirm, true
	}
	return "", false
}

// Statuses the sweep recovers once a workflow has sat in them too long.
// Between-call statuses are recovered quickly; statuses that wait on the
// provider get the longer call timeout.
var (
	stalledBetweenCalls = []Status{StatusInitiated, StatusRetrying, StatusTimesCollected, StatusPatientConfirmed}
	stalledOnProvider   = []Status{
		StatusCallingMedicalCenter, StatusCallingPatient, StatusCallingToConfirm,
		StatusAwaitingTimes, StatusAwaitingPatientConfirmation, StatusConfirmingBooking,
	}
)

// nextLeg is the leg a handoff status continues with.
func nextLeg(s Status) Leg {
	if s == StatusTimesCollected {
		return LegPatientConfirm
	}
	return LegMedicalConfirm
}

// ParseStatus accepts the stored spellings, including the "confirmed" synonym
// for completed.
func ParseStatus(v string) (Status, error) {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "confirmed" {
		return StatusCompleted, nil
	}
	s := Status(v)
	if _, ok := transitions[s]; ok || s.IsTerminal() {
		return s, nil
	}
	return "", fmt.Errorf("booking: unknown status %q", v)
}

func terminalStatusStrings() []string {
	return statusStrings(terminalStatuses)
}
