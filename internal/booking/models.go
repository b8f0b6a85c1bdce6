package booking

import (
	"time"

	"github.com/google/uuid"
)

// Leg identifies which of the three calls a dispatch or retry belongs to.
type Leg string

const (
	LegGetTimes       Leg = "medical_center_get_times"
	LegPatientConfirm Leg = "patient_confirm"
	LegMedicalConfirm Leg = "medical_center_confirm"
)

// Target returns who is dialed for the leg.
func (l Leg) Target() CallTarget {
	if l == LegPatientConfirm {
		return TargetPatient
	}
	return TargetMedicalCenter
}

// CallTarget is the party a call is placed to.
type CallTarget string

const (
	TargetMedicalCenter CallTarget = "medical_center"
	TargetPatient       CallTarget = "patient"
)

// Outcome classifies how a call finished.
type Outcome string

const (
	OutcomeCompleted  Outcome = "completed"
	OutcomeNoAnswer   Outcome = "no_answer"
	OutcomeVoicemail  Outcome = "voicemail"
	OutcomeBusy       Outcome = "busy"
	OutcomeFailed     Outcome = "failed"
	OutcomeInProgress Outcome = "in_progress"
)

// Retryable reports whether the outcome sends the leg to the retry branch.
func (o Outcome) Retryable() bool {
	return o == OutcomeNoAnswer || o == OutcomeVoicemail || o == OutcomeBusy
}

// DoctorPreference says whether the worker must see a specific doctor.
type DoctorPreference string

const (
	AnyDoctor      DoctorPreference = "any_doctor"
	SpecificDoctor DoctorPreference = "specific_doctor"
)

// Urgency drives sweep priority and the agent's phrasing.
type Urgency string

const (
	UrgencyUrgent Urgency = "urgent"
	UrgencyNormal Urgency = "normal"
	UrgencyLow    Urgency = "low"
)

func (u Urgency) rank() int {
	switch u {
	case UrgencyUrgent:
		return 0
	case UrgencyLow:
		return 2
	default:
		return 1
	}
}

// Workflow is one end-to-end attempt to book an appointment for an incident.
type Workflow struct {
	ID                   uuid.UUID        `json:"id"`
	IncidentID           string           `json:"incident_id"`
	MedicalCenterID      string           `json:"medical_center_id"`
	Status               Status           `json:"status"`
	CurrentLeg           Leg              `json:"current_leg,omitempty"`
	MedicalCenterAttempt int              `json:"medical_center_attempt"`
	RetryAttempt         int              `json:"retry_attempt"`
	PatientCallAttempts  int              `json:"patient_call_attempts"`
	CallCount            int              `json:"call_count"`
	RetryScheduledAt     *time.Time       `json:"retry_scheduled_at,omitempty"`
	PatientNextRetryAt   *time.Time       `json:"patient_next_retry_at,omitempty"`
	CurrentCallID        *string          `json:"current_call_id,omitempty"`
	LastCallID           *string          `json:"last_call_id,omitempty"`
	CurrentCallStartedAt *time.Time       `json:"current_call_started_at,omitempty"`
	CurrentCallEndedAt   *time.Time       `json:"current_call_ended_at,omitempty"`
	LastCallType         CallTarget       `json:"last_call_type,omitempty"`
	LastCallOutcome      Outcome          `json:"last_call_outcome,omitempty"`
	FailureReason        string           `json:"failure_reason,omitempty"`
	AvailableTimes       []string         `json:"available_times"`
	SelectedTime         string           `json:"selected_time,omitempty"`
	ConfirmedDatetime    string           `json:"confirmed_datetime,omitempty"`
	DoctorPreference     DoctorPreference `json:"doctor_preference"`
	PreferredDoctorID    string           `json:"preferred_doctor_id,omitempty"`
	Urgency              Urgency          `json:"urgency"`
	RequestedBy          string           `json:"requested_by,omitempty"`
	CreatedAt            time.Time        `json:"created_at"`
	UpdatedAt            time.Time        `json:"updated_at"`
}

// CallActive reports whether a call handle is currently in flight.
func (w *Workflow) CallActive() bool {
	return w.CurrentCallID != nil && w.CurrentCallEndedAt == nil
}

// VisibleAt applies the active-view filter: cancelled workflows are hidden,
// failed ones disappear once older than cutoff.
func (w *Workflow) VisibleAt(now time.Time, cutoff time.Duration) bool {
	switch w.Status {
	case StatusCancelled:
		return false
	case StatusFailed:
		return now.Sub(w.UpdatedAt) <= cutoff
	default:
		return true
	}
}

func (w *Workflow) clone() *Workflow {
	cp := *w
	cp.AvailableTimes = append([]string{}, w.AvailableTimes...)
	cp.RetryScheduledAt = cloneTime(w.RetryScheduledAt)
	cp.PatientNextRetryAt = cloneTime(w.PatientNextRetryAt)
	cp.CurrentCallStartedAt = cloneTime(w.CurrentCallStartedAt)
	cp.CurrentCallEndedAt = cloneTime(w.CurrentCallEndedAt)
	cp.CurrentCallID = cloneString(w.CurrentCallID)
	cp.LastCallID = cloneString(w.LastCallID)
	return &cp
}

// CallRecord is the audit entry for one physical call attempt.
type CallRecord struct {
	ID              uuid.UUID  `json:"id"`
	WorkflowID      uuid.UUID  `json:"workflow_id"`
	Sequence        int        `json:"sequence"`
	CallID          string     `json:"call_id"`
	Target          CallTarget `json:"target"`
	TargetPhone     string     `json:"target_phone"`
	TargetName      string     `json:"target_name"`
	TaskType        Leg        `json:"task_type"`
	StartedAt       time.Time  `json:"started_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	DurationSeconds int        `json:"duration_seconds"`
	Outcome         Outcome    `json:"outcome"`
	CallSuccessful  bool       `json:"call_successful"`
}

// Closed reports whether the call outcome has been recorded.
func (c *CallRecord) Closed() bool {
	return c.EndedAt != nil
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func timePtr(t time.Time) *time.Time {
	return &t
}

func stringPtr(s string) *string {
	return &s
}
