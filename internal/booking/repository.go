package booking

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrAttemptCeiling is returned when an update would push a retry counter past its limit.
var ErrAttemptCeiling = errors.New("booking: retry attempt ceiling reached")

// Repository is the workflow state store. Every mutation is a single atomic
// unit conditioned on the workflow's current status (and call handle where
// relevant); callers never write fields directly.
type Repository interface {
	Create(ctx context.Context, in CreateInput) (*Workflow, error)
	Get(ctx context.Context, id uuid.UUID) (*Workflow, error)
	FindByCallID(ctx context.Context, callID string) (*Workflow, error)
	ListByIncident(ctx context.Context, incidentID string) ([]*Workflow, error)
	ListDueMedicalCenterRetries(ctx context.Context, now time.Time, limit int) ([]*Workflow, error)
	ListDuePatientRetries(ctx context.Context, now time.Time, limit int) ([]*Workflow, error)
	ListStalled(ctx context.Context, statuses []Status, before time.Time, limit int) ([]*Workflow, error)
	Transition(ctx context.Context, id uuid.UUID, from, to Status, upd Update) (*Workflow, error)
	RecordCallStart(ctx context.Context, id uuid.UUID, from Status, start CallStart) (*Workflow, *CallRecord, error)
	RecordCallOutcome(ctx context.Context, id uuid.UUID, res CallResult) (*Workflow, error)
	CloseCallRecord(ctx context.Context, workflowID uuid.UUID, res CallResult) error
	Cancel(ctx context.Context, incidentID, reason string) ([]*Workflow, error)
	ListCalls(ctx context.Context, workflowID uuid.UUID) ([]*CallRecord, error)
}

// Limits are the attempt ceilings the store enforces.
type Limits struct {
	MedicalCenterRetries int
	PatientRetries       int
	MedicalCenters       int
}

// DefaultLimits returns 5 medical-center retries, 3 patient retries and 3 medical centers.
func DefaultLimits() Limits {
	return Limits{MedicalCenterRetries: 5, PatientRetries: 3, MedicalCenters: 3}
}

func (l Limits) normalize() Limits {
	d := DefaultLimits()
	if l.MedicalCenterRetries <= 0 {
		l.MedicalCenterRetries = d.MedicalCenterRetries
	}
	if l.PatientRetries <= 0 {
		l.PatientRetries = d.PatientRetries
	}
	if l.MedicalCenters <= 0 {
		l.MedicalCenters = d.MedicalCenters
	}
	return l
}

// CreateInput holds the fields supplied when a workflow is opened.
type CreateInput struct {
	IncidentID        string
	MedicalCenterID   string
	DoctorPreference  DoctorPreference
	PreferredDoctorID string
	Urgency           Urgency
	RequestedBy       string
}

// Update lists the optional field changes that accompany a transition.
// Nil pointers and false flags leave the field untouched.
type Update struct {
	Leg                *Leg
	AvailableTimes     []string
	SelectedTime       *string
	ConfirmedDatetime  *string
	FailureReason      *string
	IncRetryAttempt    bool
	IncPatientAttempts bool
	RetryScheduledAt   *time.Time
	PatientNextRetryAt *time.Time
}

// CallStart describes a call the provider accepted.
type CallStart struct {
	To          Status
	Leg         Leg
	CallID      string
	TargetPhone string
	TargetName  string
	StartedAt   time.Time
}

// CallResult closes the in-flight call and moves the workflow to To.
type CallResult struct {
	CallID          string
	Outcome         Outcome
	DurationSeconds int
	CallSuccessful  bool
	EndedAt         time.Time
	To              Status
	Update          Update
}

func (in CreateInput) normalize() (CreateInput, error) {
	in.IncidentID = strings.TrimSpace(in.IncidentID)
	in.MedicalCenterID = strings.TrimSpace(in.MedicalCenterID)
	in.PreferredDoctorID = strings.TrimSpace(in.PreferredDoctorID)
	if in.IncidentID == "" || in.MedicalCenterID == "" {
		return in, fmt.Errorf("%w: incident and medical center are required", ErrValidation)
	}
	if in.DoctorPreference == "" {
		in.DoctorPreference = AnyDoctor
	}
	if in.Urgency == "" {
		in.Urgency = UrgencyNormal
	}
	return in, nil
}

func newWorkflow(in CreateInput, attempt int, now time.Time) *Workflow {
	return &Workflow{
		ID:                   uuid.New(),
		IncidentID:           in.IncidentID,
		MedicalCenterID:      in.MedicalCenterID,
		Status:               StatusInitiated,
		MedicalCenterAttempt: attempt,
		AvailableTimes:       []string{},
		DoctorPreference:     in.DoctorPreference,
		PreferredDoctorID:    in.PreferredDoctorID,
		Urgency:              in.Urgency,
		RequestedBy:          in.RequestedBy,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
}

// applyTransition mutates w in place. It is shared by every store so the
// conditional-update rules are identical in memory and in Postgres.
func applyTransition(w *Workflow, from, to Status, upd Update, limits Limits, now time.Time) error {
	if !CanTransition(from, to) {
		return &InvalidTransitionError{From: from, To: to}
	}
	if w.Status != from {
		return ErrStaleState
	}
	return applyStatus(w, to, upd, limits, now)
}

func applyStatus(w *Workflow, to Status, upd Update, limits Limits, now time.Time) error {
	if upd.ConfirmedDatetime != nil && to != StatusCompleted {
		return fmt.Errorf("booking: confirmed datetime requires %s, got %s", StatusCompleted, to)
	}
	if upd.IncRetryAttempt && w.RetryAttempt >= limits.MedicalCenterRetries {
		return ErrAttemptCeiling
	}
	if upd.IncPatientAttempts && w.PatientCallAttempts >= limits.PatientRetries {
		return ErrAttemptCeiling
	}

	w.Status = to
	w.UpdatedAt = now
	if upd.Leg != nil {
		w.CurrentLeg = *upd.Leg
	}
	if upd.AvailableTimes != nil {
		w.AvailableTimes = append([]string(nil), upd.AvailableTimes...)
	}
	if upd.SelectedTime != nil {
		w.SelectedTime = *upd.SelectedTime
	}
	if upd.ConfirmedDatetime != nil {
		w.ConfirmedDatetime = *upd.ConfirmedDatetime
	}
	if upd.FailureReason != nil {
		w.FailureReason = *upd.FailureReason
	}
	if upd.IncRetryAttempt {
		w.RetryAttempt++
	}
	if upd.IncPatientAttempts {
		w.PatientCallAttempts++
	}
	if upd.RetryScheduledAt != nil {
		w.RetryScheduledAt = cloneTime(upd.RetryScheduledAt)
	}
	if upd.PatientNextRetryAt != nil {
		w.PatientNextRetryAt = cloneTime(upd.PatientNextRetryAt)
	}
	// a call handle only lives in the calling states
	if !to.IsCalling() && w.CurrentCallID != nil {
		w.LastCallID = w.CurrentCallID
		w.CurrentCallID = nil
		if w.CurrentCallEndedAt == nil {
			w.CurrentCallEndedAt = timePtr(now)
		}
	}
	if to.IsTerminal() {
		w.RetryScheduledAt = nil
		w.PatientNextRetryAt = nil
	}
	return nil
}

func applyCallStart(w *Workflow, from Status, cs CallStart, limits Limits, now time.Time) (*CallRecord, error) {
	if strings.TrimSpace(cs.CallID) == "" {
		return nil, fmt.Errorf("booking: call start without call id")
	}
	if !cs.To.IsCalling() || callingStatus(cs.Leg) != cs.To {
		return nil, fmt.Errorf("booking: %s is not the calling status for leg %s", cs.To, cs.Leg)
	}
	leg := cs.Leg
	if err := applyTransition(w, from, cs.To, Update{Leg: &leg}, limits, now); err != nil {
		return nil, err
	}
	started := cs.StartedAt
	if started.IsZero() {
		started = now
	}
	w.CurrentCallID = stringPtr(cs.CallID)
	w.CurrentCallStartedAt = timePtr(started)
	w.CurrentCallEndedAt = nil
	w.LastCallType = leg.Target()
	w.LastCallOutcome = OutcomeInProgress
	if leg.Target() == TargetPatient {
		w.PatientNextRetryAt = nil
	} else {
		w.RetryScheduledAt = nil
	}

	return &CallRecord{
		ID:          uuid.New(),
		WorkflowID:  w.ID,
		CallID:      cs.CallID,
		Target:      leg.Target(),
		TargetPhone: cs.TargetPhone,
		TargetName:  cs.TargetName,
		TaskType:    leg,
		StartedAt:   started,
		Outcome:     OutcomeInProgress,
	}, nil
}

func applyCallOutcome(w *Workflow, res CallResult, limits Limits, now time.Time) error {
	if w.CurrentCallID == nil || *w.CurrentCallID != res.CallID || !w.Status.IsCalling() {
		return ErrStaleState
	}
	if !CanTransition(w.Status, res.To) {
		return &InvalidTransitionError{From: w.Status, To: res.To}
	}
	ended := res.EndedAt
	if ended.IsZero() {
		ended = now
	}
	w.CurrentCallEndedAt = timePtr(ended)
	w.CallCount++
	w.LastCallOutcome = res.Outcome
	return applyStatus(w, res.To, res.Update, limits, now)
}

func closeCallRecord(rec *CallRecord, res CallResult, now time.Time) error {
	if rec.Closed() {
		return ErrStaleState
	}
	ended := res.EndedAt
	if ended.IsZero() {
		ended = now
	}
	rec.EndedAt = timePtr(ended)
	rec.DurationSeconds = res.DurationSeconds
	rec.Outcome = res.Outcome
	rec.CallSuccessful = res.CallSuccessful
	return nil
}

func statusStrings(list []Status) []string {
	out := make([]string, 0, len(list))
	for _, s := range list {
		out = append(out, string(s))
	}
	return out
}

func hasStatus(list []Status, s Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func cancelReason(reason string) string {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return "cancelled by user"
	}
	return reason
}

// sortDue orders due workflows urgent first, then by due time.
func sortDue(list []*Workflow, dueAt func(*Workflow) time.Time) {
	sort.SliceStable(list, func(i, j int) bool {
		ri, rj := list[i].Urgency.rank(), list[j].Urgency.rank()
		if ri != rj {
			return ri < rj
		}
		return dueAt(list[i]).Before(dueAt(list[j]))
	})
}

func medicalRetryDue(w *Workflow) time.Time {
	if w.RetryScheduledAt == nil {
		return time.Time{}
	}
	return *w.RetryScheduledAt
}

func patientRetryDue(w *Workflow) time.Time {
	if w.PatientNextRetryAt == nil {
		return time.Time{}
	}
	return *w.PatientNextRetryAt
}
