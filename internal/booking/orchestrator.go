package booking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/workcomp-booking/internal/callinghours"
	"github.com/wolfman30/workcomp-booking/internal/directory"
	"github.com/wolfman30/workcomp-booking/internal/observability/metrics"
	"github.com/wolfman30/workcomp-booking/pkg/logging"
)

// ErrOutsideCallingHours is returned when a booking is requested while outbound calls are not allowed.
var ErrOutsideCallingHours = errors.New("booking: outside calling hours")

// Config wires the Orchestrator.
type Config struct {
	Store                   Repository
	Directory               directory.Reader
	Dispatcher              *Dispatcher
	Hours                   callinghours.Window
	Limits                  Limits
	MedicalCenterRetryDelay time.Duration
	PatientRetryDelay       time.Duration
	StaleCallTimeout        time.Duration
	StoreTimeout            time.Duration
	Notifier                Notifier
	Locker                  Locker
	Metrics                 *metrics.BookingMetrics
	Logger                  *logging.Logger
	Now                     func() time.Time
}

// Orchestrator opens workflows and owns the leg dispatch and retry rules
// shared by the webhook processor and the retry sweep.
type Orchestrator struct {
	store        Repository
	directory    directory.Reader
	dispatcher   *Dispatcher
	hours        callinghours.Window
	limits       Limits
	mcDelay      time.Duration
	patientDelay time.Duration
	staleCall    time.Duration
	storeTimeout time.Duration
	notifier     Notifier
	locker       Locker
	metrics      *metrics.BookingMetrics
	logger       *logging.Logger
	now          func() time.Time
}

func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("booking: store required")
	}
	if cfg.Directory == nil {
		return nil, fmt.Errorf("booking: directory required")
	}
	if cfg.Dispatcher == nil {
		return nil, fmt.Errorf("booking: dispatcher required")
	}
	if cfg.Hours.IsZero() {
		return nil, fmt.Errorf("booking: calling hours required")
	}
	if cfg.MedicalCenterRetryDelay <= 0 {
		cfg.MedicalCenterRetryDelay = 5 * time.Minute
	}
	if cfg.PatientRetryDelay <= 0 {
		cfg.PatientRetryDelay = 30 * time.Minute
	}
	if cfg.StaleCallTimeout <= 0 {
		cfg.StaleCallTimeout = time.Hour
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 5 * time.Second
	}
	if cfg.Notifier == nil {
		cfg.Notifier = NewMultiNotifier(cfg.Logger)
	}
	if cfg.Locker == nil {
		cfg.Locker = NopLocker()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Orchestrator{
		store:        cfg.Store,
		directory:    cfg.Directory,
		dispatcher:   cfg.Dispatcher,
		hours:        cfg.Hours,
		limits:       cfg.Limits.normalize(),
		mcDelay:      cfg.MedicalCenterRetryDelay,
		patientDelay: cfg.PatientRetryDelay,
		staleCall:    cfg.StaleCallTimeout,
		storeTimeout: cfg.StoreTimeout,
		notifier:     cfg.Notifier,
		locker:       cfg.Locker,
		metrics:      cfg.Metrics,
		logger:       cfg.Logger,
		now:          cfg.Now,
	}, nil
}

// InitiateRequest is the body of POST /initiate-booking.
type InitiateRequest struct {
	IncidentID        string `json:"incidentId" validate:"required"`
	MedicalCenterID   string `json:"medicalCenterId" validate:"required"`
	DoctorPreference  string `json:"doctorPreference" validate:"required,oneof=any_doctor specific_doctor"`
	PreferredDoctorID string `json:"preferredDoctorId,omitempty" validate:"required_if=DoctorPreference specific_doctor"`
	Urgency           string `json:"urgency,omitempty" validate:"omitempty,oneof=urgent normal low"`
	RequestedBy       string `json:"requestedBy,omitempty" validate:"omitempty,max=320"`
}

// InitiateResult is returned once call #1 has been placed.
type InitiateResult struct {
	Workflow   *Workflow
	Call       *CallRecord
	CallStatus string
}

// Initiate opens a workflow for the incident and places the first call to the
// medical center. A dispatch failure leaves the workflow failed and returns a
// *CallDispatchError.
func (o *Orchestrator) Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error) {
	now := o.now()
	if !o.hours.Allows(now) {
		return nil, ErrOutsideCallingHours
	}

	incident, err := o.directory.Incident(ctx, req.IncidentID)
	if err != nil {
		return nil, directoryError("incident", req.IncidentID, err)
	}
	center, err := o.directory.MedicalCenter(ctx, req.MedicalCenterID)
	if err != nil {
		return nil, directoryError("medical center", req.MedicalCenterID, err)
	}
	if DoctorPreference(req.DoctorPreference) == SpecificDoctor {
		if _, ok := center.Doctor(req.PreferredDoctorID); !ok {
			return nil, fmt.Errorf("%w: doctor %s does not practice at %s", ErrValidation, req.PreferredDoctorID, center.Name)
		}
	}

	storeCtx, cancel := o.storeContext(ctx)
	wf, err := o.store.Create(storeCtx, CreateInput{
		IncidentID:        req.IncidentID,
		MedicalCenterID:   req.MedicalCenterID,
		DoctorPreference:  DoctorPreference(req.DoctorPreference),
		PreferredDoctorID: req.PreferredDoctorID,
		Urgency:           Urgency(req.Urgency),
		RequestedBy:       strings.TrimSpace(req.RequestedBy),
	})
	cancel()
	if err != nil {
		return nil, err
	}
	o.logger.Info("booking: workflow created",
		"workflow_id", wf.ID,
		"incident_id", wf.IncidentID,
		"medical_center_id", wf.MedicalCenterID,
		"medical_center_attempt", wf.MedicalCenterAttempt,
	)

	unlock, err := o.locker.Lock(ctx, wf.ID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	placed, rec, err := o.startLeg(ctx, wf, LegGetTimes, StatusInitiated, legContext{incident: incident, center: center}, false)
	if err != nil {
		return nil, err
	}
	return &InitiateResult{Workflow: placed, Call: rec.CallRecord, CallStatus: rec.callStatus}, nil
}

type legContext struct {
	incident *directory.Incident
	center   *directory.MedicalCenter
}

// placedRecord carries the provider status next to the stored record.
type placedRecord struct {
	*CallRecord
	callStatus string
}

// startLeg places the call for leg and records it, moving wf out of from.
// When the dispatch fails the workflow is failed, or rescheduled when
// retryTransient is set and the failure is transient. Either way the
// *CallDispatchError is returned.
func (o *Orchestrator) startLeg(ctx context.Context, wf *Workflow, leg Leg, from Status, lc legContext, retryTransient bool) (*Workflow, *placedRecord, error) {
	if err := o.loadLegContext(ctx, wf, &lc); err != nil {
		return nil, nil, o.abandonLeg(ctx, wf, leg, from, err, retryTransient)
	}

	req := buildCallRequest(wf, leg, lc)
	placed, err := o.dispatcher.PlaceCall(ctx, req)
	if err != nil {
		return nil, nil, o.abandonLeg(ctx, wf, leg, from, err, retryTransient)
	}

	storeCtx, cancel := o.storeContext(ctx)
	defer cancel()
	next, rec, err := o.store.RecordCallStart(storeCtx, wf.ID, from, CallStart{
		To:          callingStatus(leg),
		Leg:         leg,
		CallID:      placed.CallID,
		TargetPhone: placed.ToPhone,
		TargetName:  req.ToName,
		StartedAt:   o.now(),
	})
	if err != nil {
		// the provider is dialing a call the workflow will never own; its
		// webhooks will not match and are dropped
		o.logger.Error("booking: call placed but not recorded",
			"workflow_id", wf.ID,
			"call_id", placed.CallID,
			"from", from,
			"error", err,
		)
		return nil, nil, fmt.Errorf("booking: record call start: %w", err)
	}
	o.metrics.ObserveTransition(string(from), string(next.Status))
	o.logger.Info("booking: call started",
		"workflow_id", next.ID,
		"incident_id", next.IncidentID,
		"leg", leg,
		"call_id", placed.CallID,
		"sequence", rec.Sequence,
	)
	return next, &placedRecord{CallRecord: rec, callStatus: placed.CallStatus}, nil
}

func (o *Orchestrator) loadLegContext(ctx context.Context, wf *Workflow, lc *legContext) error {
	if lc.incident == nil {
		in, err := o.directory.Incident(ctx, wf.IncidentID)
		if err != nil {
			return directoryError("incident", wf.IncidentID, err)
		}
		lc.incident = in
	}
	if lc.center == nil {
		mc, err := o.directory.MedicalCenter(ctx, wf.MedicalCenterID)
		if err != nil {
			return directoryError("medical center", wf.MedicalCenterID, err)
		}
		lc.center = mc
	}
	return nil
}

// abandonLeg settles the workflow after a leg could not be placed so it is
// never left in a state nothing will pick up again.
func (o *Orchestrator) abandonLeg(ctx context.Context, wf *Workflow, leg Leg, from Status, cause error, retryTransient bool) error {
	var dispatchErr *CallDispatchError
	isDispatch := errors.As(cause, &dispatchErr)

	var to Status
	var upd Update
	switch {
	case isDispatch && dispatchErr.Transient && retryTransient:
		to, upd = o.retryPlan(wf, leg, true)
	case !isDispatch && retryTransient && !errors.Is(cause, ErrNotFound):
		// directory unavailable: try again next sweep without spending an attempt
		to, upd = o.retryPlan(wf, leg, false)
	default:
		reason := cause.Error()
		if isDispatch {
			reason = dispatchErr.ProviderMessage()
		}
		to, upd = StatusFailed, Update{FailureReason: &reason}
	}

	storeCtx, cancel := o.storeContext(ctx)
	defer cancel()
	next, err := o.store.Transition(storeCtx, wf.ID, from, to, upd)
	if err != nil {
		o.logger.Error("booking: could not settle workflow after dispatch failure",
			"workflow_id", wf.ID,
			"from", from,
			"to", to,
			"error", err,
			"cause", cause,
		)
		return cause
	}
	o.metrics.ObserveTransition(string(from), string(to))
	o.logger.Warn("booking: leg not placed",
		"workflow_id", wf.ID,
		"leg", leg,
		"status", next.Status,
		"error", cause,
	)
	o.finished(ctx, next)
	return cause
}

// retryPlan decides where a leg goes after an unanswered or unplaced call:
// the leg's awaiting-retry status, or failed once its ceiling is reached.
// Without increment the retry is due immediately and no attempt is spent.
func (o *Orchestrator) retryPlan(wf *Workflow, leg Leg, increment bool) (Status, Update) {
	now := o.now()
	if leg.Target() == TargetPatient {
		if increment && wf.PatientCallAttempts >= o.limits.PatientRetries {
			reason := fmt.Sprintf("patient unreachable after %d attempts", o.limits.PatientRetries)
			return StatusFailed, Update{FailureReason: &reason}
		}
		due := now
		if increment {
			due = now.Add(o.patientDelay)
		}
		return StatusAwaitingPatientRetry, Update{Leg: &leg, IncPatientAttempts: increment, PatientNextRetryAt: &due}
	}
	if increment && wf.RetryAttempt >= o.limits.MedicalCenterRetries {
		reason := fmt.Sprintf("medical center unreachable after %d attempts", o.limits.MedicalCenterRetries)
		return StatusFailed, Update{FailureReason: &reason}
	}
	due := now
	if increment {
		due = now.Add(o.mcDelay)
	}
	return StatusAwaitingMedicalCenterRetry, Update{Leg: &leg, IncRetryAttempt: increment, RetryScheduledAt: &due}
}

// continueWith places the next leg after a successful one. Outside calling
// hours the leg is parked in the retry branch, due immediately, for the next
// in-hours sweep.
func (o *Orchestrator) continueWith(ctx context.Context, wf *Workflow, leg Leg) (*Workflow, error) {
	if !o.hours.Allows(o.now()) {
		to, upd := o.retryPlan(wf, leg, false)
		storeCtx, cancel := o.storeContext(ctx)
		defer cancel()
		next, err := o.store.Transition(storeCtx, wf.ID, wf.Status, to, upd)
		if err != nil {
			return nil, fmt.Errorf("booking: defer %s call: %w", leg, err)
		}
		o.metrics.ObserveTransition(string(wf.Status), string(to))
		o.logger.Info("booking: next call deferred to calling hours",
			"workflow_id", wf.ID,
			"leg", leg,
			"status", next.Status,
		)
		return next, nil
	}

	next, _, err := o.startLeg(ctx, wf, leg, wf.Status, legContext{}, true)
	if err != nil {
		// a failed leg that abandonLeg managed to settle is not an error for the caller
		cur, rerr := o.reload(ctx, wf.ID)
		if rerr == nil && cur.Status != wf.Status {
			return cur, nil
		}
		return nil, err
	}
	return next, nil
}

func (o *Orchestrator) reload(ctx context.Context, id uuid.UUID) (*Workflow, error) {
	storeCtx, cancel := o.storeContext(ctx)
	defer cancel()
	return o.store.Get(storeCtx, id)
}

// finished fans out terminal workflows to the notifier.
func (o *Orchestrator) finished(ctx context.Context, wf *Workflow) {
	if wf == nil || !wf.Status.IsTerminal() {
		return
	}
	o.logger.Info("booking: workflow finished",
		"workflow_id", wf.ID,
		"incident_id", wf.IncidentID,
		"status", wf.Status,
		"failure_reason", wf.FailureReason,
		"call_count", wf.CallCount,
	)
	if err := o.notifier.WorkflowFinished(ctx, wf); err != nil {
		o.logger.Warn("booking: notify finished", "workflow_id", wf.ID, "error", err)
	}
}

// Cancel cancels every non-terminal workflow of the incident. Cancelling an
// incident whose workflows are all terminal is a no-op.
func (o *Orchestrator) Cancel(ctx context.Context, incidentID, reason string) error {
	incidentID = strings.TrimSpace(incidentID)
	if incidentID == "" {
		return fmt.Errorf("%w: incidentId is required", ErrValidation)
	}
	storeCtx, cancel := o.storeContext(ctx)
	changed, err := o.store.Cancel(storeCtx, incidentID, reason)
	cancel()
	if err != nil {
		return err
	}
	for _, wf := range changed {
		o.finished(ctx, wf)
	}
	return nil
}

// WorkflowDetail is a workflow with its call history.
type WorkflowDetail struct {
	Workflow *Workflow     `json:"workflow"`
	Calls    []*CallRecord `json:"calls"`
}

// Get returns a workflow by id regardless of status.
func (o *Orchestrator) Get(ctx context.Context, id uuid.UUID) (*WorkflowDetail, error) {
	storeCtx, cancel := o.storeContext(ctx)
	defer cancel()
	wf, err := o.store.Get(storeCtx, id)
	if err != nil {
		return nil, err
	}
	calls, err := o.store.ListCalls(storeCtx, id)
	if err != nil {
		return nil, err
	}
	if calls == nil {
		calls = []*CallRecord{}
	}
	return &WorkflowDetail{Workflow: wf, Calls: calls}, nil
}

// ListActive returns the incident's workflows for active views: cancelled
// ones are hidden, failed ones only until the display cutoff.
func (o *Orchestrator) ListActive(ctx context.Context, incidentID string, cutoff time.Duration) ([]*Workflow, error) {
	storeCtx, cancel := o.storeContext(ctx)
	defer cancel()
	all, err := o.store.ListByIncident(storeCtx, incidentID)
	if err != nil {
		return nil, err
	}
	now := o.now()
	out := make([]*Workflow, 0, len(all))
	for _, wf := range all {
		if wf.VisibleAt(now, cutoff) {
			out = append(out, wf)
		}
	}
	return out, nil
}

func (o *Orchestrator) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, o.storeTimeout)
}

func directoryError(kind, id string, err error) error {
	if errors.Is(err, directory.ErrNotFound) {
		return fmt.Errorf("%w: %s %s", ErrNotFound, kind, id)
	}
	return fmt.Errorf("booking: lookup %s %s: %w", kind, id, err)
}

var urgencyPhrases = map[Urgency]string{
	UrgencyUrgent: "as soon as possible, ideally today or tomorrow",
	UrgencyNormal: "within the next few days",
	UrgencyLow:    "at the next convenient time",
}

func buildCallRequest(wf *Workflow, leg Leg, lc legContext) CallRequest {
	vars := map[string]string{
		"worker_name":        lc.incident.WorkerName,
		"employer_name":      lc.incident.EmployerName,
		"injury_description": lc.incident.InjuryDescription,
		"medical_center":     lc.center.Name,
		"urgency":            string(wf.Urgency),
		"urgency_phrase":     urgencyPhrases[wf.Urgency],
		"doctor_preference":  "any available doctor",
	}
	if wf.DoctorPreference == SpecificDoctor {
		if d, ok := lc.center.Doctor(wf.PreferredDoctorID); ok {
			vars["doctor_preference"] = d.Name
		}
	}
	if len(wf.AvailableTimes) > 0 {
		vars["available_times"] = strings.Join(wf.AvailableTimes, "; ")
	}
	if wf.SelectedTime != "" {
		vars["selected_time"] = wf.SelectedTime
	}

	req := CallRequest{
		Leg:              leg,
		DynamicVariables: vars,
		Metadata: map[string]string{
			"workflow_id": wf.ID.String(),
			"incident_id": wf.IncidentID,
			"leg":         string(leg),
		},
	}
	if leg.Target() == TargetPatient {
		req.ToPhone, req.ToName = lc.incident.WorkerPhone, lc.incident.WorkerName
	} else {
		req.ToPhone, req.ToName = lc.center.Phone, lc.center.Name
	}
	return req
}
