package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// handoffGrace is how long a workflow may sit between calls (a finished leg,
// a claimed retry or a fresh workflow) before the sweep recovers it.
const handoffGrace = 2 * time.Minute

// SweepDetail reports what the sweep did with one workflow.
type SweepDetail struct {
	WorkflowID uuid.UUID `json:"workflowId"`
	IncidentID string    `json:"incidentId"`
	Leg        Leg       `json:"leg"`
	Action     string    `json:"action"`
	CallID     string    `json:"callId,omitempty"`
	Status     Status    `json:"status"`
	Error      string    `json:"error,omitempty"`
}

// SweepResult is the outcome of one sweep.
type SweepResult struct {
	MedicalCenterCallsPlaced int           `json:"medicalCenterCallsPlaced"`
	PatientCallsPlaced       int           `json:"patientCallsPlaced"`
	Details                  []SweepDetail `json:"details"`
}

// Sweeper places due retry calls. It is safe to run several concurrently:
// each workflow is claimed with a conditional transition before it is dialed.
type Sweeper struct {
	o         *Orchestrator
	batchSize int
}

func NewSweeper(o *Orchestrator, batchSize int) *Sweeper {
	if o == nil {
		panic("booking: orchestrator required")
	}
	if batchSize <= 0 {
		batchSize = 50
	}
	return &Sweeper{o: o, batchSize: batchSize}
}

// Sweep runs one pass. Outside calling hours it returns immediately with zero
// counts and touches nothing. Per-workflow failures land in Details and never
// abort the pass; only a failure to list due work is returned as an error.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	result := SweepResult{Details: []SweepDetail{}}
	now := s.o.now()
	if !s.o.hours.Allows(now) {
		s.o.logger.Info("booking: retry sweep skipped outside calling hours", "now", now)
		return result, nil
	}

	storeCtx, cancel := s.o.storeContext(ctx)
	mcDue, err := s.o.store.ListDueMedicalCenterRetries(storeCtx, now, s.batchSize)
	cancel()
	if err != nil {
		return result, err
	}
	for _, wf := range mcDue {
		leg := wf.CurrentLeg
		if leg != LegMedicalConfirm {
			leg = LegGetTimes
		}
		d := s.retry(ctx, wf, leg)
		if d.Action == "called" {
			result.MedicalCenterCallsPlaced++
		}
		result.Details = append(result.Details, d)
	}

	storeCtx, cancel = s.o.storeContext(ctx)
	patientDue, err := s.o.store.ListDuePatientRetries(storeCtx, now, s.batchSize)
	cancel()
	if err != nil {
		return result, err
	}
	for _, wf := range patientDue {
		d := s.retry(ctx, wf, LegPatientConfirm)
		if d.Action == "called" {
			result.PatientCallsPlaced++
		}
		result.Details = append(result.Details, d)
	}

	for _, group := range []struct {
		statuses []Status
		before   time.Time
	}{
		{stalledBetweenCalls, now.Add(-handoffGrace)},
		{stalledOnProvider, now.Add(-s.o.staleCall)},
	} {
		storeCtx, cancel = s.o.storeContext(ctx)
		stalled, err := s.o.store.ListStalled(storeCtx, group.statuses, group.before, s.batchSize)
		cancel()
		if err != nil {
			s.o.logger.Warn("booking: list stalled workflows", "error", err)
			continue
		}
		for _, wf := range stalled {
			d := s.recoverStalled(ctx, wf)
			if d.Action == "called" {
				if d.Leg == LegPatientConfirm {
					result.PatientCallsPlaced++
				} else {
					result.MedicalCenterCallsPlaced++
				}
			}
			result.Details = append(result.Details, d)
		}
	}

	errCount := 0
	for _, d := range result.Details {
		if d.Error != "" {
			errCount++
		}
	}
	s.o.metrics.ObserveSweep(result.MedicalCenterCallsPlaced, result.PatientCallsPlaced, errCount)
	s.o.logger.Info("booking: retry sweep finished",
		"medical_center_calls", result.MedicalCenterCallsPlaced,
		"patient_calls", result.PatientCallsPlaced,
		"workflows", len(result.Details),
		"errors", errCount,
	)
	return result, nil
}

// retry handles one due workflow: fail it at the ceiling, otherwise claim it
// and place the leg's call.
func (s *Sweeper) retry(ctx context.Context, wf *Workflow, leg Leg) SweepDetail {
	d := SweepDetail{WorkflowID: wf.ID, IncidentID: wf.IncidentID, Leg: leg, Status: wf.Status}

	unlock, err := s.o.locker.Lock(ctx, wf.ID)
	if err != nil {
		return s.skipped(d, err)
	}
	defer unlock()

	if s.atCeiling(wf, leg) {
		reason := s.ceilingReason(leg)
		next, err := s.transition(ctx, wf, wf.Status, StatusFailed, Update{FailureReason: &reason})
		if err != nil {
			return s.skipped(d, err)
		}
		s.o.finished(ctx, next)
		d.Action, d.Status = "failed", next.Status
		return d
	}

	claimed, err := s.transition(ctx, wf, wf.Status, StatusRetrying, Update{Leg: &leg})
	if err != nil {
		return s.skipped(d, err)
	}
	return s.place(ctx, claimed, leg, d)
}

// recoverStalled moves a workflow that has sat too long in a status only a lost
// call, webhook or process would leave it in:
//   - times_collected, patient_confirmed: the next leg is placed
//   - initiated: the first call was never recorded, so the workflow fails
//   - retrying: the claimed retry never dialed, an attempt is spent
//   - calling_*: no webhook came, the call counts as unanswered
//   - awaiting analysis: call_analyzed never came, an attempt is spent
func (s *Sweeper) recoverStalled(ctx context.Context, wf *Workflow) SweepDetail {
	d := SweepDetail{WorkflowID: wf.ID, IncidentID: wf.IncidentID, Leg: stalledLeg(wf), Status: wf.Status}

	unlock, err := s.o.locker.Lock(ctx, wf.ID)
	if err != nil {
		return s.skipped(d, err)
	}
	defer unlock()

	// another handler may have moved it since the listing
	fresh, err := s.o.reload(ctx, wf.ID)
	if err != nil {
		return s.skipped(d, err)
	}
	if fresh.Status != wf.Status || !fresh.UpdatedAt.Equal(wf.UpdatedAt) {
		d.Action, d.Status = "skipped", fresh.Status
		return d
	}

	if isHandoff(fresh.Status) {
		return s.resume(ctx, fresh, d)
	}

	var next *Workflow
	switch {
	case fresh.Status == StatusInitiated:
		reason := "first call was not recorded"
		next, err = s.transition(ctx, fresh, fresh.Status, StatusFailed, Update{FailureReason: &reason})
	case fresh.Status.IsCalling() && fresh.CurrentCallID != nil:
		to, upd := s.o.retryPlan(fresh, d.Leg, true)
		storeCtx, cancel := s.o.storeContext(ctx)
		next, err = s.o.store.RecordCallOutcome(storeCtx, fresh.ID, CallResult{
			CallID:  *fresh.CurrentCallID,
			Outcome: OutcomeNoAnswer,
			To:      to,
			Update:  upd,
		})
		cancel()
		if err == nil {
			s.o.metrics.ObserveTransition(string(fresh.Status), string(to))
		}
	default:
		to, upd := s.o.retryPlan(fresh, d.Leg, true)
		next, err = s.transition(ctx, fresh, fresh.Status, to, upd)
	}
	if err != nil {
		return s.skipped(d, err)
	}

	s.o.logger.Warn("booking: stalled workflow recovered",
		"workflow_id", fresh.ID,
		"from", fresh.Status,
		"status", next.Status,
		"leg", d.Leg,
		"idle_since", fresh.UpdatedAt,
	)
	s.o.finished(ctx, next)
	d.Status = next.Status
	d.Action = "rescheduled"
	if next.Status == StatusFailed {
		d.Action = "failed"
	}
	return d
}

// resume restarts the next leg of a workflow stuck after a successful leg.
func (s *Sweeper) resume(ctx context.Context, wf *Workflow, d SweepDetail) SweepDetail {
	next, err := s.o.continueWith(ctx, wf, d.Leg)
	if err != nil {
		d.Action, d.Error = "error", err.Error()
		return d
	}
	d.Status = next.Status
	d.Action = "resumed"
	if next.Status.IsCalling() {
		d.Action = "called"
		d.CallID = derefString(next.CurrentCallID)
	}
	return d
}

// stalledLeg is the leg a stalled workflow is recovered on.
func stalledLeg(wf *Workflow) Leg {
	if isHandoff(wf.Status) {
		return nextLeg(wf.Status)
	}
	if leg, ok := awaitingAnalysisLeg(wf.Status); ok {
		return leg
	}
	if wf.CurrentLeg != "" {
		return wf.CurrentLeg
	}
	return LegGetTimes
}

func (s *Sweeper) place(ctx context.Context, wf *Workflow, leg Leg, d SweepDetail) SweepDetail {
	next, rec, err := s.o.startLeg(ctx, wf, leg, StatusRetrying, legContext{}, true)
	if err != nil {
		d.Action, d.Error = "error", err.Error()
		if cur, rerr := s.o.reload(ctx, wf.ID); rerr == nil {
			d.Status = cur.Status
			if cur.Status != StatusRetrying {
				d.Action = "rescheduled"
				if cur.Status == StatusFailed {
					d.Action = "failed"
				}
			}
		}
		return d
	}
	d.Action, d.Status, d.CallID = "called", next.Status, rec.CallID
	return d
}

func (s *Sweeper) atCeiling(wf *Workflow, leg Leg) bool {
	if leg.Target() == TargetPatient {
		return wf.PatientCallAttempts >= s.o.limits.PatientRetries
	}
	return wf.RetryAttempt >= s.o.limits.MedicalCenterRetries
}

func (s *Sweeper) ceilingReason(leg Leg) string {
	if leg.Target() == TargetPatient {
		return fmt.Sprintf("patient unreachable after %d attempts", s.o.limits.PatientRetries)
	}
	return fmt.Sprintf("medical center unreachable after %d attempts", s.o.limits.MedicalCenterRetries)
}

func (s *Sweeper) transition(ctx context.Context, wf *Workflow, from, to Status, upd Update) (*Workflow, error) {
	storeCtx, cancel := s.o.storeContext(ctx)
	defer cancel()
	next, err := s.o.store.Transition(storeCtx, wf.ID, from, to, upd)
	if err != nil {
		return nil, err
	}
	s.o.metrics.ObserveTransition(string(from), string(to))
	return next, nil
}

func (s *Sweeper) skipped(d SweepDetail, err error) SweepDetail {
	if errors.Is(err, ErrStaleState) || errors.Is(err, ErrLocked) {
		d.Action = "skipped"
		return d
	}
	s.o.logger.Warn("booking: retry sweep workflow error", "workflow_id", d.WorkflowID, "error", err)
	d.Action, d.Error = "error", err.Error()
	return d
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.o.logger.Info("booking: retry sweeper started", "interval", interval)
	for {
		if _, err := s.Sweep(ctx); err != nil {
			s.o.logger.Error("booking: retry sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			s.o.logger.Info("booking: retry sweeper stopped")
			return
		case <-ticker.C:
		}
	}
}
