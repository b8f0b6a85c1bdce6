package booking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wolfman30/workcomp-booking/internal/voice"
)

var webhookTracer = otel.Tracer("workcomp.internal.booking.webhook")

// dedupProvider namespaces voice events in the processed-events table.
const dedupProvider = "voice"

// errLostRace marks an event whose write was beaten by a concurrent handler
// and that could not be re-applied to the workflow's new state.
var errLostRace = errors.New("booking: webhook lost race")

// EventDeduper records provider events that were already applied.
type EventDeduper interface {
	AlreadyProcessed(ctx context.Context, provider, eventID string) (bool, error)
	MarkProcessed(ctx context.Context, provider, eventID string) (bool, error)
}

// EventResult says what HandleCallEvent did with an event.
type EventResult string

const (
	EventApplied   EventResult = "applied"
	EventIgnored   EventResult = "ignored"
	EventDuplicate EventResult = "duplicate"
)

// Processor applies voice-provider call lifecycle events to workflows.
type Processor struct {
	o     *Orchestrator
	dedup EventDeduper
}

// NewProcessor creates a processor. dedup may be nil, in which case the
// conditional store updates alone keep redelivered events from being applied twice.
func NewProcessor(o *Orchestrator, dedup EventDeduper) *Processor {
	if o == nil {
		panic("booking: orchestrator required")
	}
	return &Processor{o: o, dedup: dedup}
}

// HandleCallEvent applies one webhook event. Unmatched, stale and repeated
// events are ignored without error. ErrDispatchPending means the call is
// being recorded right now and the event should be redelivered.
func (p *Processor) HandleCallEvent(ctx context.Context, evt voice.WebhookEvent) (EventResult, error) {
	start := time.Now()
	ctx, span := webhookTracer.Start(ctx, "booking.webhook")
	defer span.End()
	span.SetAttributes(
		attribute.String("voice.event", string(evt.Event)),
		attribute.String("voice.call_id", evt.Call.CallID),
	)

	result, err := p.handleDeduped(ctx, evt)
	label := string(result)
	if err != nil {
		label = "error"
		if errors.Is(err, ErrDispatchPending) {
			label = "pending"
		}
		span.RecordError(err)
	}
	p.o.metrics.ObserveWebhook(string(evt.Event), label, time.Since(start).Seconds())
	return result, err
}

func (p *Processor) handleDeduped(ctx context.Context, evt voice.WebhookEvent) (EventResult, error) {
	key := evt.Call.CallID + ":" + string(evt.Event)
	if p.dedup != nil {
		seen, err := p.dedup.AlreadyProcessed(ctx, dedupProvider, key)
		if err != nil {
			return "", fmt.Errorf("booking: dedup check: %w", err)
		}
		if seen {
			p.o.logger.Info("booking: duplicate webhook ignored", "call_id", evt.Call.CallID, "event", evt.Event)
			return EventDuplicate, nil
		}
	}

	result, err := p.handle(ctx, evt)
	if errors.Is(err, errLostRace) {
		// not marked, so a redelivery is evaluated against the settled state
		return EventIgnored, nil
	}
	if err != nil {
		return "", err
	}

	if p.dedup != nil {
		if _, err := p.dedup.MarkProcessed(ctx, dedupProvider, key); err != nil {
			// the event is applied; a redelivery will fail the call-handle check
			p.o.logger.Warn("booking: mark webhook processed", "call_id", evt.Call.CallID, "event", evt.Event, "error", err)
		}
	}
	return result, nil
}

func (p *Processor) handle(ctx context.Context, evt voice.WebhookEvent) (EventResult, error) {
	callID := evt.Call.CallID
	log := p.o.logger.With("call_id", callID, "event", evt.Event)

	wf, err := p.lookup(ctx, callID)
	if errors.Is(err, ErrNotFound) {
		if p.dispatchInFlight(ctx, evt) {
			log.Warn("booking: webhook for call not yet recorded")
			return "", ErrDispatchPending
		}
		log.Info("booking: webhook for unknown call ignored")
		return EventIgnored, nil
	}
	if err != nil {
		return "", err
	}

	unlock, err := p.o.locker.Lock(ctx, wf.ID)
	if err != nil {
		return "", err
	}
	defer unlock()

	// re-read under the lock
	wf, err = p.o.reload(ctx, wf.ID)
	if err != nil {
		return "", err
	}
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("booking.workflow_id", wf.ID.String()),
		attribute.String("booking.status", string(wf.Status)),
	)
	log = log.With("workflow_id", wf.ID, "status", wf.Status)

	current := wf.CurrentCallID != nil && *wf.CurrentCallID == callID && wf.Status.IsCalling()
	closed := wf.LastCallID != nil && *wf.LastCallID == callID

	switch evt.Event {
	case voice.EventCallStarted:
		if current {
			log.Info("booking: call connected", "leg", wf.CurrentLeg)
			return EventApplied, nil
		}
	case voice.EventCallEnded, voice.EventCallAnalyzed:
		if current {
			return p.finishCall(ctx, wf, evt)
		}
		if closed {
			if evt.Event == voice.EventCallAnalyzed && wf.Status == awaitingAnalysis(wf.CurrentLeg) {
				return p.applyAnalysis(ctx, wf, evt)
			}
			return p.closeOrphan(ctx, wf, evt)
		}
	}
	log.Info("booking: stale webhook ignored", "current_call_id", derefString(wf.CurrentCallID))
	return EventIgnored, nil
}

func (p *Processor) lookup(ctx context.Context, callID string) (*Workflow, error) {
	storeCtx, cancel := p.o.storeContext(ctx)
	defer cancel()
	return p.o.store.FindByCallID(storeCtx, callID)
}

// dispatchInFlight reports whether the event names a workflow that is between
// placing a call and recording it.
func (p *Processor) dispatchInFlight(ctx context.Context, evt voice.WebhookEvent) bool {
	raw := strings.TrimSpace(evt.Call.Metadata["workflow_id"])
	if raw == "" {
		return false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return false
	}
	wf, err := p.o.reload(ctx, id)
	if err != nil {
		return false
	}
	return wf.Status == StatusInitiated || wf.Status == StatusRetrying
}

// decision is the workflow change derived from a finished call.
type decision struct {
	to   Status
	upd  Update
	next Leg
}

// finishCall closes the in-flight call and applies its outcome in one store operation.
func (p *Processor) finishCall(ctx context.Context, wf *Workflow, evt voice.WebhookEvent) (EventResult, error) {
	leg := wf.CurrentLeg
	analysis := evt.Call.Analysis
	outcome := ClassifyOutcome(evt.Call.DisconnectionReason, analysis)
	p.o.metrics.ObserveOutcome(string(leg), string(outcome))

	var d decision
	if outcome == OutcomeCompleted && evt.Event == voice.EventCallEnded && analysis == nil {
		// connected; wait for call_analyzed to learn what was agreed
		d = decision{to: awaitingAnalysis(leg)}
	} else {
		d = p.decide(wf, leg, outcome, analysis, evt.Call.DisconnectionReason)
	}

	res := CallResult{
		CallID:          evt.Call.CallID,
		Outcome:         outcome,
		DurationSeconds: evt.Call.DurationSeconds(),
		CallSuccessful:  callSuccessful(outcome, analysis),
		To:              d.to,
		Update:          d.upd,
	}
	if ended := evt.Call.EndedAt(); ended != nil {
		res.EndedAt = *ended
	}

	storeCtx, cancel := p.o.storeContext(ctx)
	next, err := p.o.store.RecordCallOutcome(storeCtx, wf.ID, res)
	cancel()
	if errors.Is(err, ErrStaleState) {
		return p.afterLostRace(ctx, wf.ID, evt)
	}
	if err != nil {
		return "", err
	}
	p.o.metrics.ObserveTransition(string(wf.Status), string(next.Status))
	p.o.logger.Info("booking: call outcome recorded",
		"workflow_id", wf.ID,
		"call_id", res.CallID,
		"leg", leg,
		"outcome", outcome,
		"status", next.Status,
		"retry_attempt", next.RetryAttempt,
		"patient_call_attempts", next.PatientCallAttempts,
	)
	return p.follow(ctx, next, d)
}

// afterLostRace re-reads a workflow whose call another handler closed first.
// call_ended and call_analyzed may overlap: when call_ended won, the analysis
// still has to advance the parked workflow.
func (p *Processor) afterLostRace(ctx context.Context, id uuid.UUID, evt voice.WebhookEvent) (EventResult, error) {
	fresh, err := p.o.reload(ctx, id)
	if err != nil {
		return "", err
	}
	callID := evt.Call.CallID
	if evt.Event == voice.EventCallAnalyzed &&
		fresh.LastCallID != nil && *fresh.LastCallID == callID &&
		fresh.Status == awaitingAnalysis(fresh.CurrentLeg) {
		return p.applyAnalysis(ctx, fresh, evt)
	}
	p.o.logger.Info("booking: call outcome lost race",
		"workflow_id", id,
		"call_id", callID,
		"event", evt.Event,
		"status", fresh.Status,
	)
	return "", errLostRace
}

// applyAnalysis advances a workflow parked after call_ended.
func (p *Processor) applyAnalysis(ctx context.Context, wf *Workflow, evt voice.WebhookEvent) (EventResult, error) {
	leg := wf.CurrentLeg
	outcome := ClassifyOutcome(evt.Call.DisconnectionReason, evt.Call.Analysis)
	d := p.decide(wf, leg, outcome, evt.Call.Analysis, evt.Call.DisconnectionReason)

	storeCtx, cancel := p.o.storeContext(ctx)
	next, err := p.o.store.Transition(storeCtx, wf.ID, wf.Status, d.to, d.upd)
	cancel()
	if errors.Is(err, ErrStaleState) {
		return "", errLostRace
	}
	if err != nil {
		return "", err
	}
	p.o.metrics.ObserveTransition(string(wf.Status), string(next.Status))
	p.o.logger.Info("booking: call analysis applied",
		"workflow_id", wf.ID,
		"call_id", evt.Call.CallID,
		"leg", leg,
		"status", next.Status,
	)
	return p.follow(ctx, next, d)
}

// closeOrphan closes the record of a call the workflow already moved past,
// such as a call that was ringing when the workflow was cancelled. The
// workflow itself is left as it is.
func (p *Processor) closeOrphan(ctx context.Context, wf *Workflow, evt voice.WebhookEvent) (EventResult, error) {
	outcome := ClassifyOutcome(evt.Call.DisconnectionReason, evt.Call.Analysis)
	res := CallResult{
		CallID:          evt.Call.CallID,
		Outcome:         outcome,
		DurationSeconds: evt.Call.DurationSeconds(),
		CallSuccessful:  callSuccessful(outcome, evt.Call.Analysis),
	}
	if ended := evt.Call.EndedAt(); ended != nil {
		res.EndedAt = *ended
	}

	storeCtx, cancel := p.o.storeContext(ctx)
	err := p.o.store.CloseCallRecord(storeCtx, wf.ID, res)
	cancel()
	if errors.Is(err, ErrStaleState) || errors.Is(err, ErrNotFound) {
		p.o.logger.Info("booking: stale webhook ignored",
			"workflow_id", wf.ID,
			"call_id", res.CallID,
			"event", evt.Event,
			"status", wf.Status,
		)
		return EventIgnored, nil
	}
	if err != nil {
		return "", err
	}
	p.o.logger.Info("booking: call record closed after workflow moved on",
		"workflow_id", wf.ID,
		"call_id", res.CallID,
		"outcome", outcome,
		"status", wf.Status,
	)
	return EventApplied, nil
}

// decide maps a leg's outcome onto the state machine.
func (p *Processor) decide(wf *Workflow, leg Leg, outcome Outcome, analysis *voice.CallAnalysis, reason string) decision {
	switch {
	case outcome == OutcomeCompleted:
		switch leg {
		case LegGetTimes:
			if times := extractTimes(analysis); len(times) > 0 {
				return decision{to: StatusTimesCollected, upd: Update{AvailableTimes: times}, next: LegPatientConfirm}
			}
		case LegPatientConfirm:
			if selected := extractSelectedTime(analysis); selected != "" {
				return decision{to: StatusPatientConfirmed, upd: Update{SelectedTime: &selected}, next: LegMedicalConfirm}
			}
		case LegMedicalConfirm:
			if bookingConfirmed(analysis) {
				confirmed := wf.SelectedTime
				return decision{to: StatusCompleted, upd: Update{ConfirmedDatetime: &confirmed}}
			}
		}
		// connected but the leg's goal was not met
		to, upd := p.o.retryPlan(wf, leg, true)
		return decision{to: to, upd: upd}
	case outcome.Retryable():
		to, upd := p.o.retryPlan(wf, leg, true)
		return decision{to: to, upd: upd}
	default:
		msg := "call failed"
		if reason != "" {
			msg = "call failed: " + reason
		}
		return decision{to: StatusFailed, upd: Update{FailureReason: &msg}}
	}
}

// follow runs what comes after a recorded transition: the next leg or the
// terminal notification.
func (p *Processor) follow(ctx context.Context, wf *Workflow, d decision) (EventResult, error) {
	if wf.Status.IsTerminal() {
		p.o.finished(ctx, wf)
		return EventApplied, nil
	}
	if d.next == "" || wf.Status != d.to {
		return EventApplied, nil
	}
	if _, err := p.o.continueWith(ctx, wf, d.next); err != nil {
		// the outcome is recorded; the sweep resumes stalled handoffs
		p.o.logger.Error("booking: next call not started",
			"workflow_id", wf.ID,
			"leg", d.next,
			"error", err,
		)
	}
	return EventApplied, nil
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
