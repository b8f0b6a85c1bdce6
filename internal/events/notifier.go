package events

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/wolfman30/workcomp-booking/internal/booking"
)

type appender interface {
	Append(ctx context.Context, eventType, aggregate string, payload any, opts ...EnvelopeOption) (uuid.UUID, error)
}

// OutboxNotifier records terminal workflows in the outbox.
type OutboxNotifier struct {
	outbox appender
}

var _ booking.Notifier = (*OutboxNotifier)(nil)

func NewOutboxNotifier(outbox appender) *OutboxNotifier {
	return &OutboxNotifier{outbox: outbox}
}

func (n *OutboxNotifier) WorkflowFinished(ctx context.Context, wf *booking.Workflow) error {
	if n == nil || n.outbox == nil {
		return nil
	}
	if wf == nil {
		return errors.New("events: workflow required")
	}
	evt := NewBookingWorkflowFinished(wf)
	_, err := n.outbox.Append(ctx, evt.EventType(), "booking_workflow:"+evt.WorkflowID, evt,
		WithTimestamp(wf.UpdatedAt),
		WithCorrelationID(wf.IncidentID),
	)
	if err != nil {
		return fmt.Errorf("events: append %s: %w", evt.EventType(), err)
	}
	return nil
}
