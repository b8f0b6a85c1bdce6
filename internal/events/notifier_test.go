package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/workcomp-booking/internal/booking"
)

type appendCall struct {
	eventType string
	aggregate string
	payload   any
	env       Envelope
}

type recordingAppender struct {
	calls []appendCall
}

func (r *recordingAppender) Append(_ context.Context, eventType, aggregate string, payload any, opts ...EnvelopeOption) (uuid.UUID, error) {
	env, err := newEnvelope(eventType, aggregate, payload, opts...)
	if err != nil {
		return uuid.Nil, err
	}
	r.calls = append(r.calls, appendCall{eventType: eventType, aggregate: aggregate, payload: payload, env: env})
	return uuid.MustParse(env.EventID), nil
}

func TestOutboxNotifierAppendsTerminalEvent(t *testing.T) {
	rec := &recordingAppender{}
	n := NewOutboxNotifier(rec)
	finished := time.Date(2026, 3, 10, 15, 30, 0, 0, time.UTC)
	wf := &booking.Workflow{
		ID:                   uuid.MustParse("0b6f7d1a-5a55-4f41-8d0e-4f7f8f5c9a01"),
		IncidentID:           "42",
		MedicalCenterID:      "C1",
		Status:               booking.StatusCompleted,
		ConfirmedDatetime:    "Tue 2pm",
		CallCount:            3,
		MedicalCenterAttempt: 1,
		RequestedBy:          "adjuster@example.com",
		UpdatedAt:            finished,
	}

	require.NoError(t, n.WorkflowFinished(context.Background(), wf))
	require.Len(t, rec.calls, 1)
	call := rec.calls[0]
	assert.Equal(t, "booking.workflow.completed.v1", call.eventType)
	assert.Equal(t, "booking_workflow:0b6f7d1a-5a55-4f41-8d0e-4f7f8f5c9a01", call.aggregate)
	assert.Equal(t, "42", call.env.CorrelationID)
	assert.Equal(t, finished.UnixMicro(), call.env.TimestampMicros)

	var evt BookingWorkflowFinishedV1
	require.NoError(t, json.Unmarshal(call.env.Payload, &evt))
	assert.Equal(t, "Tue 2pm", evt.ConfirmedDatetime)
	assert.Equal(t, 3, evt.CallCount)
	assert.Equal(t, "adjuster@example.com", evt.RequestedBy)
}

func TestOutboxNotifierNilSafe(t *testing.T) {
	var n *OutboxNotifier
	assert.NoError(t, n.WorkflowFinished(context.Background(), &booking.Workflow{}))
	assert.Error(t, NewOutboxNotifier(&recordingAppender{}).WorkflowFinished(context.Background(), nil))
}
