package notify

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/workcomp-booking/internal/booking"
	"github.com/wolfman30/workcomp-booking/internal/directory"
)

type mockEmailSender struct {
	sent []EmailMessage
	err  error
}

func (m *mockEmailSender) Send(_ context.Context, msg EmailMessage) error {
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, msg)
	return nil
}

func testDirectory() *directory.MemoryDirectory {
	dir := directory.NewMemoryDirectory()
	dir.PutIncident(directory.Incident{ID: "42", WorkerName: "Dana Reyes", WorkerPhone: "5550102000", EmployerName: "Acme Freight"})
	dir.PutMedicalCenter(directory.MedicalCenter{ID: "C1", Name: "Harbor Occupational Health", Phone: "5550103000"})
	return dir
}

func TestService_CompletedEmailsRequester(t *testing.T) {
	sender := &mockEmailSender{}
	svc := NewService(sender, testDirectory(), "", nil)
	wf := &booking.Workflow{
		ID:                uuid.New(),
		IncidentID:        "42",
		MedicalCenterID:   "C1",
		Status:            booking.StatusCompleted,
		ConfirmedDatetime: "Tue 2pm",
		CallCount:         3,
		RequestedBy:       "adjuster@example.com",
	}

	require.NoError(t, svc.WorkflowFinished(context.Background(), wf))
	require.Len(t, sender.sent, 1)
	msg := sender.sent[0]
	assert.Equal(t, "adjuster@example.com", msg.To)
	assert.Equal(t, "Appointment booked for Dana Reyes", msg.Subject)
	assert.Contains(t, msg.Body, "Harbor Occupational Health is confirmed for Tue 2pm")
	assert.Contains(t, msg.Body, "Employer: Acme Freight")
	assert.Contains(t, msg.HTML, "<li>Calls placed: 3</li>")
	assert.Equal(t, CategoryBooked, msg.Category)
	assert.Empty(t, msg.ReplyTo)
}

func TestService_FailedEscapesHTMLAndCopiesOps(t *testing.T) {
	sender := &mockEmailSender{}
	svc := NewService(sender, nil, "ops@example.com", nil)
	wf := &booking.Workflow{
		ID:              uuid.New(),
		IncidentID:      "43",
		MedicalCenterID: "C2",
		Status:          booking.StatusFailed,
		FailureReason:   "provider said <busy>",
		RequestedBy:     "adjuster@example.com",
	}

	require.NoError(t, svc.WorkflowFinished(context.Background(), wf))
	require.Len(t, sender.sent, 2)
	assert.Equal(t, "ops@example.com", sender.sent[1].To)
	assert.Equal(t, "ops@example.com", sender.sent[0].ReplyTo)
	assert.Empty(t, sender.sent[1].ReplyTo)
	assert.Equal(t, CategoryFailed, sender.sent[0].Category)
	assert.Equal(t, wf.ID.String(), sender.sent[1].WorkflowID)
	assert.Equal(t, "Booking failed for incident 43", sender.sent[0].Subject)
	assert.Contains(t, sender.sent[0].HTML, "&lt;busy&gt;")
	assert.False(t, strings.Contains(sender.sent[0].HTML, "<busy>"))
}

func TestService_SkipsNonEmailRequester(t *testing.T) {
	sender := &mockEmailSender{}
	svc := NewService(sender, nil, "", nil)

	for _, by := range []string{"", "user-123", "Dana <dana@example.com>", "not an@"} {
		wf := &booking.Workflow{ID: uuid.New(), IncidentID: "42", Status: booking.StatusCancelled, RequestedBy: by}
		require.NoError(t, svc.WorkflowFinished(context.Background(), wf), by)
	}
	assert.Empty(t, sender.sent)
}

func TestService_SendFailureIsReturned(t *testing.T) {
	boom := errors.New("smtp down")
	svc := NewService(&mockEmailSender{err: boom}, nil, "", nil)
	wf := &booking.Workflow{ID: uuid.New(), IncidentID: "42", Status: booking.StatusCompleted, RequestedBy: "a@example.com"}
	assert.ErrorIs(t, svc.WorkflowFinished(context.Background(), wf), boom)

	var nilSvc *Service
	assert.NoError(t, nilSvc.WorkflowFinished(context.Background(), wf))
}
