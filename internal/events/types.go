package events

import (
	"fmt"
	"time"

	"github.com/wolfman30/workcomp-booking/internal/booking"
)

// BookingWorkflowFinishedV1 is published once a workflow reaches completed,
// failed or cancelled.
type BookingWorkflowFinishedV1 struct {
	WorkflowID        string    `json:"workflow_id"`
	IncidentID        string    `json:"incident_id"`
	MedicalCenterID   string    `json:"medical_center_id"`
	Status            string    `json:"status"`
	ConfirmedDatetime string    `json:"confirmed_datetime,omitempty"`
	FailureReason     string    `json:"failure_reason,omitempty"`
	CallCount         int       `json:"call_count"`
	Attempt           int       `json:"medical_center_attempt"`
	RequestedBy       string    `json:"requested_by,omitempty"`
	FinishedAt        time.Time `json:"finished_at"`
}

// EventType returns booking.workflow.<status>.v1.
func (e BookingWorkflowFinishedV1) EventType() string {
	return fmt.Sprintf("booking.workflow.%s.v1", e.Status)
}

// NewBookingWorkflowFinished snapshots a terminal workflow.
func NewBookingWorkflowFinished(wf *booking.Workflow) BookingWorkflowFinishedV1 {
	return BookingWorkflowFinishedV1{
		WorkflowID:        wf.ID.String(),
		IncidentID:        wf.IncidentID,
		MedicalCenterID:   wf.MedicalCenterID,
		Status:            string(wf.Status),
		ConfirmedDatetime: wf.ConfirmedDatetime,
		FailureReason:     wf.FailureReason,
		CallCount:         wf.CallCount,
		Attempt:           wf.MedicalCenterAttempt,
		RequestedBy:       wf.RequestedBy,
		FinishedAt:        wf.UpdatedAt.UTC(),
	}
}
