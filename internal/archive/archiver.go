package archive

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/wolfman30/workcomp-booking/internal/booking"
)

type callLister interface {
	ListCalls(ctx context.Context, workflowID uuid.UUID) ([]*booking.CallRecord, error)
}

// Archiver snapshots terminal workflows and their call history into the Store.
type Archiver struct {
	store *Store
	calls callLister
}

var _ booking.Notifier = (*Archiver)(nil)

// NewArchiver returns nil when the store is not enabled.
func NewArchiver(store *Store, calls callLister) *Archiver {
	if !store.Enabled() || calls == nil {
		return nil
	}
	return &Archiver{store: store, calls: calls}
}

func (a *Archiver) WorkflowFinished(ctx context.Context, wf *booking.Workflow) error {
	if a == nil || wf == nil {
		return nil
	}
	calls, err := a.calls.ListCalls(ctx, wf.ID)
	if err != nil {
		return fmt.Errorf("archive: list calls for %s: %w", wf.ID, err)
	}
	_, err = a.store.ArchiveWorkflow(ctx, buildRecord(wf, calls))
	return err
}

func buildRecord(wf *booking.Workflow, calls []*booking.CallRecord) *WorkflowRecord {
	rec := &WorkflowRecord{
		Version:           "1.0",
		WorkflowID:        wf.ID.String(),
		IncidentID:        wf.IncidentID,
		MedicalCenterID:   wf.MedicalCenterID,
		Status:            string(wf.Status),
		ConfirmedDatetime: wf.ConfirmedDatetime,
		FailureReason:     ScrubPII(wf.FailureReason),
		Urgency:           string(wf.Urgency),
		CallCount:         wf.CallCount,
		CreatedAt:         wf.CreatedAt.UTC(),
		FinishedAt:        wf.UpdatedAt.UTC(),
		Calls:             make([]CallRecord, 0, len(calls)),
	}
	for _, c := range calls {
		rec.Calls = append(rec.Calls, CallRecord{
			Sequence:        c.Sequence,
			CallID:          c.CallID,
			Target:          string(c.Target),
			TaskType:        string(c.TaskType),
			PhoneHash:       HashPhone(c.TargetPhone),
			StartedAt:       c.StartedAt.UTC(),
			EndedAt:         c.EndedAt,
			DurationSeconds: c.DurationSeconds,
			Outcome:         string(c.Outcome),
			CallSuccessful:  c.CallSuccessful,
		})
	}
	return rec
}
