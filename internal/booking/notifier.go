package booking

import (
	"context"

	"github.com/wolfman30/workcomp-booking/pkg/logging"
)

// Notifier is told when a workflow reaches a terminal status.
type Notifier interface {
	WorkflowFinished(ctx context.Context, wf *Workflow) error
}

// MultiNotifier fans out to several notifiers. Failures are logged and do not
// stop the others.
type MultiNotifier struct {
	notifiers []Notifier
	logger    *logging.Logger
}

func NewMultiNotifier(logger *logging.Logger, notifiers ...Notifier) *MultiNotifier {
	if logger == nil {
		logger = logging.Default()
	}
	var list []Notifier
	for _, n := range notifiers {
		if n != nil {
			list = append(list, n)
		}
	}
	return &MultiNotifier{notifiers: list, logger: logger}
}

func (m *MultiNotifier) WorkflowFinished(ctx context.Context, wf *Workflow) error {
	if m == nil {
		return nil
	}
	for _, n := range m.notifiers {
		if err := n.WorkflowFinished(ctx, wf); err != nil {
			m.logger.Warn("booking: terminal notification failed",
				"workflow_id", wf.ID,
				"status", wf.Status,
				"error", err,
			)
		}
	}
	return nil
}
