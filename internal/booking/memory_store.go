package booking

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Repository used by tests and local runs
// without a database. A single mutex serializes all mutations.
type MemoryStore struct {
	mu        sync.Mutex
	workflows map[uuid.UUID]*Workflow
	calls     map[uuid.UUID][]*CallRecord
	limits    Limits
	now       func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore(limits Limits) *MemoryStore {
	return &MemoryStore{
		workflows: make(map[uuid.UUID]*Workflow),
		calls:     make(map[uuid.UUID][]*CallRecord),
		limits:    limits.normalize(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the store clock.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) Create(ctx context.Context, in CreateInput) (*Workflow, error) {
	in, err := in.normalize()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	centers := map[string]struct{}{in.MedicalCenterID: {}}
	for _, w := range s.workflows {
		if w.IncidentID != in.IncidentID {
			continue
		}
		if !w.Status.IsTerminal() {
			return nil, ErrActiveWorkflowExists
		}
		centers[w.MedicalCenterID] = struct{}{}
	}
	if len(centers) > s.limits.MedicalCenters {
		return nil, ErrMedicalCenterAttemptsExhausted
	}

	w := newWorkflow(in, len(centers), s.now())
	s.workflows[w.ID] = w
	return w.clone(), nil
}

func (s *MemoryStore) Get(ctx context.Context, id uuid.UUID) (*Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workflows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return w.clone(), nil
}

// FindByCallID matches the in-flight call first, then the most recently closed one.
func (s *MemoryStore) FindByCallID(ctx context.Context, callID string) (*Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.workflows {
		if w.CurrentCallID != nil && *w.CurrentCallID == callID {
			return w.clone(), nil
		}
	}
	for _, w := range s.workflows {
		if w.LastCallID != nil && *w.LastCallID == callID {
			return w.clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ListByIncident(ctx context.Context, incidentID string) ([]*Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Workflow
	for _, w := range s.workflows {
		if w.IncidentID == incidentID {
			out = append(out, w.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ListDueMedicalCenterRetries(ctx context.Context, now time.Time, limit int) ([]*Workflow, error) {
	return s.listDue(StatusAwaitingMedicalCenterRetry, medicalRetryDue, now, limit), nil
}

func (s *MemoryStore) ListDuePatientRetries(ctx context.Context, now time.Time, limit int) ([]*Workflow, error) {
	return s.listDue(StatusAwaitingPatientRetry, patientRetryDue, now, limit), nil
}

// ListStalled returns workflows in one of statuses last touched at or before before.
func (s *MemoryStore) ListStalled(ctx context.Context, statuses []Status, before time.Time, limit int) ([]*Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Workflow
	for _, w := range s.workflows {
		if hasStatus(statuses, w.Status) && !w.UpdatedAt.After(before) {
			out = append(out, w.clone())
		}
	}
	sortDue(out, func(w *Workflow) time.Time { return w.UpdatedAt })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) listDue(status Status, dueAt func(*Workflow) time.Time, now time.Time, limit int) []*Workflow {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Workflow
	for _, w := range s.workflows {
		due := dueAt(w)
		if w.Status == status && !due.IsZero() && !due.After(now) {
			out = append(out, w.clone())
		}
	}
	sortDue(out, dueAt)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *MemoryStore) Transition(ctx context.Context, id uuid.UUID, from, to Status, upd Update) (*Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workflows[id]
	if !ok {
		return nil, ErrNotFound
	}
	next := w.clone()
	if err := applyTransition(next, from, to, upd, s.limits, s.now()); err != nil {
		return nil, err
	}
	s.workflows[id] = next
	return next.clone(), nil
}

func (s *MemoryStore) RecordCallStart(ctx context.Context, id uuid.UUID, from Status, start CallStart) (*Workflow, *CallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workflows[id]
	if !ok {
		return nil, nil, ErrNotFound
	}
	next := w.clone()
	rec, err := applyCallStart(next, from, start, s.limits, s.now())
	if err != nil {
		return nil, nil, err
	}
	rec.Sequence = len(s.calls[id]) + 1
	s.calls[id] = append(s.calls[id], rec)
	s.workflows[id] = next
	cp := *rec
	return next.clone(), &cp, nil
}

func (s *MemoryStore) RecordCallOutcome(ctx context.Context, id uuid.UUID, res CallResult) (*Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workflows[id]
	if !ok {
		return nil, ErrNotFound
	}
	now := s.now()
	next := w.clone()
	if err := applyCallOutcome(next, res, s.limits, now); err != nil {
		return nil, err
	}
	var rec *CallRecord
	for _, c := range s.calls[id] {
		if c.CallID == res.CallID {
			rec = c
		}
	}
	if rec == nil {
		return nil, ErrStaleState
	}
	closed := *rec
	if err := closeCallRecord(&closed, res, now); err != nil {
		return nil, err
	}
	*rec = closed
	s.workflows[id] = next
	return next.clone(), nil
}

// CloseCallRecord closes the call's record without touching the workflow.
// A record that is already closed gives ErrStaleState.
func (s *MemoryStore) CloseCallRecord(ctx context.Context, workflowID uuid.UUID, res CallResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.calls[workflowID] {
		if c.CallID == res.CallID {
			return closeCallRecord(c, res, s.now())
		}
	}
	return ErrNotFound
}

// Cancel moves every non-terminal workflow of the incident to cancelled and
// returns the ones it changed. Terminal workflows are left untouched.
func (s *MemoryStore) Cancel(ctx context.Context, incidentID, reason string) ([]*Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	found := false
	var changed []*Workflow
	reason = cancelReason(reason)
	now := s.now()
	for id, w := range s.workflows {
		if w.IncidentID != incidentID {
			continue
		}
		found = true
		if w.Status.IsTerminal() {
			continue
		}
		next := w.clone()
		if err := applyTransition(next, w.Status, StatusCancelled, Update{FailureReason: &reason}, s.limits, now); err != nil {
			return nil, err
		}
		s.workflows[id] = next
		changed = append(changed, next.clone())
	}
	if !found {
		return nil, ErrNotFound
	}
	return changed, nil
}

func (s *MemoryStore) ListCalls(ctx context.Context, workflowID uuid.UUID) ([]*CallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workflows[workflowID]; !ok {
		return nil, ErrNotFound
	}
	out := make([]*CallRecord, 0, len(s.calls[workflowID]))
	for _, c := range s.calls[workflowID] {
		cp := *c
		out = append(out, &cp)
	}
	return out, nil
}
