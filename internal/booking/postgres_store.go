package booking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB abstracts the pgx pool for testing.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

const workflowColumns = `id, incident_id, medical_center_id, status, current_leg, medical_center_attempt,
	retry_attempt, patient_call_attempts, call_count, retry_scheduled_at, patient_next_retry_at,
	current_call_id, last_call_id, current_call_started_at, current_call_ended_at, last_call_type,
	last_call_outcome, failure_reason, available_times, selected_time, confirmed_datetime,
	doctor_preference, preferred_doctor_id, urgency, requested_by, created_at, updated_at`

const callColumns = `id, workflow_id, sequence, call_id, target, target_phone, target_name, task_type,
	started_at, ended_at, duration_seconds, outcome, call_successful`

const uniqueViolation = "23505"

// PostgresStore persists workflows in booking_workflows and call attempts in
// voice_call_records. Mutations lock the workflow row for the length of a
// transaction, and the partial unique index on incident_id backs the
// one-active-workflow rule.
type PostgresStore struct {
	db     DB
	limits Limits
	now    func() time.Time
}

// NewPostgresStore creates a store over a pgx pool.
func NewPostgresStore(db DB, limits Limits) *PostgresStore {
	if db == nil {
		panic("booking: db required")
	}
	return &PostgresStore{
		db:     db,
		limits: limits.normalize(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *PostgresStore) Create(ctx context.Context, in CreateInput) (*Workflow, error) {
	in, err := in.normalize()
	if err != nil {
		return nil, err
	}

	var otherCenters, active int
	err = s.db.QueryRow(ctx, `
		SELECT COUNT(DISTINCT medical_center_id) FILTER (WHERE medical_center_id <> $2),
		       COUNT(*) FILTER (WHERE status <> ALL($3))
		FROM booking_workflows
		WHERE incident_id = $1`,
		in.IncidentID, in.MedicalCenterID, terminalStatusStrings(),
	).Scan(&otherCenters, &active)
	if err != nil {
		return nil, fmt.Errorf("booking: count incident workflows: %w", err)
	}
	if active > 0 {
		return nil, ErrActiveWorkflowExists
	}
	attempt := otherCenters + 1
	if attempt > s.limits.MedicalCenters {
		return nil, ErrMedicalCenterAttemptsExhausted
	}

	w := newWorkflow(in, attempt, s.now())
	_, err = s.db.Exec(ctx, `
		INSERT INTO booking_workflows (id, incident_id, medical_center_id, status, medical_center_attempt,
			available_times, doctor_preference, preferred_doctor_id, urgency, requested_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		w.ID, w.IncidentID, w.MedicalCenterID, string(w.Status), w.MedicalCenterAttempt,
		"[]", string(w.DoctorPreference), w.PreferredDoctorID, string(w.Urgency), w.RequestedBy,
		w.CreatedAt, w.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, ErrActiveWorkflowExists
		}
		return nil, fmt.Errorf("booking: insert workflow: %w", err)
	}
	return w, nil
}

func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (*Workflow, error) {
	w, err := scanWorkflow(s.db.QueryRow(ctx, `SELECT `+workflowColumns+` FROM booking_workflows WHERE id = $1`, id))
	if err != nil {
		return nil, wrapNotFound("get workflow", err)
	}
	return w, nil
}

func (s *PostgresStore) FindByCallID(ctx context.Context, callID string) (*Workflow, error) {
	w, err := scanWorkflow(s.db.QueryRow(ctx, `
		SELECT `+workflowColumns+` FROM booking_workflows
		WHERE current_call_id = $1 OR last_call_id = $1
		ORDER BY CASE WHEN current_call_id = $1 THEN 0 ELSE 1 END, updated_at DESC
		LIMIT 1`, callID))
	if err != nil {
		return nil, wrapNotFound("find by call id", err)
	}
	return w, nil
}

func (s *PostgresStore) ListByIncident(ctx context.Context, incidentID string) ([]*Workflow, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+workflowColumns+` FROM booking_workflows
		WHERE incident_id = $1
		ORDER BY created_at DESC`, incidentID)
	if err != nil {
		return nil, fmt.Errorf("booking: list by incident: %w", err)
	}
	return scanWorkflows(rows)
}

func (s *PostgresStore) ListDueMedicalCenterRetries(ctx context.Context, now time.Time, limit int) ([]*Workflow, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+workflowColumns+` FROM booking_workflows
		WHERE status = $1 AND retry_scheduled_at <= $2
		ORDER BY CASE urgency WHEN 'urgent' THEN 0 WHEN 'normal' THEN 1 ELSE 2 END, retry_scheduled_at ASC
		LIMIT $3`, string(StatusAwaitingMedicalCenterRetry), now, batchLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("booking: list due medical center retries: %w", err)
	}
	return scanWorkflows(rows)
}

func (s *PostgresStore) ListDuePatientRetries(ctx context.Context, now time.Time, limit int) ([]*Workflow, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+workflowColumns+` FROM booking_workflows
		WHERE status = $1 AND patient_next_retry_at <= $2
		ORDER BY CASE urgency WHEN 'urgent' THEN 0 WHEN 'normal' THEN 1 ELSE 2 END, patient_next_retry_at ASC
		LIMIT $3`, string(StatusAwaitingPatientRetry), now, batchLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("booking: list due patient retries: %w", err)
	}
	return scanWorkflows(rows)
}

func (s *PostgresStore) ListStalled(ctx context.Context, statuses []Status, before time.Time, limit int) ([]*Workflow, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+workflowColumns+` FROM booking_workflows
		WHERE status = ANY($1) AND updated_at <= $2
		ORDER BY CASE urgency WHEN 'urgent' THEN 0 WHEN 'normal' THEN 1 ELSE 2 END, updated_at ASC
		LIMIT $3`, statusStrings(statuses), before, batchLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("booking: list stalled workflows: %w", err)
	}
	return scanWorkflows(rows)
}

func (s *PostgresStore) Transition(ctx context.Context, id uuid.UUID, from, to Status, upd Update) (*Workflow, error) {
	if !CanTransition(from, to) {
		return nil, &InvalidTransitionError{From: from, To: to}
	}
	var out *Workflow
	err := s.withLockedWorkflow(ctx, id, func(tx pgx.Tx, w *Workflow) error {
		if err := applyTransition(w, from, to, upd, s.limits, s.now()); err != nil {
			return err
		}
		out = w
		return saveWorkflow(ctx, tx, w)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) RecordCallStart(ctx context.Context, id uuid.UUID, from Status, start CallStart) (*Workflow, *CallRecord, error) {
	var out *Workflow
	var rec *CallRecord
	err := s.withLockedWorkflow(ctx, id, func(tx pgx.Tx, w *Workflow) error {
		r, err := applyCallStart(w, from, start, s.limits, s.now())
		if err != nil {
			return err
		}
		if err := saveWorkflow(ctx, tx, w); err != nil {
			return err
		}
		err = tx.QueryRow(ctx, `
			INSERT INTO voice_call_records (id, workflow_id, sequence, call_id, target, target_phone, target_name, task_type, started_at, outcome)
			VALUES ($1, $2, (SELECT COALESCE(MAX(sequence), 0) + 1 FROM voice_call_records WHERE workflow_id = $2), $3, $4, $5, $6, $7, $8, $9)
			RETURNING sequence`,
			r.ID, r.WorkflowID, r.CallID, string(r.Target), r.TargetPhone, r.TargetName, string(r.TaskType), r.StartedAt, string(r.Outcome),
		).Scan(&r.Sequence)
		if err != nil {
			return fmt.Errorf("booking: insert call record: %w", err)
		}
		out, rec = w, r
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return out, rec, nil
}

func (s *PostgresStore) RecordCallOutcome(ctx context.Context, id uuid.UUID, res CallResult) (*Workflow, error) {
	var out *Workflow
	err := s.withLockedWorkflow(ctx, id, func(tx pgx.Tx, w *Workflow) error {
		now := s.now()
		if err := applyCallOutcome(w, res, s.limits, now); err != nil {
			return err
		}
		ended := res.EndedAt
		if ended.IsZero() {
			ended = now
		}
		tag, err := tx.Exec(ctx, `
			UPDATE voice_call_records
			SET ended_at = $3, duration_seconds = $4, outcome = $5, call_successful = $6
			WHERE workflow_id = $1 AND call_id = $2 AND ended_at IS NULL`,
			id, res.CallID, ended, res.DurationSeconds, string(res.Outcome), res.CallSuccessful,
		)
		if err != nil {
			return fmt.Errorf("booking: close call record: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrStaleState
		}
		out = w
		return saveWorkflow(ctx, tx, w)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CloseCallRecord closes an open call record left behind by a workflow that
// moved on without it. The workflow row is not touched.
func (s *PostgresStore) CloseCallRecord(ctx context.Context, workflowID uuid.UUID, res CallResult) error {
	ended := res.EndedAt
	if ended.IsZero() {
		ended = s.now()
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE voice_call_records
		SET ended_at = $3, duration_seconds = $4, outcome = $5, call_successful = $6
		WHERE workflow_id = $1 AND call_id = $2 AND ended_at IS NULL`,
		workflowID, res.CallID, ended, res.DurationSeconds, string(res.Outcome), res.CallSuccessful,
	)
	if err != nil {
		return fmt.Errorf("booking: close call record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleState
	}
	return nil
}

func (s *PostgresStore) Cancel(ctx context.Context, incidentID, reason string) ([]*Workflow, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("booking: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT `+workflowColumns+` FROM booking_workflows
		WHERE incident_id = $1
		FOR UPDATE`, incidentID)
	if err != nil {
		return nil, fmt.Errorf("booking: lock incident workflows: %w", err)
	}
	list, err := scanWorkflows(rows)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, ErrNotFound
	}

	reason = cancelReason(reason)
	now := s.now()
	var changed []*Workflow
	for _, w := range list {
		if w.Status.IsTerminal() {
			continue
		}
		if err := applyTransition(w, w.Status, StatusCancelled, Update{FailureReason: &reason}, s.limits, now); err != nil {
			return nil, err
		}
		if err := saveWorkflow(ctx, tx, w); err != nil {
			return nil, err
		}
		changed = append(changed, w)
	}
	if len(changed) == 0 {
		return nil, nil
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("booking: commit cancel: %w", err)
	}
	return changed, nil
}

func (s *PostgresStore) ListCalls(ctx context.Context, workflowID uuid.UUID) ([]*CallRecord, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+callColumns+` FROM voice_call_records
		WHERE workflow_id = $1
		ORDER BY sequence ASC`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("booking: list calls: %w", err)
	}
	defer rows.Close()

	var out []*CallRecord
	for rows.Next() {
		var c CallRecord
		var target, task, outcome string
		if err := rows.Scan(&c.ID, &c.WorkflowID, &c.Sequence, &c.CallID, &target, &c.TargetPhone, &c.TargetName,
			&task, &c.StartedAt, &c.EndedAt, &c.DurationSeconds, &outcome, &c.CallSuccessful); err != nil {
			return nil, fmt.Errorf("booking: scan call: %w", err)
		}
		c.Target = CallTarget(target)
		c.TaskType = Leg(task)
		c.Outcome = Outcome(outcome)
		out = append(out, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("booking: list calls rows: %w", err)
	}
	return out, nil
}

// withLockedWorkflow runs fn inside a transaction holding the workflow row lock.
// fn's error aborts the transaction and is returned unwrapped.
func (s *PostgresStore) withLockedWorkflow(ctx context.Context, id uuid.UUID, fn func(tx pgx.Tx, w *Workflow) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("booking: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	w, err := scanWorkflow(tx.QueryRow(ctx, `SELECT `+workflowColumns+` FROM booking_workflows WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return wrapNotFound("lock workflow", err)
	}
	if err := fn(tx, w); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("booking: commit: %w", err)
	}
	return nil
}

func saveWorkflow(ctx context.Context, tx pgx.Tx, w *Workflow) error {
	times, err := json.Marshal(nonNilTimes(w.AvailableTimes))
	if err != nil {
		return fmt.Errorf("booking: encode available times: %w", err)
	}
	_, err = tx.Exec(ctx, `
		UPDATE booking_workflows SET
			status = $2, current_leg = $3, retry_attempt = $4, patient_call_attempts = $5, call_count = $6,
			retry_scheduled_at = $7, patient_next_retry_at = $8, current_call_id = $9, last_call_id = $10,
			current_call_started_at = $11, current_call_ended_at = $12, last_call_type = $13,
			last_call_outcome = $14, failure_reason = $15, available_times = $16, selected_time = $17,
			confirmed_datetime = $18, updated_at = $19
		WHERE id = $1`,
		w.ID, string(w.Status), string(w.CurrentLeg), w.RetryAttempt, w.PatientCallAttempts, w.CallCount,
		w.RetryScheduledAt, w.PatientNextRetryAt, w.CurrentCallID, w.LastCallID,
		w.CurrentCallStartedAt, w.CurrentCallEndedAt, string(w.LastCallType),
		string(w.LastCallOutcome), w.FailureReason, string(times), w.SelectedTime,
		w.ConfirmedDatetime, w.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("booking: update workflow: %w", err)
	}
	return nil
}

func scanWorkflow(row pgx.Row) (*Workflow, error) {
	var w Workflow
	var status, leg, lastType, lastOutcome, pref, urgency string
	var times []byte
	err := row.Scan(
		&w.ID, &w.IncidentID, &w.MedicalCenterID, &status, &leg, &w.MedicalCenterAttempt,
		&w.RetryAttempt, &w.PatientCallAttempts, &w.CallCount, &w.RetryScheduledAt, &w.PatientNextRetryAt,
		&w.CurrentCallID, &w.LastCallID, &w.CurrentCallStartedAt, &w.CurrentCallEndedAt, &lastType,
		&lastOutcome, &w.FailureReason, &times, &w.SelectedTime, &w.ConfirmedDatetime,
		&pref, &w.PreferredDoctorID, &urgency, &w.RequestedBy, &w.CreatedAt, &w.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	parsed, err := ParseStatus(status)
	if err != nil {
		return nil, err
	}
	w.Status = parsed
	w.CurrentLeg = Leg(leg)
	w.LastCallType = CallTarget(lastType)
	w.LastCallOutcome = Outcome(lastOutcome)
	w.DoctorPreference = DoctorPreference(pref)
	w.Urgency = Urgency(urgency)
	w.AvailableTimes = []string{}
	if len(times) > 0 {
		if err := json.Unmarshal(times, &w.AvailableTimes); err != nil {
			return nil, fmt.Errorf("booking: decode available times: %w", err)
		}
	}
	return &w, nil
}

func scanWorkflows(rows pgx.Rows) ([]*Workflow, error) {
	defer rows.Close()
	var out []*Workflow
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("booking: scan workflow: %w", err)
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("booking: workflow rows: %w", err)
	}
	return out, nil
}

func wrapNotFound(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return fmt.Errorf("booking: %s: %w", op, err)
}

func nonNilTimes(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func batchLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	return limit
}
