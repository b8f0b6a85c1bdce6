package booking

import (
	"errors"
	"fmt"
)

var (
	// ErrActiveWorkflowExists is returned when the incident already has a non-terminal workflow.
	ErrActiveWorkflowExists = errors.New("booking: active workflow exists for incident")

	// ErrNotFound is returned for unknown workflows, incidents or medical centers.
	ErrNotFound = errors.New("booking: not found")

	// ErrStaleState is returned when a conditional update lost a race: the
	// workflow is no longer in the expected status or call.
	ErrStaleState = errors.New("booking: workflow changed concurrently")

	// ErrMedicalCenterAttemptsExhausted is returned when too many distinct
	// medical centers were already tried for the incident.
	ErrMedicalCenterAttemptsExhausted = errors.New("booking: medical center attempts exhausted")

	// ErrDispatchPending is returned for a webhook that refers to a call whose
	// dispatch has not been recorded yet; the provider should redeliver it.
	ErrDispatchPending = errors.New("booking: call dispatch not yet recorded")

	// ErrValidation wraps request validation failures.
	ErrValidation = errors.New("booking: invalid request")
)

// InvalidTransitionError is an attempted change that the state machine forbids.
type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("booking: invalid transition %s -> %s", e.From, e.To)
}

// IsInvalidTransition reports whether err is an InvalidTransitionError.
func IsInvalidTransition(err error) bool {
	var target *InvalidTransitionError
	return errors.As(err, &target)
}

// CallDispatchError is a failure to create a call with the voice provider.
type CallDispatchError struct {
	Leg       Leg
	Transient bool
	Err       error
}

func (e *CallDispatchError) Error() string {
	return fmt.Sprintf("booking: dispatch %s call: %v", e.Leg, e.Err)
}

func (e *CallDispatchError) Unwrap() error {
	return e.Err
}

// ProviderMessage is the raw provider error text recorded as the failure reason.
func (e *CallDispatchError) ProviderMessage() string {
	if e.Err == nil {
		return "call dispatch failed"
	}
	return e.Err.Error()
}
