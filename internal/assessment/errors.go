package assessment

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is returned when an answer does not satisfy the current
	// question. The session is left untouched.
	ErrValidation = errors.New("answer does not satisfy the question")

	// ErrNotAwaitingInput is returned when an answer arrives while a message
	// is still being revealed or the session is past the question flow.
	ErrNotAwaitingInput = errors.New("session is not awaiting input")

	// ErrWrongInputKind is returned when the input method does not match the
	// current question's kind.
	ErrWrongInputKind = errors.New("current question does not accept this input")

	// ErrSessionClosed is returned for operations on a closed session.
	ErrSessionClosed = errors.New("session is closed")

	// ErrSessionOpen is returned when Open is called on a live session.
	ErrSessionOpen = errors.New("session is already open")

	// ErrSessionReset is returned when an internal inconsistency forced the
	// session back to idle.
	ErrSessionReset = errors.New("session was reset")

	// ErrPresentationCancelled is returned by the scheduler when a
	// presentation is cut short.
	ErrPresentationCancelled = errors.New("presentation cancelled")

	// ErrSubjectAssessed is returned when opening a session for an incident
	// that already has an assessment.
	ErrSubjectAssessed = errors.New("subject already assessed")

	// ErrSessionNotFound is returned by the registry for unknown session ids.
	ErrSessionNotFound = errors.New("session not found")
)

// CompositionError reports a payload that cannot be built from the answers.
// No gateway call is made when composition fails.
type CompositionError struct {
	Field  FieldKey
	Reason string
}

func (e *CompositionError) Error() string {
	if e.Field == "" {
		return "compose assessment: " + e.Reason
	}
	return fmt.Sprintf("compose assessment: %s: %s", e.Field, e.Reason)
}

// BackendError reports a rejected or failed submission.
type BackendError struct {
	Message string // Set when the gateway answered with success=false
	Err     error  // Set when the call itself failed
}

func (e *BackendError) Error() string {
	if e.Err != nil {
		return "submit assessment: " + e.Err.Error()
	}
	return "submit assessment: " + e.Message
}

func (e *BackendError) Unwrap() error { return e.Err }

// failureReason turns a terminal error into text fit for the operator.
// Transport errors are not shown verbatim.
func failureReason(err error) string {
	var ce *CompositionError
	if errors.As(err, &ce) {
		switch ce.Field {
		case FieldAction:
			return "the action description is empty"
		case FieldResponsible:
			return "no responsible party was selected"
		case FieldReplacementClassification:
			return "the selected classification is not available"
		default:
			return ce.Reason
		}
	}
	var be *BackendError
	if errors.As(err, &be) && be.Err == nil && be.Message != "" {
		return be.Message
	}
	return "the server could not register it, please try again later"
}
