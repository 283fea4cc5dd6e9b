package form

import (
	"errors"
	"fmt"

	"formnerd/internal/browser"
	"formnerd/internal/resolve"
	"formnerd/internal/wait"
)

// State is the lifecycle of a wizard session.
type State string

const (
	StateInProgress State = "in_progress"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateAborted    State = "aborted"
)

// Session is one wizard run. It belongs to a single control flow and is only
// mutated by the Orchestrator.
type Session struct {
	StepIndex int
	Data      map[string]string // values to enter, by logical name
	Filled    map[string]string // values actually entered
	State     State

	controls map[string]browser.Element
}

// NewSession starts a session that will enter data.
func NewSession(data map[string]string) *Session {
	if data == nil {
		data = map[string]string{}
	}
	return &Session{
		Data:     data,
		Filled:   map[string]string{},
		State:    StateInProgress,
		controls: map[string]browser.Element{},
	}
}

// Mode is the orchestrator's field failure policy.
type Mode string

const (
	BestEffort Mode = "best_effort"
	Strict     Mode = "strict"
)

// ParseMode accepts best_effort/bestEffort and strict.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "best_effort", "bestEffort", "best-effort":
		return BestEffort, nil
	case "strict":
		return Strict, nil
	}
	return "", fmt.Errorf("unknown execution mode %q (valid: best_effort, strict)", s)
}

// Field error kinds.
const (
	ErrKindNotResolved          = "ElementNotResolved"
	ErrKindTimeout              = "TimeoutExceeded"
	ErrKindFillFailed           = "FillFailed"
	ErrKindUnexpectedTransition = "UnexpectedTransition"
)

// FieldError is one recorded field-level failure.
type FieldError struct {
	Field   string `json:"field"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e FieldError) Error() string {
	if e.Field == "" {
		return e.Kind + ": " + e.Message
	}
	return fmt.Sprintf("%s: %s: %s", e.Field, e.Kind, e.Message)
}

func (e FieldError) Unwrap() error { return e.Err }

func newFieldError(field string, err error) FieldError {
	kind := ErrKindFillFailed
	switch {
	case resolve.IsNotResolved(err):
		kind = ErrKindNotResolved
	case wait.IsTimeout(err):
		kind = ErrKindTimeout
	}
	return FieldError{Field: field, Kind: kind, Message: err.Error(), Err: err}
}

// StepValidationFailed is returned when a step's failure predicate fired.
type StepValidationFailed struct {
	Step      string
	Predicate string
}

func (e *StepValidationFailed) Error() string {
	return fmt.Sprintf("step %s failed validation: %s", e.Step, e.Predicate)
}

// IsValidationFailed reports whether err is (or wraps) a StepValidationFailed.
func IsValidationFailed(err error) bool {
	var v *StepValidationFailed
	return errors.As(err, &v)
}
