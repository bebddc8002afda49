package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorKind classifies caller-facing failures.
type ErrorKind string

const (
	KindValidation     ErrorKind = "validation_error"
	KindNotFound       ErrorKind = "not_found"
	KindInvalidState   ErrorKind = "invalid_state"
	KindExpired        ErrorKind = "expired"
	KindRateLimited    ErrorKind = "rate_limited"
	KindInfrastructure ErrorKind = "infrastructure_error"
)

// Sentinels for errors.Is. Every *Error unwraps to the sentinel of its kind.
var (
	ErrValidation     = errors.New("validation error")
	ErrNotFound       = errors.New("not found")
	ErrInvalidState   = errors.New("invalid state")
	ErrExpired        = errors.New("verification expired")
	ErrRateLimited    = errors.New("rate limited")
	ErrInfrastructure = errors.New("infrastructure error")
)

var sentinels = map[ErrorKind]error{
	KindValidation:     ErrValidation,
	KindNotFound:       ErrNotFound,
	KindInvalidState:   ErrInvalidState,
	KindExpired:        ErrExpired,
	KindRateLimited:    ErrRateLimited,
	KindInfrastructure: ErrInfrastructure,
}

// Error is the structured error returned by the account and verification
// services. It carries enough detail to render a specific message.
type Error struct {
	Kind       ErrorKind
	Entity     string
	ID         string
	Field      string
	State      string
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if s, ok := sentinels[e.Kind]; ok {
		errs = append(errs, s)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// AsError extracts the structured error, if any.
func AsError(err error) (*Error, bool) {
	var de *Error
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

func NewValidationError(field, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Field: field, Message: fmt.Sprintf(format, args...)}
}

func NewNotFoundError(entity, id string) *Error {
	return &Error{Kind: KindNotFound, Entity: entity, ID: id, Message: fmt.Sprintf("%s %s not found", entity, id)}
}

func NewInvalidStateError(entity, id, state, message string) *Error {
	return &Error{Kind: KindInvalidState, Entity: entity, ID: id, State: state, Message: message}
}

func NewExpiredError(id string, expiredAt time.Time) *Error {
	return &Error{
		Kind:    KindExpired,
		Entity:  "verification",
		ID:      id,
		State:   string(VerificationFailed),
		Message: fmt.Sprintf("verification window closed at %s; initiate a new verification", expiredAt.UTC().Format(time.RFC3339)),
	}
}

func NewRateLimitedError(retryAfter time.Duration) *Error {
	return &Error{Kind: KindRateLimited, RetryAfter: retryAfter, Message: "too many verification attempts; try again later"}
}

func NewInfrastructureError(op string, err error) *Error {
	return &Error{Kind: KindInfrastructure, Message: op, Err: err}
}
