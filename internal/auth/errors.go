package auth

import (
	"errors"
	"fmt"
)

// Kind classifies every failure the engine can return.
type Kind int

const (
	KindValidation Kind = iota + 1
	KindDuplicateEmail
	KindInvalidCredentials
	KindInvalidToken
	// KindTokenReplay is reported to audit only; it matches ErrInvalidToken.
	KindTokenReplay
	KindRateLimited
	KindForbidden
	KindTransient
	KindInternal
)

var kindNames = map[Kind]string{
	KindValidation:         "validation_error",
	KindDuplicateEmail:     "duplicate_email",
	KindInvalidCredentials: "invalid_credentials",
	KindInvalidToken:       "invalid_token",
	KindTokenReplay:        "token_replay_detected",
	KindRateLimited:        "rate_limited",
	KindForbidden:          "forbidden",
	KindTransient:          "transient_error",
	KindInternal:           "internal_error",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Public is the kind a client may see. Replay collapses into InvalidToken.
func (k Kind) Public() Kind {
	if k == KindTokenReplay {
		return KindInvalidToken
	}
	return k
}

var publicMessages = map[Kind]string{
	KindValidation:         "invalid input",
	KindDuplicateEmail:     "email already registered",
	KindInvalidCredentials: "invalid email or password",
	KindInvalidToken:       "invalid or expired token",
	KindRateLimited:        "too many requests",
	KindForbidden:          "forbidden",
	KindTransient:          "service temporarily unavailable",
	KindInternal:           "internal error",
}

// FieldError is one entry of a field-level validation report.
type FieldError struct {
	Field   string `json:"field"`
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

// Error is returned by every Manager operation. Its message is safe to show a
// client; Err keeps the internal cause for logs and audit.
type Error struct {
	Kind    Kind
	Message string
	Fields  []FieldError
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return publicMessages[e.Kind.Public()]
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Kind, so errors.Is(err, ErrInvalidToken) holds for every
// invalid-token failure whatever its cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind || (t.Kind == KindInvalidToken && e.Kind.Public() == KindInvalidToken)
}

// Reason is the internal classification recorded by audit.
func (e *Error) Reason() string {
	if e.Err != nil {
		return e.Kind.String() + ": " + e.Err.Error()
	}
	return e.Kind.String()
}

var (
	ErrValidation         = &Error{Kind: KindValidation}
	ErrDuplicateEmail     = &Error{Kind: KindDuplicateEmail}
	ErrInvalidCredentials = &Error{Kind: KindInvalidCredentials}
	ErrInvalidToken       = &Error{Kind: KindInvalidToken}
	ErrTokenReplay        = &Error{Kind: KindTokenReplay}
	ErrRateLimited        = &Error{Kind: KindRateLimited}
	ErrForbidden          = &Error{Kind: KindForbidden}
	ErrTransient          = &Error{Kind: KindTransient}
	ErrInternal           = &Error{Kind: KindInternal}
)

func newError(k Kind, cause error) *Error { return &Error{Kind: k, Err: cause} }

// Forbidden builds the error returned by boundary checks.
func Forbidden(cause error) *Error { return newError(KindForbidden, cause) }

// RateLimited builds the error returned when a limiter denies a request.
func RateLimited(cause error) *Error { return newError(KindRateLimited, cause) }

// Transient builds the error returned when a dependency is unavailable.
func Transient(cause error) *Error { return newError(KindTransient, cause) }

// KindOf returns the kind of err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
