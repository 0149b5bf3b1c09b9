package domain

import "fmt"

// ErrorKind distinguishes errors the core surfaces to its caller from
// those it absorbs and meters internally (spec.md §7).
type ErrorKind string

const (
	ErrValidation         ErrorKind = "validation"
	ErrNotFound           ErrorKind = "not_found"
	ErrPermissionDenied   ErrorKind = "permission_denied"
	ErrConflict           ErrorKind = "conflict"
	ErrQueueFull          ErrorKind = "queue_full"
	ErrTransientDelivery  ErrorKind = "transient_delivery"
	ErrPersistence        ErrorKind = "persistence"
	ErrCancelled          ErrorKind = "cancelled"
)

// CoreError is the single error type every core component returns,
// carrying a stable kind so the translation layer can map it to its own
// boundary (HTTP status, error code, remediation) without inspecting
// message text.
type CoreError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *CoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *CoreError) Unwrap() error { return e.Err }

func newErr(kind ErrorKind, msg string, err error) *CoreError {
	return &CoreError{Kind: kind, Message: msg, Err: err}
}

func NewValidationError(msg string) *CoreError       { return newErr(ErrValidation, msg, nil) }
func NewNotFoundError(msg string) *CoreError         { return newErr(ErrNotFound, msg, nil) }
func NewPermissionDeniedError(msg string) *CoreError { return newErr(ErrPermissionDenied, msg, nil) }
func NewConflictError(msg string) *CoreError         { return newErr(ErrConflict, msg, nil) }
func NewQueueFullError(msg string) *CoreError        { return newErr(ErrQueueFull, msg, nil) }

func NewTransientDeliveryError(msg string, err error) *CoreError {
	return newErr(ErrTransientDelivery, msg, err)
}

func NewPersistenceError(msg string, err error) *CoreError {
	return newErr(ErrPersistence, msg, err)
}

func NewCancelledError(msg string) *CoreError { return newErr(ErrCancelled, msg, nil) }

// IsKind reports whether err is a *CoreError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	ce, ok := err.(*CoreError)
	return ok && ce.Kind == kind
}
