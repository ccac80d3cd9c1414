// Package errors provides the error taxonomy shared by every offsync component.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode classifies a SyncError.
type ErrorCode string

const (
	ErrCodeStorageFailure     ErrorCode = "STORAGE_FAILURE"
	ErrCodeTransientTransport ErrorCode = "TRANSIENT_TRANSPORT"
	ErrCodePermanentTransport ErrorCode = "PERMANENT_TRANSPORT"
	ErrCodeConflictUnresolved ErrorCode = "CONFLICT_UNRESOLVED"
	ErrCodeInvalidTransition  ErrorCode = "INVALID_TRANSITION"
	ErrCodeValidationFailure  ErrorCode = "VALIDATION_FAILURE"
	ErrCodeNotFound           ErrorCode = "NOT_FOUND"
)

// Operation names the engine operation during which an error occurred
type Operation string

const (
	OpAppend  Operation = "append"
	OpRecord  Operation = "record"
	OpMark    Operation = "mark"
	OpPending Operation = "get_pending"
	OpCompact Operation = "compact"
	OpApply   Operation = "apply"
	OpLoad    Operation = "load"
	OpStore   Operation = "store"
	OpResolve Operation = "resolve"
	OpEnqueue Operation = "enqueue"
	OpBatch   Operation = "next_batch"
	OpPush    Operation = "push"
	OpPull    Operation = "pull"
	OpExport  Operation = "export"
	OpImport  Operation = "import"
	OpSync    Operation = "sync"
	OpTransit Operation = "transition"
	OpConfig  Operation = "config"
	OpClose   Operation = "close"
)

// Sentinel causes that callers can match with errors.Is.
var (
	ErrNotFound = errors.New("not found")
	ErrClosed   = errors.New("closed")
)

// SyncError carries the operation, component and classification of a
// failure along with its cause.
type SyncError struct {
	Op Operation

	// Component that generated the error (e.g., "oplog", "transport")
	Component string

	Err error

	// Retryable is set for transient failures.
	Retryable bool

	Code ErrorCode

	// Metadata holds extra fields such as MetaRetryAfter.
	Metadata map[string]any
}

func (e *SyncError) Error() string {
	var msg string
	if e.Component != "" {
		msg = fmt.Sprintf("%s operation failed in %s component", e.Op, e.Component)
	} else {
		msg = fmt.Sprintf("%s operation failed", e.Op)
	}

	if e.Code != "" {
		msg += fmt.Sprintf(" [%s]", e.Code)
	}

	return msg + fmt.Sprintf(": %v", e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// WithMetadata attaches a key/value pair and returns the same error.
func (e *SyncError) WithMetadata(key string, value any) *SyncError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]any)
	}
	e.Metadata[key] = value
	return e
}

// NewStorageError reports that local persistence is unavailable or corrupted.
func NewStorageError(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeStorageFailure,
		Op:        op,
		Component: "storage",
		Err:       cause,
	}
}

// NewTransient creates a retryable transport error (network, timeout, overload).
func NewTransient(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeTransientTransport,
		Op:        op,
		Component: "transport",
		Err:       cause,
		Retryable: true,
	}
}

// NewPermanent creates a transport error that retrying will not fix
// (rejected batch, authentication failure, malformed request).
func NewPermanent(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodePermanentTransport,
		Op:        op,
		Component: "transport",
		Err:       cause,
	}
}

// NewConflictError records that concurrent operations could not be merged automatically.
func NewConflictError(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeConflictUnresolved,
		Op:        op,
		Component: "resolver",
		Err:       cause,
	}
}

// NewInvalidTransition reports an illegal state machine transition.
func NewInvalidTransition(op Operation, component string, from, to fmt.Stringer) *SyncError {
	return &SyncError{
		Code:      ErrCodeInvalidTransition,
		Op:        op,
		Component: component,
		Err:       fmt.Errorf("illegal transition %s -> %s", from, to),
		Metadata:  map[string]any{"from": from.String(), "to": to.String()},
	}
}

// NewValidationError reports input that can never be accepted.
func NewValidationError(op Operation, cause error) *SyncError {
	return &SyncError{
		Code: ErrCodeValidationFailure,
		Op:   op,
		Err:  cause,
	}
}

// NewNotFound wraps ErrNotFound for the given subject.
func NewNotFound(op Operation, component, subject string) *SyncError {
	return &SyncError{
		Code:      ErrCodeNotFound,
		Op:        op,
		Component: component,
		Err:       fmt.Errorf("%s: %w", subject, ErrNotFound),
	}
}

// New wraps err without a code.
func New(op Operation, err error) *SyncError {
	return &SyncError{
		Op:  op,
		Err: err,
	}
}

// NewWithComponent is New with the reporting component set.
func NewWithComponent(op Operation, component string, err error) *SyncError {
	return &SyncError{
		Op:        op,
		Component: component,
		Err:       err,
	}
}

// CodeOf returns the code of the outermost SyncError in the chain, or "".
func CodeOf(err error) ErrorCode {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Code
	}
	return ""
}

// hasCode walks the whole chain so a wrapped storage error is still found
// behind an outer error without a code.
func hasCode(err error, code ErrorCode) bool {
	for err != nil {
		var syncErr *SyncError
		if !errors.As(err, &syncErr) {
			return false
		}
		if syncErr.Code == code {
			return true
		}
		err = syncErr.Err
	}
	return false
}

// IsRetryable reports the Retryable flag of the outermost SyncError in err.
func IsRetryable(err error) bool {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Retryable
	}
	return false
}

// MetaRetryAfter is the metadata key under which a transport records the
// delay the counterpart asked for, as a time.Duration.
const MetaRetryAfter = "retry_after"

// RetryAfter returns the delay recorded under MetaRetryAfter anywhere in
// the chain, or zero.
func RetryAfter(err error) time.Duration {
	for err != nil {
		var syncErr *SyncError
		if !errors.As(err, &syncErr) {
			return 0
		}
		if d, ok := syncErr.Metadata[MetaRetryAfter].(time.Duration); ok {
			return d
		}
		err = syncErr.Err
	}
	return 0
}

func IsStorage(err error) bool           { return hasCode(err, ErrCodeStorageFailure) }
func IsTransient(err error) bool         { return hasCode(err, ErrCodeTransientTransport) }
func IsPermanent(err error) bool         { return hasCode(err, ErrCodePermanentTransport) }
func IsConflict(err error) bool          { return hasCode(err, ErrCodeConflictUnresolved) }
func IsInvalidTransition(err error) bool { return hasCode(err, ErrCodeInvalidTransition) }
func IsValidation(err error) bool        { return hasCode(err, ErrCodeValidationFailure) }

// IsNotFound reports whether err is or wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || hasCode(err, ErrCodeNotFound)
}

// Is, As and Join re-export the standard helpers so callers need one import.
func Is(err, target error) bool     { return errors.Is(err, target) }
func As(err error, target any) bool { return errors.As(err, target) }
func Join(errs ...error) error      { return errors.Join(errs...) }
