package quota

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the quota service.
var (
	ErrInvalidRequest        = errors.New("invalid request")
	ErrInvalidUserID         = fmt.Errorf("%w: invalid user id", ErrInvalidRequest)
	ErrInvalidUploadID       = fmt.Errorf("%w: invalid upload id", ErrInvalidRequest)
	ErrInvalidIdempotencyKey = fmt.Errorf("%w: invalid idempotency key", ErrInvalidRequest)
	ErrInvalidContentID      = fmt.Errorf("%w: invalid content id", ErrInvalidRequest)
	ErrInvalidMediaPostID    = fmt.Errorf("%w: invalid media post id", ErrInvalidRequest)
	ErrInvalidReference      = fmt.Errorf("%w: invalid external reference", ErrInvalidRequest)
	ErrInvalidMetadataJSON   = fmt.Errorf("%w: invalid metadata json", ErrInvalidRequest)
	ErrInvalidMediaType      = fmt.Errorf("%w: invalid media type", ErrInvalidRequest)
	ErrInvalidByteSize       = fmt.Errorf("%w: invalid byte size", ErrInvalidRequest)
	ErrInvalidUnits          = fmt.Errorf("%w: invalid units", ErrInvalidRequest)
	ErrInvalidEntryType      = fmt.Errorf("%w: invalid entry type", ErrInvalidRequest)
	ErrInvalidUploadStatus   = fmt.Errorf("%w: invalid upload status", ErrInvalidRequest)
	ErrReferenceConflict     = fmt.Errorf("%w: external reference belongs to another account", ErrInvalidRequest)
	ErrInvalidCursor         = fmt.Errorf("%w: invalid page cursor", ErrInvalidRequest)

	ErrUnauthorized          = errors.New("unauthorized")
	ErrInsufficientCapacity  = errors.New("insufficient capacity")
	ErrStorageLimitReached   = fmt.Errorf("storage limit reached: %w", ErrInsufficientCapacity)
	ErrUploadNotFound        = errors.New("upload not found")
	ErrUploadAlreadyFailed   = errors.New("upload already failed")
	ErrUploadAlreadyComplete = errors.New("upload already complete")

	ErrAccountNotFound         = errors.New("account not found")
	ErrEntryNotFound           = errors.New("entry not found")
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
	ErrDuplicateEntry          = errors.New("duplicate ledger entry")
	ErrInvalidTransition       = errors.New("invalid upload transition")
	ErrInvalidServiceConfig    = errors.New("invalid service config")
)

// ErrorKind is the closed set of failure kinds exposed to callers.
type ErrorKind string

const (
	KindInvalidRequest        ErrorKind = "invalid_request"
	KindUnauthorized          ErrorKind = "unauthorized"
	KindStorageLimitReached   ErrorKind = "storage_limit_reached"
	KindUploadNotFound        ErrorKind = "upload_not_found"
	KindUploadAlreadyFailed   ErrorKind = "upload_already_failed"
	KindUploadAlreadyComplete ErrorKind = "upload_already_complete"
	KindInternal              ErrorKind = "internal_error"
)

// KindOf classifies err. Anything unrecognized is internal.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidRequest):
		return KindInvalidRequest
	case errors.Is(err, ErrUnauthorized):
		return KindUnauthorized
	case errors.Is(err, ErrInsufficientCapacity):
		return KindStorageLimitReached
	case errors.Is(err, ErrUploadNotFound):
		return KindUploadNotFound
	case errors.Is(err, ErrUploadAlreadyFailed):
		return KindUploadAlreadyFailed
	case errors.Is(err, ErrUploadAlreadyComplete):
		return KindUploadAlreadyComplete
	default:
		return KindInternal
	}
}

// String returns the wire code.
func (kind ErrorKind) String() string {
	return string(kind)
}

// Message returns the client-safe description for the kind.
func (kind ErrorKind) Message() string {
	switch kind {
	case KindInvalidRequest:
		return "request is invalid"
	case KindUnauthorized:
		return "authentication required"
	case KindStorageLimitReached:
		return "storage limit reached"
	case KindUploadNotFound:
		return "upload not found"
	case KindUploadAlreadyFailed:
		return "upload already failed"
	case KindUploadAlreadyComplete:
		return "upload already complete"
	default:
		return "internal error"
	}
}

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}
