package errors

import "errors"

// Domain API errors.
var (
	ErrNotFound = errors.New("entity not found")
	ErrRejected = errors.New("request rejected by server")
)

// Queue errors.
var (
	ErrOperationNotFound = errors.New("operation not found")
	ErrInvalidOperation  = errors.New("invalid operation")
	ErrInvalidPayload    = errors.New("invalid operation payload")
	ErrNoExecutor        = errors.New("no executor registered for entity type")
	ErrNotFailed         = errors.New("operation is not in failed state")
)

// TransientError wraps an error that is likely temporary and safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError, meaning the caller should retry after a backoff.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsPermanent reports whether err is one of the errors that retrying
// cannot fix: the server refused the request, the entity is gone, the
// payload cannot be decoded, or nothing can execute the operation.
func IsPermanent(err error) bool {
	if IsTransient(err) {
		return false
	}

	return errors.Is(err, ErrRejected) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrInvalidPayload) ||
		errors.Is(err, ErrNoExecutor)
}
