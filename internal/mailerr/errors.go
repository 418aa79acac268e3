package mailerr

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthenticated is returned when the caller has no usable OAuth credential.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrNotFound reports an expected absence, e.g. deleting a row that was never mirrored.
	ErrNotFound = errors.New("not found")

	// ErrPersistenceConflict is returned when an insert hits an existing key.
	ErrPersistenceConflict = errors.New("persistence conflict")

	// ErrUserNotFound is returned when a notified mailbox address has no local user.
	ErrUserNotFound = errors.New("no such user")

	ErrForbidden = errors.New("forbidden")

	// ErrInvalidArgument rejects a malformed request before any remote call.
	ErrInvalidArgument = errors.New("invalid argument")
)

// Kind classifies a remote API failure.
type Kind string

const (
	KindUnauthenticated Kind = "unauthenticated"
	KindNotFound        Kind = "not_found"
	KindRateLimited     Kind = "rate_limited"
	KindForbidden       Kind = "forbidden"
	KindInvalid         Kind = "invalid"
	KindUnavailable     Kind = "unavailable"
	KindNetwork         Kind = "network"
)

// RemoteAPIError wraps a failure of the remote mail provider.
type RemoteAPIError struct {
	Kind      Kind
	Retryable bool
	Op        string
	Err       error
}

func (e *RemoteAPIError) Error() string {
	return fmt.Sprintf("%s: remote api %s: %v", e.Op, e.Kind, e.Err)
}

func (e *RemoteAPIError) Unwrap() error {
	return e.Err
}

// Is lets callers match on the coarse sentinels instead of the kind.
func (e *RemoteAPIError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Kind == KindNotFound
	case ErrUnauthenticated:
		return e.Kind == KindUnauthenticated
	case ErrForbidden:
		return e.Kind == KindForbidden
	}

	return false
}

// Remote builds a RemoteAPIError. Retryability is derived from the kind.
func Remote(op string, kind Kind, err error) *RemoteAPIError {
	return &RemoteAPIError{
		Kind:      kind,
		Retryable: kind == KindRateLimited || kind == KindUnavailable || kind == KindNetwork,
		Op:        op,
		Err:       err,
	}
}

// IsRetryable reports whether err is a remote failure worth retrying on a later cycle.
func IsRetryable(err error) bool {
	var remote *RemoteAPIError
	if errors.As(err, &remote) {
		return remote.Retryable
	}

	return false
}
