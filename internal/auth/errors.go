package auth

import (
	"errors"
	"time"
)

var (
	// ErrInvalidCredentials never tells an unknown account apart from a wrong password.
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrTooManyAttempts    = errors.New("too many login attempts")
	// ErrUnauthenticated covers every token defect: bad signature, wrong kind,
	// expired, revoked, replayed, or orphaned by a deleted principal.
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrForbidden       = errors.New("forbidden")
)

// LockedError is returned by Login while the source is locked out.
type LockedError struct {
	Until time.Time
}

func (e LockedError) Error() string {
	return "login temporarily locked"
}

func (e LockedError) Is(target error) bool {
	return target == ErrTooManyAttempts
}
