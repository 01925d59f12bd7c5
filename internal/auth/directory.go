package auth

import (
	"context"
	"errors"
)

var ErrPrincipalNotFound = errors.New("principal not found")

// Directory resolves principals. Implementations return ErrPrincipalNotFound
// when no principal matches; any other error is an infrastructure fault.
type Directory interface {
	LookupPrincipal(ctx context.Context, tenant, username string) (Principal, error)
}
