package session

import (
	"errors"
	"fmt"
)

var (
	// ErrStoreUnavailable wraps every transport, store-side and deadline failure.
	ErrStoreUnavailable = errors.New("session: store unavailable")

	// ErrInvalidTTL is returned when a lifetime truncates to less than one second.
	ErrInvalidTTL = errors.New("session: ttl must be at least one second")

	// ErrInvalidRecord is returned for records that violate the stored schema,
	// and for writes that would produce one.
	ErrInvalidRecord = errors.New("session: invalid record")

	// ErrInvalidToken is returned for tokens that cannot be used as a key.
	ErrInvalidToken = errors.New("session: invalid token")

	// ErrInvalidIdentity is returned when enumerating an empty identity.
	ErrInvalidIdentity = errors.New("session: invalid identity")
)

func unavailable(err error) error {
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}
