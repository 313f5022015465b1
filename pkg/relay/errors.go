package relay

import (
	"errors"
	"fmt"
)

// Base error kinds. Narrower errors wrap one of these, so callers can test for
// the kind with errors.Is.
var (
	ErrNotFound         = errors.New("relay: not found")
	ErrAlreadyExists    = errors.New("relay: already exists")
	ErrRecipientOffline = errors.New("relay: recipient offline")
	ErrDeliveryFailure  = errors.New("relay: delivery failed")
	ErrPersistence      = errors.New("relay: persistence failure")
	ErrAlreadyEnded     = errors.New("relay: chat already ended")
	ErrInvalidMessage   = errors.New("relay: invalid message")
)

var (
	ErrDuplicateSession  = fmt.Errorf("%w: session already registered", ErrAlreadyExists)
	ErrAlreadySubscribed = fmt.Errorf("%w: already subscribed", ErrAlreadyExists)
	ErrNotSubscribed     = fmt.Errorf("%w: not subscribed", ErrNotFound)
	ErrDeliveryTimeout   = fmt.Errorf("%w: timed out", ErrDeliveryFailure)
	ErrSessionGone       = fmt.Errorf("%w: session gone", ErrDeliveryFailure)
)

func persistenceErr(op string, err error) error {
	return fmt.Errorf("relay: %s: %w: %w", op, ErrPersistence, err)
}
