package models

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound            = errors.New("transaction not found")
	ErrTenantNotFound      = errors.New("tenant not found")
	ErrEndpointNotFound    = errors.New("webhook endpoint not found")
	ErrDuplicateReference  = errors.New("reference already exists for tenant")
	ErrInvalidAmount       = errors.New("amount must be at least 1")
	ErrInvalidTTL          = fmt.Errorf("ttl_minutes must be between %d and %d", MinTTLMinutes, MaxTTLMinutes)
	ErrSignatureMismatch   = errors.New("signature does not match issued payload")
	ErrInvalidTenantName   = errors.New("tenant name cannot be empty")
	ErrInvalidEndpointURL  = errors.New("endpoint url cannot be empty")
	ErrSequenceUnavailable = errors.New("sequence counter unavailable")
)

// InvalidTransitionError reports a rejected status change. Both sides
// of the edge are carried so the caller sees the current state it lost
// against.
type InvalidTransitionError struct {
	From TransactionStatus
	To   TransactionStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition from %s to %s", e.From, e.To)
}
