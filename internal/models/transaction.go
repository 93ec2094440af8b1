package models

import (
	"time"
)

// TransactionStatus is the lifecycle state of a transaction intent.
type TransactionStatus string

const (
	StatusNew        TransactionStatus = "new"
	StatusProcessing TransactionStatus = "processing"
	StatusSuccess    TransactionStatus = "success"
	StatusFailed     TransactionStatus = "failed"
	StatusCancelled  TransactionStatus = "cancelled"
)

// validTransitions is the full transition table. Every status write
// goes through CanTransition plus a conditional store update; nothing
// else mutates status.
var validTransitions = map[TransactionStatus][]TransactionStatus{
	StatusNew:        {StatusProcessing, StatusCancelled},
	StatusProcessing: {StatusSuccess, StatusFailed, StatusCancelled},
}

// CanTransition reports whether from -> to is a valid lifecycle edge.
func CanTransition(from, to TransactionStatus) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transitions exist from s.
func IsTerminal(s TransactionStatus) bool {
	return len(validTransitions[s]) == 0
}

const (
	// TTL bounds in minutes for an unconfirmed transaction.
	MinTTLMinutes = 1
	MaxTTLMinutes = 1440

	// DefaultTTLMinutes applies when the client omits ttl_minutes.
	DefaultTTLMinutes = 60
)

// Transaction is a time-boxed payment intent.
type Transaction struct {
	ID         string            `bson:"_id,omitempty" json:"id"`
	Reference  string            `bson:"reference" json:"reference"`
	No         int64             `bson:"no" json:"no"`
	TenantID   string            `bson:"tenant_id" json:"tenant_id"`
	CustomerID string            `bson:"customer_id" json:"customer_id"`
	Amount     int64             `bson:"amount" json:"amount"` // minor currency units
	Status     TransactionStatus `bson:"status" json:"status"`
	CardID     string            `bson:"card_id,omitempty" json:"card_id,omitempty"`
	TTLMinutes int               `bson:"ttl_minutes" json:"ttl_minutes"`
	ExpiresAt  time.Time         `bson:"expires_at" json:"expires_at"`
	Signature  string            `bson:"signature" json:"signature"`
	CreatedAt  time.Time         `bson:"created_at" json:"created_at"`
	UpdatedAt  time.Time         `bson:"updated_at" json:"updated_at"`
}

// QRPayload is the canonical structure encoded for the paying client.
// Field order is the canonical serialization order; ExpiresAt is UTC
// RFC3339 so sign and verify agree byte-for-byte.
type QRPayload struct {
	ID         string `json:"id"`
	Reference  string `json:"reference"`
	No         int64  `json:"no"`
	TenantName string `json:"tenant_name"`
	Amount     int64  `json:"amount"`
	ExpiresAt  string `json:"expires_at"`
}
