package models

import (
	"time"
)

// WebhookEndpoint is a tenant-registered notification target. Endpoints
// are never hard-deleted; active=false disables delivery.
type WebhookEndpoint struct {
	ID        string    `bson:"id" json:"id"`
	URL       string    `bson:"url" json:"url"`
	Events    []string  `bson:"events" json:"events"`
	Active    bool      `bson:"active" json:"active"`
	Secret    string    `bson:"secret" json:"-"`
	CreatedAt time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt time.Time `bson:"updated_at" json:"updated_at"`
}

// SubscribesTo reports whether the endpoint wants the given event type.
func (e *WebhookEndpoint) SubscribesTo(eventType string) bool {
	for _, ev := range e.Events {
		if ev == eventType {
			return true
		}
	}
	return false
}

// Tenant is a business owning transactions and webhook endpoints. The
// tenant secret keys the QR payload signature; endpoint secrets key the
// outbound webhook signatures.
type Tenant struct {
	ID        string            `bson:"_id,omitempty" json:"id"`
	Name      string            `bson:"name" json:"name"`
	Secret    string            `bson:"secret" json:"-"`
	Endpoints []WebhookEndpoint `bson:"endpoints" json:"endpoints"`
	CreatedAt time.Time         `bson:"created_at" json:"created_at"`
	UpdatedAt time.Time         `bson:"updated_at" json:"updated_at"`
}
