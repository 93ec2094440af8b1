package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/qrpayhq/qrpay-gobackend/internal/events"
	"github.com/qrpayhq/qrpay-gobackend/internal/models"
	"github.com/qrpayhq/qrpay-gobackend/internal/store"
)

const (
	// DefaultWebhookTimeout bounds one delivery attempt.
	DefaultWebhookTimeout = 10 * time.Second

	signatureHeader = "X-QRPay-Signature"
	eventKeyHeader  = "X-QRPay-Event-Key"
)

// WebhookEnvelope is the body delivered to tenant endpoints. The
// signature header is the HMAC of this exact serialized body under the
// endpoint secret.
type WebhookEnvelope struct {
	Event  string       `json:"event"`
	Data   events.Event `json:"data"`
	SentAt time.Time    `json:"sent_at"`
}

// WebhookDispatcher delivers lifecycle events to tenant endpoints. It
// runs entirely off the request path: each event fans out to one
// goroutine per matching endpoint, and a failing endpoint never affects
// the others or the operation that emitted the event.
type WebhookDispatcher struct {
	tenants store.TenantStore
	client  *http.Client
	now     func() time.Time
	wg      sync.WaitGroup
}

func NewWebhookDispatcher(tenants store.TenantStore, timeout time.Duration) *WebhookDispatcher {
	if timeout <= 0 {
		timeout = DefaultWebhookTimeout
	}
	return &WebhookDispatcher{
		tenants: tenants,
		client:  &http.Client{Timeout: timeout},
		now:     time.Now,
	}
}

// RegisterAll subscribes the dispatcher to every lifecycle event type.
func (d *WebhookDispatcher) RegisterAll(bus events.Bus) {
	for _, eventType := range events.Types {
		bus.Register(eventType, d.Handle)
	}
}

// Handle resolves the owning tenant's endpoints and dispatches to the
// active ones subscribed to this event type.
func (d *WebhookDispatcher) Handle(ctx context.Context, e events.Event) {
	// The lookup runs on the bus worker; an unbounded store call here
	// would stall delivery of everything behind this event.
	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	tenant, err := d.tenants.FindByID(lookupCtx, e.TenantID)
	if err != nil {
		log.Error().Err(err).
			Str("tenant_id", e.TenantID).
			Str("event", e.Type).
			Msg("Failed to resolve tenant for webhook dispatch")
		return
	}

	for _, endpoint := range tenant.Endpoints {
		if !endpoint.Active || !endpoint.SubscribesTo(e.Type) {
			continue
		}
		ep := endpoint
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if err := d.deliver(ep, e); err != nil {
				log.Error().Err(err).
					Str("endpoint_id", ep.ID).
					Str("url", ep.URL).
					Str("event", e.Type).
					Str("transaction_id", e.TransactionID).
					Msg("Webhook delivery failed")
			}
		}()
	}
}

// Wait blocks until in-flight deliveries finish. Used on shutdown and
// in tests.
func (d *WebhookDispatcher) Wait() {
	d.wg.Wait()
}

func (d *WebhookDispatcher) deliver(endpoint models.WebhookEndpoint, e events.Event) error {
	envelope := WebhookEnvelope{
		Event:  e.Type,
		Data:   e,
		SentAt: d.now().UTC(),
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook envelope: %w", err)
	}

	// Detached from the originating request; only the client timeout
	// bounds the attempt.
	ctx, cancel := context.WithTimeout(context.Background(), d.client.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(signatureHeader, SignPayload(body, []byte(endpoint.Secret)))
	req.Header.Set(eventKeyHeader, e.TransactionID+":"+e.Type)

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook endpoint returned status %d", resp.StatusCode)
	}

	log.Info().
		Str("endpoint_id", endpoint.ID).
		Str("event", e.Type).
		Str("transaction_id", e.TransactionID).
		Msg("Webhook delivered")
	return nil
}
