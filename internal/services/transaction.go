package services

import (
	"context"
	"crypto/hmac"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/qrpayhq/qrpay-gobackend/internal/events"
	"github.com/qrpayhq/qrpay-gobackend/internal/models"
	"github.com/qrpayhq/qrpay-gobackend/internal/store"
)

// expireBatchLimit bounds one sweep scan.
const expireBatchLimit = 500

// TransactionService is the transaction lifecycle engine. It is the
// sole writer of status transitions; every transition goes through the
// store's conditional update so concurrent confirm/cancel/expire
// attempts on one transaction linearize there.
type TransactionService struct {
	transactions store.TransactionStore
	sequences    store.SequenceStore
	tenants      store.TenantStore
	bus          events.Bus
	now          func() time.Time
}

func NewTransactionService(
	transactions store.TransactionStore,
	sequences store.SequenceStore,
	tenants store.TenantStore,
	bus events.Bus,
) *TransactionService {
	return &TransactionService{
		transactions: transactions,
		sequences:    sequences,
		tenants:      tenants,
		bus:          bus,
		now:          time.Now,
	}
}

// WithClock replaces the time source. Tests use it to move past
// expires_at without sleeping.
func (s *TransactionService) WithClock(now func() time.Time) *TransactionService {
	s.now = now
	return s
}

// CreateTransactionOutput is returned to the caller of Create. Payload
// and Signature are exactly what the paying client must echo back at
// confirmation time.
type CreateTransactionOutput struct {
	ID        string           `json:"id"`
	Reference string           `json:"reference"`
	No        int64            `json:"no"`
	Amount    int64            `json:"amount"`
	ExpiresAt time.Time        `json:"expires_at"`
	Payload   models.QRPayload `json:"payload"`
	Signature string           `json:"signature"`
}

// Create validates the request, assigns the next platform-wide number,
// signs the canonical QR payload with the tenant secret, persists the
// transaction and emits transaction.created.
func (s *TransactionService) Create(ctx context.Context, tenantID, customerID, reference string, amount int64, ttlMinutes int) (*CreateTransactionOutput, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if amount < 1 {
		return nil, models.ErrInvalidAmount
	}
	if ttlMinutes == 0 {
		ttlMinutes = models.DefaultTTLMinutes
	}
	if ttlMinutes < models.MinTTLMinutes || ttlMinutes > models.MaxTTLMinutes {
		return nil, models.ErrInvalidTTL
	}

	tenant, err := s.tenants.FindByID(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	if _, err := s.transactions.FindByReference(ctx, tenantID, reference); err == nil {
		return nil, models.ErrDuplicateReference
	} else if !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}

	// Fails closed: without a number no transaction is created.
	no, err := s.sequences.Next(ctx, store.TransactionName)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	expiresAt := now.Add(time.Duration(ttlMinutes) * time.Minute)

	tx := &models.Transaction{
		ID:         uuid.NewString(),
		Reference:  reference,
		No:         no,
		TenantID:   tenantID,
		CustomerID: customerID,
		Amount:     amount,
		Status:     models.StatusNew,
		TTLMinutes: ttlMinutes,
		ExpiresAt:  expiresAt,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	payload := models.QRPayload{
		ID:         tx.ID,
		Reference:  tx.Reference,
		No:         tx.No,
		TenantName: tenant.Name,
		Amount:     tx.Amount,
		ExpiresAt:  expiresAt.Format(time.RFC3339),
	}
	canonical, err := CanonicalQRPayload(payload)
	if err != nil {
		return nil, err
	}
	tx.Signature = SignPayload(canonical, []byte(tenant.Secret))

	if err := s.transactions.Insert(ctx, tx); err != nil {
		return nil, err
	}

	s.publish(events.TransactionCreated, tx, map[string]interface{}{
		"no":         tx.No,
		"amount":     tx.Amount,
		"expires_at": tx.ExpiresAt,
	})

	return &CreateTransactionOutput{
		ID:        tx.ID,
		Reference: tx.Reference,
		No:        tx.No,
		Amount:    tx.Amount,
		ExpiresAt: tx.ExpiresAt,
		Payload:   payload,
		Signature: tx.Signature,
	}, nil
}

// Confirm moves a transaction from new to processing with the paying
// card. The echoed signature must equal the one issued at creation;
// the conditional update guarantees at most one of several concurrent
// confirmations wins.
func (s *TransactionService) Confirm(ctx context.Context, transactionID, cardID, signature string) (*models.Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	tx, err := s.transactions.FindByID(ctx, transactionID)
	if err != nil {
		return nil, err
	}

	if !hmac.Equal([]byte(tx.Signature), []byte(signature)) {
		return nil, models.ErrSignatureMismatch
	}

	updated, err := s.transactions.TransitionStatus(ctx, transactionID, models.StatusNew, models.StatusProcessing, cardID)
	if err != nil {
		return nil, s.resolveConflict(ctx, transactionID, models.StatusProcessing, err)
	}

	s.publish(events.TransactionConfirmed, updated, map[string]interface{}{
		"card_id": cardID,
	})
	return updated, nil
}

// Cancel moves a transaction to cancelled from new or processing.
func (s *TransactionService) Cancel(ctx context.Context, transactionID string) (*models.Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	tx, err := s.transactions.FindByID(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if !models.CanTransition(tx.Status, models.StatusCancelled) {
		return nil, &models.InvalidTransitionError{From: tx.Status, To: models.StatusCancelled}
	}

	updated, err := s.transactions.TransitionStatus(ctx, transactionID, tx.Status, models.StatusCancelled, "")
	if errors.Is(err, store.ErrStatusConflict) {
		// The status moved between the read and the update. A lost race
		// against a confirm still leaves a cancellable transaction, so
		// retry once from the current status before giving up.
		current, findErr := s.transactions.FindByID(ctx, transactionID)
		if findErr != nil {
			return nil, findErr
		}
		if !models.CanTransition(current.Status, models.StatusCancelled) {
			return nil, &models.InvalidTransitionError{From: current.Status, To: models.StatusCancelled}
		}
		updated, err = s.transactions.TransitionStatus(ctx, transactionID, current.Status, models.StatusCancelled, "")
	}
	if err != nil {
		return nil, s.resolveConflict(ctx, transactionID, models.StatusCancelled, err)
	}

	s.publish(events.TransactionCancelled, updated, nil)
	return updated, nil
}

// Settle accepts the settlement outcome from the external collaborator:
// processing -> success or processing -> failed.
func (s *TransactionService) Settle(ctx context.Context, transactionID string, outcome models.TransactionStatus) (*models.Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if outcome != models.StatusSuccess && outcome != models.StatusFailed {
		return nil, &models.InvalidTransitionError{From: models.StatusProcessing, To: outcome}
	}

	updated, err := s.transactions.TransitionStatus(ctx, transactionID, models.StatusProcessing, outcome, "")
	if err != nil {
		return nil, s.resolveConflict(ctx, transactionID, outcome, err)
	}
	return updated, nil
}

// Get returns a transaction by id.
func (s *TransactionService) Get(ctx context.Context, transactionID string) (*models.Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return s.transactions.FindByID(ctx, transactionID)
}

// List returns a tenant's transactions, optionally filtered by status.
func (s *TransactionService) List(ctx context.Context, tenantID string, status *models.TransactionStatus) ([]models.Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return s.transactions.ListByTenant(ctx, tenantID, status)
}

// ExpireOverdue scans for unconfirmed transactions past expires_at and
// forces each into cancelled, re-checking status=new at update time so
// a concurrent confirmation wins cleanly. Per-transaction failures are
// logged and do not abort the batch. Returns the number transitioned.
func (s *TransactionService) ExpireOverdue(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	overdue, err := s.transactions.FindOverdue(ctx, s.now().UTC(), expireBatchLimit)
	if err != nil {
		return 0, fmt.Errorf("failed to scan overdue transactions: %w", err)
	}

	expired := 0
	for _, tx := range overdue {
		updated, err := s.transactions.TransitionStatus(ctx, tx.ID, models.StatusNew, models.StatusCancelled, "")
		if err != nil {
			if errors.Is(err, store.ErrStatusConflict) {
				// Lost to a concurrent confirm or cancel.
				continue
			}
			log.Error().Err(err).Str("transaction_id", tx.ID).Msg("Failed to expire transaction")
			continue
		}
		expired++
		s.publish(events.TransactionExpired, updated, map[string]interface{}{
			"expires_at": updated.ExpiresAt,
		})
	}
	return expired, nil
}

// resolveConflict turns a failed conditional update into the error the
// caller should see: NotFound when the record vanished, otherwise
// InvalidTransition with the current status.
func (s *TransactionService) resolveConflict(ctx context.Context, transactionID string, to models.TransactionStatus, err error) error {
	if !errors.Is(err, store.ErrStatusConflict) {
		return err
	}
	current, findErr := s.transactions.FindByID(ctx, transactionID)
	if findErr != nil {
		return findErr
	}
	return &models.InvalidTransitionError{From: current.Status, To: to}
}

func (s *TransactionService) publish(eventType string, tx *models.Transaction, data map[string]interface{}) {
	s.bus.Publish(events.Event{
		Type:          eventType,
		TransactionID: tx.ID,
		TenantID:      tx.TenantID,
		Data:          data,
		Timestamp:     s.now().UTC(),
	})
}
