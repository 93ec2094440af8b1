package store

import (
	"context"
	"errors"
	"time"

	"github.com/qrpayhq/qrpay-gobackend/internal/models"
)

// ErrStatusConflict is returned by TransitionStatus when no document
// matched (id, expected status). The caller decides whether that means
// not-found or a lost race by re-reading.
var ErrStatusConflict = errors.New("status precondition failed")

// TransactionName is the counter document key for transaction numbers.
const TransactionName = "transaction_no"

// TransactionStore is the durable record of transactions. Status only
// changes through TransitionStatus so that concurrent confirm, cancel
// and expire attempts linearize on the store's conditional update.
type TransactionStore interface {
	Insert(ctx context.Context, tx *models.Transaction) error
	FindByID(ctx context.Context, id string) (*models.Transaction, error)
	FindByReference(ctx context.Context, tenantID, reference string) (*models.Transaction, error)
	ListByTenant(ctx context.Context, tenantID string, status *models.TransactionStatus) ([]models.Transaction, error)

	// TransitionStatus atomically moves id from `from` to `to`,
	// setting card_id when non-empty, and returns the updated record.
	TransitionStatus(ctx context.Context, id string, from, to models.TransactionStatus, cardID string) (*models.Transaction, error)

	// FindOverdue returns transactions still `new` whose expires_at is
	// at or before now.
	FindOverdue(ctx context.Context, now time.Time, limit int64) ([]models.Transaction, error)
}

// SequenceStore hands out strictly increasing numbers via a single
// atomic increment-and-fetch against one shared counter document.
type SequenceStore interface {
	Next(ctx context.Context, name string) (int64, error)
}

// TenantStore is read/write access to the tenant directory.
type TenantStore interface {
	Insert(ctx context.Context, tenant *models.Tenant) error
	FindByID(ctx context.Context, id string) (*models.Tenant, error)
	AddEndpoint(ctx context.Context, tenantID string, endpoint models.WebhookEndpoint) error
	ReplaceEndpoint(ctx context.Context, tenantID string, endpoint models.WebhookEndpoint) error
}
