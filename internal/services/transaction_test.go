package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qrpayhq/qrpay-gobackend/internal/events"
	"github.com/qrpayhq/qrpay-gobackend/internal/models"
	"github.com/qrpayhq/qrpay-gobackend/internal/store"
)

// recordingBus captures published events synchronously so tests can
// assert on them without races.
type recordingBus struct {
	mu     sync.Mutex
	events []events.Event
}

func (b *recordingBus) Publish(e events.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, e)
}

func (b *recordingBus) Register(string, events.Handler) {}

func (b *recordingBus) ofType(eventType string) []events.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var matched []events.Event
	for _, e := range b.events {
		if e.Type == eventType {
			matched = append(matched, e)
		}
	}
	return matched
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(t time.Time) *fakeClock {
	return &fakeClock{t: t}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestService(t *testing.T) (*TransactionService, *recordingBus, *fakeClock, string) {
	t.Helper()

	tenants := store.NewMemoryTenantStore()
	tenant := &models.Tenant{
		ID:     "t1",
		Name:   "Acme",
		Secret: "tenant-signing-secret",
	}
	require.NoError(t, tenants.Insert(context.Background(), tenant))

	bus := &recordingBus{}
	clock := newFakeClock(time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC))
	service := NewTransactionService(
		store.NewMemoryTransactionStore(),
		store.NewMemorySequenceStore(),
		tenants,
		bus,
	).WithClock(clock.Now)

	return service, bus, clock, tenant.ID
}

func TestCreateTransaction(t *testing.T) {
	service, bus, clock, tenantID := newTestService(t)
	ctx := context.Background()

	output, err := service.Create(ctx, tenantID, "c1", "ORD-1", 1500, 60)
	require.NoError(t, err)

	assert.NotEmpty(t, output.ID)
	assert.Equal(t, "ORD-1", output.Reference)
	assert.Equal(t, int64(1), output.No)
	assert.Equal(t, int64(1500), output.Amount)
	assert.Equal(t, clock.Now().Add(60*time.Minute), output.ExpiresAt)
	assert.Equal(t, "Acme", output.Payload.TenantName)

	// The returned signature verifies against the canonical payload.
	canonical, err := CanonicalQRPayload(output.Payload)
	require.NoError(t, err)
	assert.True(t, VerifyPayload(canonical, []byte("tenant-signing-secret"), output.Signature))

	tx, err := service.Get(ctx, output.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusNew, tx.Status)
	assert.Equal(t, output.Signature, tx.Signature)

	created := bus.ofType(events.TransactionCreated)
	require.Len(t, created, 1)
	assert.Equal(t, output.ID, created[0].TransactionID)
	assert.Equal(t, tenantID, created[0].TenantID)
}

func TestCreateTransactionValidation(t *testing.T) {
	service, _, _, tenantID := newTestService(t)
	ctx := context.Background()

	_, err := service.Create(ctx, tenantID, "c1", "ORD-1", 0, 60)
	assert.ErrorIs(t, err, models.ErrInvalidAmount)

	_, err = service.Create(ctx, tenantID, "c1", "ORD-1", 100, 1441)
	assert.ErrorIs(t, err, models.ErrInvalidTTL)

	_, err = service.Create(ctx, tenantID, "c1", "ORD-1", 100, -1)
	assert.ErrorIs(t, err, models.ErrInvalidTTL)

	_, err = service.Create(ctx, "missing-tenant", "c1", "ORD-1", 100, 60)
	assert.ErrorIs(t, err, models.ErrTenantNotFound)
}

func TestCreateTransactionDefaultTTL(t *testing.T) {
	service, _, clock, tenantID := newTestService(t)

	output, err := service.Create(context.Background(), tenantID, "c1", "ORD-1", 100, 0)
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(models.DefaultTTLMinutes*time.Minute), output.ExpiresAt)
}

func TestCreateTransactionDuplicateReference(t *testing.T) {
	service, _, _, tenantID := newTestService(t)
	ctx := context.Background()

	_, err := service.Create(ctx, tenantID, "c1", "ORD-1", 100, 60)
	require.NoError(t, err)

	_, err = service.Create(ctx, tenantID, "c2", "ORD-1", 200, 60)
	assert.ErrorIs(t, err, models.ErrDuplicateReference)
}

func TestConcurrentCreatesGetContiguousNumbers(t *testing.T) {
	service, _, _, tenantID := newTestService(t)
	ctx := context.Background()

	const n = 50
	results := make(chan int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			output, err := service.Create(ctx, tenantID, "c1", fmt.Sprintf("ORD-%d", i), 100, 60)
			if assert.NoError(t, err) {
				results <- output.No
			}
		}(i)
	}
	wg.Wait()
	close(results)

	var nos []int64
	for no := range results {
		nos = append(nos, no)
	}
	sort.Slice(nos, func(i, j int) bool { return nos[i] < nos[j] })

	require.Len(t, nos, n)
	for i, no := range nos {
		assert.Equal(t, int64(i+1), no, "numbers must be gapless and duplicate-free")
	}
}

func TestConfirmTransaction(t *testing.T) {
	service, bus, _, tenantID := newTestService(t)
	ctx := context.Background()

	output, err := service.Create(ctx, tenantID, "c1", "ORD-1", 1500, 60)
	require.NoError(t, err)

	tx, err := service.Confirm(ctx, output.ID, "card-1", output.Signature)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, tx.Status)
	assert.Equal(t, "card-1", tx.CardID)

	confirmed := bus.ofType(events.TransactionConfirmed)
	require.Len(t, confirmed, 1)
	assert.Equal(t, output.ID, confirmed[0].TransactionID)
}

func TestConfirmRejectsBadSignature(t *testing.T) {
	service, _, _, tenantID := newTestService(t)
	ctx := context.Background()

	output, err := service.Create(ctx, tenantID, "c1", "ORD-1", 1500, 60)
	require.NoError(t, err)

	_, err = service.Confirm(ctx, output.ID, "card-1", "forged-signature")
	assert.ErrorIs(t, err, models.ErrSignatureMismatch)

	tx, err := service.Get(ctx, output.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusNew, tx.Status)
}

func TestConfirmUnknownTransaction(t *testing.T) {
	service, _, _, _ := newTestService(t)

	_, err := service.Confirm(context.Background(), "missing", "card-1", "sig")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestConcurrentConfirmsExactlyOneWins(t *testing.T) {
	service, bus, _, tenantID := newTestService(t)
	ctx := context.Background()

	output, err := service.Create(ctx, tenantID, "c1", "ORD-1", 1500, 60)
	require.NoError(t, err)

	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := service.Confirm(ctx, output.ID, "card-1", output.Signature)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var successes, transitionFailures int
	for err := range errs {
		if err == nil {
			successes++
			continue
		}
		var transitionErr *models.InvalidTransitionError
		require.ErrorAs(t, err, &transitionErr)
		assert.Equal(t, models.StatusProcessing, transitionErr.From)
		transitionFailures++
	}
	assert.Equal(t, 1, successes)
	assert.Equal(t, 1, transitionFailures)
	assert.Len(t, bus.ofType(events.TransactionConfirmed), 1)
}

func TestRepeatedConfirmIsNotSilentSuccess(t *testing.T) {
	service, _, _, tenantID := newTestService(t)
	ctx := context.Background()

	output, err := service.Create(ctx, tenantID, "c1", "ORD-1", 1500, 60)
	require.NoError(t, err)

	_, err = service.Confirm(ctx, output.ID, "card-1", output.Signature)
	require.NoError(t, err)

	_, err = service.Confirm(ctx, output.ID, "card-2", output.Signature)
	var transitionErr *models.InvalidTransitionError
	require.ErrorAs(t, err, &transitionErr)
	assert.Equal(t, models.StatusProcessing, transitionErr.From)
	assert.Equal(t, models.StatusProcessing, transitionErr.To)
}

func TestCancelTransaction(t *testing.T) {
	service, bus, _, tenantID := newTestService(t)
	ctx := context.Background()

	output, err := service.Create(ctx, tenantID, "c1", "ORD-1", 1500, 60)
	require.NoError(t, err)

	tx, err := service.Cancel(ctx, output.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, tx.Status)
	assert.Len(t, bus.ofType(events.TransactionCancelled), 1)
}

func TestCancelDuringProcessing(t *testing.T) {
	service, _, _, tenantID := newTestService(t)
	ctx := context.Background()

	output, err := service.Create(ctx, tenantID, "c1", "ORD-1", 1500, 60)
	require.NoError(t, err)
	_, err = service.Confirm(ctx, output.ID, "card-1", output.Signature)
	require.NoError(t, err)

	tx, err := service.Cancel(ctx, output.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, tx.Status)
}

// confirmDuringCancelStore confirms the transaction between Cancel's
// status read and its conditional update, forcing the first update to
// lose.
type confirmDuringCancelStore struct {
	*store.MemoryTransactionStore
	once sync.Once
}

func (s *confirmDuringCancelStore) TransitionStatus(ctx context.Context, id string, from, to models.TransactionStatus, cardID string) (*models.Transaction, error) {
	if from == models.StatusNew && to == models.StatusCancelled {
		s.once.Do(func() {
			s.MemoryTransactionStore.TransitionStatus(ctx, id, models.StatusNew, models.StatusProcessing, "card-racer")
		})
	}
	return s.MemoryTransactionStore.TransitionStatus(ctx, id, from, to, cardID)
}

func TestCancelRetriesAfterLosingRaceToConfirm(t *testing.T) {
	tenants := store.NewMemoryTenantStore()
	require.NoError(t, tenants.Insert(context.Background(), &models.Tenant{ID: "t1", Name: "Acme", Secret: "s"}))

	transactions := &confirmDuringCancelStore{MemoryTransactionStore: store.NewMemoryTransactionStore()}
	bus := &recordingBus{}
	service := NewTransactionService(transactions, store.NewMemorySequenceStore(), tenants, bus)
	ctx := context.Background()

	output, err := service.Create(ctx, "t1", "c1", "ORD-1", 1500, 60)
	require.NoError(t, err)

	// processing -> cancelled is a valid edge, so losing new -> cancelled
	// to a concurrent confirm must not fail the cancellation.
	tx, err := service.Cancel(ctx, output.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, tx.Status)
	assert.Len(t, bus.ofType(events.TransactionCancelled), 1)
}

func TestCancelTerminalFails(t *testing.T) {
	service, _, _, tenantID := newTestService(t)
	ctx := context.Background()

	for i, outcome := range []models.TransactionStatus{models.StatusSuccess, models.StatusFailed} {
		output, err := service.Create(ctx, tenantID, "c1", fmt.Sprintf("ORD-%d", i), 1500, 60)
		require.NoError(t, err)
		_, err = service.Confirm(ctx, output.ID, "card-1", output.Signature)
		require.NoError(t, err)
		_, err = service.Settle(ctx, output.ID, outcome)
		require.NoError(t, err)

		_, err = service.Cancel(ctx, output.ID)
		var transitionErr *models.InvalidTransitionError
		require.ErrorAs(t, err, &transitionErr)
		assert.Equal(t, outcome, transitionErr.From)
		assert.Equal(t, models.StatusCancelled, transitionErr.To)
	}
}

func TestSettleRequiresProcessing(t *testing.T) {
	service, _, _, tenantID := newTestService(t)
	ctx := context.Background()

	output, err := service.Create(ctx, tenantID, "c1", "ORD-1", 1500, 60)
	require.NoError(t, err)

	_, err = service.Settle(ctx, output.ID, models.StatusSuccess)
	var transitionErr *models.InvalidTransitionError
	require.ErrorAs(t, err, &transitionErr)
	assert.Equal(t, models.StatusNew, transitionErr.From)

	_, err = service.Settle(ctx, output.ID, models.StatusCancelled)
	require.ErrorAs(t, err, &transitionErr)
}

func TestExpireOverdue(t *testing.T) {
	service, bus, clock, tenantID := newTestService(t)
	ctx := context.Background()

	output, err := service.Create(ctx, tenantID, "c1", "ORD-2", 500, 1)
	require.NoError(t, err)

	// Nothing is overdue yet.
	expired, err := service.ExpireOverdue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, expired)

	clock.Advance(2 * time.Minute)

	expired, err = service.ExpireOverdue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, expired)

	tx, err := service.Get(ctx, output.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, tx.Status)

	expiredEvents := bus.ofType(events.TransactionExpired)
	require.Len(t, expiredEvents, 1)
	assert.Equal(t, output.ID, expiredEvents[0].TransactionID)

	// Idempotent: a second sweep finds nothing.
	expired, err = service.ExpireOverdue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, expired)
	assert.Len(t, bus.ofType(events.TransactionExpired), 1)
}

func TestSweepSkipsConfirmedTransaction(t *testing.T) {
	service, bus, clock, tenantID := newTestService(t)
	ctx := context.Background()

	output, err := service.Create(ctx, tenantID, "c1", "ORD-1", 1000, 1)
	require.NoError(t, err)

	_, err = service.Confirm(ctx, output.ID, "card-1", output.Signature)
	require.NoError(t, err)

	// Past expiry without settlement: the sweeper must not touch a
	// transaction that already left `new`.
	clock.Advance(2 * time.Minute)
	expired, err := service.ExpireOverdue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, expired)

	tx, err := service.Get(ctx, output.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, tx.Status)
	assert.Empty(t, bus.ofType(events.TransactionExpired))
}

func TestCreateFailsClosedWhenSequenceUnavailable(t *testing.T) {
	tenants := store.NewMemoryTenantStore()
	require.NoError(t, tenants.Insert(context.Background(), &models.Tenant{ID: "t1", Name: "Acme", Secret: "s"}))

	transactions := store.NewMemoryTransactionStore()
	service := NewTransactionService(transactions, failingSequenceStore{}, tenants, &recordingBus{})

	_, err := service.Create(context.Background(), "t1", "c1", "ORD-1", 100, 60)
	assert.ErrorIs(t, err, models.ErrSequenceUnavailable)

	// No transaction was created without a number.
	_, err = transactions.FindByReference(context.Background(), "t1", "ORD-1")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

type failingSequenceStore struct{}

func (failingSequenceStore) Next(context.Context, string) (int64, error) {
	return 0, fmt.Errorf("%w: %v", models.ErrSequenceUnavailable, errors.New("counter down"))
}
