package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/qrpayhq/qrpay-gobackend/internal/models"
)

// MemoryTransactionStore is an in-memory TransactionStore used by
// tests. It honors the same atomicity contract as the Mongo store: all
// mutations happen under one lock, so TransitionStatus is a single
// compare-and-set.
type MemoryTransactionStore struct {
	mu   sync.Mutex
	byID map[string]models.Transaction
}

func NewMemoryTransactionStore() *MemoryTransactionStore {
	return &MemoryTransactionStore{byID: make(map[string]models.Transaction)}
}

func (s *MemoryTransactionStore) Insert(_ context.Context, tx *models.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.byID {
		if existing.TenantID == tx.TenantID && existing.Reference == tx.Reference {
			return models.ErrDuplicateReference
		}
	}
	s.byID[tx.ID] = *tx
	return nil
}

func (s *MemoryTransactionStore) FindByID(_ context.Context, id string) (*models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.byID[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &tx, nil
}

func (s *MemoryTransactionStore) FindByReference(_ context.Context, tenantID, reference string) (*models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, tx := range s.byID {
		if tx.TenantID == tenantID && tx.Reference == reference {
			found := tx
			return &found, nil
		}
	}
	return nil, models.ErrNotFound
}

func (s *MemoryTransactionStore) ListByTenant(_ context.Context, tenantID string, status *models.TransactionStatus) ([]models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var txs []models.Transaction
	for _, tx := range s.byID {
		if tx.TenantID != tenantID {
			continue
		}
		if status != nil && tx.Status != *status {
			continue
		}
		txs = append(txs, tx)
	}
	sort.Slice(txs, func(i, j int) bool { return txs[i].CreatedAt.After(txs[j].CreatedAt) })
	return txs, nil
}

func (s *MemoryTransactionStore) TransitionStatus(_ context.Context, id string, from, to models.TransactionStatus, cardID string) (*models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.byID[id]
	if !ok || tx.Status != from {
		return nil, ErrStatusConflict
	}
	tx.Status = to
	if cardID != "" {
		tx.CardID = cardID
	}
	tx.UpdatedAt = time.Now().UTC()
	s.byID[id] = tx
	return &tx, nil
}

func (s *MemoryTransactionStore) FindOverdue(_ context.Context, now time.Time, limit int64) ([]models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var txs []models.Transaction
	for _, tx := range s.byID {
		if tx.Status != models.StatusNew || tx.ExpiresAt.After(now) {
			continue
		}
		txs = append(txs, tx)
		if int64(len(txs)) == limit {
			break
		}
	}
	return txs, nil
}

// MemorySequenceStore is an in-memory SequenceStore for tests.
type MemorySequenceStore struct {
	mu       sync.Mutex
	counters map[string]int64
}

func NewMemorySequenceStore() *MemorySequenceStore {
	return &MemorySequenceStore{counters: make(map[string]int64)}
}

func (s *MemorySequenceStore) Next(_ context.Context, name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.counters[name]++
	return s.counters[name], nil
}

// MemoryTenantStore is an in-memory TenantStore for tests.
type MemoryTenantStore struct {
	mu   sync.Mutex
	byID map[string]models.Tenant
}

func NewMemoryTenantStore() *MemoryTenantStore {
	return &MemoryTenantStore{byID: make(map[string]models.Tenant)}
}

func (s *MemoryTenantStore) Insert(_ context.Context, tenant *models.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.byID[tenant.ID] = *tenant
	return nil
}

func (s *MemoryTenantStore) FindByID(_ context.Context, id string) (*models.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tenant, ok := s.byID[id]
	if !ok {
		return nil, models.ErrTenantNotFound
	}
	found := tenant
	found.Endpoints = append([]models.WebhookEndpoint(nil), tenant.Endpoints...)
	return &found, nil
}

func (s *MemoryTenantStore) AddEndpoint(_ context.Context, tenantID string, endpoint models.WebhookEndpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tenant, ok := s.byID[tenantID]
	if !ok {
		return models.ErrTenantNotFound
	}
	tenant.Endpoints = append(tenant.Endpoints, endpoint)
	tenant.UpdatedAt = time.Now().UTC()
	s.byID[tenantID] = tenant
	return nil
}

func (s *MemoryTenantStore) ReplaceEndpoint(_ context.Context, tenantID string, endpoint models.WebhookEndpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tenant, ok := s.byID[tenantID]
	if !ok {
		return models.ErrEndpointNotFound
	}
	for i, existing := range tenant.Endpoints {
		if existing.ID == endpoint.ID {
			tenant.Endpoints[i] = endpoint
			tenant.UpdatedAt = time.Now().UTC()
			s.byID[tenantID] = tenant
			return nil
		}
	}
	return models.ErrEndpointNotFound
}
