package services

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/qrpayhq/qrpay-gobackend/internal/events"
	"github.com/qrpayhq/qrpay-gobackend/internal/models"
	"github.com/qrpayhq/qrpay-gobackend/internal/store"
)

// TenantService manages tenants and their webhook endpoints.
type TenantService struct {
	tenants store.TenantStore
	now     func() time.Time
}

func NewTenantService(tenants store.TenantStore) *TenantService {
	return &TenantService{tenants: tenants, now: time.Now}
}

// Create registers a tenant with a fresh signing secret. When a webhook
// URL is supplied, one endpoint subscribed to every lifecycle event is
// provisioned alongside.
func (s *TenantService) Create(ctx context.Context, name, webhookURL string, webhookEvents []string) (*models.Tenant, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	name = strings.TrimSpace(name)
	if name == "" {
		return nil, models.ErrInvalidTenantName
	}

	secret, err := NewSecret()
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	tenant := &models.Tenant{
		ID:        uuid.NewString(),
		Name:      name,
		Secret:    secret,
		Endpoints: []models.WebhookEndpoint{},
		CreatedAt: now,
		UpdatedAt: now,
	}

	if webhookURL != "" {
		endpoint, err := s.newEndpoint(webhookURL, webhookEvents, now)
		if err != nil {
			return nil, err
		}
		tenant.Endpoints = append(tenant.Endpoints, *endpoint)
	}

	if err := s.tenants.Insert(ctx, tenant); err != nil {
		return nil, err
	}
	return tenant, nil
}

// Get returns a tenant with its endpoints.
func (s *TenantService) Get(ctx context.Context, tenantID string) (*models.Tenant, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return s.tenants.FindByID(ctx, tenantID)
}

// AddEndpoint registers an additional webhook endpoint for the tenant.
func (s *TenantService) AddEndpoint(ctx context.Context, tenantID, url string, eventTypes []string, active bool) (*models.WebhookEndpoint, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	endpoint, err := s.newEndpoint(url, eventTypes, s.now().UTC())
	if err != nil {
		return nil, err
	}
	endpoint.Active = active

	if err := s.tenants.AddEndpoint(ctx, tenantID, *endpoint); err != nil {
		return nil, err
	}
	return endpoint, nil
}

// EndpointUpdate carries a partial endpoint change; nil fields are left
// untouched. RotateSecret replaces the delivery secret.
type EndpointUpdate struct {
	URL          *string
	Events       []string
	Active       *bool
	RotateSecret bool
}

// UpdateEndpoint applies an in-place endpoint update.
func (s *TenantService) UpdateEndpoint(ctx context.Context, tenantID, endpointID string, update EndpointUpdate) (*models.WebhookEndpoint, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	tenant, err := s.tenants.FindByID(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	var endpoint *models.WebhookEndpoint
	for i := range tenant.Endpoints {
		if tenant.Endpoints[i].ID == endpointID {
			endpoint = &tenant.Endpoints[i]
			break
		}
	}
	if endpoint == nil {
		return nil, models.ErrEndpointNotFound
	}

	if update.URL != nil {
		if strings.TrimSpace(*update.URL) == "" {
			return nil, models.ErrInvalidEndpointURL
		}
		endpoint.URL = *update.URL
	}
	if update.Events != nil {
		endpoint.Events = update.Events
	}
	if update.Active != nil {
		endpoint.Active = *update.Active
	}
	if update.RotateSecret {
		secret, err := NewSecret()
		if err != nil {
			return nil, err
		}
		endpoint.Secret = secret
	}
	endpoint.UpdatedAt = s.now().UTC()

	if err := s.tenants.ReplaceEndpoint(ctx, tenantID, *endpoint); err != nil {
		return nil, err
	}
	return endpoint, nil
}

func (s *TenantService) newEndpoint(url string, eventTypes []string, now time.Time) (*models.WebhookEndpoint, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, models.ErrInvalidEndpointURL
	}
	if len(eventTypes) == 0 {
		eventTypes = append([]string(nil), events.Types...)
	}

	secret, err := NewSecret()
	if err != nil {
		return nil, err
	}

	return &models.WebhookEndpoint{
		ID:        uuid.NewString(),
		URL:       url,
		Events:    eventTypes,
		Active:    true,
		Secret:    secret,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}
