package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/qrpayhq/qrpay-gobackend/internal/models"
	"github.com/qrpayhq/qrpay-gobackend/internal/services"
)

type TenantHandler struct {
	service *services.TenantService
}

func NewTenantHandler(service *services.TenantService) *TenantHandler {
	return &TenantHandler{service: service}
}

// endpointResponse exposes an endpoint with its secret masked. Secrets
// leave the API only in this form.
type endpointResponse struct {
	models.WebhookEndpoint
	Secret string `json:"secret"`
}

type tenantResponse struct {
	models.Tenant
	Secret    string             `json:"secret"`
	Endpoints []endpointResponse `json:"endpoints"`
}

func toTenantResponse(tenant *models.Tenant) tenantResponse {
	resp := tenantResponse{
		Tenant:    *tenant,
		Secret:    services.MaskSecret(tenant.Secret),
		Endpoints: make([]endpointResponse, 0, len(tenant.Endpoints)),
	}
	for _, ep := range tenant.Endpoints {
		resp.Endpoints = append(resp.Endpoints, toEndpointResponse(ep))
	}
	return resp
}

func toEndpointResponse(ep models.WebhookEndpoint) endpointResponse {
	return endpointResponse{WebhookEndpoint: ep, Secret: services.MaskSecret(ep.Secret)}
}

type createTenantRequest struct {
	Name          string   `json:"name"`
	WebhookURL    string   `json:"webhook_url"`
	WebhookEvents []string `json:"webhook_events"`
}

func (h *TenantHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createTenantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Name == "" {
		respondError(w, http.StatusBadRequest, "name is required")
		return
	}

	tenant, err := h.service.Create(r.Context(), req.Name, req.WebhookURL, req.WebhookEvents)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, toTenantResponse(tenant))
}

func (h *TenantHandler) Get(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenantID"]

	tenant, err := h.service.Get(r.Context(), tenantID)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, toTenantResponse(tenant))
}

type addEndpointRequest struct {
	URL    string   `json:"url"`
	Events []string `json:"events"`
	Active *bool    `json:"active"`
}

func (h *TenantHandler) AddEndpoint(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenantID"]

	var req addEndpointRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.URL == "" {
		respondError(w, http.StatusBadRequest, "url is required")
		return
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}

	endpoint, err := h.service.AddEndpoint(r.Context(), tenantID, req.URL, req.Events, active)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, toEndpointResponse(*endpoint))
}

type updateEndpointRequest struct {
	URL          *string  `json:"url"`
	Events       []string `json:"events"`
	Active       *bool    `json:"active"`
	RotateSecret bool     `json:"rotate_secret"`
}

func (h *TenantHandler) UpdateEndpoint(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	tenantID := vars["tenantID"]
	endpointID := vars["endpointID"]

	var req updateEndpointRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	endpoint, err := h.service.UpdateEndpoint(r.Context(), tenantID, endpointID, services.EndpointUpdate{
		URL:          req.URL,
		Events:       req.Events,
		Active:       req.Active,
		RotateSecret: req.RotateSecret,
	})
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, toEndpointResponse(*endpoint))
}

func (h *TenantHandler) respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrTenantNotFound), errors.Is(err, models.ErrEndpointNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, models.ErrInvalidTenantName), errors.Is(err, models.ErrInvalidEndpointURL):
		respondError(w, http.StatusBadRequest, err.Error())
	default:
		log.Error().Err(err).Msg("Tenant operation failed")
		respondError(w, http.StatusInternalServerError, "Internal server error")
	}
}
