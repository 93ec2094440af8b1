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

type TransactionHandler struct {
	service *services.TransactionService
}

func NewTransactionHandler(service *services.TransactionService) *TransactionHandler {
	return &TransactionHandler{service: service}
}

type createTransactionRequest struct {
	TenantID   string `json:"tenant_id"`
	CustomerID string `json:"customer_id"`
	Reference  string `json:"reference"`
	Amount     int64  `json:"amount"`
	TTLMinutes int    `json:"ttl_minutes"`
}

func (h *TransactionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.TenantID == "" || req.CustomerID == "" || req.Reference == "" {
		respondError(w, http.StatusBadRequest, "tenant_id, customer_id and reference are required")
		return
	}

	output, err := h.service.Create(r.Context(), req.TenantID, req.CustomerID, req.Reference, req.Amount, req.TTLMinutes)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, output)
}

type confirmTransactionRequest struct {
	CardID    string `json:"card_id"`
	Signature string `json:"signature"`
}

func (h *TransactionHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	transactionID := mux.Vars(r)["transactionID"]

	var req confirmTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.CardID == "" || req.Signature == "" {
		respondError(w, http.StatusBadRequest, "card_id and signature are required")
		return
	}

	tx, err := h.service.Confirm(r.Context(), transactionID, req.CardID, req.Signature)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, tx)
}

func (h *TransactionHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	transactionID := mux.Vars(r)["transactionID"]

	tx, err := h.service.Cancel(r.Context(), transactionID)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, tx)
}

type settleTransactionRequest struct {
	Outcome string `json:"outcome"`
}

func (h *TransactionHandler) Settle(w http.ResponseWriter, r *http.Request) {
	transactionID := mux.Vars(r)["transactionID"]

	var req settleTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	outcome := models.TransactionStatus(req.Outcome)
	if outcome != models.StatusSuccess && outcome != models.StatusFailed {
		respondError(w, http.StatusBadRequest, "outcome must be success or failed")
		return
	}

	tx, err := h.service.Settle(r.Context(), transactionID, outcome)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, tx)
}

func (h *TransactionHandler) Get(w http.ResponseWriter, r *http.Request) {
	transactionID := mux.Vars(r)["transactionID"]

	tx, err := h.service.Get(r.Context(), transactionID)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, tx)
}

func (h *TransactionHandler) ListByTenant(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenantID"]

	var statusPtr *models.TransactionStatus
	if statusFilter := r.URL.Query().Get("status"); statusFilter != "" {
		status := models.TransactionStatus(statusFilter)
		switch status {
		case models.StatusNew, models.StatusProcessing, models.StatusSuccess, models.StatusFailed, models.StatusCancelled:
			statusPtr = &status
		default:
			respondError(w, http.StatusBadRequest, "Invalid status filter")
			return
		}
	}

	txs, err := h.service.List(r.Context(), tenantID, statusPtr)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	if txs == nil {
		txs = []models.Transaction{}
	}
	respondJSON(w, http.StatusOK, txs)
}

func (h *TransactionHandler) respondServiceError(w http.ResponseWriter, err error) {
	var transitionErr *models.InvalidTransitionError
	switch {
	case errors.Is(err, models.ErrNotFound), errors.Is(err, models.ErrTenantNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, models.ErrDuplicateReference):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, models.ErrInvalidAmount), errors.Is(err, models.ErrInvalidTTL):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, models.ErrSignatureMismatch):
		respondError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.As(err, &transitionErr):
		respondError(w, http.StatusConflict, transitionErr.Error())
	default:
		log.Error().Err(err).Msg("Transaction operation failed")
		respondError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
