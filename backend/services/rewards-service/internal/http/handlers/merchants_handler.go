package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"evrewards/backend/services/rewards-service/internal/models"
	"evrewards/backend/services/rewards-service/internal/service"
)

// MerchantsHandler serves the merchant registry and settlement endpoints.
type MerchantsHandler struct {
	registry *service.MerchantRegistry
	ledger   *service.WalletLedger
	logger   *zap.Logger
}

// NewMerchantsHandler builds handler set.
func NewMerchantsHandler(registry *service.MerchantRegistry, ledger *service.WalletLedger, logger *zap.Logger) *MerchantsHandler {
	return &MerchantsHandler{registry: registry, ledger: ledger, logger: logger}
}

type merchantRequest struct {
	Name            string   `json:"name" validate:"max=255"`
	Lat             *float64 `json:"lat" validate:"required,latitude"`
	Lng             *float64 `json:"lng" validate:"required,longitude"`
	GeofenceRadiusM float64  `json:"geofence_radius_m" validate:"gt=0"`
	StationID       string   `json:"station_id,omitempty" validate:"max=128"`
}

type payoutRequest struct {
	PayoutRef   string `json:"payout_ref" validate:"required,max=255"`
	AmountCents int64  `json:"amount_cents" validate:"gt=0"`
}

// Upsert handles PUT /internal/merchants/{id}.
func (h *MerchantsHandler) Upsert(w http.ResponseWriter, r *http.Request) {
	var req merchantRequest
	if err := decodeBody(r, &req); err != nil {
		writeServiceError(w, h.logger, "upsert merchant", err)
		return
	}
	merchant, err := h.registry.Upsert(r.Context(), models.Merchant{
		ID:              chi.URLParam(r, "id"),
		Name:            req.Name,
		Lat:             *req.Lat,
		Lng:             *req.Lng,
		GeofenceRadiusM: req.GeofenceRadiusM,
		StationID:       req.StationID,
	})
	if err != nil {
		writeServiceError(w, h.logger, "upsert merchant", err)
		return
	}
	writeJSON(w, http.StatusOK, merchant)
}

// Get handles GET /merchants/{id}.
func (h *MerchantsHandler) Get(w http.ResponseWriter, r *http.Request) {
	merchant, err := h.registry.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, h.logger, "get merchant", err)
		return
	}
	writeJSON(w, http.StatusOK, merchant)
}

// Balance handles GET /merchants/{id}/balance.
func (h *MerchantsHandler) Balance(w http.ResponseWriter, r *http.Request) {
	balance, err := h.ledger.MerchantBalance(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, h.logger, "merchant balance", err)
		return
	}
	writeJSON(w, http.StatusOK, balance)
}

// Payout handles POST /internal/merchants/{id}/payouts.
func (h *MerchantsHandler) Payout(w http.ResponseWriter, r *http.Request) {
	var req payoutRequest
	if err := decodeBody(r, &req); err != nil {
		writeServiceError(w, h.logger, "record payout", err)
		return
	}
	payout, duplicate, err := h.ledger.RecordPayout(r.Context(), chi.URLParam(r, "id"), req.PayoutRef, req.AmountCents)
	if err != nil {
		writeServiceError(w, h.logger, "record payout", err)
		return
	}
	status := http.StatusCreated
	if duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]interface{}{"payout": payout, "duplicate": duplicate})
}
