package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"evrewards/backend/services/rewards-service/internal/models"
	"evrewards/backend/services/rewards-service/internal/service"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// WalletHandler serves balances, history and redemptions.
type WalletHandler struct {
	ledger *service.WalletLedger
	logger *zap.Logger
}

// NewWalletHandler builds handler set.
func NewWalletHandler(ledger *service.WalletLedger, logger *zap.Logger) *WalletHandler {
	return &WalletHandler{ledger: ledger, logger: logger}
}

type debitRequest struct {
	AmountCents    int64  `json:"amount_cents" validate:"gt=0"`
	IdempotencyKey string `json:"idempotency_key,omitempty" validate:"max=255"`
	Reason         string `json:"reason,omitempty" validate:"max=255"`
	Reference      string `json:"reference,omitempty" validate:"max=255"`
}

type balanceResponse struct {
	UserID       string `json:"user_id"`
	BalanceCents int64  `json:"balance_cents"`
}

// Balance handles GET /wallet/{userID}/balance and GET /me/balance.
func (h *WalletHandler) Balance(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathOrSelf(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "user id required")
		return
	}
	balance, err := h.ledger.Balance(r.Context(), userID)
	if err != nil {
		writeServiceError(w, h.logger, "wallet balance", err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{UserID: userID, BalanceCents: balance})
}

// Events handles GET /wallet/{userID}/events?limit=N, newest first.
func (h *WalletHandler) Events(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathOrSelf(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "user id required")
		return
	}
	events, err := h.ledger.History(r.Context(), userID, limitParam(r, defaultHistoryLimit, maxHistoryLimit))
	if err != nil {
		writeServiceError(w, h.logger, "wallet history", err)
		return
	}
	if events == nil {
		events = []models.WalletEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"user_id": userID, "events": events})
}

// Debit handles POST /internal/wallet/{userID}/debit.
func (h *WalletHandler) Debit(w http.ResponseWriter, r *http.Request) {
	var req debitRequest
	if err := decodeBody(r, &req); err != nil {
		writeServiceError(w, h.logger, "wallet debit", err)
		return
	}
	debit := service.DebitRequest{
		UserID:         chi.URLParam(r, "userID"),
		AmountCents:    req.AmountCents,
		IdempotencyKey: req.IdempotencyKey,
	}
	if req.Reason != "" || req.Reference != "" {
		debit.Meta = models.WalletMeta{
			Kind:   models.MetaManual,
			Manual: &models.ManualMeta{Reason: req.Reason, Reference: req.Reference},
		}
	}
	result, err := h.ledger.Debit(r.Context(), debit)
	if err != nil {
		writeServiceError(w, h.logger, "wallet debit", err)
		return
	}
	status := http.StatusCreated
	if result.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, result)
}
