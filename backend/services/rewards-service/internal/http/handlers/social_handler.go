package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"evrewards/backend/services/rewards-service/internal/models"
	"evrewards/backend/services/rewards-service/internal/service"
)

// SocialHandler serves follows, reputation and follower earnings.
type SocialHandler struct {
	reputation *service.ReputationEngine
	logger     *zap.Logger
}

// NewSocialHandler builds handler set.
func NewSocialHandler(reputation *service.ReputationEngine, logger *zap.Logger) *SocialHandler {
	return &SocialHandler{reputation: reputation, logger: logger}
}

type followRequest struct {
	FollowerID string `json:"follower_id" validate:"required,max=128"`
	FolloweeID string `json:"followee_id" validate:"required,max=128"`
	IsAuto     bool   `json:"is_auto,omitempty"`
}

// Follow handles POST /internal/follows.
func (h *SocialHandler) Follow(w http.ResponseWriter, r *http.Request) {
	var req followRequest
	if err := decodeBody(r, &req); err != nil {
		writeServiceError(w, h.logger, "follow", err)
		return
	}
	follow, err := h.reputation.Follow(r.Context(), req.FollowerID, req.FolloweeID, req.IsAuto)
	if err != nil {
		writeServiceError(w, h.logger, "follow", err)
		return
	}
	writeJSON(w, http.StatusCreated, follow)
}

// Unfollow handles DELETE /internal/follows.
func (h *SocialHandler) Unfollow(w http.ResponseWriter, r *http.Request) {
	var req followRequest
	if err := decodeBody(r, &req); err != nil {
		writeServiceError(w, h.logger, "unfollow", err)
		return
	}
	if err := h.reputation.Unfollow(r.Context(), req.FollowerID, req.FolloweeID); err != nil {
		writeServiceError(w, h.logger, "unfollow", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Reputation handles GET /users/{userID}/reputation and GET /me/reputation.
func (h *SocialHandler) Reputation(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathOrSelf(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "user id required")
		return
	}
	view, err := h.reputation.Reputation(r.Context(), userID)
	if err != nil {
		writeServiceError(w, h.logger, "reputation", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// FollowEarnings handles GET /users/{userID}/follow-earnings?month=YYYY-MM.
// The current UTC month is used when month is omitted.
func (h *SocialHandler) FollowEarnings(w http.ResponseWriter, r *http.Request) {
	receiverID := chi.URLParam(r, "userID")
	month := models.MonthStart(time.Now())
	if raw := r.URL.Query().Get("month"); raw != "" {
		parsed, err := time.Parse("2006-01", raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "month must be YYYY-MM")
			return
		}
		month = parsed
	}
	rows, err := h.reputation.MonthlyEarnings(r.Context(), receiverID, month)
	if err != nil {
		writeServiceError(w, h.logger, "follow earnings", err)
		return
	}
	if rows == nil {
		rows = []models.FollowEarningsMonthly{}
	}
	var total int64
	for _, row := range rows {
		total += row.AmountCents
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"receiver_id": receiverID,
		"month":       month.Format("2006-01"),
		"total_cents": total,
		"by_payer":    rows,
	})
}
