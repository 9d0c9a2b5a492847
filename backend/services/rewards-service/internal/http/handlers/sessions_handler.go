package handlers

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"evrewards/backend/services/rewards-service/internal/dto"
	"evrewards/backend/services/rewards-service/internal/service"
)

// SessionsHandler serves location intake and session status.
type SessionsHandler struct {
	tracker *service.SessionTracker
	logger  *zap.Logger
}

// NewSessionsHandler builds handler set.
func NewSessionsHandler(tracker *service.SessionTracker, logger *zap.Logger) *SessionsHandler {
	return &SessionsHandler{tracker: tracker, logger: logger}
}

type closeSessionRequest struct {
	KWh *float64 `json:"kwh,omitempty" validate:"omitempty,gte=0"`
}

type chargerConfirmationRequest struct {
	StationID   string     `json:"station_id" validate:"required,max=128"`
	ConfirmedAt *time.Time `json:"confirmed_at,omitempty"`
}

// ReportLocation handles POST /internal/locations.
func (h *SessionsHandler) ReportLocation(w http.ResponseWriter, r *http.Request) {
	var req dto.LocationReport
	if err := decodeBody(r, &req); err != nil {
		writeServiceError(w, h.logger, "report location", err)
		return
	}
	snapshot, err := h.tracker.ReportLocation(r.Context(), req.Model())
	if err != nil {
		writeServiceError(w, h.logger, "report location", err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

// Close handles POST /internal/sessions/{id}/close.
func (h *SessionsHandler) Close(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req closeSessionRequest
	if err := decodeBody(r, &req); err != nil {
		writeServiceError(w, h.logger, "close session", err)
		return
	}
	snapshot, err := h.tracker.CloseSession(r.Context(), id, req.KWh)
	if err != nil {
		writeServiceError(w, h.logger, "close session", err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

// ConfirmCharger handles POST /internal/sessions/{id}/charger-confirmation.
func (h *SessionsHandler) ConfirmCharger(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req chargerConfirmationRequest
	if err := decodeBody(r, &req); err != nil {
		writeServiceError(w, h.logger, "confirm charger", err)
		return
	}
	var at time.Time
	if req.ConfirmedAt != nil {
		at = *req.ConfirmedAt
	}
	snapshot, err := h.tracker.ConfirmCharger(r.Context(), id, req.StationID, at)
	if err != nil {
		writeServiceError(w, h.logger, "confirm charger", err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

// Get handles GET /sessions/{id}.
func (h *SessionsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	snapshot, err := h.tracker.Snapshot(r.Context(), id)
	if err != nil {
		writeServiceError(w, h.logger, "get session", err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}
