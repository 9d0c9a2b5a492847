package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"evrewards/backend/services/rewards-service/internal/dto"
	"evrewards/backend/services/rewards-service/internal/service"
)

// PosHandler accepts authenticated POS webhooks.
type PosHandler struct {
	ingestor *service.PosEventIngestor
	logger   *zap.Logger
}

// NewPosHandler builds handler.
func NewPosHandler(ingestor *service.PosEventIngestor, logger *zap.Logger) *PosHandler {
	return &PosHandler{ingestor: ingestor, logger: logger}
}

// Webhook handles POST /internal/pos/webhooks. Redeliveries answer 200, new events 201.
func (h *PosHandler) Webhook(w http.ResponseWriter, r *http.Request) {
	var req dto.PosWebhook
	if err := decodeBody(r, &req); err != nil {
		writeServiceError(w, h.logger, "ingest webhook", err)
		return
	}
	result, err := h.ingestor.Ingest(r.Context(), req.Model())
	if err != nil {
		writeServiceError(w, h.logger, "ingest webhook", err)
		return
	}
	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, result)
}
