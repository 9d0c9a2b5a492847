package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"evrewards/backend/services/rewards-service/internal/metrics"
	"evrewards/backend/services/rewards-service/internal/models"
	"evrewards/backend/services/rewards-service/internal/store"
)

// EventObserver is notified after a new POS event commits.
type EventObserver interface {
	PosEventIngested(ctx context.Context, posEventID uuid.UUID)
}

// PosEventIngestor deduplicates and normalizes POS webhooks.
type PosEventIngestor struct {
	store    store.Store
	observer EventObserver
	logger   *zap.Logger
}

// NewPosEventIngestor builds ingestor.
func NewPosEventIngestor(st store.Store, logger *zap.Logger) *PosEventIngestor {
	return &PosEventIngestor{store: st, logger: logger}
}

// SetObserver registers the listener for new events.
func (i *PosEventIngestor) SetObserver(observer EventObserver) {
	i.observer = observer
}

// Ingest stores the webhook unless (provider, provider_event_id) was seen before.
func (i *PosEventIngestor) Ingest(ctx context.Context, hook models.PosWebhook) (models.IngestResult, error) {
	if err := validateWebhook(hook); err != nil {
		return models.IngestResult{}, err
	}
	now := timeNow()

	event := &models.PosEvent{
		ID:              uuid.New(),
		UserID:          strings.TrimSpace(hook.UserID),
		MerchantID:      hook.MerchantID,
		Provider:        strings.ToLower(strings.TrimSpace(hook.Provider)),
		EventType:       hook.EventType,
		ProviderEventID: hook.ProviderEventID,
		OrderID:         hook.OrderID,
		AmountCents:     hook.AmountCents,
		EventAt:         hook.EventAt.UTC(),
		CreatedAt:       now,
	}
	event.Payload = models.ParsePosPayload(event.Provider, hook.RawPayload)

	var created bool
	err := i.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		created, err = tx.PosEvents().Insert(ctx, event)
		if err != nil {
			return err
		}
		if !created {
			return nil
		}
		return tx.Matches().InitPending(ctx, event.ID, now)
	})
	if err != nil {
		return models.IngestResult{}, err
	}

	metrics.PosEvent(created)
	result := models.IngestResult{Created: created, EventID: event.ID}
	if !created {
		i.logger.Debug("duplicate pos webhook",
			zap.String("provider", event.Provider),
			zap.String("provider_event_id", event.ProviderEventID),
			zap.String("pos_event_id", event.ID.String()),
		)
		return result, nil
	}

	i.logger.Info("pos event ingested",
		zap.String("pos_event_id", event.ID.String()),
		zap.String("merchant_id", event.MerchantID),
		zap.String("user_id", event.UserID),
		zap.Int64("amount_cents", event.AmountCents),
	)
	if i.observer != nil {
		i.observer.PosEventIngested(ctx, event.ID)
	}
	return result, nil
}

func validateWebhook(hook models.PosWebhook) error {
	switch {
	case strings.TrimSpace(hook.Provider) == "":
		return fmt.Errorf("%w: provider is required", models.ErrValidation)
	case strings.TrimSpace(hook.ProviderEventID) == "":
		return fmt.Errorf("%w: provider_event_id is required", models.ErrValidation)
	case strings.TrimSpace(hook.MerchantID) == "":
		return fmt.Errorf("%w: merchant_id is required", models.ErrValidation)
	case hook.AmountCents < 0:
		return fmt.Errorf("%w: amount_cents must not be negative", models.ErrValidation)
	case hook.EventAt.IsZero():
		return fmt.Errorf("%w: event_ts is required", models.ErrValidation)
	}
	return nil
}
