package consumer

import (
	"context"
	"errors"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"evrewards/backend/services/rewards-service/internal/dto"
	"evrewards/backend/services/rewards-service/internal/metrics"
	"evrewards/backend/services/rewards-service/internal/models"
)

// WebhookIngestor stores POS webhooks.
type WebhookIngestor interface {
	Ingest(ctx context.Context, hook models.PosWebhook) (models.IngestResult, error)
}

// LocationReporter feeds device samples to the session tracker.
type LocationReporter interface {
	ReportLocation(ctx context.Context, report models.LocationReport) (*models.SessionSnapshot, error)
}

// Handler processes one message body. Errors wrapping models.ErrValidation are permanent.
type Handler func(ctx context.Context, body []byte) error

// NewWebhookHandler decodes dto.PosWebhook bodies.
func NewWebhookHandler(ingestor WebhookIngestor) Handler {
	return func(ctx context.Context, body []byte) error {
		var hook dto.PosWebhook
		if err := dto.Decode(body, &hook); err != nil {
			return err
		}
		_, err := ingestor.Ingest(ctx, hook.Model())
		return err
	}
}

// NewLocationHandler decodes dto.LocationReport bodies.
func NewLocationHandler(tracker LocationReporter) Handler {
	return func(ctx context.Context, body []byte) error {
		var report dto.LocationReport
		if err := dto.Decode(body, &report); err != nil {
			return err
		}
		_, err := tracker.ReportLocation(ctx, report.Model())
		return err
	}
}

// settle runs the handler and acknowledges the delivery. Malformed messages are dropped,
// anything else is requeued.
func settle(ctx context.Context, queue string, handler Handler, msg amqp.Delivery, logger *zap.Logger) {
	err := handler(ctx, msg.Body)
	switch {
	case err == nil:
		if ackErr := msg.Ack(false); ackErr != nil {
			logger.Warn("ack failed", zap.String("queue", queue), zap.Error(ackErr))
		}
		metrics.ConsumerMessage(queue, "ok")
	case errors.Is(err, models.ErrValidation):
		logger.Warn("dropping malformed message",
			zap.String("queue", queue),
			zap.String("message_id", msg.MessageId),
			zap.Error(err),
		)
		if nackErr := msg.Nack(false, false); nackErr != nil {
			logger.Warn("nack failed", zap.String("queue", queue), zap.Error(nackErr))
		}
		metrics.ConsumerMessage(queue, "dropped")
	default:
		level := logger.Warn
		if errors.Is(err, models.ErrInvariantViolation) {
			level = logger.Error
		}
		level("message failed, requeueing", zap.String("queue", queue), zap.Error(err))
		if nackErr := msg.Nack(false, true); nackErr != nil {
			logger.Warn("nack failed", zap.String("queue", queue), zap.Error(nackErr))
		}
		metrics.ConsumerMessage(queue, "requeued")
	}
}
