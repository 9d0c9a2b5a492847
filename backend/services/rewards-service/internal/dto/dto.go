// Package dto holds the inbound payloads shared by the HTTP, websocket and broker transports.
package dto

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"evrewards/backend/services/rewards-service/internal/models"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

func init() {
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
}

// Validate checks struct tags and maps failures onto models.ErrValidation.
func Validate(v interface{}) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("%w: %v", models.ErrValidation, err)
	}
	parts := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s must satisfy %s=%s", fe.Field(), fe.Tag(), fe.Param()))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s must satisfy %s", fe.Field(), fe.Tag()))
	}
	return fmt.Errorf("%w: %s", models.ErrValidation, strings.Join(parts, "; "))
}

// Decode unmarshals body into v and validates it.
func Decode(body []byte, v interface{}) error {
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: invalid json: %v", models.ErrValidation, err)
	}
	return Validate(v)
}

// LocationReport is one device sample as sent by apps.
type LocationReport struct {
	UserID    string     `json:"user_id" validate:"required,max=128"`
	Lat       *float64   `json:"lat" validate:"required,latitude"`
	Lng       *float64   `json:"lng" validate:"required,longitude"`
	AccuracyM *float64   `json:"accuracy_m,omitempty" validate:"omitempty,gte=0"`
	ClientAt  *time.Time `json:"client_at,omitempty"`
}

// Model converts the request into the tracker input.
func (r LocationReport) Model() models.LocationReport {
	report := models.LocationReport{
		UserID:    r.UserID,
		AccuracyM: r.AccuracyM,
		ClientAt:  r.ClientAt,
	}
	if r.Lat != nil {
		report.Lat = *r.Lat
	}
	if r.Lng != nil {
		report.Lng = *r.Lng
	}
	return report
}

// PosWebhook is an authenticated provider notification.
type PosWebhook struct {
	Provider        string          `json:"provider" validate:"required,max=64"`
	ProviderEventID string          `json:"provider_event_id" validate:"required,max=255"`
	MerchantID      string          `json:"merchant_id" validate:"required,max=128"`
	UserID          string          `json:"user_id,omitempty" validate:"max=128"`
	EventType       string          `json:"event_type,omitempty" validate:"max=64"`
	OrderID         string          `json:"order_id,omitempty" validate:"max=255"`
	AmountCents     int64           `json:"amount_cents" validate:"gte=0"`
	EventAt         time.Time       `json:"event_at" validate:"required"`
	Payload         json.RawMessage `json:"payload,omitempty"`
}

// Model converts the request into the ingestor input.
func (w PosWebhook) Model() models.PosWebhook {
	return models.PosWebhook{
		Provider:        w.Provider,
		ProviderEventID: w.ProviderEventID,
		MerchantID:      w.MerchantID,
		UserID:          w.UserID,
		EventType:       w.EventType,
		OrderID:         w.OrderID,
		AmountCents:     w.AmountCents,
		EventAt:         w.EventAt,
		RawPayload:      w.Payload,
	}
}
