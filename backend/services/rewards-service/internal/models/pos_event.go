package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// PosEvent is a normalized point-of-sale notification. Never mutated after insert.
type PosEvent struct {
	ID              uuid.UUID  `db:"id" json:"id"`
	UserID          string     `db:"user_id" json:"user_id,omitempty"`
	MerchantID      string     `db:"merchant_id" json:"merchant_id"`
	Provider        string     `db:"provider" json:"provider"`
	EventType       string     `db:"event_type" json:"event_type"`
	ProviderEventID string     `db:"provider_event_id" json:"provider_event_id"`
	OrderID         string     `db:"order_id" json:"order_id,omitempty"`
	AmountCents     int64      `db:"amount_cents" json:"amount_cents"`
	EventAt         time.Time  `db:"event_at" json:"event_at"`
	Payload         PosPayload `db:"payload" json:"payload"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
}

// PosWebhook is the already-authenticated webhook handed over by the verification collaborator.
type PosWebhook struct {
	Provider        string
	ProviderEventID string
	MerchantID      string
	UserID          string
	EventType       string
	OrderID         string
	AmountCents     int64
	EventAt         time.Time
	RawPayload      json.RawMessage
}

// PosPayload is the structured form of a provider payload, tagged by provider.
// Fields we do not model are kept verbatim in Extra.
type PosPayload struct {
	Provider   string                     `json:"provider"`
	CustomerID string                     `json:"customer_id,omitempty"`
	LocationID string                     `json:"location_id,omitempty"`
	Currency   string                     `json:"currency,omitempty"`
	Status     string                     `json:"status,omitempty"`
	Extra      map[string]json.RawMessage `json:"-"`
}

var posPayloadKnownKeys = []string{"provider", "customer_id", "location_id", "currency", "status"}

// rawPayloadKey holds payloads that are not JSON objects.
const rawPayloadKey = "_raw"

// ParsePosPayload lifts the known fields out of a raw provider payload.
func ParsePosPayload(provider string, raw json.RawMessage) PosPayload {
	payload := PosPayload{Provider: provider}
	if len(raw) == 0 {
		return payload
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		payload.Extra = map[string]json.RawMessage{rawPayloadKey: cloneRaw(raw)}
		return payload
	}
	payload.CustomerID = stringField(fields, "customer_id")
	payload.LocationID = stringField(fields, "location_id")
	payload.Currency = stringField(fields, "currency")
	payload.Status = stringField(fields, "status")
	payload.Extra = posExtra(fields)
	return payload
}

// posExtra collects unknown keys plus non-string values under known keys.
func posExtra(fields map[string]json.RawMessage) map[string]json.RawMessage {
	extra := extraFields(fields, posPayloadKnownKeys)
	for _, key := range posPayloadKnownKeys {
		v, ok := fields[key]
		if !ok || stringField(fields, key) != "" {
			continue
		}
		if extra == nil {
			extra = make(map[string]json.RawMessage)
		}
		extra[key] = v
	}
	return extra
}

// MarshalJSON flattens known fields and Extra into one object.
func (p PosPayload) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(p.Extra)+5)
	for k, v := range p.Extra {
		out[k] = v
	}
	putString(out, "provider", p.Provider)
	putString(out, "customer_id", p.CustomerID)
	putString(out, "location_id", p.LocationID)
	putString(out, "currency", p.Currency)
	putString(out, "status", p.Status)
	return json.Marshal(out)
}

// UnmarshalJSON restores the known fields and the Extra bucket.
func (p *PosPayload) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	p.Provider = stringField(fields, "provider")
	p.CustomerID = stringField(fields, "customer_id")
	p.LocationID = stringField(fields, "location_id")
	p.Currency = stringField(fields, "currency")
	p.Status = stringField(fields, "status")
	p.Extra = posExtra(fields)
	return nil
}

// IngestResult reports whether a webhook delivery created a new PosEvent.
type IngestResult struct {
	Created bool      `json:"created"`
	EventID uuid.UUID `json:"event_id"`
}

func stringField(fields map[string]json.RawMessage, key string) string {
	raw, ok := fields[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

func putString(out map[string]json.RawMessage, key, value string) {
	if value == "" {
		return
	}
	encoded, _ := json.Marshal(value)
	out[key] = encoded
}

func extraFields(fields map[string]json.RawMessage, known []string) map[string]json.RawMessage {
	var extra map[string]json.RawMessage
	for k, v := range fields {
		if contains(known, k) {
			continue
		}
		if extra == nil {
			extra = make(map[string]json.RawMessage)
		}
		extra[k] = v
	}
	return extra
}

func contains(list []string, key string) bool {
	for _, item := range list {
		if item == key {
			return true
		}
	}
	return false
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}
