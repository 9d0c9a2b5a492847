package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// WalletEventKind is the ledger direction.
type WalletEventKind string

const (
	WalletCredit WalletEventKind = "credit"
	WalletDebit  WalletEventKind = "debit"
)

// WalletSource categorises the origin of a ledger entry.
type WalletSource string

const (
	SourceMerchantReward WalletSource = "merchant_reward"
	SourceFollowerShare  WalletSource = "follower_share"
	SourceRedemption     WalletSource = "redemption"
	SourceAdjustment     WalletSource = "adjustment"
)

// WalletEvent is one append-only ledger entry. AmountCents is always positive;
// the sign comes from Kind.
type WalletEvent struct {
	ID             string          `db:"id" json:"id"`
	UserID         string          `db:"user_id" json:"user_id"`
	Kind           WalletEventKind `db:"kind" json:"kind"`
	Source         WalletSource    `db:"source" json:"source"`
	AmountCents    int64           `db:"amount_cents" json:"amount_cents"`
	MerchantID     string          `db:"merchant_id" json:"merchant_id,omitempty"`
	IdempotencyKey string          `db:"idempotency_key" json:"idempotency_key,omitempty"`
	Meta           WalletMeta      `db:"meta" json:"meta"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
}

// SignedAmount is the contribution of this entry to the user's balance.
func (e *WalletEvent) SignedAmount() int64 {
	if e.Kind == WalletDebit {
		return -e.AmountCents
	}
	return e.AmountCents
}

// AccountTotals pairs the maintained running balance with a full recompute.
type AccountTotals struct {
	UserID       string `json:"user_id"`
	RunningCents int64  `json:"running_cents"`
	ScannedCents int64  `json:"scanned_cents"`
}

// Drifted reports whether the maintained total diverged from the scan.
func (a AccountTotals) Drifted() bool {
	return a.RunningCents != a.ScannedCents
}

// CreditResult is returned by ledger credits. Duplicate means the idempotency key had
// already been used and Event is the pre-existing entry.
type CreditResult struct {
	Event     WalletEvent `json:"event"`
	Duplicate bool        `json:"duplicate"`
}

// MetaKind tags the WalletMeta variant.
type MetaKind string

const (
	MetaMerchantReward MetaKind = "merchant_reward"
	MetaFollowerShare  MetaKind = "follower_share"
	MetaManual         MetaKind = "manual"
)

// MerchantRewardMeta describes a credit caused by a VerifiedCharge.
type MerchantRewardMeta struct {
	ChargeID   uuid.UUID `json:"charge_id"`
	SessionID  uuid.UUID `json:"session_id"`
	PosEventID uuid.UUID `json:"pos_event_id"`
	Confidence string    `json:"confidence"`
	OrderID    string    `json:"order_id,omitempty"`
}

// FollowerShareMeta describes a payout to a follower.
type FollowerShareMeta struct {
	EarningID string    `json:"earning_id"`
	PayerID   string    `json:"payer_id"`
	ChargeID  uuid.UUID `json:"charge_id"`
	StationID string    `json:"station_id,omitempty"`
}

// ManualMeta describes operator-initiated entries.
type ManualMeta struct {
	Reason    string `json:"reason,omitempty"`
	Reference string `json:"reference,omitempty"`
}

// WalletMeta is the structured metadata of a ledger entry. Exactly one variant pointer
// matches Kind; unknown fields survive in Extra.
type WalletMeta struct {
	Kind           MetaKind
	MerchantReward *MerchantRewardMeta
	FollowerShare  *FollowerShareMeta
	Manual         *ManualMeta
	Extra          map[string]json.RawMessage
}

var walletMetaKnownKeys = map[MetaKind][]string{
	MetaMerchantReward: {"kind", "charge_id", "session_id", "pos_event_id", "confidence", "order_id"},
	MetaFollowerShare:  {"kind", "earning_id", "payer_id", "charge_id", "station_id"},
	MetaManual:         {"kind", "reason", "reference"},
}

// MarshalJSON writes a flat object: {"kind": ..., <variant fields>, <extra fields>}.
func (m WalletMeta) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(m.Extra)+6)
	for k, v := range m.Extra {
		out[k] = v
	}

	var variant interface{}
	switch m.Kind {
	case MetaMerchantReward:
		variant = m.MerchantReward
	case MetaFollowerShare:
		variant = m.FollowerShare
	case MetaManual:
		variant = m.Manual
	case "":
		return json.Marshal(out)
	default:
		return nil, fmt.Errorf("models: unknown wallet meta kind %q", m.Kind)
	}

	if variant != nil {
		encoded, err := json.Marshal(variant)
		if err != nil {
			return nil, err
		}
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(encoded, &fields); err != nil {
			return nil, err
		}
		for k, v := range fields {
			out[k] = v
		}
	}
	putString(out, "kind", string(m.Kind))
	return json.Marshal(out)
}

// UnmarshalJSON reads the kind tag and decodes the matching variant.
func (m *WalletMeta) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	*m = WalletMeta{Kind: MetaKind(stringField(fields, "kind"))}

	switch m.Kind {
	case MetaMerchantReward:
		m.MerchantReward = &MerchantRewardMeta{}
		if err := json.Unmarshal(data, m.MerchantReward); err != nil {
			return err
		}
	case MetaFollowerShare:
		m.FollowerShare = &FollowerShareMeta{}
		if err := json.Unmarshal(data, m.FollowerShare); err != nil {
			return err
		}
	case MetaManual:
		m.Manual = &ManualMeta{}
		if err := json.Unmarshal(data, m.Manual); err != nil {
			return err
		}
	}

	m.Extra = extraFields(fields, walletMetaKnownKeys[m.Kind])
	if m.Kind == "" && m.Extra != nil {
		delete(m.Extra, "kind")
		if len(m.Extra) == 0 {
			m.Extra = nil
		}
	}
	return nil
}
