package models

import "fmt"

// Tier is the reputation ladder position derived from score.
type Tier int

const (
	TierBronze Tier = iota
	TierSilver
	TierGold
	TierPlatinum
)

// String returns the display label.
func (t Tier) String() string {
	switch t {
	case TierBronze:
		return "Bronze"
	case TierSilver:
		return "Silver"
	case TierGold:
		return "Gold"
	case TierPlatinum:
		return "Platinum"
	default:
		return fmt.Sprintf("Tier(%d)", int(t))
	}
}

// ParseTier decodes a display label.
func ParseTier(s string) (Tier, error) {
	switch s {
	case "Bronze", "bronze", "":
		return TierBronze, nil
	case "Silver", "silver":
		return TierSilver, nil
	case "Gold", "gold":
		return TierGold, nil
	case "Platinum", "platinum":
		return TierPlatinum, nil
	default:
		return TierBronze, fmt.Errorf("models: unknown tier %q", s)
	}
}

// CompareTier orders two tiers.
func CompareTier(a, b Tier) int {
	return int(a) - int(b)
}

// MarshalText implements encoding.TextMarshaler.
func (t Tier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Tier) UnmarshalText(text []byte) error {
	parsed, err := ParseTier(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// TierThresholds holds the minimum score for each tier above Bronze.
type TierThresholds struct {
	Silver   int64
	Gold     int64
	Platinum int64
}

// TierFor maps a score onto the ladder.
func (t TierThresholds) TierFor(score int64) Tier {
	switch {
	case t.Platinum > 0 && score >= t.Platinum:
		return TierPlatinum
	case t.Gold > 0 && score >= t.Gold:
		return TierGold
	case t.Silver > 0 && score >= t.Silver:
		return TierSilver
	default:
		return TierBronze
	}
}
