package models

import "fmt"

// Confidence grades how certain we are that a Session is genuine charging behavior.
// Values are ordered: NONE < MEDIUM < HIGH.
type Confidence int

const (
	ConfidenceNone Confidence = iota
	ConfidenceMedium
	ConfidenceHigh
)

// String returns the wire representation.
func (c Confidence) String() string {
	switch c {
	case ConfidenceNone:
		return "NONE"
	case ConfidenceMedium:
		return "MEDIUM"
	case ConfidenceHigh:
		return "HIGH"
	default:
		return fmt.Sprintf("Confidence(%d)", int(c))
	}
}

// ParseConfidence decodes the wire representation.
func ParseConfidence(s string) (Confidence, error) {
	switch s {
	case "NONE", "none", "":
		return ConfidenceNone, nil
	case "MEDIUM", "medium":
		return ConfidenceMedium, nil
	case "HIGH", "high":
		return ConfidenceHigh, nil
	default:
		return ConfidenceNone, fmt.Errorf("models: unknown confidence %q", s)
	}
}

// AtLeast reports whether c ranks at or above other.
func (c Confidence) AtLeast(other Confidence) bool {
	return c >= other
}

// CompareConfidence orders two tiers: negative when a < b, zero when equal, positive when a > b.
func CompareConfidence(a, b Confidence) int {
	return int(a) - int(b)
}

// MaxConfidence returns the higher tier.
func MaxConfidence(a, b Confidence) Confidence {
	if a >= b {
		return a
	}
	return b
}

// MarshalText implements encoding.TextMarshaler.
func (c Confidence) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Confidence) UnmarshalText(text []byte) error {
	parsed, err := ParseConfidence(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
