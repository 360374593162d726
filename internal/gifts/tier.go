package gifts

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Tier is a gift's monetary class, I (smallest) to V (largest).
type Tier int

// Tiers.
const (
	TierI Tier = iota + 1
	TierII
	TierIII
	TierIV
	TierV
)

var tierNames = [...]string{"", "I", "II", "III", "IV", "V"}

func (t Tier) String() string {
	if t < TierI || t > TierV {
		return "?"
	}
	return tierNames[t]
}

// Large reports whether gifts of this tier play in the exclusive slot.
func (t Tier) Large() bool {
	return t >= TierIV
}

// MarshalText implements encoding.TextMarshaler.
func (t Tier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Accepts roman
// numerals or 1-5.
func (t *Tier) UnmarshalText(b []byte) error {
	s := strings.ToUpper(strings.TrimSpace(string(b)))
	for i := TierI; i <= TierV; i++ {
		if tierNames[i] == s {
			*t = i
			return nil
		}
	}
	if n, err := strconv.Atoi(s); err == nil && n >= int(TierI) && n <= int(TierV) {
		*t = Tier(n)
		return nil
	}
	return fmt.Errorf("invalid tier %q", string(b))
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (t *Tier) UnmarshalYAML(node *yaml.Node) error {
	return t.UnmarshalText([]byte(node.Value))
}

// Duration is a time.Duration that parses from YAML strings like "15s" or
// plain numbers (interpreted as seconds).
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*d = 0
		return nil
	}
	raw := strings.TrimSpace(node.Value)
	if raw == "" {
		*d = 0
		return nil
	}
	if td, err := time.ParseDuration(raw); err == nil {
		*d = Duration(td)
		return nil
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		*d = Duration(time.Duration(f * float64(time.Second)))
		return nil
	}
	return fmt.Errorf("invalid duration value: %q", node.Value)
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// TierRule maps a minimum coin cost to a tier and its display duration.
type TierRule struct {
	Tier     Tier     `yaml:"tier"`
	MinCost  int64    `yaml:"min_cost"`
	Duration Duration `yaml:"duration"`
}
