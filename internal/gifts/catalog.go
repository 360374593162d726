package gifts

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed catalog_default.yaml
var defaultCatalogYAML []byte

// Gift is one catalog entry.
type Gift struct {
	ID       string   `yaml:"id" json:"id"`
	Name     string   `yaml:"name" json:"name"`
	Cost     int64    `yaml:"cost" json:"cost"`
	Tier     Tier     `yaml:"tier" json:"tier"`
	Icon     string   `yaml:"icon" json:"icon,omitempty"`
	Duration Duration `yaml:"duration" json:"-"`
}

type catalogFile struct {
	Tiers []TierRule `yaml:"tiers"`
	Gifts []Gift     `yaml:"gifts"`
}

// Catalog holds the known gifts and the tier thresholds used to classify
// gifts that are not in it. A Catalog is immutable after construction.
type Catalog struct {
	gifts  []Gift
	byID   map[string]Gift
	byName map[string]Gift
	rules  []TierRule // sorted by MinCost, descending
}

// DefaultCatalog returns the built-in catalog.
func DefaultCatalog() *Catalog {
	c, err := ParseCatalog(defaultCatalogYAML)
	if err != nil {
		panic(fmt.Sprintf("gifts: built-in catalog: %v", err))
	}
	return c
}

// LoadCatalog reads a YAML catalog from path. A missing file yields the
// built-in catalog.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return DefaultCatalog(), nil
		}
		return nil, fmt.Errorf("read gift catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog parses a YAML catalog. Omitted tier rules fall back to the
// built-in thresholds.
func ParseCatalog(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
	}
	if len(f.Tiers) == 0 {
		var def catalogFile
		if err := yaml.Unmarshal(defaultCatalogYAML, &def); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
		}
		f.Tiers = def.Tiers
	}

	c := &Catalog{
		byID:   make(map[string]Gift, len(f.Gifts)),
		byName: make(map[string]Gift, len(f.Gifts)),
		rules:  append([]TierRule(nil), f.Tiers...),
	}
	for _, r := range c.rules {
		if r.Tier < TierI || r.Tier > TierV {
			return nil, fmt.Errorf("%w: tier rule with invalid tier", ErrInvalidCatalog)
		}
		if r.Duration <= 0 {
			return nil, fmt.Errorf("%w: tier %s has no duration", ErrInvalidCatalog, r.Tier)
		}
	}
	sort.Slice(c.rules, func(i, j int) bool { return c.rules[i].MinCost > c.rules[j].MinCost })

	for _, g := range f.Gifts {
		if g.ID == "" || g.Name == "" {
			return nil, fmt.Errorf("%w: gift needs id and name", ErrInvalidCatalog)
		}
		if _, dup := c.byID[g.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate gift id %q", ErrInvalidCatalog, g.ID)
		}
		if g.Tier == 0 {
			g.Tier, _ = c.Classify(g.Cost)
		}
		if g.Duration <= 0 {
			g.Duration = Duration(c.durationFor(g.Tier))
		}
		c.gifts = append(c.gifts, g)
		c.byID[g.ID] = g
		c.byName[strings.ToLower(g.Name)] = g
	}
	return c, nil
}

// Lookup finds a gift by id, then by case-insensitive name.
func (c *Catalog) Lookup(idOrName string) (Gift, bool) {
	if g, ok := c.byID[idOrName]; ok {
		return g, true
	}
	g, ok := c.byName[strings.ToLower(strings.TrimSpace(idOrName))]
	return g, ok
}

// Classify maps a coin cost to a tier and its display duration.
func (c *Catalog) Classify(cost int64) (Tier, time.Duration) {
	for _, r := range c.rules {
		if cost >= r.MinCost {
			return r.Tier, r.Duration.Std()
		}
	}
	// Below every threshold: smallest tier.
	last := c.rules[len(c.rules)-1]
	return last.Tier, last.Duration.Std()
}

func (c *Catalog) durationFor(t Tier) time.Duration {
	for _, r := range c.rules {
		if r.Tier == t {
			return r.Duration.Std()
		}
	}
	if t.Large() {
		return 15 * time.Second
	}
	return 3 * time.Second
}

// Gifts returns the catalog entries in file order.
func (c *Catalog) Gifts() []Gift {
	return append([]Gift(nil), c.gifts...)
}
