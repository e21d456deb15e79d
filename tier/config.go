package tier

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrUnknownTier is returned by lookups for a tier the configuration does not
// declare.
var ErrUnknownTier = errors.New("tier: unknown tier")

// Configuration is one validated, versioned load of the tier table. It is
// read-only once returned by Parse.
type Configuration struct {
	Version string
	Policy  Policy
	Tiers   map[string]*Tier
}

// Policy holds the lifecycle settings that travel with the tier table.
type Policy struct {
	GracePeriod   time.Duration
	PastDueAccess PastDueAccess
}

type Tier struct {
	Name                string
	Capabilities        []Capability
	Quotas              map[Capability]int64
	SupportLevel        SupportLevel
	PastDueCapabilities []Capability
}

// Tier returns the named tier.
func (c *Configuration) Tier(name string) (*Tier, error) {
	t, ok := c.Tiers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTier, name)
	}
	return t, nil
}

// TierNames returns the configured tier names sorted.
func (c *Configuration) TierNames() []string {
	names := make([]string, 0, len(c.Tiers))
	for name := range c.Tiers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ──────────────────────────────────────────────────
// YAML form
// ──────────────────────────────────────────────────

type fileConfig struct {
	Version string              `yaml:"version"`
	Policy  filePolicy          `yaml:"policy"`
	Tiers   map[string]fileTier `yaml:"tiers"`
}

type filePolicy struct {
	GracePeriod   string `yaml:"grace_period"`
	PastDueAccess string `yaml:"past_due_access"`
}

type fileTier struct {
	Capabilities        []string         `yaml:"capabilities"`
	Quotas              map[string]int64 `yaml:"quotas"`
	SupportLevel        string           `yaml:"support_level"`
	PastDueCapabilities []string         `yaml:"past_due_capabilities"`
}

// Parse decodes and validates a YAML tier table. Every problem found is
// reported, not just the first.
func Parse(data []byte) (*Configuration, error) {
	var raw fileConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("tier: parse: %w", err)
	}

	var errs []string
	cfg := &Configuration{
		Version: raw.Version,
		Tiers:   make(map[string]*Tier, len(raw.Tiers)),
	}
	if cfg.Version == "" {
		errs = append(errs, "version is required")
	}

	switch {
	case raw.Policy.GracePeriod == "":
		errs = append(errs, "policy.grace_period is required")
	default:
		d, err := time.ParseDuration(raw.Policy.GracePeriod)
		switch {
		case err != nil:
			errs = append(errs, fmt.Sprintf("policy.grace_period: %v", err))
		case d < 0:
			errs = append(errs, "policy.grace_period must not be negative")
		default:
			cfg.Policy.GracePeriod = d
		}
	}

	cfg.Policy.PastDueAccess = PastDueAccess(raw.Policy.PastDueAccess)
	switch {
	case raw.Policy.PastDueAccess == "":
		errs = append(errs, "policy.past_due_access is required")
	case !cfg.Policy.PastDueAccess.Valid():
		errs = append(errs, fmt.Sprintf("policy.past_due_access: unknown value %q (want full, restricted or none)", raw.Policy.PastDueAccess))
	}

	if len(raw.Tiers) == 0 {
		errs = append(errs, "at least one tier is required")
	}

	names := make([]string, 0, len(raw.Tiers))
	for name := range raw.Tiers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		t := parseTier(name, raw.Tiers[name], &errs)
		cfg.Tiers[name] = t
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("tier: validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return cfg, nil
}

func parseTier(name string, raw fileTier, errs *[]string) *Tier {
	loc := fmt.Sprintf("tiers.%s", name)
	t := &Tier{
		Name:         name,
		SupportLevel: SupportLevel(raw.SupportLevel),
		Quotas:       make(map[Capability]int64, len(raw.Quotas)),
	}
	if strings.TrimSpace(name) == "" {
		*errs = append(*errs, "tiers: name must not be empty")
	}
	if !t.SupportLevel.Valid() {
		*errs = append(*errs, fmt.Sprintf("%s.support_level: unknown value %q", loc, raw.SupportLevel))
	}

	granted := make(map[Capability]bool, len(raw.Capabilities))
	for i, s := range raw.Capabilities {
		c := Capability(s)
		switch {
		case !c.Valid():
			*errs = append(*errs, fmt.Sprintf("%s.capabilities[%d]: unknown capability %q", loc, i, s))
		case granted[c]:
			*errs = append(*errs, fmt.Sprintf("%s.capabilities[%d]: duplicate capability %q", loc, i, s))
		default:
			granted[c] = true
			t.Capabilities = append(t.Capabilities, c)
		}
	}

	for s, limit := range raw.Quotas {
		c := Capability(s)
		if !granted[c] {
			*errs = append(*errs, fmt.Sprintf("%s.quotas.%s: capability not granted by tier", loc, s))
			continue
		}
		if limit < Unlimited {
			*errs = append(*errs, fmt.Sprintf("%s.quotas.%s: limit %d below -1", loc, s, limit))
			continue
		}
		t.Quotas[c] = limit
	}

	seen := make(map[Capability]bool, len(raw.PastDueCapabilities))
	for i, s := range raw.PastDueCapabilities {
		c := Capability(s)
		switch {
		case !granted[c]:
			*errs = append(*errs, fmt.Sprintf("%s.past_due_capabilities[%d]: %q not granted by tier", loc, i, s))
		case seen[c]:
			*errs = append(*errs, fmt.Sprintf("%s.past_due_capabilities[%d]: duplicate capability %q", loc, i, s))
		default:
			seen[c] = true
			t.PastDueCapabilities = append(t.PastDueCapabilities, c)
		}
	}
	return t
}
