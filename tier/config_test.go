package tier_test

import (
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/xraph/entitle/tier"
)

func mustReadFixture(t *testing.T) []byte {
	t.Helper()
	data, err := os.ReadFile("testdata/tiers.yaml")
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func TestParseFixture(t *testing.T) {
	cfg, err := tier.Parse(mustReadFixture(t))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Version != "2026-03-01" {
		t.Errorf("version = %q", cfg.Version)
	}
	if cfg.Policy.GracePeriod != 72*time.Hour {
		t.Errorf("grace period = %v", cfg.Policy.GracePeriod)
	}
	if cfg.Policy.PastDueAccess != tier.PastDueRestricted {
		t.Errorf("past due access = %q", cfg.Policy.PastDueAccess)
	}

	names := cfg.TierNames()
	want := []string{"enterprise", "growth", "starter"}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Errorf("tier names = %v, want %v", names, want)
	}

	growth, err := cfg.Tier("growth")
	if err != nil {
		t.Fatal(err)
	}
	if len(growth.Capabilities) != 5 {
		t.Errorf("growth capabilities = %d, want 5", len(growth.Capabilities))
	}
	if growth.Quotas[tier.CapSocialMediaOrchestrator] != tier.Unlimited {
		t.Errorf("social quota = %d, want unlimited", growth.Quotas[tier.CapSocialMediaOrchestrator])
	}
	if growth.SupportLevel != tier.SupportPriority {
		t.Errorf("support level = %q", growth.SupportLevel)
	}

	if _, err := cfg.Tier("platinum"); !errors.Is(err, tier.ErrUnknownTier) {
		t.Errorf("unknown tier error = %v", err)
	}
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want []string
	}{
		{
			name: "missing policy",
			yaml: `
version: v1
tiers:
  starter:
    support_level: community
    capabilities: [content_strategist]
`,
			want: []string{"policy.grace_period is required", "policy.past_due_access is required"},
		},
		{
			name: "bad policy values",
			yaml: `
version: v1
policy: {grace_period: three days, past_due_access: partial}
tiers:
  starter: {support_level: community, capabilities: [content_strategist]}
`,
			want: []string{"policy.grace_period:", `unknown value "partial"`},
		},
		{
			name: "negative grace",
			yaml: `
version: v1
policy: {grace_period: -1h, past_due_access: full}
tiers:
  starter: {support_level: community, capabilities: [content_strategist]}
`,
			want: []string{"must not be negative"},
		},
		{
			name: "unknown capability and support level",
			yaml: `
version: v1
policy: {grace_period: 24h, past_due_access: full}
tiers:
  starter:
    support_level: platinum
    capabilities: [content_strategist, video_wizard, content_strategist]
`,
			want: []string{
				`tiers.starter.support_level: unknown value "platinum"`,
				`unknown capability "video_wizard"`,
				`duplicate capability "content_strategist"`,
			},
		},
		{
			name: "quota and past due outside grant",
			yaml: `
version: v1
policy: {grace_period: 24h, past_due_access: restricted}
tiers:
  starter:
    support_level: standard
    capabilities: [content_strategist]
    quotas: {brand_guardian: 10, content_strategist: -5}
    past_due_capabilities: [seo_domination]
`,
			want: []string{
				"tiers.starter.quotas.brand_guardian: capability not granted",
				"limit -5 below -1",
				`past_due_capabilities[0]: "seo_domination" not granted`,
			},
		},
		{
			name: "no version no tiers",
			yaml: `policy: {grace_period: 0s, past_due_access: none}`,
			want: []string{"version is required", "at least one tier is required"},
		},
		{
			name: "not yaml",
			yaml: "tiers: [unclosed",
			want: []string{"tier: parse:"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tier.Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected error")
			}
			for _, w := range tt.want {
				if !strings.Contains(err.Error(), w) {
					t.Errorf("error %q does not mention %q", err, w)
				}
			}
		})
	}
}

func TestZeroGracePeriodIsAllowed(t *testing.T) {
	cfg, err := tier.Parse([]byte(`
version: v1
policy: {grace_period: 0s, past_due_access: none}
tiers:
  starter: {support_level: community, capabilities: [content_strategist]}
`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Policy.GracePeriod != 0 {
		t.Errorf("grace period = %v", cfg.Policy.GracePeriod)
	}
}

func TestCapabilityCatalog(t *testing.T) {
	caps := tier.Capabilities()
	if len(caps) != 9 {
		t.Fatalf("catalog size = %d, want 9", len(caps))
	}
	for _, c := range caps {
		if !c.Valid() {
			t.Errorf("%q not valid", c)
		}
	}
	if tier.Capability("video_wizard").Valid() {
		t.Error("unknown capability reported valid")
	}
}
