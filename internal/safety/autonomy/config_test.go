package autonomy

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPolicy = `
default:
  promotion:
    minSamples: 20
    minAgreementPct: 85
    maxEscalationPct: 5
    minDaysAtLevel: 0
  demotion:
    minAgreementPct: 60
    maxEscalationPct: 20
  confidenceFloor: 0.6
  escalationRules:
    - id: critical-complaint
      action: demote
      condition:
        type: contains
        field: riskFlags
        value: complaint
    - id: low-confidence-sms
      action: forceApproval
      condition:
        type: all
        conditions:
          - type: equals
            field: proposedAction.channel
            value: sms
          - type: compare
            field: confidence
            op: lt
            threshold: 0.9
    - id: legal-mention
      action: alert
      condition:
        type: contains
        field: riskFlags
        value: legal
tenants:
  - tenantId: globex
    maxLevel: CO_PILOT
    promotion:
      minSamples: 50
      minAgreementPct: 90
      maxEscalationPct: 2
      minDaysAtLevel: 7
    demotion:
      minAgreementPct: 70
      maxEscalationPct: 10
      minSamples: 10
    confidenceFloor: 0.8
    ladder:
      - level: CO_PILOT
        minSamples: 100
        minAgreementPct: 95
        maxEscalationPct: 1
        minDaysAtLevel: 14
`

func mustParse(t *testing.T, src string) *PolicySet {
	t.Helper()
	set, err := ParsePolicy([]byte(src), "test")
	require.NoError(t, err)
	return set
}

func TestParsePolicy(t *testing.T) {
	set := mustParse(t, testPolicy)

	require.NotNil(t, set.Default)
	assert.Equal(t, 20, set.Default.Promotion.MinSamples)
	assert.Equal(t, 0.6, set.Default.ConfidenceFloor)
	assert.Len(t, set.Default.EscalationRules, 3)
	assert.Equal(t, LevelAutonomous, set.Default.Ceiling())

	globex, ok := set.ConfigFor("globex")
	require.True(t, ok)
	assert.Equal(t, LevelCoPilot, globex.Ceiling())
	assert.Equal(t, 10, globex.Demotion.MinSamples)
	assert.Equal(t, 100, globex.PromotionFor(LevelCoPilot).MinSamples)
	assert.Equal(t, 50, globex.PromotionFor(LevelSuggest).MinSamples)

	acme, ok := set.ConfigFor("acme")
	require.True(t, ok, "unknown tenants fall back to the default")
	assert.Same(t, set.Default, acme)
	assert.Equal(t, []string{"globex"}, set.TenantIDs())
}

func TestPromotionForInheritsLowerRung(t *testing.T) {
	src := `
default:
  promotion:
    minSamples: 20
    minAgreementPct: 85
    maxEscalationPct: 5
    minDaysAtLevel: 0
  demotion:
    minAgreementPct: 60
    maxEscalationPct: 20
  confidenceFloor: 0.5
  ladder:
    - level: SUGGEST
      minSamples: 100
      minAgreementPct: 95
      maxEscalationPct: 1
      minDaysAtLevel: 1
`
	cfg := mustParse(t, src).Default
	strict := PromotionThresholds{MinSamples: 100, MinAgreementPct: 95, MaxEscalationPct: 1, MinDaysAtLevel: 1}

	assert.Equal(t, 20, cfg.PromotionFor(LevelObserve).MinSamples)
	assert.Equal(t, strict, cfg.PromotionFor(LevelSuggest))
	assert.Equal(t, strict, cfg.PromotionFor(LevelCoPilot))
	assert.Equal(t, strict, cfg.PromotionFor(LevelSupervisedAutonomous))

	state := LevelState{Level: LevelCoPilot, Since: t0}
	tr, err := EvaluateTransition(state, metricsOf(20, 90, 0), ctxFor(), cfg, t0.Add(48*time.Hour))
	require.NoError(t, err)
	assert.Nil(t, tr, "CO_PILOT must not promote on looser base thresholds")

	tr, err = EvaluateTransition(state, metricsOf(100, 96, 0), ctxFor(), cfg, t0.Add(48*time.Hour))
	require.NoError(t, err)
	require.NotNil(t, tr)
	assert.Equal(t, LevelSupervisedAutonomous, tr.To)
}

func TestParsePolicyRejectsMissingThresholds(t *testing.T) {
	src := `
default:
  promotion:
    minSamples: 20
    minAgreementPct: 85
  confidenceFloor: 0.5
`
	_, err := ParsePolicy([]byte(src), "test")
	var ce *ConfigError
	require.True(t, errors.As(err, &ce))
	joined := strings.Join(ce.Problems, "\n")
	assert.Contains(t, joined, "default.promotion.maxEscalationPct is missing")
	assert.Contains(t, joined, "default.promotion.minDaysAtLevel is missing")
	assert.Contains(t, joined, "default.demotion thresholds are missing")
}

func TestConfigValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Promotion:       PromotionThresholds{MinSamples: 20, MinAgreementPct: 85, MaxEscalationPct: 5},
			Demotion:        DemotionThresholds{MinAgreementPct: 60, MaxEscalationPct: 20},
			ConfidenceFloor: 0.5,
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		problem string
	}{
		{"valid", func(c *Config) {}, ""},
		{"zero min samples", func(c *Config) { c.Promotion.MinSamples = 0 }, "promotion.minSamples must be >= 1"},
		{"pct above 100", func(c *Config) { c.Promotion.MinAgreementPct = 120 }, "promotion.minAgreementPct must be within [0,100]"},
		{"negative pct", func(c *Config) { c.Demotion.MaxEscalationPct = -1 }, "demotion.maxEscalationPct must be within [0,100]"},
		{"demotion agreement stricter", func(c *Config) { c.Demotion.MinAgreementPct = 90 }, "stricter than promotion.minAgreementPct"},
		{"demotion escalation stricter", func(c *Config) { c.Demotion.MaxEscalationPct = 2 }, "stricter than promotion.maxEscalationPct"},
		{"confidence floor", func(c *Config) { c.ConfidenceFloor = 1.5 }, "confidenceFloor must be within [0,1]"},
		{"max level", func(c *Config) { c.MaxLevel = 9 }, "maxLevel LEVEL(9) is not on the ladder"},
		{"ladder loosens", func(c *Config) {
			c.Ladder = []LadderStep{{Level: LevelSuggest, Thresholds: PromotionThresholds{MinSamples: 10, MinAgreementPct: 85, MaxEscalationPct: 5}}}
		}, "looser than the rung below"},
		{"ladder out of order", func(c *Config) {
			strict := PromotionThresholds{MinSamples: 30, MinAgreementPct: 90, MaxEscalationPct: 4}
			c.Ladder = []LadderStep{{Level: LevelCoPilot, Thresholds: strict}, {Level: LevelSuggest, Thresholds: strict}}
		}, "must be above CO_PILOT"},
		{"ladder top", func(c *Config) {
			c.Ladder = []LadderStep{{Level: LevelAutonomous, Thresholds: c.Promotion}}
		}, "cannot be promoted out of"},
		{"bad rule", func(c *Config) {
			c.EscalationRules = append(c.EscalationRules, validRule("Bad Rule"))
		}, "invalid rule id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(&c)
			err := c.Validate()
			if tt.problem == "" {
				assert.NoError(t, err)
				return
			}
			var ce *ConfigError
			require.True(t, errors.As(err, &ce), "expected ConfigError, got %v", err)
			assert.Contains(t, ce.Error(), tt.problem)
		})
	}
}

func TestParsePolicyRejectsDuplicateTenants(t *testing.T) {
	src := testPolicy + `
  - tenantId: globex
    promotion: {minSamples: 1, minAgreementPct: 1, maxEscalationPct: 1, minDaysAtLevel: 0}
    demotion: {minAgreementPct: 1, maxEscalationPct: 1}
    confidenceFloor: 0
`
	_, err := ParsePolicy([]byte(src), "test")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `tenantId "globex" is duplicated`)
}

func TestRegistryReloadKeepsPreviousOnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "autonomy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testPolicy), 0o600))

	reg, err := LoadRegistry(path, nil)
	require.NoError(t, err)
	before := reg.Current()

	require.NoError(t, os.WriteFile(path, []byte("default: {promotion: {}}"), 0o600))
	require.Error(t, reg.Reload())
	assert.Same(t, before, reg.Current())

	var reloaded *PolicySet
	reg.OnReload(func(s *PolicySet) { reloaded = s })
	updated := strings.Replace(testPolicy, "confidenceFloor: 0.6", "confidenceFloor: 0.7", 1)
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))
	require.NoError(t, reg.Reload())
	require.NotNil(t, reloaded)

	cfg, ok := reg.ConfigFor("acme")
	require.True(t, ok)
	assert.Equal(t, 0.7, cfg.ConfidenceFloor)
}

func TestLevelText(t *testing.T) {
	for _, l := range Levels() {
		var parsed Level
		require.NoError(t, parsed.UnmarshalText([]byte(l.String())))
		assert.Equal(t, l, parsed)
	}
	l, err := ParseLevel("co-pilot")
	require.NoError(t, err)
	assert.Equal(t, LevelCoPilot, l)

	l, err = ParseLevel("4")
	require.NoError(t, err)
	assert.Equal(t, LevelSupervisedAutonomous, l)

	_, err = ParseLevel("GOD_MODE")
	assert.Error(t, err)
	assert.Equal(t, LevelAutonomous, LevelAutonomous.Up())
	assert.Equal(t, LevelObserve, LevelObserve.Down())
}
