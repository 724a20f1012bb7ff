package autonomy

import (
	"fmt"
	"math"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/dstep24/rileyrecruiter-sub005/internal/safety/policy"
)

// PromotionThresholds must all hold for a key to move up one rung.
type PromotionThresholds struct {
	MinSamples       int     `json:"min_samples"`
	MinAgreementPct  float64 `json:"min_agreement_pct"`
	MaxEscalationPct float64 `json:"max_escalation_pct"`
	MinDaysAtLevel   float64 `json:"min_days_at_level"`
}

// DemotionThresholds move a key down one rung when either rate crosses.
// MinSamples keeps a near-empty window from demoting on noise.
type DemotionThresholds struct {
	MinAgreementPct  float64 `json:"min_agreement_pct"`
	MaxEscalationPct float64 `json:"max_escalation_pct"`
	MinSamples       int     `json:"min_samples"`
}

// LadderStep overrides the promotion thresholds out of one rung.
type LadderStep struct {
	Level      Level               `json:"level"`
	Thresholds PromotionThresholds `json:"thresholds"`
}

// Config is the autonomy policy of one tenant.
type Config struct {
	Promotion       PromotionThresholds     `json:"promotion"`
	Demotion        DemotionThresholds      `json:"demotion"`
	EscalationRules []policy.EscalationRule `json:"escalation_rules"`
	ConfidenceFloor float64                 `json:"confidence_floor"`
	// MaxLevel caps promotions. Zero means AUTONOMOUS.
	MaxLevel Level        `json:"max_level,omitempty"`
	Ladder   []LadderStep `json:"ladder,omitempty"`
}

// Ceiling is the highest level promotions may reach.
func (c *Config) Ceiling() Level {
	if c.MaxLevel == 0 {
		return LevelAutonomous
	}
	return c.MaxLevel
}

// PromotionFor returns the thresholds that apply when promoting out of level.
// A level without its own rung inherits the nearest rung below it, so the
// ladder never gets easier on the way up.
func (c *Config) PromotionFor(level Level) PromotionThresholds {
	t := c.Promotion
	for _, step := range c.Ladder {
		if step.Level > level {
			break
		}
		t = step.Thresholds
	}
	return t
}

// Validate returns a *ConfigError listing every problem, or nil.
func (c *Config) Validate() error {
	ce := &ConfigError{}
	c.validateInto(ce, "")
	return ce.orNil()
}

func (c *Config) validateInto(ce *ConfigError, prefix string) {
	validatePromotion(ce, prefix+"promotion", c.Promotion)

	d := c.Demotion
	checkPct(ce, prefix+"demotion.minAgreementPct", d.MinAgreementPct)
	checkPct(ce, prefix+"demotion.maxEscalationPct", d.MaxEscalationPct)
	if d.MinSamples < 0 {
		ce.add("%sdemotion.minSamples must be >= 0, got %d", prefix, d.MinSamples)
	}
	if d.MinAgreementPct > c.Promotion.MinAgreementPct {
		ce.add("%sdemotion.minAgreementPct (%.2f) is stricter than promotion.minAgreementPct (%.2f)",
			prefix, d.MinAgreementPct, c.Promotion.MinAgreementPct)
	}
	if d.MaxEscalationPct < c.Promotion.MaxEscalationPct {
		ce.add("%sdemotion.maxEscalationPct (%.2f) is stricter than promotion.maxEscalationPct (%.2f)",
			prefix, d.MaxEscalationPct, c.Promotion.MaxEscalationPct)
	}

	if math.IsNaN(c.ConfidenceFloor) || c.ConfidenceFloor < 0 || c.ConfidenceFloor > 1 {
		ce.add("%sconfidenceFloor must be within [0,1], got %v", prefix, c.ConfidenceFloor)
	}
	if c.MaxLevel != 0 && !c.MaxLevel.Valid() {
		ce.add("%smaxLevel %s is not on the ladder", prefix, c.MaxLevel)
	}

	prev := c.Promotion
	var prevLevel Level
	for i, step := range c.Ladder {
		name := fmt.Sprintf("%sladder[%d]", prefix, i)
		if !step.Level.Valid() || step.Level == LevelAutonomous {
			ce.add("%s.level %s cannot be promoted out of", name, step.Level)
			continue
		}
		if step.Level <= prevLevel {
			ce.add("%s.level %s must be above %s", name, step.Level, prevLevel)
		}
		prevLevel = step.Level
		validatePromotion(ce, name, step.Thresholds)
		t := step.Thresholds
		if t.MinSamples < prev.MinSamples || t.MinAgreementPct < prev.MinAgreementPct ||
			t.MaxEscalationPct > prev.MaxEscalationPct || t.MinDaysAtLevel < prev.MinDaysAtLevel {
			ce.add("%s thresholds are looser than the rung below", name)
		}
		prev = t
	}

	for _, err := range policy.ValidateRules(c.EscalationRules) {
		ce.add("%s%v", prefix, err)
	}
}

func validatePromotion(ce *ConfigError, name string, p PromotionThresholds) {
	if p.MinSamples < 1 {
		ce.add("%s.minSamples must be >= 1, got %d", name, p.MinSamples)
	}
	checkPct(ce, name+".minAgreementPct", p.MinAgreementPct)
	checkPct(ce, name+".maxEscalationPct", p.MaxEscalationPct)
	if math.IsNaN(p.MinDaysAtLevel) || p.MinDaysAtLevel < 0 {
		ce.add("%s.minDaysAtLevel must be >= 0, got %v", name, p.MinDaysAtLevel)
	}
}

func checkPct(ce *ConfigError, name string, v float64) {
	if math.IsNaN(v) || v < 0 || v > 100 {
		ce.add("%s must be within [0,100], got %v", name, v)
	}
}

// ─── Policy file ───────────────────────────────────────────────────────────

// PolicySet maps tenants to their validated autonomy config.
type PolicySet struct {
	Default *Config
	Tenants map[string]*Config
}

// ConfigFor returns the tenant's config, falling back to the default.
func (p *PolicySet) ConfigFor(tenantID string) (*Config, bool) {
	if p == nil {
		return nil, false
	}
	if c, ok := p.Tenants[tenantID]; ok {
		return c, true
	}
	if p.Default != nil {
		return p.Default, true
	}
	return nil, false
}

// TenantIDs returns the tenants with an explicit config, sorted.
func (p *PolicySet) TenantIDs() []string {
	ids := make([]string, 0, len(p.Tenants))
	for id := range p.Tenants {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Raw YAML shapes. Pointers distinguish a missing threshold from a zero one.
type policyFile struct {
	Default *rawConfig  `yaml:"default"`
	Tenants []rawTenant `yaml:"tenants"`
}

type rawTenant struct {
	TenantID  string `yaml:"tenantId"`
	rawConfig `yaml:",inline"`
}

type rawConfig struct {
	Promotion       *rawPromotion           `yaml:"promotion"`
	Demotion        *rawDemotion            `yaml:"demotion"`
	EscalationRules []policy.EscalationRule `yaml:"escalationRules"`
	ConfidenceFloor *float64                `yaml:"confidenceFloor"`
	MaxLevel        string                  `yaml:"maxLevel"`
	Ladder          []rawLadderStep         `yaml:"ladder"`
}

type rawPromotion struct {
	MinSamples       *int     `yaml:"minSamples"`
	MinAgreementPct  *float64 `yaml:"minAgreementPct"`
	MaxEscalationPct *float64 `yaml:"maxEscalationPct"`
	MinDaysAtLevel   *float64 `yaml:"minDaysAtLevel"`
}

type rawDemotion struct {
	MinAgreementPct  *float64 `yaml:"minAgreementPct"`
	MaxEscalationPct *float64 `yaml:"maxEscalationPct"`
	MinSamples       *int     `yaml:"minSamples"`
}

type rawLadderStep struct {
	Level        string `yaml:"level"`
	rawPromotion `yaml:",inline"`
}

// ParsePolicy decodes and validates a policy document. Either everything is
// valid or a *ConfigError lists what is not.
func ParsePolicy(data []byte, source string) (*PolicySet, error) {
	var pf policyFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, &ConfigError{Source: source, Problems: []string{fmt.Sprintf("parse: %v", err)}}
	}

	ce := &ConfigError{Source: source}
	set := &PolicySet{Tenants: make(map[string]*Config)}
	if pf.Default != nil {
		set.Default = pf.Default.toConfig(ce, "default.")
	}
	for i, t := range pf.Tenants {
		prefix := fmt.Sprintf("tenants[%d].", i)
		if t.TenantID == "" {
			ce.add("%stenantId is required", prefix)
			continue
		}
		if _, dup := set.Tenants[t.TenantID]; dup {
			ce.add("%stenantId %q is duplicated", prefix, t.TenantID)
			continue
		}
		set.Tenants[t.TenantID] = t.rawConfig.toConfig(ce, fmt.Sprintf("tenants[%s].", t.TenantID))
	}
	if set.Default == nil && len(set.Tenants) == 0 {
		ce.add("policy defines no default and no tenants")
	}
	if err := ce.orNil(); err != nil {
		return nil, err
	}
	return set, nil
}

// LoadPolicyFile reads and validates the policy file at path.
func LoadPolicyFile(path string) (*PolicySet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read autonomy policy %s: %w", path, err)
	}
	return ParsePolicy(data, path)
}

func (r *rawConfig) toConfig(ce *ConfigError, prefix string) *Config {
	before := len(ce.Problems)
	cfg := &Config{EscalationRules: r.EscalationRules}

	if r.Promotion == nil {
		ce.add("%spromotion thresholds are missing", prefix)
	} else {
		cfg.Promotion = r.Promotion.toThresholds(ce, prefix+"promotion")
	}

	if r.Demotion == nil {
		ce.add("%sdemotion thresholds are missing", prefix)
	} else {
		requireFloat(ce, prefix+"demotion.minAgreementPct", r.Demotion.MinAgreementPct, &cfg.Demotion.MinAgreementPct)
		requireFloat(ce, prefix+"demotion.maxEscalationPct", r.Demotion.MaxEscalationPct, &cfg.Demotion.MaxEscalationPct)
		if r.Demotion.MinSamples != nil {
			cfg.Demotion.MinSamples = *r.Demotion.MinSamples
		}
	}

	requireFloat(ce, prefix+"confidenceFloor", r.ConfidenceFloor, &cfg.ConfidenceFloor)

	if r.MaxLevel != "" {
		l, err := ParseLevel(r.MaxLevel)
		if err != nil {
			ce.add("%smaxLevel: %v", prefix, err)
		}
		cfg.MaxLevel = l
	}

	for i, step := range r.Ladder {
		name := fmt.Sprintf("%sladder[%d]", prefix, i)
		l, err := ParseLevel(step.Level)
		if err != nil {
			ce.add("%s.level: %v", name, err)
			continue
		}
		cfg.Ladder = append(cfg.Ladder, LadderStep{Level: l, Thresholds: step.rawPromotion.toThresholds(ce, name)})
	}

	// Cross-field checks only make sense once every field is present.
	if len(ce.Problems) == before {
		cfg.validateInto(ce, prefix)
	}
	return cfg
}

func (r *rawPromotion) toThresholds(ce *ConfigError, name string) PromotionThresholds {
	var t PromotionThresholds
	if r.MinSamples == nil {
		ce.add("%s.minSamples is missing", name)
	} else {
		t.MinSamples = *r.MinSamples
	}
	requireFloat(ce, name+".minAgreementPct", r.MinAgreementPct, &t.MinAgreementPct)
	requireFloat(ce, name+".maxEscalationPct", r.MaxEscalationPct, &t.MaxEscalationPct)
	requireFloat(ce, name+".minDaysAtLevel", r.MinDaysAtLevel, &t.MinDaysAtLevel)
	return t
}

func requireFloat(ce *ConfigError, name string, v *float64, dst *float64) {
	if v == nil {
		ce.add("%s is missing", name)
		return
	}
	*dst = *v
}
