package learning

// Package learning turns recurring human/agent divergence observed in shadow
// sessions into proposals for guideline or criteria updates. Proposals are
// advisory: they wait in a review queue and nothing here applies them.

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/dstep24/rileyrecruiter-sub005/internal/shadow"
)

// ProposalKind says what a pattern proposes to change.
type ProposalKind string

const (
	ProposalGuidelineUpdate ProposalKind = "guideline_update"
	ProposalCriteriaUpdate  ProposalKind = "criteria_update"
)

// Bucket is one band of match scores, [previous MaxScore, MaxScore).
type Bucket struct {
	Name     string       `json:"name" mapstructure:"name"`
	MaxScore float64      `json:"max_score" mapstructure:"max_score"`
	Proposal ProposalKind `json:"proposal" mapstructure:"proposal"`
}

// AnalyzerConfig tunes pattern detection.
type AnalyzerConfig struct {
	MinSupport  int      `json:"min_support"`
	Buckets     []Bucket `json:"buckets"`
	MaxExamples int      `json:"max_examples"`
}

// DefaultAnalyzerConfig flags clear mismatches as guideline gaps and milder
// drift as criteria gaps.
func DefaultAnalyzerConfig() AnalyzerConfig {
	return AnalyzerConfig{
		MinSupport: 3,
		Buckets: []Bucket{
			{Name: "mismatch", MaxScore: 0.5, Proposal: ProposalGuidelineUpdate},
			{Name: "drift", MaxScore: 0.8, Proposal: ProposalCriteriaUpdate},
		},
		MaxExamples: 3,
	}
}

var bucketName = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Validate checks support, bucket names and bucket ordering.
func (c AnalyzerConfig) Validate() error {
	if c.MinSupport < 1 {
		return fmt.Errorf("min_support must be >= 1, got %d", c.MinSupport)
	}
	if len(c.Buckets) == 0 {
		return fmt.Errorf("at least one deviation bucket is required")
	}
	if c.MaxExamples < 0 {
		return fmt.Errorf("max_examples cannot be negative")
	}
	prev := 0.0
	seen := make(map[string]bool)
	for i, b := range c.Buckets {
		if !bucketName.MatchString(b.Name) {
			return fmt.Errorf("bucket %d: invalid name %q", i, b.Name)
		}
		if seen[b.Name] {
			return fmt.Errorf("bucket %d: duplicate name %q", i, b.Name)
		}
		seen[b.Name] = true
		if b.MaxScore <= prev || b.MaxScore > 1 {
			return fmt.Errorf("bucket %q: max_score must be in (%.2f, 1]", b.Name, prev)
		}
		prev = b.MaxScore
		if b.Proposal != ProposalGuidelineUpdate && b.Proposal != ProposalCriteriaUpdate {
			return fmt.Errorf("bucket %q: unknown proposal kind %q", b.Name, b.Proposal)
		}
	}
	return nil
}

// Example is one supporting observation of a pattern.
type Example struct {
	InteractionID string  `json:"interaction_id"`
	HumanValue    string  `json:"human_value"`
	AgentValue    string  `json:"agent_value"`
	MatchScore    float64 `json:"match_score"`
}

// ProposedUpdate is the non-binding change a pattern suggests.
type ProposedUpdate struct {
	Kind      ProposalKind `json:"kind"`
	Dimension string       `json:"dimension"`
	Summary   string       `json:"summary"`
	Examples  []Example    `json:"examples,omitempty"`
}

// Analyzer groups comparison scores by (dimension, bucket).
type Analyzer struct {
	cfg AnalyzerConfig
}

// NewAnalyzer validates cfg.
func NewAnalyzer(cfg AnalyzerConfig) (*Analyzer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid learning config: %w", err)
	}
	return &Analyzer{cfg: cfg}, nil
}

// patternNamespace scopes the name-based pattern ids.
var patternNamespace = uuid.MustParse("5b0c1f6e-8e0a-4c57-9d0f-3f1f4b8f2a11")

type group struct {
	dimension string
	bucket    Bucket
	scores    []float64
	examples  []Example
}

// AnalyzeSession emits one pattern per (dimension, bucket) group whose size
// reaches MinSupport. Identical result sets give identical patterns in
// identical order, regardless of input order.
func (a *Analyzer) AnalyzeSession(session shadow.Session, results []shadow.ComparisonResult) []Pattern {
	sorted := append([]shadow.ComparisonResult(nil), results...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].InteractionID < sorted[j].InteractionID })

	total := 0
	groups := make(map[string]*group)
	lastID := ""
	for idx, r := range sorted {
		if idx == 0 || r.InteractionID != lastID {
			total++
		}
		lastID = r.InteractionID
		for _, d := range r.Dimensions {
			bi, ok := a.bucketFor(d.MatchScore)
			if !ok {
				continue
			}
			b := a.cfg.Buckets[bi]
			key := d.Name + "-" + b.Name
			g, ok := groups[key]
			if !ok {
				g = &group{dimension: d.Name, bucket: b}
				groups[key] = g
			}
			g.scores = append(g.scores, d.MatchScore)
			if len(g.examples) < a.cfg.MaxExamples {
				g.examples = append(g.examples, Example{
					InteractionID: r.InteractionID,
					HumanValue:    valueString(d.HumanValue),
					AgentValue:    valueString(d.AgentValue),
					MatchScore:    d.MatchScore,
				})
			}
		}
	}

	patterns := make([]Pattern, 0, len(groups))
	for category, g := range groups {
		support := len(g.scores)
		if support < a.cfg.MinSupport {
			continue
		}
		var sum float64
		for _, s := range g.scores {
			sum += s
		}
		mean := sum / float64(support)
		patterns = append(patterns, Pattern{
			ID:           uuid.NewSHA1(patternNamespace, []byte(session.TenantID+"|"+session.ID+"|"+category)).String(),
			TenantID:     session.TenantID,
			SessionID:    session.ID,
			Category:     category,
			Dimension:    g.dimension,
			Bucket:       g.bucket.Name,
			Description:  describe(g, support, total, mean),
			SupportCount: support,
			Confidence:   float64(support) / float64(total),
			MeanScore:    mean,
			ProposedUpdate: ProposedUpdate{
				Kind:      g.bucket.Proposal,
				Dimension: g.dimension,
				Summary:   summarize(g),
				Examples:  g.examples,
			},
			Status: StatusPending,
		})
	}

	sort.Slice(patterns, func(i, j int) bool {
		if patterns[i].SupportCount != patterns[j].SupportCount {
			return patterns[i].SupportCount > patterns[j].SupportCount
		}
		return patterns[i].Category < patterns[j].Category
	})
	return patterns
}

func (a *Analyzer) bucketFor(score float64) (int, bool) {
	for i, b := range a.cfg.Buckets {
		if score < b.MaxScore {
			return i, true
		}
	}
	return 0, false
}

func valueString(v *shadow.Value) string {
	if v == nil {
		return ""
	}
	return v.String()
}

func describe(g *group, support, total int, mean float64) string {
	return fmt.Sprintf("%s: %d of %d compared interactions scored below %.2f (mean %.2f)",
		g.dimension, support, total, g.bucket.MaxScore, mean)
}

func summarize(g *group) string {
	var b strings.Builder
	switch g.bucket.Proposal {
	case ProposalGuidelineUpdate:
		fmt.Fprintf(&b, "Review the %s guideline: agent and human regularly disagree", g.dimension)
	default:
		fmt.Fprintf(&b, "Review the %s evaluation criteria: agent drifts from human decisions", g.dimension)
	}
	return b.String()
}
