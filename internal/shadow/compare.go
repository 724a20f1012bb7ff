package shadow

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
)

// CompareOptions tunes the per-dimension comparators and their weighting.
// Dimensions without an explicit weight get DefaultWeight, so the default is
// an equal-weight mean.
type CompareOptions struct {
	Weights map[string]float64 `json:"weights,omitempty"`
	// Scales sets the distance at which two numbers count as fully apart.
	Scales        map[string]float64 `json:"scales,omitempty"`
	DefaultWeight float64            `json:"default_weight"`
	DefaultScale  float64            `json:"default_scale"`
}

// DefaultCompareOptions weighs every dimension equally.
func DefaultCompareOptions() CompareOptions {
	return CompareOptions{DefaultWeight: 1, DefaultScale: 1}
}

// Validate requires positive, finite weights and scales.
func (o CompareOptions) Validate() error {
	check := func(name string, v float64) error {
		if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
			return fmt.Errorf("%s must be a positive number, got %v", name, v)
		}
		return nil
	}
	if err := check("default_weight", o.DefaultWeight); err != nil {
		return err
	}
	if err := check("default_scale", o.DefaultScale); err != nil {
		return err
	}
	for dim, w := range o.Weights {
		if err := check("weight of "+dim, w); err != nil {
			return err
		}
	}
	for dim, s := range o.Scales {
		if err := check("scale of "+dim, s); err != nil {
			return err
		}
	}
	return nil
}

func (o CompareOptions) weight(dim string) float64 {
	if w, ok := o.Weights[dim]; ok {
		return w
	}
	return o.DefaultWeight
}

func (o CompareOptions) scale(dim string) float64 {
	if s, ok := o.Scales[dim]; ok {
		return s
	}
	return o.DefaultScale
}

// Compare scores every dimension present on either side, ordered by name.
// A dimension present on one side only, or with mismatched kinds, scores 0.
func Compare(human, agent Action, opts CompareOptions) ([]DimensionScore, float64, error) {
	if len(human) == 0 || len(agent) == 0 {
		return nil, 0, ErrNothingToCompare
	}

	names := make([]string, 0, len(human)+len(agent))
	for name := range human {
		names = append(names, name)
	}
	for name := range agent {
		if _, ok := human[name]; !ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	scores := make([]DimensionScore, 0, len(names))
	for _, name := range names {
		ds := DimensionScore{Name: name, Weight: opts.weight(name)}
		h, hok := human[name]
		a, aok := agent[name]
		if hok {
			ds.HumanValue = &h
		}
		if aok {
			ds.AgentValue = &a
		}
		if hok && aok {
			ds.MatchScore = scoreValues(h, a, opts.scale(name))
		}
		scores = append(scores, ds)
	}
	return scores, CombineScores(scores), nil
}

// CombineScores is the weighted mean of the dimension scores. The result is 1
// only when every dimension scores exactly 1.
func CombineScores(scores []DimensionScore) float64 {
	if len(scores) == 0 {
		return 0
	}
	var num, den float64
	allOne := true
	for _, s := range scores {
		num += s.Weight * s.MatchScore
		den += s.Weight
		if s.MatchScore != 1 {
			allOne = false
		}
	}
	if den <= 0 {
		return 0
	}
	if allOne {
		return 1
	}
	overall := clamp01(num / den)
	if overall >= 1 {
		overall = math.Nextafter(1, 0)
	}
	return overall
}

func scoreValues(h, a Value, scale float64) float64 {
	if h.Kind != a.Kind {
		return 0
	}
	switch h.Kind {
	case KindText:
		return textSimilarity(h.Text, a.Text)
	case KindCategorical:
		if strings.EqualFold(strings.TrimSpace(h.Text), strings.TrimSpace(a.Text)) {
			return 1
		}
		return 0
	case KindNumeric:
		return numericCloseness(h.Number, a.Number, scale)
	}
	return 0
}

// textSimilarity is 1 minus the normalised edit distance of the two texts
// after case and whitespace folding.
func textSimilarity(x, y string) float64 {
	x = normalizeText(x)
	y = normalizeText(y)
	if x == y {
		return 1
	}
	longest := utf8.RuneCountInString(x)
	if n := utf8.RuneCountInString(y); n > longest {
		longest = n
	}
	d := levenshtein.ComputeDistance(x, y)
	return clamp01(1 - float64(d)/float64(longest))
}

func normalizeText(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

func numericCloseness(h, a, scale float64) float64 {
	if h == a {
		return 1
	}
	return clamp01(1 - math.Abs(h-a)/scale)
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
