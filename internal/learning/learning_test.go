package learning

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dstep24/rileyrecruiter-sub005/internal/shadow"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

var session = shadow.Session{ID: "sess-1", TenantID: "acme", CaptureType: "outreach", Status: shadow.StatusCompleted}

func result(id string, scores map[string]float64) shadow.ComparisonResult {
	r := shadow.ComparisonResult{InteractionID: id, SessionID: session.ID, TenantID: session.TenantID}
	for name, s := range scores {
		h, a := shadow.Category("h-"+id), shadow.Category("a-"+id)
		r.Dimensions = append(r.Dimensions, shadow.DimensionScore{Name: name, HumanValue: &h, AgentValue: &a, MatchScore: s, Weight: 1})
	}
	r.OverallAgreement = shadow.CombineScores(r.Dimensions)
	return r
}

func analyzer(t *testing.T, minSupport int) *Analyzer {
	t.Helper()
	cfg := DefaultAnalyzerConfig()
	cfg.MinSupport = minSupport
	a, err := NewAnalyzer(cfg)
	require.NoError(t, err)
	return a
}

func TestAnalyzeRecurringToneMismatch(t *testing.T) {
	results := []shadow.ComparisonResult{
		result("i1", map[string]float64{"tone": 0.2, "channel": 1}),
		result("i2", map[string]float64{"tone": 0.3, "channel": 1}),
		result("i3", map[string]float64{"tone": 0.25, "channel": 1}),
	}
	patterns := analyzer(t, 2).AnalyzeSession(session, results)
	require.Len(t, patterns, 1)

	p := patterns[0]
	assert.Equal(t, "tone-mismatch", p.Category)
	assert.Equal(t, 3, p.SupportCount)
	assert.Equal(t, 1.0, p.Confidence)
	assert.InDelta(t, 0.25, p.MeanScore, 1e-9)
	assert.Equal(t, ProposalGuidelineUpdate, p.ProposedUpdate.Kind)
	assert.Equal(t, StatusPending, p.Status)
	assert.Len(t, p.ProposedUpdate.Examples, 3)
	assert.Equal(t, "i1", p.ProposedUpdate.Examples[0].InteractionID)
}

func TestAnalyzeSupportAndBuckets(t *testing.T) {
	results := []shadow.ComparisonResult{
		result("i1", map[string]float64{"tone": 0.6, "timing": 0.1}),
		result("i2", map[string]float64{"tone": 0.7, "timing": 0.9}),
		result("i3", map[string]float64{"tone": 0.95, "timing": 1}),
		result("i4", map[string]float64{"tone": 0.79, "timing": 1}),
	}
	patterns := analyzer(t, 2).AnalyzeSession(session, results)
	require.Len(t, patterns, 1, "a lone timing mismatch lacks support")
	assert.Equal(t, "tone-drift", patterns[0].Category)
	assert.Equal(t, 3, patterns[0].SupportCount)
	assert.InDelta(t, 0.75, patterns[0].Confidence, 1e-9)
	assert.Equal(t, ProposalCriteriaUpdate, patterns[0].ProposedUpdate.Kind)

	assert.Empty(t, analyzer(t, 4).AnalyzeSession(session, results))
	assert.Empty(t, analyzer(t, 1).AnalyzeSession(session, nil))
}

func TestAnalyzerConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*AnalyzerConfig)
	}{
		{"zero support", func(c *AnalyzerConfig) { c.MinSupport = 0 }},
		{"no buckets", func(c *AnalyzerConfig) { c.Buckets = nil }},
		{"unordered", func(c *AnalyzerConfig) { c.Buckets[1].MaxScore = 0.4 }},
		{"above one", func(c *AnalyzerConfig) { c.Buckets[1].MaxScore = 1.5 }},
		{"duplicate name", func(c *AnalyzerConfig) { c.Buckets[1].Name = "mismatch" }},
		{"bad name", func(c *AnalyzerConfig) { c.Buckets[0].Name = "Bad Name" }},
		{"unknown proposal", func(c *AnalyzerConfig) { c.Buckets[0].Proposal = "rewrite" }},
	}
	require.NoError(t, DefaultAnalyzerConfig().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultAnalyzerConfig()
			tt.mutate(&cfg)
			_, err := NewAnalyzer(cfg)
			assert.Error(t, err)
		})
	}
}

func TestAnalyzeIsDeterministic(t *testing.T) {
	a := analyzer(t, 2)
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("same results in any order give the same patterns", prop.ForAll(
		func(tone, channel []float64, shift int) bool {
			n := len(tone)
			if len(channel) < n {
				n = len(channel)
			}
			results := make([]shadow.ComparisonResult, n)
			for i := 0; i < n; i++ {
				results[i] = result(fmt.Sprintf("i%03d", i), map[string]float64{"tone": tone[i], "channel": channel[i]})
			}
			rotated := make([]shadow.ComparisonResult, n)
			for i := range results {
				rotated[(i+shift)%max(n, 1)] = results[i]
			}
			return reflect.DeepEqual(a.AnalyzeSession(session, results), a.AnalyzeSession(session, rotated))
		},
		gen.SliceOf(gen.Float64Range(0, 1)),
		gen.SliceOf(gen.Float64Range(0, 1)),
		gen.IntRange(0, 20),
	))

	properties.TestingRun(t)
}

type patternRecorder struct{ patterns []Pattern }

func (r *patternRecorder) EnqueuePattern(p Pattern) { r.patterns = append(r.patterns, p) }

type stubForwarder struct {
	forwarded []Pattern
	err       error
}

func (f *stubForwarder) ForwardReview(_ context.Context, p Pattern) error {
	f.forwarded = append(f.forwarded, p)
	return f.err
}

func queuedPattern(t *testing.T) (*Queue, *patternRecorder, *stubForwarder, Pattern) {
	t.Helper()
	sink := &patternRecorder{}
	fwd := &stubForwarder{}
	q := NewQueue(WithPatternSink(sink), WithForwarder(fwd), WithQueueClock(func() time.Time { return t0 }))
	results := []shadow.ComparisonResult{
		result("i1", map[string]float64{"tone": 0.2}),
		result("i2", map[string]float64{"tone": 0.3}),
	}
	patterns := analyzer(t, 2).AnalyzeSession(session, results)
	require.Len(t, patterns, 1)
	added := q.Enqueue(context.Background(), patterns)
	require.Len(t, added, 1)
	return q, sink, fwd, added[0]
}

func TestQueueEnqueueIsIdempotent(t *testing.T) {
	q, sink, _, p := queuedPattern(t)
	assert.Equal(t, t0, p.CreatedAt)
	assert.Empty(t, q.Enqueue(context.Background(), []Pattern{p}))
	assert.Len(t, sink.patterns, 1)
	assert.Len(t, q.List("acme", StatusPending), 1)
	assert.Empty(t, q.List("globex", ""))
}

func TestQueueReview(t *testing.T) {
	q, sink, fwd, p := queuedPattern(t)
	ctx := context.Background()

	_, err := q.Review(ctx, p.ID, true, "", "")
	assert.ErrorIs(t, err, ErrReviewerRequired)

	reviewed, err := q.Review(ctx, p.ID, true, "dana", "matches what recruiters do")
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, reviewed.Status)
	assert.Equal(t, "dana", reviewed.ReviewedBy)
	require.NotNil(t, reviewed.ReviewedAt)
	require.Len(t, fwd.forwarded, 1)
	assert.Len(t, sink.patterns, 2)

	_, err = q.Review(ctx, p.ID, false, "dana", "")
	assert.ErrorIs(t, err, ErrAlreadyReviewed)
	assert.Empty(t, q.List("acme", StatusPending))
	assert.Len(t, q.List("acme", StatusApproved), 1)

	_, err = q.Review(ctx, "missing", true, "dana", "")
	assert.ErrorIs(t, err, ErrPatternNotFound)
}

func TestQueueReviewForwardFailureKeepsDecision(t *testing.T) {
	q, _, fwd, p := queuedPattern(t)
	fwd.err = fmt.Errorf("store down")

	reviewed, err := q.Review(context.Background(), p.ID, false, "dana", "")
	assert.ErrorIs(t, err, ErrNotForwarded)
	assert.Equal(t, StatusRejected, reviewed.Status)
	got, err := q.Get(p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, got.Status)
}

func TestParseStatus(t *testing.T) {
	s, err := ParseStatus("approved")
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, s)
	_, err = ParseStatus("applied")
	assert.Error(t, err)
}

func TestWebhookForwarderRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	f := NewWebhookForwarder(srv.URL, time.Second, 3, nil)
	require.NoError(t, f.ForwardReview(context.Background(), Pattern{ID: "p1"}))
	assert.Equal(t, int32(2), calls.Load())
}

func TestWebhookForwarderDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	f := NewWebhookForwarder(srv.URL, time.Second, 3, nil)
	assert.Error(t, f.ForwardReview(context.Background(), Pattern{ID: "p1"}))
	assert.Equal(t, int32(1), calls.Load())
}
