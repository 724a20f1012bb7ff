package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dstep24/rileyrecruiter-sub005/internal/analytics/outcomes"
	"github.com/dstep24/rileyrecruiter-sub005/internal/db"
	"github.com/dstep24/rileyrecruiter-sub005/internal/learning"
	"github.com/dstep24/rileyrecruiter-sub005/internal/persistence"
	"github.com/dstep24/rileyrecruiter-sub005/internal/safety"
	"github.com/dstep24/rileyrecruiter-sub005/internal/safety/autonomy"
	"github.com/dstep24/rileyrecruiter-sub005/internal/shadow"
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
`

type staticFailures struct{ list []persistence.StorageWriteFailure }

func (f staticFailures) Failures() []persistence.StorageWriteFailure { return f.list }
func (f staticFailures) Pending() int                                { return 2 }

func newTestServer(t *testing.T, opts ...Option) (*Server, *Hub) {
	t.Helper()
	return newTestServerWith(t, Config{AllowedOrigins: []string{"*"}}, opts...)
}

func newTestServerWith(t *testing.T, cfg Config, opts ...Option) (*Server, *Hub) {
	t.Helper()
	set, err := autonomy.ParsePolicy([]byte(testPolicy), "test")
	require.NoError(t, err)
	ctrl := autonomy.NewAutonomyController(autonomy.NewMemoryStateStore(),
		outcomes.NewAggregator(outcomes.NewMemoryWindowStore(outcomes.WindowConfig{MaxSamples: 100})), set)
	analyzer, err := learning.NewAnalyzer(learning.DefaultAnalyzerConfig())
	require.NoError(t, err)

	hub := NewHub(nil)
	engine, err := safety.NewEngine(safety.Components{
		Controller: ctrl,
		Shadow:     shadow.DefaultConfig(),
		Analyzer:   analyzer,
		Queue:      learning.NewQueue(),
	}, safety.WithPublisher(hub))
	require.NoError(t, err)

	srv, err := NewServer(cfg, engine, hub, opts...)
	require.NoError(t, err)
	return srv, hub
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestNewServerRequiresEngineAndHub(t *testing.T) {
	_, err := NewServer(Config{}, nil, NewHub(nil))
	assert.Error(t, err)
}

func TestHealthAndReady(t *testing.T) {
	store, err := db.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	srv, _ := newTestServer(t, WithStore(store), WithFailureLister(staticFailures{}))
	h := srv.Handler()

	rec := do(t, h, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	ready := decode[map[string]any](t, rec)
	assert.Equal(t, "ready", ready["status"])
	assert.EqualValues(t, 2, ready["persistence_pending"])
}

func TestOutcomesPromoteOverHTTP(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	approval := do(t, h, http.MethodPost, "/api/v1/autonomy/approval",
		autonomy.ActionContext{TenantID: "acme", ActionType: "outreach", Confidence: 0.9})
	require.Equal(t, http.StatusOK, approval.Code)
	assert.True(t, decode[ApprovalResponse](t, approval).RequiresApproval)

	var last OutcomeResponse
	for i := 0; i < 20; i++ {
		rec := do(t, h, http.MethodPost, "/api/v1/autonomy/acme/outreach/outcomes",
			OutcomeRequest{Agreed: true, Confidence: 0.9})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		last = decode[OutcomeResponse](t, rec)
	}
	require.NotNil(t, last.Transition)
	assert.Equal(t, autonomy.LevelSuggest, last.Transition.To)
	assert.Equal(t, autonomy.LevelSuggest, last.Level)
	assert.Equal(t, 20, last.Metrics.SampleCount)

	rec := do(t, h, http.MethodGet, "/api/v1/autonomy/acme/outreach/transitions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decode[map[string]any](t, rec)["count"])

	rec = do(t, h, http.MethodGet, "/api/v1/autonomy/acme/outreach/transitions?since=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/v1/autonomy/keys", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decode[map[string]any](t, rec)["count"])
}

func TestRecordOutcomeRejectsBadConfidence(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := do(t, srv.Handler(), http.MethodPost, "/api/v1/autonomy/acme/outreach/outcomes",
		OutcomeRequest{Agreed: true, Confidence: 1.5})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, ErrCodeInvalidRequest, decode[APIError](t, rec).Code)
}

func TestManualLevelChanges(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	rec := do(t, h, http.MethodPut, "/api/v1/autonomy/acme/outreach/level",
		map[string]string{"level": "CO_PILOT", "actor": "ops", "reason": "skip"})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "skipping a rung is rejected")

	rec = do(t, h, http.MethodPut, "/api/v1/autonomy/acme/outreach/level",
		map[string]string{"level": "suggest", "actor": "ops", "reason": "trial"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/api/v1/autonomy/acme/outreach/level", nil)
	assert.Equal(t, "SUGGEST", decode[map[string]any](t, rec)["level"])

	rec = do(t, h, http.MethodPost, "/api/v1/autonomy/acme/outreach/resume", ResumeRequest{Actor: "ops"})
	assert.Equal(t, http.StatusConflict, rec.Code, "key is not halted")
}

func TestShadowSessionOverHTTP(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	rec := do(t, h, http.MethodPost, "/api/v1/shadow/sessions", StartSessionRequest{TenantID: "acme", CaptureType: "outreach"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	sess := decode[shadow.Session](t, rec)

	rec = do(t, h, http.MethodPost, "/api/v1/shadow/sessions", StartSessionRequest{CaptureType: "outreach"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var firstInteraction string
	for i := 0; i < 3; i++ {
		rec = do(t, h, http.MethodPost, "/api/v1/shadow/sessions/"+sess.ID+"/interactions",
			CaptureRequest{HumanAction: shadow.Action{"tone": shadow.Category("warm")}})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		in := decode[shadow.Interaction](t, rec)
		if firstInteraction == "" {
			firstInteraction = in.ID
		}

		rec = do(t, h, http.MethodPost, "/api/v1/shadow/interactions/"+in.ID+"/alternative",
			AlternativeRequest{AgentAction: shadow.Action{"tone": shadow.Category("formal")}})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Zero(t, decode[shadow.ComparisonResult](t, rec).OverallAgreement)
	}

	rec = do(t, h, http.MethodPost, "/api/v1/shadow/interactions/"+firstInteraction+"/alternative",
		AlternativeRequest{AgentAction: shadow.Action{"tone": shadow.Category("warm")}})
	assert.Equal(t, http.StatusConflict, rec.Code, "a pair is compared once")

	rec = do(t, h, http.MethodGet, "/api/v1/shadow/sessions?tenant_id=acme", nil)
	assert.EqualValues(t, 1, decode[map[string]any](t, rec)["count"])

	rec = do(t, h, http.MethodPost, "/api/v1/shadow/sessions/"+sess.ID+"/end", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 3, decode[shadow.Stats](t, rec).TotalInteractions)

	rec = do(t, h, http.MethodGet, "/api/v1/shadow/sessions/"+sess.ID+"/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/v1/shadow/sessions/"+sess.ID+"/abort", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/v1/shadow/sessions/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/v1/learning/patterns?tenant_id=acme&status=pending", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct {
		Patterns []learning.Pattern `json:"patterns"`
	}](t, rec)
	require.Len(t, list.Patterns, 1)
	p := list.Patterns[0]
	assert.Equal(t, 3, p.SupportCount)

	rec = do(t, h, http.MethodPost, "/api/v1/learning/patterns/"+p.ID+"/review", ReviewRequest{Approved: true})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "reviewer is required")

	rec = do(t, h, http.MethodPost, "/api/v1/learning/patterns/"+p.ID+"/review", ReviewRequest{Approved: true, Reviewer: "dana"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, learning.StatusApproved, decode[ReviewResponse](t, rec).Pattern.Status)

	rec = do(t, h, http.MethodPost, "/api/v1/learning/patterns/"+p.ID+"/review", ReviewRequest{Approved: false, Reviewer: "dana"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/v1/learning/patterns/unknown", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/v1/learning/patterns?status=applied", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOperationsEndpoints(t *testing.T) {
	srv, _ := newTestServer(t, WithFailureLister(staticFailures{list: []persistence.StorageWriteFailure{
		{Kind: persistence.KindTransition, Key: "tr-1", Attempts: 5, Message: "database is locked"},
	}}))
	h := srv.Handler()

	rec := do(t, h, http.MethodGet, "/api/v1/persistence/failures", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.EqualValues(t, 1, body["count"])
	assert.EqualValues(t, 2, body["pending"])

	rec = do(t, h, http.MethodGet, "/api/v1/audit/events", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAuditEventsQuery(t *testing.T) {
	store, err := db.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for i, tenant := range []string{"acme", "acme", "globex"} {
		require.NoError(t, store.AppendAuditEvent(ctx, &db.AuditRecord{
			EventID:   "ev-" + string(rune('a'+i)),
			EventType: "autonomy_transition",
			Result:    "success",
			TenantID:  tenant,
			Metadata:  "{}",
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	srv, _ := newTestServer(t, WithStore(store))
	h := srv.Handler()

	rec := do(t, h, http.MethodGet, "/api/v1/audit/events?tenant_id=acme", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.EqualValues(t, 2, decode[map[string]any](t, rec)["count"])

	rec = do(t, h, http.MethodGet, "/api/v1/audit/events?limit=zero", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUnknownRouteAndMethod(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/api/v1/nothing", nil).Code)
	assert.Equal(t, http.StatusMethodNotAllowed, do(t, h, http.MethodDelete, "/api/v1/autonomy/keys", nil).Code)
}

func TestEventStream(t *testing.T) {
	srv, hub := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/events?topics=" + safety.TopicTransition
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	h := srv.Handler()
	rec := do(t, h, http.MethodPut, "/api/v1/autonomy/acme/outreach/level",
		map[string]string{"level": "SUGGEST", "actor": "ops", "reason": "trial"})
	require.Equal(t, http.StatusOK, rec.Code)
	hub.Publish("alert", map[string]string{"kind": "filtered out"})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev struct {
		Topic   string              `json:"topic"`
		Payload autonomy.Transition `json:"payload"`
	}
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, safety.TopicTransition, ev.Topic)
	assert.Equal(t, autonomy.LevelSuggest, ev.Payload.To)
	assert.Equal(t, autonomy.TriggerManual, ev.Payload.TriggeredBy)

	hub.Close()
	_, _, err = conn.ReadMessage()
	assert.Error(t, err, "closing the hub disconnects subscribers")
	assert.Zero(t, hub.ClientCount())
}

func TestRateLimitAndCorrelation(t *testing.T) {
	set, err := autonomy.ParsePolicy([]byte(testPolicy), "test")
	require.NoError(t, err)
	analyzer, err := learning.NewAnalyzer(learning.DefaultAnalyzerConfig())
	require.NoError(t, err)
	windows := outcomes.NewMemoryWindowStore(outcomes.WindowConfig{MaxSamples: 10})
	engine, err := safety.NewEngine(safety.Components{
		Controller: autonomy.NewAutonomyController(autonomy.NewMemoryStateStore(), outcomes.NewAggregator(windows), set),
		Shadow:     shadow.DefaultConfig(),
		Analyzer:   analyzer,
		Queue:      learning.NewQueue(),
	})
	require.NoError(t, err)
	srv, err := NewServer(Config{RateLimitPerMinute: 1, RateLimitBurst: 1}, engine, NewHub(nil))
	require.NoError(t, err)
	h := srv.Handler()

	rec := do(t, h, http.MethodGet, "/api/v1/autonomy/keys", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Correlation-ID"))
	assert.Equal(t, http.StatusTooManyRequests, do(t, h, http.MethodGet, "/api/v1/autonomy/keys", nil).Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/healthz", nil).Code, "health checks are not limited")
}
