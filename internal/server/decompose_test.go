package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/storyforge/storyforge/config"
	"github.com/storyforge/storyforge/internal/decompose"
	"github.com/storyforge/storyforge/internal/embedding"
	"github.com/storyforge/storyforge/internal/runtime"
	"github.com/storyforge/storyforge/internal/ticketing"
)

type fakeLedger struct {
	runs map[string]decompose.AgentRun
	seq  int
}

func (f *fakeLedger) CreateRun(ctx context.Context, run decompose.AgentRun) (string, error) {
	f.seq++
	id := fmt.Sprintf("run-%d", f.seq)
	run.ID = id
	f.runs[id] = run
	return id, nil
}

func (f *fakeLedger) GetRun(ctx context.Context, runID string) (decompose.AgentRun, error) {
	run, ok := f.runs[runID]
	if !ok {
		return decompose.AgentRun{}, decompose.ErrNotFound
	}
	return run, nil
}

func (f *fakeLedger) ListRuns(ctx context.Context, epicID string) ([]decompose.AgentRun, error) {
	var out []decompose.AgentRun
	for _, r := range f.runs {
		if r.EpicID == epicID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeLedger) ReplaceStory(ctx context.Context, runID string, index int, story decompose.CandidateStory) (int, error) {
	run, ok := f.runs[runID]
	if !ok || index < 0 || index >= len(run.Stories) {
		return 0, decompose.ErrNotFound
	}
	run.Stories[index] = story
	run.PromptVersion++
	f.runs[runID] = run
	return run.PromptVersion, nil
}

func (f *fakeLedger) MarkCommitted(ctx context.Context, runID string, issueIDs []string) error {
	run, ok := f.runs[runID]
	if !ok || run.Committed {
		return decompose.ErrNotFound
	}
	run.Committed = true
	run.CreatedIssueIDs = issueIDs
	f.runs[runID] = run
	return nil
}

func (f *fakeLedger) InsertFeedback(ctx context.Context, fb decompose.Feedback) error { return nil }

func (f *fakeLedger) FeedbackStats(ctx context.Context, days int) (decompose.FeedbackStats, error) {
	return decompose.FeedbackStats{WindowDays: days, RatingDistribution: map[int]int{}}, nil
}

type fakeQuota struct{ exhausted bool }

func (q *fakeQuota) Consume(ctx context.Context, runID string) error {
	if q.exhausted {
		return &decompose.QuotaExceededError{Scope: "run:" + runID, Count: 20, Limit: 20, ResetAt: time.Now().Add(time.Hour)}
	}
	return nil
}
func (q *fakeQuota) Release(ctx context.Context, runID string) {}
func (q *fakeQuota) Remaining(ctx context.Context, runID string) (decompose.QuotaRemaining, error) {
	return decompose.QuotaRemaining{PerRun: 20, PerDay: 100}, nil
}

type fakeLocker struct{}

func (fakeLocker) Acquire(ctx context.Context, runID string) (func(), error) {
	return func() {}, nil
}

type fakeTickets struct{ createCalls int }

func (t *fakeTickets) FetchChildren(ctx context.Context, epicID string) ([]ticketing.ChildItem, error) {
	return nil, nil
}

func (t *fakeTickets) CreateItems(ctx context.Context, items []ticketing.NewItem) ([]string, error) {
	t.createCalls++
	ids := make([]string, len(items))
	for i := range items {
		ids[i] = fmt.Sprintf("STORY-%d", i+1)
	}
	return ids, nil
}

var testSecret = []byte("handler-test-secret")

func testHandler(t *testing.T, ledger *fakeLedger, quota *fakeQuota, tickets *fakeTickets) *echo.Echo {
	t.Helper()
	cfg := &config.Config{
		Scoring: config.ScoringConfig{
			DistinctnessWeight: 0.35, CriteriaDensityWeight: 0.25,
			StructureWeight: 0.25, WarningPenaltyWeight: 0.15, DuplicateThreshold: 0.85,
		},
		Guardrails: config.GuardrailsConfig{PerRunLimit: 20, DailyLimit: 100},
	}
	embedder := embedding.NewAdapter(nil, config.EmbeddingConfig{Dimensions: 64}, nil)
	pipeline := decompose.NewPipeline(cfg, nil, ledger, quota, fakeLocker{}, tickets, embedder, nil)

	e := echo.New()
	h := &DecomposeHandler{Pipeline: pipeline}
	h.Register(e.Group("/api/v1"), testSecret)
	return e
}

func authedRequest(t *testing.T, method, target, body string) *http.Request {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	tok, err := runtime.SignJWT("user-1", testSecret, time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	return req
}

func TestDecomposeRequiresAuth(t *testing.T) {
	e := testHandler(t, &fakeLedger{runs: map[string]decompose.AgentRun{}}, &fakeQuota{}, &fakeTickets{})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/decompose", strings.NewReader(`{}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestDecomposeDryRunEndpoint(t *testing.T) {
	e := testHandler(t, &fakeLedger{runs: map[string]decompose.AgentRun{}}, &fakeQuota{}, &fakeTickets{})
	body := `{"epic_id":"E-1","epic_text":"Build an audit log viewer","max_stories":4,"dry_run":true}`
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, authedRequest(t, http.MethodPost, "/api/v1/decompose", body))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	var run decompose.AgentRun
	if err := json.Unmarshal(rec.Body.Bytes(), &run); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if run.ID != "" {
		t.Fatalf("dry run returned persisted id %q", run.ID)
	}
	if len(run.Stories) == 0 {
		t.Fatalf("dry run returned no stories")
	}
}

func TestDecomposeRejectsBadBounds(t *testing.T) {
	e := testHandler(t, &fakeLedger{runs: map[string]decompose.AgentRun{}}, &fakeQuota{}, &fakeTickets{})
	body := `{"epic_id":"E-1","epic_text":"x","max_stories":1}`
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, authedRequest(t, http.MethodPost, "/api/v1/decompose", body))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestGetRunNotFoundMapsTo404(t *testing.T) {
	e := testHandler(t, &fakeLedger{runs: map[string]decompose.AgentRun{}}, &fakeQuota{}, &fakeTickets{})
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, authedRequest(t, http.MethodGet, "/api/v1/runs/missing", ""))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func seededLedger() *fakeLedger {
	return &fakeLedger{runs: map[string]decompose.AgentRun{
		"run-1": {
			ID: "run-1", EpicID: "E-1", EpicText: "epic", PromptVersion: 1,
			Status: decompose.RunStatusSucceeded,
			Stories: []decompose.CandidateStory{
				{Index: 0, Title: "First story", AcceptanceCriteria: []string{"criterion"}},
				{Index: 1, Title: "Second story", AcceptanceCriteria: []string{"criterion"}},
			},
		},
	}}
}

func TestRegenerateQuotaMapsTo429(t *testing.T) {
	e := testHandler(t, seededLedger(), &fakeQuota{exhausted: true}, &fakeTickets{})
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, authedRequest(t, http.MethodPost, "/api/v1/runs/run-1/regenerate", `{"story_index":0}`))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
}

func TestCommitEndpointIdempotent(t *testing.T) {
	tickets := &fakeTickets{}
	e := testHandler(t, seededLedger(), &fakeQuota{}, tickets)

	var first CommitResponse
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, authedRequest(t, http.MethodPost, "/api/v1/runs/run-1/commit", `{}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("first commit status = %d body=%s", rec.Code, rec.Body.String())
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &first); err != nil {
		t.Fatal(err)
	}
	if !first.Committed || len(first.CreatedIssueIDs) != 2 {
		t.Fatalf("first commit: %+v", first)
	}

	var second CommitResponse
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, authedRequest(t, http.MethodPost, "/api/v1/runs/run-1/commit", `{}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("second commit status = %d", rec.Code)
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &second); err != nil {
		t.Fatal(err)
	}
	if tickets.createCalls != 1 {
		t.Fatalf("items created %d times", tickets.createCalls)
	}
	if strings.Join(second.CreatedIssueIDs, ",") != strings.Join(first.CreatedIssueIDs, ",") {
		t.Fatalf("second commit returned different ids")
	}
}

func TestCommitAfterRegenerateConflictMapsTo409(t *testing.T) {
	ledger := seededLedger()
	run := ledger.runs["run-1"]
	run.Committed = true
	ledger.runs["run-1"] = run

	e := testHandler(t, ledger, &fakeQuota{}, &fakeTickets{})
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, authedRequest(t, http.MethodPost, "/api/v1/runs/run-1/regenerate", `{"story_index":0}`))
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestEstimateEndpoint(t *testing.T) {
	e := testHandler(t, seededLedger(), &fakeQuota{}, &fakeTickets{})
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, authedRequest(t, http.MethodGet, "/api/v1/runs/run-1/regenerate/estimate?story_index=1", ""))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	var est decompose.RegenerationEstimate
	if err := json.Unmarshal(rec.Body.Bytes(), &est); err != nil {
		t.Fatal(err)
	}
	if est.TokenEstimate <= 0 || est.Quota.PerRun != 20 {
		t.Fatalf("estimate: %+v", est)
	}
}

func TestPromptVariantsEndpoint(t *testing.T) {
	e := testHandler(t, seededLedger(), &fakeQuota{}, &fakeTickets{})
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, authedRequest(t, http.MethodGet, "/api/v1/prompt-variants", ""))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "v1") {
		t.Fatalf("variants missing v1: %s", rec.Body.String())
	}
}
