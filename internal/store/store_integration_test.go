package store_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	tcPostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/storyforge/storyforge/internal/decompose"
	"github.com/storyforge/storyforge/internal/store"
)

func TestStoreAgainstPostgres(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	pgC, err := tcPostgres.RunContainer(ctx,
		tcPostgres.WithDatabase("storyforge"),
		tcPostgres.WithUsername("storyforge"),
		tcPostgres.WithPassword("storyforge"),
		testcontainers.WithWaitStrategy(wait.ForListeningPort("5432/tcp")),
	)
	if err != nil {
		t.Fatalf("postgres container: %v", err)
	}
	defer func() { _ = pgC.Terminate(ctx) }()

	host, err := pgC.Host(ctx)
	if err != nil {
		t.Fatalf("postgres host: %v", err)
	}
	port, err := pgC.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("postgres port: %v", err)
	}

	dsn := fmt.Sprintf("postgres://storyforge:storyforge@%s:%s/storyforge?sslmode=disable", host, port.Port())
	if err := applySchema(ctx, dsn); err != nil {
		t.Fatalf("apply schema: %v", err)
	}

	st, err := store.Open(dsn)
	if err != nil {
		t.Fatalf("store init: %v", err)
	}
	defer st.DB.Close()

	runID, err := st.CreateRun(ctx, decompose.AgentRun{
		EpicID:        "E-1",
		EpicText:      "Add in-app notifications so users see updates without email",
		PromptVersion: 1,
		PromptVariant: "v1",
		Model:         "gpt-4o-mini",
		Status:        decompose.RunStatusSucceeded,
		InputTokens:   1200,
		OutputTokens:  400,
		LatencyMS:     2100,
		CostEstimate:  0.004,
		Stories: []decompose.CandidateStory{
			{Index: 0, Title: "Show a notification bell", AcceptanceCriteria: []string{"Bell displays unread count"}},
			{Index: 1, Title: "Persist read state", AcceptanceCriteria: []string{"Read state survives reload"}},
		},
		Warnings: []string{"response repaired at stage 1"},
	})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}

	run, err := st.GetRun(ctx, runID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if len(run.Stories) != 2 || run.Stories[1].Title != "Persist read state" {
		t.Fatalf("stories round trip: %+v", run.Stories)
	}
	if run.InputTokens != 1200 || run.Warnings[0] != "response repaired at stage 1" {
		t.Fatalf("run round trip: %+v", run)
	}

	version, err := st.ReplaceStory(ctx, runID, 1, decompose.CandidateStory{
		Index: 1, Title: "Persist read state per device", AcceptanceCriteria: []string{"Read state survives reload", "State syncs across tabs"},
	})
	if err != nil {
		t.Fatalf("replace story: %v", err)
	}
	if version != 2 {
		t.Fatalf("version = %d, want 2", version)
	}
	run, _ = st.GetRun(ctx, runID)
	if run.Stories[0].Title != "Show a notification bell" {
		t.Fatalf("untouched story mutated")
	}
	if run.Stories[1].Title != "Persist read state per device" {
		t.Fatalf("replacement not persisted")
	}

	if err := st.MarkCommitted(ctx, runID, []string{"STORY-10", "STORY-11"}); err != nil {
		t.Fatalf("mark committed: %v", err)
	}
	if err := st.MarkCommitted(ctx, runID, []string{"STORY-99"}); !errors.Is(err, decompose.ErrNotFound) {
		t.Fatalf("double commit should touch no rows, got %v", err)
	}
	run, _ = st.GetRun(ctx, runID)
	if len(run.CreatedIssueIDs) != 2 || run.CreatedIssueIDs[0] != "STORY-10" {
		t.Fatalf("original ids overwritten: %+v", run.CreatedIssueIDs)
	}

	runs, err := st.ListRuns(ctx, "E-1")
	if err != nil || len(runs) != 1 {
		t.Fatalf("list runs: %v %d", err, len(runs))
	}

	if err := st.InsertFeedback(ctx, decompose.Feedback{RunID: runID, StoryIndex: 0, Rating: 4, EditDistanceTitle: 3}); err != nil {
		t.Fatalf("insert feedback: %v", err)
	}
	stats, err := st.FeedbackStats(ctx, 30)
	if err != nil {
		t.Fatalf("feedback stats: %v", err)
	}
	if stats.Count != 1 || stats.RatingDistribution[4] != 1 {
		t.Fatalf("stats: %+v", stats)
	}

	scope := "run:" + runID
	resetAt := time.Now().Add(24 * time.Hour)
	for i := 1; i <= 3; i++ {
		n, err := st.BumpQuota(ctx, scope, resetAt)
		if err != nil {
			t.Fatalf("bump %d: %v", i, err)
		}
		if n != i {
			t.Fatalf("bump %d returned %d", i, n)
		}
	}
	if err := st.ReleaseQuota(ctx, scope); err != nil {
		t.Fatalf("release: %v", err)
	}
	n, _, err := st.QuotaCount(ctx, scope)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Fatalf("count after release = %d, want 2", n)
	}

	// Expired windows restart at 1.
	expired := "day:2000-01-01"
	if _, err := st.BumpQuota(ctx, expired, time.Now().Add(-time.Hour)); err != nil {
		t.Fatalf("seed expired: %v", err)
	}
	n, err = st.BumpQuota(ctx, expired, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("bump expired: %v", err)
	}
	if n != 1 {
		t.Fatalf("expired window should restart at 1, got %d", n)
	}
}

func applySchema(ctx context.Context, dsn string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	schemaSQL := `
CREATE EXTENSION IF NOT EXISTS pgcrypto;

CREATE TABLE IF NOT EXISTS users (
  id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
  email TEXT UNIQUE NOT NULL,
  password_hash TEXT NOT NULL,
  created_at TIMESTAMPTZ DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS agent_runs (
  id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
  epic_id TEXT NOT NULL,
  epic_text TEXT NOT NULL DEFAULT '',
  prompt_version INTEGER NOT NULL DEFAULT 1,
  prompt_variant TEXT NOT NULL DEFAULT 'v1',
  model TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL,
  input_tokens BIGINT NOT NULL DEFAULT 0,
  output_tokens BIGINT NOT NULL DEFAULT 0,
  latency_ms BIGINT NOT NULL DEFAULT 0,
  cost_estimate DOUBLE PRECISION NOT NULL DEFAULT 0,
  stories JSONB NOT NULL DEFAULT '[]'::jsonb,
  warnings JSONB NOT NULL DEFAULT '[]'::jsonb,
  committed BOOLEAN NOT NULL DEFAULT FALSE,
  created_issue_ids TEXT[],
  error TEXT,
  created_at TIMESTAMPTZ DEFAULT NOW(),
  updated_at TIMESTAMPTZ DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS feedback (
  id BIGSERIAL PRIMARY KEY,
  run_id UUID NOT NULL REFERENCES agent_runs(id) ON DELETE CASCADE,
  story_index INTEGER NOT NULL,
  rating INTEGER NOT NULL CHECK (rating BETWEEN 1 AND 5),
  edit_distance_title INTEGER NOT NULL DEFAULT 0,
  edit_distance_criteria INTEGER NOT NULL DEFAULT 0,
  comment TEXT,
  recorded_at TIMESTAMPTZ DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS regeneration_quotas (
  scope TEXT PRIMARY KEY,
  count INTEGER NOT NULL DEFAULT 0,
  reset_at TIMESTAMPTZ NOT NULL
);
`
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
