// Package store persists runs, feedback and quota counters in Postgres.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/storyforge/storyforge/internal/decompose"
)

type Store struct {
	DB *sql.DB
}

// New wraps an open database handle.
func New(db *sql.DB) *Store { return &Store{DB: db} }

// Open connects to Postgres and verifies the connection.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{DB: db}, nil
}

// User operations

func (s *Store) CreateUser(ctx context.Context, email, hash string) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO users (email, password_hash) VALUES ($1,$2)`, email, hash)
	return err
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (id string, hash string, err error) {
	err = s.DB.QueryRowContext(ctx, `SELECT id, password_hash FROM users WHERE email=$1`, email).Scan(&id, &hash)
	return
}

// Run operations

// CreateRun persists a terminal run and returns its id.
func (s *Store) CreateRun(ctx context.Context, run decompose.AgentRun) (string, error) {
	storiesB, err := json.Marshal(run.Stories)
	if err != nil {
		return "", fmt.Errorf("marshal stories: %w", err)
	}
	warningsB, err := json.Marshal(run.Warnings)
	if err != nil {
		return "", fmt.Errorf("marshal warnings: %w", err)
	}
	var id string
	err = s.DB.QueryRowContext(ctx, `
INSERT INTO agent_runs (epic_id, epic_text, prompt_version, prompt_variant, model, status, input_tokens, output_tokens, latency_ms, cost_estimate, stories, warnings, error)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
RETURNING id`,
		run.EpicID, run.EpicText, run.PromptVersion, run.PromptVariant, run.Model, run.Status,
		run.InputTokens, run.OutputTokens, run.LatencyMS, run.CostEstimate,
		storiesB, warningsB, nullableString(run.Error)).Scan(&id)
	if err != nil {
		return "", err
	}
	return id, nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

const runColumns = `id, epic_id, epic_text, prompt_version, prompt_variant, model, status, input_tokens, output_tokens, latency_ms, cost_estimate, stories, warnings, committed, created_issue_ids, error, created_at, updated_at`

func scanRun(row interface{ Scan(...interface{}) error }) (decompose.AgentRun, error) {
	var (
		r                   decompose.AgentRun
		storiesB, warningsB []byte
		issueIDs            pq.StringArray
		errMsg              sql.NullString
	)
	if err := row.Scan(&r.ID, &r.EpicID, &r.EpicText, &r.PromptVersion, &r.PromptVariant, &r.Model, &r.Status,
		&r.InputTokens, &r.OutputTokens, &r.LatencyMS, &r.CostEstimate,
		&storiesB, &warningsB, &r.Committed, &issueIDs, &errMsg, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return decompose.AgentRun{}, err
	}
	if len(storiesB) > 0 {
		if err := json.Unmarshal(storiesB, &r.Stories); err != nil {
			return decompose.AgentRun{}, fmt.Errorf("unmarshal stories: %w", err)
		}
	}
	if len(warningsB) > 0 {
		if err := json.Unmarshal(warningsB, &r.Warnings); err != nil {
			return decompose.AgentRun{}, fmt.Errorf("unmarshal warnings: %w", err)
		}
	}
	r.CreatedIssueIDs = issueIDs
	if errMsg.Valid {
		r.Error = errMsg.String
	}
	return r, nil
}

// GetRun reads a run back by id. Unknown ids map to decompose.ErrNotFound.
func (s *Store) GetRun(ctx context.Context, runID string) (decompose.AgentRun, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM agent_runs WHERE id=$1`, runID)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return decompose.AgentRun{}, decompose.ErrNotFound
	}
	return r, err
}

// ListRuns returns all runs for an epic, newest first.
func (s *Store) ListRuns(ctx context.Context, epicID string) ([]decompose.AgentRun, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+runColumns+` FROM agent_runs WHERE epic_id=$1 ORDER BY created_at DESC`, epicID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []decompose.AgentRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ReplaceStory atomically swaps one story within a run and bumps
// prompt_version. The row is locked for the duration so concurrent readers
// never observe a partially written story list.
func (s *Store) ReplaceStory(ctx context.Context, runID string, index int, story decompose.CandidateStory) (int, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var storiesB []byte
	var version int
	err = tx.QueryRowContext(ctx, `SELECT stories, prompt_version FROM agent_runs WHERE id=$1 FOR UPDATE`, runID).Scan(&storiesB, &version)
	if err == sql.ErrNoRows {
		return 0, decompose.ErrNotFound
	}
	if err != nil {
		return 0, err
	}

	var stories []decompose.CandidateStory
	if err := json.Unmarshal(storiesB, &stories); err != nil {
		return 0, fmt.Errorf("unmarshal stories: %w", err)
	}
	if index < 0 || index >= len(stories) {
		return 0, decompose.ErrNotFound
	}
	stories[index] = story

	updated, err := json.Marshal(stories)
	if err != nil {
		return 0, fmt.Errorf("marshal stories: %w", err)
	}
	version++
	if _, err := tx.ExecContext(ctx, `UPDATE agent_runs SET stories=$2, prompt_version=$3, updated_at=NOW() WHERE id=$1`, runID, updated, version); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return version, nil
}

// MarkCommitted stamps the run committed with its created item ids. The
// guarded WHERE keeps a double commit from overwriting the original ids.
func (s *Store) MarkCommitted(ctx context.Context, runID string, issueIDs []string) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE agent_runs SET committed=true, created_issue_ids=$2, updated_at=NOW() WHERE id=$1 AND committed=false`,
		runID, pq.Array(issueIDs))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return decompose.ErrNotFound
	}
	return nil
}

// Feedback operations

func (s *Store) InsertFeedback(ctx context.Context, fb decompose.Feedback) error {
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO feedback (run_id, story_index, rating, edit_distance_title, edit_distance_criteria, comment)
VALUES ($1,$2,$3,$4,$5,$6)`,
		fb.RunID, fb.StoryIndex, fb.Rating, fb.EditDistanceTitle, fb.EditDistanceCriteria, nullableString(fb.Comment))
	return err
}

// FeedbackStats aggregates ratings and edit distances over a trailing window.
func (s *Store) FeedbackStats(ctx context.Context, days int) (decompose.FeedbackStats, error) {
	var stats decompose.FeedbackStats
	stats.WindowDays = days
	stats.RatingDistribution = make(map[int]int)

	var avgRating, avgTitle, avgCriteria sql.NullFloat64
	err := s.DB.QueryRowContext(ctx, `
SELECT COUNT(*), AVG(rating), AVG(edit_distance_title), AVG(edit_distance_criteria)
FROM feedback WHERE recorded_at >= NOW() - ($1 || ' days')::interval`,
		days).Scan(&stats.Count, &avgRating, &avgTitle, &avgCriteria)
	if err != nil {
		return stats, err
	}
	stats.AvgRating = avgRating.Float64
	stats.AvgEditDistanceTitle = avgTitle.Float64
	stats.AvgEditDistanceCriteria = avgCriteria.Float64

	rows, err := s.DB.QueryContext(ctx, `
SELECT rating, COUNT(*) FROM feedback
WHERE recorded_at >= NOW() - ($1 || ' days')::interval
GROUP BY rating`, days)
	if err != nil {
		return stats, err
	}
	defer rows.Close()
	for rows.Next() {
		var rating, count int
		if err := rows.Scan(&rating, &count); err != nil {
			return stats, err
		}
		stats.RatingDistribution[rating] = count
	}
	return stats, rows.Err()
}

// Quota counters

// BumpQuota increments the counter for a scope and returns the new count.
// Expired windows restart at 1 with the supplied reset time. The upsert
// mutates under row-level locking so concurrent bumps serialize.
func (s *Store) BumpQuota(ctx context.Context, scope string, resetAt time.Time) (int, error) {
	var count int
	err := s.DB.QueryRowContext(ctx, `
INSERT INTO regeneration_quotas (scope, count, reset_at) VALUES ($1, 1, $2)
ON CONFLICT (scope) DO UPDATE SET
  count = CASE WHEN regeneration_quotas.reset_at <= NOW() THEN 1 ELSE regeneration_quotas.count + 1 END,
  reset_at = CASE WHEN regeneration_quotas.reset_at <= NOW() THEN EXCLUDED.reset_at ELSE regeneration_quotas.reset_at END
RETURNING count`, scope, resetAt).Scan(&count)
	return count, err
}

// QuotaCount reads the live counter for a scope. Missing or expired rows
// count as zero.
func (s *Store) QuotaCount(ctx context.Context, scope string) (int, time.Time, error) {
	var count int
	var resetAt time.Time
	err := s.DB.QueryRowContext(ctx, `SELECT count, reset_at FROM regeneration_quotas WHERE scope=$1`, scope).Scan(&count, &resetAt)
	if err == sql.ErrNoRows {
		return 0, time.Time{}, nil
	}
	if err != nil {
		return 0, time.Time{}, err
	}
	if !resetAt.After(time.Now()) {
		return 0, resetAt, nil
	}
	return count, resetAt, nil
}

// ReleaseQuota hands back one unit when a regeneration fails after the
// guardrail consumed it.
func (s *Store) ReleaseQuota(ctx context.Context, scope string) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE regeneration_quotas SET count = GREATEST(count - 1, 0) WHERE scope=$1`, scope)
	return err
}
