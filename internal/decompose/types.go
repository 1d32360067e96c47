package decompose

import (
	"fmt"
	"strings"
	"time"
)

// Run statuses persisted in the ledger.
const (
	RunStatusPending   = "PENDING"
	RunStatusSucceeded = "SUCCEEDED"
	RunStatusFailed    = "FAILED"
)

// Story count bounds for a decomposition request.
const (
	MinStories = 3
	MaxStories = 12
)

// MaxCriteria caps acceptance criteria per story after normalization.
const MaxCriteria = 12

// DecompositionRequest describes one decomposition attempt. Immutable.
type DecompositionRequest struct {
	EpicID        string `json:"epic_id"`
	EpicText      string `json:"epic_text"`
	MaxStories    int    `json:"max_stories"`
	DryRun        bool   `json:"dry_run"`
	PromptVariant string `json:"prompt_variant,omitempty"`
}

// Validate checks request bounds before any work is done.
func (r DecompositionRequest) Validate() error {
	if strings.TrimSpace(r.EpicID) == "" {
		return fmt.Errorf("epic_id required")
	}
	if strings.TrimSpace(r.EpicText) == "" {
		return fmt.Errorf("epic_text required")
	}
	if r.MaxStories < MinStories || r.MaxStories > MaxStories {
		return fmt.Errorf("max_stories must be in [%d,%d]", MinStories, MaxStories)
	}
	return nil
}

// RawStory is the recoverer's output: structure extracted from model text,
// not yet validated or normalized.
type RawStory struct {
	Title              string   `json:"title"`
	AcceptanceCriteria []string `json:"acceptance_criteria"`
}

// QualityScore is the composite per-story score. All sub-scores live in [0,1]
// and the aggregate is recomputed on every mutation.
type QualityScore struct {
	Distinctness    float64 `json:"distinctness"`
	CriteriaDensity float64 `json:"criteria_density"`
	StructureScore  float64 `json:"structure_score"`
	WarningPenalty  float64 `json:"warning_penalty"`
	Aggregate       float64 `json:"aggregate"`
}

// Duplicate match kinds.
const (
	MatchKindSibling  = "sibling"
	MatchKindExisting = "existing"
)

// DuplicateMatch records the single highest near-duplicate for a story.
// It exists only when similarity clears the configured threshold.
type DuplicateMatch struct {
	Kind       string  `json:"kind"` // sibling or existing
	Ref        string  `json:"ref"`  // sibling index or existing item id
	Title      string  `json:"title"`
	Similarity float64 `json:"similarity"`
}

// CandidateStory is one generated unit of work within a run. The index is
// stable for the life of the run; only a regeneration targeting that index
// may replace the story.
type CandidateStory struct {
	Index              int             `json:"index"`
	Title              string          `json:"title"`
	AcceptanceCriteria []string        `json:"acceptance_criteria"`
	Warnings           []string        `json:"warnings,omitempty"`
	Quality            QualityScore    `json:"quality"`
	Duplicate          *DuplicateMatch `json:"duplicate,omitempty"`
}

// AgentRun is one decomposition attempt with its story set, metrics and
// terminal status.
type AgentRun struct {
	ID              string           `json:"run_id"`
	EpicID          string           `json:"epic_id"`
	EpicText        string           `json:"epic_text,omitempty"`
	PromptVersion   int              `json:"prompt_version"`
	PromptVariant   string           `json:"prompt_variant,omitempty"`
	Model           string           `json:"model"`
	Status          string           `json:"status"`
	InputTokens     int64            `json:"input_tokens"`
	OutputTokens    int64            `json:"output_tokens"`
	LatencyMS       int64            `json:"latency_ms"`
	CostEstimate    float64          `json:"cost_estimate"`
	Stories         []CandidateStory `json:"stories"`
	Warnings        []string         `json:"warnings,omitempty"`
	Committed       bool             `json:"committed"`
	CreatedIssueIDs []string         `json:"created_issue_ids,omitempty"`
	Error           string           `json:"error,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// QuotaRemaining reports unused regeneration quota on both scopes.
type QuotaRemaining struct {
	PerRun  int       `json:"per_run"`
	PerDay  int       `json:"per_day"`
	ResetAt time.Time `json:"reset_at"`
}

// RegenerationEstimate projects the cost of a regeneration without running it.
type RegenerationEstimate struct {
	TokenEstimate int64          `json:"token_estimate"`
	CostEstimate  float64        `json:"cost_estimate"`
	Quota         QuotaRemaining `json:"quota_remaining"`
}

// FeedbackStats aggregates feedback over a trailing window of days.
type FeedbackStats struct {
	WindowDays              int         `json:"window_days"`
	Count                   int         `json:"count"`
	AvgRating               float64     `json:"avg_rating"`
	AvgEditDistanceTitle    float64     `json:"avg_edit_distance_title"`
	AvgEditDistanceCriteria float64     `json:"avg_edit_distance_criteria"`
	RatingDistribution      map[int]int `json:"rating_distribution"`
}

// Feedback is one append-only rating record for a story within a run.
type Feedback struct {
	RunID                string    `json:"run_id"`
	StoryIndex           int       `json:"story_index"`
	Rating               int       `json:"rating"`
	EditDistanceTitle    int       `json:"edit_distance_title"`
	EditDistanceCriteria int       `json:"edit_distance_criteria"`
	Comment              string    `json:"comment,omitempty"`
	RecordedAt           time.Time `json:"recorded_at"`
}
