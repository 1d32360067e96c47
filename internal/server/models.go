package server

import "github.com/storyforge/storyforge/internal/decompose"

// HTTPError is the unified error envelope.
type HTTPError struct {
	Error string `json:"error"`
}

type AuthSignupRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type AuthLoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type TokenResponse struct {
	Token string `json:"token"`
}

type DecomposeRequest struct {
	EpicID        string `json:"epic_id"`
	EpicText      string `json:"epic_text"`
	MaxStories    int    `json:"max_stories"`
	DryRun        bool   `json:"dry_run"`
	PromptVariant string `json:"prompt_variant,omitempty"`
}

type RegenerateRequest struct {
	StoryIndex int `json:"story_index"`
}

type CommitRequest struct {
	Stories []decompose.CandidateStory `json:"stories,omitempty"`
}

type CommitResponse struct {
	RunID           string   `json:"run_id"`
	CreatedIssueIDs []string `json:"created_issue_ids"`
	Committed       bool     `json:"committed"`
}

type FeedbackRequest struct {
	StoryIndex     int      `json:"story_index"`
	Rating         int      `json:"rating"`
	Comment        string   `json:"comment,omitempty"`
	EditedTitle    string   `json:"edited_title,omitempty"`
	EditedCriteria []string `json:"edited_criteria,omitempty"`
}
