// Package decompose turns an epic description into a bounded, de-duplicated
// set of candidate stories with acceptance criteria, scores them, and keeps
// the run ledger consistent across regeneration, commit and feedback.
package decompose

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/storyforge/storyforge/config"
	"github.com/storyforge/storyforge/internal/embedding"
	"github.com/storyforge/storyforge/internal/llm"
	"github.com/storyforge/storyforge/internal/telemetry"
	"github.com/storyforge/storyforge/internal/textdist"
	"github.com/storyforge/storyforge/internal/ticketing"
)

// Ledger is the persistence behind runs and feedback.
type Ledger interface {
	CreateRun(ctx context.Context, run AgentRun) (string, error)
	GetRun(ctx context.Context, runID string) (AgentRun, error)
	ListRuns(ctx context.Context, epicID string) ([]AgentRun, error)
	ReplaceStory(ctx context.Context, runID string, index int, story CandidateStory) (int, error)
	MarkCommitted(ctx context.Context, runID string, issueIDs []string) error
	InsertFeedback(ctx context.Context, fb Feedback) error
	FeedbackStats(ctx context.Context, days int) (FeedbackStats, error)
}

// QuotaKeeper enforces regeneration quotas. Consume claims a unit or rejects
// with QuotaExceededError before any external call.
type QuotaKeeper interface {
	Consume(ctx context.Context, runID string) error
	Release(ctx context.Context, runID string)
	Remaining(ctx context.Context, runID string) (QuotaRemaining, error)
}

// Locker grants exclusive sections keyed by run id.
type Locker interface {
	Acquire(ctx context.Context, runID string) (release func(), err error)
}

// Pipeline executes decomposition runs end to end.
type Pipeline struct {
	cfg      *config.Config
	provider llm.Provider
	ledger   Ledger
	quotas   QuotaKeeper
	locks    Locker
	tickets  ticketing.Client
	contextb *ContextBuilder
	embedder *embedding.Adapter
	scorer   *Scorer
	logger   *log.Logger
}

// NewPipeline wires a pipeline. provider may be nil; dry runs then fall back
// to deterministic stub stories and real runs fail with ConfigurationError.
func NewPipeline(cfg *config.Config, provider llm.Provider, ledger Ledger, quotas QuotaKeeper, locks Locker, tickets ticketing.Client, embedder *embedding.Adapter, logger *log.Logger) *Pipeline {
	if logger == nil {
		logger = log.New(log.Writer(), "[PIPELINE] ", log.LstdFlags)
	}
	return &Pipeline{
		cfg:      cfg,
		provider: provider,
		ledger:   ledger,
		quotas:   quotas,
		locks:    locks,
		tickets:  tickets,
		contextb: NewContextBuilder(tickets, logger),
		embedder: embedder,
		scorer:   NewScorer(cfg.Scoring),
		logger:   logger,
	}
}

func (p *Pipeline) decomposeModel() string {
	if m := p.cfg.LLM.Routing.Decompose; m != "" {
		return m
	}
	return p.cfg.LLM.Routing.Fallback
}

func (p *Pipeline) regenerateModel() string {
	if m := p.cfg.LLM.Routing.Regenerate; m != "" {
		return m
	}
	return p.cfg.LLM.Routing.Fallback
}

// Decompose runs the full pipeline for one epic. Dry runs execute every
// stage but are not persisted and carry an empty run id.
func (p *Pipeline) Decompose(ctx context.Context, req DecompositionRequest) (AgentRun, error) {
	if err := req.Validate(); err != nil {
		return AgentRun{}, err
	}
	tpl, err := LookupPromptVariant(req.PromptVariant)
	if err != nil {
		return AgentRun{}, err
	}

	run := AgentRun{
		EpicID:        req.EpicID,
		EpicText:      req.EpicText,
		PromptVersion: 1,
		PromptVariant: tpl.ID,
		Model:         p.decomposeModel(),
		Status:        RunStatusPending,
		CreatedAt:     time.Now(),
	}

	sibling := p.contextb.Build(ctx, req.EpicID)
	prompt := ComposePrompt(tpl, req, sibling)
	run.Warnings = append(run.Warnings, LintPrompt(prompt)...)

	raw, genErr := p.generate(ctx, &run, prompt, run.Model, req)
	if genErr != nil {
		return p.failRun(ctx, run, req.DryRun, genErr)
	}

	stories, stage, recErr := RecoverStories(raw)
	telemetry.RepairStage.WithLabelValues(strconv.Itoa(stage)).Inc()
	if recErr != nil {
		return p.failRun(ctx, run, req.DryRun, recErr)
	}
	if stage > StageDirect {
		run.Warnings = append(run.Warnings, fmt.Sprintf("response repaired at stage %d", stage))
	}

	candidates, warnings := NormalizeStories(stories, req.MaxStories)
	run.Warnings = append(run.Warnings, warnings...)
	for i := range candidates {
		candidates[i].Warnings = append(candidates[i].Warnings, LintCriteria(candidates[i])...)
	}

	cache := embedding.NewCache(p.embedder)
	detector := NewDuplicateDetector(cache, p.cfg.Scoring.DuplicateThreshold)
	candidates, err = detector.Detect(ctx, candidates, sibling.Items)
	if err != nil {
		return p.failRun(ctx, run, req.DryRun, err)
	}

	for i := range candidates {
		sim := 0.0
		if candidates[i].Duplicate != nil {
			sim = candidates[i].Duplicate.Similarity
		}
		candidates[i].Quality = p.scorer.Score(candidates[i], sim)
	}

	run.Stories = candidates
	run.Status = RunStatusSucceeded
	run.UpdatedAt = time.Now()
	telemetry.RunsTotal.WithLabelValues(RunStatusSucceeded).Inc()

	if req.DryRun {
		return run, nil
	}
	id, err := p.ledger.CreateRun(ctx, run)
	if err != nil {
		return AgentRun{}, fmt.Errorf("persist run: %w", err)
	}
	run.ID = id
	return run, nil
}

// generate performs the single generation round trip and folds usage into
// the run. With no provider, dry runs get deterministic stub output.
func (p *Pipeline) generate(ctx context.Context, run *AgentRun, prompt, model string, req DecompositionRequest) (string, error) {
	if p.provider == nil {
		if req.DryRun {
			run.Model = "stub"
			return stubResponse(req), nil
		}
		return "", &ConfigurationError{Reason: "no generation provider configured"}
	}

	res, err := p.provider.GenerateWithTokens(ctx, prompt, model)
	if err != nil {
		if errors.Is(err, llm.ErrNotConfigured) {
			return "", &ConfigurationError{Reason: err.Error()}
		}
		return "", &TransportError{Op: "generation", Err: err}
	}
	run.InputTokens += res.InputTokens
	run.OutputTokens += res.OutputTokens
	run.LatencyMS += res.LatencyMS
	run.CostEstimate += res.CostEstimate

	telemetry.GenerationLatency.Observe(float64(res.LatencyMS) / 1000)
	telemetry.TokensTotal.WithLabelValues("input").Add(float64(res.InputTokens))
	telemetry.TokensTotal.WithLabelValues("output").Add(float64(res.OutputTokens))
	telemetry.CostTotal.Add(res.CostEstimate)
	return res.Text, nil
}

// failRun records a FAILED run with no story list and returns the original
// error. Dry runs are not persisted.
func (p *Pipeline) failRun(ctx context.Context, run AgentRun, dryRun bool, cause error) (AgentRun, error) {
	run.Status = RunStatusFailed
	run.Stories = nil
	run.Error = cause.Error()
	run.UpdatedAt = time.Now()
	telemetry.RunsTotal.WithLabelValues(RunStatusFailed).Inc()

	var merr *MalformedResponseError
	if errors.As(cause, &merr) {
		p.logger.Printf("unrecoverable model output for epic %s (%d bytes): %.512s", run.EpicID, len(merr.Raw), merr.Raw)
	}

	if !dryRun {
		if id, err := p.ledger.CreateRun(ctx, run); err != nil {
			p.logger.Printf("persist failed run for epic %s: %v", run.EpicID, err)
		} else {
			run.ID = id
		}
	}
	return run, cause
}

// stubResponse produces a deterministic decomposition used for dry runs when
// no provider is configured, so the rest of the pipeline stays exercisable.
func stubResponse(req DecompositionRequest) string {
	words := strings.Fields(req.EpicText)
	subject := strings.Join(words[:minInt(8, len(words))], " ")
	titles := []string{
		"Define scope and constraints for " + subject,
		"Implement core flow for " + subject,
		"Verify and document " + subject,
	}
	stories := make([]RawStory, 0, len(titles))
	for _, t := range titles {
		stories = append(stories, RawStory{
			Title: t,
			AcceptanceCriteria: []string{
				fmt.Sprintf("Outcome of %s is reviewable by a teammate", t),
				"Behavior is covered by an automated check",
			},
		})
	}
	b, err := json.Marshal(stories)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// Regenerate re-runs the pipeline for a single story index. The quota is
// consumed before the per-run lock and any external call; failures release
// the unit and leave the run untouched.
func (p *Pipeline) Regenerate(ctx context.Context, runID string, storyIndex int) (AgentRun, error) {
	if err := p.quotas.Consume(ctx, runID); err != nil {
		var qe *QuotaExceededError
		if errors.As(err, &qe) {
			telemetry.QuotaRejections.WithLabelValues(scopeKind(qe.Scope)).Inc()
		}
		return AgentRun{}, err
	}

	release, err := p.locks.Acquire(ctx, runID)
	if err != nil {
		p.quotas.Release(ctx, runID)
		return AgentRun{}, fmt.Errorf("acquire run lock: %w", err)
	}
	defer release()

	run, err := p.regenerateLocked(ctx, runID, storyIndex)
	if err != nil {
		p.quotas.Release(ctx, runID)
		telemetry.RegenerationsTotal.WithLabelValues("failed").Inc()
		return AgentRun{}, err
	}
	telemetry.RegenerationsTotal.WithLabelValues("succeeded").Inc()
	return run, nil
}

func (p *Pipeline) regenerateLocked(ctx context.Context, runID string, storyIndex int) (AgentRun, error) {
	run, err := p.ledger.GetRun(ctx, runID)
	if err != nil {
		return AgentRun{}, err
	}
	if run.Committed {
		return AgentRun{}, &ConflictError{RunID: runID, CreatedIssueIDs: run.CreatedIssueIDs}
	}
	if storyIndex < 0 || storyIndex >= len(run.Stories) {
		return AgentRun{}, ErrNotFound
	}
	current := run.Stories[storyIndex]
	others := make([]CandidateStory, 0, len(run.Stories)-1)
	for _, s := range run.Stories {
		if s.Index != storyIndex {
			others = append(others, s)
		}
	}

	tpl, err := LookupPromptVariant(run.PromptVariant)
	if err != nil {
		tpl, _ = LookupPromptVariant("")
	}
	sibling := p.contextb.Build(ctx, run.EpicID)
	prompt := ComposeRegenerationPrompt(tpl, run.EpicText, current, others, sibling)

	if p.provider == nil {
		return AgentRun{}, &ConfigurationError{Reason: "no generation provider configured"}
	}
	res, err := p.provider.GenerateWithTokens(ctx, prompt, p.regenerateModel())
	if err != nil {
		if errors.Is(err, llm.ErrNotConfigured) {
			return AgentRun{}, &ConfigurationError{Reason: err.Error()}
		}
		return AgentRun{}, &TransportError{Op: "regeneration", Err: err}
	}
	telemetry.GenerationLatency.Observe(float64(res.LatencyMS) / 1000)
	telemetry.TokensTotal.WithLabelValues("input").Add(float64(res.InputTokens))
	telemetry.TokensTotal.WithLabelValues("output").Add(float64(res.OutputTokens))
	telemetry.CostTotal.Add(res.CostEstimate)

	raw, stage, err := RecoverStories(res.Text)
	telemetry.RepairStage.WithLabelValues(strconv.Itoa(stage)).Inc()
	if err != nil {
		return AgentRun{}, err
	}
	normalized, _ := NormalizeStories(raw, 1)
	if len(normalized) == 0 {
		return AgentRun{}, &MalformedResponseError{Raw: res.Text}
	}

	story := normalized[0]
	story.Index = storyIndex
	story.Warnings = append(story.Warnings, LintCriteria(story)...)

	cache := embedding.NewCache(p.embedder)
	detector := NewDuplicateDetector(cache, p.cfg.Scoring.DuplicateThreshold)
	match, err := detector.DetectOne(ctx, story, others, sibling.Items)
	if err != nil {
		return AgentRun{}, err
	}
	story.Duplicate = match
	sim := 0.0
	if match != nil {
		sim = match.Similarity
		story.Warnings = append(story.Warnings,
			fmt.Sprintf("near-duplicate of %s %q (similarity %.2f)", match.Kind, match.Title, match.Similarity))
	}
	story.Quality = p.scorer.Score(story, sim)

	version, err := p.ledger.ReplaceStory(ctx, runID, storyIndex, story)
	if err != nil {
		return AgentRun{}, err
	}
	run.Stories[storyIndex] = story
	run.PromptVersion = version
	run.InputTokens += res.InputTokens
	run.OutputTokens += res.OutputTokens
	run.CostEstimate += res.CostEstimate
	run.UpdatedAt = time.Now()
	return run, nil
}

func scopeKind(scope string) string {
	if strings.HasPrefix(scope, "day:") {
		return "day"
	}
	return "run"
}

// EstimateRegeneration projects token and dollar cost of regenerating one
// story plus the remaining quota, without consuming anything.
func (p *Pipeline) EstimateRegeneration(ctx context.Context, runID string, storyIndex int) (RegenerationEstimate, error) {
	run, err := p.ledger.GetRun(ctx, runID)
	if err != nil {
		return RegenerationEstimate{}, err
	}
	if storyIndex < 0 || storyIndex >= len(run.Stories) {
		return RegenerationEstimate{}, ErrNotFound
	}
	current := run.Stories[storyIndex]
	others := make([]CandidateStory, 0, len(run.Stories)-1)
	for _, s := range run.Stories {
		if s.Index != storyIndex {
			others = append(others, s)
		}
	}

	tpl, err := LookupPromptVariant(run.PromptVariant)
	if err != nil {
		tpl, _ = LookupPromptVariant("")
	}
	prompt := ComposeRegenerationPrompt(tpl, run.EpicText, current, others, ContextBlock{})

	// Output estimate mirrors the size of the story being replaced.
	inputTokens := llm.EstimateTokens(prompt)
	outputTokens := llm.EstimateTokens(StoryEmbedText(current)) + 64

	est := RegenerationEstimate{TokenEstimate: inputTokens + outputTokens}
	if p.provider != nil {
		est.CostEstimate = p.provider.CalculateCost(inputTokens, outputTokens, p.regenerateModel())
	}
	quota, err := p.quotas.Remaining(ctx, runID)
	if err != nil {
		return RegenerationEstimate{}, err
	}
	est.Quota = quota
	return est, nil
}

// maxSearchBlob caps the per-item search text sent to the ticketing system.
const maxSearchBlob = 512

// Commit materializes the run's stories as ticketing items, stamping each
// with run-id+index provenance. Idempotent per run: a repeat commit returns
// the original created ids and creates nothing.
func (p *Pipeline) Commit(ctx context.Context, runID string, stories []CandidateStory) (AgentRun, error) {
	release, err := p.locks.Acquire(ctx, runID)
	if err != nil {
		return AgentRun{}, fmt.Errorf("acquire run lock: %w", err)
	}
	defer release()

	run, err := p.ledger.GetRun(ctx, runID)
	if err != nil {
		return AgentRun{}, err
	}
	if run.Committed {
		return run, nil
	}
	if run.Status != RunStatusSucceeded {
		return AgentRun{}, fmt.Errorf("run %s is %s, only successful runs commit", runID, run.Status)
	}
	if len(stories) == 0 {
		stories = run.Stories
	}
	if len(stories) == 0 {
		return AgentRun{}, fmt.Errorf("run %s has no stories to commit", runID)
	}

	items := make([]ticketing.NewItem, 0, len(stories))
	for _, s := range stories {
		blob := StoryEmbedText(s)
		if len(blob) > maxSearchBlob {
			blob = blob[:maxSearchBlob]
		}
		items = append(items, ticketing.NewItem{
			EpicID:             run.EpicID,
			Title:              s.Title,
			AcceptanceCriteria: s.AcceptanceCriteria,
			Provenance:         fmt.Sprintf("%s#%d", runID, s.Index),
			SearchBlob:         blob,
		})
	}

	ids, err := p.tickets.CreateItems(ctx, items)
	if err != nil {
		return AgentRun{}, &TransportError{Op: "ticketing commit", Err: err}
	}
	if err := p.ledger.MarkCommitted(ctx, runID, ids); err != nil {
		return AgentRun{}, fmt.Errorf("mark committed: %w", err)
	}
	run.Committed = true
	run.CreatedIssueIDs = ids
	run.UpdatedAt = time.Now()
	return run, nil
}

// FeedbackInput carries one rating plus any user edits made before commit.
type FeedbackInput struct {
	RunID          string
	StoryIndex     int
	Rating         int
	Comment        string
	EditedTitle    string
	EditedCriteria []string
}

// SubmitFeedback appends a feedback record with edit distances computed
// against the originally generated text.
func (p *Pipeline) SubmitFeedback(ctx context.Context, in FeedbackInput) (Feedback, error) {
	if in.Rating < 1 || in.Rating > 5 {
		return Feedback{}, fmt.Errorf("rating must be in [1,5]")
	}
	run, err := p.ledger.GetRun(ctx, in.RunID)
	if err != nil {
		return Feedback{}, err
	}
	if in.StoryIndex < 0 || in.StoryIndex >= len(run.Stories) {
		return Feedback{}, ErrNotFound
	}
	original := run.Stories[in.StoryIndex]

	fb := Feedback{
		RunID:      in.RunID,
		StoryIndex: in.StoryIndex,
		Rating:     in.Rating,
		Comment:    in.Comment,
		RecordedAt: time.Now(),
	}
	if in.EditedTitle != "" {
		fb.EditDistanceTitle = textdist.Levenshtein(original.Title, in.EditedTitle)
	}
	if in.EditedCriteria != nil {
		fb.EditDistanceCriteria = textdist.Levenshtein(
			strings.Join(original.AcceptanceCriteria, "\n"),
			strings.Join(in.EditedCriteria, "\n"))
	}
	if err := p.ledger.InsertFeedback(ctx, fb); err != nil {
		return Feedback{}, fmt.Errorf("insert feedback: %w", err)
	}
	return fb, nil
}

// GetRun reads one run back from the ledger.
func (p *Pipeline) GetRun(ctx context.Context, runID string) (AgentRun, error) {
	return p.ledger.GetRun(ctx, runID)
}

// ListRuns lists all runs for an epic, newest first.
func (p *Pipeline) ListRuns(ctx context.Context, epicID string) ([]AgentRun, error) {
	return p.ledger.ListRuns(ctx, epicID)
}

// FeedbackMetrics aggregates feedback over a trailing window. days defaults
// to 30 and is capped at a year.
func (p *Pipeline) FeedbackMetrics(ctx context.Context, days int) (FeedbackStats, error) {
	if days <= 0 {
		days = 30
	}
	if days > 365 {
		days = 365
	}
	return p.ledger.FeedbackStats(ctx, days)
}
