package decompose

import (
	"strings"

	"github.com/storyforge/storyforge/config"
)

// Scorer computes the composite per-story quality score. Weights come from
// configuration so experiments can rebalance without a deploy.
type Scorer struct {
	weights config.ScoringConfig
}

// NewScorer builds a scorer from the configured weights.
func NewScorer(cfg config.ScoringConfig) *Scorer {
	return &Scorer{weights: cfg}
}

// Score recomputes the quality score for a story. maxSimilarity is the
// highest duplicate similarity seen for this story, or 0 when none.
func (s *Scorer) Score(story CandidateStory, maxSimilarity float64) QualityScore {
	q := QualityScore{
		Distinctness:    clamp01(1 - maxf(maxSimilarity, 0)),
		CriteriaDensity: criteriaDensity(len(story.AcceptanceCriteria)),
		StructureScore:  structureScore(story),
		WarningPenalty:  minf(1, float64(len(story.Warnings))/5),
	}
	q.Aggregate = clamp01(
		s.weights.DistinctnessWeight*q.Distinctness +
			s.weights.CriteriaDensityWeight*q.CriteriaDensity +
			s.weights.StructureWeight*q.StructureScore -
			s.weights.WarningPenaltyWeight*q.WarningPenalty)
	return q
}

// criteriaDensity peaks at 1.0 for counts in [2,6] and decays linearly
// outside that band.
func criteriaDensity(n int) float64 {
	switch {
	case n <= 0:
		return 0
	case n < 2:
		return float64(n) / 2
	case n <= 6:
		return 1
	default:
		return clamp01(1 - float64(n-6)/6)
	}
}

// structureScore is the fraction of formatting expectations the story meets.
func structureScore(s CandidateStory) float64 {
	checks := []bool{
		len(strings.Fields(s.Title)) <= 12,
		!strings.HasSuffix(strings.TrimSpace(s.Title), "."),
		len(s.AcceptanceCriteria) >= 1,
		allCriteriaSubstantive(s.AcceptanceCriteria),
	}
	met := 0
	for _, ok := range checks {
		if ok {
			met++
		}
	}
	return float64(met) / float64(len(checks))
}

func allCriteriaSubstantive(criteria []string) bool {
	if len(criteria) == 0 {
		return false
	}
	for _, c := range criteria {
		if len(c) < minCriterionChars {
			return false
		}
	}
	return true
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
