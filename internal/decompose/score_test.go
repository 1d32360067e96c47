package decompose

import (
	"testing"

	"github.com/storyforge/storyforge/config"
)

func testScoringConfig() config.ScoringConfig {
	return config.ScoringConfig{
		DistinctnessWeight:    0.35,
		CriteriaDensityWeight: 0.25,
		StructureWeight:       0.25,
		WarningPenaltyWeight:  0.15,
		DuplicateThreshold:    0.85,
	}
}

func TestAggregateStaysInUnitInterval(t *testing.T) {
	s := NewScorer(testScoringConfig())
	warnings := make([]string, 0, 20)
	for i := 0; i < 20; i++ {
		warnings = append(warnings, "w")
	}
	cases := []struct {
		story CandidateStory
		sim   float64
	}{
		{CandidateStory{Title: "Perfect story", AcceptanceCriteria: []string{"a long enough criterion", "another long criterion"}}, 0},
		{CandidateStory{Title: "No criteria at all"}, 1},
		{CandidateStory{Title: "Heavily warned", AcceptanceCriteria: []string{"x"}, Warnings: warnings}, 1},
		{CandidateStory{Title: "This title has way more than twelve words in it which breaks the formatting expectation badly."}, 0.99},
	}
	for i, tc := range cases {
		q := s.Score(tc.story, tc.sim)
		if q.Aggregate < 0 || q.Aggregate > 1 {
			t.Fatalf("case %d: aggregate %v out of [0,1]", i, q.Aggregate)
		}
		for name, v := range map[string]float64{
			"distinctness": q.Distinctness, "criteria_density": q.CriteriaDensity,
			"structure": q.StructureScore, "warning_penalty": q.WarningPenalty,
		} {
			if v < 0 || v > 1 {
				t.Fatalf("case %d: %s %v out of [0,1]", i, name, v)
			}
		}
	}
}

func TestCriteriaDensityBand(t *testing.T) {
	cases := map[int]float64{0: 0, 1: 0.5, 2: 1, 4: 1, 6: 1, 9: 0.5, 12: 0}
	for n, want := range cases {
		if got := criteriaDensity(n); got != want {
			t.Fatalf("criteriaDensity(%d)=%v want %v", n, got, want)
		}
	}
}

func TestWarningPenaltyCapped(t *testing.T) {
	s := NewScorer(testScoringConfig())
	story := CandidateStory{Title: "T", AcceptanceCriteria: []string{"long enough criterion"}}
	story.Warnings = []string{"1", "2", "3", "4", "5", "6", "7"}
	q := s.Score(story, 0)
	if q.WarningPenalty != 1 {
		t.Fatalf("penalty should cap at 1, got %v", q.WarningPenalty)
	}
}

func TestDistinctnessFromSimilarity(t *testing.T) {
	s := NewScorer(testScoringConfig())
	q := s.Score(CandidateStory{Title: "T", AcceptanceCriteria: []string{"substantial criterion"}}, 0.9)
	if q.Distinctness < 0.099 || q.Distinctness > 0.101 {
		t.Fatalf("distinctness = %v, want ~0.1", q.Distinctness)
	}
}
