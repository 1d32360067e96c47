package decompose

import (
	"strings"
	"testing"
)

func TestLintFlagsVagueTerms(t *testing.T) {
	s := CandidateStory{
		Title: "Improve settings page",
		AcceptanceCriteria: []string{
			"The page loads within 200ms at p95",
			"The layout is user friendly and intuitive",
		},
	}
	warnings := LintCriteria(s)
	found := false
	for _, w := range warnings {
		if strings.Contains(w, "vague term") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected vague-term warning, got %v", warnings)
	}
}

func TestLintFlagsShortCriteria(t *testing.T) {
	s := CandidateStory{Title: "T", AcceptanceCriteria: []string{"too short"}}
	warnings := LintCriteria(s)
	if len(warnings) == 0 || !strings.Contains(warnings[0], "too short") {
		t.Fatalf("expected short-criterion warning, got %v", warnings)
	}
}

func TestLintFlagsMissingCriteria(t *testing.T) {
	warnings := LintCriteria(CandidateStory{Title: "T"})
	if len(warnings) != 1 || warnings[0] != "no acceptance criteria" {
		t.Fatalf("got %v", warnings)
	}
}

func TestLintCleanStoryHasNoWarnings(t *testing.T) {
	s := CandidateStory{
		Title: "Send weekly digest email",
		AcceptanceCriteria: []string{
			"Digest is sent every Monday at 09:00 account-local time",
			"Unsubscribed users are excluded from delivery",
		},
	}
	if warnings := LintCriteria(s); len(warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", warnings)
	}
}
