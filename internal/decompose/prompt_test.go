package decompose

import (
	"strings"
	"testing"

	"github.com/storyforge/storyforge/internal/ticketing"
)

func TestComposePromptIsDeterministic(t *testing.T) {
	tpl, err := LookupPromptVariant("")
	if err != nil {
		t.Fatalf("LookupPromptVariant: %v", err)
	}
	req := DecompositionRequest{EpicID: "E-1", EpicText: "Add in-app notifications", MaxStories: 4}
	sibling := ContextBlock{Text: "- Existing story :: first criterion\n"}

	a := ComposePrompt(tpl, req, sibling)
	b := ComposePrompt(tpl, req, sibling)
	if a != b {
		t.Fatalf("prompt not deterministic")
	}
	if !strings.Contains(a, "at most 4 stories") {
		t.Fatalf("max stories not substituted:\n%s", a)
	}
}

func TestComposePromptIncludesSiblingAvoidance(t *testing.T) {
	tpl, _ := LookupPromptVariant("")
	req := DecompositionRequest{EpicID: "E-1", EpicText: "epic", MaxStories: 3}

	sibling := ContextBlock{
		Text:  "- User receives email notifications\n",
		Items: []ticketing.ChildItem{{ID: "i1", Title: "User receives email notifications"}},
	}
	withCtx := ComposePrompt(tpl, req, sibling)
	if !strings.Contains(withCtx, "do not duplicate these") {
		t.Fatalf("avoidance block missing:\n%s", withCtx)
	}
	if !strings.Contains(withCtx, "User receives email notifications") {
		t.Fatalf("sibling title missing from prompt")
	}

	without := ComposePrompt(tpl, req, ContextBlock{})
	if strings.Contains(without, "do not duplicate these") {
		t.Fatalf("avoidance block present with empty context")
	}
}

func TestLookupPromptVariantUnknown(t *testing.T) {
	if _, err := LookupPromptVariant("nope"); err == nil {
		t.Fatalf("expected error for unknown variant")
	}
}

func TestComposeRegenerationPromptAvoidsCurrent(t *testing.T) {
	tpl, _ := LookupPromptVariant("")
	current := CandidateStory{Index: 1, Title: "Old title", AcceptanceCriteria: []string{"old criterion"}}
	others := []CandidateStory{{Index: 0, Title: "Keep me"}}
	prompt := ComposeRegenerationPrompt(tpl, "the epic text", current, others, ContextBlock{})
	for _, want := range []string{"Old title", "old criterion", "Keep me", "exactly ONE replacement"} {
		if !strings.Contains(prompt, want) {
			t.Fatalf("prompt missing %q:\n%s", want, prompt)
		}
	}
}

func TestLintPromptFlagsLengthAndEmphasis(t *testing.T) {
	long := strings.Repeat("MUST do the thing. ", 500)
	flags := LintPrompt(long)
	var hasLen, hasTok bool
	for _, f := range flags {
		if strings.Contains(f, "exceeds") {
			hasLen = true
		}
		if strings.Contains(f, "MUST") {
			hasTok = true
		}
	}
	if !hasLen || !hasTok {
		t.Fatalf("expected length and emphasis flags, got %v", flags)
	}
}

func TestLintPromptQuietOnNormalPrompt(t *testing.T) {
	tpl, _ := LookupPromptVariant("")
	req := DecompositionRequest{EpicID: "E", EpicText: "small epic", MaxStories: 3}
	if flags := LintPrompt(ComposePrompt(tpl, req, ContextBlock{})); len(flags) != 0 {
		t.Fatalf("unexpected flags: %v", flags)
	}
}
