package decompose

import (
	"fmt"
	"sort"
	"strings"
)

// DefaultPromptVariant is used when a request does not name one.
const DefaultPromptVariant = "v1"

// PromptTemplate is an immutable instruction template. Runs reference a
// variant id; template text is never embedded inline in run records.
type PromptTemplate struct {
	ID           string
	Version      int
	Instructions string
}

var promptRegistry = map[string]PromptTemplate{
	"v1": {
		ID:      "v1",
		Version: 1,
		Instructions: strings.TrimSpace(`
You are a senior product analyst decomposing an epic into user stories.
Respond with ONLY a JSON array of objects, no prose, no code fences.
Each object has exactly two keys:
  "title": a concise story title of at most 12 words
  "acceptance_criteria": an array of 2 to 6 short, testable criteria
Rules:
- Produce at most %MAX% stories.
- Every story must be independently deliverable.
- Titles must be unique and must not restate the epic verbatim.
`),
	},
	"v2-strict": {
		ID:      "v2-strict",
		Version: 1,
		Instructions: strings.TrimSpace(`
Decompose the epic below into user stories. Output a raw JSON array only.
Schema per element: {"title": string, "acceptance_criteria": [string, ...]}.
Hard limits: at most %MAX% stories; 2 to 6 acceptance criteria per story;
titles at most 12 words. Criteria must be verifiable, one behavior each.
No markdown, no commentary, no trailing text after the closing bracket.
`),
	},
}

// LookupPromptVariant resolves a variant id, falling back to the default.
// Unknown ids are a caller error.
func LookupPromptVariant(id string) (PromptTemplate, error) {
	if id == "" {
		id = DefaultPromptVariant
	}
	tpl, ok := promptRegistry[id]
	if !ok {
		return PromptTemplate{}, fmt.Errorf("unknown prompt variant %q", id)
	}
	return tpl, nil
}

// PromptVariants lists registered variant ids in stable order.
func PromptVariants() []string {
	ids := make([]string, 0, len(promptRegistry))
	for id := range promptRegistry {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ComposePrompt builds the full-epic decomposition prompt. Deterministic
// given identical inputs.
func ComposePrompt(tpl PromptTemplate, req DecompositionRequest, sibling ContextBlock) string {
	var b strings.Builder
	b.WriteString(strings.ReplaceAll(tpl.Instructions, "%MAX%", fmt.Sprintf("%d", req.MaxStories)))
	b.WriteString("\n\nEPIC:\n")
	b.WriteString(strings.TrimSpace(req.EpicText))
	b.WriteString("\n")
	if !sibling.Empty() {
		b.WriteString("\nEXISTING STORIES UNDER THIS EPIC (do not duplicate these):\n")
		b.WriteString(sibling.Text)
	}
	return b.String()
}

// ComposeRegenerationPrompt builds the single-story prompt. The model is told
// to produce exactly one replacement and to avoid the current title, the
// other stories in the run, and the sibling context.
func ComposeRegenerationPrompt(tpl PromptTemplate, epicText string, current CandidateStory, others []CandidateStory, sibling ContextBlock) string {
	var b strings.Builder
	b.WriteString(strings.ReplaceAll(tpl.Instructions, "%MAX%", "1"))
	b.WriteString("\nProduce exactly ONE replacement story as a JSON array with a single element.\n")
	b.WriteString("\nEPIC:\n")
	b.WriteString(strings.TrimSpace(epicText))
	b.WriteString("\n\nREPLACE this story with a materially different one:\n")
	b.WriteString("- " + current.Title + "\n")
	for _, c := range current.AcceptanceCriteria {
		b.WriteString("  * " + c + "\n")
	}
	if len(others) > 0 {
		b.WriteString("\nKEEP CLEAR of the other stories in this set:\n")
		for _, s := range others {
			b.WriteString("- " + s.Title + "\n")
		}
	}
	if !sibling.Empty() {
		b.WriteString("\nEXISTING STORIES UNDER THIS EPIC (do not duplicate these):\n")
		b.WriteString(sibling.Text)
	}
	return b.String()
}

// maxPromptChars is the length at which a composed prompt is flagged risky.
const maxPromptChars = 8000

var emphasisTokens = []string{"VERY", "MUST", "ALWAYS", "NEVER"}

// LintPrompt reports risk flags for a composed prompt. Heavy emphasis tokens
// and oversized prompts correlate with degraded model compliance; flags are
// informational warnings, never fatal.
func LintPrompt(prompt string) []string {
	var flags []string
	for _, tok := range emphasisTokens {
		n := strings.Count(prompt, tok)
		if n >= 3 {
			flags = append(flags, fmt.Sprintf("prompt uses emphasis token %q %d times", tok, n))
		}
	}
	if len(prompt) > maxPromptChars {
		flags = append(flags, fmt.Sprintf("prompt length %d exceeds %d chars", len(prompt), maxPromptChars))
	}
	return flags
}
