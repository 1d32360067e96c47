package decompose

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// maxTitleChars bounds a normalized title. Overlong titles are truncated,
// not dropped.
const maxTitleChars = 200

// NormalizeStories enforces the story schema over recovered payloads:
// drops items without a title (warning, not fatal), flattens newline-joined
// criteria, trims and caps fields, dedups titles case-insensitively with the
// first occurrence winning, and truncates to maxStories. An empty result is
// legal.
func NormalizeStories(raw []RawStory, maxStories int) ([]CandidateStory, []string) {
	var warnings []string
	seen := make(map[string]bool)
	out := make([]CandidateStory, 0, len(raw))

	for i, rs := range raw {
		title := strings.TrimSpace(rs.Title)
		if title == "" {
			warnings = append(warnings, fmt.Sprintf("dropped item %d: missing title", i))
			continue
		}
		if utf8.RuneCountInString(title) > maxTitleChars {
			runes := []rune(title)
			title = strings.TrimSpace(string(runes[:maxTitleChars]))
		}
		key := strings.ToLower(title)
		if seen[key] {
			warnings = append(warnings, fmt.Sprintf("dropped duplicate title %q", title))
			continue
		}

		criteria := normalizeCriteria(rs.AcceptanceCriteria)
		if len(criteria) > MaxCriteria {
			warnings = append(warnings, fmt.Sprintf("story %q: criteria capped at %d", title, MaxCriteria))
			criteria = criteria[:MaxCriteria]
		}

		seen[key] = true
		out = append(out, CandidateStory{
			Index:              len(out),
			Title:              title,
			AcceptanceCriteria: criteria,
		})
	}

	if len(out) > maxStories {
		warnings = append(warnings, fmt.Sprintf("truncated %d stories to max_stories=%d", len(out), maxStories))
		out = out[:maxStories]
	}
	return out, warnings
}

// normalizeCriteria flattens newline-joined criteria strings, trims each
// entry and drops empties. Order is preserved.
func normalizeCriteria(in []string) []string {
	var out []string
	for _, c := range in {
		for _, part := range strings.Split(c, "\n") {
			part = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(part), "-*• "))
			if part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
