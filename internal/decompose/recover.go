package decompose

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Repair stages in attempt order. Each stage runs only after the prior one
// failed; a stage-0 success is used verbatim.
const (
	StageDirect      = 0
	StageBalance     = 1
	StageBulletLists = 2
	StageFailed      = 3
)

type repairStage func(string) ([]RawStory, bool)

var repairCascade = []repairStage{
	recoverDirect,
	recoverBalanced,
	recoverBullets,
}

// RecoverStories extracts a structured story payload from raw model text via
// the staged repair cascade. The returned stage identifies which repair
// produced the payload. Unrecoverable text yields MalformedResponseError with
// the raw text preserved.
func RecoverStories(raw string) ([]RawStory, int, error) {
	for stage, fn := range repairCascade {
		if stories, ok := fn(raw); ok {
			return stories, stage, nil
		}
	}
	return nil, StageFailed, &MalformedResponseError{Raw: raw}
}

// rawStoryJSON tolerates acceptance_criteria arriving as either an array of
// strings or a single newline-joined string.
type rawStoryJSON struct {
	Title              string          `json:"title"`
	AcceptanceCriteria json.RawMessage `json:"acceptance_criteria"`
}

func (r rawStoryJSON) toRawStory() RawStory {
	out := RawStory{Title: r.Title}
	if len(r.AcceptanceCriteria) == 0 {
		return out
	}
	var list []string
	if err := json.Unmarshal(r.AcceptanceCriteria, &list); err == nil {
		out.AcceptanceCriteria = list
		return out
	}
	var single string
	if err := json.Unmarshal(r.AcceptanceCriteria, &single); err == nil {
		out.AcceptanceCriteria = []string{single}
	}
	return out
}

func parseStoryArray(s string) ([]RawStory, bool) {
	var items []rawStoryJSON
	if err := json.Unmarshal([]byte(s), &items); err != nil {
		return nil, false
	}
	out := make([]RawStory, 0, len(items))
	for _, it := range items {
		out = append(out, it.toRawStory())
	}
	return out, true
}

var fenceRe = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")

// extractFirstArray returns the first top-level JSON array in the text,
// stripping markdown fences and surrounding prose first.
func extractFirstArray(raw string) (string, bool) {
	s := raw
	if m := fenceRe.FindStringSubmatch(s); m != nil {
		s = m[1]
	}
	start := strings.Index(s, "[")
	if start < 0 {
		return "", false
	}
	depth := 0
	inStr := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inStr {
			if escaped {
				escaped = false
			} else if c == '\\' {
				escaped = true
			} else if c == '"' {
				inStr = false
			}
			continue
		}
		switch c {
		case '"':
			inStr = true
		case '[', '{':
			depth++
		case ']', '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	// Unterminated array; hand the open fragment to the balance stage.
	return "", false
}

// recoverDirect strips fences and surrounding prose, then attempts a direct
// structural parse.
func recoverDirect(raw string) ([]RawStory, bool) {
	if frag, ok := extractFirstArray(raw); ok {
		return parseStoryArray(frag)
	}
	return nil, false
}

// recoverBalanced handles truncated output: it trims back to the end of the
// last complete element, closes the array, and reparses.
func recoverBalanced(raw string) ([]RawStory, bool) {
	s := raw
	if m := fenceRe.FindStringSubmatch(s); m != nil {
		s = m[1]
	}
	start := strings.Index(s, "[")
	if start < 0 {
		return nil, false
	}
	s = s[start:]

	lastComplete := -1
	depth := 0
	inStr := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inStr {
			if escaped {
				escaped = false
			} else if c == '\\' {
				escaped = true
			} else if c == '"' {
				inStr = false
			}
			continue
		}
		switch c {
		case '"':
			inStr = true
		case '[', '{':
			depth++
		case '}':
			depth--
			if depth == 1 {
				lastComplete = i
			}
		case ']':
			depth--
		}
	}
	if lastComplete < 0 {
		return nil, false
	}
	return parseStoryArray(s[:lastComplete+1] + "]")
}

var (
	topBulletRe = regexp.MustCompile(`^(?:[-*\x{2022}]|\d+[.)])\s+(.+)$`)
	subBulletRe = regexp.MustCompile(`^\s+(?:[-*\x{2022}]|[a-z\d]+[.)])\s+(.+)$`)
)

// recoverBullets reconstructs stories from bullet or numbered-list prose:
// unindented items become titles, indented items become their criteria.
func recoverBullets(raw string) ([]RawStory, bool) {
	var stories []RawStory
	for _, line := range strings.Split(raw, "\n") {
		if m := topBulletRe.FindStringSubmatch(line); m != nil {
			stories = append(stories, RawStory{Title: strings.TrimSpace(m[1])})
			continue
		}
		if m := subBulletRe.FindStringSubmatch(line); m != nil && len(stories) > 0 {
			last := &stories[len(stories)-1]
			last.AcceptanceCriteria = append(last.AcceptanceCriteria, strings.TrimSpace(m[1]))
		}
	}
	if len(stories) == 0 {
		return nil, false
	}
	return stories, true
}
