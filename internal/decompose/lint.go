package decompose

import (
	"fmt"
	"strings"
)

// minCriterionChars is the length under which a criterion is flagged as too
// thin to verify.
const minCriterionChars = 12

// vagueTerms are phrases that make a criterion untestable.
var vagueTerms = []string{
	"user friendly",
	"user-friendly",
	"intuitive",
	"fast",
	"easy to use",
	"seamless",
	"robust",
	"as appropriate",
	"etc",
	"and so on",
	"works well",
	"properly",
}

// LintCriteria flags style and quality issues on a story's criteria. All
// findings are non-fatal warnings that feed the quality score.
func LintCriteria(s CandidateStory) []string {
	var warnings []string

	n := len(s.AcceptanceCriteria)
	if n < 1 {
		warnings = append(warnings, "no acceptance criteria")
	} else if n > MaxCriteria {
		warnings = append(warnings, fmt.Sprintf("%d acceptance criteria exceeds %d", n, MaxCriteria))
	}

	for i, c := range s.AcceptanceCriteria {
		if len(c) < minCriterionChars {
			warnings = append(warnings, fmt.Sprintf("criterion %d too short to verify", i))
		}
		lower := strings.ToLower(c)
		for _, term := range vagueTerms {
			if strings.Contains(lower, term) {
				warnings = append(warnings, fmt.Sprintf("criterion %d uses vague term %q", i, term))
				break
			}
		}
	}
	return warnings
}
