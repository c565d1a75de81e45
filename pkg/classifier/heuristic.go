package classifier

import (
	"strings"

	"foreman/pkg/persistence"
)

var typeAdjust = map[persistence.IssueType]int{ //nolint:gochecknoglobals
	persistence.IssueTypeBug:        1,
	persistence.IssueTypeDeployment: 1,
	persistence.IssueTypeFeature:    1,
	persistence.IssueTypeQuestion:   -1,
}

// Each hit adds one.
var complexKeywords = []string{ //nolint:gochecknoglobals
	"architecture", "migration", "performance", "security", "integration",
	"webhook", "payment", "database", "concurrency",
}

// Each hit subtracts one.
var cosmeticKeywords = []string{ //nolint:gochecknoglobals
	"typo", "color", "css", "copy", "wording", "spelling", "padding", "font",
}

// heuristicComplexity scores an issue from its type and keywords, clamped to 1..10.
func heuristicComplexity(issue *persistence.Issue) int {
	score := baseComplexity + typeAdjust[issue.Type]
	text := strings.ToLower(issue.Title + " " + issue.Description + " " + issue.Context.ErrorText)
	for _, k := range complexKeywords {
		if strings.Contains(text, k) {
			score++
		}
	}
	for _, k := range cosmeticKeywords {
		if strings.Contains(text, k) {
			score--
		}
	}
	return clamp(score, 1, 10)
}
