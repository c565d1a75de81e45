package executor

import (
	"regexp"
	"strings"
)

// MaxRecommendations caps the recommendations kept per job.
const MaxRecommendations = 5

var (
	sentenceRE       = regexp.MustCompile(`[^.!?\n]+[.!?]?`)
	recommendationRE = regexp.MustCompile(`(?i)\b(recommend\w*|should|next steps?)\b`)
	bulletRE         = regexp.MustCompile(`^\s*(?:[-*•]|\d+[.)])\s*`)
)

// ExtractRecommendations returns sentences that read as recommendations,
// deduplicated case-insensitively and capped at MaxRecommendations.
func ExtractRecommendations(text string) []string {
	var found []string
	for _, s := range sentenceRE.FindAllString(text, -1) {
		s = strings.TrimSpace(bulletRE.ReplaceAllString(s, ""))
		if s == "" || !recommendationRE.MatchString(s) {
			continue
		}
		found = append(found, s)
	}
	return capRecommendations(found)
}

func capRecommendations(in []string) []string {
	out := make([]string, 0, MaxRecommendations)
	seen := make(map[string]struct{}, len(in))
	for _, r := range in {
		r = strings.TrimSpace(r)
		key := strings.ToLower(r)
		if r == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, r)
		if len(out) == MaxRecommendations {
			break
		}
	}
	return out
}
