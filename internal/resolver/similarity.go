package resolver

import (
	"strings"

	"github.com/scrypster/castlist/pkg/types"
)

// Similarity score tiers.
const (
	ScoreIdentical   = 100 // equal ignoring case
	ScoreContains    = 85  // one name contains the other
	ScoreSharedToken = 70  // at least one whitespace-separated word in common
	ScoreNone        = 0
)

// Similarity scores how likely a and b name the same character.
func Similarity(a, b string) int {
	a = strings.ToLower(strings.TrimSpace(a))
	b = strings.ToLower(strings.TrimSpace(b))
	if a == "" || b == "" {
		return ScoreNone
	}
	if a == b {
		return ScoreIdentical
	}
	if strings.Contains(a, b) || strings.Contains(b, a) {
		return ScoreContains
	}
	if shareToken(a, b) {
		return ScoreSharedToken
	}
	return ScoreNone
}

func shareToken(a, b string) bool {
	seen := make(map[string]bool)
	for _, tok := range strings.Fields(a) {
		seen[tok] = true
	}
	for _, tok := range strings.Fields(b) {
		if seen[tok] {
			return true
		}
	}
	return false
}

// characterScore is the best score of name against c's name and aliases.
func characterScore(name string, c *types.Character) int {
	best := Similarity(name, c.Name)
	for _, alias := range c.Aliases {
		if best == ScoreIdentical {
			break
		}
		if s := Similarity(name, alias); s > best {
			best = s
		}
	}
	return best
}
