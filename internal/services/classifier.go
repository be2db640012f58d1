package services

import (
	"strings"
	"unicode/utf8"
)

// researchLengthThreshold is the rune count above which a message is routed
// to research regardless of wording.
const researchLengthThreshold = 100

var researchKeywords = []string{
	"research",
	"analyze",
	"analyse",
	"investigate",
	"compare",
	"in-depth",
	"deep dive",
	"comprehensive",
}

// NeedsResearch reports whether text should go to the research provider
// instead of the chat model.
func NeedsResearch(text string) bool {
	if utf8.RuneCountInString(text) > researchLengthThreshold {
		return true
	}
	lower := strings.ToLower(text)
	for _, kw := range researchKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
