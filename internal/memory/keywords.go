package memory

import (
	"strings"
	"unicode"
)

// maxKeywords caps how many keywords a prompt contributes to a search.
const maxKeywords = 8

var stopWords = map[string]bool{
	"about": true, "after": true, "again": true, "all": true, "also": true, "and": true,
	"any": true, "are": true, "been": true, "before": true, "being": true, "but": true,
	"can": true, "could": true, "did": true, "does": true, "doing": true, "don": true,
	"for": true, "from": true, "get": true, "got": true, "had": true, "has": true,
	"have": true, "her": true, "here": true, "hers": true, "him": true, "his": true,
	"how": true, "into": true, "its": true, "just": true, "let": true, "like": true,
	"more": true, "most": true, "not": true, "now": true, "off": true, "only": true,
	"our": true, "ours": true, "out": true, "over": true, "she": true, "should": true,
	"some": true, "than": true, "that": true, "the": true, "their": true, "them": true,
	"then": true, "there": true, "these": true, "they": true, "this": true, "those": true,
	"too": true, "very": true, "was": true, "were": true, "what": true, "when": true,
	"where": true, "which": true, "while": true, "who": true, "whom": true, "why": true,
	"will": true, "with": true, "would": true, "yes": true, "yet": true, "you": true,
	"your": true, "yours": true,
}

// Keywords extracts search terms from text: lowercased runs of letters and
// digits longer than two characters, stop-words removed, de-duplicated in
// first-seen order, at most eight.
func Keywords(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]bool, len(fields))
	var out []string
	for _, f := range fields {
		if len([]rune(f)) <= 2 || stopWords[f] || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
		if len(out) == maxKeywords {
			break
		}
	}
	return out
}

// Score is the relevance of content to keywords: the total number of
// case-insensitive occurrences of every keyword.
func Score(content string, keywords []string) int {
	lower := strings.ToLower(content)
	total := 0
	for _, kw := range keywords {
		total += strings.Count(lower, kw)
	}
	return total
}
