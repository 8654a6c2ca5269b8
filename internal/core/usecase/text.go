package usecase

import (
	"strings"
	"unicode"
)

var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "and": {}, "or": {}, "but": {}, "in": {}, "on": {}, "at": {},
	"to": {}, "for": {}, "of": {}, "is": {}, "are": {}, "be": {}, "been": {}, "being": {},
	"have": {}, "has": {}, "had": {}, "do": {}, "does": {}, "did": {}, "will": {}, "would": {},
	"could": {}, "should": {}, "may": {}, "might": {}, "what": {}, "which": {}, "who": {},
	"how": {}, "why": {}, "when": {}, "where": {}, "i": {}, "me": {}, "my": {}, "we": {},
	"you": {}, "your": {}, "it": {}, "its": {}, "this": {}, "that": {}, "these": {}, "those": {},
	"with": {}, "about": {}, "can": {}, "please": {}, "tell": {},
}

// synonyms fold common variants onto one keyword.
var synonyms = map[string]string{
	"whats":  "what",
	"howto":  "how",
	"vs":     "versus",
	"docs":   "documentation",
	"doc":    "document",
	"config": "configuration",
	"setup":  "configure",
}

// splitWordsLower lower-cases and splits on anything that is not a letter or digit.
func splitWordsLower(s string) []string {
	if s == "" {
		return nil
	}

	tokens := make([]string, 0, 16)
	var b strings.Builder
	for _, r := range s {
		r = unicode.ToLower(r)
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			continue
		}
		if b.Len() > 0 {
			tokens = append(tokens, b.String())
			b.Reset()
		}
	}
	if b.Len() > 0 {
		tokens = append(tokens, b.String())
	}
	return tokens
}

func foldToken(token string) string {
	if canonical, ok := synonyms[token]; ok {
		return canonical
	}
	return token
}

// extractKeywords returns distinct folded terms in order of appearance, without
// stop words and single-character tokens.
func extractKeywords(text string) []string {
	tokens := splitWordsLower(text)
	seen := make(map[string]struct{}, len(tokens))
	out := make([]string, 0, len(tokens))
	for _, token := range tokens {
		token = foldToken(token)
		if len([]rune(token)) < 2 {
			continue
		}
		if _, stop := stopWords[token]; stop {
			continue
		}
		if _, dup := seen[token]; dup {
			continue
		}
		seen[token] = struct{}{}
		out = append(out, token)
	}
	return out
}

func toTokenSet(s string) map[string]struct{} {
	tokens := splitWordsLower(s)
	out := make(map[string]struct{}, len(tokens))
	for _, token := range tokens {
		out[foldToken(token)] = struct{}{}
	}
	return out
}

// coverage is the share of keywords present in the token set.
func coverage(keywords []string, tokens map[string]struct{}) float64 {
	if len(keywords) == 0 {
		return 0
	}
	matched := 0
	for _, kw := range keywords {
		if _, ok := tokens[kw]; ok {
			matched++
		}
	}
	return float64(matched) / float64(len(keywords))
}

// normalizeQuestion produces the canonical question text used for cache keys.
func normalizeQuestion(question string) string {
	tokens := splitWordsLower(question)
	for i, token := range tokens {
		tokens[i] = foldToken(token)
	}
	return strings.Join(tokens, " ")
}
