package index

import (
	"strings"
	"time"

	"github.com/DatanoiseTV/tabitha/internal/types"
	"github.com/DatanoiseTV/tabitha/internal/urlkey"
)

// Lexical score weights. The sum is unbounded in theory but stays small for
// realistic queries; the pipeline normalizes by MaxLexicalScore.
const (
	weightFullQuery      = 5
	weightDomainExact    = 10
	weightDomainPrefix   = 10
	weightDomainSegment  = 8
	weightSecondLevel    = 5
	weightDomainContains = 4
	weightPathSegment    = 4
	weightGroupExact     = 6
	weightGroupContains  = 3
	weightMultiToken     = 3
	weightSingleToken    = 1
	weightRecentDay      = 5
	weightRecentWeek     = 3
	weightRecentMonth    = 1

	minDomainToken = 3
	minTextToken   = 4

	// MaxLexicalScore is the lexical score that maps to a normalized 1.0.
	MaxLexicalScore = 30.0
)

// query is a prepared lexical query.
type query struct {
	full     string
	tokens   []string
	unigrams []string
}

func newQuery(text string) query {
	full := strings.Join(splitWords(text), " ")
	tokens := Tokenize(text)
	return query{full: full, tokens: tokens, unigrams: Unigrams(tokens)}
}

// scoreCard returns the additive lexical score and the number of query
// unigrams that matched the card anywhere.
func scoreCard(c types.Card, q query, group string, now time.Time) (float64, int) {
	title := strings.ToLower(c.Title)
	rawURL := strings.ToLower(c.URL)
	domain := strings.ToLower(c.Domain)
	lastSeg := urlkey.LastPathSegment(c.URL)
	labels := strings.Split(domain, ".")
	second := urlkey.SecondLevel(domain)

	score := 0.0
	if q.full != "" && (strings.Contains(title, q.full) || strings.Contains(rawURL, q.full) || strings.Contains(domain, q.full)) {
		score += weightFullQuery
	}

	matched := 0
	for _, tok := range q.unigrams {
		hit := false
		if len(tok) >= minDomainToken && domain != "" {
			switch {
			case domain == tok || domain == tok+".com" || domain == tok+".org" || domain == tok+".net":
				score += weightDomainExact
				hit = true
			case strings.HasPrefix(domain, tok+"."):
				score += weightDomainPrefix
				hit = true
			case containsLabel(labels, tok):
				score += weightDomainSegment
				hit = true
			case second != "" && strings.HasPrefix(second, tok):
				score += weightSecondLevel
				hit = true
			case strings.Contains(domain, tok):
				score += weightDomainContains
				hit = true
			}
		}
		if lastSeg != "" && strings.Contains(lastSeg, tok) {
			score += weightPathSegment
			hit = true
		}
		if !hit && (strings.Contains(title, tok) || strings.Contains(rawURL, tok)) {
			hit = true
		}
		if hit {
			matched++
		}
	}

	if group != "" && c.GroupName != "" {
		g, cg := strings.ToLower(strings.TrimSpace(group)), strings.ToLower(c.GroupName)
		switch {
		case g == cg:
			score += weightGroupExact
		case strings.Contains(cg, g) || strings.Contains(g, cg):
			score += weightGroupContains
		}
	}

	switch {
	case matched >= 2:
		score += weightMultiToken
	case matched == 1:
		score += weightSingleToken
	}

	if c.LastVisitedAt > 0 {
		age := c.Age(now)
		switch {
		case age < 24*time.Hour:
			score += weightRecentDay
		case age < 7*24*time.Hour:
			score += weightRecentWeek
		case age < 30*24*time.Hour:
			score += weightRecentMonth
		}
	}

	score += float64(c.Source.Prior())
	return score, matched
}

func containsLabel(labels []string, tok string) bool {
	for _, l := range labels {
		if l == tok {
			return true
		}
	}
	return false
}
