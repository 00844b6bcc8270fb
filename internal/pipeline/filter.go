package pipeline

import (
	"strings"
	"time"

	"github.com/DatanoiseTV/tabitha/internal/index"
	"github.com/DatanoiseTV/tabitha/internal/types"
	"github.com/DatanoiseTV/tabitha/internal/urlkey"
)

// passes applies every constraint of the intent to one card.
func passes(c types.Card, con types.Constraints) bool {
	if con.ResultMustBeOpen && !c.IsOpenTab() {
		return false
	}
	if con.DateRange != nil && c.LastVisitedAt > 0 && !con.DateRange.Contains(time.UnixMilli(c.LastVisitedAt)) {
		return false
	}
	if len(con.IncludeApps) > 0 {
		ok := false
		for _, app := range con.IncludeApps {
			if urlkey.MatchApp(c.Domain, c.URL, app) != urlkey.NoMatch {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	for _, app := range con.ExcludeApps {
		if urlkey.MatchApp(c.Domain, c.URL, app) != urlkey.NoMatch {
			return false
		}
	}
	if con.Group != "" && !groupMatches(c.GroupName, con.Group) {
		return false
	}
	switch con.Scope {
	case types.ScopeTab:
		if !c.IsOpenTab() {
			return false
		}
	case types.ScopeGroup:
		if c.GroupName == "" {
			return false
		}
	}
	return true
}

// groupMatches compares a card's group with a requested group: exact,
// contains in either direction, or a shared token.
func groupMatches(cardGroup, want string) bool {
	g := strings.ToLower(strings.TrimSpace(cardGroup))
	w := strings.ToLower(strings.TrimSpace(want))
	if g == "" || w == "" {
		return false
	}
	if g == w || strings.Contains(g, w) || strings.Contains(w, g) {
		return true
	}
	have := make(map[string]struct{})
	for _, tok := range index.Unigrams(index.Tokenize(g)) {
		have[tok] = struct{}{}
	}
	for _, tok := range index.Unigrams(index.Tokenize(w)) {
		if _, ok := have[tok]; ok {
			return true
		}
	}
	return false
}

// domainIsQuery reports whether the query names the card's site, e.g.
// "youtube" for youtube.com.
func domainIsQuery(domain, query string) bool {
	q := strings.TrimSpace(strings.ToLower(query))
	d := strings.ToLower(domain)
	if q == "" || d == "" {
		return false
	}
	return d == q || d == q+".com" || urlkey.SecondLevel(d) == q || strings.HasSuffix(d, "."+q)
}

// sameTitleDifferentDomains reports whether two candidates look identical
// to the user but live on different sites.
func sameTitleDifferentDomains(a, b types.Card) bool {
	ta := strings.ToLower(strings.TrimSpace(a.Title))
	tb := strings.ToLower(strings.TrimSpace(b.Title))
	return ta != "" && ta == tb && !strings.EqualFold(a.Domain, b.Domain)
}

// sharedDomain reports whether every candidate lives on one domain.
func sharedDomain(cands []types.Candidate) bool {
	if len(cands) < 2 {
		return false
	}
	d := strings.ToLower(cands[0].Card.Domain)
	for _, c := range cands[1:] {
		if strings.ToLower(c.Card.Domain) != d {
			return false
		}
	}
	return d != ""
}
