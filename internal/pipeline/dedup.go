package pipeline

import (
	"strconv"
	"strings"

	"github.com/DatanoiseTV/tabitha/internal/types"
	"github.com/DatanoiseTV/tabitha/internal/urlkey"
)

// dedupKeys returns the three identity keys of a card in scan order: tab id,
// normalized URL, and (domain, title).
func dedupKeys(c types.Card) [3]string {
	var k [3]string
	if c.TabID > 0 {
		k[0] = "tab\x00" + strconv.Itoa(c.TabID)
	}
	if u := urlkey.Normalize(c.URL); u != "" {
		k[1] = "url\x00" + u
	}
	if t := strings.ToLower(strings.TrimSpace(c.Title)); t != "" {
		k[2] = "dt\x00" + strings.ToLower(c.Domain) + "\x00" + t
	}
	return k
}

// distinctLiveTabs reports whether a and b are two different open tabs.
// Such a pair is never merged, whatever else they share.
func distinctLiveTabs(a, b types.Card) bool {
	return a.IsOpenTab() && b.IsOpenTab() && a.TabID != b.TabID
}

// better picks the survivor of a collision: an open tab beats anything
// else, then the higher score, then the source prior.
func better(a, b types.Candidate) types.Candidate {
	aTab, bTab := a.Card.IsOpenTab(), b.Card.IsOpenTab()
	switch {
	case aTab && !bTab:
		return a
	case bTab && !aTab:
		return b
	case a.Score > b.Score+scoreEpsilon:
		return a
	case b.Score > a.Score+scoreEpsilon:
		return b
	case b.Card.Source.Prior() > a.Card.Source.Prior():
		return b
	}
	return a
}

// dedup collapses candidates that share a tab id, a normalized URL, or a
// (domain, title) pair. Order of first appearance is kept.
func dedup(cands []types.Candidate) []types.Candidate {
	out := make([]types.Candidate, 0, len(cands))
	owner := make(map[string]int)

	for _, c := range cands {
		keys := dedupKeys(c.Card)
		target := -1
		for _, k := range keys {
			if k == "" {
				continue
			}
			j, ok := owner[k]
			if !ok || distinctLiveTabs(out[j].Card, c.Card) {
				continue
			}
			target = j
			break
		}
		if target < 0 {
			out = append(out, c)
			target = len(out) - 1
		} else {
			out[target] = better(out[target], c)
		}
		for _, k := range dedupKeys(out[target].Card) {
			if k == "" {
				continue
			}
			if _, taken := owner[k]; !taken {
				owner[k] = target
			}
		}
		// the loser's keys still point at the survivor
		for _, k := range keys {
			if k == "" {
				continue
			}
			if _, taken := owner[k]; !taken {
				owner[k] = target
			}
		}
	}
	return out
}
