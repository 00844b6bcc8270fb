package index

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/DatanoiseTV/tabitha/internal/types"
)

func TestTokenize(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"The Cover Letter", []string{"cover", "letter", "the cover", "cover letter"}},
		{"docs.google.com", []string{"docs.google.com", "docs", "google"}},
		{"QUARTERLY Report", []string{"quarterly", "report", "quarterly report"}},
		{"of the", nil},
		{"", nil},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, Tokenize(tt.in))
		})
	}
}

func TestUnigrams(t *testing.T) {
	assert.Equal(t, []string{"cover", "letter"}, Unigrams(Tokenize("cover letter")))
}

func TestCardTokensDoNotBridgeFields(t *testing.T) {
	toks := cardTokens("Inbox", "https://www.mail.example.org/u/0", "mail.example.org")
	assert.Contains(t, toks, "inbox")
	assert.Contains(t, toks, "example")
	assert.NotContains(t, toks, "inbox mail.example.org")
	for _, tok := range toks {
		assert.NotContains(t, tok, "www")
	}
}

func TestScoreCardDomainWeights(t *testing.T) {
	now := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
	q := newQuery("youtube")

	base := types.Card{Source: types.SourceTab, Title: "Unrelated", URL: "https://example.org/x", Domain: "example.org"}
	hit := types.Card{Source: types.SourceTab, Title: "Music", URL: "https://youtube.com/watch?v=1", Domain: "youtube.com"}

	baseScore, baseMatched := scoreCard(base, q, "", now)
	hitScore, hitMatched := scoreCard(hit, q, "", now)
	assert.Equal(t, 0, baseMatched)
	assert.Equal(t, 1, hitMatched)
	// full query +5, exact domain +10, one token +1
	assert.InDelta(t, 16, hitScore-baseScore, 1e-9)
}

func TestScoreCardRecencyAndGroup(t *testing.T) {
	now := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
	q := newQuery("nothing matches")
	c := types.Card{Source: types.SourceTab, Title: "A", URL: "https://a.com", Domain: "a.com", GroupName: "Research"}

	old, _ := scoreCard(c, q, "", now)
	c.LastVisitedAt = now.Add(-time.Hour).UnixMilli()
	day, _ := scoreCard(c, q, "", now)
	c.LastVisitedAt = now.Add(-3 * 24 * time.Hour).UnixMilli()
	week, _ := scoreCard(c, q, "", now)
	grouped, _ := scoreCard(c, q, "research", now)

	assert.InDelta(t, 5, day-old, 1e-9)
	assert.InDelta(t, 3, week-old, 1e-9)
	assert.InDelta(t, 6, grouped-week, 1e-9)
}
