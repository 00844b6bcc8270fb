package pipeline

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DatanoiseTV/tabitha/internal/browser"
	"github.com/DatanoiseTV/tabitha/internal/index"
	"github.com/DatanoiseTV/tabitha/internal/llm"
	"github.com/DatanoiseTV/tabitha/internal/store"
	"github.com/DatanoiseTV/tabitha/internal/types"
)

var now = time.Date(2026, 10, 15, 14, 0, 0, 0, time.UTC)

func clock() time.Time { return now }

func tabCard(id int, title, url string) types.Card {
	return index.CardFromTab(browser.Tab{ID: id, WindowID: 1, Title: title, URL: url, LastAccessed: now.UnixMilli()}, "", now)
}

func hit(c types.Card, norm float64) types.LexicalHit {
	return types.LexicalHit{Card: c, Score: norm * index.MaxLexicalScore}
}

func intent(kind types.IntentKind, query string) types.Intent {
	return types.Intent{Kind: kind, CanonicalQuery: query, Constraints: types.Constraints{ResultMustBeOpen: true}}
}

type recordingReranker struct {
	mu    sync.Mutex
	calls int
	out   Reranking
	err   error
}

func (r *recordingReranker) Rerank(ctx context.Context, _ types.Intent, _ string, cands []types.Candidate) (Reranking, error) {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	if r.err != nil {
		return Reranking{}, r.err
	}
	return r.out, nil
}

func searchIndex(t *testing.T, tabs []browser.Tab, query string) []types.LexicalHit {
	t.Helper()
	s, err := store.Open("", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	b := browser.NewMemory(clock)
	for _, tab := range tabs {
		b.AddTab(tab)
	}
	x := index.New(index.Options{Store: s, Browser: b, Now: clock})
	require.NoError(t, x.Init(context.Background()))
	t.Cleanup(func() { _ = x.Close() })
	return x.LexicalSearch(query, 0, index.Filters{}).Hits
}

func TestOpenSingleMatch(t *testing.T) {
	hits := searchIndex(t, []browser.Tab{
		{Title: "Cover Letter – John", URL: "https://docs.google.com/document/d/abc"},
		{Title: "Inbox", URL: "https://mail.google.com/mail/u/0"},
	}, "cover letter doc")

	in := intent(types.IntentOpen, "cover letter doc")
	in.Constraints.IncludeApps = []string{"docs.google.com"}
	res := New(Options{Now: clock}).FilterAndRank(context.Background(), Request{Intent: in, Hits: hits})

	require.True(t, res.OK)
	require.True(t, res.AutoExecute)
	assert.Equal(t, "Cover Letter – John", res.Candidate.Card.Title)
	assert.GreaterOrEqual(t, res.Confidence, 0.5)
}

func TestOpenAmbiguousSameTitle(t *testing.T) {
	hits := searchIndex(t, []browser.Tab{
		{Title: "Cover Letter", URL: "https://docs.google.com/document/d/a"},
		{Title: "Cover Letter", URL: "https://notion.so/Cover-Letter-123"},
	}, "cover letter")
	require.Len(t, hits, 2)

	res := New(Options{Now: clock}).FilterAndRank(context.Background(), Request{Intent: intent(types.IntentOpen, "cover letter"), Hits: hits})
	require.True(t, res.OK)
	assert.False(t, res.AutoExecute)
	assert.True(t, res.NeedsFollowup)
	assert.True(t, res.Metadata.Clustered)
	assert.True(t, res.Metadata.SameTitleSplit)
	domains := []string{res.Candidates[0].Card.Domain, res.Candidates[1].Card.Domain}
	assert.ElementsMatch(t, []string{"docs.google.com", "notion.so"}, domains)
}

func TestRerankSkipBoundary(t *testing.T) {
	cards := []types.Card{
		tabCard(1, "Alpha", "https://a.com/1"),
		tabCard(2, "Beta", "https://b.com/2"),
		tabCard(3, "Gamma", "https://c.com/3"),
	}
	rr := &recordingReranker{out: Reranking{Scores: map[string]float64{}}}
	p := New(Options{Reranker: rr, Now: clock})

	res := p.FilterAndRank(context.Background(), Request{
		Intent: intent(types.IntentList, "x"),
		Hits:   []types.LexicalHit{{Card: cards[0], Score: 25.5}, {Card: cards[1], Score: 21}, {Card: cards[2], Score: 10}},
	})
	assert.Equal(t, "confident", res.Metadata.RerankSkipped)
	assert.Equal(t, 0, rr.calls)

	res = p.FilterAndRank(context.Background(), Request{
		Intent: intent(types.IntentList, "x"),
		Hits:   []types.LexicalHit{{Card: cards[0], Score: 25.5}, {Card: cards[1], Score: 21.3}, {Card: cards[2], Score: 10}},
	})
	assert.Empty(t, res.Metadata.RerankSkipped)
	assert.Equal(t, 1, rr.calls)
	assert.True(t, res.Metadata.Reranked)

	res = p.FilterAndRank(context.Background(), Request{
		Intent: intent(types.IntentList, "x"),
		Hits:   []types.LexicalHit{{Card: cards[0], Score: 10}, {Card: cards[1], Score: 9}},
	})
	assert.Equal(t, "few_candidates", res.Metadata.RerankSkipped)
	assert.Equal(t, 1, rr.calls)
}

func manyHits(n int) []types.LexicalHit {
	hits := make([]types.LexicalHit, 0, n)
	for i := 1; i <= n; i++ {
		c := tabCard(i, fmt.Sprintf("Report %d", i), fmt.Sprintf("https://site%d.com/r", i))
		hits = append(hits, hit(c, 0.3+float64(i)*0.001))
	}
	return hits
}

func TestOverflowBoundary(t *testing.T) {
	p := New(Options{Now: clock})

	res := p.FilterAndRank(context.Background(), Request{Intent: intent(types.IntentFindOpen, "report"), Hits: manyHits(10)})
	require.True(t, res.OK)
	assert.Len(t, res.Candidates, 5)
	assert.Equal(t, StageClustered, res.Metadata.Stage)

	res = p.FilterAndRank(context.Background(), Request{Intent: intent(types.IntentFindOpen, "report"), Hits: manyHits(11)})
	assert.False(t, res.OK)
	assert.Equal(t, types.ErrTooManyCandidates, res.Reason)
	assert.Len(t, res.ClosestMatches, 10)
	assert.NotEmpty(t, res.Clarifier)
	assert.Equal(t, StageOverflow, res.Metadata.Stage)
}

func TestMatchesCarryEverySurvivor(t *testing.T) {
	p := New(Options{Now: clock})

	res := p.FilterAndRank(context.Background(), Request{Intent: intent(types.IntentClose, "report"), Hits: manyHits(8)})
	require.True(t, res.OK)
	assert.Len(t, res.Candidates, 5)
	require.Len(t, res.Matches, 8)
	assert.Equal(t, res.Candidates, res.Matches[:5])

	in := intent(types.IntentClose, "report")
	in.Constraints.Limit = 3
	res = p.FilterAndRank(context.Background(), Request{Intent: in, Hits: manyHits(8)})
	assert.Len(t, res.Candidates, 3)
	assert.Len(t, res.Matches, 3)
}

func TestDedupPreservesLiveTabs(t *testing.T) {
	a := tabCard(1, "Roadmap", "https://docs.google.com/document/d/x#heading")
	b := tabCard(2, "Roadmap", "https://docs.google.com/document/d/x?utm_source=mail")
	hist := types.Card{CardID: "history:9", Source: types.SourceHistory, Title: "Roadmap",
		URL: "https://docs.google.com/document/d/x", Domain: "docs.google.com", LastVisitedAt: now.UnixMilli()}
	dupe := a

	p := New(Options{Now: clock})
	in := intent(types.IntentList, "roadmap")
	in.Constraints.ResultMustBeOpen = false
	res := p.FilterAndRank(context.Background(), Request{Intent: in, Hits: []types.LexicalHit{
		hit(a, 0.5), hit(hist, 0.6), hit(b, 0.5), hit(dupe, 0.5),
	}})
	require.True(t, res.OK)
	var ids []string
	for _, c := range res.Candidates {
		ids = append(ids, c.Card.CardID)
	}
	assert.ElementsMatch(t, []string{"tab:1", "tab:2"}, ids)
}

func TestDedupKeepsHigherScoringNonTab(t *testing.T) {
	bm := types.Card{CardID: "bookmark:1", Source: types.SourceBookmark, Title: "Recipe", URL: "https://food.com/pie/", Domain: "food.com"}
	hs := types.Card{CardID: "history:1", Source: types.SourceHistory, Title: "Recipe", URL: "https://food.com/pie", Domain: "food.com"}

	out := dedup([]types.Candidate{{Card: hs, Score: 0.4}, {Card: bm, Score: 0.4}})
	require.Len(t, out, 1)
	assert.Equal(t, "bookmark:1", out[0].Card.CardID, "bookmark wins the prior tiebreak")

	out = dedup([]types.Candidate{{Card: bm, Score: 0.3}, {Card: hs, Score: 0.6}})
	require.Len(t, out, 1)
	assert.Equal(t, "history:1", out[0].Card.CardID)
}

func TestConstraintFilter(t *testing.T) {
	zoom := tabCard(1, "Standup", "https://us02web.zoom.us/j/123")
	yt := tabCard(2, "Lo-fi", "https://www.youtube.com/watch?v=1")
	old := tabCard(3, "Old", "https://old.com")
	old.LastVisitedAt = now.Add(-72 * time.Hour).UnixMilli()
	grouped := tabCard(4, "Paper", "https://arxiv.org/abs/1")
	grouped.GroupName = "Thesis Research"

	con := types.Constraints{ExcludeApps: []string{"zoom.us"}}
	assert.False(t, passes(zoom, con))
	assert.True(t, passes(yt, con))

	con = types.Constraints{IncludeApps: []string{"youtube.com"}}
	assert.True(t, passes(yt, con))
	assert.False(t, passes(zoom, con))

	con = types.Constraints{DateRange: &types.DateRange{Since: now.Add(-24 * time.Hour)}}
	assert.False(t, passes(old, con))
	assert.True(t, passes(yt, con))

	con = types.Constraints{Group: "research"}
	assert.True(t, passes(grouped, con))
	assert.False(t, passes(yt, con))
	assert.True(t, passes(grouped, types.Constraints{Group: "my thesis"}))

	assert.False(t, passes(yt, types.Constraints{Scope: types.ScopeGroup}))
}

func TestNoCandidates(t *testing.T) {
	hist := types.Card{CardID: "history:1", Source: types.SourceHistory, Title: "Budget", URL: "https://x.com", Domain: "x.com"}
	res := New(Options{Now: clock}).FilterAndRank(context.Background(), Request{
		Intent: intent(types.IntentOpen, "budget"), Hits: []types.LexicalHit{hit(hist, 0.9)},
	})
	assert.False(t, res.OK)
	assert.Equal(t, types.ErrNoCandidates, res.Reason)
	require.Len(t, res.ClosestMatches, 1)
	assert.Equal(t, "history:1", res.ClosestMatches[0].Card.CardID)
}

func TestHighConfidenceAndEarlyExit(t *testing.T) {
	p := New(Options{Now: clock})
	c := tabCard(1, "Roadmap", "https://notion.so/roadmap")

	res := p.FilterAndRank(context.Background(), Request{Intent: intent(types.IntentOpen, "roadmap"), Hits: []types.LexicalHit{hit(c, 0.95)}})
	assert.True(t, res.AutoExecute)
	assert.Equal(t, StageHighConfidence, res.Metadata.Stage)

	res = p.FilterAndRank(context.Background(), Request{Intent: intent(types.IntentOpen, "roadmap"), Hits: []types.LexicalHit{hit(c, 0.5)}})
	assert.True(t, res.AutoExecute)
	assert.Equal(t, StageEarlyExit, res.Metadata.Stage)

	res = p.FilterAndRank(context.Background(), Request{Intent: intent(types.IntentOpen, "roadmap"), Hits: []types.LexicalHit{hit(c, 0.45)}})
	assert.False(t, res.AutoExecute, "a lone match below 0.50 is offered, not opened")

	excluded := intent(types.IntentOpen, "roadmap")
	excluded.Constraints.ExcludeApps = []string{"notion.so"}
	res = p.FilterAndRank(context.Background(), Request{Intent: excluded, Hits: []types.LexicalHit{hit(c, 0.95)}})
	assert.False(t, res.AutoExecute)
	assert.Equal(t, types.ErrNoCandidates, res.Reason)
}

func TestLLMRerankHybrid(t *testing.T) {
	a := tabCard(1, "Quarterly plan", "https://docs.google.com/document/d/q")
	b := tabCard(2, "Plan B", "https://plan.com/b")
	c := tabCard(3, "Planning poker", "https://poker.io/p")
	rt := llm.Fixed(`{"ranked":[{"cardId":"tab:1","score":0.95,"reason":"title"},{"cardId":"tab:2","score":0.1},{"cardId":"tab:99","score":1}],"confidence":0.9}`)

	p := New(Options{Reranker: NewLLMReranker(rt, nil), Now: clock})
	res := p.FilterAndRank(context.Background(), Request{
		Intent: intent(types.IntentOpen, "quarterly plan"),
		Hits:   []types.LexicalHit{hit(b, 0.4), hit(c, 0.35), hit(a, 0.3)},
	})
	require.True(t, res.OK)
	assert.True(t, res.Metadata.Reranked)
	require.True(t, res.AutoExecute)
	assert.Equal(t, "tab:1", res.Candidate.Card.CardID)
	// 0.4*0.3 + 0.6*0.95 + tab 0.10 + recent 0.05
	assert.InDelta(t, 0.84, res.Candidate.Score, 1e-9)
	assert.Equal(t, "title", res.Candidate.Reason)
}

func TestRerankFailuresFallThrough(t *testing.T) {
	hits := []types.LexicalHit{
		hit(tabCard(1, "One", "https://1.com"), 0.4),
		hit(tabCard(2, "Two", "https://2.com"), 0.3),
		hit(tabCard(3, "Three", "https://3.com"), 0.2),
	}

	slow := llm.Fixed(`{"ranked":[]}`)
	slow.Delay = time.Second
	p := New(Options{Reranker: NewLLMReranker(slow, nil), RerankTimeout: 20 * time.Millisecond, Now: clock})
	res := p.FilterAndRank(context.Background(), Request{Intent: intent(types.IntentFindOpen, "x"), Hits: hits})
	assert.Equal(t, string(types.ErrSemanticRerankTimeout), res.Metadata.RerankError)
	assert.Equal(t, "tab:1", res.Candidates[0].Card.CardID)

	p = New(Options{Reranker: NewLLMReranker(llm.Fixed("no idea"), nil), Now: clock})
	res = p.FilterAndRank(context.Background(), Request{Intent: intent(types.IntentFindOpen, "x"), Hits: hits})
	assert.NotEmpty(t, res.Metadata.RerankError)
	assert.False(t, res.Metadata.Reranked)
	assert.Len(t, res.Candidates, 3)
}

func TestCancelledBeforeRerank(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rr := &recordingReranker{}
	res := New(Options{Reranker: rr, Now: clock}).FilterAndRank(ctx, Request{Intent: intent(types.IntentFindOpen, "x"), Hits: manyHits(4)})
	assert.Equal(t, types.ErrCancelled, res.Reason)
	assert.Equal(t, 0, rr.calls)
}

func TestEmbeddingReranker(t *testing.T) {
	r := NewEmbeddingReranker(llm.HashEmbedder(256), nil)
	cands := []types.Candidate{
		{Card: tabCard(1, "Quarterly revenue", "https://sheets.example.com/rev")},
		{Card: tabCard(2, "Cover letter draft", "https://docs.google.com/document/d/cl")},
		{Card: tabCard(3, "Holiday photos", "https://photos.example.com/x")},
	}
	rr, err := r.Rerank(context.Background(), intent(types.IntentOpen, "cover letter"), "cover letter", cands)
	require.NoError(t, err)
	require.Len(t, rr.Scores, 3)
	assert.Greater(t, rr.Scores["tab:2"], rr.Scores["tab:1"])
	assert.Greater(t, rr.Scores["tab:2"], rr.Scores["tab:3"])

	_, err = r.Rerank(context.Background(), types.Intent{}, " ", cands)
	assert.Error(t, err)
}

func TestGateWithSeveralSurvivors(t *testing.T) {
	p := New(Options{Now: clock})
	rank := func(a, b types.Card, sa, sb float64) types.RankResult {
		return p.FilterAndRank(context.Background(), Request{
			Intent: intent(types.IntentOpen, "cover letter"),
			Hits:   []types.LexicalHit{hit(a, sa), hit(b, sb)},
		})
	}
	letter := tabCard(1, "Cover Letter", "https://docs.google.com/document/d/1")
	budget := tabCard(2, "Budget", "https://www.notion.so/Budget-2")
	sheet := tabCard(3, "Budget", "https://docs.google.com/spreadsheets/d/3")

	res := rank(letter, budget, 0.8, 0.5)
	assert.True(t, res.AutoExecute, "a clear leader among distinct sites runs")
	assert.Equal(t, letter.CardID, res.Candidate.Card.CardID)

	res = rank(letter, budget, 0.7, 0.5)
	assert.False(t, res.AutoExecute, "below 0.75 with company")

	res = rank(letter, sheet, 0.8, 0.5)
	assert.False(t, res.AutoExecute, "siblings on one domain need 0.85")

	res = rank(letter, sheet, 0.9, 0.5)
	assert.True(t, res.AutoExecute)
}

func TestAutoExecuteMonotonicity(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	titles := []string{"Cover Letter", "Inbox", "Roadmap", "Cover Letter", "Budget"}
	domains := []string{"docs.google.com", "notion.so", "mail.google.com", "github.com"}
	p := New(Options{Now: clock})

	for i := 0; i < 500; i++ {
		n := 1 + rng.Intn(6)
		var hits []types.LexicalHit
		for j := 0; j < n; j++ {
			var c types.Card
			if rng.Intn(4) == 0 {
				c = types.Card{CardID: fmt.Sprintf("history:%d", j), Source: types.SourceHistory,
					Title: titles[rng.Intn(len(titles))], Domain: domains[rng.Intn(len(domains))]}
			} else {
				c = tabCard(j+1, titles[rng.Intn(len(titles))], "https://"+domains[rng.Intn(len(domains))]+fmt.Sprintf("/%d", j))
			}
			hits = append(hits, types.LexicalHit{Card: c, Score: rng.Float64() * 32})
		}
		in := intent(types.IntentOpen, "cover letter")
		in.Constraints.ResultMustBeOpen = rng.Intn(2) == 0
		res := p.FilterAndRank(context.Background(), Request{Intent: in, Hits: hits})
		if !res.AutoExecute {
			continue
		}
		require.NotNil(t, res.Candidate)
		assert.True(t, res.Candidate.Card.IsOpenTab())
		assert.GreaterOrEqual(t, res.Candidate.Score, 0.5-scoreEpsilon)
		assert.Empty(t, res.Candidates)
	}
}
