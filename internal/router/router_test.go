package router

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DatanoiseTV/tabitha/internal/llm"
	"github.com/DatanoiseTV/tabitha/internal/store"
	"github.com/DatanoiseTV/tabitha/internal/types"
)

var testNow = time.Date(2026, 10, 15, 14, 30, 0, 0, time.UTC)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeContext struct {
	history    string
	candidates []types.SlotCandidate
}

func (f fakeContext) FormattedContext(string) string               { return f.history }
func (f fakeContext) LastCandidates(string) []types.SlotCandidate { return f.candidates }

func TestFallback(t *testing.T) {
	aliases := NewAliases(nil)
	tests := []struct {
		text    string
		kind    types.IntentKind
		query   string
		include []string
		exclude []string
	}{
		{"open my cover letter doc", types.IntentOpen, "cover letter doc", []string{}, []string{}},
		{"close all youtube tabs", types.IntentClose, "youtube", []string{"youtube.com"}, []string{}},
		{"mute all except zoom", types.IntentMute, "", []string{}, []string{"zoom.us"}},
		{"what notion page did I edit?", types.IntentAsk, "what notion page did i edit", []string{"notion.so"}, []string{}},
		{"where is the budget sheet", types.IntentAsk, "where is the budget sheet", []string{}, []string{}},
		{"find budget", types.IntentFindOpen, "budget", []string{}, []string{}},
		{"bookmark this", types.IntentSave, "this", []string{}, []string{}},
		{"show pinned", types.IntentList, "pinned", []string{}, []string{}},
		{"reopen the article", types.IntentReopen, "article", []string{}, []string{}},
		{"unmute spotify", types.IntentUnmute, "spotify", []string{"open.spotify.com"}, []string{}},
		{"reload gmail and slack", types.IntentReload, "gmail slack", []string{"mail.google.com", "app.slack.com"}, []string{}},
		{"budget spreadsheet", types.IntentFindOpen, "budget spreadsheet", []string{}, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			got := Fallback(tt.text, aliases, testNow)
			assert.Equal(t, tt.kind, got.Kind)
			assert.Equal(t, tt.query, got.CanonicalQuery)
			assert.Equal(t, tt.include, got.Constraints.IncludeApps)
			assert.Equal(t, tt.exclude, got.Constraints.ExcludeApps)
			assert.True(t, got.Fallback)
			assert.True(t, got.Constraints.ResultMustBeOpen)
		})
	}
}

func TestFallbackUnrecognizedFavoursDisambiguation(t *testing.T) {
	got := Fallback("budget spreadsheet", NewAliases(nil), testNow)
	assert.Equal(t, types.IntentFindOpen, got.Kind)
	assert.True(t, got.DisambiguationNeeded)
}

func TestFallbackGroups(t *testing.T) {
	aliases := NewAliases(nil)

	got := Fallback("close the research group", aliases, testNow)
	assert.Equal(t, types.IntentClose, got.Kind)
	assert.Equal(t, types.ScopeGroup, got.Constraints.Scope)
	assert.Equal(t, "research", got.Constraints.Group)

	got = Fallback("collapse the research group", aliases, testNow)
	assert.Equal(t, types.OperationCollapse, got.Operation)
	assert.Equal(t, "research", got.Constraints.Group)

	got = Fallback("rename the research group to thesis", aliases, testNow)
	assert.Equal(t, types.OperationRename, got.Operation)
	require.NotNil(t, got.OperationArgs)
	assert.Equal(t, "thesis", got.OperationArgs.NewName)

	got = Fallback("move the research group to a new window", aliases, testNow)
	assert.Equal(t, types.OperationMoveToWindow, got.Operation)
	assert.True(t, got.OperationArgs.NewWindow)

	got = Fallback("save these to reading list", aliases, testNow)
	assert.Equal(t, types.IntentSave, got.Kind)
	assert.Equal(t, "reading list", got.FolderName)
}

func TestDetectTime(t *testing.T) {
	today := time.Date(2026, 10, 15, 0, 0, 0, 0, time.UTC) // a Thursday
	tests := []struct {
		text  string
		since time.Time
		until time.Time
	}{
		{"what doc was I editing yesterday", today.AddDate(0, 0, -1), today},
		{"the page from an hour ago", testNow.Add(-time.Hour), time.Time{}},
		{"3 days ago", today.AddDate(0, 0, -3), time.Time{}},
		{"stuff from last week", today.AddDate(0, 0, -7), time.Time{}},
		{"this week", today.AddDate(0, 0, -3), time.Time{}},
		{"earlier today", today, time.Time{}},
		{"last night", today.Add(-6 * time.Hour), today.Add(6 * time.Hour)},
		{"on monday", today.AddDate(0, 0, -3), today.AddDate(0, 0, -2)},
		{"last thursday", today.AddDate(0, 0, -7), today.AddDate(0, 0, -6)},
		{"on 2026-09-30", time.Date(2026, 9, 30, 0, 0, 0, 0, time.UTC), time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)},
		{"on oct 3rd", time.Date(2026, 10, 3, 0, 0, 0, 0, time.UTC), time.Date(2026, 10, 4, 0, 0, 0, 0, time.UTC)},
		{"december 24", time.Date(2025, 12, 24, 0, 0, 0, 0, time.UTC), time.Date(2025, 12, 25, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			rng, phrase := DetectTime(tt.text, testNow)
			require.NotNil(t, rng)
			assert.NotEmpty(t, phrase)
			assert.Equal(t, tt.since, rng.Since)
			assert.Equal(t, tt.until, rng.Until)
		})
	}

	for _, text := range []string{"open marketing 2 doc", "monday meeting notes", "close youtube"} {
		rng, _ := DetectTime(text, testNow)
		assert.Nil(t, rng, text)
	}
}

func TestNormalize(t *testing.T) {
	aliases := NewAliases(nil)

	t.Run("legacy fields", func(t *testing.T) {
		got, err := Normalize([]byte(`{"intent":"OPEN","query":"Cover Letter!","app":"google docs","exclude":"zoom","disambiguationOkay":false}`),
			"open cover letter", aliases, testNow)
		require.NoError(t, err)
		assert.Equal(t, types.IntentOpen, got.Kind)
		assert.Equal(t, "cover letter", got.CanonicalQuery)
		assert.Equal(t, []string{"docs.google.com"}, got.Constraints.IncludeApps)
		assert.Equal(t, []string{"zoom.us"}, got.Constraints.ExcludeApps)
		assert.True(t, got.DisambiguationNeeded)
		assert.True(t, got.Constraints.ResultMustBeOpen)
	})

	t.Run("invalid enums reset", func(t *testing.T) {
		got, err := Normalize([]byte(`{"intent":"teleport","constraints":{"scope":"window"},"operation":"explode"}`), "teleport", aliases, testNow)
		require.NoError(t, err)
		assert.Equal(t, types.IntentFindOpen, got.Kind)
		assert.Equal(t, types.ScopeNone, got.Constraints.Scope)
		assert.Equal(t, types.OperationNone, got.Operation)
		assert.Equal(t, []string{}, got.Constraints.IncludeApps)
		assert.Contains(t, got.Notes, "teleport")
	})

	t.Run("numeric dates become times", func(t *testing.T) {
		since := time.Date(2026, 10, 14, 0, 0, 0, 0, time.UTC)
		raw := `{"intent":"ask","canonical_query":"google doc","constraints":{"resultMustBeOpen":true,"dateRange":{"since":` +
			itoa(since.UnixMilli()) + `}}}`
		got, err := Normalize([]byte(raw), "what google doc was I editing yesterday?", aliases, testNow)
		require.NoError(t, err)
		assert.False(t, got.Constraints.ResultMustBeOpen)
		require.NotNil(t, got.Constraints.DateRange)
		assert.True(t, since.Equal(got.Constraints.DateRange.Since))
		assert.NotEmpty(t, got.TimeReason)
	})

	t.Run("no temporal phrase drops the range", func(t *testing.T) {
		got, err := Normalize([]byte(`{"intent":"ask","constraints":{"resultMustBeOpen":false,"dateRange":{"since":"2026-10-01"}}}`),
			"what tabs are about rust", aliases, testNow)
		require.NoError(t, err)
		assert.True(t, got.Constraints.ResultMustBeOpen)
		assert.Nil(t, got.Constraints.DateRange)
	})

	t.Run("not an object", func(t *testing.T) {
		_, err := Normalize([]byte(`[1,2]`), "x", aliases, testNow)
		assert.Error(t, err)
	})
}

func itoa(n int64) string { return strconv.FormatInt(n, 10) }

func newRouter(rt llm.Runtime, c *clock, ctx ContextSource) *Router {
	return New(Options{Runtime: rt, Now: c.Now, Context: ctx})
}

func TestParseIntentWithModel(t *testing.T) {
	c := &clock{t: testNow}
	rt := llm.Fixed("```json\n" + `{"intent":"open","canonical_query":"cover letter doc","constraints":{"resultMustBeOpen":true,"includeApps":["google docs"]}}` + "\n```")
	r := newRouter(rt, c, nil)

	res := r.ParseIntent(context.Background(), "open my cover letter doc", "s1")
	require.True(t, res.OK)
	assert.Equal(t, SourceLLM, res.Source)
	assert.False(t, res.Fallback)
	assert.Equal(t, types.IntentOpen, res.Intent.Kind)
	assert.Equal(t, "cover letter doc", res.Intent.CanonicalQuery)
	assert.True(t, res.Intent.Constraints.ResultMustBeOpen)
	assert.Equal(t, []string{"docs.google.com"}, res.Intent.Constraints.IncludeApps)

	calls := rt.Calls()
	require.Len(t, calls, 1)
	assert.True(t, calls[0].Options.JSON)
	assert.Contains(t, calls[0].Options.System, "find_open")
}

func TestParseIntentTemporalAsk(t *testing.T) {
	c := &clock{t: testNow}
	rt := llm.Fixed(`{"intent":"ask","canonical_query":"google doc editing","constraints":{"includeApps":["docs.google.com"]}}`)
	r := newRouter(rt, c, nil)

	res := r.ParseIntent(context.Background(), "what google doc was I editing yesterday?", "s1")
	require.True(t, res.OK)
	assert.Equal(t, types.IntentAsk, res.Intent.Kind)
	assert.False(t, res.Intent.Constraints.ResultMustBeOpen)
	require.NotNil(t, res.Intent.Constraints.DateRange)
	assert.Equal(t, time.Date(2026, 10, 14, 0, 0, 0, 0, time.UTC), res.Intent.Constraints.DateRange.Since)
	assert.Equal(t, []string{"docs.google.com"}, res.Intent.Constraints.IncludeApps)
}

func TestParseIntentFallbacks(t *testing.T) {
	ctx := context.Background()

	t.Run("unavailable", func(t *testing.T) {
		rt := &llm.Scripted{Down: true}
		r := newRouter(rt, &clock{t: testNow}, nil)
		res := r.ParseIntent(ctx, "close all youtube tabs", "s")
		require.True(t, res.OK)
		assert.True(t, res.Fallback)
		assert.Equal(t, SourceFallback, res.Source)
		assert.Equal(t, types.IntentClose, res.Intent.Kind)
		assert.Empty(t, rt.Calls())
	})

	t.Run("garbage output", func(t *testing.T) {
		r := newRouter(llm.Fixed("I think you want to open something"), &clock{t: testNow}, nil)
		res := r.ParseIntent(ctx, "open cover letter", "s")
		assert.True(t, res.Fallback)
		assert.Equal(t, types.ErrParseFailed, res.Error)
		assert.Equal(t, types.IntentFindOpen, res.Intent.Kind)
		assert.True(t, res.Intent.DisambiguationNeeded)
	})

	t.Run("garbage output on a destructive request", func(t *testing.T) {
		for _, text := range []string{"close all youtube tabs", "discard the zoom tab", "mute everything"} {
			r := newRouter(llm.Fixed(`{"intent":`), &clock{t: testNow}, nil)
			res := r.ParseIntent(ctx, text, "s")
			require.True(t, res.OK, text)
			assert.Equal(t, types.ErrParseFailed, res.Error, text)
			assert.Equal(t, types.IntentFindOpen, res.Intent.Kind, text)
			assert.True(t, res.Intent.DisambiguationNeeded, text)
		}
	})

	t.Run("timeout", func(t *testing.T) {
		rt := llm.Fixed(`{"intent":"open"}`)
		rt.Delay = time.Second
		r := New(Options{Runtime: rt, Now: (&clock{t: testNow}).Now, ParseTimeout: 20 * time.Millisecond})
		res := r.ParseIntent(ctx, "open cover letter", "s")
		assert.True(t, res.Fallback)
		assert.Equal(t, types.ErrIntentParseTimeout, res.Error)
		assert.Equal(t, types.IntentOpen, res.Intent.Kind)
	})

	t.Run("empty", func(t *testing.T) {
		r := newRouter(llm.Fixed("{}"), &clock{t: testNow}, nil)
		res := r.ParseIntent(ctx, "", "s")
		assert.False(t, res.OK)
		assert.Equal(t, types.ErrBadRequest, res.Error)
	})
}

func TestAvailabilityIsCached(t *testing.T) {
	c := &clock{t: testNow}
	rt := llm.Fixed(`{"intent":"list"}`)
	r := newRouter(rt, c, nil)
	ctx := context.Background()

	r.ParseIntent(ctx, "list tabs", "s")
	c.Advance(59 * time.Second)
	r.ParseIntent(ctx, "list tabs", "s")
	assert.Equal(t, 1, rt.AvailabilityChecks())

	c.Advance(2 * time.Second)
	r.ParseIntent(ctx, "list tabs", "s")
	assert.Equal(t, 2, rt.AvailabilityChecks())
}

func TestParseIntentAnaphoraIncludesCandidates(t *testing.T) {
	rt := llm.Fixed(`{"intent":"close","canonical_query":""}`)
	fc := fakeContext{
		history: "user: open cover letter",
		candidates: []types.SlotCandidate{
			{CardID: "tab:1", Title: "Cover Letter", Domain: "docs.google.com", Index: 1},
			{CardID: "tab:2", Title: "Cover Letter", Domain: "notion.so", Index: 2},
		},
	}
	r := newRouter(rt, &clock{t: testNow}, fc)
	res := r.ParseIntent(context.Background(), "close those", "s")
	require.True(t, res.OK)
	assert.Equal(t, "those", res.Intent.AnaphoraOf)

	prompt := rt.Calls()[0].Prompt
	assert.Contains(t, prompt, "tab:1")
	assert.Contains(t, prompt, "notion.so")
	assert.Contains(t, prompt, "user: open cover letter")
}

func TestPreprocessLongOrNonASCII(t *testing.T) {
	rt := &llm.Scripted{Reply: func(req llm.Request) (string, error) {
		if strings.Contains(req.Prompt, "Detect the language") {
			return `{"language":"de","text":"close all youtube tabs"}`, nil
		}
		return `{"intent":"close","canonical_query":"youtube","constraints":{"includeApps":["youtube"]}}`, nil
	}}
	r := newRouter(rt, &clock{t: testNow}, nil)
	res := r.ParseIntent(context.Background(), "schließe alle YouTube-Tabs", "s")
	assert.Equal(t, "close all youtube tabs", res.Text)
	assert.Len(t, rt.Calls(), 2)

	r.ParseIntent(context.Background(), "close youtube", "s")
	assert.Len(t, rt.Calls(), 3, "short ASCII text skips preprocessing")
}

func TestOpenOnlyWhenNotTemporal(t *testing.T) {
	aliases := NewAliases(nil)
	utterances := []string{
		"open my cover letter doc", "close all youtube tabs", "what did I read yesterday",
		"what google doc was I editing yesterday?", "mute all except zoom", "show tabs from last week",
		"which notion page", "find the invoice from 2026-09-30", "reopen what I closed an hour ago",
		"list everything", "save these", "discard youtube",
	}
	for _, u := range utterances {
		intent := Fallback(u, aliases, testNow)
		if !intent.Constraints.ResultMustBeOpen {
			rng, _ := DetectTime(u, testNow)
			assert.NotNil(t, rng, u)
		}
		out, err := Normalize([]byte(`{"intent":"ask","constraints":{"resultMustBeOpen":false}}`), u, aliases, testNow)
		require.NoError(t, err)
		if !out.Constraints.ResultMustBeOpen {
			rng, _ := DetectTime(u, testNow)
			assert.NotNil(t, rng, u)
		}
	}
}

func TestLoadAliases(t *testing.T) {
	s, err := store.Open("", nil)
	require.NoError(t, err)
	defer s.Close()

	path := filepath.Join(t.TempDir(), "domains.yaml")
	require.NoError(t, os.WriteFile(path, []byte("aliases:\n  wiki: https://www.internal-wiki.example.com/home\n  Zoom: zoom.com\n"), 0o600))

	a, err := LoadAliases(path, s, nil)
	require.NoError(t, err)
	assert.Equal(t, "internal-wiki.example.com", a.Resolve("wiki"))
	assert.Equal(t, "zoom.com", a.Resolve("zoom"))
	assert.Equal(t, "youtube.com", a.Resolve("YouTube"))
	assert.Equal(t, "example.org", a.Resolve("www.example.org"))

	// the overrides survive without the file
	b, err := LoadAliases(filepath.Join(t.TempDir(), "missing.yaml"), s, nil)
	require.NoError(t, err)
	assert.Equal(t, "internal-wiki.example.com", b.Resolve("wiki"))

	require.NoError(t, os.WriteFile(path, []byte("aliases: [broken"), 0o600))
	_, err = LoadAliases(path, s, nil)
	assert.Error(t, err)
}

func TestAliasesFind(t *testing.T) {
	a := NewAliases(nil)
	domains, rest := a.Find("my google docs and zoom.us meeting")
	assert.Equal(t, []string{"docs.google.com", "zoom.us"}, domains)
	assert.Equal(t, "my and meeting", rest)
}
