package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DatanoiseTV/tabitha/internal/llm"
	"github.com/DatanoiseTV/tabitha/internal/types"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 10, 15, 14, 0, 0, 0, time.UTC)}
}

func cand(id int, title, domain string) types.Candidate {
	return types.Candidate{Card: types.Card{
		CardID: types.TabCardID(id), Source: types.SourceTab, TabID: id, Title: title, Domain: domain,
	}}
}

var coverLetters = []types.Candidate{
	cand(1, "Cover Letter", "docs.google.com"),
	cand(2, "Cover Letter", "notion.so"),
}

func TestHistoryCap(t *testing.T) {
	m := NewManager(Options{Now: newClock().Now})
	for i := range 25 {
		m.Append("s", Entry{Role: RoleUser, Content: fmt.Sprintf("msg %d", i)})
	}
	h := m.History("s")
	require.Len(t, h, DefaultHistoryCap)
	assert.Equal(t, "msg 5", h[0].Content)
	assert.Equal(t, "msg 24", h[19].Content)
	assert.Nil(t, m.History("other"))
}

func TestFormattedContextCache(t *testing.T) {
	clock := newClock()
	m := NewManager(Options{Now: clock.Now})
	m.Append("s", Entry{Role: RoleUser, Content: "open cover letter"})
	m.Append("s", Entry{Role: RoleAssistant, Content: "which one?", Results: coverLetters})

	ctx1 := m.FormattedContext("s")
	assert.Contains(t, ctx1, "user: open cover letter")
	assert.Contains(t, ctx1, "[2] Cover Letter (notion.so)")

	m.Append("s", Entry{Role: RoleUser, Content: "the first one"})
	assert.Contains(t, m.FormattedContext("s"), "the first one", "append invalidates the cache")
	assert.Empty(t, m.FormattedContext("nobody"))
}

func TestFormattedContextShowsRecentTurns(t *testing.T) {
	m := NewManager(Options{Now: newClock().Now})
	for i := range 10 {
		m.Append("s", Entry{Role: RoleUser, Content: fmt.Sprintf("turn-%d", i)})
	}
	got := m.FormattedContext("s")
	assert.NotContains(t, got, "turn-3")
	assert.Contains(t, got, "turn-4")
	assert.Contains(t, got, "turn-9")
}

func TestSlotExpiryBoundary(t *testing.T) {
	clock := newClock()
	m := NewManager(Options{Now: clock.Now})
	m.StoreCandidates("s", coverLetters, types.Intent{Kind: types.IntentOpen}, "cover letter")

	clock.Advance(DefaultSlotTTL - time.Millisecond)
	slot, ok := m.Slot("s")
	require.True(t, ok)
	assert.Len(t, slot.Candidates, 2)
	assert.Equal(t, 1, slot.Candidates[0].Index)

	clock.Advance(2 * time.Millisecond)
	_, ok = m.Slot("s")
	assert.False(t, ok)
	assert.Nil(t, m.LastCandidates("s"))
}

func TestSlotOverwriteAndClear(t *testing.T) {
	m := NewManager(Options{Now: newClock().Now})
	m.StoreCandidates("s", coverLetters, types.Intent{Kind: types.IntentOpen}, "")
	m.StoreCandidates("s", []types.Candidate{cand(3, "A", "a.com"), cand(4, "B", "b.com"), cand(5, "C", "c.com")}, types.Intent{Kind: types.IntentClose}, "")
	slot, ok := m.Slot("s")
	require.True(t, ok)
	assert.Equal(t, types.IntentClose, slot.Intent.Kind)
	assert.Len(t, slot.Candidates, 3)

	m.StoreCandidates("s", coverLetters[:1], types.Intent{Kind: types.IntentOpen}, "")
	_, ok = m.Slot("s")
	assert.False(t, ok, "a single candidate is not a disambiguation")

	m.StoreCandidates("s", coverLetters, types.Intent{Kind: types.IntentOpen}, "")
	m.ClearSlot("s")
	_, ok = m.Slot("s")
	assert.False(t, ok)
}

func TestUnderstandFollowUpRules(t *testing.T) {
	m := NewManager(Options{Now: newClock().Now})
	slots := []types.SlotCandidate{
		{CardID: "tab:1", Title: "Cover Letter", Domain: "docs.google.com", Index: 1},
		{CardID: "tab:2", Title: "Cover Letter", Domain: "notion.so", Index: 2},
		{CardID: "tab:3", Title: "Budget 2026", Domain: "sheets.example.com", Index: 3},
	}
	tests := []struct {
		msg    string
		action FollowUpAction
		number int
	}{
		{"the first one", FollowUpSelect, 1},
		{"2", FollowUpSelect, 2},
		{"#3", FollowUpSelect, 3},
		{"number two", FollowUpSelect, 2},
		{"the last one", FollowUpSelect, 3},
		{"the third", FollowUpSelect, 3},
		{"the fifth one", FollowUpUnclear, 0},
		{"yes", FollowUpConfirm, 0},
		{"ok go ahead", FollowUpConfirm, 0},
		{"nevermind", FollowUpCancel, 0},
		{"no thanks", FollowUpCancel, 0},
		{"never mind", FollowUpCancel, 0},
		{"the notion one", FollowUpSpecify, 2},
		{"budget", FollowUpSpecify, 3},
		{"cover letter", FollowUpUnclear, 0},
		{"hmm", FollowUpUnclear, 0},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			f := m.UnderstandFollowUp(context.Background(), "open cover letter", "which one?", slots, tt.msg, "s")
			assert.Equal(t, tt.action, f.Action)
			assert.Equal(t, tt.number, f.TabNumber)
			if tt.number > 0 {
				assert.Equal(t, slots[tt.number-1].CardID, f.CardID)
			}
		})
	}
}

func TestAnaphoricSelectAfterDisambiguation(t *testing.T) {
	m := NewManager(Options{Now: newClock().Now})
	m.StoreCandidates("s", coverLetters, types.Intent{Kind: types.IntentOpen}, "cover letter")

	f := m.UnderstandFollowUp(context.Background(), "open cover letter", "", m.LastCandidates("s"), "the first one", "s")
	assert.Equal(t, FollowUpSelect, f.Action)
	assert.Equal(t, 1, f.TabNumber)
	assert.Equal(t, "tab:1", f.CardID)
}

func TestUnderstandFollowUpAsksModel(t *testing.T) {
	rt := llm.Fixed(`{"action":"select","tabNumber":2}`)
	m := NewManager(Options{Runtime: rt, Now: newClock().Now})
	slots := []types.SlotCandidate{
		{CardID: "tab:1", Title: "Cover Letter", Domain: "docs.google.com", Index: 1},
		{CardID: "tab:2", Title: "Cover Letter", Domain: "notion.so", Index: 2},
	}
	f := m.UnderstandFollowUp(context.Background(), "open cover letter", "which one?", slots, "the one I wrote yesterday evening", "s")
	assert.Equal(t, FollowUpSelect, f.Action)
	assert.Equal(t, "tab:2", f.CardID)
	assert.Equal(t, "model", f.Source)

	bad := NewManager(Options{Runtime: llm.Fixed(`{"action":"select","tabNumber":9}`), Now: newClock().Now})
	f = bad.UnderstandFollowUp(context.Background(), "", "", slots, "something vague", "s")
	assert.Equal(t, FollowUpUnclear, f.Action)

	f = m.UnderstandFollowUp(context.Background(), "", "", slots, "yes", "s")
	assert.Equal(t, FollowUpConfirm, f.Action)
	assert.Len(t, rt.Calls(), 1, "rules answer without the model")
}

func TestDisambiguationText(t *testing.T) {
	r := NewResponder(ResponderOptions{Now: newClock().Now})
	in := types.Intent{Kind: types.IntentOpen}

	chat := r.Disambiguation(context.Background(), in, coverLetters, StyleChat)
	assert.Equal(t, "You have 2 matching tabs open — which one?\n1. Cover Letter (docs.google.com)\n2. Cover Letter (notion.so)", chat)

	voice := r.Disambiguation(context.Background(), in, coverLetters, StyleVoice)
	assert.Equal(t, "You have 2 matching tabs open — which one? The first is Cover Letter on docs.google.com, and the second is Cover Letter on notion.so.", voice)

	many := []types.Candidate{cand(1, "A", "a.com"), cand(2, "B", "b.com"), cand(3, "C", "c.com"), cand(4, "D", "d.com")}
	voice = r.Disambiguation(context.Background(), in, many, StyleVoice)
	assert.True(t, strings.HasSuffix(voice, "Say a number. 1, A. 2, B. 3, C. 4, D."), voice)

	hist := []types.Candidate{{Card: types.Card{CardID: "history:1", Source: types.SourceHistory, Title: "X", Domain: "x.com"}}, cand(2, "Y", "y.com")}
	assert.True(t, strings.HasPrefix(r.Disambiguation(context.Background(), in, hist, StyleChat), "I found 2 matches"))
}

func TestSuccessText(t *testing.T) {
	r := NewResponder(ResponderOptions{Now: newClock().Now})
	ctx := context.Background()

	card := types.Card{Title: "Cover Letter – John", Domain: "docs.google.com"}
	assert.Equal(t, "Opened Cover Letter – John!", r.Success(ctx, types.Intent{Kind: types.IntentOpen}, types.ActionResult{OK: true, Action: "open", Card: &card}, StyleChat))

	preview := types.ActionResult{OK: true, Action: "close", Preview: true, Count: 3, Tabs: []types.TabInfo{{Title: "a"}, {Title: "b"}, {Title: "c"}}}
	assert.Equal(t, "That will close 3 tabs. Should I go ahead?\n- a\n- b\n- c", r.Success(ctx, types.Intent{Kind: types.IntentClose}, preview, StyleChat))
	assert.Equal(t, "That will close 3 tabs. Should I go ahead?", r.Success(ctx, types.Intent{Kind: types.IntentClose}, preview, StyleVoice))

	assert.Equal(t, "Restored 3 tabs.", r.Success(ctx, types.Intent{}, types.ActionResult{OK: true, Action: "undo_close", Restored: 3}, StyleChat))
	assert.Equal(t, "Muted 2 tabs. 1 couldn't be changed.", r.Success(ctx, types.Intent{Kind: types.IntentMute}, types.ActionResult{OK: true, Action: "mute", Count: 2, Failed: 1}, StyleChat))
	assert.Equal(t, "Grouped 2 tabs as Work.", r.Success(ctx, types.Intent{Kind: types.IntentSave}, types.ActionResult{OK: true, Action: "save", Method: "group", Count: 2, GroupName: "Work"}, StyleChat))
	assert.Equal(t, "It was Q3 Plan.", r.Success(ctx, types.Intent{Kind: types.IntentAsk}, types.ActionResult{OK: true, Action: "ask", Answer: "It was Q3 Plan."}, StyleChat))
}

func TestErrorText(t *testing.T) {
	r := NewResponder(ResponderOptions{Now: newClock().Now})
	in := types.Intent{Kind: types.IntentOpen, CanonicalQuery: "budget"}
	assert.Equal(t, `I couldn't find any tabs matching "budget". Try a word from the page title.`, r.Error(context.Background(), in, types.ErrNoCandidates, "", ""))
	assert.Equal(t, "Which site?", r.Error(context.Background(), in, types.ErrTooManyCandidates, "", "Which site?"))
	assert.Equal(t, defaultErrorTemplate, r.Error(context.Background(), in, "mystery", "", ""))
}

func TestModelTemplatesAreValidatedAndCached(t *testing.T) {
	clock := newClock()
	rt := llm.Fixed("Done! {title} is up front now.")
	r := NewResponder(ResponderOptions{Runtime: rt, Now: clock.Now})
	ctx := context.Background()
	in := types.Intent{Kind: types.IntentOpen}
	a := types.Card{Title: "Roadmap", Domain: "notion.so"}
	b := types.Card{Title: "Wiki", Domain: "notion.so"}

	assert.Equal(t, "Done! Roadmap is up front now.", r.Success(ctx, in, types.ActionResult{Action: "open", Card: &a}, StyleChat))
	assert.Equal(t, "Done! Wiki is up front now.", r.Success(ctx, in, types.ActionResult{Action: "open", Card: &b}, StyleChat))
	assert.Len(t, rt.Calls(), 1, "same intent, count, and domain reuse the template")

	clock.Advance(DefaultResponseTTL)
	r.Success(ctx, in, types.ActionResult{Action: "open", Card: &b}, StyleChat)
	assert.Len(t, rt.Calls(), 2)

	dropped := NewResponder(ResponderOptions{Runtime: llm.Fixed("Opened it!"), Now: clock.Now})
	assert.Equal(t, "Opened Roadmap!", dropped.Success(ctx, in, types.ActionResult{Action: "open", Card: &a}, StyleChat))

	invented := NewResponder(ResponderOptions{Runtime: llm.Fixed("Opened {title} for {user}!"), Now: clock.Now})
	assert.Equal(t, "Opened Roadmap!", invented.Success(ctx, in, types.ActionResult{Action: "open", Card: &a}, StyleChat))
}

func TestSlowModelFallsBackToTemplate(t *testing.T) {
	rt := llm.Fixed("Here you go: {title}")
	rt.Delay = time.Second
	r := NewResponder(ResponderOptions{Runtime: rt, Budget: 10 * time.Millisecond})
	card := types.Card{Title: "Roadmap"}
	assert.Equal(t, "Opened Roadmap!", r.Success(context.Background(), types.Intent{Kind: types.IntentOpen}, types.ActionResult{Action: "open", Card: &card}, StyleChat))
}

func TestConversational(t *testing.T) {
	r := NewResponder(ResponderOptions{Runtime: &llm.Scripted{Reply: func(llm.Request) (string, error) { return "", errors.New("down") }}})
	cands := []types.Candidate{cand(1, "A", "a.com"), cand(2, "B", "b.com"), cand(3, "C", "c.com"), cand(4, "D", "d.com")}
	got := r.Conversational(context.Background(), types.Intent{Kind: types.IntentList}, cands, "show my tabs", "")
	assert.Equal(t, "I found 4 tabs: A, B, C, and 1 more.", got)

	r = NewResponder(ResponderOptions{Runtime: llm.Fixed("  You have four tabs open.  ")})
	assert.Equal(t, "You have four tabs open.", r.Conversational(context.Background(), types.Intent{Kind: types.IntentList}, cands, "show my tabs", ""))
}
