package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalizeQuery(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Open my Cover Letter doc!", "open my cover letter doc"},
		{"  what's   on zoom.us?  ", "whats on zoom.us"},
		{"close... all, YouTube tabs", "close all youtube tabs"},
		{"John’s résumé", "johns résumé"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CanonicalizeQuery(tt.in), tt.in)
	}
}

func TestParseCardID(t *testing.T) {
	src, id, err := ParseCardID("tab:42")
	require.NoError(t, err)
	assert.Equal(t, SourceTab, src)
	assert.Equal(t, "42", id)

	src, id, err = ParseCardID(SessionCardID("abc:def"))
	require.NoError(t, err)
	assert.Equal(t, SourceSession, src)
	assert.Equal(t, "abc:def", id)

	_, _, err = ParseCardID("window:1")
	assert.Error(t, err)
	_, _, err = ParseCardID("tab:")
	assert.Error(t, err)
}

func TestTabIDFromCardID(t *testing.T) {
	id, ok := TabIDFromCardID(TabCardID(7))
	assert.True(t, ok)
	assert.Equal(t, 7, id)

	_, ok = TabIDFromCardID("history:7")
	assert.False(t, ok)
	_, ok = TabIDFromCardID("tab:x")
	assert.False(t, ok)
}

func TestTypeForURL(t *testing.T) {
	assert.Equal(t, TypePDF, TypeForURL("https://a.com/paper.PDF?dl=1"))
	assert.Equal(t, TypePage, TypeForURL("https://a.com/pdf-viewer"))
}

func TestSourcePrior(t *testing.T) {
	assert.Greater(t, SourceTab.Prior(), SourceBookmark.Prior())
	assert.Greater(t, SourceBookmark.Prior(), SourceHistory.Prior())
	assert.Greater(t, SourceHistory.Prior(), SourceSession.Prior())
}

func TestDateRangeContains(t *testing.T) {
	since := time.Date(2026, 10, 14, 0, 0, 0, 0, time.UTC)
	r := &DateRange{Since: since, Until: since.Add(24 * time.Hour)}
	assert.True(t, r.Contains(since))
	assert.True(t, r.Contains(since.Add(23*time.Hour)))
	assert.False(t, r.Contains(since.Add(24*time.Hour)))
	assert.False(t, r.Contains(since.Add(-time.Millisecond)))

	var none *DateRange
	assert.True(t, none.Contains(since))
}

func TestIntentJSON(t *testing.T) {
	raw := `{"intent":"mute","canonical_query":"all","constraints":{"resultMustBeOpen":true,"includeApps":[],"excludeApps":["zoom.us"]},"disambiguationNeeded":false}`
	var in Intent
	require.NoError(t, json.Unmarshal([]byte(raw), &in))
	assert.Equal(t, IntentMute, in.Kind)
	assert.Equal(t, []string{"zoom.us"}, in.Constraints.ExcludeApps)
	assert.True(t, in.Kind.BulkTabMutation())
	assert.False(t, in.GroupScoped())
}

type kindRecorder struct{}

func (kindRecorder) Open(Intent) IntentKind     { return IntentOpen }
func (kindRecorder) FindOpen(Intent) IntentKind { return IntentFindOpen }
func (kindRecorder) Close(Intent) IntentKind    { return IntentClose }
func (kindRecorder) Reopen(Intent) IntentKind   { return IntentReopen }
func (kindRecorder) Save(Intent) IntentKind     { return IntentSave }
func (kindRecorder) List(Intent) IntentKind     { return IntentList }
func (kindRecorder) Ask(Intent) IntentKind      { return IntentAsk }
func (kindRecorder) Mute(Intent) IntentKind     { return IntentMute }
func (kindRecorder) Unmute(Intent) IntentKind   { return IntentUnmute }
func (kindRecorder) Pin(Intent) IntentKind      { return IntentPin }
func (kindRecorder) Unpin(Intent) IntentKind    { return IntentUnpin }
func (kindRecorder) Reload(Intent) IntentKind   { return IntentReload }
func (kindRecorder) Discard(Intent) IntentKind  { return IntentDiscard }

func TestDispatchCoversEveryKind(t *testing.T) {
	for _, k := range IntentKinds {
		got, err := Dispatch[IntentKind](Intent{Kind: k}, kindRecorder{})
		require.NoError(t, err)
		assert.Equal(t, k, got)
	}
	_, err := Dispatch[IntentKind](Intent{Kind: "summon"}, kindRecorder{})
	assert.Error(t, err)
}

func TestAnaphora(t *testing.T) {
	w, ok := Anaphora("close those")
	assert.True(t, ok)
	assert.Equal(t, "those", w)
	w, ok = Anaphora("It")
	assert.True(t, ok)
	assert.Equal(t, "it", w)
	_, ok = Anaphora("open the italian recipe")
	assert.False(t, ok)

	for _, text := range []string{"that one", "close all of them", "pin those tabs", "this"} {
		_, ok := Anaphora(text)
		assert.True(t, ok, text)
	}
	for _, text := range []string{"what did I read this morning", "open this morning's notes", "close that github issue", "is it raining"} {
		_, ok := Anaphora(text)
		assert.False(t, ok, text)
	}
}
