package index

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/DatanoiseTV/tabitha/internal/browser"
	"github.com/DatanoiseTV/tabitha/internal/store"
	"github.com/DatanoiseTV/tabitha/internal/types"
)

// memStore is a map-backed CardStore.
type memStore struct {
	mu    sync.Mutex
	cards map[string]types.Card
	slots map[string][]byte
	puts  int
	fail  error
}

func newMemStore() *memStore {
	return &memStore{cards: make(map[string]types.Card), slots: make(map[string][]byte)}
}

func (s *memStore) PutCards(cards []types.Card) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.puts++
	for _, c := range cards {
		s.cards[c.CardID] = c
	}
	return nil
}

func (s *memStore) DeleteCards(ids ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.cards, id)
	}
	return nil
}

func (s *memStore) GetCard(id string) (types.Card, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cards[id]
	if !ok {
		return c, store.ErrNotFound
	}
	return c, nil
}

func (s *memStore) AllCards() ([]types.Card, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Card, 0, len(s.cards))
	for _, c := range s.cards {
		out = append(out, c)
	}
	return out, nil
}

func (s *memStore) GetSlot(name string, out any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.slots[name]
	if !ok {
		return store.ErrNotFound
	}
	return json.Unmarshal(data, out)
}

func (s *memStore) PutSlot(name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slots[name] = data
	return nil
}

func (s *memStore) has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.cards[id]
	return ok
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestIndex(t *testing.T, b browser.Browser, s CardStore, clock *fakeClock) *Index {
	t.Helper()
	x := New(Options{
		Store:         s,
		Browser:       b,
		Now:           clock.Now,
		WriteDebounce: 10 * time.Millisecond,
	})
	require.NoError(t, x.Init(context.Background()))
	t.Cleanup(func() { _ = x.Close() })
	return x
}

func assertBijection(t *testing.T, b *browser.Memory, x *Index) {
	t.Helper()
	tabs, err := b.ListTabs(context.Background())
	require.NoError(t, err)
	want := make(map[string]bool, len(tabs))
	for _, tab := range tabs {
		want[types.TabCardID(tab.ID)] = true
	}
	got := make(map[string]bool)
	for _, c := range x.All() {
		got[c.CardID] = true
	}
	assert.Equal(t, want, got)
}

func TestInit_ReconcilesPersistedCards(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)}
	b := browser.NewMemory(clock.Now)
	a := b.AddTab(browser.Tab{URL: "https://docs.google.com/document/d/abc", Title: "Cover Letter – John"})

	s := newMemStore()
	require.NoError(t, s.PutCards([]types.Card{
		{CardID: "tab:999", Source: types.SourceTab, TabID: 999, Title: "Gone"},
		{CardID: "history:1", Source: types.SourceHistory, Title: "Never indexed"},
	}))

	x := newTestIndex(t, b, s, clock)
	assertBijection(t, b, x)
	assert.False(t, s.has("tab:999"))
	assert.False(t, s.has("history:1"))

	c, ok := x.Get(types.TabCardID(a.ID))
	require.True(t, ok)
	assert.Equal(t, "docs.google.com", c.Domain)
	assert.Equal(t, types.TypePage, c.Type)
}

func TestLifecycleEventsKeepBijection(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)}
	b := browser.NewMemory(clock.Now)
	b.AddTab(browser.Tab{URL: "https://a.com", Title: "A"})
	x := newTestIndex(t, b, newMemStore(), clock)

	created := b.AddTab(browser.Tab{URL: "https://youtube.com/watch?v=1", Title: "Lo-fi beats"})
	require.Eventually(t, func() bool { return x.Len() == 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, b.Navigate(created.ID, "https://youtube.com/watch?v=2", "Jazz radio"))
	require.Eventually(t, func() bool {
		c, _ := x.Get(types.TabCardID(created.ID))
		return c.Title == "Jazz radio"
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, x.Postings("beats"))
	assert.Equal(t, []string{types.TabCardID(created.ID)}, x.Postings("jazz"))

	require.NoError(t, b.RemoveTabs(context.Background(), []int{created.ID}))
	require.Eventually(t, func() bool { return x.Len() == 1 }, time.Second, 5*time.Millisecond)
	assertBijection(t, b, x)
}

// listingBrowser runs afterList once, between reading the tab list and
// returning it.
type listingBrowser struct {
	*browser.Memory
	afterList func()
}

func (b *listingBrowser) ListTabs(ctx context.Context) ([]browser.Tab, error) {
	tabs, err := b.Memory.ListTabs(ctx)
	if hook := b.afterList; hook != nil {
		b.afterList = nil
		hook()
	}
	return tabs, err
}

func TestReconcileKeepsEventsSeenDuringListing(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)}
	mem := browser.NewMemory(clock.Now)
	mem.AddTab(browser.Tab{URL: "https://a.com", Title: "Standup notes"})
	doomed := mem.AddTab(browser.Tab{URL: "https://youtube.com/watch?v=1", Title: "Lo-fi beats"})
	b := &listingBrowser{Memory: mem}
	x := newTestIndex(t, b, newMemStore(), clock)
	require.Equal(t, 2, x.Len())

	var born browser.Tab
	b.afterList = func() {
		require.NoError(t, mem.RemoveTabs(context.Background(), []int{doomed.ID}))
		born = mem.AddTab(browser.Tab{URL: "https://github.com/acme/app", Title: "Release checklist"})
		require.Eventually(t, func() bool {
			return len(x.Postings("beats")) == 0 && len(x.Postings("checklist")) == 1
		}, time.Second, 5*time.Millisecond)
	}
	require.NoError(t, x.reconcile(context.Background()))

	assert.Empty(t, x.Postings("beats"), "a tab closed mid-reconcile stays closed")
	assert.Equal(t, []string{types.TabCardID(born.ID)}, x.Postings("checklist"), "a tab opened mid-reconcile is kept")
	assertBijection(t, mem, x)
}

func TestInitServesPersistedCardsWhileBridgeDisconnected(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	b := browser.NewBridge(nil)
	t.Cleanup(func() { _ = b.Close() })
	s := newMemStore()
	require.NoError(t, s.PutCards([]types.Card{
		{CardID: "tab:7", Source: types.SourceTab, TabID: 7, Title: "Release Notes", URL: "https://example.com/notes", Domain: "example.com"},
	}))

	x := newTestIndex(t, b, s, clock)

	c, ok := x.Get("tab:7")
	require.True(t, ok)
	assert.Equal(t, "Release Notes", c.Title)
	res := x.LexicalSearch("release notes", 5, Filters{})
	require.NotEmpty(t, res.Hits)
	assert.Equal(t, "tab:7", res.Hits[0].Card.CardID)
}

func TestRemoveClosesPostings(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	b := browser.NewMemory(clock.Now)
	tab := b.AddTab(browser.Tab{URL: "https://notion.so/roadmap", Title: "Roadmap Q3"})
	x := newTestIndex(t, b, newMemStore(), clock)

	id := types.TabCardID(tab.ID)
	require.NotEmpty(t, x.Postings("roadmap"))
	x.Remove(id)
	for _, tok := range cardTokens("Roadmap Q3", "https://notion.so/roadmap", "notion.so") {
		assert.NotContains(t, x.Postings(tok), id, tok)
	}
}

func TestUpsertIsVisibleToSearchImmediately(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	b := browser.NewMemory(clock.Now)
	x := newTestIndex(t, b, newMemStore(), clock)

	require.NoError(t, x.Upsert(types.Card{
		CardID: "tab:77", Source: types.SourceTab, TabID: 77,
		Title: "Quarterly planning", URL: "https://docs.google.com/document/d/q", Domain: "docs.google.com",
	}))
	res := x.LexicalSearch("quarterly", 10, Filters{})
	require.Len(t, res.Hits, 1)
	assert.Equal(t, "tab:77", res.Hits[0].Card.CardID)
}

func TestWritesAreDebounced(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	b := browser.NewMemory(clock.Now)
	s := newMemStore()
	x := newTestIndex(t, b, s, clock)

	for i := range 5 {
		require.NoError(t, x.Upsert(types.Card{CardID: fmt.Sprintf("tab:%d", 100+i), Source: types.SourceTab, TabID: 100 + i}))
	}
	require.Eventually(t, func() bool { return s.has("tab:104") }, time.Second, 5*time.Millisecond)
	s.mu.Lock()
	puts := s.puts
	s.mu.Unlock()
	assert.LessOrEqual(t, puts, 2, "five upserts inside one window flush together")
}

func TestPersistFailureKeepsCache(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	b := browser.NewMemory(clock.Now)
	s := newMemStore()
	x := newTestIndex(t, b, s, clock)
	s.mu.Lock()
	s.fail = fmt.Errorf("disk full")
	s.mu.Unlock()

	require.NoError(t, x.Upsert(types.Card{CardID: "tab:5", Source: types.SourceTab, TabID: 5, Title: "Kept"}))
	x.writer.flush()
	c, ok := x.Get("tab:5")
	require.True(t, ok)
	assert.Equal(t, "Kept", c.Title)
}

func TestRefreshThrottle(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)}
	b := browser.NewMemory(clock.Now)
	x := newTestIndex(t, b, newMemStore(), clock)
	ctx := context.Background()

	ran, err := x.RefreshOpenTabs(ctx)
	require.NoError(t, err)
	assert.True(t, ran)

	clock.Advance(1999 * time.Millisecond)
	ran, err = x.RefreshOpenTabs(ctx)
	require.NoError(t, err)
	assert.False(t, ran, "second call within 2s is throttled")

	clock.Advance(time.Millisecond)
	ran, err = x.RefreshOpenTabs(ctx)
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestCountsAndQueryPurgeNonTabs(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	b := browser.NewMemory(clock.Now)
	b.AddTab(browser.Tab{URL: "https://a.com/x.pdf", Title: "Paper"})
	b.AddTab(browser.Tab{URL: "https://b.com", Title: "B"})
	x := newTestIndex(t, b, newMemStore(), clock)

	x.mu.Lock()
	x.putLocked(types.Card{CardID: "bookmark:1", Source: types.SourceBookmark, Title: "stray"})
	x.mu.Unlock()

	counts := x.Counts()
	assert.Equal(t, 2, counts.Total)
	assert.Equal(t, 1, counts.ByType["pdf"])
	assert.Equal(t, 2, counts.BySource["tab"])

	got := x.Query(Filters{Domain: "a.com"}, 10)
	require.Len(t, got, 1)
	assert.Equal(t, "Paper", got[0].Title)
}

func TestGroupUpdateRefreshesGroupName(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	b := browser.NewMemory(clock.Now)
	tab := b.AddTab(browser.Tab{URL: "https://a.com", Title: "A"})
	g := b.AddGroup("Research", tab.ID)
	x := newTestIndex(t, b, newMemStore(), clock)

	c, _ := x.Get(types.TabCardID(tab.ID))
	assert.Equal(t, "Research", c.GroupName)

	_, err := b.UpdateGroup(context.Background(), g.ID, browser.GroupUpdate{Title: browser.String("Thesis")})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		c, _ := x.Get(types.TabCardID(tab.ID))
		return c.GroupName == "Thesis"
	}, time.Second, 5*time.Millisecond)
}

func TestCloseStopsGoroutines(t *testing.T) {
	defer goleak.VerifyNone(t)

	b := browser.NewMemory(nil)
	b.AddTab(browser.Tab{URL: "https://a.com", Title: "A"})
	x := New(Options{Store: newMemStore(), Browser: b, WriteDebounce: time.Hour})
	require.NoError(t, x.Init(context.Background()))
	require.NoError(t, x.Upsert(types.Card{CardID: "tab:9", Source: types.SourceTab, TabID: 9}))
	require.NoError(t, x.Close())
}

func TestBadgerBackedIndex(t *testing.T) {
	s, err := store.Open("", nil)
	require.NoError(t, err)
	defer s.Close()

	clock := &fakeClock{t: time.Now()}
	b := browser.NewMemory(clock.Now)
	tab := b.AddTab(browser.Tab{URL: "https://zoom.us/j/1", Title: "Standup"})
	x := New(Options{Store: s, Browser: b, Now: clock.Now, WriteDebounce: time.Millisecond})
	require.NoError(t, x.Init(context.Background()))
	require.NoError(t, x.Close())

	c, err := s.GetCard(types.TabCardID(tab.ID))
	require.NoError(t, err)
	assert.Equal(t, "zoom.us", c.Domain)
}
