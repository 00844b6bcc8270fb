package browser

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seeded(t *testing.T) (*Memory, []Tab) {
	t.Helper()
	m := NewMemory(nil)
	tabs := []Tab{
		m.AddTab(Tab{URL: "https://docs.google.com/document/d/abc", Title: "Cover Letter", Active: true}),
		m.AddTab(Tab{URL: "https://youtube.com/watch?v=1", Title: "Video 1"}),
		m.AddTab(Tab{URL: "https://youtube.com/watch?v=2", Title: "Video 2"}),
	}
	return m, tabs
}

func TestMemory_OrderAndActive(t *testing.T) {
	m, tabs := seeded(t)
	ctx := context.Background()

	list, err := m.ListTabs(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
	for i, tab := range list {
		assert.Equal(t, i, tab.Index)
	}

	active, err := m.ActiveTab(ctx)
	require.NoError(t, err)
	assert.Equal(t, tabs[0].ID, active.ID)

	_, err = m.UpdateTab(ctx, tabs[2].ID, TabUpdate{Active: Bool(true)})
	require.NoError(t, err)
	active, err = m.ActiveTab(ctx)
	require.NoError(t, err)
	assert.Equal(t, tabs[2].ID, active.ID)
	first, _ := m.Tab(tabs[0].ID)
	assert.False(t, first.Active)
}

func TestMemory_RemoveRecordsClosedSessions(t *testing.T) {
	m, tabs := seeded(t)
	ctx := context.Background()

	require.NoError(t, m.RemoveTabs(ctx, []int{tabs[1].ID, tabs[2].ID}))
	closed, err := m.RecentlyClosed(ctx, 25)
	require.NoError(t, err)
	require.Len(t, closed, 2)
	assert.Equal(t, "https://youtube.com/watch?v=2", closed[0].Tab.URL)
	assert.Equal(t, 2, closed[0].Tab.Index)

	restored, err := m.RestoreSession(ctx, closed[1].SessionID)
	require.NoError(t, err)
	require.Len(t, restored, 1)
	assert.Equal(t, "https://youtube.com/watch?v=1", restored[0].URL)
	assert.Equal(t, 1, restored[0].Index)

	_, err = m.RestoreSession(ctx, "nope")
	assert.ErrorIs(t, err, ErrNoSuchSession)
}

func TestMemory_WholeWindowBecomesOneSession(t *testing.T) {
	m := NewMemory(nil)
	a := m.AddTab(Tab{URL: "https://a.com", WindowID: 2})
	b := m.AddTab(Tab{URL: "https://b.com", WindowID: 2})
	ctx := context.Background()

	require.NoError(t, m.RemoveTabs(ctx, []int{a.ID, b.ID}))
	closed, err := m.RecentlyClosed(ctx, 0)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, []string{"https://a.com", "https://b.com"}, closed[0].URLs())
}

func TestMemory_RemoveUnknownTab(t *testing.T) {
	m, _ := seeded(t)
	err := m.RemoveTabs(context.Background(), []int{99})
	assert.ErrorIs(t, err, ErrNoSuchTab)
}

func TestMemory_GroupsAndBookmarks(t *testing.T) {
	m, tabs := seeded(t)
	ctx := context.Background()

	gid, err := m.GroupTabs(ctx, []int{tabs[1].ID, tabs[2].ID}, 0)
	require.NoError(t, err)
	g, err := m.UpdateGroup(ctx, gid, GroupUpdate{Title: String("Media")})
	require.NoError(t, err)
	assert.Equal(t, "Media", g.Title)

	require.NoError(t, m.MoveGroup(ctx, gid, 0))
	moved, _ := m.Tab(tabs[1].ID)
	assert.NotEqual(t, tabs[0].WindowID, moved.WindowID)

	require.NoError(t, m.UngroupTabs(ctx, []int{tabs[1].ID, tabs[2].ID}))
	groups, err := m.ListGroups(ctx)
	require.NoError(t, err)
	assert.Empty(t, groups)

	folder, err := m.CreateBookmark(ctx, CreateBookmark{ParentID: "2", Title: "Tabitha"})
	require.NoError(t, err)
	_, err = m.CreateBookmark(ctx, CreateBookmark{ParentID: folder.ID, Title: "x", URL: "https://x.com"})
	require.NoError(t, err)
	tree, err := m.BookmarkTree(ctx)
	require.NoError(t, err)
	other := tree[0].Children[1]
	require.Len(t, other.Children, 1)
	assert.Equal(t, "Tabitha", other.Children[0].Title)
	assert.Len(t, other.Children[0].Children, 1)
}

func TestMemory_SearchHistory(t *testing.T) {
	m := NewMemory(nil)
	base := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC).UnixMilli()
	m.AddHistory(
		HistoryItem{URL: "https://docs.google.com/document/d/1", Title: "Plan", LastVisitTime: base},
		HistoryItem{URL: "https://notion.so/p", Title: "Notes", LastVisitTime: base + 1000},
		HistoryItem{URL: "https://docs.google.com/document/d/2", Title: "Old", LastVisitTime: base - 48*3600*1000},
	)
	items, err := m.SearchHistory(context.Background(), HistoryQuery{StartTime: base - 3600*1000})
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "Notes", items[0].Title)

	items, err = m.SearchHistory(context.Background(), HistoryQuery{Text: "docs.google"})
	require.NoError(t, err)
	assert.Len(t, items, 2)
}

func TestMemory_FailTabAndDiscard(t *testing.T) {
	m, tabs := seeded(t)
	ctx := context.Background()
	boom := errors.New("boom")
	m.FailTab(tabs[1].ID, boom)

	_, err := m.UpdateTab(ctx, tabs[1].ID, TabUpdate{Muted: Bool(true)})
	assert.ErrorIs(t, err, boom)

	assert.Error(t, m.Discard(ctx, tabs[0].ID), "active tab cannot be discarded")
	require.NoError(t, m.Discard(ctx, tabs[2].ID))
	d, _ := m.Tab(tabs[2].ID)
	assert.True(t, d.Discarded)
}

func TestMemory_SubscribeDeliversEvents(t *testing.T) {
	m := NewMemory(nil)
	ctx, cancel := context.WithCancel(context.Background())
	events := m.Subscribe(ctx)

	tab := m.AddTab(Tab{URL: "https://a.com"})
	require.NoError(t, m.RemoveTabs(context.Background(), []int{tab.ID}))

	ev := <-events
	assert.Equal(t, EventCreated, ev.Kind)
	ev = <-events
	assert.Equal(t, EventRemoved, ev.Kind)
	assert.Equal(t, tab.ID, ev.TabID)

	cancel()
	for range events {
	}
}
