package index

import (
	"strconv"
	"time"

	"github.com/DatanoiseTV/tabitha/internal/browser"
	"github.com/DatanoiseTV/tabitha/internal/types"
	"github.com/DatanoiseTV/tabitha/internal/urlkey"
)

// Cards for history, bookmarks, and closed sessions are built on demand at
// the boundary. They are never stored in the index.

// CardFromHistory converts a history entry.
func CardFromHistory(it browser.HistoryItem, now time.Time) types.Card {
	id, _ := strconv.Atoi(it.ID)
	return types.Card{
		CardID:        types.HistoryCardID(it.ID),
		Source:        types.SourceHistory,
		SourceID:      id,
		Title:         titleOr(it.Title, it.URL),
		URL:           it.URL,
		Domain:        urlkey.Domain(it.URL),
		Type:          types.TypeForURL(it.URL),
		LastVisitedAt: it.LastVisitTime,
		UpdatedAt:     now.UnixMilli(),
	}
}

// CardFromBookmark converts a bookmark. Folders have no card.
func CardFromBookmark(n *browser.BookmarkNode, now time.Time) (types.Card, bool) {
	if n == nil || n.IsFolder() {
		return types.Card{}, false
	}
	id, _ := strconv.Atoi(n.ID)
	return types.Card{
		CardID:        types.BookmarkCardID(n.ID),
		Source:        types.SourceBookmark,
		SourceID:      id,
		Title:         titleOr(n.Title, n.URL),
		URL:           n.URL,
		Domain:        urlkey.Domain(n.URL),
		Type:          types.TypeForURL(n.URL),
		LastVisitedAt: n.DateAdded,
		UpdatedAt:     now.UnixMilli(),
	}, true
}

// CardsFromBookmarks flattens a bookmark tree into cards.
func CardsFromBookmarks(roots []*browser.BookmarkNode, now time.Time) []types.Card {
	var out []types.Card
	var walk func(n *browser.BookmarkNode)
	walk = func(n *browser.BookmarkNode) {
		if c, ok := CardFromBookmark(n, now); ok {
			out = append(out, c)
		}
		for _, child := range n.Children {
			walk(child)
		}
	}
	for _, r := range roots {
		walk(r)
	}
	return out
}

// CardsFromSession converts a recently closed session. A closed window
// yields one card per tab, all sharing the session id.
func CardsFromSession(s browser.ClosedSession, now time.Time) []types.Card {
	tabs := s.Window
	if s.Tab != nil {
		tabs = []browser.ClosedTab{*s.Tab}
	}
	out := make([]types.Card, 0, len(tabs))
	for i, t := range tabs {
		id := s.SessionID
		if len(tabs) > 1 {
			id += "/" + strconv.Itoa(i)
		}
		out = append(out, types.Card{
			CardID:        types.SessionCardID(id),
			Source:        types.SourceSession,
			WindowID:      t.WindowID,
			Title:         titleOr(t.Title, t.URL),
			URL:           t.URL,
			Domain:        urlkey.Domain(t.URL),
			Type:          types.TypeForURL(t.URL),
			SessionID:     s.SessionID,
			LastVisitedAt: s.LastModified,
			UpdatedAt:     now.UnixMilli(),
		})
	}
	return out
}

func titleOr(title, url string) string {
	if title != "" {
		return title
	}
	return url
}
