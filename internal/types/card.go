// Package types holds the data model shared by the index, router, pipeline,
// executor, and conversation manager.
package types

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Source identifies where a card came from. Only tab cards are indexed; the
// others are produced on demand at the boundary.
type Source string

const (
	SourceTab      Source = "tab"
	SourceHistory  Source = "history"
	SourceBookmark Source = "bookmark"
	SourceSession  Source = "session"
)

// Prior is the dedup tiebreak rank: tab > bookmark > history > closed session.
func (s Source) Prior() int {
	switch s {
	case SourceTab:
		return 4
	case SourceBookmark:
		return 2
	case SourceHistory:
		return 1
	default:
		return 0
	}
}

// Valid reports whether s is one of the known sources.
func (s Source) Valid() bool {
	switch s {
	case SourceTab, SourceHistory, SourceBookmark, SourceSession:
		return true
	}
	return false
}

// CardType distinguishes ordinary pages from documents.
type CardType string

const (
	TypePage CardType = "page"
	TypePDF  CardType = "pdf"
)

// Card is the unit of everything searchable.
type Card struct {
	CardID        string   `json:"cardId"`
	Source        Source   `json:"source"`
	SourceID      int      `json:"sourceId"`
	TabID         int      `json:"tabId"`
	WindowID      int      `json:"windowId"`
	Title         string   `json:"title"`
	URL           string   `json:"url"`
	Domain        string   `json:"domain"`
	Type          CardType `json:"type"`
	IsPinned      bool     `json:"isPinned"`
	GroupID       int      `json:"groupId,omitempty"`
	GroupName     string   `json:"groupName,omitempty"`
	SessionID     string   `json:"sessionId,omitempty"`
	LastVisitedAt int64    `json:"lastVisitedAt"`
	UpdatedAt     int64    `json:"updatedAt"`
}

// IsOpenTab reports whether the card refers to a live tab.
func (c Card) IsOpenTab() bool {
	return c.Source == SourceTab && c.TabID > 0
}

// Age returns how long ago the card was last visited.
func (c Card) Age(now time.Time) time.Duration {
	if c.LastVisitedAt <= 0 {
		return time.Duration(1<<63 - 1)
	}
	return now.Sub(time.UnixMilli(c.LastVisitedAt))
}

// TabCardID returns the primary key for an open tab.
func TabCardID(tabID int) string {
	return "tab:" + strconv.Itoa(tabID)
}

// HistoryCardID returns the key for a history item surfaced at the boundary.
func HistoryCardID(id string) string { return "history:" + id }

// BookmarkCardID returns the key for a bookmark surfaced at the boundary.
func BookmarkCardID(id string) string { return "bookmark:" + id }

// SessionCardID returns the key for a recently closed session.
func SessionCardID(sessionID string) string { return "session:" + sessionID }

// ParseCardID splits a card id into its source and the source-specific id.
func ParseCardID(cardID string) (Source, string, error) {
	prefix, rest, ok := strings.Cut(cardID, ":")
	if !ok || rest == "" {
		return "", "", fmt.Errorf("malformed card id %q", cardID)
	}
	src := Source(prefix)
	if !src.Valid() {
		return "", "", fmt.Errorf("unknown card source %q", prefix)
	}
	return src, rest, nil
}

// TabIDFromCardID extracts the tab id from a "tab:<id>" card id.
func TabIDFromCardID(cardID string) (int, bool) {
	src, rest, err := ParseCardID(cardID)
	if err != nil || src != SourceTab {
		return 0, false
	}
	id, err := strconv.Atoi(rest)
	if err != nil {
		return 0, false
	}
	return id, true
}

// TypeForURL guesses the card type from the URL path.
func TypeForURL(rawURL string) CardType {
	lower := strings.ToLower(rawURL)
	if i := strings.IndexAny(lower, "?#"); i >= 0 {
		lower = lower[:i]
	}
	if strings.HasSuffix(lower, ".pdf") {
		return TypePDF
	}
	return TypePage
}

// LexicalHit is one lexical search result.
type LexicalHit struct {
	Card  Card    `json:"card"`
	Score float64 `json:"score"`
}

// TabInfo is the restorable snapshot of a tab kept in previews and undo entries.
type TabInfo struct {
	TabID    int    `json:"tabId"`
	URL      string `json:"url"`
	Title    string `json:"title"`
	WindowID int    `json:"windowId"`
	Index    int    `json:"index"`
	Pinned   bool   `json:"pinned,omitempty"`
}
