// Package browser is the browser-state surface: tabs, tab groups, recently
// closed sessions, bookmarks, and history. Implementations talk to a real
// browser (extension bridge, DevTools protocol) or keep a world in memory.
package browser

import (
	"context"
	"errors"
)

var (
	// ErrNoSuchTab is returned when a tab id does not refer to a live tab.
	ErrNoSuchTab = errors.New("no such tab")
	// ErrNoSuchGroup is returned when a group id does not refer to a live group.
	ErrNoSuchGroup = errors.New("no such group")
	// ErrNoSuchSession is returned when a closed session cannot be restored.
	ErrNoSuchSession = errors.New("no such session")
	// ErrUnsupported is returned by backends that cannot perform an operation.
	ErrUnsupported = errors.New("operation not supported by this browser backend")
	// ErrDisconnected is returned when the backend has no live connection.
	ErrDisconnected = errors.New("browser not connected")
)

// Tab is a live browser tab.
type Tab struct {
	ID           int    `json:"id"`
	WindowID     int    `json:"windowId"`
	Index        int    `json:"index"`
	URL          string `json:"url"`
	Title        string `json:"title"`
	Active       bool   `json:"active"`
	Pinned       bool   `json:"pinned"`
	Muted        bool   `json:"muted"`
	Audible      bool   `json:"audible"`
	Discarded    bool   `json:"discarded"`
	GroupID      int    `json:"groupId"`
	LastAccessed int64  `json:"lastAccessed"`
}

// Group is a tab group.
type Group struct {
	ID        int    `json:"id"`
	WindowID  int    `json:"windowId"`
	Title     string `json:"title"`
	Color     string `json:"color"`
	Collapsed bool   `json:"collapsed"`
}

// ClosedTab is a tab inside a recently closed session.
type ClosedTab struct {
	URL      string `json:"url"`
	Title    string `json:"title"`
	WindowID int    `json:"windowId"`
	Index    int    `json:"index"`
}

// ClosedSession is one entry of the recently closed list: either a single
// tab or a whole window.
type ClosedSession struct {
	SessionID    string      `json:"sessionId"`
	LastModified int64       `json:"lastModified"`
	Tab          *ClosedTab  `json:"tab,omitempty"`
	Window       []ClosedTab `json:"window,omitempty"`
}

// URLs returns every URL the session would restore.
func (s ClosedSession) URLs() []string {
	if s.Tab != nil {
		return []string{s.Tab.URL}
	}
	urls := make([]string, 0, len(s.Window))
	for _, t := range s.Window {
		urls = append(urls, t.URL)
	}
	return urls
}

// BookmarkNode is a folder (no URL) or a bookmark.
type BookmarkNode struct {
	ID        string          `json:"id"`
	ParentID  string          `json:"parentId,omitempty"`
	Title     string          `json:"title"`
	URL       string          `json:"url,omitempty"`
	DateAdded int64           `json:"dateAdded,omitempty"`
	Children  []*BookmarkNode `json:"children,omitempty"`
}

// IsFolder reports whether the node is a folder.
func (n *BookmarkNode) IsFolder() bool { return n.URL == "" }

// HistoryItem is one history entry.
type HistoryItem struct {
	ID            string `json:"id"`
	URL           string `json:"url"`
	Title         string `json:"title"`
	LastVisitTime int64  `json:"lastVisitTime"`
	VisitCount    int    `json:"visitCount"`
}

// HistoryQuery bounds a history search. Times are ms epoch; zero is open.
type HistoryQuery struct {
	Text       string `json:"text"`
	StartTime  int64  `json:"startTime,omitempty"`
	EndTime    int64  `json:"endTime,omitempty"`
	MaxResults int    `json:"maxResults,omitempty"`
}

// TabUpdate changes tab properties. Nil fields are left alone.
type TabUpdate struct {
	Active *bool `json:"active,omitempty"`
	Muted  *bool `json:"muted,omitempty"`
	Pinned *bool `json:"pinned,omitempty"`
}

// GroupUpdate changes group properties. Nil fields are left alone.
type GroupUpdate struct {
	Title     *string `json:"title,omitempty"`
	Color     *string `json:"color,omitempty"`
	Collapsed *bool   `json:"collapsed,omitempty"`
}

// CreateTab describes a new tab. A nil Index appends; zero WindowID uses the
// focused window.
type CreateTab struct {
	URL      string `json:"url"`
	WindowID int    `json:"windowId,omitempty"`
	Index    *int   `json:"index,omitempty"`
	Active   bool   `json:"active"`
	Pinned   bool   `json:"pinned,omitempty"`
}

// CreateBookmark describes a new bookmark or folder (empty URL).
type CreateBookmark struct {
	ParentID string `json:"parentId"`
	Title    string `json:"title"`
	URL      string `json:"url,omitempty"`
}

// EventKind names a tab lifecycle event.
type EventKind string

const (
	EventCreated      EventKind = "created"
	EventUpdated      EventKind = "updated"
	EventActivated    EventKind = "activated"
	EventRemoved      EventKind = "removed"
	EventAttached     EventKind = "attached"
	EventDetached     EventKind = "detached"
	EventGroupUpdated EventKind = "group_updated"
	// EventSnapshot asks listeners to reconcile against a full listing.
	EventSnapshot EventKind = "snapshot"
)

// Event is a tab lifecycle notification.
type Event struct {
	Kind     EventKind `json:"kind"`
	TabID    int       `json:"tabId,omitempty"`
	WindowID int       `json:"windowId,omitempty"`
	GroupID  int       `json:"groupId,omitempty"`
	Tab      *Tab      `json:"tab,omitempty"`
	Group    *Group    `json:"group,omitempty"`
}

// Browser is everything the pipeline reads from or writes to the browser.
type Browser interface {
	ListTabs(ctx context.Context) ([]Tab, error)
	GetTab(ctx context.Context, tabID int) (Tab, error)
	ActiveTab(ctx context.Context) (Tab, error)
	ListGroups(ctx context.Context) ([]Group, error)
	RecentlyClosed(ctx context.Context, max int) ([]ClosedSession, error)
	BookmarkTree(ctx context.Context) ([]*BookmarkNode, error)
	SearchHistory(ctx context.Context, q HistoryQuery) ([]HistoryItem, error)

	UpdateTab(ctx context.Context, tabID int, u TabUpdate) (Tab, error)
	MoveTab(ctx context.Context, tabID, windowID, index int) error
	RemoveTabs(ctx context.Context, tabIDs []int) error
	CreateTab(ctx context.Context, opts CreateTab) (Tab, error)
	Reload(ctx context.Context, tabID int) error
	Discard(ctx context.Context, tabID int) error

	// GroupTabs adds tabs to groupID, or to a new group when groupID is 0,
	// and returns the group id.
	GroupTabs(ctx context.Context, tabIDs []int, groupID int) (int, error)
	UngroupTabs(ctx context.Context, tabIDs []int) error
	UpdateGroup(ctx context.Context, groupID int, u GroupUpdate) (Group, error)
	// MoveGroup moves a group to windowID, or to a new window when windowID is 0.
	MoveGroup(ctx context.Context, groupID, windowID int) error

	CreateBookmark(ctx context.Context, b CreateBookmark) (*BookmarkNode, error)
	// RestoreSession restores a recently closed session and returns the tabs
	// it reopened.
	RestoreSession(ctx context.Context, sessionID string) ([]Tab, error)

	// Subscribe delivers lifecycle events until ctx is done.
	Subscribe(ctx context.Context) <-chan Event
}

// Bool returns a pointer to b, for TabUpdate and GroupUpdate fields.
func Bool(b bool) *bool { return &b }

// String returns a pointer to s.
func String(s string) *string { return &s }

// Int returns a pointer to i.
func Int(i int) *int { return &i }

var (
	_ Browser = (*Memory)(nil)
	_ Browser = (*Bridge)(nil)
	_ Browser = (*CDP)(nil)
)
