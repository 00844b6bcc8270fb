package browser

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	memoryClosedCap  = 25
	otherBookmarksID = "2"
)

// Memory is an in-process browser. It backs the REPL and every test that
// needs a browser; it follows Chromium's semantics closely enough for the
// pipeline: per-window tab order, one active tab per window, closed-session
// bookkeeping, and lifecycle events.
type Memory struct {
	mu  sync.Mutex
	now func() time.Time

	nextTab      int
	nextGroup    int
	nextSession  int
	nextBookmark int

	tabs        map[int]*Tab
	order       map[int][]int
	groups      map[int]*Group
	closed      []ClosedSession
	bookmarks   *BookmarkNode
	history     []HistoryItem
	focusedWin  int
	failures    map[int]error
	events      fanout
}

// NewMemory returns an empty browser with Chromium's default bookmark roots.
// A nil clock uses time.Now.
func NewMemory(now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{
		now:          now,
		nextTab:      1,
		nextGroup:    1,
		nextSession:  1,
		nextBookmark: 3,
		tabs:         make(map[int]*Tab),
		order:        make(map[int][]int),
		groups:       make(map[int]*Group),
		bookmarks: &BookmarkNode{ID: "0", Children: []*BookmarkNode{
			{ID: "1", ParentID: "0", Title: "Bookmarks bar"},
			{ID: otherBookmarksID, ParentID: "0", Title: "Other bookmarks"},
		}},
		focusedWin: 1,
		failures:   make(map[int]error),
	}
}

// AddTab seeds a tab. Zero ID and WindowID are assigned; Index is ignored
// and the tab is appended to its window.
func (m *Memory) AddTab(t Tab) Tab {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t.ID == 0 {
		t.ID = m.nextTab
	}
	if t.ID >= m.nextTab {
		m.nextTab = t.ID + 1
	}
	if t.WindowID == 0 {
		t.WindowID = m.focusedWin
	}
	if t.LastAccessed == 0 {
		t.LastAccessed = m.now().UnixMilli()
	}
	tab := t
	m.tabs[tab.ID] = &tab
	m.order[tab.WindowID] = append(m.order[tab.WindowID], tab.ID)
	if tab.Active {
		m.activateLocked(&tab)
	}
	m.reindexLocked(tab.WindowID)
	m.publishLocked(Event{Kind: EventCreated, TabID: tab.ID, WindowID: tab.WindowID, Tab: m.copyTab(tab.ID)})
	return *m.copyTab(tab.ID)
}

// AddGroup seeds a tab group holding tabIDs.
func (m *Memory) AddGroup(title string, tabIDs ...int) Group {
	m.mu.Lock()
	defer m.mu.Unlock()

	g := &Group{ID: m.nextGroup, Title: title, Color: "grey", WindowID: m.focusedWin}
	m.nextGroup++
	for _, id := range tabIDs {
		if t, ok := m.tabs[id]; ok {
			t.GroupID = g.ID
			g.WindowID = t.WindowID
		}
	}
	m.groups[g.ID] = g
	m.publishLocked(Event{Kind: EventGroupUpdated, GroupID: g.ID, Group: copyGroup(g)})
	return *g
}

// AddHistory seeds history entries. Missing ids are assigned.
func (m *Memory) AddHistory(items ...HistoryItem) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, it := range items {
		if it.ID == "" {
			it.ID = strconv.Itoa(len(m.history) + 1)
		}
		m.history = append(m.history, it)
	}
}

// Navigate changes a tab's URL and title as if the user followed a link.
func (m *Memory) Navigate(tabID int, url, title string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tabs[tabID]
	if !ok {
		return fmt.Errorf("navigate tab %d: %w", tabID, ErrNoSuchTab)
	}
	t.URL, t.Title = url, title
	t.LastAccessed = m.now().UnixMilli()
	m.publishLocked(Event{Kind: EventUpdated, TabID: tabID, WindowID: t.WindowID, Tab: m.copyTab(tabID)})
	return nil
}

// FailTab makes every mutation on tabID return err. A nil err clears it.
func (m *Memory) FailTab(tabID int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, tabID)
		return
	}
	m.failures[tabID] = err
}

// Tab returns a snapshot of one tab, for assertions.
func (m *Memory) Tab(tabID int) (Tab, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.copyTab(tabID)
	if t == nil {
		return Tab{}, false
	}
	return *t, true
}

func (m *Memory) ListTabs(ctx context.Context) ([]Tab, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listLocked(), nil
}

func (m *Memory) GetTab(ctx context.Context, tabID int) (Tab, error) {
	if err := ctx.Err(); err != nil {
		return Tab{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.copyTab(tabID)
	if t == nil {
		return Tab{}, fmt.Errorf("get tab %d: %w", tabID, ErrNoSuchTab)
	}
	return *t, nil
}

func (m *Memory) ActiveTab(ctx context.Context) (Tab, error) {
	if err := ctx.Err(); err != nil {
		return Tab{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var fallback *Tab
	for _, t := range m.listLocked() {
		if !t.Active {
			continue
		}
		if t.WindowID == m.focusedWin {
			return t, nil
		}
		if fallback == nil {
			c := t
			fallback = &c
		}
	}
	if fallback != nil {
		return *fallback, nil
	}
	return Tab{}, fmt.Errorf("active tab: %w", ErrNoSuchTab)
}

func (m *Memory) ListGroups(ctx context.Context) ([]Group, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Group, 0, len(m.groups))
	for _, g := range m.groups {
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) RecentlyClosed(ctx context.Context, max int) ([]ClosedSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.closed)
	if max > 0 && max < n {
		n = max
	}
	out := make([]ClosedSession, n)
	for i := range n {
		out[i] = copySession(m.closed[i])
	}
	return out, nil
}

func (m *Memory) BookmarkTree(ctx context.Context) ([]*BookmarkNode, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return []*BookmarkNode{copyBookmark(m.bookmarks)}, nil
}

func (m *Memory) SearchHistory(ctx context.Context, q HistoryQuery) ([]HistoryItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	text := strings.ToLower(strings.TrimSpace(q.Text))
	var out []HistoryItem
	for _, it := range m.history {
		if q.StartTime > 0 && it.LastVisitTime < q.StartTime {
			continue
		}
		if q.EndTime > 0 && it.LastVisitTime >= q.EndTime {
			continue
		}
		if text != "" && !strings.Contains(strings.ToLower(it.Title), text) && !strings.Contains(strings.ToLower(it.URL), text) {
			continue
		}
		out = append(out, it)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].LastVisitTime > out[j].LastVisitTime })
	limit := q.MaxResults
	if limit <= 0 {
		limit = 100
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) UpdateTab(ctx context.Context, tabID int, u TabUpdate) (Tab, error) {
	if err := ctx.Err(); err != nil {
		return Tab{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.mutableLocked(tabID)
	if err != nil {
		return Tab{}, fmt.Errorf("update tab %d: %w", tabID, err)
	}
	if u.Muted != nil {
		t.Muted = *u.Muted
	}
	if u.Pinned != nil {
		t.Pinned = *u.Pinned
	}
	if u.Active != nil && *u.Active {
		m.activateLocked(t)
		m.publishLocked(Event{Kind: EventActivated, TabID: tabID, WindowID: t.WindowID})
	}
	m.publishLocked(Event{Kind: EventUpdated, TabID: tabID, WindowID: t.WindowID, Tab: m.copyTab(tabID)})
	return *m.copyTab(tabID), nil
}

func (m *Memory) MoveTab(ctx context.Context, tabID, windowID, index int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.mutableLocked(tabID)
	if err != nil {
		return fmt.Errorf("move tab %d: %w", tabID, err)
	}
	if windowID == 0 {
		windowID = t.WindowID
	}
	m.placeLocked(t, windowID, index)
	return nil
}

func (m *Memory) RemoveTabs(ctx context.Context, tabIDs []int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	byWindow := make(map[int][]*Tab)
	seen := make(map[int]bool)
	var windows []int
	for _, id := range tabIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		t, err := m.mutableLocked(id)
		if err != nil {
			return fmt.Errorf("remove tab %d: %w", id, err)
		}
		if _, seen := byWindow[t.WindowID]; !seen {
			windows = append(windows, t.WindowID)
		}
		byWindow[t.WindowID] = append(byWindow[t.WindowID], t)
	}

	now := m.now().UnixMilli()
	for _, win := range windows {
		removed := byWindow[win]
		sort.Slice(removed, func(i, j int) bool { return removed[i].Index < removed[j].Index })
		wholeWindow := len(removed) > 1 && len(removed) == len(m.order[win])
		if wholeWindow {
			s := ClosedSession{SessionID: m.sessionIDLocked(), LastModified: now}
			for _, t := range removed {
				s.Window = append(s.Window, ClosedTab{URL: t.URL, Title: t.Title, WindowID: win, Index: t.Index})
			}
			m.pushClosedLocked(s)
		} else {
			for _, t := range removed {
				m.pushClosedLocked(ClosedSession{
					SessionID:    m.sessionIDLocked(),
					LastModified: now,
					Tab:          &ClosedTab{URL: t.URL, Title: t.Title, WindowID: win, Index: t.Index},
				})
			}
		}
		for _, t := range removed {
			m.order[win] = slices.DeleteFunc(m.order[win], func(id int) bool { return id == t.ID })
			delete(m.tabs, t.ID)
			m.publishLocked(Event{Kind: EventRemoved, TabID: t.ID, WindowID: win})
		}
		m.reindexLocked(win)
	}
	m.pruneGroupsLocked()
	return nil
}

func (m *Memory) CreateTab(ctx context.Context, opts CreateTab) (Tab, error) {
	if err := ctx.Err(); err != nil {
		return Tab{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createLocked(opts), nil
}

func (m *Memory) Reload(ctx context.Context, tabID int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.mutableLocked(tabID)
	if err != nil {
		return fmt.Errorf("reload tab %d: %w", tabID, err)
	}
	t.Discarded = false
	m.publishLocked(Event{Kind: EventUpdated, TabID: tabID, WindowID: t.WindowID, Tab: m.copyTab(tabID)})
	return nil
}

func (m *Memory) Discard(ctx context.Context, tabID int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.mutableLocked(tabID)
	if err != nil {
		return fmt.Errorf("discard tab %d: %w", tabID, err)
	}
	if t.Active {
		return fmt.Errorf("discard tab %d: cannot discard the active tab", tabID)
	}
	t.Discarded = true
	m.publishLocked(Event{Kind: EventUpdated, TabID: tabID, WindowID: t.WindowID, Tab: m.copyTab(tabID)})
	return nil
}

func (m *Memory) GroupTabs(ctx context.Context, tabIDs []int, groupID int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if len(tabIDs) == 0 {
		return 0, fmt.Errorf("group tabs: no tabs given")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var g *Group
	if groupID != 0 {
		var ok bool
		if g, ok = m.groups[groupID]; !ok {
			return 0, fmt.Errorf("group tabs: %w", ErrNoSuchGroup)
		}
	}
	for _, id := range tabIDs {
		t, err := m.mutableLocked(id)
		if err != nil {
			return 0, fmt.Errorf("group tab %d: %w", id, err)
		}
		if g == nil {
			g = &Group{ID: m.nextGroup, WindowID: t.WindowID, Color: "grey"}
			m.nextGroup++
			m.groups[g.ID] = g
		}
		t.GroupID = g.ID
		m.publishLocked(Event{Kind: EventUpdated, TabID: id, WindowID: t.WindowID, Tab: m.copyTab(id)})
	}
	m.pruneGroupsLocked()
	return g.ID, nil
}

func (m *Memory) UngroupTabs(ctx context.Context, tabIDs []int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range tabIDs {
		t, err := m.mutableLocked(id)
		if err != nil {
			return fmt.Errorf("ungroup tab %d: %w", id, err)
		}
		t.GroupID = 0
		m.publishLocked(Event{Kind: EventUpdated, TabID: id, WindowID: t.WindowID, Tab: m.copyTab(id)})
	}
	m.pruneGroupsLocked()
	return nil
}

func (m *Memory) UpdateGroup(ctx context.Context, groupID int, u GroupUpdate) (Group, error) {
	if err := ctx.Err(); err != nil {
		return Group{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[groupID]
	if !ok {
		return Group{}, fmt.Errorf("update group %d: %w", groupID, ErrNoSuchGroup)
	}
	if u.Title != nil {
		g.Title = *u.Title
	}
	if u.Color != nil {
		g.Color = *u.Color
	}
	if u.Collapsed != nil {
		g.Collapsed = *u.Collapsed
	}
	m.publishLocked(Event{Kind: EventGroupUpdated, GroupID: groupID, WindowID: g.WindowID, Group: copyGroup(g)})
	return *g, nil
}

func (m *Memory) MoveGroup(ctx context.Context, groupID, windowID int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[groupID]
	if !ok {
		return fmt.Errorf("move group %d: %w", groupID, ErrNoSuchGroup)
	}
	if windowID == 0 {
		for win := range m.order {
			windowID = max(windowID, win)
		}
		windowID++
	}
	for _, t := range m.listLocked() {
		if t.GroupID == groupID {
			m.placeLocked(m.tabs[t.ID], windowID, -1)
		}
	}
	g.WindowID = windowID
	m.publishLocked(Event{Kind: EventGroupUpdated, GroupID: groupID, WindowID: windowID, Group: copyGroup(g)})
	return nil
}

func (m *Memory) CreateBookmark(ctx context.Context, b CreateBookmark) (*BookmarkNode, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	parentID := b.ParentID
	if parentID == "" {
		parentID = otherBookmarksID
	}
	parent := findBookmark(m.bookmarks, parentID)
	if parent == nil || !parent.IsFolder() {
		return nil, fmt.Errorf("create bookmark: parent %q not found", parentID)
	}
	node := &BookmarkNode{
		ID:        strconv.Itoa(m.nextBookmark),
		ParentID:  parent.ID,
		Title:     b.Title,
		URL:       b.URL,
		DateAdded: m.now().UnixMilli(),
	}
	m.nextBookmark++
	parent.Children = append(parent.Children, node)
	return copyBookmark(node), nil
}

func (m *Memory) RestoreSession(ctx context.Context, sessionID string) ([]Tab, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	i := slices.IndexFunc(m.closed, func(s ClosedSession) bool { return s.SessionID == sessionID })
	if i < 0 {
		return nil, fmt.Errorf("restore %q: %w", sessionID, ErrNoSuchSession)
	}
	s := m.closed[i]
	m.closed = slices.Delete(m.closed, i, i+1)

	closedTabs := s.Window
	if s.Tab != nil {
		closedTabs = []ClosedTab{*s.Tab}
	}
	out := make([]Tab, 0, len(closedTabs))
	for _, ct := range closedTabs {
		t := m.createLocked(CreateTab{URL: ct.URL, WindowID: ct.WindowID, Index: Int(ct.Index)})
		if ct.Title != "" {
			m.tabs[t.ID].Title = ct.Title
			t.Title = ct.Title
		}
		out = append(out, t)
	}
	return out, nil
}

func (m *Memory) Subscribe(ctx context.Context) <-chan Event {
	return m.events.subscribe(ctx)
}

// --- helpers; callers hold m.mu ---

func (m *Memory) publishLocked(ev Event) {
	m.events.publish(ev)
}

func (m *Memory) mutableLocked(tabID int) (*Tab, error) {
	t, ok := m.tabs[tabID]
	if !ok {
		return nil, ErrNoSuchTab
	}
	if err := m.failures[tabID]; err != nil {
		return nil, err
	}
	return t, nil
}

func (m *Memory) copyTab(tabID int) *Tab {
	t, ok := m.tabs[tabID]
	if !ok {
		return nil
	}
	c := *t
	return &c
}

func (m *Memory) listLocked() []Tab {
	wins := make([]int, 0, len(m.order))
	for win := range m.order {
		wins = append(wins, win)
	}
	sort.Ints(wins)
	out := make([]Tab, 0, len(m.tabs))
	for _, win := range wins {
		for _, id := range m.order[win] {
			out = append(out, *m.tabs[id])
		}
	}
	return out
}

func (m *Memory) activateLocked(t *Tab) {
	for _, id := range m.order[t.WindowID] {
		m.tabs[id].Active = false
	}
	t.Active = true
	t.LastAccessed = m.now().UnixMilli()
	m.focusedWin = t.WindowID
}

func (m *Memory) reindexLocked(windowID int) {
	ids := m.order[windowID]
	if len(ids) == 0 {
		delete(m.order, windowID)
		return
	}
	for i, id := range ids {
		m.tabs[id].Index = i
	}
}

// placeLocked moves t to windowID at index; a negative index appends.
func (m *Memory) placeLocked(t *Tab, windowID, index int) {
	from := t.WindowID
	m.order[from] = slices.DeleteFunc(m.order[from], func(id int) bool { return id == t.ID })
	if from != windowID {
		m.publishLocked(Event{Kind: EventDetached, TabID: t.ID, WindowID: from})
		if t.Active {
			t.Active = false
		}
	}
	dst := m.order[windowID]
	if index < 0 || index > len(dst) {
		index = len(dst)
	}
	m.order[windowID] = slices.Insert(dst, index, t.ID)
	t.WindowID = windowID
	m.reindexLocked(from)
	m.reindexLocked(windowID)
	if from != windowID {
		m.publishLocked(Event{Kind: EventAttached, TabID: t.ID, WindowID: windowID, Tab: m.copyTab(t.ID)})
	} else {
		m.publishLocked(Event{Kind: EventUpdated, TabID: t.ID, WindowID: windowID, Tab: m.copyTab(t.ID)})
	}
}

func (m *Memory) createLocked(opts CreateTab) Tab {
	win := opts.WindowID
	if win == 0 {
		win = m.focusedWin
	}
	t := &Tab{
		ID:           m.nextTab,
		WindowID:     win,
		URL:          opts.URL,
		Title:        opts.URL,
		Pinned:       opts.Pinned,
		LastAccessed: m.now().UnixMilli(),
	}
	m.nextTab++
	m.tabs[t.ID] = t
	dst := m.order[win]
	index := len(dst)
	if opts.Index != nil && *opts.Index >= 0 && *opts.Index < len(dst) {
		index = *opts.Index
	}
	m.order[win] = slices.Insert(dst, index, t.ID)
	m.reindexLocked(win)
	if opts.Active {
		m.activateLocked(t)
	}
	m.publishLocked(Event{Kind: EventCreated, TabID: t.ID, WindowID: win, Tab: m.copyTab(t.ID)})
	return *m.copyTab(t.ID)
}

func (m *Memory) pruneGroupsLocked() {
	used := make(map[int]bool)
	for _, t := range m.tabs {
		if t.GroupID != 0 {
			used[t.GroupID] = true
		}
	}
	for id := range m.groups {
		if !used[id] {
			delete(m.groups, id)
		}
	}
}

func (m *Memory) sessionIDLocked() string {
	id := strconv.Itoa(m.nextSession)
	m.nextSession++
	return id
}

func (m *Memory) pushClosedLocked(s ClosedSession) {
	m.closed = slices.Insert(m.closed, 0, s)
	if len(m.closed) > memoryClosedCap {
		m.closed = m.closed[:memoryClosedCap]
	}
}

func copyGroup(g *Group) *Group {
	c := *g
	return &c
}

func copySession(s ClosedSession) ClosedSession {
	c := s
	if s.Tab != nil {
		t := *s.Tab
		c.Tab = &t
	}
	c.Window = slices.Clone(s.Window)
	return c
}

func copyBookmark(n *BookmarkNode) *BookmarkNode {
	c := *n
	c.Children = make([]*BookmarkNode, len(n.Children))
	for i, child := range n.Children {
		c.Children[i] = copyBookmark(child)
	}
	return &c
}

func findBookmark(n *BookmarkNode, id string) *BookmarkNode {
	if n.ID == id {
		return n
	}
	for _, child := range n.Children {
		if found := findBookmark(child, id); found != nil {
			return found
		}
	}
	return nil
}
