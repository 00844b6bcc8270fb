package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"
)

// CDP drives a Chromium instance over the DevTools protocol. It covers tabs
// only; groups, bookmarks, history, and closed sessions are not reachable
// through CDP and report ErrUnsupported.
type CDP struct {
	logger     *zap.Logger
	controlURL string

	mu      sync.Mutex
	browser *rod.Browser
	ids     map[proto.TargetTargetID]int
	targets map[int]proto.TargetTargetID
	nextID  int
	active  int
	seen    map[int]int64

	events fanout
	stop   context.CancelFunc
}

// NewCDP returns a CDP backend for the DevTools endpoint at controlURL.
// Connect must be called before use.
func NewCDP(controlURL string, logger *zap.Logger) *CDP {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CDP{
		logger:     logger,
		controlURL: controlURL,
		ids:        make(map[proto.TargetTargetID]int),
		targets:    make(map[int]proto.TargetTargetID),
		seen:       make(map[int]int64),
		nextID:     1,
	}
}

// Connect attaches to the browser and starts forwarding target events.
func (c *CDP) Connect(ctx context.Context) error {
	evCtx, cancel := context.WithCancel(context.Background())
	browser := rod.New().ControlURL(c.controlURL).Context(evCtx)
	if err := browser.Connect(); err != nil {
		cancel()
		return fmt.Errorf("connect to chrome: %w", err)
	}
	if err := (proto.TargetSetDiscoverTargets{Discover: true}).Call(browser); err != nil {
		cancel()
		_ = browser.Close()
		return fmt.Errorf("enable target discovery: %w", err)
	}

	c.mu.Lock()
	c.browser = browser
	c.stop = cancel
	c.mu.Unlock()

	wait := browser.EachEvent(
		func(e *proto.TargetTargetCreated) {
			if e.TargetInfo.Type != proto.TargetTargetInfoTypePage {
				return
			}
			t := c.tabFromInfo(e.TargetInfo)
			c.events.publish(Event{Kind: EventCreated, TabID: t.ID, Tab: &t})
		},
		func(e *proto.TargetTargetInfoChanged) {
			if e.TargetInfo.Type != proto.TargetTargetInfoTypePage {
				return
			}
			t := c.tabFromInfo(e.TargetInfo)
			c.events.publish(Event{Kind: EventUpdated, TabID: t.ID, Tab: &t})
		},
		func(e *proto.TargetTargetDestroyed) {
			c.mu.Lock()
			id, ok := c.ids[e.TargetID]
			delete(c.ids, e.TargetID)
			delete(c.targets, id)
			delete(c.seen, id)
			c.mu.Unlock()
			if ok {
				c.events.publish(Event{Kind: EventRemoved, TabID: id})
			}
		},
	)
	go wait()

	c.logger.Info("connected to chrome", zap.String("control_url", c.controlURL))
	return nil
}

// Close detaches from the browser without closing it.
func (c *CDP) Close() error {
	c.mu.Lock()
	stop := c.stop
	c.browser = nil
	c.mu.Unlock()
	if stop != nil {
		stop()
	}
	c.events.closeAll()
	return nil
}

func (c *CDP) client(ctx context.Context) (*rod.Browser, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.browser == nil {
		return nil, ErrDisconnected
	}
	return c.browser.Context(ctx), nil
}

// tabID maps a target id onto a stable integer tab id.
func (c *CDP) tabID(target proto.TargetTargetID) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id, ok := c.ids[target]; ok {
		return id
	}
	id := c.nextID
	c.nextID++
	c.ids[target] = id
	c.targets[id] = target
	c.seen[id] = time.Now().UnixMilli()
	return id
}

func (c *CDP) target(tabID int) (proto.TargetTargetID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	target, ok := c.targets[tabID]
	if !ok {
		return "", ErrNoSuchTab
	}
	return target, nil
}

func (c *CDP) tabFromInfo(info *proto.TargetTargetInfo) Tab {
	id := c.tabID(info.TargetID)
	c.mu.Lock()
	defer c.mu.Unlock()
	return Tab{
		ID:           id,
		WindowID:     1,
		URL:          info.URL,
		Title:        info.Title,
		Active:       id == c.active,
		LastAccessed: c.seen[id],
	}
}

func (c *CDP) ListTabs(ctx context.Context) ([]Tab, error) {
	b, err := c.client(ctx)
	if err != nil {
		return nil, err
	}
	res, err := proto.TargetGetTargets{}.Call(b)
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}

	perWindow := make(map[int]int)
	tabs := make([]Tab, 0, len(res.TargetInfos))
	for _, info := range res.TargetInfos {
		if info.Type != proto.TargetTargetInfoTypePage {
			continue
		}
		t := c.tabFromInfo(info)
		if win, err := (proto.BrowserGetWindowForTarget{TargetID: info.TargetID}).Call(b); err == nil {
			t.WindowID = int(win.WindowID)
		}
		t.Index = perWindow[t.WindowID]
		perWindow[t.WindowID]++
		tabs = append(tabs, t)
	}

	c.mu.Lock()
	if c.active == 0 && len(tabs) > 0 {
		c.active = tabs[0].ID
		tabs[0].Active = true
	}
	c.mu.Unlock()
	return tabs, nil
}

func (c *CDP) GetTab(ctx context.Context, tabID int) (Tab, error) {
	tabs, err := c.ListTabs(ctx)
	if err != nil {
		return Tab{}, err
	}
	for _, t := range tabs {
		if t.ID == tabID {
			return t, nil
		}
	}
	return Tab{}, fmt.Errorf("get tab %d: %w", tabID, ErrNoSuchTab)
}

func (c *CDP) ActiveTab(ctx context.Context) (Tab, error) {
	tabs, err := c.ListTabs(ctx)
	if err != nil {
		return Tab{}, err
	}
	for _, t := range tabs {
		if t.Active {
			return t, nil
		}
	}
	return Tab{}, fmt.Errorf("active tab: %w", ErrNoSuchTab)
}

// ListGroups returns no groups; CDP has no notion of tab groups.
func (c *CDP) ListGroups(ctx context.Context) ([]Group, error) {
	return nil, nil
}

func (c *CDP) RecentlyClosed(ctx context.Context, max int) ([]ClosedSession, error) {
	return nil, ErrUnsupported
}

func (c *CDP) BookmarkTree(ctx context.Context) ([]*BookmarkNode, error) {
	return nil, ErrUnsupported
}

func (c *CDP) SearchHistory(ctx context.Context, q HistoryQuery) ([]HistoryItem, error) {
	return nil, ErrUnsupported
}

func (c *CDP) UpdateTab(ctx context.Context, tabID int, u TabUpdate) (Tab, error) {
	if u.Muted != nil || u.Pinned != nil {
		return Tab{}, fmt.Errorf("update tab %d: %w", tabID, ErrUnsupported)
	}
	if u.Active != nil && *u.Active {
		b, err := c.client(ctx)
		if err != nil {
			return Tab{}, err
		}
		target, err := c.target(tabID)
		if err != nil {
			return Tab{}, fmt.Errorf("update tab %d: %w", tabID, err)
		}
		if err := (proto.TargetActivateTarget{TargetID: target}).Call(b); err != nil {
			return Tab{}, fmt.Errorf("activate tab %d: %w", tabID, err)
		}
		c.mu.Lock()
		c.active = tabID
		c.seen[tabID] = time.Now().UnixMilli()
		c.mu.Unlock()
		c.events.publish(Event{Kind: EventActivated, TabID: tabID})
	}
	return c.GetTab(ctx, tabID)
}

func (c *CDP) MoveTab(ctx context.Context, tabID, windowID, index int) error {
	return ErrUnsupported
}

func (c *CDP) RemoveTabs(ctx context.Context, tabIDs []int) error {
	b, err := c.client(ctx)
	if err != nil {
		return err
	}
	for _, id := range tabIDs {
		target, err := c.target(id)
		if err != nil {
			return fmt.Errorf("remove tab %d: %w", id, err)
		}
		if _, err := (proto.TargetCloseTarget{TargetID: target}).Call(b); err != nil {
			return fmt.Errorf("remove tab %d: %w", id, err)
		}
	}
	return nil
}

func (c *CDP) CreateTab(ctx context.Context, opts CreateTab) (Tab, error) {
	b, err := c.client(ctx)
	if err != nil {
		return Tab{}, err
	}
	res, err := proto.TargetCreateTarget{URL: opts.URL, Background: !opts.Active}.Call(b)
	if err != nil {
		return Tab{}, fmt.Errorf("create tab: %w", err)
	}
	id := c.tabID(res.TargetID)
	if opts.Active {
		c.mu.Lock()
		c.active = id
		c.mu.Unlock()
	}
	return Tab{ID: id, WindowID: 1, URL: opts.URL, Title: opts.URL, Active: opts.Active, LastAccessed: time.Now().UnixMilli()}, nil
}

func (c *CDP) Reload(ctx context.Context, tabID int) error {
	b, err := c.client(ctx)
	if err != nil {
		return err
	}
	target, err := c.target(tabID)
	if err != nil {
		return fmt.Errorf("reload tab %d: %w", tabID, err)
	}
	page, err := b.PageFromTarget(target)
	if err != nil {
		return fmt.Errorf("reload tab %d: %w", tabID, err)
	}
	if err := page.Reload(); err != nil {
		return fmt.Errorf("reload tab %d: %w", tabID, err)
	}
	return nil
}

func (c *CDP) Discard(ctx context.Context, tabID int) error {
	return ErrUnsupported
}

func (c *CDP) GroupTabs(ctx context.Context, tabIDs []int, groupID int) (int, error) {
	return 0, ErrUnsupported
}

func (c *CDP) UngroupTabs(ctx context.Context, tabIDs []int) error {
	return ErrUnsupported
}

func (c *CDP) UpdateGroup(ctx context.Context, groupID int, u GroupUpdate) (Group, error) {
	return Group{}, ErrUnsupported
}

func (c *CDP) MoveGroup(ctx context.Context, groupID, windowID int) error {
	return ErrUnsupported
}

func (c *CDP) CreateBookmark(ctx context.Context, b CreateBookmark) (*BookmarkNode, error) {
	return nil, ErrUnsupported
}

func (c *CDP) RestoreSession(ctx context.Context, sessionID string) ([]Tab, error) {
	return nil, ErrUnsupported
}

func (c *CDP) Subscribe(ctx context.Context) <-chan Event {
	return c.events.subscribe(ctx)
}
