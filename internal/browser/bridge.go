package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	bridgeCallTimeout = 10 * time.Second
	bridgeReadTimeout = 60 * time.Second
	bridgePingPeriod  = 54 * time.Second
	bridgeWriteWait   = 10 * time.Second
)

// bridgeCommand is sent to the extension.
type bridgeCommand struct {
	ID     string `json:"id"`
	Action string `json:"action"`
	Params any    `json:"params,omitempty"`
}

// bridgeMessage is anything the extension sends: a command response (ID set)
// or a lifecycle event (Type set).
type bridgeMessage struct {
	ID     string          `json:"id,omitempty"`
	OK     *bool           `json:"ok,omitempty"`
	Error  string          `json:"error,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`

	Type     string `json:"type,omitempty"`
	TabID    int    `json:"tabId,omitempty"`
	WindowID int    `json:"windowId,omitempty"`
	Tab      *Tab   `json:"tab,omitempty"`
	Group    *Group `json:"group,omitempty"`
}

var bridgeEventKinds = map[string]EventKind{
	"snapshot":      EventSnapshot,
	"tab.created":   EventCreated,
	"tab.updated":   EventUpdated,
	"tab.moved":     EventUpdated,
	"tab.activated": EventActivated,
	"tab.removed":   EventRemoved,
	"tab.attached":  EventAttached,
	"tab.detached":  EventDetached,
	"group.updated": EventGroupUpdated,
}

// Bridge is a Browser backed by the companion extension, which connects to
// ServeHTTP over a WebSocket. Commands are correlated with responses by id.
type Bridge struct {
	logger   *zap.Logger
	upgrader websocket.Upgrader
	timeout  time.Duration

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex
	pending map[string]chan bridgeMessage
	counter atomic.Int64

	events fanout
}

// NewBridge returns a bridge waiting for the extension to connect.
func NewBridge(logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// extension origins are chrome-extension://<id>
				return true
			},
		},
		timeout: bridgeCallTimeout,
		pending: make(map[string]chan bridgeMessage),
	}
}

// Connected reports whether an extension is attached.
func (b *Bridge) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn != nil
}

// ServeHTTP upgrades the extension's connection. A new connection replaces
// the previous one.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Error("failed to upgrade bridge connection", zap.Error(err))
		return
	}

	b.mu.Lock()
	old := b.conn
	b.conn = conn
	b.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	b.logger.Info("extension connected", zap.String("remote_addr", r.RemoteAddr))

	ctx, cancel := context.WithCancel(context.Background())
	go b.pingLoop(ctx, conn)
	go func() {
		defer cancel()
		b.readLoop(conn)
	}()

	// Listeners reconcile against a fresh listing once the extension is back.
	b.events.publish(Event{Kind: EventSnapshot})
}

// Close drops the connection and ends all subscriptions.
func (b *Bridge) Close() error {
	b.mu.Lock()
	conn := b.conn
	b.conn = nil
	b.mu.Unlock()
	b.events.closeAll()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (b *Bridge) readLoop(conn *websocket.Conn) {
	defer func() {
		b.mu.Lock()
		if b.conn == conn {
			b.conn = nil
		}
		b.mu.Unlock()
		_ = conn.Close()
		b.failPending()
		b.logger.Info("extension disconnected")
	}()

	_ = conn.SetReadDeadline(time.Now().Add(bridgeReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(bridgeReadTimeout))
	})

	for {
		var msg bridgeMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				b.logger.Warn("bridge read error", zap.Error(err))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(bridgeReadTimeout))

		if msg.ID != "" {
			b.mu.Lock()
			ch, ok := b.pending[msg.ID]
			delete(b.pending, msg.ID)
			b.mu.Unlock()
			if ok {
				ch <- msg
			}
			continue
		}

		kind, ok := bridgeEventKinds[msg.Type]
		if !ok {
			b.logger.Debug("ignoring bridge message", zap.String("type", msg.Type))
			continue
		}
		ev := Event{Kind: kind, TabID: msg.TabID, WindowID: msg.WindowID, Tab: msg.Tab, Group: msg.Group}
		if ev.TabID == 0 && msg.Tab != nil {
			ev.TabID = msg.Tab.ID
		}
		if msg.Group != nil {
			ev.GroupID = msg.Group.ID
		}
		b.events.publish(ev)
	}
}

func (b *Bridge) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(bridgePingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.writeMu.Lock()
			_ = conn.SetWriteDeadline(time.Now().Add(bridgeWriteWait))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			b.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (b *Bridge) failPending() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.pending {
		ch <- bridgeMessage{ID: id, Error: ErrDisconnected.Error()}
		delete(b.pending, id)
	}
}

// call sends one command and decodes its result into out (which may be nil).
func (b *Bridge) call(ctx context.Context, action string, params, out any) error {
	b.mu.Lock()
	conn := b.conn
	if conn == nil {
		b.mu.Unlock()
		return fmt.Errorf("%s: %w", action, ErrDisconnected)
	}
	id := fmt.Sprintf("cmd-%d", b.counter.Add(1))
	ch := make(chan bridgeMessage, 1)
	b.pending[id] = ch
	b.mu.Unlock()

	cleanup := func() {
		b.mu.Lock()
		delete(b.pending, id)
		b.mu.Unlock()
	}

	b.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(bridgeWriteWait))
	err := conn.WriteJSON(bridgeCommand{ID: id, Action: action, Params: params})
	b.writeMu.Unlock()
	if err != nil {
		cleanup()
		return fmt.Errorf("failed to send %s: %w", action, err)
	}

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		cleanup()
		return ctx.Err()
	case <-timer.C:
		cleanup()
		return fmt.Errorf("%s: timed out after %s", action, b.timeout)
	case msg := <-ch:
		if msg.Error == ErrDisconnected.Error() {
			return fmt.Errorf("%s: %w", action, ErrDisconnected)
		}
		if msg.OK != nil && !*msg.OK || msg.Error != "" {
			return bridgeError(action, msg.Error)
		}
		if out == nil || len(msg.Result) == 0 {
			return nil
		}
		if err := json.Unmarshal(msg.Result, out); err != nil {
			return fmt.Errorf("failed to decode %s result: %w", action, err)
		}
		return nil
	}
}

// bridgeError maps the extension's error strings onto sentinel errors.
func bridgeError(action, msg string) error {
	switch msg {
	case "no_such_tab":
		return fmt.Errorf("%s: %w", action, ErrNoSuchTab)
	case "no_such_group":
		return fmt.Errorf("%s: %w", action, ErrNoSuchGroup)
	case "no_such_session":
		return fmt.Errorf("%s: %w", action, ErrNoSuchSession)
	case "unsupported":
		return fmt.Errorf("%s: %w", action, ErrUnsupported)
	case "":
		return fmt.Errorf("%s failed", action)
	}
	return errors.New(action + ": " + msg)
}

func (b *Bridge) ListTabs(ctx context.Context) ([]Tab, error) {
	var tabs []Tab
	err := b.call(ctx, "tabs.query", nil, &tabs)
	return tabs, err
}

func (b *Bridge) GetTab(ctx context.Context, tabID int) (Tab, error) {
	var t Tab
	err := b.call(ctx, "tabs.get", map[string]int{"tabId": tabID}, &t)
	return t, err
}

func (b *Bridge) ActiveTab(ctx context.Context) (Tab, error) {
	var t Tab
	err := b.call(ctx, "tabs.active", nil, &t)
	return t, err
}

func (b *Bridge) ListGroups(ctx context.Context) ([]Group, error) {
	var groups []Group
	err := b.call(ctx, "tabGroups.query", nil, &groups)
	return groups, err
}

func (b *Bridge) RecentlyClosed(ctx context.Context, max int) ([]ClosedSession, error) {
	var sessions []ClosedSession
	err := b.call(ctx, "sessions.getRecentlyClosed", map[string]int{"maxResults": max}, &sessions)
	return sessions, err
}

func (b *Bridge) BookmarkTree(ctx context.Context) ([]*BookmarkNode, error) {
	var tree []*BookmarkNode
	err := b.call(ctx, "bookmarks.getTree", nil, &tree)
	return tree, err
}

func (b *Bridge) SearchHistory(ctx context.Context, q HistoryQuery) ([]HistoryItem, error) {
	var items []HistoryItem
	err := b.call(ctx, "history.search", q, &items)
	return items, err
}

func (b *Bridge) UpdateTab(ctx context.Context, tabID int, u TabUpdate) (Tab, error) {
	var t Tab
	err := b.call(ctx, "tabs.update", struct {
		TabID int `json:"tabId"`
		TabUpdate
	}{tabID, u}, &t)
	return t, err
}

func (b *Bridge) MoveTab(ctx context.Context, tabID, windowID, index int) error {
	return b.call(ctx, "tabs.move", map[string]int{"tabId": tabID, "windowId": windowID, "index": index}, nil)
}

func (b *Bridge) RemoveTabs(ctx context.Context, tabIDs []int) error {
	return b.call(ctx, "tabs.remove", map[string][]int{"tabIds": tabIDs}, nil)
}

func (b *Bridge) CreateTab(ctx context.Context, opts CreateTab) (Tab, error) {
	var t Tab
	err := b.call(ctx, "tabs.create", opts, &t)
	return t, err
}

func (b *Bridge) Reload(ctx context.Context, tabID int) error {
	return b.call(ctx, "tabs.reload", map[string]int{"tabId": tabID}, nil)
}

func (b *Bridge) Discard(ctx context.Context, tabID int) error {
	return b.call(ctx, "tabs.discard", map[string]int{"tabId": tabID}, nil)
}

func (b *Bridge) GroupTabs(ctx context.Context, tabIDs []int, groupID int) (int, error) {
	var res struct {
		GroupID int `json:"groupId"`
	}
	err := b.call(ctx, "tabs.group", map[string]any{"tabIds": tabIDs, "groupId": groupID}, &res)
	return res.GroupID, err
}

func (b *Bridge) UngroupTabs(ctx context.Context, tabIDs []int) error {
	return b.call(ctx, "tabs.ungroup", map[string][]int{"tabIds": tabIDs}, nil)
}

func (b *Bridge) UpdateGroup(ctx context.Context, groupID int, u GroupUpdate) (Group, error) {
	var g Group
	err := b.call(ctx, "tabGroups.update", struct {
		GroupID int `json:"groupId"`
		GroupUpdate
	}{groupID, u}, &g)
	return g, err
}

func (b *Bridge) MoveGroup(ctx context.Context, groupID, windowID int) error {
	return b.call(ctx, "tabGroups.move", map[string]int{"groupId": groupID, "windowId": windowID}, nil)
}

func (b *Bridge) CreateBookmark(ctx context.Context, bm CreateBookmark) (*BookmarkNode, error) {
	var node BookmarkNode
	if err := b.call(ctx, "bookmarks.create", bm, &node); err != nil {
		return nil, err
	}
	return &node, nil
}

func (b *Bridge) RestoreSession(ctx context.Context, sessionID string) ([]Tab, error) {
	var tabs []Tab
	err := b.call(ctx, "sessions.restore", map[string]string{"sessionId": sessionID}, &tabs)
	return tabs, err
}

func (b *Bridge) Subscribe(ctx context.Context) <-chan Event {
	return b.events.subscribe(ctx)
}
