package executor

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/DatanoiseTV/tabitha/internal/browser"
	"github.com/DatanoiseTV/tabitha/internal/index"
	"github.com/DatanoiseTV/tabitha/internal/types"
	"github.com/DatanoiseTV/tabitha/internal/urlkey"
)

// Open methods reported in ActionResult.Method.
const (
	MethodActivate   = "activate"
	MethodGroupFocus = "group_focus"
	MethodURLMatch   = "url_match"
	MethodCreated    = "created"
	MethodSession    = "session_restore"
	MethodWindow     = "window_restore"
	MethodRecreate   = "recreate"
	MethodMixed      = "mixed"
)

// Open brings the card's page to the front: the tab itself, a tab showing
// the same page, or a new tab.
func (e *Executor) Open(ctx context.Context, card types.Card, nextToCurrent bool, intent types.Intent) types.ActionResult {
	const action = string(types.IntentOpen)

	if group := intent.Constraints.Group; group != "" {
		if res := e.FocusGroup(ctx, group, card.CardID); res.OK {
			res.Action = action
			return res
		}
	}

	if card.Source == types.SourceSession {
		res := e.Reopen(ctx, card)
		res.Action = action
		return res
	}

	var (
		active    browser.Tab
		activeOK  bool
		target    browser.Tab
		targetOK  bool
		groupName string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		t, err := e.browser.ActiveTab(gctx)
		if err == nil {
			active, activeOK = t, true
		}
		return nil
	})
	g.Go(func() error {
		if card.GroupID == 0 {
			return nil
		}
		groups, err := e.browser.ListGroups(gctx)
		if err != nil {
			return nil
		}
		for _, gr := range groups {
			if gr.ID == card.GroupID {
				groupName = gr.Title
			}
		}
		return nil
	})
	if card.IsOpenTab() {
		g.Go(func() error {
			t, err := e.browser.GetTab(gctx, card.TabID)
			if err == nil {
				target, targetOK = t, true
			}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return types.Fail(action, types.ErrCancelled, err.Error())
	}

	if targetOK {
		return e.activate(ctx, action, target, MethodActivate, nextToCurrent, active, activeOK, groupName)
	}

	if card.URL != "" {
		tabs, err := e.browser.ListTabs(ctx)
		if err != nil {
			return types.Fail(action, types.ErrBrowser, err.Error())
		}
		want := urlkey.Normalize(card.URL)
		for _, t := range tabs {
			if urlkey.Normalize(t.URL) == want {
				return e.activate(ctx, action, t, MethodURLMatch, nextToCurrent, active, activeOK, groupName)
			}
		}
	}

	if card.URL == "" {
		return types.Fail(action, types.ErrCardNotFound, fmt.Sprintf("%s is no longer open", card.CardID))
	}
	opts := browser.CreateTab{URL: card.URL, Active: true}
	if nextToCurrent && activeOK {
		opts.WindowID = active.WindowID
		opts.Index = browser.Int(active.Index + 1)
	}
	t, err := e.browser.CreateTab(ctx, opts)
	if err != nil {
		return types.Fail(action, types.ErrBrowser, err.Error())
	}
	e.logger.Debug("opened new tab", zap.String("url", card.URL), zap.Int("tabId", t.ID))
	c := card
	return types.ActionResult{OK: true, Action: action, Method: MethodCreated, TabID: t.ID, Card: &c}
}

func (e *Executor) activate(ctx context.Context, action string, t browser.Tab, method string, nextToCurrent bool, active browser.Tab, activeOK bool, groupName string) types.ActionResult {
	if nextToCurrent && activeOK && active.ID != t.ID {
		if err := e.browser.MoveTab(ctx, t.ID, active.WindowID, active.Index+1); err != nil {
			e.logger.Warn("failed to move tab next to current", zap.Int("tabId", t.ID), zap.Error(err))
		}
	}
	if _, err := e.browser.UpdateTab(ctx, t.ID, browser.TabUpdate{Active: browser.Bool(true)}); err != nil {
		return types.Fail(action, types.ErrBrowser, err.Error())
	}
	c := index.CardFromTab(t, groupName, e.now())
	return types.ActionResult{OK: true, Action: action, Method: method, TabID: t.ID, Card: &c, GroupName: groupName}
}

// FindOpen activates an open tab, or proposes opening anything else.
func (e *Executor) FindOpen(ctx context.Context, card types.Card) types.ActionResult {
	const action = string(types.IntentFindOpen)
	if card.IsOpenTab() {
		t, err := e.browser.GetTab(ctx, card.TabID)
		if err == nil {
			return e.activate(ctx, action, t, MethodActivate, false, browser.Tab{}, false, card.GroupName)
		}
		if !errors.Is(err, browser.ErrNoSuchTab) {
			return types.Fail(action, types.ErrBrowser, err.Error())
		}
	}
	c := card
	return types.ActionResult{OK: true, Action: action, ProposeOpen: true, Card: &c,
		Message: fmt.Sprintf("%s is not open. Open it?", card.Title)}
}

// Selection names the tabs an action applies to: explicit card or tab ids,
// or else every open tab passing the app filters.
type Selection struct {
	CardIDs     []string `json:"cardIds,omitempty"`
	TabIDs      []int    `json:"tabIds,omitempty"`
	IncludeApps []string `json:"includeApps,omitempty"`
	ExcludeApps []string `json:"excludeApps,omitempty"`
}

func (s Selection) explicit() bool { return len(s.CardIDs) > 0 || len(s.TabIDs) > 0 }

// tabs resolves the selection against the live browser. Ids that no longer
// refer to an open tab are skipped. With nothing explicit and no filters,
// every tab is selected when all is set.
func (e *Executor) tabs(ctx context.Context, s Selection, all bool) ([]browser.Tab, error) {
	if s.explicit() {
		ids := append([]int(nil), s.TabIDs...)
		for _, cid := range s.CardIDs {
			if id, ok := types.TabIDFromCardID(cid); ok {
				ids = append(ids, id)
			}
		}
		seen := make(map[int]bool)
		var out []browser.Tab
		for _, id := range ids {
			if seen[id] {
				continue
			}
			seen[id] = true
			t, err := e.browser.GetTab(ctx, id)
			if errors.Is(err, browser.ErrNoSuchTab) {
				continue
			}
			if err != nil {
				return nil, err
			}
			out = append(out, t)
		}
		return out, nil
	}
	if len(s.IncludeApps) == 0 && len(s.ExcludeApps) == 0 && !all {
		return nil, nil
	}
	listed, err := e.browser.ListTabs(ctx)
	if err != nil {
		return nil, err
	}
	var out []browser.Tab
	for _, t := range listed {
		if appFilter(urlkey.Domain(t.URL), t.URL, s.IncludeApps, s.ExcludeApps) {
			out = append(out, t)
		}
	}
	return out, nil
}

func tabInfos(tabs []browser.Tab) []types.TabInfo {
	out := make([]types.TabInfo, 0, len(tabs))
	for _, t := range tabs {
		out = append(out, types.TabInfo{TabID: t.ID, URL: t.URL, Title: t.Title, WindowID: t.WindowID, Index: t.Index, Pinned: t.Pinned})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].WindowID != out[j].WindowID {
			return out[i].WindowID < out[j].WindowID
		}
		return out[i].Index < out[j].Index
	})
	return out
}

// Close removes the selected tabs. More than one tab, or any pinned tab,
// returns a preview until confirmed.
func (e *Executor) Close(ctx context.Context, s Selection, confirmed bool, requestID string) types.ActionResult {
	const action = string(types.IntentClose)
	tabs, err := e.tabs(ctx, s, false)
	if err != nil {
		return types.Fail(action, types.ErrBrowser, err.Error())
	}
	if len(tabs) == 0 {
		return types.Fail(action, types.ErrNoMatchingTabs, "no open tabs match")
	}
	return e.closeTabs(ctx, action, tabs, "", confirmed, requestID)
}

func (e *Executor) closeTabs(ctx context.Context, action string, tabs []browser.Tab, groupName string, confirmed bool, requestID string) types.ActionResult {
	infos := tabInfos(tabs)
	pinned := false
	for _, t := range tabs {
		pinned = pinned || t.Pinned
	}
	if !confirmed && (len(tabs) > 1 || pinned) {
		return types.ActionResult{
			OK:                   true,
			Action:               action,
			Preview:              true,
			CanConfirm:           true,
			RequiresConfirmation: true,
			Count:                len(tabs),
			Tabs:                 infos,
			GroupName:            groupName,
		}
	}

	entry := e.undo.push(UndoEntry{
		Type:      action,
		Tabs:      infos,
		GroupName: groupName,
		Timestamp: e.now().UnixMilli(),
		RequestID: requestID,
	})
	ids := make([]int, 0, len(infos))
	for _, t := range infos {
		ids = append(ids, t.TabID)
	}
	if err := e.browser.RemoveTabs(ctx, ids); err != nil {
		e.undo.remove(entry.ID)
		return types.Fail(action, types.ErrBrowser, err.Error())
	}
	e.logger.Info("closed tabs", zap.Int("count", len(ids)), zap.String("group", groupName))
	return types.ActionResult{OK: true, Action: action, Count: len(ids), Tabs: infos, GroupName: groupName, UndoAvailable: true}
}

// UndoLastClose restores the most recent close. Recently closed sessions
// are preferred so the browser keeps navigation history; anything left is
// recreated at its recorded position.
func (e *Executor) UndoLastClose(ctx context.Context) types.ActionResult {
	const action = ActionUndoClose
	entry, ok := e.undo.pop()
	if !ok {
		return types.Fail(action, types.ErrUndoExpired, "nothing to undo")
	}

	sessions, err := e.browser.RecentlyClosed(ctx, ClosedSessionLimit)
	if err != nil {
		e.logger.Warn("failed to read recently closed sessions", zap.Error(err))
	}

	var restored []browser.Tab
	method := ""
	if s, ok := matchWindow(sessions, entry.Tabs); ok {
		tabs, err := e.browser.RestoreSession(ctx, s.SessionID)
		if err == nil {
			restored, method = tabs, MethodWindow
		}
	}

	if method == "" {
		used := make(map[string]bool)
		viaSession, viaCreate := 0, 0
		for _, info := range entry.Tabs {
			if s, ok := matchTab(sessions, info.URL, used); ok {
				used[s.SessionID] = true
				tabs, err := e.browser.RestoreSession(ctx, s.SessionID)
				if err == nil {
					restored = append(restored, tabs...)
					viaSession++
					continue
				}
				e.logger.Debug("session restore failed, recreating", zap.String("sessionId", s.SessionID), zap.Error(err))
			}
			t, err := e.browser.CreateTab(ctx, browser.CreateTab{
				URL:      info.URL,
				WindowID: info.WindowID,
				Index:    browser.Int(info.Index),
				Pinned:   info.Pinned,
			})
			if err != nil {
				e.logger.Warn("failed to recreate tab", zap.String("url", info.URL), zap.Error(err))
				continue
			}
			restored = append(restored, t)
			viaCreate++
		}
		switch {
		case viaCreate == 0:
			method = MethodSession
		case viaSession == 0:
			method = MethodRecreate
		default:
			method = MethodMixed
		}
	}

	if len(restored) == 0 {
		return types.Fail(action, types.ErrBrowser, "could not restore any tab")
	}
	if entry.GroupName != "" {
		e.regroup(ctx, restored, entry.GroupName)
	}
	e.logger.Info("restored closed tabs", zap.Int("count", len(restored)), zap.String("method", method))
	return types.ActionResult{OK: true, Action: action, Restored: len(restored), Method: method, Tabs: tabInfos(restored), GroupName: entry.GroupName}
}

func (e *Executor) regroup(ctx context.Context, tabs []browser.Tab, name string) {
	ids := make([]int, 0, len(tabs))
	for _, t := range tabs {
		ids = append(ids, t.ID)
	}
	gid, err := e.browser.GroupTabs(ctx, ids, 0)
	if err == nil {
		_, err = e.browser.UpdateGroup(ctx, gid, browser.GroupUpdate{Title: browser.String(name)})
	}
	if err != nil {
		e.logger.Warn("failed to regroup restored tabs", zap.String("group", name), zap.Error(err))
	}
}

// matchWindow finds a closed window holding exactly the closed URLs.
func matchWindow(sessions []browser.ClosedSession, infos []types.TabInfo) (browser.ClosedSession, bool) {
	if len(infos) < 2 {
		return browser.ClosedSession{}, false
	}
	want := make(map[string]int)
	for _, t := range infos {
		want[t.URL]++
	}
	for _, s := range sessions {
		if s.Tab != nil || len(s.Window) != len(infos) {
			continue
		}
		got := make(map[string]int)
		for _, t := range s.Window {
			got[t.URL]++
		}
		same := len(got) == len(want)
		for u, n := range want {
			same = same && got[u] == n
		}
		if same {
			return s, true
		}
	}
	return browser.ClosedSession{}, false
}

// matchTab finds an unused single-tab session for url.
func matchTab(sessions []browser.ClosedSession, url string, used map[string]bool) (browser.ClosedSession, bool) {
	for _, s := range sessions {
		if s.Tab != nil && !used[s.SessionID] && s.Tab.URL == url {
			return s, true
		}
	}
	return browser.ClosedSession{}, false
}

// Reopen restores the first recently closed session holding the card's
// page, or opens the page in a new tab.
func (e *Executor) Reopen(ctx context.Context, card types.Card) types.ActionResult {
	const action = string(types.IntentReopen)
	sessions, err := e.browser.RecentlyClosed(ctx, ClosedSessionLimit)
	if err != nil {
		e.logger.Warn("failed to read recently closed sessions", zap.Error(err))
	}

	want := urlkey.Normalize(card.URL)
	for _, s := range sessions {
		hit := card.SessionID != "" && s.SessionID == card.SessionID
		for _, u := range s.URLs() {
			hit = hit || (want != "" && (u == card.URL || urlkey.Normalize(u) == want))
		}
		if !hit {
			continue
		}
		tabs, err := e.browser.RestoreSession(ctx, s.SessionID)
		if err != nil {
			e.logger.Warn("failed to restore session", zap.String("sessionId", s.SessionID), zap.Error(err))
			break
		}
		res := types.ActionResult{OK: true, Action: action, Method: MethodSession, Restored: len(tabs), Tabs: tabInfos(tabs)}
		if len(tabs) > 0 {
			res.TabID = tabs[0].ID
		}
		return res
	}

	if card.URL == "" {
		return types.Fail(action, types.ErrCardNotFound, "nothing to reopen")
	}
	t, err := e.browser.CreateTab(ctx, browser.CreateTab{URL: card.URL, Active: true})
	if err != nil {
		return types.Fail(action, types.ErrBrowser, err.Error())
	}
	return types.ActionResult{OK: true, Action: action, Method: MethodCreated, TabID: t.ID, Restored: 1}
}

// RecentlyClosedCards lists recently closed pages as session cards.
func (e *Executor) RecentlyClosedCards(ctx context.Context) ([]types.Card, error) {
	sessions, err := e.browser.RecentlyClosed(ctx, ClosedSessionLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to read recently closed sessions: %w", err)
	}
	now := e.now()
	var out []types.Card
	for _, s := range sessions {
		out = append(out, index.CardsFromSession(s, now)...)
	}
	return out, nil
}
