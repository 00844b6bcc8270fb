package executor

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/DatanoiseTV/tabitha/internal/browser"
	"github.com/DatanoiseTV/tabitha/internal/index"
	"github.com/DatanoiseTV/tabitha/internal/types"
)

// groupNameMatches compares names by equality, containment, or reverse
// containment, ignoring case.
func groupNameMatches(have, want string) bool {
	h, w := lower(have), lower(want)
	if h == "" || w == "" {
		return false
	}
	return h == w || strings.Contains(h, w) || strings.Contains(w, h)
}

// findGroup resolves a group name; exact titles beat containment.
func (e *Executor) findGroup(ctx context.Context, name string) (browser.Group, []browser.Tab, error) {
	w := lower(name)
	if w == "" {
		return browser.Group{}, nil, fmt.Errorf("no group named")
	}
	groups, err := e.browser.ListGroups(ctx)
	if err != nil {
		return browser.Group{}, nil, err
	}
	best, rank := -1, 0
	for i, g := range groups {
		t := lower(g.Title)
		r := 0
		switch {
		case t == w:
			r = 3
		case t != "" && strings.Contains(t, w):
			r = 2
		case t != "" && strings.Contains(w, t):
			r = 1
		}
		if r > rank {
			best, rank = i, r
		}
	}
	if best < 0 {
		return browser.Group{}, nil, fmt.Errorf("no tab group matches %q", name)
	}
	g := groups[best]
	all, err := e.browser.ListTabs(ctx)
	if err != nil {
		return browser.Group{}, nil, err
	}
	var members []browser.Tab
	for _, t := range all {
		if t.GroupID == g.ID {
			members = append(members, t)
		}
	}
	sort.SliceStable(members, func(i, j int) bool { return members[i].Index < members[j].Index })
	return g, members, nil
}

func groupFail(action string, err error) types.ActionResult {
	return types.Fail(action, types.ErrNoMatchingTabs, err.Error())
}

// FocusGroup activates cardID when it belongs to the group, else the
// group's first tab.
func (e *Executor) FocusGroup(ctx context.Context, name, cardID string) types.ActionResult {
	const action = ActionFocusGroup
	g, members, err := e.findGroup(ctx, name)
	if err != nil {
		return groupFail(action, err)
	}
	if len(members) == 0 {
		return types.Fail(action, types.ErrNoMatchingTabs, fmt.Sprintf("group %q has no tabs", g.Title))
	}
	target := members[0]
	if id, ok := types.TabIDFromCardID(cardID); ok {
		for _, t := range members {
			if t.ID == id {
				target = t
			}
		}
	}
	if g.Collapsed {
		if _, err := e.browser.UpdateGroup(ctx, g.ID, browser.GroupUpdate{Collapsed: browser.Bool(false)}); err != nil {
			e.logger.Debug("failed to expand group", zap.Int("groupId", g.ID), zap.Error(err))
		}
	}
	if _, err := e.browser.UpdateTab(ctx, target.ID, browser.TabUpdate{Active: browser.Bool(true)}); err != nil {
		return types.Fail(action, types.ErrBrowser, err.Error())
	}
	c := index.CardFromTab(target, g.Title, e.now())
	return types.ActionResult{OK: true, Action: action, Method: MethodGroupFocus, TabID: target.ID, Card: &c, GroupName: g.Title}
}

// CloseGroup closes every tab in the group with the same preview and undo
// protocol as Close.
func (e *Executor) CloseGroup(ctx context.Context, name string, confirmed bool, requestID string) types.ActionResult {
	const action = ActionCloseGroup
	g, members, err := e.findGroup(ctx, name)
	if err != nil {
		return groupFail(action, err)
	}
	if len(members) == 0 {
		return types.Fail(action, types.ErrNoMatchingTabs, fmt.Sprintf("group %q has no tabs", g.Title))
	}
	return e.closeTabs(ctx, action, members, g.Title, confirmed, requestID)
}

// SaveGroup bookmarks the group's tabs into a folder named after the group
// unless folderName is given.
func (e *Executor) SaveGroup(ctx context.Context, name, folderName string) types.ActionResult {
	const action = ActionSaveGroup
	g, members, err := e.findGroup(ctx, name)
	if err != nil {
		return groupFail(action, err)
	}
	if folderName == "" {
		folderName = g.Title
	}
	now := e.now()
	cards := make([]types.Card, 0, len(members))
	for _, t := range members {
		cards = append(cards, index.CardFromTab(t, g.Title, now))
	}
	res := e.Save(ctx, cards, folderName, SaveAsBookmark)
	res.Action = action
	res.GroupName = g.Title
	return res
}

// MoveGroupToWindow moves the group to windowID, or to a new window when
// windowID is 0.
func (e *Executor) MoveGroupToWindow(ctx context.Context, name string, windowID int) types.ActionResult {
	const action = ActionMoveGroup
	g, members, err := e.findGroup(ctx, name)
	if err != nil {
		return groupFail(action, err)
	}
	if err := e.browser.MoveGroup(ctx, g.ID, windowID); err != nil {
		return types.Fail(action, types.ErrBrowser, err.Error())
	}
	return types.ActionResult{OK: true, Action: action, Count: len(members), GroupName: g.Title}
}

// RenameGroup retitles the group.
func (e *Executor) RenameGroup(ctx context.Context, name, newName string) types.ActionResult {
	const action = ActionRenameGroup
	if newName = strings.TrimSpace(newName); newName == "" {
		return types.Fail(action, types.ErrBadRequest, "a new group name is required")
	}
	g, _, err := e.findGroup(ctx, name)
	if err != nil {
		return groupFail(action, err)
	}
	updated, err := e.browser.UpdateGroup(ctx, g.ID, browser.GroupUpdate{Title: browser.String(newName)})
	if err != nil {
		return types.Fail(action, types.ErrBrowser, err.Error())
	}
	return types.ActionResult{OK: true, Action: action, GroupName: updated.Title, Message: fmt.Sprintf("renamed %q to %q", g.Title, updated.Title)}
}

// CollapseGroup collapses or expands the group.
func (e *Executor) CollapseGroup(ctx context.Context, name string, collapsed bool) types.ActionResult {
	action := ActionCollapseGroup
	if !collapsed {
		action = ActionExpandGroup
	}
	g, members, err := e.findGroup(ctx, name)
	if err != nil {
		return groupFail(action, err)
	}
	if _, err := e.browser.UpdateGroup(ctx, g.ID, browser.GroupUpdate{Collapsed: browser.Bool(collapsed)}); err != nil {
		return types.Fail(action, types.ErrBrowser, err.Error())
	}
	return types.ActionResult{OK: true, Action: action, Count: len(members), GroupName: g.Title}
}

// Ungroup releases the group's tabs; the tabs stay open.
func (e *Executor) Ungroup(ctx context.Context, name string) types.ActionResult {
	const action = ActionUngroup
	g, members, err := e.findGroup(ctx, name)
	if err != nil {
		return groupFail(action, err)
	}
	ids := make([]int, 0, len(members))
	for _, t := range members {
		ids = append(ids, t.ID)
	}
	if err := e.browser.UngroupTabs(ctx, ids); err != nil {
		return types.Fail(action, types.ErrBrowser, err.Error())
	}
	return types.ActionResult{OK: true, Action: action, Count: len(ids), GroupName: g.Title}
}
