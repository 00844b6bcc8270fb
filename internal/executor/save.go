package executor

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/DatanoiseTV/tabitha/internal/browser"
	"github.com/DatanoiseTV/tabitha/internal/types"
)

// otherBookmarksID is the "Other bookmarks" root in Chromium trees.
const otherBookmarksID = "2"

// Save groups the cards' tabs or bookmarks the cards under
// Tabitha/<folderName>.
func (e *Executor) Save(ctx context.Context, cards []types.Card, folderName, saveAs string) types.ActionResult {
	const action = string(types.IntentSave)
	if len(cards) == 0 {
		return types.Fail(action, types.ErrBadRequest, "nothing to save")
	}
	if saveAs == SaveAsGroup {
		return e.saveAsGroup(ctx, cards, folderName)
	}

	if folderName = strings.TrimSpace(folderName); folderName == "" {
		folderName = DefaultSaveFolder
	}
	folder, err := e.ensureFolder(ctx, folderName)
	if err != nil {
		return types.Fail(action, types.ErrBrowser, err.Error())
	}

	existing := make(map[string]bool)
	for _, child := range folder.Children {
		existing[child.URL] = true
	}
	saved := 0
	for _, c := range cards {
		if c.URL == "" || existing[c.URL] {
			continue
		}
		if _, err := e.browser.CreateBookmark(ctx, browser.CreateBookmark{ParentID: folder.ID, Title: c.Title, URL: c.URL}); err != nil {
			e.logger.Warn("failed to create bookmark", zap.String("url", c.URL), zap.Error(err))
			continue
		}
		existing[c.URL] = true
		saved++
	}
	e.logger.Info("saved bookmarks", zap.Int("count", saved), zap.String("folder", folderName))
	return types.ActionResult{OK: true, Action: action, Method: SaveAsBookmark, Count: saved, FolderName: folderName}
}

func (e *Executor) saveAsGroup(ctx context.Context, cards []types.Card, title string) types.ActionResult {
	const action = string(types.IntentSave)
	if title = strings.TrimSpace(title); title == "" {
		title = DefaultGroupTitle
	}
	var ids []int
	for _, c := range cards {
		if c.IsOpenTab() {
			ids = append(ids, c.TabID)
		}
	}
	if len(ids) == 0 {
		return types.Fail(action, types.ErrNoMatchingTabs, "only open tabs can be grouped")
	}
	gid, err := e.browser.GroupTabs(ctx, ids, 0)
	if err != nil {
		return types.Fail(action, types.ErrBrowser, err.Error())
	}
	if _, err := e.browser.UpdateGroup(ctx, gid, browser.GroupUpdate{Title: browser.String(title)}); err != nil {
		return types.Fail(action, types.ErrBrowser, err.Error())
	}
	return types.ActionResult{OK: true, Action: action, Method: SaveAsGroup, Count: len(ids), GroupName: title}
}

// ensureFolder returns Tabitha/<name>, creating either level as needed.
// The Tabitha root goes under "Other bookmarks" when the tree has one.
func (e *Executor) ensureFolder(ctx context.Context, name string) (*browser.BookmarkNode, error) {
	tree, err := e.browser.BookmarkTree(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read bookmarks: %w", err)
	}
	root := findFolder(tree, BookmarkRootFolder)
	if root == nil {
		parent := bookmarkParent(tree)
		if parent == "" {
			return nil, fmt.Errorf("bookmark tree has no folders")
		}
		root, err = e.browser.CreateBookmark(ctx, browser.CreateBookmark{ParentID: parent, Title: BookmarkRootFolder})
		if err != nil {
			return nil, fmt.Errorf("failed to create %s folder: %w", BookmarkRootFolder, err)
		}
	}
	for _, child := range root.Children {
		if child.IsFolder() && strings.EqualFold(child.Title, name) {
			return child, nil
		}
	}
	folder, err := e.browser.CreateBookmark(ctx, browser.CreateBookmark{ParentID: root.ID, Title: name})
	if err != nil {
		return nil, fmt.Errorf("failed to create folder %q: %w", name, err)
	}
	return folder, nil
}

// findFolder searches the whole tree for a folder titled name.
func findFolder(nodes []*browser.BookmarkNode, name string) *browser.BookmarkNode {
	for _, n := range nodes {
		if n.IsFolder() && n.ID != "0" && strings.EqualFold(n.Title, name) {
			return n
		}
		if found := findFolder(n.Children, name); found != nil {
			return found
		}
	}
	return nil
}

// bookmarkParent picks where the Tabitha root is created: "Other
// bookmarks" by id or title, else the first root child.
func bookmarkParent(tree []*browser.BookmarkNode) string {
	var first string
	for _, root := range tree {
		for _, child := range root.Children {
			if !child.IsFolder() {
				continue
			}
			if child.ID == otherBookmarksID || strings.EqualFold(child.Title, "Other bookmarks") {
				return child.ID
			}
			if first == "" {
				first = child.ID
			}
		}
	}
	return first
}
