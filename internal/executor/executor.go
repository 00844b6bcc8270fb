// Package executor applies actions to the browser: activation, closing with
// preview and undo, saving, per-tab toggles, group operations, and answering
// questions about tabs.
package executor

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/DatanoiseTV/tabitha/internal/browser"
	"github.com/DatanoiseTV/tabitha/internal/llm"
	"github.com/DatanoiseTV/tabitha/internal/types"
	"github.com/DatanoiseTV/tabitha/internal/urlkey"
)

const (
	DefaultInFlightTTL  = 30 * time.Second
	DefaultUndoCapacity = 10
	// ClosedSessionLimit bounds how many recently closed sessions reopen and
	// undo inspect.
	ClosedSessionLimit = 25
	// maxParallel bounds concurrent per-tab browser calls.
	maxParallel = 8

	DefaultGroupTitle  = "Saved Tabs"
	DefaultSaveFolder  = "Chat Saves"
	BookmarkRootFolder = "Tabitha"
)

// Action names that are not intent kinds.
const (
	ActionUndoClose     = "undo_close"
	ActionFocusGroup    = "focus_group"
	ActionCloseGroup    = "close_group"
	ActionSaveGroup     = "save_group"
	ActionMoveGroup     = "move_group_to_window"
	ActionRenameGroup   = "rename_group"
	ActionCollapseGroup = "collapse_group"
	ActionExpandGroup   = "expand_group"
	ActionUngroup       = "ungroup"
)

// Save modes.
const (
	SaveAsBookmark = "bookmark"
	SaveAsGroup    = "group"
)

// CardSource resolves card ids. The tab index implements it.
type CardSource interface {
	Get(cardID string) (types.Card, bool)
	All() []types.Card
}

// Options configures an Executor.
type Options struct {
	Browser browser.Browser
	Cards   CardSource
	// Runtime answers ask actions; nil makes ask unavailable.
	Runtime      llm.Runtime
	Logger       *zap.Logger
	Now          func() time.Time
	InFlightTTL  time.Duration
	UndoCapacity int
}

// Request is one action invocation.
type Request struct {
	RequestID string       `json:"requestId,omitempty"`
	SessionID string       `json:"sessionId,omitempty"`
	Intent    types.Intent `json:"intent"`
	// Action overrides Intent.Kind with a group or undo action name.
	Action        string   `json:"action,omitempty"`
	CardID        string   `json:"cardId,omitempty"`
	CardIDs       []string `json:"cardIds,omitempty"`
	TabIDs        []int    `json:"tabIds,omitempty"`
	NextToCurrent bool     `json:"nextToCurrent,omitempty"`
	Confirmed     bool     `json:"confirmed,omitempty"`
	FolderName    string   `json:"folderName,omitempty"`
	SaveAs        string   `json:"saveAs,omitempty"`
	Query         string   `json:"query,omitempty"`
	// Cards carries boundary cards (history, bookmarks, sessions) that the
	// index does not hold.
	Cards []types.Card `json:"cards,omitempty"`
}

func (r Request) cardIDs() []string {
	ids := append([]string(nil), r.CardIDs...)
	if r.CardID != "" && !slices.Contains(ids, r.CardID) {
		ids = append([]string{r.CardID}, ids...)
	}
	return ids
}

func (r Request) groupName() string {
	if r.Intent.Constraints.Group != "" {
		return r.Intent.Constraints.Group
	}
	return r.Intent.CanonicalQuery
}

// Executor is the only component that mutates browser state.
type Executor struct {
	browser browser.Browser
	cards   CardSource
	rt      llm.Runtime
	logger  *zap.Logger
	now     func() time.Time

	inflight *inFlight
	undo     *undoRing
}

// New returns an executor.
func New(opts Options) *Executor {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.InFlightTTL <= 0 {
		opts.InFlightTTL = DefaultInFlightTTL
	}
	if opts.UndoCapacity <= 0 {
		opts.UndoCapacity = DefaultUndoCapacity
	}
	if opts.Runtime == nil {
		opts.Runtime = llm.Unavailable{}
	}
	return &Executor{
		browser:  opts.Browser,
		cards:    opts.Cards,
		rt:       opts.Runtime,
		logger:   opts.Logger,
		now:      opts.Now,
		inflight: newInFlight(opts.InFlightTTL, opts.Now),
		undo:     newUndoRing(opts.UndoCapacity),
	}
}

// UndoDepth returns the number of undoable actions.
func (e *Executor) UndoDepth() int { return e.undo.len() }

// Execute runs one action. A request id already in flight is rejected.
func (e *Executor) Execute(ctx context.Context, req Request) types.ActionResult {
	name := req.Action
	if name == "" {
		name = string(req.Intent.Kind)
	}
	if req.RequestID != "" {
		if !e.inflight.begin(req.RequestID, name) {
			return types.Fail(name, types.ErrActionInFlight, fmt.Sprintf("request %s is already running", req.RequestID))
		}
		defer e.inflight.end(req.RequestID)
	}
	if err := ctx.Err(); err != nil {
		return types.Fail(name, types.ErrCancelled, err.Error())
	}

	res := e.execute(ctx, name, req)
	if res.Action == "" {
		res.Action = name
	}
	if !res.OK {
		e.logger.Info("action failed",
			zap.String("action", res.Action),
			zap.String("error", string(res.Error)),
			zap.String("message", res.Message))
	}
	return res
}

func (e *Executor) execute(ctx context.Context, name string, req Request) types.ActionResult {
	switch name {
	case ActionUndoClose:
		return e.UndoLastClose(ctx)
	case ActionFocusGroup:
		return e.FocusGroup(ctx, req.groupName(), req.CardID)
	case ActionCloseGroup:
		return e.CloseGroup(ctx, req.groupName(), req.Confirmed, req.RequestID)
	case ActionSaveGroup:
		return e.SaveGroup(ctx, req.groupName(), req.FolderName)
	case ActionMoveGroup:
		args := req.Intent.OperationArgs
		if args == nil {
			args = &types.OperationArgs{NewWindow: true}
		}
		return e.MoveGroupToWindow(ctx, req.groupName(), args.WindowID)
	case ActionRenameGroup:
		newName := ""
		if req.Intent.OperationArgs != nil {
			newName = req.Intent.OperationArgs.NewName
		}
		return e.RenameGroup(ctx, req.groupName(), newName)
	case ActionCollapseGroup:
		return e.CollapseGroup(ctx, req.groupName(), true)
	case ActionExpandGroup:
		return e.CollapseGroup(ctx, req.groupName(), false)
	case ActionUngroup:
		return e.Ungroup(ctx, req.groupName())
	}

	if req.Intent.Kind == "" {
		req.Intent.Kind = types.IntentKind(name)
	}
	if req.Intent.Operation != types.OperationNone {
		return e.groupOperation(ctx, req)
	}
	res, err := types.Dispatch(req.Intent, handler{e: e, ctx: ctx, req: req})
	if err != nil {
		return types.Fail(name, types.ErrUnknownIntent, err.Error())
	}
	return res
}

// groupOperation runs an intent that carries a group operation.
func (e *Executor) groupOperation(ctx context.Context, req Request) types.ActionResult {
	name := req.groupName()
	switch req.Intent.Operation {
	case types.OperationRename:
		newName := ""
		if req.Intent.OperationArgs != nil {
			newName = req.Intent.OperationArgs.NewName
		}
		return e.RenameGroup(ctx, name, newName)
	case types.OperationCollapse:
		return e.CollapseGroup(ctx, name, true)
	case types.OperationExpand:
		return e.CollapseGroup(ctx, name, false)
	case types.OperationMoveToWindow:
		windowID := 0
		if req.Intent.OperationArgs != nil {
			windowID = req.Intent.OperationArgs.WindowID
		}
		return e.MoveGroupToWindow(ctx, name, windowID)
	}
	return types.Fail(string(req.Intent.Operation), types.ErrInvalidIntent, "unknown group operation")
}

// handler routes each intent kind to its action.
type handler struct {
	e   *Executor
	ctx context.Context
	req Request
}

func (h handler) groupScoped(in types.Intent) bool {
	return in.Constraints.Scope == types.ScopeGroup && h.req.CardID == "" && len(h.req.CardIDs) == 0
}

func (h handler) Open(in types.Intent) types.ActionResult {
	if h.groupScoped(in) {
		return h.e.FocusGroup(h.ctx, h.req.groupName(), "")
	}
	card, ok := h.e.resolve(h.req.CardID, h.req.Cards)
	if !ok {
		return types.Fail(string(types.IntentOpen), types.ErrCardNotFound, fmt.Sprintf("no card %q", h.req.CardID))
	}
	return h.e.Open(h.ctx, card, h.req.NextToCurrent, in)
}

func (h handler) FindOpen(in types.Intent) types.ActionResult {
	card, ok := h.e.resolve(h.req.CardID, h.req.Cards)
	if !ok {
		return types.Fail(string(types.IntentFindOpen), types.ErrCardNotFound, fmt.Sprintf("no card %q", h.req.CardID))
	}
	return h.e.FindOpen(h.ctx, card)
}

func (h handler) Close(in types.Intent) types.ActionResult {
	if h.groupScoped(in) {
		return h.e.CloseGroup(h.ctx, h.req.groupName(), h.req.Confirmed, h.req.RequestID)
	}
	sel := Selection{
		CardIDs:     h.req.cardIDs(),
		TabIDs:      h.req.TabIDs,
		IncludeApps: in.Constraints.IncludeApps,
		ExcludeApps: in.Constraints.ExcludeApps,
	}
	return h.e.Close(h.ctx, sel, h.req.Confirmed, h.req.RequestID)
}

func (h handler) Reopen(types.Intent) types.ActionResult {
	card, ok := h.e.resolve(h.req.CardID, h.req.Cards)
	if !ok {
		return types.Fail(string(types.IntentReopen), types.ErrCardNotFound, fmt.Sprintf("no card %q", h.req.CardID))
	}
	return h.e.Reopen(h.ctx, card)
}

func (h handler) Save(in types.Intent) types.ActionResult {
	folder := h.req.FolderName
	if folder == "" {
		folder = in.FolderName
	}
	if h.groupScoped(in) {
		return h.e.SaveGroup(h.ctx, h.req.groupName(), folder)
	}
	cards := h.e.resolveAll(h.req.cardIDs(), h.req.Cards)
	if len(cards) == 0 && in.Constraints.HasAppFilter() {
		cards = h.e.matchingOpenCards(in.Constraints)
	}
	return h.e.Save(h.ctx, cards, folder, h.req.SaveAs)
}

func (h handler) List(in types.Intent) types.ActionResult {
	cards := h.e.resolveAll(h.req.cardIDs(), h.req.Cards)
	if len(cards) == 0 {
		cards = h.e.matchingOpenCards(in.Constraints)
	}
	if in.Constraints.Limit > 0 && len(cards) > in.Constraints.Limit {
		cards = cards[:in.Constraints.Limit]
	}
	return types.ActionResult{OK: true, Action: string(types.IntentList), Count: len(cards), Cards: cards}
}

func (h handler) Ask(in types.Intent) types.ActionResult {
	q := h.req.Query
	if q == "" {
		q = in.CanonicalQuery
	}
	return h.e.Ask(h.ctx, q, in, h.req.SessionID)
}

func (h handler) mutate(in types.Intent) types.ActionResult {
	return h.e.Mutate(h.ctx, in.Kind, Selection{
		CardIDs:     h.req.cardIDs(),
		TabIDs:      h.req.TabIDs,
		IncludeApps: in.Constraints.IncludeApps,
		ExcludeApps: in.Constraints.ExcludeApps,
	})
}

func (h handler) Mute(in types.Intent) types.ActionResult    { return h.mutate(in) }
func (h handler) Unmute(in types.Intent) types.ActionResult  { return h.mutate(in) }
func (h handler) Pin(in types.Intent) types.ActionResult     { return h.mutate(in) }
func (h handler) Unpin(in types.Intent) types.ActionResult   { return h.mutate(in) }
func (h handler) Reload(in types.Intent) types.ActionResult  { return h.mutate(in) }
func (h handler) Discard(in types.Intent) types.ActionResult { return h.mutate(in) }

// resolve finds a card in the index, then among the boundary cards.
func (e *Executor) resolve(cardID string, extra []types.Card) (types.Card, bool) {
	if cardID == "" {
		return types.Card{}, false
	}
	if e.cards != nil {
		if c, ok := e.cards.Get(cardID); ok {
			return c, true
		}
	}
	for _, c := range extra {
		if c.CardID == cardID {
			return c, true
		}
	}
	// a tab the index has not seen yet
	if id, ok := types.TabIDFromCardID(cardID); ok {
		return types.Card{CardID: cardID, Source: types.SourceTab, TabID: id, SourceID: id}, true
	}
	return types.Card{}, false
}

func (e *Executor) resolveAll(ids []string, extra []types.Card) []types.Card {
	out := make([]types.Card, 0, len(ids))
	for _, id := range ids {
		if c, ok := e.resolve(id, extra); ok {
			out = append(out, c)
		}
	}
	return out
}

// matchingOpenCards returns indexed tabs passing the app and group filters,
// most recent first.
func (e *Executor) matchingOpenCards(con types.Constraints) []types.Card {
	if e.cards == nil {
		return nil
	}
	var out []types.Card
	for _, c := range e.cards.All() {
		if !c.IsOpenTab() || !appFilter(c.Domain, c.URL, con.IncludeApps, con.ExcludeApps) {
			continue
		}
		if con.Group != "" && !groupNameMatches(c.GroupName, con.Group) {
			continue
		}
		out = append(out, c)
	}
	return out
}

// appFilter applies include/exclude app constraints to one page.
func appFilter(domain, rawURL string, include, exclude []string) bool {
	if len(include) > 0 {
		ok := false
		for _, app := range include {
			if urlkey.MatchApp(domain, rawURL, app) != urlkey.NoMatch {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	for _, app := range exclude {
		if urlkey.MatchApp(domain, rawURL, app) != urlkey.NoMatch {
			return false
		}
	}
	return true
}

func lower(s string) string { return strings.ToLower(strings.TrimSpace(s)) }
