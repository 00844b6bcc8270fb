package executor

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/DatanoiseTV/tabitha/internal/browser"
	"github.com/DatanoiseTV/tabitha/internal/types"
)

// Mutate applies a per-tab toggle (mute, unmute, pin, unpin, reload,
// discard) to the selection in parallel. With no ids and no filters every
// tab is targeted. Per-tab failures are counted, not returned.
func (e *Executor) Mutate(ctx context.Context, kind types.IntentKind, s Selection) types.ActionResult {
	action := string(kind)
	if !kind.BulkTabMutation() {
		return types.Fail(action, types.ErrInvalidIntent, fmt.Sprintf("%s is not a tab toggle", kind))
	}
	tabs, err := e.tabs(ctx, s, true)
	if err != nil {
		return types.Fail(action, types.ErrBrowser, err.Error())
	}
	if kind == types.IntentDiscard {
		kept := tabs[:0]
		for _, t := range tabs {
			if !t.Pinned && !t.Active {
				kept = append(kept, t)
			}
		}
		tabs = kept
	}
	if len(tabs) == 0 {
		return types.Fail(action, types.ErrNoMatchingTabs, "no open tabs match")
	}

	var failed atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallel)
	for _, t := range tabs {
		g.Go(func() error {
			if err := e.toggle(gctx, kind, t.ID); err != nil {
				failed.Add(1)
				e.logger.Debug("tab mutation failed", zap.String("action", action), zap.Int("tabId", t.ID), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()

	n := int(failed.Load())
	e.logger.Info("mutated tabs", zap.String("action", action), zap.Int("count", len(tabs)-n), zap.Int("failed", n))
	return types.ActionResult{OK: true, Action: action, Count: len(tabs) - n, Failed: n, Tabs: tabInfos(tabs)}
}

func (e *Executor) toggle(ctx context.Context, kind types.IntentKind, tabID int) error {
	var u browser.TabUpdate
	switch kind {
	case types.IntentMute:
		u.Muted = browser.Bool(true)
	case types.IntentUnmute:
		u.Muted = browser.Bool(false)
	case types.IntentPin:
		u.Pinned = browser.Bool(true)
	case types.IntentUnpin:
		u.Pinned = browser.Bool(false)
	case types.IntentReload:
		return e.browser.Reload(ctx, tabID)
	case types.IntentDiscard:
		return e.browser.Discard(ctx, tabID)
	}
	_, err := e.browser.UpdateTab(ctx, tabID, u)
	return err
}
