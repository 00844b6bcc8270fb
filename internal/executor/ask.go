package executor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/DatanoiseTV/tabitha/internal/browser"
	"github.com/DatanoiseTV/tabitha/internal/index"
	"github.com/DatanoiseTV/tabitha/internal/llm"
	"github.com/DatanoiseTV/tabitha/internal/types"
)

const (
	maxAskCards   = 40
	maxAskHistory = 200
)

const askSystem = `You answer questions about the user's browser tabs and browsing history.
Use ONLY the items listed. If the answer is not there, say you could not find it.
Answer in one or two short sentences and name the page titles you relied on.`

// Ask answers a question about open tabs, and about history inside the
// intent's date range when one is set. Nothing is mutated.
func (e *Executor) Ask(ctx context.Context, query string, intent types.Intent, sessionID string) types.ActionResult {
	const action = string(types.IntentAsk)
	if strings.TrimSpace(query) == "" {
		return types.Fail(action, types.ErrBadRequest, "question is empty")
	}
	cards := e.askCards(ctx, intent.Constraints)

	now := e.now()
	var b strings.Builder
	if r := intent.Constraints.DateRange; r != nil {
		fmt.Fprintf(&b, "Time window: %s to %s\n", fmtTime(r.Since, "the beginning"), fmtTime(r.Until, "now"))
	}
	fmt.Fprintf(&b, "Current time: %s\n\nItems (%d):\n", now.Format(time.RFC1123), len(cards))
	for _, c := range cards {
		fmt.Fprintf(&b, "- [%s] %s | %s | %s | visited %s\n", c.Source, c.Title, c.Domain, c.URL, ago(c.Age(now)))
	}
	fmt.Fprintf(&b, "\nQuestion: %s", query)

	answer, err := e.rt.Prompt(ctx, llm.Request{Prompt: b.String(), Options: llm.Options{System: askSystem}})
	if err != nil {
		kind := types.ErrOffscreenUnavailable
		switch {
		case errors.Is(err, context.Canceled):
			kind = types.ErrCancelled
		case errors.Is(err, llm.ErrUnavailable):
		default:
			e.logger.Warn("ask failed", zap.String("sessionId", sessionID), zap.Error(err))
		}
		return types.ActionResult{OK: false, Action: action, Error: kind, Message: err.Error(), Cards: cards, Count: len(cards)}
	}
	return types.ActionResult{OK: true, Action: action, Answer: answer, Cards: cards, Count: len(cards)}
}

// askCards gathers the open tabs passing the filters and, with a date
// range, the history entries inside it. Newest first.
func (e *Executor) askCards(ctx context.Context, con types.Constraints) []types.Card {
	r := con.DateRange
	var cards []types.Card
	seen := make(map[string]bool)
	for _, c := range e.matchingOpenCards(con) {
		if r != nil && !r.Contains(time.UnixMilli(c.LastVisitedAt)) {
			continue
		}
		cards = append(cards, c)
		seen[c.URL] = true
	}

	if r != nil {
		q := browser.HistoryQuery{MaxResults: maxAskHistory}
		if !r.Since.IsZero() {
			q.StartTime = r.Since.UnixMilli()
		}
		if !r.Until.IsZero() {
			q.EndTime = r.Until.UnixMilli()
		}
		items, err := e.browser.SearchHistory(ctx, q)
		if err != nil {
			e.logger.Warn("failed to search history", zap.Error(err))
		}
		now := e.now()
		for _, it := range items {
			c := index.CardFromHistory(it, now)
			if seen[c.URL] || !appFilter(c.Domain, c.URL, con.IncludeApps, con.ExcludeApps) {
				continue
			}
			if !r.Contains(time.UnixMilli(c.LastVisitedAt)) {
				continue
			}
			seen[c.URL] = true
			cards = append(cards, c)
		}
	}

	sort.SliceStable(cards, func(i, j int) bool { return cards[i].LastVisitedAt > cards[j].LastVisitedAt })
	if len(cards) > maxAskCards {
		cards = cards[:maxAskCards]
	}
	return cards
}

func fmtTime(t time.Time, zero string) string {
	if t.IsZero() {
		return zero
	}
	return t.Format("Mon Jan 2 15:04")
}

func ago(d time.Duration) string {
	switch {
	case d < 0 || d > 365*24*time.Hour:
		return "a long time ago"
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%d minutes ago", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%d hours ago", int(d.Hours()))
	}
	return fmt.Sprintf("%d days ago", int(d.Hours()/24))
}
