package server

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/DatanoiseTV/tabitha/internal/browser"
	"github.com/DatanoiseTV/tabitha/internal/conversation"
	"github.com/DatanoiseTV/tabitha/internal/executor"
	"github.com/DatanoiseTV/tabitha/internal/index"
	"github.com/DatanoiseTV/tabitha/internal/pipeline"
	"github.com/DatanoiseTV/tabitha/internal/router"
	"github.com/DatanoiseTV/tabitha/internal/telemetry"
	"github.com/DatanoiseTV/tabitha/internal/types"
)

const (
	// unclearMaxWords is the longest reply still treated as a failed
	// follow-up rather than a new request.
	unclearMaxWords = 3
	// boundaryHistoryLimit bounds the history items scored per utterance.
	boundaryHistoryLimit = 100
)

// pluralCues in an utterance mean "every match", not "pick one".
var pluralCues = []string{"all", "every", "tabs", "these", "those", "them"}

// UtteranceRequest is one user message.
type UtteranceRequest struct {
	Text      string             `json:"text"`
	SessionID string             `json:"sessionId,omitempty"`
	RequestID string             `json:"requestId,omitempty"`
	Style     conversation.Style `json:"style,omitempty"`
}

// UtteranceReply is the outcome of one user message: the text to show or
// speak, plus whatever the UI needs to render it.
type UtteranceReply struct {
	OK                   bool                   `json:"ok"`
	SessionID            string                 `json:"sessionId"`
	Text                 string                 `json:"text"`
	Intent               *types.Intent          `json:"intent,omitempty"`
	Candidates           []types.Candidate      `json:"candidates,omitempty"`
	Action               *types.ActionResult    `json:"action,omitempty"`
	FollowUp             *conversation.FollowUp `json:"followUp,omitempty"`
	Rank                 *types.RankMetadata    `json:"rank,omitempty"`
	Error                types.ErrorKind        `json:"error,omitempty"`
	AwaitingConfirmation bool                   `json:"awaitingConfirmation,omitempty"`
}

// utterance carries one message through the flow.
type utterance struct {
	s    *Server
	req  UtteranceRequest
	text string
}

// HandleUtterance runs one message end to end. Replies to a pending
// disambiguation or close preview are routed as follow-ups; anything else
// is parsed and searched in parallel, ranked, then executed or offered back
// as a list. Both turns are appended to the session history.
func (s *Server) HandleUtterance(ctx context.Context, req UtteranceRequest) UtteranceReply {
	if req.SessionID == "" {
		req.SessionID = conversation.NewSessionID()
	}
	if req.Style == "" {
		req.Style = conversation.StyleChat
	}
	u := &utterance{s: s, req: req, text: strings.TrimSpace(req.Text)}

	var reply UtteranceReply
	if u.text == "" {
		reply = u.fail(ctx, types.Intent{}, types.ErrBadRequest, "")
	} else if r, ok := u.followUp(ctx); ok {
		reply = r
	} else {
		reply = u.fresh(ctx)
	}
	reply.SessionID = req.SessionID

	s.conv.Append(req.SessionID, conversation.Entry{Role: conversation.RoleUser, Content: u.text})
	s.conv.Append(req.SessionID, conversation.Entry{
		Role:         conversation.RoleAssistant,
		Content:      reply.Text,
		Results:      reply.Candidates,
		ActionResult: reply.Action,
	})
	s.logger.Info("handled utterance",
		zap.String("sessionId", req.SessionID),
		zap.Bool("ok", reply.OK),
		zap.String("error", string(reply.Error)))
	return reply
}

func (u *utterance) sessionID() string { return u.req.SessionID }

// followUp handles a reply to the session's pending slot or preview. It
// reports false when the message should run as a new request.
func (u *utterance) followUp(ctx context.Context) (UtteranceReply, bool) {
	s := u.s
	sid := u.sessionID()
	slot, hasSlot := s.conv.Slot(sid)
	pending, hasPending := s.pendingConfirm(sid)
	if !hasSlot && !hasPending {
		return UtteranceReply{}, false
	}

	var cands []types.SlotCandidate
	if hasSlot {
		cands = slot.Candidates
	}
	f := s.conv.UnderstandFollowUp(ctx, slot.Query, u.lastAssistant(), cands, u.text, sid)

	switch f.Action {
	case conversation.FollowUpCancel:
		s.conv.ClearSlot(sid)
		s.clearPendingConfirm(sid)
		return UtteranceReply{OK: true, Text: s.responder.Cancelled(), FollowUp: &f}, true
	case conversation.FollowUpConfirm:
		if hasPending {
			s.clearPendingConfirm(sid)
			pending.Confirmed = true
			return u.execute(ctx, pending, &f), true
		}
	case conversation.FollowUpSelect, conversation.FollowUpSpecify:
		if hasSlot && f.CardID != "" && !u.redirects(slot.Intent) {
			s.conv.ClearSlot(sid)
			s.clearPendingConfirm(sid)
			return u.execute(ctx, executor.Request{
				Intent: slot.Intent,
				CardID: f.CardID,
				Query:  slot.Query,
				Cards:  s.offered(sid),
			}, &f), true
		}
	}

	if len(strings.Fields(u.text)) <= unclearMaxWords && !u.command() {
		return UtteranceReply{OK: false, Error: types.ErrInvalidIntent, Text: s.responder.Unclear(), FollowUp: &f}, true
	}
	s.clearPendingConfirm(sid)
	return UtteranceReply{}, false
}

// fresh parses and searches a new request.
func (u *utterance) fresh(ctx context.Context) UtteranceReply {
	s := u.s
	sid := u.sessionID()
	s.clearPendingConfirm(sid)

	// the rule-based query lets search start before the model answers
	guess := router.Fallback(u.text, s.router.Aliases(), s.now()).CanonicalQuery
	var parsed router.Result
	var search index.SearchResult
	var g errgroup.Group
	g.Go(func() error {
		parsed = s.router.ParseIntent(ctx, u.text, sid)
		return nil
	})
	g.Go(func() error {
		if guess != "" {
			search = s.index.LexicalSearch(guess, lexicalLimit, index.Filters{})
		}
		return nil
	})
	_ = g.Wait()

	s.recordParse(parsed)
	if ctx.Err() != nil {
		return u.cancelled(parsed.Intent)
	}
	if !parsed.OK {
		return u.fail(ctx, parsed.Intent, parsed.Error, "")
	}
	in := parsed.Intent
	query := in.CanonicalQuery

	switch {
	case in.Kind == types.IntentAsk:
		return u.execute(ctx, executor.Request{Intent: in, Query: u.text}, nil)
	case in.Kind == types.IntentReopen:
		return u.reopen(ctx, in)
	case in.GroupScoped():
		return u.execute(ctx, executor.Request{Intent: in}, nil)
	}

	if !in.Kind.Navigational() {
		if in.AnaphoraOf != "" {
			if slot, ok := s.conv.Slot(sid); ok {
				ids := make([]string, 0, len(slot.Candidates))
				for _, c := range slot.Candidates {
					ids = append(ids, c.CardID)
				}
				s.conv.ClearSlot(sid)
				return u.execute(ctx, executor.Request{Intent: in, CardIDs: ids, Cards: s.offered(sid)}, nil)
			}
		}
		if in.Constraints.HasAppFilter() || query == "" {
			req := executor.Request{Intent: in}
			if in.Kind == types.IntentSave && !in.Constraints.HasAppFilter() {
				req.CardIDs = u.openCardIDs()
			}
			return u.execute(ctx, req, nil)
		}
	}

	hits := search.Hits
	if query != guess && query != "" {
		hits = s.index.LexicalSearch(query, lexicalLimit, index.Filters{}).Hits
	}
	hits = append(hits, u.boundaryHits(ctx, in, query)...)

	rank := s.pipeline.FilterAndRank(ctx, pipeline.Request{Intent: in, Hits: hits, Query: query, SessionID: sid})
	s.recordRank(rank)
	meta := rank.Metadata

	switch {
	case rank.Reason == types.ErrCancelled:
		return u.cancelled(in)
	case !rank.OK:
		text := s.responder.Error(ctx, in, rank.Reason, query, rank.Clarifier)
		return UtteranceReply{OK: false, Intent: &in, Error: rank.Reason, Text: text, Candidates: rank.ClosestMatches, Rank: &meta}
	case rank.AutoExecute:
		c := rank.Candidate
		reply := u.execute(ctx, executor.Request{Intent: in, CardID: c.Card.CardID, Cards: []types.Card{c.Card}}, nil)
		reply.Rank = &meta
		return reply
	case !in.Kind.Navigational() && (len(rank.Candidates) == 1 || u.plural()):
		// a bulk request acts on every match, not the displayed head
		matches := rank.Matches
		if len(matches) == 0 {
			matches = rank.Candidates
		}
		ids := make([]string, 0, len(matches))
		cards := make([]types.Card, 0, len(matches))
		for _, c := range matches {
			ids = append(ids, c.Card.CardID)
			cards = append(cards, c.Card)
		}
		reply := u.execute(ctx, executor.Request{Intent: in, CardIDs: ids, Cards: cards}, nil)
		reply.Rank = &meta
		return reply
	}

	s.conv.StoreCandidates(sid, rank.Candidates, in, query)
	s.setOffered(sid, rank.Candidates)
	text := s.responder.Disambiguation(ctx, in, rank.Candidates, u.req.Style)
	return UtteranceReply{OK: true, Intent: &in, Candidates: rank.Candidates, Text: text, Rank: &meta}
}

// reopen restores a recently closed tab or window, or undoes the last close
// when nothing closed matches.
func (u *utterance) reopen(ctx context.Context, in types.Intent) UtteranceReply {
	s := u.s
	if strings.HasPrefix(types.CanonicalizeQuery(u.text), "undo") {
		return u.execute(ctx, executor.Request{Intent: in, Action: executor.ActionUndoClose}, nil)
	}
	cards, err := s.exec.RecentlyClosedCards(ctx)
	if err != nil && !errors.Is(err, browser.ErrUnsupported) {
		return u.fail(ctx, in, types.ErrBrowser, "")
	}
	var pick *types.Card
	if in.CanonicalQuery != "" {
		if hits := matching(index.ScoreCards(cards, in.CanonicalQuery, "", s.now())); len(hits) > 0 {
			pick = &hits[0].Card
		}
	}
	switch {
	case pick != nil:
	case s.exec.UndoDepth() > 0:
		return u.execute(ctx, executor.Request{Intent: in, Action: executor.ActionUndoClose}, nil)
	case len(cards) > 0:
		pick = &cards[0]
	default:
		return u.fail(ctx, in, types.ErrNoCandidates, "")
	}
	return u.execute(ctx, executor.Request{Intent: in, CardID: pick.CardID, Cards: cards}, nil)
}

// execute runs an action and words its result. A close preview is kept so
// the next "yes" can confirm it.
func (u *utterance) execute(ctx context.Context, req executor.Request, f *conversation.FollowUp) UtteranceReply {
	s := u.s
	sid := u.sessionID()
	req.RequestID = u.req.RequestID
	req.SessionID = sid
	in := req.Intent

	res := s.exec.Execute(ctx, req)
	s.telemetry.Result(telemetry.Actions, res)
	reply := UtteranceReply{OK: res.OK, Intent: &in, Action: &res, FollowUp: f, Error: res.Error}

	switch {
	case res.Error == types.ErrCancelled:
		reply.Text = s.responder.Error(ctx, in, res.Error, "", "")
	case !res.OK:
		reply.Text = s.responder.Error(ctx, in, res.Error, req.Query, "")
	case res.Preview:
		s.setPendingConfirm(sid, req)
		reply.AwaitingConfirmation = true
		reply.Text = s.responder.Success(ctx, in, res, u.req.Style)
	case res.Action == string(types.IntentList):
		cands := make([]types.Candidate, 0, len(res.Cards))
		for _, c := range res.Cards {
			cands = append(cands, types.Candidate{Card: c})
		}
		reply.Text = s.responder.Conversational(ctx, in, cands, u.text, s.conv.FormattedContext(sid))
	default:
		reply.Text = s.responder.Success(ctx, in, res, u.req.Style)
	}
	return reply
}

// boundaryHits scores history and bookmarks for requests that may reach
// beyond open tabs.
func (u *utterance) boundaryHits(ctx context.Context, in types.Intent, query string) []types.LexicalHit {
	if in.Constraints.ResultMustBeOpen || query == "" {
		return nil
	}
	s := u.s
	now := s.now()
	q := browser.HistoryQuery{Text: query, MaxResults: boundaryHistoryLimit}
	if dr := in.Constraints.DateRange; dr != nil {
		if !dr.Since.IsZero() {
			q.StartTime = dr.Since.UnixMilli()
		}
		if !dr.Until.IsZero() {
			q.EndTime = dr.Until.UnixMilli()
		}
	}
	var cards []types.Card
	items, err := s.browser.SearchHistory(ctx, q)
	if err != nil {
		s.logger.Debug("history search failed", zap.Error(err))
	}
	for _, it := range items {
		cards = append(cards, index.CardFromHistory(it, now))
	}
	if in.Constraints.DateRange == nil {
		roots, err := s.browser.BookmarkTree(ctx)
		if err != nil {
			s.logger.Debug("bookmark tree unavailable", zap.Error(err))
		}
		cards = append(cards, index.CardsFromBookmarks(roots, now)...)
	}
	return matching(index.ScoreCards(cards, query, in.Constraints.Group, now))
}

// matching drops hits that share no term with the query.
func matching(hits []types.LexicalHit) []types.LexicalHit {
	out := hits[:0]
	for _, h := range hits {
		if h.Score > 0 {
			out = append(out, h)
		}
	}
	return out
}

func (u *utterance) openCardIDs() []string {
	var ids []string
	for _, c := range u.s.index.All() {
		if c.IsOpenTab() {
			ids = append(ids, c.CardID)
		}
	}
	return ids
}

// command reports whether the text starts like a new request.
func (u *utterance) command() bool {
	return !router.Fallback(u.text, u.s.router.Aliases(), u.s.now()).DisambiguationNeeded
}

// redirects reports whether the message is a new command rather than a reply
// narrowing the offered list: it leads with a verb for another action, or
// excludes apps. "open the notion one" narrows an open; "mute all except
// youtube" does not.
func (u *utterance) redirects(offered types.Intent) bool {
	fb := router.Fallback(u.text, u.s.router.Aliases(), u.s.now())
	switch {
	case fb.DisambiguationNeeded:
		return false
	case len(fb.Constraints.ExcludeApps) > 0:
		return true
	case fb.Kind == offered.Kind:
		return false
	}
	return !(fb.Kind.Navigational() && offered.Kind.Navigational())
}

func (u *utterance) plural() bool {
	words := strings.Fields(types.CanonicalizeQuery(u.text))
	for _, w := range words {
		for _, cue := range pluralCues {
			if w == cue {
				return true
			}
		}
	}
	return false
}

func (u *utterance) lastAssistant() string {
	h := u.s.conv.History(u.sessionID())
	for i := len(h) - 1; i >= 0; i-- {
		if h[i].Role == conversation.RoleAssistant {
			return h[i].Content
		}
	}
	return ""
}

func (u *utterance) fail(ctx context.Context, in types.Intent, kind types.ErrorKind, clarifier string) UtteranceReply {
	if kind == "" {
		kind = types.ErrParseFailed
	}
	return UtteranceReply{OK: false, Intent: &in, Error: kind, Text: u.s.responder.Error(ctx, in, kind, "", clarifier)}
}

func (u *utterance) cancelled(in types.Intent) UtteranceReply {
	return UtteranceReply{OK: false, Intent: &in, Error: types.ErrCancelled, Text: u.s.responder.Cancelled()}
}
