package server

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/DatanoiseTV/tabitha/internal/conversation"
	"github.com/DatanoiseTV/tabitha/internal/executor"
	"github.com/DatanoiseTV/tabitha/internal/index"
	"github.com/DatanoiseTV/tabitha/internal/pipeline"
	"github.com/DatanoiseTV/tabitha/internal/telemetry"
	"github.com/DatanoiseTV/tabitha/internal/types"
)

// Message types.
const (
	MsgHandleUtterance        = "HANDLE_UTTERANCE"
	MsgParseIntent            = "PARSE_INTENT"
	MsgLexicalSearch          = "LEXICAL_SEARCH"
	MsgFilterAndRank          = "FILTER_AND_RANK"
	MsgExecuteAction          = "EXECUTE_ACTION"
	MsgUndoClose              = "UNDO_CLOSE"
	MsgStoreCandidates        = "STORE_DISAMBIGUATION_CANDIDATES"
	MsgGetLastCandidates      = "GET_LAST_DISAMBIGUATION_CANDIDATES"
	MsgUnderstandFollowUp     = "UNDERSTAND_FOLLOW_UP"
	MsgGenerateConversational = "GENERATE_CONVERSATIONAL_RESPONSE"
	MsgGenerateSuccess        = "GENERATE_SUCCESS_RESPONSE"
	MsgGenerateError          = "GENERATE_ERROR_RESPONSE"
	MsgGenerateDisambiguation = "GENERATE_DISAMBIGUATION_LIST_RESPONSE"
	MsgIndexCounts            = "INDEX_COUNTS"
	MsgIndexQuery             = "INDEX_QUERY"
	MsgGetTelemetry           = "GET_TELEMETRY"
	MsgIntentCacheGet         = "INTENT_CACHE_GET"
	MsgIntentCachePut         = "INTENT_CACHE_PUT"
	MsgCancel                 = "CANCEL_REQUEST"
)

// defaultQueryLimit caps INDEX_QUERY when no limit is given.
const defaultQueryLimit = 100

// Response answers one message. Result holds the type-specific payload,
// which always carries ok.
type Response struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
	// Slow is set when the request outlived the slow-hint delay.
	Slow   bool `json:"slow,omitempty"`
	Result any  `json:"result"`
}

// Failure is the payload of a message that could not run.
type Failure struct {
	OK      bool            `json:"ok"`
	Error   types.ErrorKind `json:"error"`
	Message string          `json:"message,omitempty"`
}

func failure(kind types.ErrorKind, msg string) Failure {
	return Failure{Error: kind, Message: msg}
}

type envelope struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
}

type handlerFunc func(ctx context.Context, requestID string, raw []byte) any

// handle decodes the message body into T before calling fn.
func handle[T any](fn func(ctx context.Context, requestID string, msg T) any) handlerFunc {
	return func(ctx context.Context, requestID string, raw []byte) any {
		var msg T
		if err := json.Unmarshal(raw, &msg); err != nil {
			return failure(types.ErrBadRequest, fmt.Sprintf("failed to decode message: %v", err))
		}
		return fn(ctx, requestID, msg)
	}
}

// Handle answers one JSON message. Every message except CANCEL_REQUEST is
// tracked under its requestId, generated when absent, so it can be
// cancelled; a requestId already running is rejected.
func (s *Server) Handle(ctx context.Context, raw []byte) Response {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Response{Result: failure(types.ErrBadRequest, fmt.Sprintf("failed to decode message: %v", err))}
	}
	if env.Type == MsgCancel {
		return Response{Type: env.Type, RequestID: env.RequestID, Result: cancelReply{OK: true, Cancelled: s.Cancel(env.RequestID)}}
	}
	h, ok := s.handlers[env.Type]
	if !ok {
		return Response{Type: env.Type, RequestID: env.RequestID, Result: failure(types.ErrBadRequest, fmt.Sprintf("unknown message type %q", env.Type))}
	}

	requestID := env.RequestID
	if requestID == "" {
		requestID = NewRequestID()
	}
	ctx, t, ok := s.track(ctx, requestID, env.Type)
	if !ok {
		return Response{Type: env.Type, RequestID: requestID, Result: failure(types.ErrActionInFlight, fmt.Sprintf("request %s is already running", requestID))}
	}
	defer s.untrack(requestID, t)

	result := h(ctx, requestID, raw)
	s.logger.Debug("handled message", zap.String("type", env.Type), zap.String("requestId", requestID), zap.Bool("slow", t.slow.Load()))
	return Response{Type: env.Type, RequestID: requestID, Slow: t.slow.Load(), Result: result}
}

// IntentArg is an intent given either as an object or as a bare name. A
// name that is not an intent kind is taken as an executor action such as
// "close_group" or "undo_close".
type IntentArg struct {
	Intent types.Intent
	Action string
}

func (a *IntentArg) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err == nil {
		if k := types.IntentKind(name); k.Valid() {
			a.Intent = types.Intent{Kind: k}
		} else {
			a.Action = name
		}
		return nil
	}
	return json.Unmarshal(b, &a.Intent)
}

func (a IntentArg) MarshalJSON() ([]byte, error) {
	if a.Action != "" {
		return json.Marshal(a.Action)
	}
	return json.Marshal(a.Intent)
}

// ActionFilters narrow an EXECUTE_ACTION without an intent object.
type ActionFilters struct {
	IncludeApps []string `json:"includeApps,omitempty"`
	ExcludeApps []string `json:"excludeApps,omitempty"`
	Group       string   `json:"group,omitempty"`
}

type parseIntentMsg struct {
	Text      string `json:"text"`
	SessionID string `json:"sessionId"`
}

type lexicalSearchMsg struct {
	Query   string        `json:"query"`
	Limit   int           `json:"limit"`
	Filters index.Filters `json:"filters"`
}

type executeActionMsg struct {
	Intent        IntentArg      `json:"intent"`
	SessionID     string         `json:"sessionId,omitempty"`
	CardID        string         `json:"cardId,omitempty"`
	CardIDs       []string       `json:"cardIds,omitempty"`
	TabIDs        []int          `json:"tabIds,omitempty"`
	NextToCurrent bool           `json:"nextToCurrent,omitempty"`
	Confirmed     bool           `json:"confirmed,omitempty"`
	Filters       *ActionFilters `json:"filters,omitempty"`
	FolderName    string         `json:"folderName,omitempty"`
	SaveAs        string         `json:"saveAs,omitempty"`
	Query         string         `json:"query,omitempty"`
	Cards         []types.Card   `json:"cards,omitempty"`
}

type storeCandidatesMsg struct {
	SessionID  string            `json:"sessionId"`
	Candidates []types.Candidate `json:"candidates"`
	Intent     types.Intent      `json:"intent"`
	Query      string            `json:"query,omitempty"`
}

type sessionMsg struct {
	SessionID string `json:"sessionId"`
}

type followUpMsg struct {
	SessionID    string                `json:"sessionId"`
	Text         string                `json:"text"`
	PrevQuery    string                `json:"prevQuery,omitempty"`
	PrevResponse string                `json:"prevResponse,omitempty"`
	Candidates   []types.SlotCandidate `json:"candidates,omitempty"`
}

type generateMsg struct {
	Intent     types.Intent        `json:"intent"`
	Candidates []types.Candidate   `json:"candidates,omitempty"`
	Query      string              `json:"query,omitempty"`
	Context    string              `json:"context,omitempty"`
	Result     *types.ActionResult `json:"result,omitempty"`
	Error      types.ErrorKind     `json:"error,omitempty"`
	Clarifier  string              `json:"clarifier,omitempty"`
	Style      conversation.Style  `json:"style,omitempty"`
}

type indexQueryMsg struct {
	Filters index.Filters `json:"filters"`
	Limit   int           `json:"limit"`
}

type intentCacheMsg struct {
	URL    string  `json:"url"`
	Intent string  `json:"intent,omitempty"`
	Score  float64 `json:"score,omitempty"`
}

type okReply struct {
	OK bool `json:"ok"`
}

type cancelReply struct {
	OK        bool `json:"ok"`
	Cancelled bool `json:"cancelled"`
}

type searchReply struct {
	OK bool `json:"ok"`
	index.SearchResult
}

type slotReply struct {
	OK         bool                  `json:"ok"`
	Found      bool                  `json:"found"`
	Candidates []types.SlotCandidate `json:"candidates,omitempty"`
	Intent     *types.Intent         `json:"intent,omitempty"`
	Query      string                `json:"query,omitempty"`
}

type followUpReply struct {
	OK bool `json:"ok"`
	conversation.FollowUp
}

type textReply struct {
	OK   bool   `json:"ok"`
	Text string `json:"text"`
}

type countsReply struct {
	OK bool `json:"ok"`
	index.Counts
}

type cardsReply struct {
	OK    bool         `json:"ok"`
	Cards []types.Card `json:"cards"`
}

type telemetryReply struct {
	OK        bool               `json:"ok"`
	Telemetry telemetry.Snapshot `json:"telemetry"`
}

type intentCacheReply struct {
	OK     bool               `json:"ok"`
	Found  bool               `json:"found,omitempty"`
	Stored bool               `json:"stored,omitempty"`
	Entry  *index.IntentEntry `json:"entry,omitempty"`
}

func (s *Server) messageHandlers() map[string]handlerFunc {
	return map[string]handlerFunc{
		MsgHandleUtterance:        handle(s.onUtterance),
		MsgParseIntent:            handle(s.onParseIntent),
		MsgLexicalSearch:          handle(s.onLexicalSearch),
		MsgFilterAndRank:          handle(s.onFilterAndRank),
		MsgExecuteAction:          handle(s.onExecuteAction),
		MsgUndoClose:              handle(s.onUndoClose),
		MsgStoreCandidates:        handle(s.onStoreCandidates),
		MsgGetLastCandidates:      handle(s.onGetLastCandidates),
		MsgUnderstandFollowUp:     handle(s.onUnderstandFollowUp),
		MsgGenerateConversational: handle(s.onGenerate(MsgGenerateConversational)),
		MsgGenerateSuccess:        handle(s.onGenerate(MsgGenerateSuccess)),
		MsgGenerateError:          handle(s.onGenerate(MsgGenerateError)),
		MsgGenerateDisambiguation: handle(s.onGenerate(MsgGenerateDisambiguation)),
		MsgIndexCounts:            handle(s.onIndexCounts),
		MsgIndexQuery:             handle(s.onIndexQuery),
		MsgGetTelemetry:           handle(s.onGetTelemetry),
		MsgIntentCacheGet:         handle(s.onIntentCacheGet),
		MsgIntentCachePut:         handle(s.onIntentCachePut),
	}
}

func (s *Server) onUtterance(ctx context.Context, requestID string, msg UtteranceRequest) any {
	msg.RequestID = requestID
	return s.HandleUtterance(ctx, msg)
}

func (s *Server) onParseIntent(ctx context.Context, _ string, msg parseIntentMsg) any {
	res := s.router.ParseIntent(ctx, msg.Text, msg.SessionID)
	s.recordParse(res)
	return res
}

func (s *Server) onLexicalSearch(_ context.Context, _ string, msg lexicalSearchMsg) any {
	if msg.Query == "" {
		return failure(types.ErrBadRequest, "query is required")
	}
	res := s.index.LexicalSearch(msg.Query, msg.Limit, msg.Filters)
	if len(res.Hits) == 0 {
		s.telemetry.Failure(telemetry.Search, types.ErrNoCandidates)
	} else {
		s.telemetry.Success(telemetry.Search)
	}
	return searchReply{OK: true, SearchResult: res}
}

func (s *Server) onFilterAndRank(ctx context.Context, _ string, msg pipeline.Request) any {
	res := s.pipeline.FilterAndRank(ctx, msg)
	s.recordRank(res)
	return res
}

func (s *Server) onExecuteAction(ctx context.Context, requestID string, msg executeActionMsg) any {
	in := msg.Intent.Intent
	if msg.Intent.Action == "" && in.Kind == "" {
		return types.Fail("", types.ErrInvalidIntent, "intent is required")
	}
	if f := msg.Filters; f != nil {
		in.Constraints.IncludeApps = append(in.Constraints.IncludeApps, f.IncludeApps...)
		in.Constraints.ExcludeApps = append(in.Constraints.ExcludeApps, f.ExcludeApps...)
		if f.Group != "" {
			in.Constraints.Group = f.Group
		}
	}
	res := s.exec.Execute(ctx, executor.Request{
		RequestID:     requestID,
		SessionID:     msg.SessionID,
		Intent:        in,
		Action:        msg.Intent.Action,
		CardID:        msg.CardID,
		CardIDs:       msg.CardIDs,
		TabIDs:        msg.TabIDs,
		NextToCurrent: msg.NextToCurrent,
		Confirmed:     msg.Confirmed,
		FolderName:    msg.FolderName,
		SaveAs:        msg.SaveAs,
		Query:         msg.Query,
		Cards:         msg.Cards,
	})
	s.telemetry.Result(telemetry.Actions, res)
	return res
}

func (s *Server) onUndoClose(ctx context.Context, requestID string, _ struct{}) any {
	res := s.exec.Execute(ctx, executor.Request{RequestID: requestID, Action: executor.ActionUndoClose})
	s.telemetry.Result(telemetry.Actions, res)
	return res
}

func (s *Server) onStoreCandidates(_ context.Context, _ string, msg storeCandidatesMsg) any {
	if msg.SessionID == "" {
		return failure(types.ErrBadRequest, "sessionId is required")
	}
	s.conv.StoreCandidates(msg.SessionID, msg.Candidates, msg.Intent, msg.Query)
	s.setOffered(msg.SessionID, msg.Candidates)
	return okReply{OK: true}
}

func (s *Server) onGetLastCandidates(_ context.Context, _ string, msg sessionMsg) any {
	slot, ok := s.conv.Slot(msg.SessionID)
	if !ok {
		return slotReply{OK: true}
	}
	return slotReply{OK: true, Found: true, Candidates: slot.Candidates, Intent: &slot.Intent, Query: slot.Query}
}

func (s *Server) onUnderstandFollowUp(ctx context.Context, _ string, msg followUpMsg) any {
	cands := msg.Candidates
	prevQuery := msg.PrevQuery
	if len(cands) == 0 {
		if slot, ok := s.conv.Slot(msg.SessionID); ok {
			cands = slot.Candidates
			if prevQuery == "" {
				prevQuery = slot.Query
			}
		}
	}
	f := s.conv.UnderstandFollowUp(ctx, prevQuery, msg.PrevResponse, cands, msg.Text, msg.SessionID)
	return followUpReply{OK: true, FollowUp: f}
}

func (s *Server) onGenerate(kind string) func(context.Context, string, generateMsg) any {
	return func(ctx context.Context, _ string, msg generateMsg) any {
		style := msg.Style
		if style == "" {
			style = conversation.StyleChat
		}
		var text string
		switch kind {
		case MsgGenerateConversational:
			text = s.responder.Conversational(ctx, msg.Intent, msg.Candidates, msg.Query, msg.Context)
		case MsgGenerateSuccess:
			if msg.Result == nil {
				return failure(types.ErrBadRequest, "result is required")
			}
			text = s.responder.Success(ctx, msg.Intent, *msg.Result, style)
		case MsgGenerateError:
			errKind := msg.Error
			if errKind == "" && msg.Result != nil {
				errKind = msg.Result.Error
			}
			text = s.responder.Error(ctx, msg.Intent, errKind, msg.Query, msg.Clarifier)
		case MsgGenerateDisambiguation:
			text = s.responder.Disambiguation(ctx, msg.Intent, msg.Candidates, style)
		}
		return textReply{OK: true, Text: text}
	}
}

func (s *Server) onIndexCounts(context.Context, string, struct{}) any {
	return countsReply{OK: true, Counts: s.index.Counts()}
}

func (s *Server) onIndexQuery(_ context.Context, _ string, msg indexQueryMsg) any {
	limit := msg.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	return cardsReply{OK: true, Cards: s.index.Query(msg.Filters, limit)}
}

func (s *Server) onGetTelemetry(context.Context, string, struct{}) any {
	return telemetryReply{OK: true, Telemetry: s.telemetry.Snapshot()}
}

func (s *Server) onIntentCacheGet(_ context.Context, _ string, msg intentCacheMsg) any {
	if s.cache == nil {
		return failure(types.ErrBadRequest, "intent cache is disabled")
	}
	if msg.URL == "" {
		return failure(types.ErrBadRequest, "url is required")
	}
	e, ok := s.cache.Get(msg.URL)
	if !ok {
		return intentCacheReply{OK: true}
	}
	return intentCacheReply{OK: true, Found: true, Entry: &e}
}

func (s *Server) onIntentCachePut(_ context.Context, _ string, msg intentCacheMsg) any {
	if s.cache == nil {
		return failure(types.ErrBadRequest, "intent cache is disabled")
	}
	if msg.URL == "" || msg.Intent == "" {
		return failure(types.ErrBadRequest, "url and intent are required")
	}
	return intentCacheReply{OK: true, Stored: s.cache.Put(msg.URL, msg.Intent, msg.Score)}
}
