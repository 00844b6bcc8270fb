// Package server connects the index, router, pipeline, executor, and
// conversation manager behind one message protocol, and exposes it over MCP
// and HTTP.
package server

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

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
	DefaultSlowHint = 1500 * time.Millisecond
	// SlowHintText is what the user sees while a request is still running.
	SlowHintText = "Still thinking..."
	// lexicalLimit bounds the hits handed to the pipeline per utterance.
	lexicalLimit = 50
)

// Options wires the components a Server drives. Browser, Index, Router,
// Pipeline, Executor, Conversation, and Responder are required.
type Options struct {
	Browser      browser.Browser
	Index        *index.Index
	Router       *router.Router
	Pipeline     *pipeline.Pipeline
	Executor     *executor.Executor
	Conversation *conversation.Manager
	Responder    *conversation.Responder
	// IntentCache backs the INTENT_CACHE messages; nil disables them.
	IntentCache *index.IntentCache
	// Telemetry is optional; nil records into a private recorder.
	Telemetry *telemetry.Recorder
	Logger    *zap.Logger
	Now       func() time.Time
	SlowHint  time.Duration
	// ConfirmTTL bounds how long a close preview waits for "yes".
	ConfirmTTL time.Duration
	Version    string
}

// Server owns request tracking and per-session pending state. Every
// component call goes through it.
type Server struct {
	browser    browser.Browser
	index      *index.Index
	router     *router.Router
	pipeline   *pipeline.Pipeline
	exec       *executor.Executor
	conv       *conversation.Manager
	responder  *conversation.Responder
	cache      *index.IntentCache
	telemetry  *telemetry.Recorder
	logger     *zap.Logger
	now        func() time.Time
	slowHint   time.Duration
	confirmTTL time.Duration
	version    string

	handlers map[string]handlerFunc

	mu       sync.Mutex
	requests map[string]*tracked
	sessions map[string]*sessionState
}

// tracked is one in-flight request.
type tracked struct {
	cancel context.CancelFunc
	timer  *time.Timer
	slow   atomic.Bool
	kind   string
	start  time.Time
}

// sessionState is what a session left pending for its next utterance.
type sessionState struct {
	confirm   *executor.Request
	confirmAt time.Time
	// offered are the cards behind the live disambiguation slot, so picks
	// can resolve history and bookmark cards the index does not hold.
	offered []types.Card
}

// New returns a server.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.SlowHint <= 0 {
		opts.SlowHint = DefaultSlowHint
	}
	if opts.ConfirmTTL <= 0 {
		opts.ConfirmTTL = conversation.DefaultSlotTTL
	}
	if opts.Telemetry == nil {
		opts.Telemetry = telemetry.New(telemetry.Options{Logger: opts.Logger})
	}
	s := &Server{
		browser:    opts.Browser,
		index:      opts.Index,
		router:     opts.Router,
		pipeline:   opts.Pipeline,
		exec:       opts.Executor,
		conv:       opts.Conversation,
		responder:  opts.Responder,
		cache:      opts.IntentCache,
		telemetry:  opts.Telemetry,
		logger:     opts.Logger,
		now:        opts.Now,
		slowHint:   opts.SlowHint,
		confirmTTL: opts.ConfirmTTL,
		version:    opts.Version,
		requests:   make(map[string]*tracked),
		sessions:   make(map[string]*sessionState),
	}
	s.handlers = s.messageHandlers()
	return s
}

type slowHookKey struct{}

// WithSlowHook returns a context whose requests call fn once they have run
// longer than the slow-hint delay.
func WithSlowHook(ctx context.Context, fn func()) context.Context {
	return context.WithValue(ctx, slowHookKey{}, fn)
}

// track registers requestID as in flight and returns its cancellable
// context. It fails when the id is already running.
func (s *Server) track(ctx context.Context, requestID, kind string) (context.Context, *tracked, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.requests[requestID]; ok {
		return ctx, nil, false
	}
	ctx, cancel := context.WithCancel(ctx)
	t := &tracked{cancel: cancel, kind: kind, start: s.now()}
	hook, _ := ctx.Value(slowHookKey{}).(func())
	t.timer = time.AfterFunc(s.slowHint, func() {
		t.slow.Store(true)
		s.logger.Debug("request is slow", zap.String("requestId", requestID), zap.String("type", kind))
		if hook != nil {
			hook()
		}
	})
	s.requests[requestID] = t
	return ctx, t, true
}

func (s *Server) untrack(requestID string, t *tracked) {
	t.timer.Stop()
	t.cancel()
	s.mu.Lock()
	if s.requests[requestID] == t {
		delete(s.requests, requestID)
	}
	s.mu.Unlock()
}

// Cancel cancels an in-flight request. It reports whether the id was
// running.
func (s *Server) Cancel(requestID string) bool {
	s.mu.Lock()
	t, ok := s.requests[requestID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	t.cancel()
	s.logger.Info("request cancelled", zap.String("requestId", requestID), zap.String("type", t.kind))
	return true
}

// InFlight returns the number of running requests.
func (s *Server) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

// NewRequestID returns a fresh request id.
func NewRequestID() string { return uuid.NewString() }

func (s *Server) sessionLocked(id string) *sessionState {
	st, ok := s.sessions[id]
	if !ok {
		st = &sessionState{}
		s.sessions[id] = st
	}
	return st
}

// pendingConfirm returns the session's live close preview.
func (s *Server) pendingConfirm(sessionID string) (executor.Request, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sessions[sessionID]
	if !ok || st.confirm == nil {
		return executor.Request{}, false
	}
	if s.now().Sub(st.confirmAt) > s.confirmTTL {
		st.confirm = nil
		return executor.Request{}, false
	}
	return *st.confirm, true
}

func (s *Server) setPendingConfirm(sessionID string, req executor.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.sessionLocked(sessionID)
	st.confirm = &req
	st.confirmAt = s.now()
}

func (s *Server) clearPendingConfirm(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.sessions[sessionID]; ok {
		st.confirm = nil
	}
}

func (s *Server) setOffered(sessionID string, cands []types.Candidate) {
	cards := make([]types.Card, 0, len(cands))
	for _, c := range cands {
		cards = append(cards, c.Card)
	}
	s.mu.Lock()
	s.sessionLocked(sessionID).offered = cards
	s.mu.Unlock()
}

func (s *Server) offered(sessionID string) []types.Card {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.sessions[sessionID]; ok {
		return st.offered
	}
	return nil
}

// recordParse counts a router outcome. The fast fallback counts as a
// parsing failure even though it yields a usable intent.
func (s *Server) recordParse(res router.Result) {
	switch {
	case res.OK && !res.Fallback:
		s.telemetry.Success(telemetry.Parsing)
	case res.Error != "":
		s.telemetry.Failure(telemetry.Parsing, res.Error)
	default:
		s.telemetry.Failure(telemetry.Parsing, types.ErrOffscreenUnavailable)
	}
}

func (s *Server) recordRank(res types.RankResult) {
	if res.OK {
		s.telemetry.Success(telemetry.Search)
		return
	}
	s.telemetry.Failure(telemetry.Search, res.Reason)
}
