// Package router turns utterances into structured intents.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/DatanoiseTV/tabitha/internal/llm"
	"github.com/DatanoiseTV/tabitha/internal/types"
)

const (
	DefaultParseTimeout    = 60 * time.Second
	DefaultAvailabilityTTL = 60 * time.Second

	// preprocessMinLen is the length above which text is cleaned up before
	// parsing. Non-ASCII text is always cleaned.
	preprocessMinLen = 50
	availTimeout     = 5 * time.Second
)

// Sources of a parsed intent.
const (
	SourceLLM      = "llm"
	SourceFallback = "fallback"
)

// ContextSource supplies conversation state for the prompt.
type ContextSource interface {
	FormattedContext(sessionID string) string
	LastCandidates(sessionID string) []types.SlotCandidate
}

// Options configures a Router.
type Options struct {
	Runtime         llm.Runtime
	Aliases         *Aliases
	Context         ContextSource
	Logger          *zap.Logger
	Now             func() time.Time
	ParseTimeout    time.Duration
	AvailabilityTTL time.Duration
}

// Result is the outcome of ParseIntent.
type Result struct {
	OK       bool            `json:"ok"`
	Intent   types.Intent    `json:"intent"`
	Source   string          `json:"source"`
	Fallback bool            `json:"fallback,omitempty"`
	Error    types.ErrorKind `json:"error,omitempty"`
	Message  string          `json:"message,omitempty"`
	// Text is the utterance after preprocessing.
	Text string `json:"text"`
}

// Router parses utterances. Its only mutable state is the availability
// cache.
type Router struct {
	rt           llm.Runtime
	aliases      *Aliases
	context      ContextSource
	logger       *zap.Logger
	now          func() time.Time
	parseTimeout time.Duration
	availTTL     time.Duration

	availMu   sync.Mutex
	availOK   bool
	availAt   time.Time
	availSeen bool
}

// New returns a router.
func New(opts Options) *Router {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Runtime == nil {
		opts.Runtime = llm.Unavailable{}
	}
	if opts.Aliases == nil {
		opts.Aliases = NewAliases(nil)
	}
	if opts.ParseTimeout <= 0 {
		opts.ParseTimeout = DefaultParseTimeout
	}
	if opts.AvailabilityTTL <= 0 {
		opts.AvailabilityTTL = DefaultAvailabilityTTL
	}
	return &Router{
		rt:           opts.Runtime,
		aliases:      opts.Aliases,
		context:      opts.Context,
		logger:       opts.Logger,
		now:          opts.Now,
		parseTimeout: opts.ParseTimeout,
		availTTL:     opts.AvailabilityTTL,
	}
}

// Aliases returns the router's app alias rules.
func (r *Router) Aliases() *Aliases { return r.aliases }

// Available reports whether the model answered its last availability check. Checks are
// cached for the availability TTL.
func (r *Router) Available(ctx context.Context) bool {
	r.availMu.Lock()
	defer r.availMu.Unlock()
	now := r.now()
	if r.availSeen && now.Sub(r.availAt) < r.availTTL {
		return r.availOK
	}
	pctx, cancel := context.WithTimeout(ctx, availTimeout)
	defer cancel()
	err := r.rt.Available(pctx)
	r.availOK, r.availAt, r.availSeen = err == nil, now, true
	if err != nil {
		r.logger.Debug("language model unavailable", zap.Error(err))
	}
	return r.availOK
}

// markUnavailable forces the next availability check to wait out the TTL.
func (r *Router) markUnavailable() {
	r.availMu.Lock()
	r.availOK, r.availAt, r.availSeen = false, r.now(), true
	r.availMu.Unlock()
}

// ParseIntent turns text into an intent. It always returns a usable intent
// for non-empty text; failures of the model produce the fast fallback with
// Fallback set.
func (r *Router) ParseIntent(ctx context.Context, text, sessionID string) Result {
	if text == "" {
		return Result{Error: types.ErrBadRequest, Message: "empty utterance"}
	}
	ctx, cancel := context.WithTimeout(ctx, r.parseTimeout)
	defer cancel()

	if !r.Available(ctx) {
		return r.fallback(text, "", "language model unavailable")
	}

	cleaned := r.preprocess(ctx, text)

	var history, anaphor string
	var candidates []types.SlotCandidate
	if r.context != nil {
		history = r.context.FormattedContext(sessionID)
		if w, ok := types.Anaphora(cleaned); ok {
			anaphor = w
			candidates = r.context.LastCandidates(sessionID)
		}
	}

	now := r.now()
	out, err := r.rt.Prompt(ctx, llm.Request{
		Prompt:  buildPrompt(cleaned, history, anaphor, candidates, now.Format(time.RFC3339)),
		Options: llm.Options{System: systemPrompt, JSON: true, Temperature: temperature(0)},
	})
	if err != nil {
		var kind types.ErrorKind
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			kind = types.ErrIntentParseTimeout
		case errors.Is(err, context.Canceled):
			kind = types.ErrCancelled
		case errors.Is(err, llm.ErrUnavailable):
			r.markUnavailable()
		}
		r.logger.Info("intent parse failed, using fallback", zap.Error(err))
		return r.fallback(cleaned, kind, err.Error())
	}

	raw, ok := llm.ExtractJSON(out)
	if !ok {
		return r.parseFailed(cleaned, "no JSON object in model output")
	}
	intent, err := Normalize([]byte(raw), cleaned, r.aliases, now)
	if err != nil {
		return r.parseFailed(cleaned, err.Error())
	}
	if anaphor != "" && intent.AnaphoraOf == "" {
		intent.AnaphoraOf = anaphor
	}
	r.logger.Debug("parsed intent",
		zap.String("intent", string(intent.Kind)),
		zap.String("query", intent.CanonicalQuery),
		zap.Bool("mustBeOpen", intent.Constraints.ResultMustBeOpen))
	return Result{OK: true, Intent: intent, Source: SourceLLM, Text: cleaned}
}

func (r *Router) fallback(text string, kind types.ErrorKind, msg string) Result {
	intent := Fallback(text, r.aliases, r.now())
	return Result{OK: true, Intent: intent, Source: SourceFallback, Fallback: true, Error: kind, Message: msg, Text: text}
}

// parseFailed favours disambiguation over guessing. A destructive kind read
// from the text alone is never acted on.
func (r *Router) parseFailed(text, msg string) Result {
	res := r.fallback(text, types.ErrParseFailed, msg)
	if res.Intent.Kind != types.IntentFindOpen {
		res.Intent.Notes = joinNote(res.Intent.Notes, "fallback kind "+string(res.Intent.Kind))
	}
	res.Intent.Kind = types.IntentFindOpen
	res.Intent.DisambiguationNeeded = true
	res.Intent.Operation = types.OperationNone
	res.Intent.OperationArgs = nil
	return res
}

// preprocess translates and proofreads long or non-ASCII text. Failures
// return the text unchanged.
func (r *Router) preprocess(ctx context.Context, text string) string {
	if utf8.RuneCountInString(text) <= preprocessMinLen && isASCII(text) {
		return text
	}
	out, err := r.rt.Prompt(ctx, llm.Request{
		Prompt:  fmt.Sprintf(preprocessPrompt, text),
		Options: llm.Options{JSON: true, Temperature: temperature(0)},
	})
	if err != nil {
		r.logger.Debug("preprocess failed", zap.Error(err))
		return text
	}
	raw, ok := llm.ExtractJSON(out)
	if !ok {
		return text
	}
	var res struct {
		Language string `json:"language"`
		Text     string `json:"text"`
	}
	if err := json.Unmarshal([]byte(raw), &res); err != nil || res.Text == "" {
		return text
	}
	if res.Language != "" && res.Language != "en" {
		r.logger.Debug("translated utterance", zap.String("language", res.Language))
	}
	return res.Text
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}

func temperature(t float32) *float32 { return &t }
