package conversation

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/DatanoiseTV/tabitha/internal/llm"
	"github.com/DatanoiseTV/tabitha/internal/types"
)

const (
	DefaultResponseTTL    = 5 * time.Minute
	DefaultResponseBudget = 3 * time.Second
	maxTemplateLen        = 200
)

// Style selects how a response is laid out.
type Style string

const (
	StyleChat  Style = "chat"
	StyleVoice Style = "voice"
)

var spokenOrdinals = []string{"first", "second", "third", "fourth", "fifth", "sixth", "seventh", "eighth", "ninth", "tenth"}

var placeholderRe = regexp.MustCompile(`\{[a-z]+\}`)

// ResponderOptions configures a Responder.
type ResponderOptions struct {
	// Runtime rewrites templates; nil keeps the built-in wording.
	Runtime  llm.Runtime
	Logger   *zap.Logger
	Now      func() time.Time
	Budget   time.Duration
	CacheTTL time.Duration
}

type templateKey struct {
	kind   string
	intent types.IntentKind
	count  int
	domain string
}

type cachedTemplate struct {
	text string
	at   time.Time
}

// Responder writes user-facing text. The model may rephrase a template,
// keeping its placeholders; rephrasings are cached by (intent, count, top
// domain). The built-in template is used whenever the model is unavailable
// or slower than the budget.
type Responder struct {
	rt       llm.Runtime
	logger   *zap.Logger
	now      func() time.Time
	budget   time.Duration
	cacheTTL time.Duration

	mu    sync.Mutex
	cache map[templateKey]cachedTemplate
}

// NewResponder returns a responder.
func NewResponder(opts ResponderOptions) *Responder {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Runtime == nil {
		opts.Runtime = llm.Unavailable{}
	}
	if opts.Budget <= 0 {
		opts.Budget = DefaultResponseBudget
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultResponseTTL
	}
	return &Responder{
		rt:       opts.Runtime,
		logger:   opts.Logger,
		now:      opts.Now,
		budget:   opts.Budget,
		cacheTTL: opts.CacheTTL,
		cache:    make(map[templateKey]cachedTemplate),
	}
}

const rephraseSystem = `You rewrite one short reply of a browser-tab assistant so it sounds natural.
Keep it under 20 words and on one line. Keep every {placeholder} exactly as written and add no new ones.
Reply with the rewritten text only.`

// template returns the wording for key: a cached or fresh model rephrasing
// of fallback, or fallback itself.
func (r *Responder) template(ctx context.Context, key templateKey, fallback string) string {
	now := r.now()
	r.mu.Lock()
	c, ok := r.cache[key]
	r.mu.Unlock()
	if ok && now.Sub(c.at) < r.cacheTTL {
		return c.text
	}

	ctx, cancel := context.WithTimeout(ctx, r.budget)
	defer cancel()
	out, err := r.rt.Prompt(ctx, llm.Request{Prompt: "Reply: " + fallback, Options: llm.Options{System: rephraseSystem, MaxOutputTokens: 64}})
	if err != nil {
		r.logger.Debug("using template response", zap.String("kind", key.kind), zap.Error(err))
		return fallback
	}
	text := strings.Trim(strings.TrimSpace(out), `"`)
	if !validTemplate(text, fallback) {
		r.logger.Debug("rejected model template", zap.String("kind", key.kind), zap.String("text", text))
		return fallback
	}
	r.mu.Lock()
	r.cache[key] = cachedTemplate{text: text, at: now}
	r.mu.Unlock()
	return text
}

// validTemplate accepts a rephrasing that keeps exactly the fallback's
// placeholders on one short line.
func validTemplate(text, fallback string) bool {
	if text == "" || len(text) > maxTemplateLen || strings.ContainsAny(text, "\n\r") {
		return false
	}
	want := map[string]bool{}
	for _, p := range placeholderRe.FindAllString(fallback, -1) {
		want[p] = true
	}
	got := map[string]bool{}
	for _, p := range placeholderRe.FindAllString(text, -1) {
		if !want[p] {
			return false
		}
		got[p] = true
	}
	return len(got) == len(want)
}

type fill map[string]string

func (f fill) apply(tmpl string) string {
	return placeholderRe.ReplaceAllStringFunc(tmpl, func(p string) string {
		if v, ok := f[p]; ok {
			return v
		}
		return p
	})
}

func topDomain(cands []types.Candidate) string {
	if len(cands) == 0 {
		return ""
	}
	return cands[0].Card.Domain
}

// Disambiguation asks the user to pick one of cands.
func (r *Responder) Disambiguation(ctx context.Context, in types.Intent, cands []types.Candidate, style Style) string {
	fallback := disambiguationHeaderNoOp
	if in.Kind.Navigational() && allOpen(cands) {
		fallback = disambiguationHeader
	}
	key := templateKey{kind: "disambiguation", intent: in.Kind, count: len(cands), domain: topDomain(cands)}
	header := fill{phCount: strconv.Itoa(len(cands))}.apply(r.template(ctx, key, fallback))
	return header + formatList(cands, style)
}

func allOpen(cands []types.Candidate) bool {
	for _, c := range cands {
		if !c.Card.IsOpenTab() {
			return false
		}
	}
	return len(cands) > 0
}

// formatList lays out candidates: numbered lines for chat; for voice, a
// sentence for up to three and a numbered run for more.
func formatList(cands []types.Candidate, style Style) string {
	if len(cands) == 0 {
		return ""
	}
	var b strings.Builder
	switch {
	case style != StyleVoice:
		for i, c := range cands {
			fmt.Fprintf(&b, "\n%d. %s (%s)", i+1, c.Card.Title, c.Card.Domain)
		}
	case len(cands) <= 3:
		b.WriteString(" ")
		for i, c := range cands {
			switch {
			case i == 0:
				b.WriteString("The ")
			case i == len(cands)-1:
				b.WriteString(", and the ")
			default:
				b.WriteString(", the ")
			}
			fmt.Fprintf(&b, "%s is %s on %s", spokenOrdinals[i], c.Card.Title, c.Card.Domain)
		}
		b.WriteString(".")
	default:
		b.WriteString(" Say a number.")
		for i, c := range cands {
			fmt.Fprintf(&b, " %d, %s.", i+1, c.Card.Title)
		}
	}
	return b.String()
}

// Success announces a completed action or a preview awaiting confirmation.
func (r *Responder) Success(ctx context.Context, in types.Intent, res types.ActionResult, style Style) string {
	if res.Action == string(types.IntentAsk) && res.Answer != "" {
		return res.Answer
	}
	kind := res.Action
	if kind == "" {
		kind = string(in.Kind)
	}
	count := res.Count
	switch {
	case res.Preview:
		kind = "close_preview"
	case kind == string(types.IntentClose) && count == 1:
		kind = "close_one"
	case kind == "undo_close":
		count = res.Restored
	case kind == string(types.IntentSave) && res.Method == "group":
		kind = "save_group"
	case res.ProposeOpen:
		kind = "propose_open"
	}
	fallback, ok := successTemplates[kind]
	if !ok {
		fallback = "Done."
	}

	title := ""
	switch {
	case res.Card != nil && res.Card.Title != "":
		title = res.Card.Title
	case len(res.Tabs) > 0:
		title = res.Tabs[0].Title
	}
	if title == "" {
		title = "the tab"
	}
	domain := ""
	if res.Card != nil {
		domain = res.Card.Domain
	}
	key := templateKey{kind: kind, intent: in.Kind, count: count, domain: domain}
	text := fill{
		phTitle:  title,
		phCount:  strconv.Itoa(count),
		phDomain: domain,
		phFolder: res.FolderName,
		phGroup:  res.GroupName,
	}.apply(r.template(ctx, key, fallback))
	if res.Failed > 0 {
		text += fmt.Sprintf(" %d couldn't be changed.", res.Failed)
	}
	if res.Preview && style == StyleChat {
		for _, t := range res.Tabs {
			text += fmt.Sprintf("\n- %s", t.Title)
		}
	}
	return text
}

// Error explains a failure. A pipeline clarifier wins for overflow.
func (r *Responder) Error(ctx context.Context, in types.Intent, kind types.ErrorKind, query, clarifier string) string {
	if kind == types.ErrTooManyCandidates && clarifier != "" {
		return clarifier
	}
	fallback, ok := errorTemplates[kind]
	if !ok {
		fallback = defaultErrorTemplate
	}
	if query == "" {
		query = in.CanonicalQuery
	}
	key := templateKey{kind: "error:" + string(kind), intent: in.Kind}
	return fill{phQuery: query}.apply(r.template(ctx, key, fallback))
}

const conversationalSystem = `You are a browser-tab assistant. Answer the user briefly and conversationally using only the tabs listed.`

// Conversational answers free-form, e.g. for list requests, falling back to
// a plain summary of cands.
func (r *Responder) Conversational(ctx context.Context, in types.Intent, cands []types.Candidate, query, extra string) string {
	if query == "" {
		query = in.CanonicalQuery
	}
	var b strings.Builder
	if extra != "" {
		fmt.Fprintf(&b, "Conversation so far:\n%s\n\n", extra)
	}
	fmt.Fprintf(&b, "Tabs (%d):\n", len(cands))
	for i, c := range cands {
		fmt.Fprintf(&b, "%d. %s (%s)\n", i+1, c.Card.Title, c.Card.Domain)
	}
	fmt.Fprintf(&b, "\nUser: %s", query)

	cctx, cancel := context.WithTimeout(ctx, r.budget)
	defer cancel()
	out, err := r.rt.Prompt(cctx, llm.Request{Prompt: b.String(), Options: llm.Options{System: conversationalSystem, MaxOutputTokens: 256}})
	if err == nil && strings.TrimSpace(out) != "" {
		return strings.TrimSpace(out)
	}
	if len(cands) == 0 {
		return r.Error(ctx, in, types.ErrNoCandidates, query, "")
	}
	titles := make([]string, 0, 3)
	for _, c := range cands {
		if len(titles) == 3 {
			break
		}
		titles = append(titles, c.Card.Title)
	}
	more := ""
	if len(cands) > len(titles) {
		more = fmt.Sprintf(", and %d more", len(cands)-len(titles))
	}
	return fmt.Sprintf("I found %d tabs: %s%s.", len(cands), strings.Join(titles, ", "), more)
}

// Unclear is said when a follow-up cannot be understood.
func (r *Responder) Unclear() string { return unclearFollowUp }

// Cancelled acknowledges a cancelled follow-up.
func (r *Responder) Cancelled() string { return cancelledText }
