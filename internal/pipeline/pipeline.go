// Package pipeline turns lexical hits and an intent into an auto-execute
// decision, a short disambiguation list, or a refusal.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/DatanoiseTV/tabitha/internal/index"
	"github.com/DatanoiseTV/tabitha/internal/types"
)

// Thresholds on normalized scores.
const (
	scoreEpsilon = 1e-9

	highConfidence  = 0.90
	singleMatchMin  = 0.50
	multiMatchMin   = 0.75
	multiMatchGap   = 0.05
	siblingMatchMin = 0.85
	clusterGap      = 0.05

	skipRerankScore = 0.85
	skipRerankGap   = 0.15

	maxDisambiguation = 5
	maxOverflow       = 10
	closestMatches    = 3

	weightLexical  = 0.4
	weightSemantic = 0.6
	bonusTab       = 0.10
	bonusGroup     = 0.08
	bonusDomain    = 0.08
	bonusRecent    = 0.05

	DefaultRerankTimeout = 60 * time.Second
)

// Stage names reported in RankMetadata.Stage.
const (
	StageNoCandidates   = "no_candidates"
	StageHighConfidence = "high_confidence"
	StageEarlyExit      = "early_exit"
	StageAutoExecute    = "auto_execute"
	StageClustered      = "clustered"
	StageOverflow       = "overflow"
	StageDisambiguation = "disambiguation"
	StageCancelled      = "cancelled"
)

// Options configures a Pipeline.
type Options struct {
	// Reranker is optional; nil disables semantic rerank.
	Reranker      Reranker
	RerankTimeout time.Duration
	Logger        *zap.Logger
	Now           func() time.Time
}

// Request is one ranking job.
type Request struct {
	Intent    types.Intent       `json:"intent"`
	Hits      []types.LexicalHit `json:"lexicalResults"`
	Query     string             `json:"query"`
	SessionID string             `json:"sessionId"`
}

// Pipeline ranks candidates. It holds no per-request state.
type Pipeline struct {
	reranker      Reranker
	rerankTimeout time.Duration
	logger        *zap.Logger
	now           func() time.Time
}

// New returns a pipeline.
func New(opts Options) *Pipeline {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.RerankTimeout <= 0 {
		opts.RerankTimeout = DefaultRerankTimeout
	}
	return &Pipeline{
		reranker:      opts.Reranker,
		rerankTimeout: opts.RerankTimeout,
		logger:        opts.Logger,
		now:           opts.Now,
	}
}

// Normalize maps a raw lexical score onto [0, 1].
func Normalize(lex float64) float64 {
	return min(lex/index.MaxLexicalScore, 1)
}

// run carries one request through the stages.
type run struct {
	p      *Pipeline
	req    Request
	intent types.Intent
	query  string
	meta   types.RankMetadata
}

func (r *run) trace(format string, args ...any) {
	r.meta.Trace = append(r.meta.Trace, fmt.Sprintf(format, args...))
}

// FilterAndRank runs the candidate pipeline.
func (p *Pipeline) FilterAndRank(ctx context.Context, req Request) types.RankResult {
	r := &run{p: p, req: req, intent: req.Intent, query: strings.TrimSpace(req.Query)}
	if r.query == "" {
		r.query = req.Intent.CanonicalQuery
	}
	r.meta.InputCount = len(req.Hits)
	res := r.rank(ctx)
	res.Metadata = r.meta
	p.logger.Debug("ranked candidates",
		zap.String("stage", r.meta.Stage),
		zap.Int("input", r.meta.InputCount),
		zap.Int("filtered", r.meta.FilteredCount),
		zap.Bool("autoExecute", res.AutoExecute))
	return res
}

func (r *run) rank(ctx context.Context) types.RankResult {
	con := r.intent.Constraints
	navigational := r.intent.Kind.Navigational()

	all := make([]types.Candidate, 0, len(r.req.Hits))
	for _, h := range r.req.Hits {
		n := Normalize(h.Score)
		all = append(all, types.Candidate{Card: h.Card, Score: n, Lexical: n})
	}
	sortCandidates(all)

	// 1. open-tab filter
	cands := all
	if con.ResultMustBeOpen {
		cands = keep(cands, func(c types.Candidate) bool { return c.Card.IsOpenTab() })
		r.trace("open filter: %d -> %d", len(all), len(cands))
	}
	if len(cands) == 0 {
		return r.noCandidates(all)
	}

	// 2. high-confidence short-circuit
	if navigational && len(cands) == 1 && cands[0].Score >= highConfidence-scoreEpsilon &&
		cands[0].Card.IsOpenTab() && passes(cands[0].Card, con) {
		return r.autoExecute(cands[0], StageHighConfidence)
	}

	// 3. dedup
	before := len(cands)
	cands = dedup(cands)
	r.trace("dedup: %d -> %d", before, len(cands))

	// 4. constraint filter
	before = len(cands)
	cands = keep(cands, func(c types.Candidate) bool { return passes(c.Card, con) })
	r.trace("constraints: %d -> %d", before, len(cands))
	r.meta.FilteredCount = len(cands)
	if len(cands) == 0 {
		return r.noCandidates(all)
	}

	// 5. single-candidate early exit
	if navigational && len(cands) == 1 && cands[0].Card.IsOpenTab() && cands[0].Score >= singleMatchMin-scoreEpsilon {
		return r.autoExecute(cands[0], StageEarlyExit)
	}

	if err := ctx.Err(); err != nil {
		return r.cancelled()
	}

	// 6. semantic rerank and 7. hybrid scoring
	var followup string
	var needsFollowup bool
	if skip := r.rerankSkipReason(cands); skip != "" {
		r.meta.RerankSkipped = skip
	} else {
		rr, err := r.rerank(ctx, cands)
		switch {
		case ctx.Err() != nil:
			return r.cancelled()
		case err != nil:
			r.meta.RerankError = err.Error()
			if errors.Is(err, context.DeadlineExceeded) {
				r.meta.RerankError = string(types.ErrSemanticRerankTimeout)
			}
			r.p.logger.Info("semantic rerank failed, keeping lexical order", zap.Error(err))
		default:
			r.meta.Reranked = true
			cands = r.hybrid(cands, rr)
			followup, needsFollowup = rr.FollowupQuestion, rr.NeedsFollowup
		}
	}

	// 8. final dedup
	cands = dedup(cands)

	// 9-10. auto-execute gate with clustering override
	if navigational {
		if c, ok := r.gate(cands); ok {
			return r.autoExecute(c, StageAutoExecute)
		}
	}

	// 11. overflow
	if r.meta.FilteredCount > maxOverflow {
		r.meta.Stage = StageOverflow
		return types.RankResult{
			OK:             false,
			Reason:         types.ErrTooManyCandidates,
			ClosestMatches: head(cands, maxOverflow),
			Clarifier:      clarifier(cands, r.query),
		}
	}

	if r.meta.Stage == "" {
		r.meta.Stage = StageDisambiguation
	}
	limit := maxDisambiguation
	if con.Limit > 0 && con.Limit < limit {
		limit = con.Limit
	}
	matches := cands
	if con.Limit > 0 {
		matches = head(cands, con.Limit)
	}
	return types.RankResult{
		OK:               true,
		Candidates:       head(cands, limit),
		Matches:          matches,
		NeedsFollowup:    needsFollowup || len(cands) > 1 || r.intent.DisambiguationNeeded,
		FollowupQuestion: followup,
	}
}

// rerankSkipReason returns why semantic rerank is skipped, or "".
func (r *run) rerankSkipReason(cands []types.Candidate) string {
	switch {
	case r.p.reranker == nil:
		return "disabled"
	case len(cands) <= 2:
		return "few_candidates"
	case cands[0].Score >= skipRerankScore-scoreEpsilon && cands[0].Score-cands[1].Score >= skipRerankGap-scoreEpsilon:
		return "confident"
	}
	return ""
}

func (r *run) rerank(ctx context.Context, cands []types.Candidate) (Reranking, error) {
	ctx, cancel := context.WithTimeout(ctx, r.p.rerankTimeout)
	defer cancel()
	return r.p.reranker.Rerank(ctx, r.intent, r.query, head(cands, maxRerank))
}

// hybrid blends lexical and semantic scores and re-sorts.
func (r *run) hybrid(cands []types.Candidate, rr Reranking) []types.Candidate {
	now := r.p.now()
	out := make([]types.Candidate, len(cands))
	for i, c := range cands {
		sem := rr.Scores[c.Card.CardID]
		h := weightLexical*c.Lexical + weightSemantic*sem
		if c.Card.Source == types.SourceTab {
			h += bonusTab
		}
		if r.intent.Constraints.Group != "" && groupMatches(c.Card.GroupName, r.intent.Constraints.Group) {
			h += bonusGroup
		}
		if domainIsQuery(c.Card.Domain, r.query) {
			h += bonusDomain
		}
		if c.Card.Age(now) < 24*time.Hour {
			h += bonusRecent
		}
		c.Semantic = sem
		c.Score = min(h, 1)
		if reason := rr.Reasons[c.Card.CardID]; reason != "" {
			c.Reason = reason
		}
		out[i] = c
	}
	sortCandidates(out)
	return out
}

// gate decides whether the top candidate may run without asking.
func (r *run) gate(cands []types.Candidate) (types.Candidate, bool) {
	if len(cands) == 0 || !cands[0].Card.IsOpenTab() {
		return types.Candidate{}, false
	}
	top := cands[0]
	if len(cands) == 1 {
		return top, top.Score >= singleMatchMin-scoreEpsilon
	}
	second := cands[1]
	if top.Score <= second.Score+clusterGap+scoreEpsilon || sameTitleDifferentDomains(top.Card, second.Card) {
		r.meta.Clustered = true
		r.meta.SameTitleSplit = sameTitleDifferentDomains(top.Card, second.Card)
		r.meta.Stage = StageClustered
		return types.Candidate{}, false
	}
	if r.intent.DisambiguationNeeded {
		return types.Candidate{}, false
	}
	threshold := multiMatchMin
	if sharedDomain(cands) {
		threshold = siblingMatchMin
	}
	ok := top.Score >= threshold-scoreEpsilon && top.Score-second.Score >= multiMatchGap-scoreEpsilon
	return top, ok
}

func (r *run) autoExecute(c types.Candidate, stage string) types.RankResult {
	r.meta.Stage = stage
	return types.RankResult{OK: true, AutoExecute: true, Candidate: &c, Confidence: c.Score}
}

func (r *run) noCandidates(all []types.Candidate) types.RankResult {
	r.meta.Stage = StageNoCandidates
	return types.RankResult{OK: false, Reason: types.ErrNoCandidates, ClosestMatches: head(all, closestMatches)}
}

func (r *run) cancelled() types.RankResult {
	r.meta.Stage = StageCancelled
	return types.RankResult{OK: false, Reason: types.ErrCancelled}
}

// clarifier asks the user to narrow an overflowing result set, naming the
// sites with the most matches.
func clarifier(cands []types.Candidate, query string) string {
	counts := map[string]int{}
	var order []string
	for _, c := range cands {
		if counts[c.Card.Domain] == 0 {
			order = append(order, c.Card.Domain)
		}
		counts[c.Card.Domain]++
	}
	sort.SliceStable(order, func(i, j int) bool { return counts[order[i]] > counts[order[j]] })
	if len(order) > 3 {
		order = order[:3]
	}
	subject := "tabs"
	if query != "" {
		subject = fmt.Sprintf("tabs matching %q", query)
	}
	if len(order) < 2 {
		return fmt.Sprintf("I found %d %s. Can you add a word from the title?", len(cands), subject)
	}
	return fmt.Sprintf("I found %d %s. Which site: %s?", len(cands), subject, strings.Join(order, ", "))
}

func sortCandidates(cands []types.Candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Card.Source.Prior() != b.Card.Source.Prior() {
			return a.Card.Source.Prior() > b.Card.Source.Prior()
		}
		return a.Card.LastVisitedAt > b.Card.LastVisitedAt
	})
}

func keep(cands []types.Candidate, pred func(types.Candidate) bool) []types.Candidate {
	out := make([]types.Candidate, 0, len(cands))
	for _, c := range cands {
		if pred(c) {
			out = append(out, c)
		}
	}
	return out
}

func head(cands []types.Candidate, n int) []types.Candidate {
	if len(cands) > n {
		return append([]types.Candidate(nil), cands[:n]...)
	}
	return cands
}
