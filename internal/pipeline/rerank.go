package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/DatanoiseTV/tabitha/internal/llm"
	"github.com/DatanoiseTV/tabitha/internal/types"
)

// maxRerank is how many candidates are sent to a reranker.
const maxRerank = 15

// Reranking is a reranker's verdict. Scores are semantic relevance in
// [0, 1] keyed by card id; cards without a score count as 0.
type Reranking struct {
	Scores           map[string]float64
	Reasons          map[string]string
	Confidence       float64
	NeedsFollowup    bool
	FollowupQuestion string
}

// Reranker scores candidates semantically.
type Reranker interface {
	Rerank(ctx context.Context, intent types.Intent, query string, cands []types.Candidate) (Reranking, error)
}

// LLMReranker asks the language model to rank candidates.
type LLMReranker struct {
	rt     llm.Runtime
	logger *zap.Logger
	now    func() time.Time
}

// NewLLMReranker returns a reranker backed by rt.
func NewLLMReranker(rt llm.Runtime, logger *zap.Logger) *LLMReranker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LLMReranker{rt: rt, logger: logger, now: time.Now}
}

const rerankSystem = `You rank browser tabs by how well they match a user's request.
Respond with ONE JSON object:
{"ranked":[{"cardId":"<id>","score":<0..1>,"reason":"<short>"}],"confidence":<0..1>,"needsFollowup":<bool>,"followupQuestion":"<question or empty>"}
Only use cardIds from the list. Score every candidate.`

type rerankReply struct {
	Ranked []struct {
		CardID string  `json:"cardId"`
		Score  float64 `json:"score"`
		Reason string  `json:"reason"`
	} `json:"ranked"`
	Confidence       float64 `json:"confidence"`
	NeedsFollowup    bool    `json:"needsFollowup"`
	FollowupQuestion string  `json:"followupQuestion"`
}

// Rerank implements Reranker.
func (r *LLMReranker) Rerank(ctx context.Context, intent types.Intent, query string, cands []types.Candidate) (Reranking, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Intent: %s\nQuery: %s\n", intent.Kind, query)
	if intent.Constraints.Group != "" {
		fmt.Fprintf(&b, "Group: %s\n", intent.Constraints.Group)
	}
	b.WriteString("\nCandidates:\n")
	known := make(map[string]bool, len(cands))
	now := r.now()
	for _, c := range cands {
		known[c.Card.CardID] = true
		fmt.Fprintf(&b, "- %s | %s | %s | %s | visited %s ago\n",
			c.Card.CardID, c.Card.Title, c.Card.Domain, c.Card.Source, humanAge(c.Card.Age(now)))
	}

	out, err := r.rt.Prompt(ctx, llm.Request{
		Prompt:  b.String(),
		Options: llm.Options{System: rerankSystem, JSON: true},
	})
	if err != nil {
		return Reranking{}, fmt.Errorf("rerank prompt: %w", err)
	}
	raw, ok := llm.ExtractJSON(out)
	if !ok {
		return Reranking{}, fmt.Errorf("rerank: no JSON in model output")
	}
	var reply rerankReply
	if err := json.Unmarshal([]byte(raw), &reply); err != nil {
		return Reranking{}, fmt.Errorf("rerank: decode: %w", err)
	}
	if len(reply.Ranked) == 0 {
		return Reranking{}, fmt.Errorf("rerank: empty ranking")
	}

	res := Reranking{
		Scores:           make(map[string]float64, len(reply.Ranked)),
		Reasons:          make(map[string]string, len(reply.Ranked)),
		Confidence:       clamp01(reply.Confidence),
		NeedsFollowup:    reply.NeedsFollowup,
		FollowupQuestion: strings.TrimSpace(reply.FollowupQuestion),
	}
	for _, e := range reply.Ranked {
		if !known[e.CardID] {
			r.logger.Debug("rerank returned unknown card", zap.String("cardId", e.CardID))
			continue
		}
		res.Scores[e.CardID] = clamp01(e.Score)
		res.Reasons[e.CardID] = e.Reason
	}
	if len(res.Scores) == 0 {
		return Reranking{}, fmt.Errorf("rerank: no known card ids")
	}
	return res, nil
}

func clamp01(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}

func humanAge(d time.Duration) string {
	switch {
	case d < 0 || d > 365*24*time.Hour:
		return "long"
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	}
	return fmt.Sprintf("%dd", int(d.Hours()/24))
}
