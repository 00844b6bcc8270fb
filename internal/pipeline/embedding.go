package pipeline

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/philippgille/chromem-go"
	"go.uber.org/zap"

	"github.com/DatanoiseTV/tabitha/internal/llm"
	"github.com/DatanoiseTV/tabitha/internal/types"
	"github.com/DatanoiseTV/tabitha/internal/urlkey"
)

// maxCachedEmbeddings bounds the document embedding cache.
const maxCachedEmbeddings = 4096

// EmbeddingReranker scores candidates by cosine similarity between the
// query and each candidate's title, domain, and last path segment. Each
// request gets its own in-memory collection; document vectors are cached
// across requests by text.
type EmbeddingReranker struct {
	embed  chromem.EmbeddingFunc
	logger *zap.Logger

	mu    sync.Mutex
	cache map[string][]float32
}

// NewEmbeddingReranker returns a reranker using embed.
func NewEmbeddingReranker(embed chromem.EmbeddingFunc, logger *zap.Logger) *EmbeddingReranker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EmbeddingReranker{embed: embed, logger: logger, cache: make(map[string][]float32)}
}

func documentText(c types.Card) string {
	parts := []string{c.Title, c.Domain}
	if seg := urlkey.LastPathSegment(c.URL); seg != "" {
		parts = append(parts, seg)
	}
	if c.GroupName != "" {
		parts = append(parts, c.GroupName)
	}
	return strings.Join(parts, " ")
}

func (r *EmbeddingReranker) vector(ctx context.Context, text string) ([]float32, error) {
	r.mu.Lock()
	v, ok := r.cache[text]
	r.mu.Unlock()
	if ok {
		return v, nil
	}
	v, err := r.embed(ctx, text)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	if len(r.cache) >= maxCachedEmbeddings {
		r.cache = make(map[string][]float32)
	}
	r.cache[text] = v
	r.mu.Unlock()
	return v, nil
}

// Rerank implements Reranker.
func (r *EmbeddingReranker) Rerank(ctx context.Context, intent types.Intent, query string, cands []types.Candidate) (Reranking, error) {
	if strings.TrimSpace(query) == "" {
		return Reranking{}, fmt.Errorf("embedding rerank: empty query")
	}
	docs := make([]chromem.Document, 0, len(cands))
	for _, c := range cands {
		text := documentText(c.Card)
		v, err := r.vector(ctx, text)
		if err != nil {
			return Reranking{}, fmt.Errorf("embedding rerank: embed %s: %w", c.Card.CardID, err)
		}
		docs = append(docs, chromem.Document{ID: c.Card.CardID, Content: text, Embedding: v})
	}

	db := chromem.NewDB()
	col, err := db.CreateCollection("rerank-"+uuid.NewString(), nil, r.embed)
	if err != nil {
		return Reranking{}, fmt.Errorf("embedding rerank: create collection: %w", err)
	}
	if err := col.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		return Reranking{}, fmt.Errorf("embedding rerank: add documents: %w", err)
	}
	results, err := col.Query(ctx, llm.QueryPrefix+query, len(docs), nil, nil)
	if err != nil {
		return Reranking{}, fmt.Errorf("embedding rerank: query: %w", err)
	}

	res := Reranking{Scores: make(map[string]float64, len(results)), Reasons: make(map[string]string, len(results))}
	for _, hit := range results {
		res.Scores[hit.ID] = clamp01(float64(hit.Similarity))
		res.Reasons[hit.ID] = "embedding similarity"
	}
	if len(results) > 0 {
		res.Confidence = clamp01(float64(results[0].Similarity))
	}
	return res, nil
}
