package llm

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	"github.com/philippgille/chromem-go"
	"google.golang.org/genai"
)

const (
	// EmbeddingDimension is the requested output size (MRL truncation).
	EmbeddingDimension = 768
	// QueryPrefix marks text that should be embedded as a retrieval query
	// rather than a document.
	QueryPrefix = "QUERY_TASK:"

	taskDocument = "RETRIEVAL_DOCUMENT"
	taskQuery    = "RETRIEVAL_QUERY"
)

// GeminiEmbedder returns a chromem embedding function backed by the Gemini
// embedding API.
func GeminiEmbedder(client *genai.Client, model string) chromem.EmbeddingFunc {
	if model == "" {
		model = DefaultEmbeddingModel
	}
	return func(ctx context.Context, text string) ([]float32, error) {
		task := taskDocument
		if strings.HasPrefix(text, QueryPrefix) {
			task = taskQuery
			text = strings.TrimPrefix(text, QueryPrefix)
		}
		dim := int32(EmbeddingDimension)
		res, err := client.Models.EmbedContent(ctx, model,
			[]*genai.Content{genai.NewContentFromText(text, genai.RoleUser)},
			&genai.EmbedContentConfig{TaskType: task, OutputDimensionality: &dim})
		if err != nil {
			return nil, fmt.Errorf("embed content: %w", err)
		}
		if len(res.Embeddings) == 0 {
			return nil, fmt.Errorf("no embeddings returned")
		}
		v := res.Embeddings[0].Values
		Normalize(v)
		return v, nil
	}
}

// HashEmbedder returns an offline embedding function: hashed bag of words
// with character trigrams, L2-normalized. It serves the embedding reranker
// when no API key is configured, and tests.
func HashEmbedder(dim int) chromem.EmbeddingFunc {
	if dim <= 0 {
		dim = 256
	}
	return func(_ context.Context, text string) ([]float32, error) {
		text = strings.ToLower(strings.TrimPrefix(text, QueryPrefix))
		v := make([]float32, dim)
		words := strings.FieldsFunc(text, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		for _, w := range words {
			v[bucket(w, dim)] += 1
			padded := " " + w + " "
			for i := 0; i+3 <= len(padded); i++ {
				v[bucket(padded[i:i+3], dim)] += 0.5
			}
		}
		if len(words) == 0 {
			// chromem rejects zero vectors
			v[0] = 1
		}
		Normalize(v)
		return v, nil
	}
}

func bucket(s string, dim int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return int(h.Sum32() % uint32(dim))
}

// Normalize scales v to unit length in place.
func Normalize(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	mag := float32(math.Sqrt(sum))
	if mag <= 0 {
		return
	}
	for i := range v {
		v[i] /= mag
	}
}
