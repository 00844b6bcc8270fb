package llm

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/genai"
)

const (
	DefaultLLMModel       = "gemini-2.5-flash"
	DefaultEmbeddingModel = "gemini-embedding-001"
)

// Gemini runs prompts through the Gemini API.
type Gemini struct {
	client *genai.Client
	model  string
	logger *zap.Logger
}

// NewClient creates a GenAI client for apiKey.
func NewClient(ctx context.Context, apiKey string) (*genai.Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini client: %w", ErrUnavailable)
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return client, nil
}

// NewGemini wraps client for model.
func NewGemini(client *genai.Client, model string, logger *zap.Logger) *Gemini {
	if logger == nil {
		logger = zap.NewNop()
	}
	if model == "" {
		model = DefaultLLMModel
	}
	return &Gemini{client: client, model: model, logger: logger}
}

// Prompt implements Runtime.
func (g *Gemini) Prompt(ctx context.Context, req Request) (string, error) {
	cfg := &genai.GenerateContentConfig{Temperature: req.Options.Temperature}
	if req.Options.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.Options.System, genai.RoleUser)
	}
	if req.Options.JSON {
		cfg.ResponseMIMEType = "application/json"
	}
	if req.Options.MaxOutputTokens > 0 {
		cfg.MaxOutputTokens = req.Options.MaxOutputTokens
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(req.Prompt), cfg)
	if err != nil {
		return "", fmt.Errorf("generate content: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("empty response (check safety filters)")
	}
	var b strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		b.WriteString(p.Text)
	}
	g.logger.Debug("prompt complete", zap.String("model", g.model), zap.Int("chars", b.Len()))
	return b.String(), nil
}

// Available queries the model's metadata endpoint.
func (g *Gemini) Available(ctx context.Context) error {
	if _, err := g.client.Models.Get(ctx, g.model, nil); err != nil {
		return fmt.Errorf("model metadata %s: %w", g.model, err)
	}
	return nil
}
