// Package llm is the opaque language-model runtime. Callers send a prompt
// with options and get text back; nothing upstream inspects model internals.
package llm

import (
	"context"
	"errors"
	"strings"
)

// ErrUnavailable is returned when no model can serve a request.
var ErrUnavailable = errors.New("language model unavailable")

// Options tune a single prompt.
type Options struct {
	// System is sent as the system instruction when set.
	System string `json:"system,omitempty"`
	// JSON asks the model for an application/json response.
	JSON            bool     `json:"json,omitempty"`
	Temperature     *float32 `json:"temperature,omitempty"`
	MaxOutputTokens int32    `json:"maxOutputTokens,omitempty"`
}

// Request is one prompt.
type Request struct {
	Prompt  string  `json:"prompt"`
	Options Options `json:"options"`
}

// Response is the wire shape of a prompt result.
type Response struct {
	OK    bool   `json:"ok"`
	Text  string `json:"text,omitempty"`
	Error string `json:"error,omitempty"`
}

// Runtime executes prompts.
type Runtime interface {
	// Prompt runs req and returns the model's text.
	Prompt(ctx context.Context, req Request) (string, error)
	// Available returns nil when the runtime can currently serve prompts.
	Available(ctx context.Context) error
}

// Call runs req and folds the outcome into a Response.
func Call(ctx context.Context, rt Runtime, req Request) Response {
	if rt == nil {
		return Response{Error: ErrUnavailable.Error()}
	}
	text, err := rt.Prompt(ctx, req)
	if err != nil {
		return Response{Error: err.Error()}
	}
	return Response{OK: true, Text: text}
}

// Unavailable is a Runtime that never serves prompts. It backs the process
// when no API key is configured.
type Unavailable struct{}

func (Unavailable) Prompt(context.Context, Request) (string, error) { return "", ErrUnavailable }
func (Unavailable) Available(context.Context) error                 { return ErrUnavailable }

// ExtractJSON returns the first balanced JSON object in text. Markdown code
// fences and prose around the object are ignored; braces inside strings do
// not count.
func ExtractJSON(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	for start >= 0 {
		if end, ok := matchBrace(text[start:]); ok {
			return text[start : start+end+1], true
		}
		next := strings.IndexByte(text[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return "", false
}

// matchBrace returns the index of the brace closing s[0].
func matchBrace(s string) (int, bool) {
	depth := 0
	inString, escaped := false, false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i, true
			}
		}
	}
	return 0, false
}
