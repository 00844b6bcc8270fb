package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DatanoiseTV/tabitha/internal/browser"
)

func post(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestHTTPMessage(t *testing.T) {
	f := newFixture(t, nil, 0, coverLetterTabs...)
	h := f.s.Router(HTTPOptions{Gatherer: f.reg})

	rr := post(t, h, "/api/message", `{"type":"HANDLE_UTTERANCE","text":"open cover letter","sessionId":"web"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	assert.Equal(t, "no-store", rr.Header().Get("Cache-Control"))

	var resp struct {
		Type      string         `json:"type"`
		RequestID string         `json:"requestId"`
		Result    UtteranceReply `json:"result"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, MsgHandleUtterance, resp.Type)
	assert.NotEmpty(t, resp.RequestID)
	assert.True(t, resp.Result.OK)
	assert.Len(t, resp.Result.Candidates, 2)
	assert.Equal(t, "web", resp.Result.SessionID)
}

func TestHTTPRejectsInvalidBody(t *testing.T) {
	f := newFixture(t, nil, 0)
	h := f.s.Router(HTTPOptions{})

	rr := post(t, h, "/api/message", `not json`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, float64(http.StatusBadRequest), body["status"])
	assert.Equal(t, "message is not valid JSON", body["message"])

	rr = post(t, h, "/api/message", `{"type":"`+strings.Repeat("x", maxMessageBytes)+`"}`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
}

func TestHTTPCancelAndHealth(t *testing.T) {
	f := newFixture(t, nil, 0, coverLetterTabs...)
	h := f.s.Router(HTTPOptions{})

	rr := post(t, h, "/api/cancel/unknown", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"ok":true,"cancelled":false}`, rr.Body.String())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok","version":"test","inFlight":0,"tabs":2}`, rr.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusNotFound, rr.Code, "metrics are only served with a gatherer")
}

func TestHTTPMetrics(t *testing.T) {
	f := newFixture(t, nil, 0, browser.Tab{URL: "https://www.youtube.com/watch?v=1", Audible: true})
	h := f.s.Router(HTTPOptions{Gatherer: f.reg})
	post(t, h, "/api/message", `{"type":"HANDLE_UTTERANCE","text":"mute youtube"}`)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	body, err := io.ReadAll(rr.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `tabitha_outcomes_total{category="actions",outcome="success"} 1`)
	assert.Contains(t, string(body), `tabitha_errors_total{category="parsing",kind="offscreen_unavailable"} 1`)
}

func toolRequest(name string, args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func toolText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, res)
	require.NotEmpty(t, res.Content)
	return res.Content[0].(mcp.TextContent).Text
}

func TestMCPUtteranceTool(t *testing.T) {
	f := newFixture(t, nil, 0, coverLetterTabs...)
	ctx := context.Background()

	res, err := f.s.utteranceTool(ctx, toolRequest("handle_utterance", map[string]any{"text": "open cover letter", "sessionId": "mcp"}))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.True(t, strings.HasPrefix(toolText(t, res), "You have 2 matching tabs open"))

	res, err = f.s.utteranceTool(ctx, toolRequest("handle_utterance", map[string]any{"text": "2", "sessionId": "mcp"}))
	require.NoError(t, err)
	assert.Equal(t, "Opened Cover Letter!", toolText(t, res))

	res, err = f.s.utteranceTool(ctx, toolRequest("handle_utterance", nil))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestMCPMessageTools(t *testing.T) {
	f := newFixture(t, nil, 0, coverLetterTabs...)
	ctx := context.Background()

	res, err := f.s.messageTool(ctx, toolRequest("index_counts", nil))
	require.NoError(t, err)
	require.False(t, res.IsError)
	var counts countsReply
	require.NoError(t, json.Unmarshal([]byte(toolText(t, res)), &counts))
	assert.Equal(t, 2, counts.Total)

	res, err = f.s.messageTool(ctx, toolRequest("generate_response", map[string]any{
		"kind":   "error",
		"error":  "no_candidates",
		"intent": map[string]any{"intent": "open", "canonical_query": "budget"},
	}))
	require.NoError(t, err)
	assert.Contains(t, toolText(t, res), "budget")

	res, err = f.s.messageTool(ctx, toolRequest("generate_response", map[string]any{"kind": "poem"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)

	res, err = f.s.messageTool(ctx, toolRequest("lexical_search", map[string]any{"query": ""}))
	require.NoError(t, err)
	assert.True(t, res.IsError, "failures surface as tool errors")

	res, err = f.s.messageTool(ctx, toolRequest("no_such_tool", nil))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestNewMCPServerRegistersTools(t *testing.T) {
	f := newFixture(t, nil, 0)
	m := f.s.NewMCPServer()
	require.NotNil(t, m)
	tools := m.ListTools()
	assert.Contains(t, tools, "handle_utterance")
	for name := range toolMessages {
		assert.Contains(t, tools, name)
	}
}
