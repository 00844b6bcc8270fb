package server

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"
)

// toolMessages maps each message tool to the message type it sends.
var toolMessages = map[string]string{
	"parse_intent":         MsgParseIntent,
	"lexical_search":       MsgLexicalSearch,
	"filter_and_rank":      MsgFilterAndRank,
	"execute_action":       MsgExecuteAction,
	"undo_close":           MsgUndoClose,
	"store_candidates":     MsgStoreCandidates,
	"get_last_candidates":  MsgGetLastCandidates,
	"understand_follow_up": MsgUnderstandFollowUp,
	"generate_response":    "",
	"index_counts":         MsgIndexCounts,
	"index_query":          MsgIndexQuery,
	"get_telemetry":        MsgGetTelemetry,
	"intent_cache_get":     MsgIntentCacheGet,
	"intent_cache_put":     MsgIntentCachePut,
	"cancel_request":       MsgCancel,
}

// generateKinds maps generate_response's kind argument to its message.
var generateKinds = map[string]string{
	"conversational": MsgGenerateConversational,
	"success":        MsgGenerateSuccess,
	"error":          MsgGenerateError,
	"disambiguation": MsgGenerateDisambiguation,
}

// NewMCPServer exposes the server as MCP tools: handle_utterance for the
// whole flow, and one tool per message for clients that drive the steps
// themselves.
func (s *Server) NewMCPServer() *mcpserver.MCPServer {
	version := s.version
	if version == "" {
		version = "dev"
	}
	m := mcpserver.NewMCPServer("tabitha", version, mcpserver.WithToolCapabilities(false))

	m.AddTool(mcp.NewTool("handle_utterance",
		mcp.WithDescription("Understands one message about the user's browser tabs and acts on it: open, find, close, reopen, save, list, ask, mute, pin, reload, discard, or manage tab groups. Replies to a previous list or preview are understood as follow-ups."),
		mcp.WithString("text", mcp.Required(), mcp.Description("What the user said")),
		mcp.WithString("sessionId", mcp.Description("Conversation id; reuse it for follow-ups")),
		mcp.WithString("style", mcp.Description("chat (default) or voice")),
	), s.utteranceTool)

	m.AddTool(mcp.NewTool("parse_intent",
		mcp.WithDescription("Parses an utterance into a structured intent."),
		mcp.WithString("text", mcp.Required(), mcp.Description("The utterance")),
		mcp.WithString("sessionId", mcp.Description("Conversation id for context")),
	), s.messageTool)

	m.AddTool(mcp.NewTool("lexical_search",
		mcp.WithDescription("Searches indexed open tabs by title, URL, and domain."),
		mcp.WithString("query", mcp.Required(), mcp.Description("Search text")),
		mcp.WithNumber("limit", mcp.Description("Maximum results")),
		mcp.WithObject("filters", mcp.Description("Optional source, domain, type, and group filters")),
	), s.messageTool)

	m.AddTool(mcp.NewTool("filter_and_rank",
		mcp.WithDescription("Ranks lexical results for an intent: auto-execute one, offer a short list, or refuse."),
		mcp.WithObject("intent", mcp.Required(), mcp.Description("Intent from parse_intent")),
		mcp.WithArray("lexicalResults", mcp.Required(), mcp.Description("Results from lexical_search")),
		mcp.WithString("query", mcp.Description("Query text")),
		mcp.WithString("sessionId", mcp.Description("Conversation id")),
	), s.messageTool)

	m.AddTool(mcp.NewTool("execute_action",
		mcp.WithDescription("Runs an action on tabs. Closing several tabs or a pinned tab returns a preview until confirmed."),
		mcp.WithString("intent", mcp.Required(), mcp.Description("Intent or action name, e.g. open, close, mute, close_group, rename_group")),
		mcp.WithString("cardId", mcp.Description("Target card")),
		mcp.WithArray("cardIds", mcp.Description("Target cards")),
		mcp.WithArray("tabIds", mcp.Description("Target tab ids")),
		mcp.WithBoolean("nextToCurrent", mcp.Description("Open next to the current tab")),
		mcp.WithBoolean("confirmed", mcp.Description("Confirm a previewed close")),
		mcp.WithObject("filters", mcp.Description("includeApps, excludeApps, group")),
		mcp.WithString("folderName", mcp.Description("Bookmark folder or group name for save")),
		mcp.WithString("saveAs", mcp.Description("bookmark (default) or group")),
		mcp.WithString("query", mcp.Description("Question text for ask")),
	), s.messageTool)

	m.AddTool(mcp.NewTool("undo_close",
		mcp.WithDescription("Restores the most recently closed tabs."),
	), s.messageTool)

	m.AddTool(mcp.NewTool("store_candidates",
		mcp.WithDescription("Remembers the candidates offered to a session so follow-ups can refer to them."),
		mcp.WithString("sessionId", mcp.Required(), mcp.Description("Conversation id")),
		mcp.WithArray("candidates", mcp.Required(), mcp.Description("Candidates in the order shown")),
		mcp.WithObject("intent", mcp.Description("Intent the candidates answer")),
		mcp.WithString("query", mcp.Description("Query the candidates answer")),
	), s.messageTool)

	m.AddTool(mcp.NewTool("get_last_candidates",
		mcp.WithDescription("Returns the candidates last offered to a session, if still fresh."),
		mcp.WithString("sessionId", mcp.Required(), mcp.Description("Conversation id")),
	), s.messageTool)

	m.AddTool(mcp.NewTool("understand_follow_up",
		mcp.WithDescription("Classifies a reply to an offered list: select, confirm, specify, cancel, or unclear."),
		mcp.WithString("sessionId", mcp.Required(), mcp.Description("Conversation id")),
		mcp.WithString("text", mcp.Required(), mcp.Description("The reply")),
		mcp.WithString("prevQuery", mcp.Description("The earlier request")),
		mcp.WithString("prevResponse", mcp.Description("What was said back")),
	), s.messageTool)

	m.AddTool(mcp.NewTool("generate_response",
		mcp.WithDescription("Writes user-facing text for a result, error, or candidate list."),
		mcp.WithString("kind", mcp.Required(), mcp.Description("conversational, success, error, or disambiguation")),
		mcp.WithObject("intent", mcp.Description("The intent")),
		mcp.WithArray("candidates", mcp.Description("Candidates to list")),
		mcp.WithObject("result", mcp.Description("Action result for success")),
		mcp.WithString("error", mcp.Description("Error kind")),
		mcp.WithString("query", mcp.Description("Query text")),
		mcp.WithString("style", mcp.Description("chat or voice")),
	), s.messageTool)

	m.AddTool(mcp.NewTool("index_counts",
		mcp.WithDescription("Summarizes the tab index by source, type, and domain."),
	), s.messageTool)

	m.AddTool(mcp.NewTool("index_query",
		mcp.WithDescription("Lists indexed cards matching filters, most recent first."),
		mcp.WithObject("filters", mcp.Description("source, domain, type, group")),
		mcp.WithNumber("limit", mcp.Description("Maximum cards")),
	), s.messageTool)

	m.AddTool(mcp.NewTool("get_telemetry",
		mcp.WithDescription("Returns success and failure counts for actions, parsing, and search."),
	), s.messageTool)

	m.AddTool(mcp.NewTool("intent_cache_get",
		mcp.WithDescription("Returns the organizer label cached for a URL."),
		mcp.WithString("url", mcp.Required(), mcp.Description("Page URL")),
	), s.messageTool)

	m.AddTool(mcp.NewTool("intent_cache_put",
		mcp.WithDescription("Caches an organizer label for a URL, subject to the stability rule."),
		mcp.WithString("url", mcp.Required(), mcp.Description("Page URL")),
		mcp.WithString("intent", mcp.Required(), mcp.Description("Label")),
		mcp.WithNumber("score", mcp.Required(), mcp.Description("Label confidence, 0 to 1")),
	), s.messageTool)

	m.AddTool(mcp.NewTool("cancel_request",
		mcp.WithDescription("Cancels an in-flight request."),
		mcp.WithString("requestId", mcp.Required(), mcp.Description("Request to cancel")),
	), s.messageTool)

	return m
}

// ServeStdio runs the MCP server on stdin and stdout until it ends.
func (s *Server) ServeStdio() error {
	s.logger.Info("MCP server starting on stdio")
	return mcpserver.ServeStdio(s.NewMCPServer())
}

func (s *Server) utteranceTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]any)
	if !ok || args == nil {
		return mcp.NewToolResultError("Invalid arguments"), nil
	}
	if text, _ := args["text"].(string); strings.TrimSpace(text) == "" {
		return mcp.NewToolResultError("text is required"), nil
	}
	args["type"] = MsgHandleUtterance
	resp, err := s.handleArgs(withProgress(ctx, request), args)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	reply, ok := resp.Result.(UtteranceReply)
	if !ok {
		return jsonResult(resp.Result)
	}
	if !reply.OK && reply.Text == "" {
		return mcp.NewToolResultError(string(reply.Error)), nil
	}
	return mcp.NewToolResultText(reply.Text), nil
}

// messageTool sends the tool's arguments as the matching message and
// returns the result as JSON.
func (s *Server) messageTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := request.Params.Arguments.(map[string]any)
	if args == nil {
		args = map[string]any{}
	}
	msgType, known := toolMessages[request.Params.Name]
	if !known {
		return mcp.NewToolResultError(fmt.Sprintf("Unknown tool %q", request.Params.Name)), nil
	}
	if msgType == "" {
		kind, _ := args["kind"].(string)
		if msgType, known = generateKinds[kind]; !known {
			return mcp.NewToolResultError(fmt.Sprintf("Unknown response kind %q", kind)), nil
		}
	}
	args["type"] = msgType
	resp, err := s.handleArgs(withProgress(ctx, request), args)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(resp.Result)
}

func (s *Server) handleArgs(ctx context.Context, args map[string]any) (Response, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return Response{}, fmt.Errorf("failed to encode arguments: %w", err)
	}
	return s.Handle(ctx, raw), nil
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to encode result: %v", err)), nil
	}
	if f, ok := v.(Failure); ok {
		return mcp.NewToolResultError(string(f.Error) + ": " + f.Message), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// withProgress makes a slow tool call notify the client. Calls that carry
// a progress token get a progress notification; others get a log message.
func withProgress(ctx context.Context, request mcp.CallToolRequest) context.Context {
	srv := mcpserver.ServerFromContext(ctx)
	if srv == nil {
		return ctx
	}
	var token mcp.ProgressToken
	if request.Params.Meta != nil {
		token = request.Params.Meta.ProgressToken
	}
	return WithSlowHook(ctx, func() {
		var err error
		if token != nil {
			err = srv.SendNotificationToClient(ctx, "notifications/progress", map[string]any{
				"progressToken": token,
				"progress":      0,
				"message":       SlowHintText,
			})
		} else {
			err = srv.SendNotificationToClient(ctx, "notifications/message", map[string]any{
				"level": "info",
				"data":  SlowHintText,
			})
		}
		if err != nil {
			zap.L().Debug("failed to send slow hint", zap.Error(err))
		}
	})
}
