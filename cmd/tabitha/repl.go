package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/DatanoiseTV/tabitha/internal/browser"
	"github.com/DatanoiseTV/tabitha/internal/conversation"
	"github.com/DatanoiseTV/tabitha/internal/server"
)

const (
	welcomeMsg = "Tabitha interactive mode. Talk about your tabs, or type a command."
	helpMsg    = `Commands:
  :tabs           list indexed tabs
  :stats          show success and failure counts
  :voice, :chat   switch reply style
  :new            start a new conversation
  :help           show this help
  :exit           quit
Anything else is sent as a request, e.g. "open my cover letter doc".`
	promptStr     = "tabitha> "
	unknownCmdMsg = "Unknown command. Type :help for the list."
)

// demoTabs seed the in-memory browser for --demo.
var demoTabs = []browser.Tab{
	{Title: "Inbox (3)", URL: "https://mail.google.com/mail/u/0/#inbox", Active: true},
	{Title: "Cover Letter – John", URL: "https://docs.google.com/document/d/1cover"},
	{Title: "Cover Letter", URL: "https://www.notion.so/Cover-Letter-8f2a"},
	{Title: "Q3 Budget", URL: "https://docs.google.com/spreadsheets/d/1budget"},
	{Title: "lofi hip hop radio", URL: "https://www.youtube.com/watch?v=jfKfPfyJRdk", Audible: true},
	{Title: "How to Write a Cover Letter", URL: "https://www.youtube.com/watch?v=cover1"},
	{Title: "Standup", URL: "https://us02web.zoom.us/j/8812345", Audible: true, Pinned: true},
	{Title: "golang/go: The Go programming language", URL: "https://github.com/golang/go"},
}

func runREPL(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	app, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	if demoFlag {
		if app.memory == nil {
			return fmt.Errorf("--demo needs the memory browser backend")
		}
		for _, t := range demoTabs {
			app.memory.AddTab(t)
		}
		if _, err := app.index.RefreshOpenTabs(ctx); err != nil {
			return fmt.Errorf("failed to index demo tabs: %w", err)
		}
	}

	r := &repl{app: app, out: os.Stdout, session: conversation.NewSessionID(), style: conversation.StyleChat}
	r.run(ctx, os.Stdin)
	return nil
}

type repl struct {
	app     *App
	out     io.Writer
	session string
	style   conversation.Style
}

func (r *repl) run(ctx context.Context, in io.Reader) {
	fmt.Fprintln(r.out, welcomeMsg)
	fmt.Fprintln(r.out, helpMsg)

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(r.out, "\n"+promptStr)
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, ":") {
			r.say(ctx, line)
			continue
		}

		switch strings.ToLower(line) {
		case ":exit", ":quit":
			return
		case ":help":
			fmt.Fprintln(r.out, helpMsg)
		case ":tabs":
			r.message(ctx, server.MsgIndexQuery)
		case ":stats":
			r.message(ctx, server.MsgGetTelemetry)
		case ":voice":
			r.style = conversation.StyleVoice
			fmt.Fprintln(r.out, "Replies will be worded for speech.")
		case ":chat":
			r.style = conversation.StyleChat
			fmt.Fprintln(r.out, "Replies will be worded for chat.")
		case ":new":
			r.session = conversation.NewSessionID()
			fmt.Fprintln(r.out, "Started a new conversation.")
		default:
			fmt.Fprintln(r.out, unknownCmdMsg)
		}
	}
}

func (r *repl) say(ctx context.Context, text string) {
	reply := r.app.server.HandleUtterance(ctx, server.UtteranceRequest{
		Text:      text,
		SessionID: r.session,
		Style:     r.style,
	})
	if !reply.OK && reply.Text == "" {
		fmt.Fprintf(r.out, "Error: %s\n", reply.Error)
		return
	}
	fmt.Fprintln(r.out, reply.Text)
}

func (r *repl) message(ctx context.Context, msgType string) {
	raw, _ := json.Marshal(map[string]string{"type": msgType})
	resp := r.app.server.Handle(ctx, raw)
	data, err := json.MarshalIndent(resp.Result, "", "  ")
	if err != nil {
		fmt.Fprintf(r.out, "Error: %v\n", err)
		return
	}
	fmt.Fprintln(r.out, string(data))
}
