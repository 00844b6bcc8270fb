package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/DatanoiseTV/tabitha/internal/config"
	"github.com/DatanoiseTV/tabitha/internal/conversation"
)

func newTestApp(t *testing.T) *App {
	t.Helper()
	c := config.Default(t.TempDir())
	c.Reranker = config.RerankerOff
	app, err := newApp(context.Background(), c, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(app.Close)
	require.NotNil(t, app.memory)
	for _, tab := range demoTabs {
		app.memory.AddTab(tab)
	}
	_, err = app.index.RefreshOpenTabs(context.Background())
	require.NoError(t, err)
	return app
}

func TestREPL(t *testing.T) {
	app := newTestApp(t)
	var out bytes.Buffer
	r := &repl{app: app, out: &out, session: "t", style: conversation.StyleChat}

	r.run(context.Background(), strings.NewReader("open q3 budget\n:bogus\n:tabs\n:exit\nnever reached\n"))

	got := out.String()
	assert.Contains(t, got, welcomeMsg)
	assert.Contains(t, got, "Q3 Budget")
	assert.Contains(t, got, unknownCmdMsg)
	assert.Contains(t, got, `"cards"`)
	assert.NotContains(t, got, "never reached")
}

func TestREPLStyleAndSession(t *testing.T) {
	app := newTestApp(t)
	var out bytes.Buffer
	r := &repl{app: app, out: &out, session: "t", style: conversation.StyleChat}

	r.run(context.Background(), strings.NewReader(":voice\n:new\n"))
	assert.Equal(t, conversation.StyleVoice, r.style)
	assert.NotEqual(t, "t", r.session)
}
