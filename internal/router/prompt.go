package router

import (
	"fmt"
	"strings"

	"github.com/DatanoiseTV/tabitha/internal/types"
)

const systemPrompt = `You turn a user's request about their browser tabs into JSON.

Intents (pick exactly one):
- open: switch to a specific tab or page
- find_open: locate a tab without necessarily switching
- close: close one or more tabs
- reopen: bring back a recently closed tab or window
- save: bookmark tabs or group them
- list: list matching tabs
- ask: answer a question about tabs or browsing history
- mute, unmute, pin, unpin, reload, discard: change tab state

Respond with ONE JSON object and nothing else:
{
  "intent": "<one of the intents>",
  "canonical_query": "<lowercase search words, without the verb or filler>",
  "constraints": {
    "scope": "tab" | "group" | null,
    "resultMustBeOpen": true | false,
    "dateRange": {"since": "<ISO date>", "until": "<ISO date>"} | null,
    "includeApps": ["<domain>"],
    "excludeApps": ["<domain>"],
    "group": "<tab group name>" | null,
    "limit": <number> | null
  },
  "operation": "move_to_window" | "rename" | "collapse" | "expand" | null,
  "operation_args": {"newName": "<string>", "newWindow": true} | null,
  "folderName": "<bookmark folder or group title>" | null,
  "disambiguationNeeded": true | false,
  "anaphora_of": "<pronoun>" | null,
  "time_reason": "<the time phrase>" | null
}

Rules:
- Apps are domains: zoom -> zoom.us, google docs -> docs.google.com, youtube -> youtube.com, notion -> notion.so, gmail -> mail.google.com.
- "all except X" puts X in excludeApps.
- Only set resultMustBeOpen to false and fill dateRange when the user mentions a time (yesterday, last week, an hour ago, a date).
- Questions (what, when, which, how) are ask.`

// buildPrompt renders the user part of the router prompt.
func buildPrompt(text, history string, anaphor string, candidates []types.SlotCandidate, now string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Current time: %s\n", now)
	if history != "" {
		b.WriteString("\nRecent conversation:\n")
		b.WriteString(history)
		b.WriteString("\n")
	}
	if anaphor != "" && len(candidates) > 0 {
		fmt.Fprintf(&b, "\nThe user says %q, referring to these previously offered tabs:\n", anaphor)
		for _, c := range candidates {
			fmt.Fprintf(&b, "%d. %s (%s) [%s]\n", c.Index, c.Title, c.Domain, c.CardID)
		}
	}
	fmt.Fprintf(&b, "\nRequest: %s\n", text)
	return b.String()
}

const preprocessPrompt = `Detect the language of the text below. If it is not English, translate it to English. Fix obvious typos. Keep names, titles, and domains unchanged.
Respond with JSON: {"language": "<iso code>", "text": "<cleaned English text>"}

Text: %s`
