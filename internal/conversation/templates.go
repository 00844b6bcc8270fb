package conversation

import "github.com/DatanoiseTV/tabitha/internal/types"

// Placeholders substituted into templates. Model-written templates must
// keep the ones their fallback uses.
const (
	phTitle  = "{title}"
	phCount  = "{count}"
	phQuery  = "{query}"
	phDomain = "{domain}"
	phFolder = "{folder}"
	phGroup  = "{group}"
)

var (
	disambiguationHeader     = "You have {count} matching tabs open — which one?"
	disambiguationHeaderNoOp = "I found {count} matches — which one?"

	successTemplates = map[string]string{
		string(types.IntentOpen):     "Opened {title}!",
		string(types.IntentFindOpen): "Switched to {title}.",
		string(types.IntentClose):    "Closed {count} tabs.",
		"close_one":                  "Closed {title}.",
		"close_preview":              "That will close {count} tabs. Should I go ahead?",
		string(types.IntentReopen):   "Reopened {title}.",
		"undo_close":                 "Restored {count} tabs.",
		string(types.IntentSave):     "Saved {count} tabs to {folder}.",
		"save_group":                 "Grouped {count} tabs as {group}.",
		string(types.IntentList):     "You have {count} matching tabs.",
		string(types.IntentMute):     "Muted {count} tabs.",
		string(types.IntentUnmute):   "Unmuted {count} tabs.",
		string(types.IntentPin):      "Pinned {count} tabs.",
		string(types.IntentUnpin):    "Unpinned {count} tabs.",
		string(types.IntentReload):   "Reloaded {count} tabs.",
		string(types.IntentDiscard):  "Suspended {count} tabs to free memory.",
		"focus_group":                "Switched to the {group} group.",
		"close_group":                "Closed the {group} group.",
		"rename_group":               "Renamed the group to {group}.",
		"collapse_group":             "Collapsed {group}.",
		"expand_group":               "Expanded {group}.",
		"move_group_to_window":       "Moved {group} to its own window.",
		"ungroup":                    "Ungrouped {group}.",
		"propose_open":               "{title} isn't open. Want me to open it?",
	}

	errorTemplates = map[types.ErrorKind]string{
		types.ErrNoCandidates:          `I couldn't find any tabs matching "{query}". Try a word from the page title.`,
		types.ErrTooManyCandidates:     `Lots of tabs match "{query}". Can you be more specific?`,
		types.ErrNoMatchingTabs:        "No open tabs match that.",
		types.ErrCardNotFound:          "That tab isn't open anymore.",
		types.ErrParseFailed:           "Sorry, I didn't catch that. Could you rephrase?",
		types.ErrInvalidIntent:         "Sorry, I'm not sure what you want me to do.",
		types.ErrUnknownIntent:         "Sorry, I can't do that yet.",
		types.ErrIntentParseTimeout:    "That took too long to understand. Try again?",
		types.ErrSemanticRerankTimeout: "That took too long. Here's my best guess.",
		types.ErrOffscreenUnavailable:  "The assistant model isn't available right now.",
		types.ErrUndoExpired:           "There's nothing to undo.",
		types.ErrActionInFlight:        "I'm still working on that.",
		types.ErrCancelled:             "Okay, cancelled.",
		types.ErrBadRequest:            "Sorry, I didn't get that.",
		types.ErrBrowser:               "The browser wouldn't let me do that.",
	}
	defaultErrorTemplate = "Something went wrong. Please try again."

	unclearFollowUp = "Sorry, which one? You can say a number, like \"the first one\"."
	cancelledText   = "Okay, never mind."
)
