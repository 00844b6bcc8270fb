package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/DatanoiseTV/tabitha/internal/llm"
	"github.com/DatanoiseTV/tabitha/internal/types"
	"github.com/DatanoiseTV/tabitha/internal/urlkey"
)

// FollowUpAction classifies a reply to a disambiguation or preview.
type FollowUpAction string

const (
	FollowUpSelect  FollowUpAction = "select"
	FollowUpConfirm FollowUpAction = "confirm"
	FollowUpSpecify FollowUpAction = "specify"
	FollowUpCancel  FollowUpAction = "cancel"
	FollowUpUnclear FollowUpAction = "unclear"
)

// FollowUp is the classification of one reply. TabNumber is 1-based.
type FollowUp struct {
	Action    FollowUpAction `json:"action"`
	CardID    string         `json:"cardId,omitempty"`
	TabNumber int            `json:"tabNumber,omitempty"`
	Source    string         `json:"source"`
}

var (
	ordinalWords = map[string]int{
		"first": 1, "1st": 1, "second": 2, "2nd": 2, "third": 3, "3rd": 3,
		"fourth": 4, "4th": 4, "fifth": 5, "5th": 5,
		"sixth": 6, "seventh": 7, "eighth": 8, "ninth": 9, "tenth": 10,
	}
	numberWords = map[string]int{
		"one": 1, "two": 2, "three": 3, "four": 4, "five": 5,
		"six": 6, "seven": 7, "eight": 8, "nine": 9, "ten": 10,
	}
	cancelPhrases = []string{
		"cancel", "nevermind", "never mind", "forget it", "no", "nope", "stop",
		"none", "neither", "dont", "no thanks",
	}
	confirmPhrases = []string{
		"yes", "yeah", "yep", "yup", "sure", "ok", "okay", "confirm", "go ahead",
		"do it", "please do", "correct", "right", "affirmative", "sounds good",
	}
	// followUpFiller is dropped before matching titles.
	followUpFiller = map[string]bool{
		"the": true, "one": true, "tab": true, "page": true, "please": true, "open": true,
		"that": true, "this": true, "it": true, "on": true, "in": true, "a": true, "i": true,
		"mean": true, "meant": true, "want": true, "from": true, "go": true, "to": true,
	}
)

// hasPhrase reports whether text is phrase or contains it as whole words.
func hasPhrase(text, phrase string) bool {
	return text == phrase || strings.HasPrefix(text, phrase+" ") ||
		strings.HasSuffix(text, " "+phrase) || strings.Contains(text, " "+phrase+" ")
}

// ordinal finds a 1-based position in the message: "2", "#2", "second",
// "the last one", "number three".
func ordinal(words []string, n int) (int, bool) {
	for i, w := range words {
		if v, ok := ordinalWords[w]; ok {
			return v, true
		}
		if w == "last" && n > 0 {
			return n, true
		}
		if v, err := strconv.Atoi(strings.TrimPrefix(w, "#")); err == nil && v > 0 {
			return v, true
		}
		if v, ok := numberWords[w]; ok {
			// "one" alone is ambiguous in "that one"
			if w == "one" && i > 0 && words[i-1] != "number" && words[i-1] != "tab" && words[i-1] != "option" {
				continue
			}
			return v, true
		}
	}
	return 0, false
}

// UnderstandFollowUp classifies newMessage against the offered candidates.
// Rules run first; the language model is asked only when they cannot tell.
func (m *Manager) UnderstandFollowUp(ctx context.Context, prevQuery, prevResponse string, candidates []types.SlotCandidate, newMessage, sessionID string) FollowUp {
	if f := classify(candidates, newMessage); f.Action != FollowUpUnclear {
		return f
	}
	if len(candidates) == 0 {
		return FollowUp{Action: FollowUpUnclear, Source: "rules"}
	}
	f, err := m.classifyWithModel(ctx, prevQuery, prevResponse, candidates, newMessage)
	if err != nil {
		m.logger.Debug("follow-up model classification failed", zap.String("sessionId", sessionID), zap.Error(err))
		return FollowUp{Action: FollowUpUnclear, Source: "rules"}
	}
	return f
}

func classify(candidates []types.SlotCandidate, message string) FollowUp {
	text := types.CanonicalizeQuery(message)
	words := strings.Fields(text)
	if len(words) == 0 {
		return FollowUp{Action: FollowUpUnclear, Source: "rules"}
	}

	if n, ok := ordinal(words, len(candidates)); ok {
		if n <= len(candidates) {
			return FollowUp{Action: FollowUpSelect, TabNumber: n, CardID: candidates[n-1].CardID, Source: "rules"}
		}
		if len(candidates) == 0 {
			return FollowUp{Action: FollowUpSelect, TabNumber: n, Source: "rules"}
		}
		return FollowUp{Action: FollowUpUnclear, Source: "rules"}
	}
	for _, p := range cancelPhrases {
		if hasPhrase(text, p) {
			return FollowUp{Action: FollowUpCancel, Source: "rules"}
		}
	}
	for _, p := range confirmPhrases {
		if hasPhrase(text, p) {
			return FollowUp{Action: FollowUpConfirm, Source: "rules"}
		}
	}
	if i, ok := specify(candidates, words); ok {
		return FollowUp{Action: FollowUpSpecify, TabNumber: i + 1, CardID: candidates[i].CardID, Source: "rules"}
	}
	return FollowUp{Action: FollowUpUnclear, Source: "rules"}
}

// specify matches the message against candidate titles and domains, in
// either direction. Only a unique match counts.
func specify(candidates []types.SlotCandidate, words []string) (int, bool) {
	var kept []string
	for _, w := range words {
		if !followUpFiller[w] {
			kept = append(kept, w)
		}
	}
	if len(kept) == 0 {
		return 0, false
	}
	phrase := strings.Join(kept, " ")
	match := -1
	for i, c := range candidates {
		title := types.CanonicalizeQuery(c.Title)
		domain := strings.ToLower(c.Domain)
		hit := title != "" && (strings.Contains(title, phrase) || strings.Contains(phrase, title))
		hit = hit || (domain != "" && (strings.Contains(domain, phrase) || strings.Contains(phrase, domain)))
		if sl := urlkey.SecondLevel(domain); sl != "" {
			for _, w := range kept {
				hit = hit || w == sl
			}
		}
		if !hit {
			continue
		}
		if match >= 0 {
			return 0, false
		}
		match = i
	}
	return match, match >= 0
}

const followUpSystem = `Classify the user's reply to a list of browser tabs you offered.
Respond with ONE JSON object: {"action":"select|confirm|specify|cancel|unclear","tabNumber":<1-based number or 0>}`

func (m *Manager) classifyWithModel(ctx context.Context, prevQuery, prevResponse string, candidates []types.SlotCandidate, message string) (FollowUp, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Earlier request: %s\nYou said: %s\nOptions:\n", prevQuery, prevResponse)
	for _, c := range candidates {
		fmt.Fprintf(&b, "%d. %s (%s)\n", c.Index, c.Title, c.Domain)
	}
	fmt.Fprintf(&b, "Reply: %s", message)

	zero := float32(0)
	out, err := m.rt.Prompt(ctx, llm.Request{Prompt: b.String(), Options: llm.Options{System: followUpSystem, JSON: true, Temperature: &zero}})
	if err != nil {
		return FollowUp{}, err
	}
	raw, ok := llm.ExtractJSON(out)
	if !ok {
		return FollowUp{}, fmt.Errorf("no JSON in follow-up reply")
	}
	var reply struct {
		Action    FollowUpAction `json:"action"`
		TabNumber int            `json:"tabNumber"`
	}
	if err := json.Unmarshal([]byte(raw), &reply); err != nil {
		return FollowUp{}, fmt.Errorf("failed to decode follow-up reply: %w", err)
	}
	f := FollowUp{Action: reply.Action, Source: "model"}
	switch reply.Action {
	case FollowUpSelect, FollowUpSpecify:
		if reply.TabNumber < 1 || reply.TabNumber > len(candidates) {
			return FollowUp{}, fmt.Errorf("tab number %d out of range", reply.TabNumber)
		}
		f.TabNumber = reply.TabNumber
		f.CardID = candidates[reply.TabNumber-1].CardID
	case FollowUpConfirm, FollowUpCancel, FollowUpUnclear:
	default:
		return FollowUp{}, fmt.Errorf("unknown follow-up action %q", reply.Action)
	}
	return f, nil
}
