package types

import (
	"fmt"
	"strings"
	"time"
	"unicode"
)

// IntentKind is the discriminant of an Intent.
type IntentKind string

const (
	IntentOpen     IntentKind = "open"
	IntentFindOpen IntentKind = "find_open"
	IntentClose    IntentKind = "close"
	IntentReopen   IntentKind = "reopen"
	IntentSave     IntentKind = "save"
	IntentList     IntentKind = "list"
	IntentAsk      IntentKind = "ask"
	IntentMute     IntentKind = "mute"
	IntentUnmute   IntentKind = "unmute"
	IntentPin      IntentKind = "pin"
	IntentUnpin    IntentKind = "unpin"
	IntentReload   IntentKind = "reload"
	IntentDiscard  IntentKind = "discard"
)

// IntentKinds lists every kind in the order the router prompt presents them.
var IntentKinds = []IntentKind{
	IntentOpen, IntentFindOpen, IntentClose, IntentReopen, IntentSave, IntentList, IntentAsk,
	IntentMute, IntentUnmute, IntentPin, IntentUnpin, IntentReload, IntentDiscard,
}

// Valid reports whether k is one of the thirteen intent kinds.
func (k IntentKind) Valid() bool {
	for _, known := range IntentKinds {
		if k == known {
			return true
		}
	}
	return false
}

// Navigational reports whether the kind may auto-execute on a single match.
func (k IntentKind) Navigational() bool {
	return k == IntentOpen || k == IntentFindOpen
}

// BulkTabMutation reports whether the kind is one of the per-tab toggles that
// can target every tab matching an app filter.
func (k IntentKind) BulkTabMutation() bool {
	switch k {
	case IntentMute, IntentUnmute, IntentPin, IntentUnpin, IntentReload, IntentDiscard:
		return true
	}
	return false
}

// Scope narrows an intent to tabs or tab groups.
type Scope string

const (
	ScopeNone  Scope = ""
	ScopeTab   Scope = "tab"
	ScopeGroup Scope = "group"
)

// Valid reports whether s is an allowed scope.
func (s Scope) Valid() bool {
	return s == ScopeNone || s == ScopeTab || s == ScopeGroup
}

// Operation is a group-scoped mutation.
type Operation string

const (
	OperationNone         Operation = ""
	OperationMoveToWindow Operation = "move_to_window"
	OperationRename       Operation = "rename"
	OperationCollapse     Operation = "collapse"
	OperationExpand       Operation = "expand"
)

// Valid reports whether o is an allowed group operation.
func (o Operation) Valid() bool {
	switch o {
	case OperationNone, OperationMoveToWindow, OperationRename, OperationCollapse, OperationExpand:
		return true
	}
	return false
}

// DateRange bounds temporal queries. Both ends marshal as ISO-8601.
type DateRange struct {
	Since time.Time `json:"since,omitzero"`
	Until time.Time `json:"until,omitzero"`
}

// Contains reports whether t falls inside the range. Open ends are unbounded.
func (r *DateRange) Contains(t time.Time) bool {
	if r == nil {
		return true
	}
	if !r.Since.IsZero() && t.Before(r.Since) {
		return false
	}
	if !r.Until.IsZero() && !t.Before(r.Until) {
		return false
	}
	return true
}

// Constraints narrow the candidate set for an intent.
type Constraints struct {
	Scope            Scope      `json:"scope,omitempty"`
	ResultMustBeOpen bool       `json:"resultMustBeOpen"`
	DateRange        *DateRange `json:"dateRange,omitempty"`
	IncludeApps      []string   `json:"includeApps"`
	ExcludeApps      []string   `json:"excludeApps"`
	Group            string     `json:"group,omitempty"`
	Limit            int        `json:"limit,omitempty"`
}

// HasAppFilter reports whether any include/exclude app constraint is set.
func (c Constraints) HasAppFilter() bool {
	return len(c.IncludeApps) > 0 || len(c.ExcludeApps) > 0
}

// OperationArgs carries the arguments of a group operation.
type OperationArgs struct {
	NewName   string `json:"newName,omitempty"`
	WindowID  int    `json:"windowId,omitempty"`
	NewWindow bool   `json:"newWindow,omitempty"`
}

// Intent is the router's structured parse of an utterance.
type Intent struct {
	Kind                 IntentKind     `json:"intent"`
	CanonicalQuery       string         `json:"canonical_query"`
	Constraints          Constraints    `json:"constraints"`
	Operation            Operation      `json:"operation,omitempty"`
	OperationArgs        *OperationArgs `json:"operation_args,omitempty"`
	FolderName           string         `json:"folderName,omitempty"`
	DisambiguationNeeded bool           `json:"disambiguationNeeded"`
	Hints                []string       `json:"hints,omitempty"`
	AnaphoraOf           string         `json:"anaphora_of,omitempty"`
	Notes                string         `json:"notes,omitempty"`
	TimeReason           string         `json:"time_reason,omitempty"`
	Fallback             bool           `json:"fallback,omitempty"`
}

// GroupScoped reports whether the intent addresses a tab group as a whole.
func (i Intent) GroupScoped() bool {
	return i.Constraints.Scope == ScopeGroup || i.Operation != OperationNone
}

// IntentHandler has one method per intent kind. Anything that acts on an
// intent implements it, so a new kind fails to compile until handled.
type IntentHandler[R any] interface {
	Open(Intent) R
	FindOpen(Intent) R
	Close(Intent) R
	Reopen(Intent) R
	Save(Intent) R
	List(Intent) R
	Ask(Intent) R
	Mute(Intent) R
	Unmute(Intent) R
	Pin(Intent) R
	Unpin(Intent) R
	Reload(Intent) R
	Discard(Intent) R
}

// Dispatch routes the intent to the matching handler method.
func Dispatch[R any](intent Intent, h IntentHandler[R]) (R, error) {
	switch intent.Kind {
	case IntentOpen:
		return h.Open(intent), nil
	case IntentFindOpen:
		return h.FindOpen(intent), nil
	case IntentClose:
		return h.Close(intent), nil
	case IntentReopen:
		return h.Reopen(intent), nil
	case IntentSave:
		return h.Save(intent), nil
	case IntentList:
		return h.List(intent), nil
	case IntentAsk:
		return h.Ask(intent), nil
	case IntentMute:
		return h.Mute(intent), nil
	case IntentUnmute:
		return h.Unmute(intent), nil
	case IntentPin:
		return h.Pin(intent), nil
	case IntentUnpin:
		return h.Unpin(intent), nil
	case IntentReload:
		return h.Reload(intent), nil
	case IntentDiscard:
		return h.Discard(intent), nil
	}
	var zero R
	return zero, fmt.Errorf("unknown intent %q", intent.Kind)
}

// CanonicalizeQuery lowercases, strips punctuation, and collapses whitespace.
// Dots inside words survive so host fragments like "zoom.us" stay intact.
func CanonicalizeQuery(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	runes := []rune(strings.ToLower(text))
	for i, r := range runes {
		switch {
		case r == '\'' || r == '’':
			continue
		case r == '.' && i > 0 && i < len(runes)-1 && isWordRune(runes[i-1]) && isWordRune(runes[i+1]):
			b.WriteRune(r)
		case isWordRune(r):
			b.WriteRune(r)
		default:
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

// anaphoraWords are the pronouns that refer back to offered candidates.
var anaphoraWords = map[string]struct{}{
	"it": {}, "that": {}, "those": {}, "them": {}, "these": {}, "this": {},
}

// anaphoraQuantifiers may sit between a command verb and its pronoun:
// "close all of them".
var anaphoraQuantifiers = map[string]struct{}{
	"all": {}, "of": {}, "both": {},
}

// anaphoraHeads may follow the pronoun: "that one", "those tabs".
var anaphoraHeads = map[string]struct{}{
	"one": {}, "ones": {}, "tab": {}, "tabs": {}, "page": {}, "pages": {}, "too": {}, "please": {},
}

// Anaphora returns the pronoun text refers back with, if any. The pronoun
// must lead the message ("those") or lead the object of its first word
// ("close those tabs"), and may only be followed by a head such as "one" or
// "tabs". "what did I read this morning" is not anaphoric.
func Anaphora(text string) (string, bool) {
	words := strings.Fields(CanonicalizeQuery(text))
	if len(words) == 0 {
		return "", false
	}
	if w, ok := leadingPronoun(words); ok {
		return w, true
	}
	rest := words[1:]
	for len(rest) > 0 {
		if _, ok := anaphoraQuantifiers[rest[0]]; !ok {
			break
		}
		rest = rest[1:]
	}
	return leadingPronoun(rest)
}

func leadingPronoun(words []string) (string, bool) {
	if len(words) == 0 {
		return "", false
	}
	if _, ok := anaphoraWords[words[0]]; !ok {
		return "", false
	}
	for _, w := range words[1:] {
		if _, ok := anaphoraHeads[w]; !ok {
			return "", false
		}
	}
	return words[0], true
}
