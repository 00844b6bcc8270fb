package types

// ErrorKind names a failure category. Errors cross component boundaries as
// data, never as Go errors.
type ErrorKind string

const (
	ErrBadRequest            ErrorKind = "bad_request"
	ErrCardNotFound          ErrorKind = "card_not_found"
	ErrNoMatchingTabs        ErrorKind = "no_matching_tabs"
	ErrNoCandidates          ErrorKind = "no_candidates"
	ErrTooManyCandidates     ErrorKind = "too_many_candidates"
	ErrInvalidIntent         ErrorKind = "invalid_intent"
	ErrParseFailed           ErrorKind = "parse_failed"
	ErrSemanticRerankTimeout ErrorKind = "semantic_rerank_timeout"
	ErrIntentParseTimeout    ErrorKind = "intent_parse_timeout"
	ErrOffscreenUnavailable  ErrorKind = "offscreen_unavailable"
	ErrUndoExpired           ErrorKind = "undo_expired"
	ErrUnknownIntent         ErrorKind = "unknown_intent"
	ErrActionInFlight        ErrorKind = "action_already_in_flight"
	ErrCancelled             ErrorKind = "cancelled"
	ErrBrowser               ErrorKind = "browser_error"
)

// Candidate is a card travelling through the candidate pipeline.
type Candidate struct {
	Card     Card    `json:"card"`
	Score    float64 `json:"score"`
	Lexical  float64 `json:"lexicalScore"`
	Semantic float64 `json:"semanticScore"`
	Reason   string  `json:"reason,omitempty"`
}

// RankMetadata describes how a ranking decision was reached.
type RankMetadata struct {
	InputCount     int      `json:"inputCount"`
	FilteredCount  int      `json:"filteredCount"`
	Reranked       bool     `json:"reranked"`
	RerankSkipped  string   `json:"rerankSkipped,omitempty"`
	RerankError    string   `json:"rerankError,omitempty"`
	Stage          string   `json:"stage"`
	Clustered      bool     `json:"clustered,omitempty"`
	SameTitleSplit bool     `json:"sameTitleDifferentDomains,omitempty"`
	Trace          []string `json:"trace,omitempty"`
}

// RankResult is exactly one of: auto-execute a candidate, a disambiguation
// list, or a refusal with a reason.
type RankResult struct {
	OK               bool         `json:"ok"`
	AutoExecute      bool         `json:"autoExecute"`
	Candidate        *Candidate   `json:"candidate,omitempty"`
	Confidence       float64      `json:"confidence,omitempty"`
	Candidates       []Candidate  `json:"candidates,omitempty"`
	// Matches is every candidate that survived filtering, in rank order.
	// Candidates is its head, trimmed for display.
	Matches          []Candidate  `json:"matches,omitempty"`
	NeedsFollowup    bool         `json:"needsFollowup,omitempty"`
	FollowupQuestion string       `json:"followupQuestion,omitempty"`
	Reason           ErrorKind    `json:"reason,omitempty"`
	ClosestMatches   []Candidate  `json:"closestMatches,omitempty"`
	Clarifier        string       `json:"clarifier,omitempty"`
	Metadata         RankMetadata `json:"metadata"`
}

// SlotCandidate is the compact form of a candidate kept for follow-ups.
type SlotCandidate struct {
	CardID string `json:"cardId"`
	Title  string `json:"title"`
	Domain string `json:"domain"`
	Index  int    `json:"index"`
}

// ActionResult is returned by every executor action.
type ActionResult struct {
	OK                   bool       `json:"ok"`
	Action               string     `json:"action"`
	Error                ErrorKind  `json:"error,omitempty"`
	Message              string     `json:"message,omitempty"`
	Method               string     `json:"method,omitempty"`
	Preview              bool       `json:"preview,omitempty"`
	CanConfirm           bool       `json:"canConfirm,omitempty"`
	RequiresConfirmation bool       `json:"requiresConfirmation,omitempty"`
	UndoAvailable        bool       `json:"undoAvailable,omitempty"`
	Count                int        `json:"count,omitempty"`
	Failed               int        `json:"failed,omitempty"`
	Restored             int        `json:"restored,omitempty"`
	Tabs                 []TabInfo  `json:"tabs,omitempty"`
	TabID                int        `json:"tabId,omitempty"`
	Card                 *Card      `json:"card,omitempty"`
	Cards                []Card     `json:"cards,omitempty"`
	ProposeOpen          bool       `json:"proposeOpen,omitempty"`
	GroupName            string     `json:"groupName,omitempty"`
	FolderName           string     `json:"folderName,omitempty"`
	Answer               string     `json:"answer,omitempty"`
	Intent               IntentKind `json:"intent,omitempty"`
}

// Fail builds a failed result for action.
func Fail(action string, kind ErrorKind, message string) ActionResult {
	return ActionResult{OK: false, Action: action, Error: kind, Message: message}
}
