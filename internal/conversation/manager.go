// Package conversation keeps per-session history and the pending
// disambiguation slot, classifies follow-ups, and writes the text shown or
// spoken to the user.
package conversation

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DatanoiseTV/tabitha/internal/llm"
	"github.com/DatanoiseTV/tabitha/internal/types"
)

const (
	DefaultHistoryCap = 20
	DefaultContextTTL = 30 * time.Second
	DefaultSlotTTL    = 5 * time.Minute
	// contextTurns is how many recent entries the formatted context shows.
	contextTurns = 6
)

// Roles of history entries.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Entry is one turn of a session.
type Entry struct {
	Role         string              `json:"role"`
	Content      string              `json:"content"`
	Timestamp    int64               `json:"timestamp"`
	Results      []types.Candidate   `json:"results,omitempty"`
	ActionResult *types.ActionResult `json:"actionResult,omitempty"`
}

// Slot is the last candidate list offered to a session.
type Slot struct {
	Candidates []types.SlotCandidate `json:"candidates"`
	Intent     types.Intent          `json:"intent"`
	Query      string                `json:"query,omitempty"`
	Timestamp  int64                 `json:"timestamp"`
}

type session struct {
	history   []Entry
	context   string
	contextAt time.Time
	slot      *Slot
}

// Options configures a Manager.
type Options struct {
	// Runtime helps classify follow-ups the rules cannot; nil disables it.
	Runtime    llm.Runtime
	Logger     *zap.Logger
	Now        func() time.Time
	HistoryCap int
	ContextTTL time.Duration
	SlotTTL    time.Duration
}

// Manager owns every session's history and disambiguation slot. It
// implements router.ContextSource.
type Manager struct {
	rt         llm.Runtime
	logger     *zap.Logger
	now        func() time.Time
	historyCap int
	contextTTL time.Duration
	slotTTL    time.Duration

	mu       sync.Mutex
	sessions map[string]*session
}

// NewManager returns an empty manager.
func NewManager(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Runtime == nil {
		opts.Runtime = llm.Unavailable{}
	}
	if opts.HistoryCap <= 0 {
		opts.HistoryCap = DefaultHistoryCap
	}
	if opts.ContextTTL <= 0 {
		opts.ContextTTL = DefaultContextTTL
	}
	if opts.SlotTTL <= 0 {
		opts.SlotTTL = DefaultSlotTTL
	}
	return &Manager{
		rt:         opts.Runtime,
		logger:     opts.Logger,
		now:        opts.Now,
		historyCap: opts.HistoryCap,
		contextTTL: opts.ContextTTL,
		slotTTL:    opts.SlotTTL,
		sessions:   make(map[string]*session),
	}
}

// NewSessionID returns a fresh session id.
func NewSessionID() string { return uuid.NewString() }

func (m *Manager) sessionLocked(id string) *session {
	s, ok := m.sessions[id]
	if !ok {
		s = &session{}
		m.sessions[id] = s
	}
	return s
}

// Append adds a turn, dropping the oldest past the cap, and invalidates the
// formatted context.
func (m *Manager) Append(sessionID string, e Entry) {
	if e.Timestamp == 0 {
		e.Timestamp = m.now().UnixMilli()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessionLocked(sessionID)
	s.history = append(s.history, e)
	if over := len(s.history) - m.historyCap; over > 0 {
		s.history = append([]Entry(nil), s.history[over:]...)
	}
	s.context = ""
	s.contextAt = time.Time{}
}

// History returns a copy of the session's turns, oldest first.
func (m *Manager) History(sessionID string) []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil
	}
	return append([]Entry(nil), s.history...)
}

// FormattedContext renders the most recent turns for a prompt. The result
// is cached until the next Append or ContextTTL.
func (m *Manager) FormattedContext(sessionID string) string {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok || len(s.history) == 0 {
		return ""
	}
	if !s.contextAt.IsZero() && now.Sub(s.contextAt) < m.contextTTL {
		return s.context
	}
	turns := s.history
	if len(turns) > contextTurns {
		turns = turns[len(turns)-contextTurns:]
	}
	var b strings.Builder
	for _, e := range turns {
		fmt.Fprintf(&b, "%s: %s\n", e.Role, e.Content)
		if len(e.Results) > 0 {
			b.WriteString("  offered:")
			for i, c := range e.Results {
				if i == 5 {
					break
				}
				fmt.Fprintf(&b, " [%d] %s (%s);", i+1, c.Card.Title, c.Card.Domain)
			}
			b.WriteString("\n")
		}
	}
	s.context = strings.TrimRight(b.String(), "\n")
	s.contextAt = now
	return s.context
}

// StoreCandidates sets the session's disambiguation slot, replacing any
// earlier one. Fewer than two candidates clears it.
func (m *Manager) StoreCandidates(sessionID string, cands []types.Candidate, intent types.Intent, query string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessionLocked(sessionID)
	if len(cands) < 2 {
		s.slot = nil
		return
	}
	slot := &Slot{Intent: intent, Query: query, Timestamp: m.now().UnixMilli()}
	for i, c := range cands {
		slot.Candidates = append(slot.Candidates, types.SlotCandidate{
			CardID: c.Card.CardID,
			Title:  c.Card.Title,
			Domain: c.Card.Domain,
			Index:  i + 1,
		})
	}
	s.slot = slot
}

// Slot returns the session's live disambiguation slot. An expired slot is
// dropped.
func (m *Manager) Slot(sessionID string) (Slot, bool) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok || s.slot == nil {
		return Slot{}, false
	}
	if now.Sub(time.UnixMilli(s.slot.Timestamp)) > m.slotTTL {
		s.slot = nil
		return Slot{}, false
	}
	return *s.slot, true
}

// LastCandidates returns the live slot's candidates, or nil.
func (m *Manager) LastCandidates(sessionID string) []types.SlotCandidate {
	slot, ok := m.Slot(sessionID)
	if !ok {
		return nil
	}
	return slot.Candidates
}

// ClearSlot drops the session's disambiguation slot.
func (m *Manager) ClearSlot(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[sessionID]; ok {
		s.slot = nil
	}
}

// Reset forgets a session entirely.
func (m *Manager) Reset(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
}
