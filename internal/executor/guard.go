package executor

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/DatanoiseTV/tabitha/internal/types"
)

type flight struct {
	action    string
	startedAt time.Time
}

// inFlight rejects a request id while an earlier action with the same id is
// still running. Entries expire on their own so a lost end never wedges an id.
type inFlight struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]flight
}

func newInFlight(ttl time.Duration, now func() time.Time) *inFlight {
	return &inFlight{ttl: ttl, now: now, entries: make(map[string]flight)}
}

func (g *inFlight) begin(id, action string) bool {
	now := g.now()
	g.mu.Lock()
	defer g.mu.Unlock()
	for k, f := range g.entries {
		if now.Sub(f.startedAt) >= g.ttl {
			delete(g.entries, k)
		}
	}
	if _, busy := g.entries[id]; busy {
		return false
	}
	g.entries[id] = flight{action: action, startedAt: now}
	return true
}

func (g *inFlight) end(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.entries, id)
}

// UndoEntry records one destructive action.
type UndoEntry struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Tabs      []types.TabInfo `json:"tabInfo"`
	GroupName string          `json:"groupName,omitempty"`
	Timestamp int64           `json:"timestamp"`
	RequestID string          `json:"requestId,omitempty"`
}

// undoRing keeps the most recent entries; the oldest is dropped when full.
type undoRing struct {
	mu      sync.Mutex
	cap     int
	entries []UndoEntry
}

func newUndoRing(capacity int) *undoRing {
	return &undoRing{cap: capacity}
}

func (r *undoRing) push(e UndoEntry) UndoEntry {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	if len(r.entries) > r.cap {
		r.entries = r.entries[len(r.entries)-r.cap:]
	}
	return e
}

func (r *undoRing) pop() (UndoEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.entries) == 0 {
		return UndoEntry{}, false
	}
	e := r.entries[len(r.entries)-1]
	r.entries = r.entries[:len(r.entries)-1]
	return e, true
}

// remove drops an entry whose action did not go through.
func (r *undoRing) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.entries {
		if e.ID == id {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			return
		}
	}
}

func (r *undoRing) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
