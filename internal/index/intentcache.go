package index

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/DatanoiseTV/tabitha/internal/store"
	"github.com/DatanoiseTV/tabitha/internal/urlkey"
)

const (
	DefaultIntentCacheTTL = 30 * 24 * time.Hour
	// StabilityMargin is how much a new score must beat the old one before a
	// label for the same intent is replaced.
	StabilityMargin = 0.15
	// relabelAge lets a different intent replace an entry this old regardless
	// of score.
	relabelAge = 7 * 24 * time.Hour
)

// IntentEntry is the cached organizer label for one URL.
type IntentEntry struct {
	Intent    string  `json:"intent"`
	Score     float64 `json:"score"`
	UpdatedAt int64   `json:"updatedAt"`
}

// IntentCache maps normalized URL keys to organizer labels. It is persisted
// as one store slot.
type IntentCache struct {
	store  CardStore
	logger *zap.Logger
	now    func() time.Time
	ttl    time.Duration

	mu      sync.Mutex
	entries map[string]IntentEntry
}

// NewIntentCache loads the cache from the store's intent-cache slot.
func NewIntentCache(s CardStore, ttl time.Duration, now func() time.Time, logger *zap.Logger) *IntentCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if now == nil {
		now = time.Now
	}
	if ttl <= 0 {
		ttl = DefaultIntentCacheTTL
	}
	c := &IntentCache{store: s, logger: logger, now: now, ttl: ttl, entries: make(map[string]IntentEntry)}
	if err := s.GetSlot(store.SlotIntentCache, &c.entries); err != nil && !errors.Is(err, store.ErrNotFound) {
		logger.Warn("failed to load intent cache", zap.Error(err))
	}
	if c.entries == nil {
		c.entries = make(map[string]IntentEntry)
	}
	return c
}

func (c *IntentCache) expired(e IntentEntry, now time.Time) bool {
	return now.Sub(time.UnixMilli(e.UpdatedAt)) > c.ttl
}

// Get returns the live entry for rawURL. Expired entries are dropped.
func (c *IntentCache) Get(rawURL string) (IntentEntry, bool) {
	key := urlkey.Normalize(rawURL)
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return IntentEntry{}, false
	}
	if c.expired(e, c.now()) {
		delete(c.entries, key)
		return IntentEntry{}, false
	}
	return e, true
}

// Put records a label and reports whether it was stored. For the same
// intent, the new score must beat the old by StabilityMargin. A different
// intent wins on an equal or better score, or when the old entry is more
// than a week old.
func (c *IntentCache) Put(rawURL, intent string, score float64) bool {
	key := urlkey.Normalize(rawURL)
	now := c.now()

	c.mu.Lock()
	old, ok := c.entries[key]
	replace := !ok || c.expired(old, now)
	if !replace {
		if old.Intent == intent {
			replace = score-old.Score >= StabilityMargin-1e-9
		} else {
			replace = score >= old.Score || now.Sub(time.UnixMilli(old.UpdatedAt)) > relabelAge
		}
	}
	if !replace {
		c.mu.Unlock()
		return false
	}
	c.entries[key] = IntentEntry{Intent: intent, Score: score, UpdatedAt: now.UnixMilli()}
	snapshot := make(map[string]IntentEntry, len(c.entries))
	for k, v := range c.entries {
		if !c.expired(v, now) {
			snapshot[k] = v
		}
	}
	c.mu.Unlock()

	if err := c.store.PutSlot(store.SlotIntentCache, snapshot); err != nil {
		c.logger.Warn("failed to persist intent cache", zap.Error(err))
	}
	return true
}

// Len returns the number of entries, expired or not.
func (c *IntentCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
