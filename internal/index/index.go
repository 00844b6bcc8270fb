// Package index keeps one card per open tab, an inverted index over card
// tokens, and the debounced persistence that backs them.
package index

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/DatanoiseTV/tabitha/internal/browser"
	"github.com/DatanoiseTV/tabitha/internal/store"
	"github.com/DatanoiseTV/tabitha/internal/types"
	"github.com/DatanoiseTV/tabitha/internal/urlkey"
)

const (
	DefaultWriteDebounce     = 300 * time.Millisecond
	DefaultReconcileInterval = 2 * time.Minute
	DefaultRefreshThrottle   = 2 * time.Second
	DefaultSearchLimit       = 50
)

// CardStore is the persistence the index needs. *store.Store satisfies it.
type CardStore interface {
	PutCards(cards []types.Card) error
	DeleteCards(ids ...string) error
	GetCard(id string) (types.Card, error)
	AllCards() ([]types.Card, error)
	GetSlot(name string, out any) error
	PutSlot(name string, v any) error
}

// Filters narrow Query and LexicalSearch.
type Filters struct {
	Source types.Source   `json:"source,omitempty"`
	Domain string         `json:"domain,omitempty"`
	Type   types.CardType `json:"type,omitempty"`
	Group  string         `json:"group,omitempty"`
}

func (f Filters) match(c types.Card) bool {
	if f.Source != "" && c.Source != f.Source {
		return false
	}
	if f.Domain != "" && urlkey.MatchApp(c.Domain, c.URL, f.Domain) == urlkey.NoMatch {
		return false
	}
	if f.Type != "" && c.Type != f.Type {
		return false
	}
	return true
}

// SearchResult is the outcome of LexicalSearch.
type SearchResult struct {
	Hits         []types.LexicalHit `json:"results"`
	Tokens       []string           `json:"tokens"`
	HitsPerToken map[string]int     `json:"hitsPerToken"`
}

// Counts summarizes the index.
type Counts struct {
	Total    int            `json:"total"`
	BySource map[string]int `json:"bySource"`
	ByType   map[string]int `json:"byType"`
	ByDomain map[string]int `json:"byDomain"`
	BuiltAt  time.Time      `json:"builtAt"`
}

// Options configures an Index.
type Options struct {
	Store             CardStore
	Browser           browser.Browser
	Logger            *zap.Logger
	Now               func() time.Time
	WriteDebounce     time.Duration
	ReconcileInterval time.Duration
	RefreshThrottle   time.Duration
}

// Index is the authoritative view of open tabs.
type Index struct {
	store   CardStore
	browser browser.Browser
	logger  *zap.Logger
	now     func() time.Time

	reconcileInterval time.Duration

	mu         sync.RWMutex
	cards      map[string]types.Card
	postings   map[string]map[string]struct{}
	cardTokens map[string][]string
	groups     map[int]string
	builtAt    time.Time

	writer  *cardWriter
	limiter *rate.Limiter
	// reconcileMu serializes full reconciles.
	reconcileMu sync.Mutex
	// inFlight records event-driven changes made while a reconcile holds a
	// tab listing; guarded by mu, nil outside a reconcile.
	inFlight *reconcileLog

	bootMu sync.Mutex
	booted bool
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New returns an index. Call Init to load tabs and start listening.
func New(opts Options) *Index {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.WriteDebounce <= 0 {
		opts.WriteDebounce = DefaultWriteDebounce
	}
	if opts.ReconcileInterval <= 0 {
		opts.ReconcileInterval = DefaultReconcileInterval
	}
	if opts.RefreshThrottle <= 0 {
		opts.RefreshThrottle = DefaultRefreshThrottle
	}
	return &Index{
		store:             opts.Store,
		browser:           opts.Browser,
		logger:            opts.Logger,
		now:               opts.Now,
		reconcileInterval: opts.ReconcileInterval,
		cards:             make(map[string]types.Card),
		postings:          make(map[string]map[string]struct{}),
		cardTokens:        make(map[string][]string),
		groups:            make(map[int]string),
		writer:            newCardWriter(opts.Store, opts.WriteDebounce, opts.Logger),
		limiter:           rate.NewLimiter(rate.Every(opts.RefreshThrottle), 1),
	}
}

// Init loads persisted cards, reconciles them against live tabs, and starts
// the event listener and the periodic reconcile. Calling it twice is a no-op.
func (x *Index) Init(ctx context.Context) error {
	x.bootMu.Lock()
	defer x.bootMu.Unlock()
	if x.booted {
		return nil
	}

	persisted, err := x.store.AllCards()
	if err != nil {
		x.logger.Warn("failed to read persisted cards", zap.Error(err))
	}
	x.mu.Lock()
	for _, c := range persisted {
		x.putLocked(c)
	}
	x.mu.Unlock()

	if err := x.reconcile(ctx); err != nil {
		if !errors.Is(err, browser.ErrDisconnected) {
			return fmt.Errorf("initial reconcile: %w", err)
		}
		// the extension connects later; the reconcile loop catches up
		x.logger.Warn("browser not connected, serving persisted cards", zap.Error(err))
	}

	runCtx, cancel := context.WithCancel(context.Background())
	x.cancel = cancel
	events := x.browser.Subscribe(runCtx)
	x.wg.Add(2)
	go x.listen(runCtx, events)
	go x.reconcileLoop(runCtx)

	x.booted = true
	x.logger.Info("tab index ready", zap.Int("cards", x.Len()))
	return nil
}

// Close stops listeners and flushes pending writes.
func (x *Index) Close() error {
	x.bootMu.Lock()
	cancel := x.cancel
	x.cancel = nil
	x.booted = false
	x.bootMu.Unlock()
	if cancel != nil {
		cancel()
	}
	x.wg.Wait()
	x.writer.close()
	return nil
}

// Len returns the number of cards.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.cards)
}

// BuiltAt returns when the inverted index last changed.
func (x *Index) BuiltAt() time.Time {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.builtAt
}

// Upsert stores c in the cache, updates its postings in the same call, and
// queues the persistent write.
func (x *Index) Upsert(c types.Card) error {
	if c.CardID == "" {
		return errors.New("card without id")
	}
	x.mu.Lock()
	x.putLocked(c)
	if x.inFlight != nil {
		x.inFlight.touch(c.CardID)
	}
	x.mu.Unlock()
	x.writer.add(c)
	return nil
}

// Remove deletes a card from the cache, the postings, and the store.
func (x *Index) Remove(cardID string) {
	x.mu.Lock()
	x.deleteLocked(cardID)
	if x.inFlight != nil {
		x.inFlight.remove(cardID)
	}
	x.mu.Unlock()
	x.writer.drop(cardID)
	if err := x.store.DeleteCards(cardID); err != nil {
		x.logger.Warn("failed to delete persisted card", zap.String("cardId", cardID), zap.Error(err))
	}
}

// Get returns a card. A cache miss flushes pending writes and re-reads the
// store.
func (x *Index) Get(cardID string) (types.Card, bool) {
	x.mu.RLock()
	c, ok := x.cards[cardID]
	x.mu.RUnlock()
	if ok {
		return c, true
	}
	x.writer.flush()
	c, err := x.store.GetCard(cardID)
	if err != nil {
		return types.Card{}, false
	}
	return c, true
}

// putLocked replaces a card and its postings. A tokenizer panic on one card
// leaves that card unindexed but cached.
func (x *Index) putLocked(c types.Card) {
	x.removePostingsLocked(c.CardID)
	x.cards[c.CardID] = c

	tokens, err := safeTokens(c)
	if err != nil {
		x.logger.Warn("failed to tokenize card", zap.String("cardId", c.CardID), zap.Error(err))
		return
	}
	for _, tok := range tokens {
		set, ok := x.postings[tok]
		if !ok {
			set = make(map[string]struct{})
			x.postings[tok] = set
		}
		set[c.CardID] = struct{}{}
	}
	x.cardTokens[c.CardID] = tokens
	x.builtAt = x.now()
}

func safeTokens(c types.Card) (tokens []string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tokenizer panic: %v", r)
		}
	}()
	return cardTokens(c.Title, c.URL, c.Domain), nil
}

func (x *Index) deleteLocked(cardID string) {
	x.removePostingsLocked(cardID)
	delete(x.cards, cardID)
	x.builtAt = x.now()
}

func (x *Index) removePostingsLocked(cardID string) {
	for _, tok := range x.cardTokens[cardID] {
		if set, ok := x.postings[tok]; ok {
			delete(set, cardID)
			if len(set) == 0 {
				delete(x.postings, tok)
			}
		}
	}
	delete(x.cardTokens, cardID)
}

// Postings returns the card ids indexed under tok.
func (x *Index) Postings(tok string) []string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	ids := make([]string, 0, len(x.postings[tok]))
	for id := range x.postings[tok] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// purgeNonTabsLocked drops cards that should never be indexed.
func (x *Index) purgeNonTabsLocked() []string {
	var purged []string
	for id, c := range x.cards {
		if c.Source != types.SourceTab {
			x.deleteLocked(id)
			purged = append(purged, id)
		}
	}
	return purged
}

func (x *Index) purgeNonTabs() {
	x.mu.Lock()
	purged := x.purgeNonTabsLocked()
	x.mu.Unlock()
	if len(purged) == 0 {
		return
	}
	for _, id := range purged {
		x.writer.drop(id)
	}
	if err := x.store.DeleteCards(purged...); err != nil {
		x.logger.Warn("failed to purge non-tab cards", zap.Error(err))
	}
}

// Counts enumerates the index by source, type, and domain.
func (x *Index) Counts() Counts {
	x.purgeNonTabs()
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := Counts{
		Total:    len(x.cards),
		BySource: make(map[string]int),
		ByType:   make(map[string]int),
		ByDomain: make(map[string]int),
		BuiltAt:  x.builtAt,
	}
	for _, c := range x.cards {
		out.BySource[string(c.Source)]++
		out.ByType[string(c.Type)]++
		out.ByDomain[c.Domain]++
	}
	return out
}

// Query returns cards matching filters, most recently visited first.
func (x *Index) Query(f Filters, limit int) []types.Card {
	x.purgeNonTabs()
	x.mu.RLock()
	out := make([]types.Card, 0, len(x.cards))
	for _, c := range x.cards {
		if f.match(c) {
			out = append(out, c)
		}
	}
	x.mu.RUnlock()
	sortCards(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// All returns every card, most recently visited first.
func (x *Index) All() []types.Card {
	return x.Query(Filters{}, 0)
}

func sortCards(cards []types.Card) {
	sort.Slice(cards, func(i, j int) bool {
		if cards[i].LastVisitedAt != cards[j].LastVisitedAt {
			return cards[i].LastVisitedAt > cards[j].LastVisitedAt
		}
		return cards[i].CardID < cards[j].CardID
	})
}

// LexicalSearch scores cards reachable from the query's postings or, for
// partial tokens, by substring over domain (3+ runes) and title/url (4+).
func (x *Index) LexicalSearch(text string, limit int, f Filters) SearchResult {
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	q := newQuery(text)
	res := SearchResult{Tokens: q.tokens, HitsPerToken: make(map[string]int, len(q.tokens))}
	if len(q.tokens) == 0 {
		return res
	}

	x.mu.RLock()
	candidates := make(map[string]struct{})
	for _, tok := range q.tokens {
		set := x.postings[tok]
		res.HitsPerToken[tok] = len(set)
		for id := range set {
			candidates[id] = struct{}{}
		}
	}
	for id, c := range x.cards {
		if _, ok := candidates[id]; ok {
			continue
		}
		if substringHit(c, q.unigrams) {
			candidates[id] = struct{}{}
		}
	}

	now := x.now()
	hits := make([]types.LexicalHit, 0, len(candidates))
	for id := range candidates {
		c, ok := x.cards[id]
		if !ok || !f.match(c) {
			continue
		}
		score, matched := scoreCard(c, q, f.Group, now)
		if matched == 0 && !strings.Contains(strings.ToLower(c.Title), q.full) {
			continue
		}
		hits = append(hits, types.LexicalHit{Card: c, Score: score})
	}
	x.mu.RUnlock()

	SortHits(hits)
	if len(hits) > limit {
		hits = hits[:limit]
	}
	res.Hits = hits
	return res
}

// ScoreCards scores cards that live outside the index (history, bookmarks,
// closed sessions) with the same rules as LexicalSearch.
func ScoreCards(cards []types.Card, text, group string, now time.Time) []types.LexicalHit {
	q := newQuery(text)
	hits := make([]types.LexicalHit, 0, len(cards))
	for _, c := range cards {
		score, _ := scoreCard(c, q, group, now)
		hits = append(hits, types.LexicalHit{Card: c, Score: score})
	}
	SortHits(hits)
	return hits
}

// SortHits orders hits by score, then recency, then card id.
func SortHits(hits []types.LexicalHit) {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		if hits[i].Card.LastVisitedAt != hits[j].Card.LastVisitedAt {
			return hits[i].Card.LastVisitedAt > hits[j].Card.LastVisitedAt
		}
		return hits[i].Card.CardID < hits[j].Card.CardID
	})
}

func substringHit(c types.Card, unigrams []string) bool {
	domain := strings.ToLower(c.Domain)
	title := strings.ToLower(c.Title)
	rawURL := strings.ToLower(c.URL)
	for _, tok := range unigrams {
		n := len([]rune(tok))
		if n >= minDomainToken && strings.Contains(domain, tok) {
			return true
		}
		if n >= minTextToken && (strings.Contains(title, tok) || strings.Contains(rawURL, tok)) {
			return true
		}
	}
	return false
}

// RefreshOpenTabs reconciles against the browser at most once per throttle
// window. It reports whether a reconcile ran.
func (x *Index) RefreshOpenTabs(ctx context.Context) (bool, error) {
	if !x.limiter.AllowN(x.now(), 1) {
		return false, nil
	}
	return true, x.reconcile(ctx)
}

// reconcile upserts a card for every live tab and removes every card whose
// tab is gone.
func (x *Index) reconcile(ctx context.Context) error {
	x.reconcileMu.Lock()
	defer x.reconcileMu.Unlock()

	changes := &reconcileLog{touched: map[string]struct{}{}, removed: map[string]struct{}{}}
	x.mu.Lock()
	x.inFlight = changes
	x.mu.Unlock()
	defer func() {
		x.mu.Lock()
		x.inFlight = nil
		x.mu.Unlock()
	}()

	tabs, err := x.browser.ListTabs(ctx)
	if err != nil {
		return fmt.Errorf("list tabs: %w", err)
	}
	groups, err := x.browser.ListGroups(ctx)
	if err != nil {
		x.logger.Debug("failed to list groups", zap.Error(err))
	}

	x.mu.Lock()
	x.groups = make(map[int]string, len(groups))
	for _, g := range groups {
		x.groups[g.ID] = g.Title
	}
	// events seen since the listing are newer than it
	live := make(map[string]struct{}, len(tabs))
	for id := range changes.touched {
		live[id] = struct{}{}
	}
	fresh := make([]types.Card, 0, len(tabs))
	for _, t := range tabs {
		c := x.cardFromTabLocked(t)
		if _, gone := changes.removed[c.CardID]; gone {
			continue
		}
		if _, newer := changes.touched[c.CardID]; newer {
			continue
		}
		live[c.CardID] = struct{}{}
		x.putLocked(c)
		fresh = append(fresh, c)
	}
	var stale []string
	for id := range x.cards {
		if _, ok := live[id]; !ok {
			stale = append(stale, id)
			x.deleteLocked(id)
		}
	}
	x.mu.Unlock()

	for _, c := range fresh {
		x.writer.add(c)
	}
	for _, id := range stale {
		x.writer.drop(id)
	}
	if len(stale) > 0 {
		if err := x.store.DeleteCards(stale...); err != nil {
			x.logger.Warn("failed to delete stale cards", zap.Int("count", len(stale)), zap.Error(err))
		}
	}
	x.logger.Debug("reconciled tab index", zap.Int("live", len(fresh)), zap.Int("removed", len(stale)))
	return nil
}

// reconcileLog holds the card ids upserted or removed by events while a
// reconcile works from an older tab listing.
type reconcileLog struct {
	touched map[string]struct{}
	removed map[string]struct{}
}

func (l *reconcileLog) touch(id string) {
	l.touched[id] = struct{}{}
	delete(l.removed, id)
}

func (l *reconcileLog) remove(id string) {
	l.removed[id] = struct{}{}
	delete(l.touched, id)
}

// CardFromTab builds the card for a live tab.
func CardFromTab(t browser.Tab, groupName string, now time.Time) types.Card {
	visited := t.LastAccessed
	if visited <= 0 {
		visited = now.UnixMilli()
	}
	return types.Card{
		CardID:        types.TabCardID(t.ID),
		Source:        types.SourceTab,
		SourceID:      t.ID,
		TabID:         t.ID,
		WindowID:      t.WindowID,
		Title:         t.Title,
		URL:           t.URL,
		Domain:        urlkey.Domain(t.URL),
		Type:          types.TypeForURL(t.URL),
		IsPinned:      t.Pinned,
		GroupID:       t.GroupID,
		GroupName:     groupName,
		LastVisitedAt: visited,
		UpdatedAt:     now.UnixMilli(),
	}
}

func (x *Index) cardFromTabLocked(t browser.Tab) types.Card {
	c := CardFromTab(t, x.groups[t.GroupID], x.now())
	if prev, ok := x.cards[c.CardID]; ok && prev.LastVisitedAt > c.LastVisitedAt {
		c.LastVisitedAt = prev.LastVisitedAt
	}
	return c
}

func (x *Index) listen(ctx context.Context, events <-chan browser.Event) {
	defer x.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			x.HandleEvent(ctx, ev)
		}
	}
}

func (x *Index) reconcileLoop(ctx context.Context) {
	defer x.wg.Done()
	ticker := time.NewTicker(x.reconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := x.reconcile(ctx); err != nil && ctx.Err() == nil {
				x.logger.Warn("periodic reconcile failed", zap.Error(err))
			}
		}
	}
}

// HandleEvent applies one lifecycle event. Removals drop postings before
// returning.
func (x *Index) HandleEvent(ctx context.Context, ev browser.Event) {
	switch ev.Kind {
	case browser.EventRemoved:
		x.Remove(types.TabCardID(ev.TabID))

	case browser.EventCreated, browser.EventUpdated, browser.EventAttached, browser.EventActivated:
		tab := ev.Tab
		if tab == nil || ev.Kind == browser.EventActivated {
			t, err := x.browser.GetTab(ctx, ev.TabID)
			if err != nil {
				if errors.Is(err, browser.ErrNoSuchTab) {
					x.Remove(types.TabCardID(ev.TabID))
				} else {
					x.logger.Debug("failed to read tab", zap.Int("tabId", ev.TabID), zap.Error(err))
				}
				return
			}
			tab = &t
		}
		x.mu.Lock()
		c := x.cardFromTabLocked(*tab)
		if ev.Kind == browser.EventActivated {
			c.LastVisitedAt = x.now().UnixMilli()
		}
		x.putLocked(c)
		if x.inFlight != nil {
			x.inFlight.touch(c.CardID)
		}
		x.mu.Unlock()
		x.writer.add(c)

	case browser.EventGroupUpdated:
		if ev.Group == nil {
			return
		}
		x.mu.Lock()
		x.groups[ev.Group.ID] = ev.Group.Title
		var changed []types.Card
		for _, c := range x.cards {
			if c.GroupID == ev.Group.ID && c.GroupName != ev.Group.Title {
				c.GroupName = ev.Group.Title
				c.UpdatedAt = x.now().UnixMilli()
				x.putLocked(c)
				changed = append(changed, c)
			}
		}
		x.mu.Unlock()
		for _, c := range changed {
			x.writer.add(c)
		}

	case browser.EventSnapshot:
		if err := x.reconcile(ctx); err != nil {
			x.logger.Warn("snapshot reconcile failed", zap.Error(err))
		}

	case browser.EventDetached:
		// an attached event follows
	}
}

var _ CardStore = (*store.Store)(nil)
