package index

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/DatanoiseTV/tabitha/internal/types"
)

// cardWriter debounces card writes. The latest version of each card wins;
// the batch is flushed maxWait after the first pending write.
type cardWriter struct {
	store   CardStore
	logger  *zap.Logger
	maxWait time.Duration

	mu      sync.Mutex
	pending map[string]types.Card
	timer   *time.Timer
	closed  bool
	flushWG sync.WaitGroup
}

func newCardWriter(store CardStore, maxWait time.Duration, logger *zap.Logger) *cardWriter {
	if maxWait <= 0 {
		maxWait = 300 * time.Millisecond
	}
	return &cardWriter{
		store:   store,
		logger:  logger,
		maxWait: maxWait,
		pending: make(map[string]types.Card),
	}
}

// add queues c for the next flush.
func (w *cardWriter) add(c types.Card) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.pending[c.CardID] = c
	if w.timer == nil {
		w.flushWG.Add(1)
		w.timer = time.AfterFunc(w.maxWait, func() {
			defer w.flushWG.Done()
			w.flush()
		})
	}
}

// drop removes a queued write so a deleted card is not written back.
func (w *cardWriter) drop(cardID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.pending, cardID)
}

// size returns the number of queued writes.
func (w *cardWriter) size() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// flush writes everything queued. Failures are logged; the cache stays
// authoritative and the next reconcile re-queues every live card.
func (w *cardWriter) flush() {
	w.mu.Lock()
	if w.timer != nil {
		if w.timer.Stop() {
			// the timer's callback will not run; release its slot
			w.flushWG.Done()
		}
		w.timer = nil
	}
	if len(w.pending) == 0 {
		w.mu.Unlock()
		return
	}
	batch := make([]types.Card, 0, len(w.pending))
	for _, c := range w.pending {
		batch = append(batch, c)
	}
	w.pending = make(map[string]types.Card)
	w.mu.Unlock()

	if err := w.store.PutCards(batch); err != nil {
		w.logger.Warn("failed to persist cards", zap.Int("count", len(batch)), zap.Error(err))
	}
}

// close flushes and waits for any running timer callback.
func (w *cardWriter) close() {
	w.flush()
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	w.flushWG.Wait()
}
