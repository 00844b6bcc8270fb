package browser

import (
	"context"
	"sync"
)

const eventQueue = 256

// fanout delivers events to every live subscriber without blocking the
// publisher. A full subscriber queue drops the event; listeners reconcile
// against a full tab listing on their own schedule.
type fanout struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

func (f *fanout) subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, eventQueue)
	f.mu.Lock()
	if f.subs == nil {
		f.subs = make(map[chan Event]struct{})
	}
	f.subs[ch] = struct{}{}
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		if _, ok := f.subs[ch]; ok {
			delete(f.subs, ch)
			close(ch)
		}
		f.mu.Unlock()
	}()
	return ch
}

func (f *fanout) publish(ev Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for ch := range f.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// closeAll ends every subscription.
func (f *fanout) closeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for ch := range f.subs {
		close(ch)
	}
	f.subs = nil
}
