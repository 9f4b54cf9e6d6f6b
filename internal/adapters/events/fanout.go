package events

import (
	"sync"

	"github.com/zatekoja/hisprompt/backend/internal/domain/entities"
)

// fanout hands events received on one Redis channel to the local
// subscribers of that channel. A subscriber whose buffer is full misses the
// event; the others still get it.
type fanout struct {
	mu     sync.RWMutex
	subs   map[chan *entities.PromptEvent]struct{}
	buffer int
	closed bool
}

func newFanout(buffer int) *fanout {
	return &fanout{
		subs:   make(map[chan *entities.PromptEvent]struct{}),
		buffer: buffer,
	}
}

// add registers a new subscriber. It returns nil once the fanout is closed.
func (f *fanout) add() chan *entities.PromptEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	ch := make(chan *entities.PromptEvent, f.buffer)
	f.subs[ch] = struct{}{}
	return ch
}

// remove closes ch and returns how many subscribers are left. ok is false
// when ch was already gone.
func (f *fanout) remove(ch chan *entities.PromptEvent) (remaining int, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok = f.subs[ch]; !ok {
		return len(f.subs), false
	}
	delete(f.subs, ch)
	close(ch)
	return len(f.subs), true
}

// broadcast delivers event to every subscriber with room for it and returns
// the number that had none.
func (f *fanout) broadcast(event *entities.PromptEvent) (skipped int) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for ch := range f.subs {
		select {
		case ch <- event:
		default:
			skipped++
		}
	}
	return skipped
}

// closeAll closes every subscriber and refuses new ones. Safe to call twice.
func (f *fanout) closeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for ch := range f.subs {
		close(ch)
		delete(f.subs, ch)
	}
	f.closed = true
}

func (f *fanout) size() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}
