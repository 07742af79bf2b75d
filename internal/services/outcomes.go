package services

import (
	"sync"
)

// OutcomeBroadcaster fans supervisor outcomes out to listeners such as WebSocket clients.
// Publish never blocks: a listener whose buffer is full misses the outcome.
type OutcomeBroadcaster struct {
	mu        sync.RWMutex
	listeners map[chan Outcome]struct{}
	buffer    int
	last      *Outcome
}

// NewOutcomeBroadcaster creates a broadcaster with per-listener buffers of the given size
func NewOutcomeBroadcaster(buffer int) *OutcomeBroadcaster {
	if buffer <= 0 {
		buffer = 16
	}
	return &OutcomeBroadcaster{
		listeners: make(map[chan Outcome]struct{}),
		buffer:    buffer,
	}
}

// Publish delivers o to every listener without waiting
func (b *OutcomeBroadcaster) Publish(o Outcome) {
	b.mu.Lock()
	b.last = &o
	b.mu.Unlock()

	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.listeners {
		select {
		case ch <- o:
		default:
		}
	}
}

// Listen returns a channel of future outcomes and a function that ends the subscription
func (b *OutcomeBroadcaster) Listen() (<-chan Outcome, func()) {
	ch := make(chan Outcome, b.buffer)

	b.mu.Lock()
	b.listeners[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.listeners[ch]; ok {
				delete(b.listeners, ch)
				close(ch)
			}
		})
	}
}

// Last returns the most recent outcome, if any
func (b *OutcomeBroadcaster) Last() (Outcome, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.last == nil {
		return Outcome{}, false
	}
	return *b.last, true
}

// Close ends every subscription
func (b *OutcomeBroadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.listeners {
		delete(b.listeners, ch)
		close(ch)
	}
}
