package api

import (
	"sync"
)

type SSEEvent struct {
	Type string
	Data map[string]any
}

type Broker struct {
	mu   sync.Mutex
	subs map[string]map[chan SSEEvent]struct{} // requestId -> set of channels
}

func NewBroker() *Broker {
	return &Broker{subs: map[string]map[chan SSEEvent]struct{}{}}
}

func (b *Broker) Subscribe(requestID string) chan SSEEvent {
	ch := make(chan SSEEvent, 8)
	b.mu.Lock()
	if b.subs[requestID] == nil {
		b.subs[requestID] = map[chan SSEEvent]struct{}{}
	}
	b.subs[requestID][ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *Broker) Unsubscribe(requestID string, ch chan SSEEvent) {
	b.mu.Lock()
	if m := b.subs[requestID]; m != nil {
		delete(m, ch)
		if len(m) == 0 {
			delete(b.subs, requestID)
		}
	}
	b.mu.Unlock()
	close(ch)
}

func (b *Broker) Publish(requestID string, evt SSEEvent) {
	b.mu.Lock()
	m := b.subs[requestID]
	for ch := range m {
		select {
		case ch <- evt:
		default:
		}
	}
	b.mu.Unlock()
}
