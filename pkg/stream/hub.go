package stream

import (
	"context"
	"log/slog"
	"sync"
)

const defaultSubscriberBuffer = 64

// Subscriber observes the events of one session from outside the turn that
// produced them, e.g. a second browser tab.
type Subscriber struct {
	Events chan Event
	Done   chan struct{}
}

// Hub broadcasts sequenced events to session observers. A slow observer
// misses events rather than stalling the turn; the caller that started the
// turn reads the ordered channel returned by the orchestrator instead.
type Hub struct {
	log        *slog.Logger
	bufferSize int

	mu          sync.RWMutex
	subscribers map[string]map[*Subscriber]struct{}
}

func NewHub(log *slog.Logger, bufferSize int) *Hub {
	if bufferSize <= 0 {
		bufferSize = defaultSubscriberBuffer
	}
	return &Hub{
		log:         log,
		bufferSize:  bufferSize,
		subscribers: make(map[string]map[*Subscriber]struct{}),
	}
}

func (h *Hub) Subscribe(sessionID string) *Subscriber {
	sub := &Subscriber{
		Events: make(chan Event, h.bufferSize),
		Done:   make(chan struct{}),
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.subscribers[sessionID]
	if !ok {
		subs = make(map[*Subscriber]struct{})
		h.subscribers[sessionID] = subs
	}
	subs[sub] = struct{}{}
	return sub
}

func (h *Hub) Unsubscribe(sessionID string, sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.subscribers[sessionID]
	if !ok {
		return
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(h.subscribers, sessionID)
	}
}

// Publish implements Sink.
func (h *Hub) Publish(_ context.Context, ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	subs := h.subscribers[ev.SessionID]
	sent := 0
	for sub := range subs {
		select {
		case sub.Events <- ev:
			sent++
		default:
			h.log.Warn("stream/hub: subscriber buffer full, skipping event", "session", ev.SessionID, "event", ev.Type, "seq", ev.Seq)
		}
	}
	if len(subs) > 0 {
		h.log.Debug("stream/hub: broadcast event", "session", ev.SessionID, "event", ev.Type, "subscribers", len(subs), "sent", sent)
	}
}

// CloseSession signals every observer of the session that no more events
// will follow.
func (h *Hub) CloseSession(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subscribers[sessionID] {
		close(sub.Done)
	}
	delete(h.subscribers, sessionID)
}

func (h *Hub) SubscriberCount(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[sessionID])
}
