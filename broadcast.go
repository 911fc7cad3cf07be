package main

import (
	"sync"
	"time"
)

// Broadcaster publishes debate events to whatever transport is listening.
// Fire-and-forget: a broadcast never blocks or fails the caller.
type Broadcaster interface {
	Broadcast(debateID, eventType string, payload any)
}

// DebateEvent is one event on a debate's stream.
type DebateEvent struct {
	DebateID string `json:"debate_id"`
	Type     string `json:"type"`
	Payload  any    `json:"payload,omitempty"`
	AtMs     int64  `json:"at_ms"`
}

// SSEHub fans debate events out to per-debate subscriber channels. The HTTP
// layer drains a subscription and encodes each event as an SSE frame.
type SSEHub struct {
	mu   sync.Mutex
	subs map[string]map[chan DebateEvent]struct{}
}

// NewSSEHub creates an empty hub.
func NewSSEHub() *SSEHub {
	return &SSEHub{subs: make(map[string]map[chan DebateEvent]struct{})}
}

// Subscribe registers a listener for one debate's events. The returned
// cancel func must be called when the listener goes away.
func (h *SSEHub) Subscribe(debateID string) (<-chan DebateEvent, func()) {
	ch := make(chan DebateEvent, 32)

	h.mu.Lock()
	if h.subs[debateID] == nil {
		h.subs[debateID] = make(map[chan DebateEvent]struct{})
	}
	h.subs[debateID][ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if listeners, ok := h.subs[debateID]; ok {
			delete(listeners, ch)
			if len(listeners) == 0 {
				delete(h.subs, debateID)
			}
		}
		h.mu.Unlock()
		close(ch)
	}
	return ch, cancel
}

// Broadcast delivers an event to every subscriber of the debate. Slow
// subscribers are skipped rather than blocked on.
func (h *SSEHub) Broadcast(debateID, eventType string, payload any) {
	ev := DebateEvent{
		DebateID: debateID,
		Type:     eventType,
		Payload:  payload,
		AtMs:     time.Now().UnixMilli(),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[debateID] {
		select {
		case ch <- ev:
		default:
			logger.Warn().Str("debate_id", debateID).Str("event", eventType).Msg("subscriber channel full, event dropped")
		}
	}
}

// SubscriberCount returns the number of live subscribers for a debate.
func (h *SSEHub) SubscriberCount(debateID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[debateID])
}
