package gateway

import (
	"sync"

	"github.com/seralva/booktalk/internal/observability"
	"github.com/seralva/booktalk/internal/protocol"
)

// member is one websocket attachment to a session stream.
type member struct {
	out      chan any
	observer bool
}

// Hub fans realtime events out to every connection attached to a session.
// The session owner and any observers each get their own outbound queue;
// slow consumers drop events instead of blocking the turn.
type Hub struct {
	mu       sync.Mutex
	sessions map[string]map[*member]struct{}
	metrics  *observability.Metrics
}

func NewHub(metrics *observability.Metrics) *Hub {
	return &Hub{
		sessions: make(map[string]map[*member]struct{}),
		metrics:  metrics,
	}
}

// Join attaches a connection to a session stream and returns its outbound
// queue plus a detach function.
func (h *Hub) Join(sessionID string, observer bool, buffer int) (<-chan any, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	m := &member{out: make(chan any, buffer), observer: observer}

	h.mu.Lock()
	set, ok := h.sessions[sessionID]
	if !ok {
		set = make(map[*member]struct{})
		h.sessions[sessionID] = set
	}
	set[m] = struct{}{}
	h.mu.Unlock()

	detach := func() {
		h.mu.Lock()
		if set, ok := h.sessions[sessionID]; ok {
			if _, present := set[m]; present {
				delete(set, m)
				close(m.out)
			}
			if len(set) == 0 {
				delete(h.sessions, sessionID)
			}
		}
		h.mu.Unlock()
	}
	return m.out, detach
}

// Broadcast sends an event to every member of a session, non-blocking.
func (h *Hub) Broadcast(sessionID string, msgType protocol.MessageType, event any) {
	h.mu.Lock()
	members := make([]*member, 0, len(h.sessions[sessionID]))
	for m := range h.sessions[sessionID] {
		members = append(members, m)
	}
	h.mu.Unlock()

	for _, m := range members {
		select {
		case m.out <- event:
			if h.metrics != nil {
				h.metrics.ObserveOutboundMessage(string(msgType), "queued")
			}
		default:
			if h.metrics != nil {
				h.metrics.ObserveOutboundMessage(string(msgType), "drop_full")
			}
		}
	}
}

// MemberCount reports the live attachments for a session.
func (h *Hub) MemberCount(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions[sessionID])
}
