package signaling

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/room"
)

// Hub routes room events to connected clients.
//
// Events arrive synchronously from the room bus, often with registry locks
// held, so routing only encodes and enqueues.
type Hub struct {
	log     *slog.Logger
	metrics *metrics.Metrics

	mu      sync.RWMutex
	clients map[string]*client

	unsubscribe func()
}

func NewHub(bus *room.Bus, logger *slog.Logger, m *metrics.Metrics) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		log:     logger,
		metrics: m,
		clients: make(map[string]*client),
	}
	h.unsubscribe = bus.Subscribe(h.route)
	return h
}

// Close stops routing events. Connected clients are not closed.
func (h *Hub) Close() {
	h.unsubscribe()
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if h.clients[c.id] == c {
		delete(h.clients, c.id)
	}
	h.mu.Unlock()
}

func (h *Hub) snapshot() []*client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		out = append(out, c)
	}
	return out
}

func (h *Hub) lookup(participantID string) *client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.clients[participantID]
}

func (h *Hub) route(ev room.Event) {
	switch ev := ev.(type) {
	case room.RoomListChanged:
		data, ok := h.encode(newRoomList(messageTypeRoomListUpdated, ev.Rooms))
		if !ok {
			return
		}
		for _, c := range h.snapshot() {
			c.enqueue(data)
		}
	case room.RoomChanged:
		data, ok := h.encode(newRoomUpdated(&ev.Room))
		if !ok {
			return
		}
		for _, id := range ev.Room.ParticipantIDs {
			if c := h.lookup(id); c != nil {
				c.enqueue(data)
			}
		}
	case room.ParticipantLeft:
		c := h.lookup(ev.ParticipantID)
		if c == nil {
			return
		}
		if data, ok := h.encode(newRoomUpdated(nil)); ok {
			c.enqueue(data)
		}
	case room.RenegotiationNeeded:
		c := h.lookup(ev.ParticipantID)
		if c == nil {
			h.log.Debug("renegotiation for unknown participant", "participant_id", ev.ParticipantID, "room_id", ev.RoomID)
			return
		}
		if data, ok := h.encode(newSDPMessage(messageTypeRenegotiation, ev.Offer)); ok {
			c.enqueue(data)
		}
	}
}

func (h *Hub) encode(v any) ([]byte, bool) {
	data, err := json.Marshal(v)
	if err != nil {
		h.log.Error("encode signaling message", "err", err)
		return nil, false
	}
	return data, true
}
