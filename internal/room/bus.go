package room

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

// Event is published on the Bus. The concrete types are RoomListChanged,
// RoomChanged, ParticipantLeft and RenegotiationNeeded.
type Event interface {
	isEvent()
}

// RoomListChanged carries every room in creation order.
type RoomListChanged struct {
	Rooms []Summary
}

// RoomChanged carries the state of one room right after a mutation.
type RoomChanged struct {
	Room Summary
}

// ParticipantLeft is published once per participant removed from its room,
// whether it left on its own or the room was deleted.
type ParticipantLeft struct {
	ParticipantID string
	RoomID        string
}

// RenegotiationNeeded carries a server-generated offer that must reach the
// participant's client. The client's answer is fed back through
// Negotiator.CreateSession.
type RenegotiationNeeded struct {
	ParticipantID string
	RoomID        string
	Offer         webrtc.SessionDescription
}

func (RoomListChanged) isEvent()     {}
func (RoomChanged) isEvent()         {}
func (ParticipantLeft) isEvent()     {}
func (RenegotiationNeeded) isEvent() {}

// Bus delivers events to subscribers synchronously and in publication order.
// Subscribers must return quickly and must not call back into the registry.
type Bus struct {
	mu   sync.Mutex
	next uint64
	subs []subscription
}

type subscription struct {
	id uint64
	fn func(Event)
}

func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers fn and returns a function that removes it.
func (b *Bus) Subscribe(fn func(Event)) (unsubscribe func()) {
	b.mu.Lock()
	b.next++
	id := b.next
	b.subs = append(b.subs, subscription{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, s := range b.subs {
				if s.id == id {
					b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
					return
				}
			}
		})
	}
}

func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs {
		s.fn(ev)
	}
}
