package room

import (
	"sync"
	"sync/atomic"
)

// Room is a media fan-out domain.
type Room struct {
	id string

	// mu is held by registry mutations of this room's participant set.
	mu      sync.Mutex
	deleted bool

	// participants is replaced wholesale on every mutation; the slice it
	// points to is never modified after being stored.
	participants atomic.Pointer[[]*Participant]
}

func newRoom(id string) *Room {
	r := &Room{id: id}
	r.participants.Store(&[]*Participant{})
	return r
}

func (r *Room) ID() string { return r.id }

// Participants returns an immutable snapshot of the room's participants in
// join order. Callers must not modify the returned slice.
func (r *Room) Participants() []*Participant {
	return *r.participants.Load()
}

func (r *Room) Len() int { return len(r.Participants()) }

func (r *Room) find(participantID string) *Participant {
	for _, p := range r.Participants() {
		if p.id == participantID {
			return p
		}
	}
	return nil
}

// add and remove must be called with mu held.
func (r *Room) add(p *Participant) {
	cur := r.Participants()
	next := make([]*Participant, 0, len(cur)+1)
	next = append(next, cur...)
	next = append(next, p)
	r.participants.Store(&next)
}

func (r *Room) remove(participantID string) {
	cur := r.Participants()
	next := make([]*Participant, 0, len(cur))
	for _, p := range cur {
		if p.id != participantID {
			next = append(next, p)
		}
	}
	r.participants.Store(&next)
}

// Summary is a point-in-time view of a room.
type Summary struct {
	ID             string
	ParticipantIDs []string
}

func (s Summary) ParticipantCount() int { return len(s.ParticipantIDs) }

// Has reports whether participantID is listed in the summary.
func (s Summary) Has(participantID string) bool {
	for _, id := range s.ParticipantIDs {
		if id == participantID {
			return true
		}
	}
	return false
}

func (r *Room) Summary() Summary {
	snap := r.Participants()
	ids := make([]string, 0, len(snap))
	for _, p := range snap {
		ids = append(ids, p.id)
	}
	return Summary{ID: r.id, ParticipantIDs: ids}
}
