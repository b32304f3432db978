package room

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/metrics"
)

// Registry is the authoritative table of rooms.
//
// Lock order: listMu, then mu, then Room.mu, then Participant.mu. Events are
// published while the lock that serializes the corresponding mutation is
// held, so subscribers observe changes to a room in commit order.
type Registry struct {
	opts    Options
	log     *slog.Logger
	metrics *metrics.Metrics
	bus     *Bus

	mu    sync.RWMutex
	rooms map[string]*Room
	order []*Room

	// listMu serializes computing and publishing the room list so the last
	// RoomListChanged delivered is never older than a previous one.
	listMu sync.Mutex
}

func NewRegistry(opts Options, bus *Bus) *Registry {
	opts = opts.withDefaults()
	if bus == nil {
		bus = NewBus()
	}
	return &Registry{
		opts:    opts,
		log:     opts.Logger,
		metrics: opts.Metrics,
		bus:     bus,
		rooms:   make(map[string]*Room),
	}
}

func (r *Registry) Bus() *Bus { return r.bus }

func (r *Registry) MaxOccupancy() int { return r.opts.MaxOccupancy }

// AddRoom creates an empty room with a fresh identifier.
func (r *Registry) AddRoom() *Room {
	room := newRoom(uuid.NewString())

	r.mu.Lock()
	r.rooms[room.id] = room
	r.order = append(r.order, room)
	r.mu.Unlock()

	r.log.Info("room created", "room_id", room.id)
	r.publishRoomList()
	return room
}

// DeleteRoom tears down every participant of the room and removes it.
// Unknown rooms are ignored.
func (r *Registry) DeleteRoom(roomID string) {
	r.mu.Lock()
	room := r.rooms[roomID]
	if room == nil {
		r.mu.Unlock()
		return
	}

	room.mu.Lock()
	room.deleted = true
	for _, p := range room.Participants() {
		p.releaseSession(nil, "room deleted")
		room.remove(p.id)
		r.bus.Publish(ParticipantLeft{ParticipantID: p.id, RoomID: room.id})
	}
	room.mu.Unlock()

	delete(r.rooms, roomID)
	for i, candidate := range r.order {
		if candidate == room {
			r.order = append(r.order[:i:i], r.order[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	r.log.Info("room deleted", "room_id", roomID)
	r.publishRoomList()
}

// JoinRoom moves the participant into the room. It first leaves any room the
// participant is in. It is a no-op, returning false, when the room is
// unknown, full or already contains the participant.
func (r *Registry) JoinRoom(roomID, participantID string) bool {
	room := r.Room(roomID)
	if room != nil && room.find(participantID) != nil {
		return false
	}

	r.LeaveRoom(participantID)

	if room == nil {
		return false
	}

	room.mu.Lock()
	if room.deleted || room.find(participantID) != nil || room.Len() >= r.opts.MaxOccupancy {
		room.mu.Unlock()
		r.log.Debug("join rejected", "room_id", roomID, "participant_id", participantID, "participants", room.Len())
		return false
	}
	room.add(newParticipant(participantID))
	r.bus.Publish(RoomChanged{Room: room.Summary()})
	room.mu.Unlock()

	r.log.Info("participant joined", "room_id", roomID, "participant_id", participantID)
	r.publishRoomList()
	return true
}

// LeaveRoom removes the participant from every room containing it, tearing
// down its session first. Unknown participants are ignored.
func (r *Registry) LeaveRoom(participantID string) {
	var left []string
	for _, room := range r.roomsInOrder() {
		room.mu.Lock()
		p := room.find(participantID)
		if p == nil {
			room.mu.Unlock()
			continue
		}
		p.releaseSession(nil, "participant left")
		room.remove(participantID)
		r.bus.Publish(RoomChanged{Room: room.Summary()})
		room.mu.Unlock()
		left = append(left, room.id)
	}
	if len(left) == 0 {
		return
	}

	r.log.Info("participant left", "participant_id", participantID, "room_id", left[0])
	r.publishRoomList()
	r.bus.Publish(ParticipantLeft{ParticipantID: participantID, RoomID: left[0]})
}

// RequestKeyframes asks every other participant of the room with a known
// video SSRC for a keyframe. Requests from outside the room are ignored.
func (r *Registry) RequestKeyframes(roomID, participantID string) {
	room := r.Room(roomID)
	if room == nil || room.find(participantID) == nil {
		return
	}
	for _, p := range room.Participants() {
		if p.id == participantID || p.SyncSource() == 0 {
			continue
		}
		r.sendPLI(room, p)
	}
}

// Room returns the room with the given id, or nil.
func (r *Registry) Room(roomID string) *Room {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rooms[roomID]
}

// RoomOf returns the room containing the participant, or nil.
func (r *Registry) RoomOf(participantID string) *Room {
	for _, room := range r.roomsInOrder() {
		if room.find(participantID) != nil {
			return room
		}
	}
	return nil
}

// Rooms returns a snapshot of every room in creation order.
func (r *Registry) Rooms() []Summary {
	rooms := r.roomsInOrder()
	out := make([]Summary, 0, len(rooms))
	for _, room := range rooms {
		out = append(out, room.Summary())
	}
	return out
}

// Close releases every session. Rooms and memberships are kept.
func (r *Registry) Close() {
	for _, room := range r.roomsInOrder() {
		room.mu.Lock()
		for _, p := range room.Participants() {
			p.releaseSession(nil, "server shutting down")
		}
		room.mu.Unlock()
	}
}

func (r *Registry) participant(roomID, participantID string) (*Room, *Participant) {
	room := r.Room(roomID)
	if room == nil {
		return nil, nil
	}
	p := room.find(participantID)
	if p == nil {
		return nil, nil
	}
	return room, p
}

func (r *Registry) roomsInOrder() []*Room {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Room, len(r.order))
	copy(out, r.order)
	return out
}

func (r *Registry) publishRoomList() {
	r.listMu.Lock()
	defer r.listMu.Unlock()

	rooms := r.Rooms()
	participants := 0
	for _, s := range rooms {
		participants += s.ParticipantCount()
	}
	r.metrics.SetRoomGauges(len(rooms), participants)
	r.bus.Publish(RoomListChanged{Rooms: rooms})
}
