package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/room"
)

type messageType string

// Client to server.
const (
	messageTypeCreateRoom           messageType = "createRoom"
	messageTypeDeleteRoom           messageType = "deleteRoom"
	messageTypeGetRooms             messageType = "getRooms"
	messageTypeJoinRoom             messageType = "joinRoom"
	messageTypeLeaveRoom            messageType = "leaveRoom"
	messageTypeSendOffer            messageType = "sendOffer"
	messageTypeCreatePeerConnection messageType = "createPeerConnection"
	messageTypeRequestKeyframe      messageType = "requestKeyframe"
	messageTypeICECandidate         messageType = "iceCandidate"
)

// Server to client.
const (
	messageTypeRoomListUpdated messageType = "roomListUpdated"
	messageTypeRoomsUpdated    messageType = "roomsUpdated"
	messageTypeRoomUpdated     messageType = "roomUpdated"
	messageTypeOfferProcessed  messageType = "offerProcessed"
	messageTypeRenegotiation   messageType = "renegotiation"
	messageTypeError           messageType = "error"
)

// Error codes carried by error messages.
const (
	codeBadMessage        = "bad_message"
	codeRateLimited       = "rate_limited"
	codeNotFound          = "not_found"
	codeMalformedOffer    = "malformed_offer"
	codeNegotiationFailed = "negotiation_failed"
	codeBadCandidate      = "bad_candidate"
	codeInternal          = "internal_error"
)

type sessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func (s sessionDescription) toPion() (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch s.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", s.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: s.SDP}, nil
}

type candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func (c candidate) toPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// clientMessage is the union of every client to server message.
type clientMessage struct {
	Type               messageType         `json:"type"`
	RoomID             string              `json:"roomId,omitempty"`
	Offer              *sessionDescription `json:"offer,omitempty"`
	SessionDescription *sessionDescription `json:"sessionDescription,omitempty"`
	Candidate          *candidate          `json:"candidate,omitempty"`
}

func parseClientMessage(data []byte) (clientMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg clientMessage
	if err := dec.Decode(&msg); err != nil {
		return clientMessage{}, err
	}
	if err := msg.validate(); err != nil {
		return clientMessage{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return clientMessage{}, fmt.Errorf("unexpected trailing data")
	}
	return msg, nil
}

// description returns the session description of a sendOffer or
// createPeerConnection message.
func (m clientMessage) description() *sessionDescription {
	if m.Offer != nil {
		return m.Offer
	}
	return m.SessionDescription
}

func (m clientMessage) validate() error {
	hasDesc := m.Offer != nil || m.SessionDescription != nil
	switch m.Type {
	case messageTypeCreateRoom, messageTypeGetRooms, messageTypeLeaveRoom:
		if m.RoomID != "" || hasDesc || m.Candidate != nil {
			return fmt.Errorf("%s message has unexpected fields", m.Type)
		}
	case messageTypeDeleteRoom, messageTypeJoinRoom, messageTypeRequestKeyframe:
		if m.RoomID == "" {
			return fmt.Errorf("%s message missing roomId", m.Type)
		}
		if hasDesc || m.Candidate != nil {
			return fmt.Errorf("%s message has unexpected fields", m.Type)
		}
	case messageTypeSendOffer:
		if m.RoomID == "" {
			return fmt.Errorf("%s message missing roomId", m.Type)
		}
		if m.Offer == nil {
			return fmt.Errorf("%s message missing offer", m.Type)
		}
		if m.SessionDescription != nil || m.Candidate != nil {
			return fmt.Errorf("%s message has unexpected fields", m.Type)
		}
	case messageTypeCreatePeerConnection:
		if m.RoomID == "" {
			return fmt.Errorf("%s message missing roomId", m.Type)
		}
		if m.SessionDescription == nil {
			return fmt.Errorf("%s message missing sessionDescription", m.Type)
		}
		if m.Offer != nil || m.Candidate != nil {
			return fmt.Errorf("%s message has unexpected fields", m.Type)
		}
	case messageTypeICECandidate:
		if m.RoomID == "" {
			return fmt.Errorf("%s message missing roomId", m.Type)
		}
		if m.Candidate == nil {
			return fmt.Errorf("%s message missing candidate", m.Type)
		}
		if hasDesc {
			return fmt.Errorf("%s message has unexpected fields", m.Type)
		}
	case "":
		return fmt.Errorf("message missing type")
	default:
		return fmt.Errorf("unsupported message type %q", m.Type)
	}
	return nil
}

type roomParticipant struct {
	SocketID string `json:"socketId"`
}

type roomView struct {
	ID               string            `json:"id"`
	ParticipantCount int               `json:"participantCount"`
	Participants     []roomParticipant `json:"participants"`
}

func roomViewFromSummary(s room.Summary) roomView {
	participants := make([]roomParticipant, 0, len(s.ParticipantIDs))
	for _, id := range s.ParticipantIDs {
		participants = append(participants, roomParticipant{SocketID: id})
	}
	return roomView{
		ID:               s.ID,
		ParticipantCount: s.ParticipantCount(),
		Participants:     participants,
	}
}

func roomViews(rooms []room.Summary) []roomView {
	out := make([]roomView, 0, len(rooms))
	for _, s := range rooms {
		out = append(out, roomViewFromSummary(s))
	}
	return out
}

type roomListMessage struct {
	Type  messageType `json:"type"`
	Rooms []roomView  `json:"rooms"`
}

// roomUpdatedMessage always carries the room key; a nil Room tells the
// client it is no longer in any room.
type roomUpdatedMessage struct {
	Type messageType `json:"type"`
	Room *roomView   `json:"room"`
}

type sdpMessage struct {
	Type       messageType `json:"type"`
	SDP        string      `json:"sdp"`
	AnswerType string      `json:"answerType"`
}

type errorMessage struct {
	Type    messageType `json:"type"`
	Code    string      `json:"code"`
	Message string      `json:"message"`
}

func newRoomList(t messageType, rooms []room.Summary) roomListMessage {
	return roomListMessage{Type: t, Rooms: roomViews(rooms)}
}

func newRoomUpdated(s *room.Summary) roomUpdatedMessage {
	msg := roomUpdatedMessage{Type: messageTypeRoomUpdated}
	if s != nil {
		v := roomViewFromSummary(*s)
		msg.Room = &v
	}
	return msg
}

func newSDPMessage(t messageType, desc webrtc.SessionDescription) sdpMessage {
	return sdpMessage{Type: t, SDP: desc.SDP, AnswerType: desc.Type.String()}
}
