package room

import (
	"context"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// PeerSession is one participant's WebRTC connection as seen by the engine.
type PeerSession interface {
	AddTrack(kind webrtc.RTPCodecType, codec webrtc.RTPCodecCapability) error

	SetRemoteDescription(desc webrtc.SessionDescription) error
	CreateAnswer() (webrtc.SessionDescription, error)
	CreateOffer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	LocalDescription() *webrtc.SessionDescription
	// GatheringComplete is closed once ICE candidate gathering has finished
	// for the current local description.
	GatheringComplete() <-chan struct{}
	AddICECandidate(candidate webrtc.ICECandidateInit) error

	ConnectionState() webrtc.PeerConnectionState
	SignalingState() webrtc.SignalingState

	// WriteRTP sends pkt unmodified on the outbound track of the given kind.
	WriteRTP(kind webrtc.RTPCodecType, pkt *rtp.Packet) error
	WriteRTCP(pkts []rtcp.Packet) error

	// Bind installs the event handlers. Implementations deliver the current
	// connection state to the new handlers if it already left "new".
	Bind(h SessionHandlers)
	// Detach removes the handlers. No handler is invoked after Detach returns,
	// except for calls already in flight.
	Detach()
	Close(reason string) error
}

// SessionHandlers is the set of callbacks bound to one session. Every field
// is optional.
type SessionHandlers struct {
	OnICECandidate          func(candidate *webrtc.ICECandidate)
	OnSignalingStateChange  func(state webrtc.SignalingState)
	OnConnectionStateChange func(state webrtc.PeerConnectionState)
	OnRTP                   func(kind webrtc.RTPCodecType, pkt *rtp.Packet)
	OnRTCP                  func(kind webrtc.RTPCodecType, pkts []rtcp.Packet)
	OnTimeout               func(kind webrtc.RTPCodecType)
}

// SessionFactory constructs a fresh, unbound PeerSession.
type SessionFactory func(ctx context.Context) (PeerSession, error)
