package room

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/metrics"
)

// Negotiator attaches PeerSessions to participants.
type Negotiator struct {
	reg       *Registry
	relay     *Relay
	keyframes *KeyframeCoordinator
	factory   SessionFactory
}

func NewNegotiator(reg *Registry, relay *Relay, keyframes *KeyframeCoordinator, factory SessionFactory) *Negotiator {
	return &Negotiator{
		reg:       reg,
		relay:     relay,
		keyframes: keyframes,
		factory:   factory,
	}
}

// CreateSession negotiates a new session for the participant from a client
// offer and returns the answer once ICE gathering has completed (or the
// gathering timeout elapsed). Any previous session of the participant is torn
// down once the new one is attached.
//
// A description of type "answer" completes a server-initiated renegotiation
// on the participant's existing session instead; the returned description is
// then the zero value.
//
// On error the participant's state is left untouched.
func (n *Negotiator) CreateSession(ctx context.Context, roomID, participantID string, desc webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if desc.Type == webrtc.SDPTypeAnswer {
		return webrtc.SessionDescription{}, n.applyAnswer(roomID, participantID, desc)
	}
	if desc.Type != webrtc.SDPTypeOffer {
		n.reg.metrics.Inc(metrics.MalformedOffer)
		return webrtc.SessionDescription{}, fmt.Errorf("%w: unexpected description type %q", ErrMalformedOffer, desc.Type)
	}

	room, p := n.reg.participant(roomID, participantID)
	if p == nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: participant %s in room %s", ErrNotFound, participantID, roomID)
	}

	plan, err := planTracks(desc.SDP)
	if err != nil {
		n.countFailure(err)
		return webrtc.SessionDescription{}, err
	}

	sess, err := n.factory(ctx)
	if err != nil {
		n.reg.metrics.Inc(metrics.NegotiationFailed)
		return webrtc.SessionDescription{}, fmt.Errorf("%w: create session: %v", ErrNegotiationFailed, err)
	}
	answer, err := n.negotiate(ctx, sess, plan, desc)
	if err != nil {
		n.countFailure(err)
		n.discard(sess, "negotiation failed")
		return webrtc.SessionDescription{}, err
	}

	b := newBinding(sess, n.reg.log.With("room_id", room.id, "participant_id", p.id), n.reg.metrics)

	// Handlers are bound before the binding becomes current, so every later
	// release detaches after Bind. Until attach they ignore events; the
	// session cannot connect before the client has the answer.
	sess.Bind(n.handlers(room, p, b))

	room.mu.Lock()
	if room.deleted || room.find(p.id) != p {
		room.mu.Unlock()
		n.discard(sess, "participant gone")
		return webrtc.SessionDescription{}, fmt.Errorf("%w: participant %s left room %s during negotiation", ErrNotFound, participantID, roomID)
	}
	p.attach(b)
	n.keyframes.startTimer(room, p, b)
	room.mu.Unlock()

	n.reg.metrics.Inc(metrics.SessionCreated)
	n.reg.log.Info("session created", "room_id", room.id, "participant_id", p.id, "tracks", len(plan))
	return answer, nil
}

// negotiate adds the planned tracks, applies the offer and commits an answer.
func (n *Negotiator) negotiate(ctx context.Context, sess PeerSession, plan trackPlan, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		codec, ok := plan[kind]
		if !ok {
			continue
		}
		if err := sess.AddTrack(kind, codec); err != nil {
			return webrtc.SessionDescription{}, fmt.Errorf("%w: add %s track: %v", ErrNegotiationFailed, kind, err)
		}
	}

	if err := sess.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: set remote description: %v", ErrNegotiationFailed, err)
	}
	answer, err := sess.CreateAnswer()
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: create answer: %v", ErrNegotiationFailed, err)
	}
	gatherComplete := sess.GatheringComplete()
	if err := sess.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: set local description: %v", ErrNegotiationFailed, err)
	}

	timer := time.NewTimer(n.reg.opts.GatherTimeout)
	defer timer.Stop()
	select {
	case <-gatherComplete:
	case <-timer.C:
		n.reg.log.Warn("ice gathering timed out; answering with partial candidates", "timeout", n.reg.opts.GatherTimeout)
	case <-ctx.Done():
		return webrtc.SessionDescription{}, ctx.Err()
	}

	local := sess.LocalDescription()
	if local == nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: missing local description", ErrNegotiationFailed)
	}
	return *local, nil
}

// applyAnswer completes a renegotiation started by renegotiate.
func (n *Negotiator) applyAnswer(roomID, participantID string, answer webrtc.SessionDescription) error {
	_, p := n.reg.participant(roomID, participantID)
	if p == nil {
		return fmt.Errorf("%w: participant %s in room %s", ErrNotFound, participantID, roomID)
	}
	sess := p.Session()
	if sess == nil {
		return fmt.Errorf("%w: participant %s has no session", ErrNotFound, participantID)
	}
	if err := sess.SetRemoteDescription(answer); err != nil {
		n.reg.metrics.Inc(metrics.NegotiationFailed)
		return fmt.Errorf("%w: apply renegotiation answer: %v", ErrNegotiationFailed, err)
	}
	return nil
}

// AddICECandidate adds a trickled remote candidate to the participant's
// current session.
func (n *Negotiator) AddICECandidate(roomID, participantID string, candidate webrtc.ICECandidateInit) error {
	_, p := n.reg.participant(roomID, participantID)
	if p == nil {
		return fmt.Errorf("%w: participant %s in room %s", ErrNotFound, participantID, roomID)
	}
	sess := p.Session()
	if sess == nil {
		return fmt.Errorf("%w: participant %s has no session", ErrNotFound, participantID)
	}
	return sess.AddICECandidate(candidate)
}

// renegotiate sends a fresh offer to every other connected participant whose
// session is idle, so their clients pick up the newly connected participant.
func (n *Negotiator) renegotiate(room *Room, joined *Participant) {
	for _, p := range room.Participants() {
		if p == joined {
			continue
		}
		sess := p.connectedSession()
		if sess == nil {
			continue
		}
		if sess.SignalingState() != webrtc.SignalingStateStable {
			n.reg.log.Debug("skipping renegotiation; signaling not stable", "room_id", room.id, "participant_id", p.id)
			continue
		}
		offer, err := sess.CreateOffer()
		if err == nil {
			err = sess.SetLocalDescription(offer)
		}
		if err != nil {
			n.reg.log.Warn("renegotiation offer failed", "room_id", room.id, "participant_id", p.id, "err", err)
			continue
		}
		if local := sess.LocalDescription(); local != nil {
			offer = *local
		}
		n.reg.metrics.Inc(metrics.RenegotiationOffered)
		n.reg.bus.Publish(RenegotiationNeeded{ParticipantID: p.id, RoomID: room.id, Offer: offer})
	}
}

func (n *Negotiator) handlers(room *Room, p *Participant, b *binding) SessionHandlers {
	log := b.log
	return SessionHandlers{
		OnICECandidate: func(c *webrtc.ICECandidate) {
			if c != nil {
				log.Debug("local ice candidate", "candidate", c.String())
			}
		},
		OnSignalingStateChange: func(state webrtc.SignalingState) {
			log.Debug("signaling state changed", "state", state.String())
		},
		OnConnectionStateChange: func(state webrtc.PeerConnectionState) {
			if !p.isCurrent(b) {
				return
			}
			log.Info("connection state changed", "state", state.String())
			switch state {
			case webrtc.PeerConnectionStateConnected:
				n.keyframes.onConnected(room, p, b)
				n.renegotiate(room, p)
			case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
				p.releaseSession(b, "connection "+state.String())
			}
		},
		OnRTP: func(kind webrtc.RTPCodecType, pkt *rtp.Packet) {
			if !p.isCurrent(b) {
				return
			}
			n.relay.forward(room, p, kind, pkt)
		},
		OnRTCP: func(kind webrtc.RTPCodecType, pkts []rtcp.Packet) {
			if !p.isCurrent(b) {
				return
			}
			n.keyframes.OnReceiveReport(room.id, p.id, kind, pkts)
		},
		OnTimeout: func(kind webrtc.RTPCodecType) {
			n.reg.metrics.Inc(metrics.MediaTimeout)
			log.Warn("inbound media timed out", "kind", kind.String())
		},
	}
}

func (n *Negotiator) countFailure(err error) {
	if errors.Is(err, ErrMalformedOffer) {
		n.reg.metrics.Inc(metrics.MalformedOffer)
		return
	}
	n.reg.metrics.Inc(metrics.NegotiationFailed)
}

func (n *Negotiator) discard(sess PeerSession, reason string) {
	sess.Detach()
	if err := sess.Close(reason); err != nil {
		n.reg.metrics.Inc(metrics.SessionTeardownError)
		n.reg.log.Warn("session close failed", "reason", reason, "err", err)
	}
}
