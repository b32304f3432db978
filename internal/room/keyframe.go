package room

import (
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/metrics"
)

// KeyframeCoordinator turns connection events and inbound RTCP feedback into
// Picture Loss Indications aimed at the participants whose encoders must
// produce a keyframe.
type KeyframeCoordinator struct {
	reg *Registry
}

func NewKeyframeCoordinator(reg *Registry) *KeyframeCoordinator {
	return &KeyframeCoordinator{reg: reg}
}

// RequestFrom sends one PLI on the participant's own session, targeting its
// inbound video SSRC. It reports whether a PLI was sent; participants that
// have not sent video yet are skipped.
func (k *KeyframeCoordinator) RequestFrom(participantID string) bool {
	for _, room := range k.reg.roomsInOrder() {
		p := room.find(participantID)
		if p == nil || p.SyncSource() == 0 || p.connectedSession() == nil {
			continue
		}
		return k.reg.sendPLI(room, p)
	}
	return false
}

// OnReceiveReport handles RTCP received from participantID. A PLI or FIR on
// the video path means that participant is missing a keyframe, so every other
// participant of the room is asked for one.
func (k *KeyframeCoordinator) OnReceiveReport(roomID, participantID string, kind webrtc.RTPCodecType, pkts []rtcp.Packet) {
	if kind != webrtc.RTPCodecTypeVideo || !hasKeyframeRequest(pkts) {
		return
	}
	k.reg.metrics.Inc(metrics.KeyframeFeedback)

	room := k.reg.Room(roomID)
	if room == nil {
		return
	}
	for _, p := range room.Participants() {
		if p.id == participantID {
			continue
		}
		k.RequestFrom(p.id)
	}
}

// onConnected requests keyframes for a freshly connected participant right
// away and again after each configured retry delay.
func (k *KeyframeCoordinator) onConnected(room *Room, p *Participant, b *binding) {
	k.reg.RequestKeyframes(room.id, p.id)
	for _, d := range k.reg.opts.KeyframeRetryDelays {
		b.after(d, func() {
			k.reg.RequestKeyframes(room.id, p.id)
		})
	}
}

// startTimer arms the periodic PLI for a newly attached binding.
func (k *KeyframeCoordinator) startTimer(room *Room, p *Participant, b *binding) {
	b.startTimer(k.reg.opts.KeyframeInitialDelay, k.reg.opts.KeyframeInterval, func() {
		if !p.isCurrent(b) {
			return
		}
		k.reg.sendPLI(room, p)
	})
}

func hasKeyframeRequest(pkts []rtcp.Packet) bool {
	for _, pkt := range pkts {
		switch pkt.(type) {
		case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
			return true
		}
	}
	return false
}

// sendPLI writes a PLI for p's inbound video SSRC on p's session. Failures
// are logged and counted, never returned.
func (r *Registry) sendPLI(room *Room, p *Participant) bool {
	ssrc := p.SyncSource()
	sess := p.connectedSession()
	if ssrc == 0 || sess == nil {
		return false
	}
	if err := sess.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: ssrc}}); err != nil {
		r.metrics.Inc(metrics.KeyframeRequestError)
		r.log.Debug("keyframe request failed", "room_id", room.id, "participant_id", p.id, "ssrc", ssrc, "err", err)
		return false
	}
	r.metrics.Inc(metrics.KeyframeRequestSent)
	return true
}
