package room

import (
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/metrics"
)

// Relay forwards inbound RTP to the other connected participants of a room.
type Relay struct {
	reg *Registry
}

func NewRelay(reg *Registry) *Relay {
	return &Relay{reg: reg}
}

// HandleRTP forwards pkt received from participantID to everyone else in the
// room. It returns the number of participants the packet was written to.
func (r *Relay) HandleRTP(roomID, participantID string, kind webrtc.RTPCodecType, pkt *rtp.Packet) int {
	room, from := r.reg.participant(roomID, participantID)
	if room == nil {
		return 0
	}
	return r.forward(room, from, kind, pkt)
}

func (r *Relay) forward(room *Room, from *Participant, kind webrtc.RTPCodecType, pkt *rtp.Packet) int {
	if kind == webrtc.RTPCodecTypeVideo {
		from.lastSSRC.Store(pkt.SSRC)
	}

	sent := 0
	for _, to := range room.Participants() {
		if to == from {
			continue
		}
		sess := to.connectedSession()
		if sess == nil {
			continue
		}
		if err := sess.WriteRTP(kind, pkt); err != nil {
			r.reg.metrics.Inc(metrics.RTPForwardError)
			r.reg.log.Debug("rtp forward failed",
				"room_id", room.id,
				"from", from.id,
				"to", to.id,
				"kind", kind.String(),
				"err", err,
			)
			continue
		}
		sent++
	}
	if sent > 0 {
		r.reg.metrics.Add(metrics.RTPForwarded, uint64(sent))
	}
	return sent
}
