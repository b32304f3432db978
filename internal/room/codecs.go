package room

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
)

// Codec is one entry of the fixed codec set offered to every participant.
type Codec struct {
	Kind       webrtc.RTPCodecType
	Parameters webrtc.RTPCodecParameters
}

var videoFeedback = []webrtc.RTCPFeedback{
	{Type: webrtc.TypeRTCPFBGoogREMB},
	{Type: webrtc.TypeRTCPFBCCM, Parameter: "fir"},
	{Type: webrtc.TypeRTCPFBNACK},
	{Type: webrtc.TypeRTCPFBNACK, Parameter: "pli"},
}

// Codecs lists the supported codecs in preference order within each kind.
// Every session registers exactly this set so payload types line up across
// participants and RTP can be relayed without rewriting.
var Codecs = []Codec{
	{
		Kind: webrtc.RTPCodecTypeAudio,
		Parameters: webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:    webrtc.MimeTypeOpus,
				ClockRate:   48000,
				Channels:    2,
				SDPFmtpLine: "minptime=10;useinbandfec=1",
			},
			PayloadType: 111,
		},
	},
	{
		Kind: webrtc.RTPCodecTypeAudio,
		Parameters: webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:  webrtc.MimeTypePCMU,
				ClockRate: 8000,
				Channels:  1,
			},
			PayloadType: 0,
		},
	},
	{
		Kind: webrtc.RTPCodecTypeVideo,
		Parameters: webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:     webrtc.MimeTypeH264,
				ClockRate:    90000,
				SDPFmtpLine:  "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
				RTCPFeedback: videoFeedback,
			},
			PayloadType: 102,
		},
	},
	{
		Kind: webrtc.RTPCodecTypeVideo,
		Parameters: webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:     webrtc.MimeTypeVP8,
				ClockRate:    90000,
				RTCPFeedback: videoFeedback,
			},
			PayloadType: 96,
		},
	},
}

// trackPlan is the codec chosen for each media kind present in an offer.
type trackPlan map[webrtc.RTPCodecType]webrtc.RTPCodecCapability

// planTracks parses an offer and picks, for every media kind it carries, the
// most preferred codec from Codecs that the offer also lists.
//
// Parse failures wrap ErrMalformedOffer. An offer whose media sections share
// no codec with Codecs wraps ErrNegotiationFailed.
func planTracks(offerSDP string) (trackPlan, error) {
	if strings.TrimSpace(offerSDP) == "" {
		return nil, fmt.Errorf("%w: empty sdp", ErrMalformedOffer)
	}
	var parsed sdp.SessionDescription
	if err := parsed.UnmarshalString(offerSDP); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedOffer, err)
	}

	offered := make(map[webrtc.RTPCodecType]map[string]string)
	for _, md := range parsed.MediaDescriptions {
		kind := webrtc.NewRTPCodecType(md.MediaName.Media)
		if kind == 0 {
			continue
		}
		if md.MediaName.Port.Value == 0 {
			// Rejected or stopped section.
			continue
		}
		names := offered[kind]
		if names == nil {
			names = make(map[string]string)
			offered[kind] = names
		}
		for _, format := range md.MediaName.Formats {
			pt, err := strconv.ParseUint(format, 10, 8)
			if err != nil {
				continue
			}
			codec, err := parsed.GetCodecForPayloadType(uint8(pt))
			if err != nil {
				continue
			}
			name := strings.ToLower(codec.Name)
			if _, seen := names[name]; !seen {
				names[name] = codec.Fmtp
			}
		}
	}
	if len(offered) == 0 {
		return nil, fmt.Errorf("%w: offer has no audio or video section", ErrMalformedOffer)
	}

	plan := make(trackPlan)
	for _, c := range Codecs {
		if _, done := plan[c.Kind]; done {
			continue
		}
		names := offered[c.Kind]
		if names == nil {
			continue
		}
		fmtp, ok := names[codecName(c.Parameters.MimeType)]
		if !ok || !fmtpCompatible(c.Parameters.RTPCodecCapability, fmtp) {
			continue
		}
		plan[c.Kind] = c.Parameters.RTPCodecCapability
	}
	for kind := range offered {
		if _, ok := plan[kind]; !ok {
			return nil, fmt.Errorf("%w: no supported %s codec offered", ErrNegotiationFailed, kind)
		}
	}
	return plan, nil
}

func codecName(mimeType string) string {
	_, name, ok := strings.Cut(mimeType, "/")
	if !ok {
		name = mimeType
	}
	return strings.ToLower(name)
}

// fmtpCompatible only constrains H264, whose packetization mode must match
// for the stream to be relayed as-is.
func fmtpCompatible(capability webrtc.RTPCodecCapability, offeredFmtp string) bool {
	if !strings.EqualFold(capability.MimeType, webrtc.MimeTypeH264) {
		return true
	}
	return fmtpValue(offeredFmtp, "packetization-mode") == "1"
}

func fmtpValue(fmtp, key string) string {
	for _, part := range strings.Split(fmtp, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if ok && strings.EqualFold(k, key) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
