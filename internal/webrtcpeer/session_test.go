package webrtcpeer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/sdp/v3"
	"github.com/pion/transport/v4/vnet"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/room"
)

var vp8 = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}

func newVNetPair(t *testing.T) (server, client *webrtc.API) {
	t.Helper()
	netServer, netClient := newVNetNets(t)
	return newVNetAPI(t, netServer), newVNetAPI(t, netClient)
}

func newVNetNets(t *testing.T) (server, client *vnet.Net) {
	t.Helper()

	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          "10.0.0.0/24",
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	t.Cleanup(func() { _ = router.Stop() })

	netServer, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{"10.0.0.1"}})
	if err != nil {
		t.Fatalf("new server net: %v", err)
	}
	netClient, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{"10.0.0.2"}})
	if err != nil {
		t.Fatalf("new client net: %v", err)
	}
	if err := router.AddNet(netServer); err != nil {
		t.Fatalf("add server net: %v", err)
	}
	if err := router.AddNet(netClient); err != nil {
		t.Fatalf("add client net: %v", err)
	}
	if err := router.Start(); err != nil {
		t.Fatalf("start router: %v", err)
	}

	return netServer, netClient
}

func newVNetAPI(t *testing.T, n *vnet.Net) *webrtc.API {
	t.Helper()
	se := webrtc.SettingEngine{}
	se.SetNet(n)
	api, err := newAPI(se)
	if err != nil {
		t.Fatalf("new api: %v", err)
	}
	return api
}

type recorder struct {
	mu       sync.Mutex
	states   []webrtc.PeerConnectionState
	rtp      []*rtp.Packet
	timeouts []webrtc.RTPCodecType
}

func (r *recorder) handlers() room.SessionHandlers {
	return room.SessionHandlers{
		OnConnectionStateChange: func(state webrtc.PeerConnectionState) {
			r.mu.Lock()
			r.states = append(r.states, state)
			r.mu.Unlock()
		},
		OnRTP: func(kind webrtc.RTPCodecType, pkt *rtp.Packet) {
			if kind != webrtc.RTPCodecTypeVideo {
				return
			}
			r.mu.Lock()
			r.rtp = append(r.rtp, pkt)
			r.mu.Unlock()
		},
		OnTimeout: func(kind webrtc.RTPCodecType) {
			r.mu.Lock()
			r.timeouts = append(r.timeouts, kind)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.states {
		if s == webrtc.PeerConnectionStateConnected {
			return true
		}
	}
	return false
}

func (r *recorder) rtpCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rtp)
}

func (r *recorder) timeoutCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.timeouts)
}

func waitUntil(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// negotiateClient drives a non-trickle offer/answer between a plain pion
// client and a Session, the same way the negotiator does.
func negotiateClient(t *testing.T, client *webrtc.PeerConnection, s *Session) {
	t.Helper()
	negotiateClientWith(t, client, s, webrtc.RTPCodecTypeVideo, vp8)
}

func negotiateClientWith(t *testing.T, client *webrtc.PeerConnection, s *Session, kind webrtc.RTPCodecType, codec webrtc.RTPCodecCapability) {
	t.Helper()

	offer, err := client.CreateOffer(nil)
	if err != nil {
		t.Fatalf("client create offer: %v", err)
	}
	clientGather := webrtc.GatheringCompletePromise(client)
	if err := client.SetLocalDescription(offer); err != nil {
		t.Fatalf("client set local: %v", err)
	}
	<-clientGather

	if err := s.AddTrack(kind, codec); err != nil {
		t.Fatalf("AddTrack: %v", err)
	}
	if err := s.SetRemoteDescription(*client.LocalDescription()); err != nil {
		t.Fatalf("SetRemoteDescription: %v", err)
	}
	answer, err := s.CreateAnswer()
	if err != nil {
		t.Fatalf("CreateAnswer: %v", err)
	}
	gather := s.GatheringComplete()
	if err := s.SetLocalDescription(answer); err != nil {
		t.Fatalf("SetLocalDescription: %v", err)
	}
	select {
	case <-gather:
	case <-time.After(5 * time.Second):
		t.Fatalf("server gathering did not complete")
	}
	if err := client.SetRemoteDescription(*s.LocalDescription()); err != nil {
		t.Fatalf("client set remote: %v", err)
	}
}

func TestSession_MediaRoundTripOverVNet(t *testing.T) {
	serverAPI, clientAPI := newVNetPair(t)

	s, err := NewSession(serverAPI, SessionConfig{MediaTimeout: 300 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	t.Cleanup(func() { _ = s.Close("test cleanup") })
	rec := &recorder{}
	s.Bind(rec.handlers())

	client, err := clientAPI.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("client pc: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	upstream, err := webrtc.NewTrackLocalStaticRTP(vp8, "video", "client")
	if err != nil {
		t.Fatalf("client track: %v", err)
	}
	clientSender, err := client.AddTrack(upstream)
	if err != nil {
		t.Fatalf("client AddTrack: %v", err)
	}

	plis := make(chan uint32, 16)
	go func() {
		for {
			pkts, _, err := clientSender.ReadRTCP()
			if err != nil {
				return
			}
			for _, p := range pkts {
				if pli, ok := p.(*rtcp.PictureLossIndication); ok {
					select {
					case plis <- pli.MediaSSRC:
					default:
					}
				}
			}
		}
	}()

	downstream := make(chan *rtp.Packet, 16)
	client.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		for {
			pkt, _, err := remote.ReadRTP()
			if err != nil {
				return
			}
			select {
			case downstream <- pkt:
			default:
			}
		}
	})

	negotiateClient(t, client, s)
	waitUntil(t, 10*time.Second, "server connected", rec.connected)

	// Client -> server.
	stop := make(chan struct{})
	sent := make(chan struct{})
	go func() {
		defer close(sent)
		seq := uint16(0)
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				seq++
				_ = upstream.WriteRTP(&rtp.Packet{
					Header:  rtp.Header{Version: 2, PayloadType: 96, SequenceNumber: seq, Timestamp: uint32(seq) * 3000},
					Payload: []byte{0x10, 0x02, 0x03},
				})
			}
		}
	}()
	waitUntil(t, 5*time.Second, "inbound rtp", func() bool { return rec.rtpCount() > 0 })

	// Server -> client.
	waitUntil(t, 5*time.Second, "outbound rtp", func() bool {
		_ = s.WriteRTP(webrtc.RTPCodecTypeVideo, &rtp.Packet{
			Header:  rtp.Header{Version: 2, PayloadType: 96, SequenceNumber: 7, Timestamp: 9000, SSRC: 1234},
			Payload: []byte{0x10, 0xaa},
		})
		select {
		case pkt := <-downstream:
			return len(pkt.Payload) == 2 && pkt.Payload[1] == 0xaa
		default:
			return false
		}
	})

	// Keyframe feedback reaches the client's sender.
	rec.mu.Lock()
	ssrc := rec.rtp[0].SSRC
	rec.mu.Unlock()
	waitUntil(t, 5*time.Second, "pli at client", func() bool {
		_ = s.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: ssrc}})
		select {
		case got := <-plis:
			return got == ssrc
		case <-time.After(50 * time.Millisecond):
			return false
		}
	})

	// Silence on the inbound track reports a timeout.
	close(stop)
	<-sent
	waitUntil(t, 5*time.Second, "media timeout", func() bool { return rec.timeoutCount() > 0 })
	rec.mu.Lock()
	kind := rec.timeouts[0]
	rec.mu.Unlock()
	if kind != webrtc.RTPCodecTypeVideo {
		t.Fatalf("timeout kind=%v, want video", kind)
	}

	if err := s.Close("done"); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close("again"); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if got := s.ConnectionState(); got != webrtc.PeerConnectionStateClosed {
		t.Fatalf("state=%v, want closed", got)
	}
}

func TestSession_BindReplaysCurrentState(t *testing.T) {
	serverAPI, clientAPI := newVNetPair(t)

	s, err := NewSession(serverAPI, SessionConfig{})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	t.Cleanup(func() { _ = s.Close("test cleanup") })
	first := &recorder{}
	s.Bind(first.handlers())

	client, err := clientAPI.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("client pc: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	if _, err := client.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo); err != nil {
		t.Fatalf("client transceiver: %v", err)
	}

	negotiateClient(t, client, s)
	waitUntil(t, 10*time.Second, "server connected", first.connected)

	s.Detach()
	late := &recorder{}
	s.Bind(late.handlers())
	if !late.connected() {
		t.Fatalf("late binding did not observe connected state")
	}
}

func TestSession_DetachStopsCallbacks(t *testing.T) {
	s, err := NewSession(nil, SessionConfig{})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	rec := &recorder{}
	s.Bind(rec.handlers())
	s.Detach()

	if err := s.Close("detached"); err != nil {
		t.Fatalf("Close: %v", err)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.states) != 0 {
		t.Fatalf("states=%v, want none after Detach", rec.states)
	}
}

func TestSession_WriteRTPWithoutTrack(t *testing.T) {
	s, err := NewSession(nil, SessionConfig{})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	t.Cleanup(func() { _ = s.Close("test cleanup") })

	if err := s.WriteRTP(webrtc.RTPCodecTypeAudio, &rtp.Packet{}); err == nil {
		t.Fatalf("expected error without an audio track")
	}
	if err := s.AddTrack(webrtc.RTPCodecTypeVideo, vp8); err != nil {
		t.Fatalf("AddTrack: %v", err)
	}
	if err := s.AddTrack(webrtc.RTPCodecTypeVideo, vp8); err == nil {
		t.Fatalf("expected error adding a second video track")
	}
}

func TestSessionFactory_HonoursContext(t *testing.T) {
	factory := NewSessionFactory(nil, SessionConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := factory(ctx); err == nil {
		t.Fatalf("expected error from cancelled context")
	}

	sess, err := factory(context.Background())
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	if err := sess.Close("test"); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func roomCodec(t *testing.T, mimeType string) webrtc.RTPCodecParameters {
	t.Helper()
	for _, c := range room.Codecs {
		if c.Parameters.MimeType == mimeType {
			return c.Parameters
		}
	}
	t.Fatalf("no room codec %s", mimeType)
	return webrtc.RTPCodecParameters{}
}

// Browsers list VP8 ahead of H264; the answer must still carry only the
// codec of the server's outbound video track.
func TestSession_AnswerPinsVideoCodecForVP8FirstClient(t *testing.T) {
	serverNet, clientNet := newVNetNets(t)
	serverAPI := newVNetAPI(t, serverNet)

	vp8Params := roomCodec(t, webrtc.MimeTypeVP8)
	h264Params := roomCodec(t, webrtc.MimeTypeH264)

	m := &webrtc.MediaEngine{}
	for _, c := range []webrtc.RTPCodecParameters{vp8Params, h264Params} {
		if err := m.RegisterCodec(c, webrtc.RTPCodecTypeVideo); err != nil {
			t.Fatalf("register %s: %v", c.MimeType, err)
		}
	}
	se := webrtc.SettingEngine{}
	se.SetNet(clientNet)
	clientAPI := webrtc.NewAPI(webrtc.WithSettingEngine(se), webrtc.WithMediaEngine(m))

	client, err := clientAPI.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("client pc: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	upstream, err := webrtc.NewTrackLocalStaticRTP(h264Params.RTPCodecCapability, "video", "client")
	if err != nil {
		t.Fatalf("client track: %v", err)
	}
	sender, err := client.AddTrack(upstream)
	if err != nil {
		t.Fatalf("client AddTrack: %v", err)
	}

	s, err := NewSession(serverAPI, SessionConfig{})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	t.Cleanup(func() { _ = s.Close("test cleanup") })

	negotiateClientWith(t, client, s, webrtc.RTPCodecTypeVideo, h264Params.RTPCodecCapability)

	var offer sdp.SessionDescription
	if err := offer.UnmarshalString(client.LocalDescription().SDP); err != nil {
		t.Fatalf("parse offer: %v", err)
	}
	if got := offer.MediaDescriptions[0].MediaName.Formats; len(got) < 2 || got[0] != "96" {
		t.Fatalf("offer video formats=%v, want VP8 (96) first", got)
	}

	var answer sdp.SessionDescription
	if err := answer.UnmarshalString(s.LocalDescription().SDP); err != nil {
		t.Fatalf("parse answer: %v", err)
	}
	var videoSections int
	for _, md := range answer.MediaDescriptions {
		if md.MediaName.Media != "video" {
			continue
		}
		videoSections++
		if got := md.MediaName.Formats; len(got) != 1 || got[0] != "102" {
			t.Fatalf("answer video formats=%v, want [102]", got)
		}
	}
	if videoSections != 1 {
		t.Fatalf("answer video sections=%d, want 1", videoSections)
	}

	codecs := sender.GetParameters().Codecs
	if len(codecs) == 0 || codecs[0].MimeType != webrtc.MimeTypeH264 {
		t.Fatalf("client upstream codecs=%v, want H264 first", codecs)
	}
}
