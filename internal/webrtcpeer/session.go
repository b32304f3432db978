package webrtcpeer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/room"
)

const streamID = "aero-room-relay"

type SessionConfig struct {
	ICEServers []webrtc.ICEServer
	// MediaTimeout is how long an inbound track may go without packets before
	// OnTimeout fires. Zero disables the check.
	MediaTimeout time.Duration
	Logger       *slog.Logger
}

// Session owns one server-side PeerConnection for a participant. Inbound
// tracks are read until the connection closes; outbound media goes through
// one static RTP track per media kind.
type Session struct {
	pc           *webrtc.PeerConnection
	mediaTimeout time.Duration
	log          *slog.Logger

	handlers atomic.Pointer[room.SessionHandlers]

	stateMu   sync.Mutex
	lastState webrtc.PeerConnectionState

	mu     sync.Mutex
	tracks map[webrtc.RTPCodecType]*webrtc.TrackLocalStaticRTP

	close    sync.Once
	closeErr error
}

var _ room.PeerSession = (*Session)(nil)

// NewSessionFactory adapts NewSession to the engine's constructor type.
func NewSessionFactory(api *webrtc.API, cfg SessionConfig) room.SessionFactory {
	return func(ctx context.Context) (room.PeerSession, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s, err := NewSession(api, cfg)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

func NewSession(api *webrtc.API, cfg SessionConfig) (*Session, error) {
	if api == nil {
		var err error
		api, err = newAPI(webrtc.SettingEngine{})
		if err != nil {
			return nil, err
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.ICEServers})
	if err != nil {
		return nil, err
	}
	s := &Session{
		pc:           pc,
		mediaTimeout: cfg.MediaTimeout,
		log:          logger,
		lastState:    webrtc.PeerConnectionStateNew,
		tracks:       make(map[webrtc.RTPCodecType]*webrtc.TrackLocalStaticRTP),
	}

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		go s.readRTP(remote)
	})
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if h := s.handlers.Load(); h != nil && h.OnICECandidate != nil {
			h.OnICECandidate(c)
		}
	})
	pc.OnSignalingStateChange(func(state webrtc.SignalingState) {
		if h := s.handlers.Load(); h != nil && h.OnSignalingStateChange != nil {
			h.OnSignalingStateChange(state)
		}
	})
	pc.OnConnectionStateChange(s.deliverState)

	return s, nil
}

func (s *Session) PeerConnection() *webrtc.PeerConnection {
	return s.pc
}

func (s *Session) AddTrack(kind webrtc.RTPCodecType, codec webrtc.RTPCodecCapability) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tracks[kind]; ok {
		return fmt.Errorf("%s track already added", kind)
	}
	track, err := webrtc.NewTrackLocalStaticRTP(codec, kind.String(), streamID)
	if err != nil {
		return err
	}
	sender, err := s.pc.AddTrack(track)
	if err != nil {
		return err
	}
	// Inbound and outbound media of a kind must share one codec: the answer
	// lists only the codec the outbound track carries.
	if err := s.pinCodec(sender, codec); err != nil {
		_ = s.pc.RemoveTrack(sender)
		return err
	}
	s.tracks[kind] = track
	go s.readRTCP(kind, sender)
	return nil
}

func (s *Session) pinCodec(sender *webrtc.RTPSender, codec webrtc.RTPCodecCapability) error {
	for _, tr := range s.pc.GetTransceivers() {
		if tr.Sender() != sender {
			continue
		}
		// PayloadType stays zero so the answer reuses the offer's number.
		if err := tr.SetCodecPreferences([]webrtc.RTPCodecParameters{{RTPCodecCapability: codec}}); err != nil {
			return fmt.Errorf("set %s codec preferences: %w", codec.MimeType, err)
		}
		return nil
	}
	return fmt.Errorf("no transceiver for %s track", codec.MimeType)
}

func (s *Session) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return s.pc.SetRemoteDescription(desc)
}

func (s *Session) CreateAnswer() (webrtc.SessionDescription, error) {
	return s.pc.CreateAnswer(nil)
}

func (s *Session) CreateOffer() (webrtc.SessionDescription, error) {
	return s.pc.CreateOffer(nil)
}

func (s *Session) SetLocalDescription(desc webrtc.SessionDescription) error {
	return s.pc.SetLocalDescription(desc)
}

func (s *Session) LocalDescription() *webrtc.SessionDescription {
	return s.pc.LocalDescription()
}

func (s *Session) GatheringComplete() <-chan struct{} {
	return webrtc.GatheringCompletePromise(s.pc)
}

func (s *Session) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return s.pc.AddICECandidate(candidate)
}

func (s *Session) ConnectionState() webrtc.PeerConnectionState {
	return s.pc.ConnectionState()
}

func (s *Session) SignalingState() webrtc.SignalingState {
	return s.pc.SignalingState()
}

func (s *Session) WriteRTP(kind webrtc.RTPCodecType, pkt *rtp.Packet) error {
	s.mu.Lock()
	track := s.tracks[kind]
	s.mu.Unlock()
	if track == nil {
		return fmt.Errorf("no outbound %s track", kind)
	}
	return track.WriteRTP(pkt)
}

func (s *Session) WriteRTCP(pkts []rtcp.Packet) error {
	return s.pc.WriteRTCP(pkts)
}

func (s *Session) Bind(h room.SessionHandlers) {
	s.stateMu.Lock()
	s.handlers.Store(&h)
	s.lastState = webrtc.PeerConnectionStateNew
	s.stateMu.Unlock()

	s.deliverState(s.pc.ConnectionState())
}

func (s *Session) Detach() {
	s.stateMu.Lock()
	s.handlers.Store(nil)
	s.stateMu.Unlock()
}

func (s *Session) Close(reason string) error {
	s.close.Do(func() {
		s.Detach()
		s.log.Debug("closing peer connection", "reason", reason)
		s.closeErr = s.pc.Close()
	})
	return s.closeErr
}

// deliverState forwards each distinct state once per binding. Bind replays
// the current state, which may race with pion's own callback.
func (s *Session) deliverState(state webrtc.PeerConnectionState) {
	s.stateMu.Lock()
	h := s.handlers.Load()
	if h == nil || state == s.lastState {
		s.stateMu.Unlock()
		return
	}
	s.lastState = state
	s.stateMu.Unlock()

	if h.OnConnectionStateChange != nil {
		h.OnConnectionStateChange(state)
	}
}

func (s *Session) readRTP(remote *webrtc.TrackRemote) {
	kind := remote.Kind()
	for {
		if s.mediaTimeout > 0 {
			_ = remote.SetReadDeadline(time.Now().Add(s.mediaTimeout))
		}
		pkt, _, err := remote.ReadRTP()
		if err != nil {
			if isTimeout(err) {
				if h := s.handlers.Load(); h != nil && h.OnTimeout != nil {
					h.OnTimeout(kind)
				}
				continue
			}
			if !errors.Is(err, net.ErrClosed) {
				s.log.Debug("inbound track ended", "kind", kind.String(), "ssrc", uint32(remote.SSRC()), "err", err)
			}
			return
		}
		if h := s.handlers.Load(); h != nil && h.OnRTP != nil {
			h.OnRTP(kind, pkt)
		}
	}
}

func (s *Session) readRTCP(kind webrtc.RTPCodecType, sender *webrtc.RTPSender) {
	for {
		pkts, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		if h := s.handlers.Load(); h != nil && h.OnRTCP != nil {
			h.OnRTCP(kind, pkts)
		}
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
