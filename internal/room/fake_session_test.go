package room

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

var errSessionClosed = errors.New("fake session closed")

type sentRTCP struct {
	at   time.Time
	pkts []rtcp.Packet
}

type fakeSession struct {
	mu sync.Mutex

	state    webrtc.PeerConnectionState
	sigState webrtc.SignalingState
	handlers *SessionHandlers

	tracks map[webrtc.RTPCodecType]webrtc.RTPCodecCapability
	remote *webrtc.SessionDescription
	local  *webrtc.SessionDescription
	gather chan struct{}

	remoteErr error

	rtp  map[webrtc.RTPCodecType][]*rtp.Packet
	rtcp []sentRTCP

	detached    int
	closed      int
	closeReason string
	offers      int
}

func newFakeSession() *fakeSession {
	gather := make(chan struct{})
	close(gather)
	return &fakeSession{
		state:    webrtc.PeerConnectionStateNew,
		sigState: webrtc.SignalingStateStable,
		tracks:   make(map[webrtc.RTPCodecType]webrtc.RTPCodecCapability),
		gather:   gather,
		rtp:      make(map[webrtc.RTPCodecType][]*rtp.Packet),
	}
}

func (s *fakeSession) AddTrack(kind webrtc.RTPCodecType, codec webrtc.RTPCodecCapability) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracks[kind] = codec
	return nil
}

func (s *fakeSession) SetRemoteDescription(desc webrtc.SessionDescription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.remoteErr != nil {
		return s.remoteErr
	}
	s.remote = &desc
	if desc.Type == webrtc.SDPTypeOffer {
		s.sigState = webrtc.SignalingStateHaveRemoteOffer
	} else {
		s.sigState = webrtc.SignalingStateStable
	}
	return nil
}

func (s *fakeSession) CreateAnswer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "fake-answer"}, nil
}

func (s *fakeSession) CreateOffer() (webrtc.SessionDescription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "fake-offer"}, nil
}

func (s *fakeSession) SetLocalDescription(desc webrtc.SessionDescription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.local = &desc
	if desc.Type == webrtc.SDPTypeOffer {
		s.sigState = webrtc.SignalingStateHaveLocalOffer
	} else {
		s.sigState = webrtc.SignalingStateStable
	}
	return nil
}

func (s *fakeSession) LocalDescription() *webrtc.SessionDescription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local
}

func (s *fakeSession) GatheringComplete() <-chan struct{} { return s.gather }

func (s *fakeSession) AddICECandidate(webrtc.ICECandidateInit) error { return nil }

func (s *fakeSession) ConnectionState() webrtc.PeerConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *fakeSession) SignalingState() webrtc.SignalingState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sigState
}

func (s *fakeSession) WriteRTP(kind webrtc.RTPCodecType, pkt *rtp.Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed > 0 {
		return errSessionClosed
	}
	s.rtp[kind] = append(s.rtp[kind], pkt.Clone())
	return nil
}

func (s *fakeSession) WriteRTCP(pkts []rtcp.Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed > 0 {
		return errSessionClosed
	}
	s.rtcp = append(s.rtcp, sentRTCP{at: time.Now(), pkts: pkts})
	return nil
}

func (s *fakeSession) Bind(h SessionHandlers) {
	s.mu.Lock()
	s.handlers = &h
	state := s.state
	s.mu.Unlock()
	if state != webrtc.PeerConnectionStateNew && h.OnConnectionStateChange != nil {
		h.OnConnectionStateChange(state)
	}
}

func (s *fakeSession) Detach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = nil
	s.detached++
}

func (s *fakeSession) Close(reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	s.closeReason = reason
	s.state = webrtc.PeerConnectionStateClosed
	return nil
}

func (s *fakeSession) current() *SessionHandlers {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handlers
}

// setState changes the connection state and notifies the bound handlers.
func (s *fakeSession) setState(state webrtc.PeerConnectionState) {
	s.mu.Lock()
	s.state = state
	h := s.handlers
	s.mu.Unlock()
	if h != nil && h.OnConnectionStateChange != nil {
		h.OnConnectionStateChange(state)
	}
}

func (s *fakeSession) deliverRTP(kind webrtc.RTPCodecType, pkt *rtp.Packet) {
	if h := s.current(); h != nil && h.OnRTP != nil {
		h.OnRTP(kind, pkt)
	}
}

func (s *fakeSession) deliverRTCP(kind webrtc.RTPCodecType, pkts []rtcp.Packet) {
	if h := s.current(); h != nil && h.OnRTCP != nil {
		h.OnRTCP(kind, pkts)
	}
}

func (s *fakeSession) received(kind webrtc.RTPCodecType) []*rtp.Packet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*rtp.Packet(nil), s.rtp[kind]...)
}

func (s *fakeSession) sentRTCP() []sentRTCP {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentRTCP(nil), s.rtcp...)
}

func (s *fakeSession) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSession) detachCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.detached
}

// pliSSRCs returns the MediaSSRC of every PLI written to the session.
func (s *fakeSession) pliSSRCs() []uint32 {
	var out []uint32
	for _, batch := range s.sentRTCP() {
		for _, pkt := range batch.pkts {
			if pli, ok := pkt.(*rtcp.PictureLossIndication); ok {
				out = append(out, pli.MediaSSRC)
			}
		}
	}
	return out
}

type fakeFactory struct {
	mu       sync.Mutex
	sessions []*fakeSession
	next     func(*fakeSession)
}

func (f *fakeFactory) New(context.Context) (PeerSession, error) {
	s := newFakeSession()
	f.mu.Lock()
	if f.next != nil {
		f.next(s)
		f.next = nil
	}
	f.sessions = append(f.sessions, s)
	f.mu.Unlock()
	return s, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions)
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func recordEvents(t *testing.T, bus *Bus) *eventLog {
	t.Helper()
	l := &eventLog{}
	unsubscribe := bus.Subscribe(func(ev Event) {
		l.mu.Lock()
		l.events = append(l.events, ev)
		l.mu.Unlock()
	})
	t.Cleanup(unsubscribe)
	return l
}

func (l *eventLog) all() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

func (l *eventLog) reset() {
	l.mu.Lock()
	l.events = nil
	l.mu.Unlock()
}

func (l *eventLog) participantLeft(id string) int {
	n := 0
	for _, ev := range l.all() {
		if left, ok := ev.(ParticipantLeft); ok && left.ParticipantID == id {
			n++
		}
	}
	return n
}

func newTestEngine(t *testing.T, opts Options) (*Engine, *fakeFactory) {
	t.Helper()
	if opts.KeyframeInitialDelay == 0 {
		opts.KeyframeInitialDelay = time.Hour
	}
	if opts.KeyframeInterval == 0 {
		opts.KeyframeInterval = time.Hour
	}
	if opts.KeyframeRetryDelays == nil {
		opts.KeyframeRetryDelays = []time.Duration{}
	}
	f := &fakeFactory{}
	e := NewEngine(opts, f.New)
	t.Cleanup(e.Registry.Close)
	return e, f
}

// connect joins the participant, negotiates a fake session for it and marks
// the session connected.
func connect(t *testing.T, e *Engine, f *fakeFactory, roomID, participantID string) *fakeSession {
	t.Helper()
	if !e.Registry.JoinRoom(roomID, participantID) {
		t.Fatalf("JoinRoom(%s, %s) rejected", roomID, participantID)
	}
	sess := negotiate(t, e, f, roomID, participantID)
	sess.setState(webrtc.PeerConnectionStateConnected)
	return sess
}

func negotiate(t *testing.T, e *Engine, f *fakeFactory, roomID, participantID string) *fakeSession {
	t.Helper()
	before := f.count()
	answer, err := e.Negotiator.CreateSession(context.Background(), roomID, participantID, testOffer())
	if err != nil {
		t.Fatalf("CreateSession(%s): %v", participantID, err)
	}
	if answer.Type != webrtc.SDPTypeAnswer || answer.SDP == "" {
		t.Fatalf("answer=%+v, want non-empty answer", answer)
	}
	if f.count() != before+1 {
		t.Fatalf("sessions=%d, want %d", f.count(), before+1)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[len(f.sessions)-1]
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func testOffer() webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP(true, true)}
}

func offerSDP(audio, video bool) string {
	lines := []string{
		"v=0",
		"o=- 4215775240449105457 2 IN IP4 127.0.0.1",
		"s=-",
		"t=0 0",
	}
	if audio {
		lines = append(lines,
			"m=audio 9 UDP/TLS/RTP/SAVPF 111 0",
			"c=IN IP4 0.0.0.0",
			"a=mid:0",
			"a=sendrecv",
			"a=rtpmap:111 opus/48000/2",
			"a=fmtp:111 minptime=10;useinbandfec=1",
			"a=rtpmap:0 PCMU/8000",
		)
	}
	if video {
		lines = append(lines,
			"m=video 9 UDP/TLS/RTP/SAVPF 96 102",
			"c=IN IP4 0.0.0.0",
			"a=mid:1",
			"a=sendrecv",
			"a=rtpmap:96 VP8/90000",
			"a=rtpmap:102 H264/90000",
			"a=fmtp:102 level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
		)
	}
	return strings.Join(lines, "\r\n") + "\r\n"
}
