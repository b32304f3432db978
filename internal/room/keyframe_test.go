package room

import (
	"testing"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

func sendVideo(s *fakeSession, ssrc uint32) {
	s.deliverRTP(webrtc.RTPCodecTypeVideo, &rtp.Packet{Header: rtp.Header{SSRC: ssrc}, Payload: []byte{0}})
}

func TestKeyframes_ReportTargetsOtherParticipant(t *testing.T) {
	e, f := newTestEngine(t, Options{})
	room := e.Registry.AddRoom()
	a := connect(t, e, f, room.ID(), "a")
	b := connect(t, e, f, room.ID(), "b")
	const ssrcA = 0x5A5A
	sendVideo(a, ssrcA)

	before := len(a.pliSSRCs())
	b.deliverRTCP(webrtc.RTPCodecTypeVideo, []rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: 99}})

	got := a.pliSSRCs()[before:]
	if len(got) != 1 || got[0] != ssrcA {
		t.Fatalf("PLIs on a=%v, want [%#x]", got, ssrcA)
	}
	if n := len(b.pliSSRCs()); n != 0 {
		t.Fatalf("PLIs on b=%d, want 0", n)
	}
}

func TestKeyframes_FIRAlsoTriggersRequest(t *testing.T) {
	e, f := newTestEngine(t, Options{})
	room := e.Registry.AddRoom()
	a := connect(t, e, f, room.ID(), "a")
	b := connect(t, e, f, room.ID(), "b")
	sendVideo(a, 42)

	before := len(a.pliSSRCs())
	b.deliverRTCP(webrtc.RTPCodecTypeVideo, []rtcp.Packet{&rtcp.FullIntraRequest{MediaSSRC: 1}})
	if got := len(a.pliSSRCs()) - before; got != 1 {
		t.Fatalf("PLIs after FIR=%d, want 1", got)
	}

	// Receiver reports and audio-path feedback do not trigger requests.
	b.deliverRTCP(webrtc.RTPCodecTypeVideo, []rtcp.Packet{&rtcp.ReceiverReport{SSRC: 1}})
	b.deliverRTCP(webrtc.RTPCodecTypeAudio, []rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: 1}})
	if got := len(a.pliSSRCs()) - before; got != 1 {
		t.Fatalf("PLIs after unrelated feedback=%d, want 1", got)
	}
}

func TestKeyframes_RequestFromWithoutVideoIsNoop(t *testing.T) {
	e, f := newTestEngine(t, Options{})
	room := e.Registry.AddRoom()
	a := connect(t, e, f, room.ID(), "a")

	if e.Keyframes.RequestFrom("a") {
		t.Fatalf("RequestFrom sent a PLI before any video")
	}
	if e.Keyframes.RequestFrom("nobody") {
		t.Fatalf("RequestFrom sent a PLI for an unknown participant")
	}
	sendVideo(a, 7)
	if !e.Keyframes.RequestFrom("a") {
		t.Fatalf("RequestFrom did not send a PLI")
	}
	if got := a.pliSSRCs(); len(got) != 1 || got[0] != 7 {
		t.Fatalf("PLIs=%v, want [7]", got)
	}
}

func TestKeyframes_BurstOnConnect(t *testing.T) {
	retries := []time.Duration{30 * time.Millisecond, 70 * time.Millisecond}
	e, f := newTestEngine(t, Options{KeyframeRetryDelays: retries})
	room := e.Registry.AddRoom()

	bob := connect(t, e, f, room.ID(), "bob")
	sendVideo(bob, 0xB0B)

	e.Registry.JoinRoom(room.ID(), "alice")
	alice := negotiate(t, e, f, room.ID(), "alice")
	before := len(bob.sentRTCP())
	start := time.Now()
	alice.setState(webrtc.PeerConnectionStateConnected)

	waitFor(t, time.Second, "three PLI batches", func() bool { return len(bob.sentRTCP())-before >= 3 })
	time.Sleep(50 * time.Millisecond)

	batches := bob.sentRTCP()[before:]
	if len(batches) != 3 {
		t.Fatalf("PLI batches=%d, want 3", len(batches))
	}
	if d := batches[0].at.Sub(start); d > 20*time.Millisecond {
		t.Fatalf("first batch after %v, want immediate", d)
	}
	for i, want := range retries {
		if d := batches[i+1].at.Sub(start); d < want {
			t.Fatalf("batch %d after %v, want >= %v", i+1, d, want)
		}
	}
	for _, ssrc := range bob.pliSSRCs() {
		if ssrc != 0xB0B {
			t.Fatalf("PLI ssrc=%#x, want %#x", ssrc, 0xB0B)
		}
	}
	if n := len(alice.pliSSRCs()); n != 0 {
		t.Fatalf("PLIs on alice=%d, want 0", n)
	}
}

func TestKeyframes_BurstWithoutSyncSourceIsNoop(t *testing.T) {
	e, f := newTestEngine(t, Options{KeyframeRetryDelays: []time.Duration{5 * time.Millisecond}})
	room := e.Registry.AddRoom()
	bob := connect(t, e, f, room.ID(), "bob")
	connect(t, e, f, room.ID(), "alice")

	time.Sleep(30 * time.Millisecond)
	if n := len(bob.sentRTCP()); n != 0 {
		t.Fatalf("PLIs to bob without ssrc=%d, want 0", n)
	}
}

func TestKeyframes_RetriesCancelledOnLeave(t *testing.T) {
	e, f := newTestEngine(t, Options{KeyframeRetryDelays: []time.Duration{40 * time.Millisecond}})
	room := e.Registry.AddRoom()
	bob := connect(t, e, f, room.ID(), "bob")
	sendVideo(bob, 3)

	e.Registry.JoinRoom(room.ID(), "alice")
	alice := negotiate(t, e, f, room.ID(), "alice")
	alice.setState(webrtc.PeerConnectionStateConnected)
	immediate := len(bob.sentRTCP())

	e.Registry.LeaveRoom("alice")
	time.Sleep(80 * time.Millisecond)
	if got := len(bob.sentRTCP()); got != immediate {
		t.Fatalf("PLI batches=%d after alice left, want %d", got, immediate)
	}
}

func TestKeyframes_PeriodicTimer(t *testing.T) {
	e, f := newTestEngine(t, Options{
		KeyframeInitialDelay: 10 * time.Millisecond,
		KeyframeInterval:     10 * time.Millisecond,
	})
	room := e.Registry.AddRoom()
	a := connect(t, e, f, room.ID(), "a")
	sendVideo(a, 11)

	waitFor(t, time.Second, "periodic PLIs", func() bool { return len(a.pliSSRCs()) >= 3 })

	e.Registry.LeaveRoom("a")
	time.Sleep(15 * time.Millisecond)
	stopped := len(a.sentRTCP())
	time.Sleep(50 * time.Millisecond)
	if got := len(a.sentRTCP()); got != stopped {
		t.Fatalf("PLIs after teardown grew from %d to %d", stopped, got)
	}
}

func TestKeyframes_PeriodicTimerSkipsDisconnected(t *testing.T) {
	e, f := newTestEngine(t, Options{
		KeyframeInitialDelay: 5 * time.Millisecond,
		KeyframeInterval:     5 * time.Millisecond,
	})
	room := e.Registry.AddRoom()
	e.Registry.JoinRoom(room.ID(), "a")
	a := negotiate(t, e, f, room.ID(), "a")
	a.setState(webrtc.PeerConnectionStateConnected)
	sendVideo(a, 11)
	a.setState(webrtc.PeerConnectionStateDisconnected)
	time.Sleep(10 * time.Millisecond)
	a.mu.Lock()
	a.rtcp = nil
	a.mu.Unlock()

	time.Sleep(40 * time.Millisecond)
	if n := len(a.sentRTCP()); n != 0 {
		t.Fatalf("PLIs while disconnected=%d, want 0", n)
	}
}
