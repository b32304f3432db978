package room

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/metrics"
)

// Participant is one transport connection's membership in a room.
type Participant struct {
	id string

	// lastSSRC is the last synchronization source seen on the inbound video
	// stream. Zero until the first video packet arrives.
	lastSSRC atomic.Uint32

	// mu serializes binding replacement and release. Readers on the media
	// path use binding.Load without it.
	mu      sync.Mutex
	binding atomic.Pointer[binding]
}

func newParticipant(id string) *Participant {
	return &Participant{id: id}
}

func (p *Participant) ID() string { return p.id }

// SyncSource returns the last observed inbound video SSRC, or 0.
func (p *Participant) SyncSource() uint32 { return p.lastSSRC.Load() }

// Session returns the participant's current session, or nil.
func (p *Participant) Session() PeerSession {
	if b := p.binding.Load(); b != nil {
		return b.session
	}
	return nil
}

// connectedSession returns the session only while it reports "connected".
func (p *Participant) connectedSession() PeerSession {
	b := p.binding.Load()
	if b == nil || b.isReleased() {
		return nil
	}
	if b.session.ConnectionState() != webrtc.PeerConnectionStateConnected {
		return nil
	}
	return b.session
}

func (p *Participant) isCurrent(b *binding) bool {
	return p.binding.Load() == b && !b.isReleased()
}

// attach installs b as the participant's binding, releasing any previous one.
func (p *Participant) attach(b *binding) {
	p.mu.Lock()
	prev := p.binding.Swap(b)
	p.mu.Unlock()
	if prev != nil {
		prev.release("replaced by new session")
	}
}

// releaseSession tears down the current binding. When only is non-nil the
// binding is released only if it is still the current one.
func (p *Participant) releaseSession(only *binding, reason string) bool {
	p.mu.Lock()
	b := p.binding.Load()
	if b == nil || (only != nil && b != only) {
		p.mu.Unlock()
		return false
	}
	p.binding.Store(nil)
	p.mu.Unlock()
	b.release(reason)
	return true
}

// binding ties one PeerSession to its owning participant together with the
// scheduled work that targets it. It is released exactly once.
type binding struct {
	session PeerSession
	log     *slog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	released bool
	done     chan struct{}
	retries  []*time.Timer

	once sync.Once
}

func newBinding(session PeerSession, logger *slog.Logger, m *metrics.Metrics) *binding {
	return &binding{
		session: session,
		log:     logger,
		metrics: m,
		done:    make(chan struct{}),
	}
}

func (b *binding) isReleased() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.released
}

// startTimer runs tick after initial and then every interval until release.
func (b *binding) startTimer(initial, interval time.Duration, tick func()) {
	if interval <= 0 {
		return
	}
	go func() {
		t := time.NewTimer(initial)
		defer t.Stop()
		for {
			select {
			case <-b.done:
				return
			case <-t.C:
			}
			if b.isReleased() {
				return
			}
			tick()
			t.Reset(interval)
		}
	}()
}

// after schedules fn once. It is dropped if the binding is released first.
func (b *binding) after(d time.Duration, fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.released {
		return
	}
	b.retries = append(b.retries, time.AfterFunc(d, func() {
		if b.isReleased() {
			return
		}
		fn()
	}))
}

// release cancels scheduled work, detaches the handlers and closes the
// session. Close runs in the background and only its failure is reported.
func (b *binding) release(reason string) {
	b.once.Do(func() {
		b.mu.Lock()
		b.released = true
		close(b.done)
		for _, t := range b.retries {
			t.Stop()
		}
		b.retries = nil
		b.mu.Unlock()

		b.session.Detach()
		b.metrics.Inc(metrics.SessionReleased)

		go func() {
			if err := b.session.Close(reason); err != nil {
				b.metrics.Inc(metrics.SessionTeardownError)
				b.log.Warn("session close failed", "reason", reason, "err", err)
			}
		}()
	})
}
