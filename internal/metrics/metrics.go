package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Event names. They become the `event` label of the events counter.
const (
	RTPForwarded          = "rtp_forwarded"
	RTPForwardError       = "rtp_forward_error"
	KeyframeRequestSent   = "keyframe_request_sent"
	KeyframeRequestError  = "keyframe_request_error"
	KeyframeFeedback      = "keyframe_feedback_received"
	MediaTimeout          = "media_timeout"
	SessionCreated        = "session_created"
	SessionReleased       = "session_released"
	SessionTeardownError  = "session_teardown_error"
	NegotiationFailed     = "negotiation_failed"
	MalformedOffer        = "malformed_offer"
	RenegotiationOffered  = "renegotiation_offered"
	SignalingConnOpened   = "signaling_conn_opened"
	SignalingConnClosed   = "signaling_conn_closed"
	SignalingRateLimited  = "signaling_rate_limited"
	SignalingQueueDropped = "signaling_queue_dropped"
	SignalingBadMessage   = "signaling_bad_message"
)

const namespace = "aero_webrtc_room_relay"

// Metrics is a concurrency-safe counter registry backed by a private
// Prometheus registry. A nil *Metrics is valid and discards everything.
type Metrics struct {
	reg *prometheus.Registry

	events       *prometheus.CounterVec
	rooms        prometheus.Gauge
	participants prometheus.Gauge

	mu      sync.Mutex
	handles map[string]prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Internal event counters.",
		}, []string{"event"}),
		rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rooms",
			Help:      "Number of rooms currently registered.",
		}),
		participants: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "participants",
			Help:      "Number of participants across all rooms.",
		}),
		handles: make(map[string]prometheus.Counter),
	}
	m.reg.MustRegister(m.events, m.rooms, m.participants)
	return m
}

func (m *Metrics) counter(name string) prometheus.Counter {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.handles[name]
	if !ok {
		c = m.events.WithLabelValues(name)
		m.handles[name] = c
	}
	return c
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, n uint64) {
	if m == nil {
		return
	}
	m.counter(name).Add(float64(n))
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	var out dto.Metric
	if err := m.counter(name).Write(&out); err != nil {
		return 0
	}
	return uint64(out.GetCounter().GetValue())
}

// SetRoomGauges records the current room and participant totals.
func (m *Metrics) SetRoomGauges(rooms, participants int) {
	if m == nil {
		return
	}
	m.rooms.Set(float64(rooms))
	m.participants.Set(float64(participants))
}

// Registry exposes the underlying registry so callers can add collectors
// (e.g. Go runtime stats) before serving.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}
