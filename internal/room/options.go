package room

import (
	"log/slog"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/metrics"
)

const (
	DefaultMaxOccupancy         = 2
	DefaultKeyframeInterval     = 2 * time.Second
	DefaultKeyframeInitialDelay = 1 * time.Second
	DefaultGatherTimeout        = 2 * time.Second
)

// DefaultKeyframeRetryDelays are the offsets, measured from the moment a
// session connects, at which the initial keyframe request is repeated.
var DefaultKeyframeRetryDelays = []time.Duration{300 * time.Millisecond, 700 * time.Millisecond}

type Options struct {
	// MaxOccupancy caps the number of participants per room.
	MaxOccupancy int

	KeyframeInterval     time.Duration
	KeyframeInitialDelay time.Duration
	// KeyframeRetryDelays are applied after the immediate request on connect.
	// A nil slice selects DefaultKeyframeRetryDelays; an empty one disables
	// retries.
	KeyframeRetryDelays []time.Duration

	// GatherTimeout bounds how long CreateSession waits for ICE gathering
	// before answering with the candidates found so far.
	GatherTimeout time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

func (o Options) withDefaults() Options {
	if o.MaxOccupancy <= 0 {
		o.MaxOccupancy = DefaultMaxOccupancy
	}
	if o.KeyframeInterval <= 0 {
		o.KeyframeInterval = DefaultKeyframeInterval
	}
	if o.KeyframeInitialDelay <= 0 {
		o.KeyframeInitialDelay = DefaultKeyframeInitialDelay
	}
	if o.KeyframeRetryDelays == nil {
		o.KeyframeRetryDelays = DefaultKeyframeRetryDelays
	}
	if o.GatherTimeout <= 0 {
		o.GatherTimeout = DefaultGatherTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}
