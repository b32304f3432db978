package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/origin"
)

const (
	envVarConfigFile          = "AERO_WEBRTC_ROOM_RELAY_CONFIG"
	envVarListenAddr          = "AERO_WEBRTC_ROOM_RELAY_LISTEN_ADDR"
	envVarAllowedOrigins      = "ALLOWED_ORIGINS"
	envVarLogFormat           = "AERO_WEBRTC_ROOM_RELAY_LOG_FORMAT"
	envVarLogLevel            = "AERO_WEBRTC_ROOM_RELAY_LOG_LEVEL"
	envVarShutdownTimeout     = "AERO_WEBRTC_ROOM_RELAY_SHUTDOWN_TIMEOUT"
	envVarMode                = "AERO_WEBRTC_ROOM_RELAY_MODE"
	envVarICEGatheringTimeout = "AERO_WEBRTC_ROOM_RELAY_ICE_GATHERING_TIMEOUT"
	envVarMediaTimeout        = "AERO_WEBRTC_ROOM_RELAY_MEDIA_TIMEOUT"

	// Room engine knobs.
	envVarMaxOccupancy         = "ROOM_MAX_OCCUPANCY"
	envVarDefaultRooms         = "ROOM_DEFAULT_COUNT"
	envVarKeyframeInterval     = "KEYFRAME_INTERVAL"
	envVarKeyframeInitialDelay = "KEYFRAME_INITIAL_DELAY"
	envVarKeyframeRetryDelays  = "KEYFRAME_RETRY_DELAYS"

	// Signaling WebSocket hardening.
	envVarSignalingWSIdleTimeout        = "SIGNALING_WS_IDLE_TIMEOUT"
	envVarSignalingWSPingInterval       = "SIGNALING_WS_PING_INTERVAL"
	envVarMaxSignalingMessageBytes      = "MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxSignalingMessagesPerSecond = "MAX_SIGNALING_MESSAGES_PER_SECOND"
	envVarSignalingSendQueueLen         = "SIGNALING_SEND_QUEUE_LEN"

	envVarWebRTCUDPPortMin             = "WEBRTC_UDP_PORT_MIN"
	envVarWebRTCUDPPortMax             = "WEBRTC_UDP_PORT_MAX"
	envVarWebRTCNAT1To1IPs             = "WEBRTC_NAT_1TO1_IPS"
	envVarWebRTCNAT1To1IPCandidateType = "WEBRTC_NAT_1TO1_IP_CANDIDATE_TYPE"
	envVarWebRTCUDPListenIP            = "WEBRTC_UDP_LISTEN_IP"
)

const (
	DefaultListenAddr                  = "127.0.0.1:8080"
	DefaultShutdown                    = 15 * time.Second
	DefaultICEGatherTimeout            = 2 * time.Second
	DefaultMediaTimeout                = 30 * time.Second
	DefaultMode                   Mode = ModeDev
	DefaultWebRTCUDPListenIP           = "0.0.0.0"
	DefaultNAT1To1IPCandidateType      = NAT1To1CandidateTypeHost

	DefaultMaxOccupancy         = 2
	DefaultRooms                = 1
	DefaultKeyframeInterval     = 2 * time.Second
	DefaultKeyframeInitialDelay = 1 * time.Second

	DefaultSignalingWSIdleTimeout        = 60 * time.Second
	DefaultSignalingWSPingInterval       = 20 * time.Second
	DefaultMaxSignalingMessageBytes      = int64(64 * 1024)
	DefaultMaxSignalingMessagesPerSecond = 50
	DefaultSignalingSendQueueLen         = 64
)

// DefaultKeyframeRetryDelays are offsets from connect at which the initial
// keyframe request is repeated.
var DefaultKeyframeRetryDelays = []time.Duration{300 * time.Millisecond, 700 * time.Millisecond}

// recommendedWebRTCUDPPortRangeSize is an intentionally conservative minimum.
// Every participant holds its own PeerConnection, and running out of ports
// shows up as connectivity failures that are hard to trace.
const recommendedWebRTCUDPPortRangeSize = 100

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type NAT1To1IPCandidateType string

const (
	NAT1To1CandidateTypeHost  NAT1To1IPCandidateType = "host"
	NAT1To1CandidateTypeSrflx NAT1To1IPCandidateType = "srflx"
)

type UDPPortRange struct {
	Min uint16
	Max uint16
}

func (r UDPPortRange) Size() int {
	return int(r.Max) - int(r.Min) + 1
}

type Config struct {
	// ConfigFile is the TOML file values were layered from, if any.
	ConfigFile string

	ListenAddr      string
	AllowedOrigins  []string
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration
	Mode            Mode

	// Rooms.
	MaxOccupancy int
	DefaultRooms int

	// Keyframe scheduling.
	KeyframeInterval     time.Duration
	KeyframeInitialDelay time.Duration
	KeyframeRetryDelays  []time.Duration

	// ICEGatheringTimeout bounds how long an answer waits for candidates.
	ICEGatheringTimeout time.Duration
	// MediaTimeout is how long an inbound track may stay silent before it is
	// reported as timed out.
	MediaTimeout time.Duration

	// WebRTCUDPPortRange restricts the UDP ports used for ICE. When nil, pion uses
	// its defaults (OS ephemeral port selection).
	WebRTCUDPPortRange *UDPPortRange
	// WebRTCNAT1To1IPs are advertised as ICE candidates when the relay sits
	// behind a 1:1 NAT. Values are literal IPs.
	WebRTCNAT1To1IPs             []string
	WebRTCNAT1To1IPCandidateType NAT1To1IPCandidateType
	// WebRTCUDPListenIP restricts which local address ICE binds to. 0.0.0.0
	// keeps the library default.
	WebRTCUDPListenIP net.IP

	SignalingWSIdleTimeout        time.Duration
	SignalingWSPingInterval       time.Duration
	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int
	SignalingSendQueueLen         int

	ICEServers []webrtc.ICEServer

	iceConfigErr error
}

// ICEConfigError reports an invalid ICE server configuration. Startup keeps
// going without ICE servers so health endpoints can surface the problem.
func (c Config) ICEConfigError() error {
	return c.iceConfigErr
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(envLookup func(string) (string, bool), args []string) (Config, error) {
	configFile := configFileFromArgs(args)
	if configFile == "" {
		configFile = strings.TrimSpace(envOrDefault(envLookup, envVarConfigFile, ""))
	}
	lookup := envLookup
	if configFile != "" {
		values, err := loadFile(configFile)
		if err != nil {
			return Config{}, err
		}
		lookup = layered(envLookup, values)
	}

	envMode, _ := lookup(envVarMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
	}

	envLogFormat, envLogFormatOK := lookup(envVarLogFormat)
	envLogFormatSet := envLogFormatOK && envLogFormat != ""
	logFormatDefault := envLogFormat
	if !envLogFormatSet {
		logFormatDefault = defaultLogFormatForMode(modeDefault)
	}

	envLogLevel, envLogLevelOK := lookup(envVarLogLevel)
	envLogLevelSet := envLogLevelOK && envLogLevel != ""
	logLevelDefault := envLogLevel
	if !envLogLevelSet {
		logLevelDefault = defaultLogLevelForMode(modeDefault)
	}

	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	allowedOriginsStr := envOrDefault(lookup, envVarAllowedOrigins, "")

	iceServersJSON := envOrDefault(lookup, envICEServersJSON, "")
	stunURLs := envOrDefault(lookup, envStunURLs, "")
	turnURLs := envOrDefault(lookup, envTurnURLs, "")
	turnUsername := envOrDefault(lookup, envTurnUsername, "")
	turnCredential := envOrDefault(lookup, envTurnCredential, "")

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}
	iceGatherTimeout, err := envDurationOrDefault(lookup, envVarICEGatheringTimeout, DefaultICEGatherTimeout)
	if err != nil {
		return Config{}, err
	}
	mediaTimeout, err := envDurationOrDefault(lookup, envVarMediaTimeout, DefaultMediaTimeout)
	if err != nil {
		return Config{}, err
	}

	maxOccupancy, err := envIntOrDefault(lookup, envVarMaxOccupancy, DefaultMaxOccupancy)
	if err != nil {
		return Config{}, err
	}
	defaultRooms, err := envIntOrDefault(lookup, envVarDefaultRooms, DefaultRooms)
	if err != nil {
		return Config{}, err
	}

	keyframeInterval, err := envDurationOrDefault(lookup, envVarKeyframeInterval, DefaultKeyframeInterval)
	if err != nil {
		return Config{}, err
	}
	keyframeInitialDelay, err := envDurationOrDefault(lookup, envVarKeyframeInitialDelay, DefaultKeyframeInitialDelay)
	if err != nil {
		return Config{}, err
	}
	keyframeRetryDelaysStr := envOrDefault(lookup, envVarKeyframeRetryDelays, formatDurationList(DefaultKeyframeRetryDelays))

	signalingWSIdleTimeout, err := envDurationOrDefault(lookup, envVarSignalingWSIdleTimeout, DefaultSignalingWSIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	signalingWSPingInterval, err := envDurationOrDefault(lookup, envVarSignalingWSPingInterval, DefaultSignalingWSPingInterval)
	if err != nil {
		return Config{}, err
	}
	maxSignalingMessageBytes := DefaultMaxSignalingMessageBytes
	if raw, ok := lookup(envVarMaxSignalingMessageBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarMaxSignalingMessageBytes, raw, err)
		}
		maxSignalingMessageBytes = n
	}
	maxSignalingMessagesPerSecond, err := envIntOrDefault(lookup, envVarMaxSignalingMessagesPerSecond, DefaultMaxSignalingMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}
	signalingSendQueueLen, err := envIntOrDefault(lookup, envVarSignalingSendQueueLen, DefaultSignalingSendQueueLen)
	if err != nil {
		return Config{}, err
	}

	var webrtcUDPPortMin, webrtcUDPPortMax uint
	if raw, ok := lookup(envVarWebRTCUDPPortMin); ok && strings.TrimSpace(raw) != "" {
		p, err := parsePortString(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", envVarWebRTCUDPPortMin, err)
		}
		webrtcUDPPortMin = uint(p)
	}
	if raw, ok := lookup(envVarWebRTCUDPPortMax); ok && strings.TrimSpace(raw) != "" {
		p, err := parsePortString(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", envVarWebRTCUDPPortMax, err)
		}
		webrtcUDPPortMax = uint(p)
	}
	webrtcUDPListenIPStr := envOrDefault(lookup, envVarWebRTCUDPListenIP, DefaultWebRTCUDPListenIP)
	webrtcNAT1To1IPsStr := envOrDefault(lookup, envVarWebRTCNAT1To1IPs, "")
	webrtcNAT1To1CandidateTypeStr := envOrDefault(lookup, envVarWebRTCNAT1To1IPCandidateType, string(DefaultNAT1To1IPCandidateType))

	fs := flag.NewFlagSet("aero-webrtc-room-relay", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
	)

	fs.StringVar(&configFile, "config", configFile, "Optional TOML config file; env and flags override its values (env "+envVarConfigFile+")")
	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port)")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated list of allowed browser origins (env "+envVarAllowedOrigins+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")

	fs.IntVar(&maxOccupancy, "room-max-occupancy", maxOccupancy, "Maximum participants per room (env "+envVarMaxOccupancy+")")
	fs.IntVar(&defaultRooms, "default-rooms", defaultRooms, "Rooms created at startup (env "+envVarDefaultRooms+")")
	fs.DurationVar(&keyframeInterval, "keyframe-interval", keyframeInterval, "Periodic keyframe request interval (env "+envVarKeyframeInterval+")")
	fs.DurationVar(&keyframeInitialDelay, "keyframe-initial-delay", keyframeInitialDelay, "Delay before the first periodic keyframe request (env "+envVarKeyframeInitialDelay+")")
	fs.StringVar(&keyframeRetryDelaysStr, "keyframe-retry-delays", keyframeRetryDelaysStr, "Comma-separated delays after connect at which the keyframe request is repeated; empty disables (env "+envVarKeyframeRetryDelays+")")

	fs.DurationVar(&iceGatherTimeout, "ice-gather-timeout", iceGatherTimeout, "Max time to wait for ICE gathering before answering an offer (e.g. 2s)")
	fs.DurationVar(&mediaTimeout, "media-timeout", mediaTimeout, "Report an inbound track as timed out after this long without packets (env "+envVarMediaTimeout+")")
	fs.StringVar(&iceServersJSON, "ice-servers-json", iceServersJSON, "ICE server JSON config (AERO_ICE_SERVERS_JSON)")
	fs.StringVar(&stunURLs, "stun-urls", stunURLs, "comma-separated STUN URLs (AERO_STUN_URLS)")
	fs.StringVar(&turnURLs, "turn-urls", turnURLs, "comma-separated TURN URLs (AERO_TURN_URLS)")
	fs.StringVar(&turnUsername, "turn-username", turnUsername, "TURN username (AERO_TURN_USERNAME)")
	fs.StringVar(&turnCredential, "turn-credential", turnCredential, "TURN credential (AERO_TURN_CREDENTIAL)")
	fs.UintVar(&webrtcUDPPortMin, "webrtc-udp-port-min", webrtcUDPPortMin, "Min UDP port for WebRTC ICE (0 = unset; env "+envVarWebRTCUDPPortMin+")")
	fs.UintVar(&webrtcUDPPortMax, "webrtc-udp-port-max", webrtcUDPPortMax, "Max UDP port for WebRTC ICE (0 = unset; env "+envVarWebRTCUDPPortMax+")")
	fs.StringVar(&webrtcUDPListenIPStr, "webrtc-udp-listen-ip", webrtcUDPListenIPStr, "Local listen IP for WebRTC ICE UDP sockets (env "+envVarWebRTCUDPListenIP+")")
	fs.StringVar(&webrtcNAT1To1IPsStr, "webrtc-nat-1to1-ips", webrtcNAT1To1IPsStr, "Comma-separated public IPs to advertise for WebRTC ICE (env "+envVarWebRTCNAT1To1IPs+")")
	fs.StringVar(&webrtcNAT1To1CandidateTypeStr, "webrtc-nat-1to1-ip-candidate-type", webrtcNAT1To1CandidateTypeStr, "Candidate type for NAT 1:1 IPs: host or srflx (env "+envVarWebRTCNAT1To1IPCandidateType+")")

	fs.DurationVar(&signalingWSIdleTimeout, "signaling-ws-idle-timeout", signalingWSIdleTimeout, "Close idle signaling WebSocket connections after this duration (env "+envVarSignalingWSIdleTimeout+")")
	fs.DurationVar(&signalingWSPingInterval, "signaling-ws-ping-interval", signalingWSPingInterval, "Send ping frames on signaling WebSocket connections at this interval (must be < --signaling-ws-idle-timeout; env "+envVarSignalingWSPingInterval+")")
	fs.Int64Var(&maxSignalingMessageBytes, "max-signaling-message-bytes", maxSignalingMessageBytes, "Max inbound signaling WS message size in bytes (env "+envVarMaxSignalingMessageBytes+")")
	fs.IntVar(&maxSignalingMessagesPerSecond, "max-signaling-messages-per-second", maxSignalingMessagesPerSecond, "Max inbound signaling WS messages per second (env "+envVarMaxSignalingMessagesPerSecond+")")
	fs.IntVar(&signalingSendQueueLen, "signaling-send-queue-len", signalingSendQueueLen, "Outbound signaling messages buffered per connection before dropping (env "+envVarSignalingSendQueueLen+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	setFlags := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}
	if !envLogFormatSet && !setFlags["log-format"] {
		logFormatStr = defaultLogFormatForMode(string(mode))
	}
	if !envLogLevelSet && !setFlags["log-level"] {
		logLevelStr = defaultLogLevelForMode(string(mode))
	}
	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	if listenAddr == "" {
		return Config{}, fmt.Errorf("listen address must not be empty")
	}
	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("shutdown timeout must be > 0")
	}
	if iceGatherTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--ice-gather-timeout must be > 0", envVarICEGatheringTimeout)
	}
	if mediaTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--media-timeout must be > 0", envVarMediaTimeout)
	}
	if maxOccupancy < 1 {
		return Config{}, fmt.Errorf("%s/--room-max-occupancy must be >= 1", envVarMaxOccupancy)
	}
	if defaultRooms < 0 {
		return Config{}, fmt.Errorf("%s/--default-rooms must be >= 0", envVarDefaultRooms)
	}
	if keyframeInterval <= 0 {
		return Config{}, fmt.Errorf("%s/--keyframe-interval must be > 0", envVarKeyframeInterval)
	}
	if keyframeInitialDelay < 0 {
		return Config{}, fmt.Errorf("%s/--keyframe-initial-delay must be >= 0", envVarKeyframeInitialDelay)
	}
	keyframeRetryDelays, err := parseDurationList(keyframeRetryDelaysStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s/--keyframe-retry-delays %q: %w", envVarKeyframeRetryDelays, keyframeRetryDelaysStr, err)
	}

	if signalingWSIdleTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--signaling-ws-idle-timeout must be > 0", envVarSignalingWSIdleTimeout)
	}
	if signalingWSPingInterval <= 0 {
		return Config{}, fmt.Errorf("%s/--signaling-ws-ping-interval must be > 0", envVarSignalingWSPingInterval)
	}
	if signalingWSPingInterval >= signalingWSIdleTimeout {
		return Config{}, fmt.Errorf("%s/--signaling-ws-ping-interval must be < %s/--signaling-ws-idle-timeout", envVarSignalingWSPingInterval, envVarSignalingWSIdleTimeout)
	}
	if maxSignalingMessageBytes <= 0 {
		return Config{}, fmt.Errorf("%s/--max-signaling-message-bytes must be > 0", envVarMaxSignalingMessageBytes)
	}
	if maxSignalingMessagesPerSecond <= 0 {
		return Config{}, fmt.Errorf("%s/--max-signaling-messages-per-second must be > 0", envVarMaxSignalingMessagesPerSecond)
	}
	if signalingSendQueueLen <= 0 {
		return Config{}, fmt.Errorf("%s/--signaling-send-queue-len must be > 0", envVarSignalingSendQueueLen)
	}

	var webrtcUDPPortRange *UDPPortRange
	if webrtcUDPPortMin != 0 || webrtcUDPPortMax != 0 {
		if webrtcUDPPortMin == 0 || webrtcUDPPortMax == 0 {
			return Config{}, fmt.Errorf("%s/%s and %s/%s must be set together", envVarWebRTCUDPPortMin, "--webrtc-udp-port-min", envVarWebRTCUDPPortMax, "--webrtc-udp-port-max")
		}
		min, err := parsePortUint(webrtcUDPPortMin)
		if err != nil {
			return Config{}, fmt.Errorf("invalid --webrtc-udp-port-min: %w", err)
		}
		max, err := parsePortUint(webrtcUDPPortMax)
		if err != nil {
			return Config{}, fmt.Errorf("invalid --webrtc-udp-port-max: %w", err)
		}
		if min > max {
			return Config{}, fmt.Errorf("webrtc udp port range min %d > max %d", min, max)
		}
		webrtcUDPPortRange = &UDPPortRange{Min: min, Max: max}
	}

	webrtcUDPListenIP := net.ParseIP(strings.TrimSpace(webrtcUDPListenIPStr))
	if webrtcUDPListenIP == nil {
		return Config{}, fmt.Errorf("invalid %s/%s %q", envVarWebRTCUDPListenIP, "--webrtc-udp-listen-ip", webrtcUDPListenIPStr)
	}

	var webrtcNAT1To1IPs []string
	if strings.TrimSpace(webrtcNAT1To1IPsStr) != "" {
		webrtcNAT1To1IPs, err = parseIPList(webrtcNAT1To1IPsStr)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s/%s: %w", envVarWebRTCNAT1To1IPs, "--webrtc-nat-1to1-ips", err)
		}
	}
	webrtcNAT1To1CandidateType, err := parseCandidateType(webrtcNAT1To1CandidateTypeStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s/%s: %w", envVarWebRTCNAT1To1IPCandidateType, "--webrtc-nat-1to1-ip-candidate-type", err)
	}

	allowedOrigins, err := parseAllowedOrigins(allowedOriginsStr)
	if err != nil {
		return Config{}, fmt.Errorf("%s/%s: %w", envVarAllowedOrigins, "--allowed-origins", err)
	}

	cfg := Config{
		ConfigFile:      configFile,
		ListenAddr:      listenAddr,
		AllowedOrigins:  allowedOrigins,
		LogFormat:       logFormat,
		LogLevel:        level,
		ShutdownTimeout: shutdownTimeout,
		Mode:            mode,

		MaxOccupancy:         maxOccupancy,
		DefaultRooms:         defaultRooms,
		KeyframeInterval:     keyframeInterval,
		KeyframeInitialDelay: keyframeInitialDelay,
		KeyframeRetryDelays:  keyframeRetryDelays,

		ICEGatheringTimeout: iceGatherTimeout,
		MediaTimeout:        mediaTimeout,

		WebRTCUDPPortRange:           webrtcUDPPortRange,
		WebRTCNAT1To1IPs:             webrtcNAT1To1IPs,
		WebRTCNAT1To1IPCandidateType: webrtcNAT1To1CandidateType,
		WebRTCUDPListenIP:            webrtcUDPListenIP,

		SignalingWSIdleTimeout:        signalingWSIdleTimeout,
		SignalingWSPingInterval:       signalingWSPingInterval,
		MaxSignalingMessageBytes:      maxSignalingMessageBytes,
		MaxSignalingMessagesPerSecond: maxSignalingMessagesPerSecond,
		SignalingSendQueueLen:         signalingSendQueueLen,
	}

	iceServers, err := parseICEServersFromValues(iceServersJSON, stunURLs, turnURLs, turnUsername, turnCredential)
	if err != nil {
		cfg.iceConfigErr = err
	} else {
		cfg.ICEServers = iceServers
	}

	return cfg, nil
}

// Warnings lists configuration that is valid but likely to misbehave in
// production.
func (c Config) Warnings() []string {
	var out []string
	if c.WebRTCUDPPortRange != nil && c.WebRTCUDPPortRange.Size() < recommendedWebRTCUDPPortRangeSize {
		out = append(out, fmt.Sprintf("webrtc udp port range %d-%d has %d ports; at least %d are recommended",
			c.WebRTCUDPPortRange.Min, c.WebRTCUDPPortRange.Max, c.WebRTCUDPPortRange.Size(), recommendedWebRTCUDPPortRangeSize))
	}
	if c.Mode == ModeProd && len(c.WebRTCNAT1To1IPs) == 0 && IsUnspecifiedIP(c.WebRTCUDPListenIP) {
		out = append(out, "no NAT 1:1 IPs configured; clients behind NAT may not reach the relay without TURN")
	}
	if c.Mode == ModeProd && len(c.AllowedOrigins) == 0 {
		out = append(out, "no allowed origins configured; only same-host browser origins are accepted")
	}
	return out
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

// configFileFromArgs finds --config ahead of flag parsing, since the file
// supplies the flag defaults.
func configFileFromArgs(args []string) string {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			return ""
		}
		name := strings.TrimLeft(arg, "-")
		if name == arg || len(arg)-len(name) > 2 {
			continue
		}
		if v, ok := strings.CutPrefix(name, "config="); ok {
			return strings.TrimSpace(v)
		}
		if name == "config" && i+1 < len(args) {
			return strings.TrimSpace(args[i+1])
		}
	}
	return ""
}

func layered(primary func(string) (string, bool), fallback map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		if v, ok := primary(key); ok && v != "" {
			return v, true
		}
		v, ok := fallback[key]
		return v, ok
	}
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

func IsUnspecifiedIP(ip net.IP) bool {
	return ip == nil || ip.Equal(net.IPv4zero) || ip.Equal(net.IPv6zero)
}

func parseAllowedOrigins(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}

	var out []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		if entry == "*" {
			out = append(out, entry)
			continue
		}

		o, err := origin.Parse(entry)
		if err != nil {
			return nil, fmt.Errorf("%w (expected full origin like https://example.com)", err)
		}
		out = append(out, o.String())
	}

	return out, nil
}

// parseDurationList parses "300ms,700ms". An empty string yields an empty,
// non-nil slice so callers can tell "disabled" from "unset".
func parseDurationList(raw string) ([]time.Duration, error) {
	out := []time.Duration{}
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		d, err := time.ParseDuration(part)
		if err != nil {
			return nil, err
		}
		if d < 0 {
			return nil, fmt.Errorf("negative delay %s", d)
		}
		out = append(out, d)
	}
	return out, nil
}

func formatDurationList(ds []time.Duration) string {
	parts := make([]string, len(ds))
	for i, d := range ds {
		parts[i] = d.String()
	}
	return strings.Join(parts, ",")
}

func parsePortString(s string) (uint16, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return parsePortUint(uint(v))
}

func parsePortUint(v uint) (uint16, error) {
	if v == 0 || v > 65535 {
		return 0, fmt.Errorf("port %d out of range (1-65535)", v)
	}
	return uint16(v), nil
}

func parseCandidateType(s string) (NAT1To1IPCandidateType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(NAT1To1CandidateTypeHost):
		return NAT1To1CandidateTypeHost, nil
	case string(NAT1To1CandidateTypeSrflx):
		return NAT1To1CandidateTypeSrflx, nil
	default:
		return "", fmt.Errorf("unknown candidate type %q", s)
	}
}

func parseIPList(s string) ([]string, error) {
	var out []string
	for _, raw := range strings.Split(s, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		ip := net.ParseIP(raw)
		if ip == nil {
			return nil, fmt.Errorf("invalid IP %q", raw)
		}
		out = append(out, ip.String())
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("must include at least one IP")
	}
	return out, nil
}
