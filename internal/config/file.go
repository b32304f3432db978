package config

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// fileConfig is the TOML layout. Every value maps onto the env var of the
// same setting, so a file value behaves exactly like an exported variable
// with lower precedence.
//
//	listen_addr = "0.0.0.0:8080"
//	mode = "prod"
//
//	[rooms]
//	max_occupancy = 2
//	default_rooms = 1
//
//	[keyframes]
//	interval = "2s"
//	retry_delays = ["300ms", "700ms"]
//
//	[[webrtc.ice_servers]]
//	urls = ["stun:stun.example.com:3478"]
type fileConfig struct {
	ListenAddr      *string  `toml:"listen_addr"`
	Mode            *string  `toml:"mode"`
	LogFormat       *string  `toml:"log_format"`
	LogLevel        *string  `toml:"log_level"`
	ShutdownTimeout *string  `toml:"shutdown_timeout"`
	AllowedOrigins  []string `toml:"allowed_origins"`

	Rooms struct {
		MaxOccupancy *int `toml:"max_occupancy"`
		DefaultRooms *int `toml:"default_rooms"`
	} `toml:"rooms"`

	Keyframes struct {
		Interval     *string  `toml:"interval"`
		InitialDelay *string  `toml:"initial_delay"`
		RetryDelays  []string `toml:"retry_delays"`
	} `toml:"keyframes"`

	WebRTC struct {
		ICEGatheringTimeout    *string         `toml:"ice_gathering_timeout"`
		MediaTimeout           *string         `toml:"media_timeout"`
		UDPPortMin             *int            `toml:"udp_port_min"`
		UDPPortMax             *int            `toml:"udp_port_max"`
		UDPListenIP            *string         `toml:"udp_listen_ip"`
		NAT1To1IPs             []string        `toml:"nat_1to1_ips"`
		NAT1To1IPCandidateType *string         `toml:"nat_1to1_ip_candidate_type"`
		ICEServers             []iceServerJSON `toml:"ice_servers"`
	} `toml:"webrtc"`

	Signaling struct {
		MaxMessageBytes      *int64  `toml:"max_message_bytes"`
		MaxMessagesPerSecond *int    `toml:"max_messages_per_second"`
		IdleTimeout          *string `toml:"idle_timeout"`
		PingInterval         *string `toml:"ping_interval"`
		SendQueueLen         *int    `toml:"send_queue_len"`
	} `toml:"signaling"`
}

// loadFile decodes path and flattens it into env var keyed values.
func loadFile(path string) (map[string]string, error) {
	var fc fileConfig
	md, err := toml.DecodeFile(path, &fc)
	if err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		sort.Strings(keys)
		return nil, fmt.Errorf("config file %s: unknown keys: %s", path, strings.Join(keys, ", "))
	}
	return fc.values()
}

func (fc fileConfig) values() (map[string]string, error) {
	out := map[string]string{}
	setString := func(key string, v *string) {
		if v != nil {
			out[key] = *v
		}
	}
	setInt := func(key string, v *int) {
		if v != nil {
			out[key] = strconv.Itoa(*v)
		}
	}

	setString(envVarListenAddr, fc.ListenAddr)
	setString(envVarMode, fc.Mode)
	setString(envVarLogFormat, fc.LogFormat)
	setString(envVarLogLevel, fc.LogLevel)
	setString(envVarShutdownTimeout, fc.ShutdownTimeout)
	if fc.AllowedOrigins != nil {
		out[envVarAllowedOrigins] = strings.Join(fc.AllowedOrigins, ",")
	}

	setInt(envVarMaxOccupancy, fc.Rooms.MaxOccupancy)
	setInt(envVarDefaultRooms, fc.Rooms.DefaultRooms)

	setString(envVarKeyframeInterval, fc.Keyframes.Interval)
	setString(envVarKeyframeInitialDelay, fc.Keyframes.InitialDelay)
	if fc.Keyframes.RetryDelays != nil {
		if len(fc.Keyframes.RetryDelays) == 0 {
			// An explicit empty list disables retries; layered lookups skip
			// empty strings, so spell it as a lone separator.
			out[envVarKeyframeRetryDelays] = ","
		} else {
			out[envVarKeyframeRetryDelays] = strings.Join(fc.Keyframes.RetryDelays, ",")
		}
	}

	setString(envVarICEGatheringTimeout, fc.WebRTC.ICEGatheringTimeout)
	setString(envVarMediaTimeout, fc.WebRTC.MediaTimeout)
	setInt(envVarWebRTCUDPPortMin, fc.WebRTC.UDPPortMin)
	setInt(envVarWebRTCUDPPortMax, fc.WebRTC.UDPPortMax)
	setString(envVarWebRTCUDPListenIP, fc.WebRTC.UDPListenIP)
	if fc.WebRTC.NAT1To1IPs != nil {
		out[envVarWebRTCNAT1To1IPs] = strings.Join(fc.WebRTC.NAT1To1IPs, ",")
	}
	setString(envVarWebRTCNAT1To1IPCandidateType, fc.WebRTC.NAT1To1IPCandidateType)
	if len(fc.WebRTC.ICEServers) > 0 {
		raw, err := json.Marshal(fc.WebRTC.ICEServers)
		if err != nil {
			return nil, fmt.Errorf("config file webrtc.ice_servers: %w", err)
		}
		out[envICEServersJSON] = string(raw)
	}

	if fc.Signaling.MaxMessageBytes != nil {
		out[envVarMaxSignalingMessageBytes] = strconv.FormatInt(*fc.Signaling.MaxMessageBytes, 10)
	}
	setInt(envVarMaxSignalingMessagesPerSecond, fc.Signaling.MaxMessagesPerSecond)
	setString(envVarSignalingWSIdleTimeout, fc.Signaling.IdleTimeout)
	setString(envVarSignalingWSPingInterval, fc.Signaling.PingInterval)
	setInt(envVarSignalingSendQueueLen, fc.Signaling.SendQueueLen)

	return out, nil
}
