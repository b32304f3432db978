package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pion/stun/v3"
	"github.com/pion/webrtc/v4"
)

// ICE servers come either from one JSON list shaped like the browser's
// RTCIceServer[] or from the STUN/TURN convenience variables; the JSON list
// wins when both are set. The same list is handed to server sessions and
// served to clients on /webrtc/ice.
const (
	envICEServersJSON = "AERO_ICE_SERVERS_JSON"

	envStunURLs       = "AERO_STUN_URLS"
	envTurnURLs       = "AERO_TURN_URLS"
	envTurnUsername   = "AERO_TURN_USERNAME"
	envTurnCredential = "AERO_TURN_CREDENTIAL"
)

var ErrTURNCredentials = errors.New("turn urls require a username and a credential")

func parseICEServersFromValues(iceServersJSON, stunURLs, turnURLs, turnUsername, turnCredential string) ([]webrtc.ICEServer, error) {
	if raw := strings.TrimSpace(iceServersJSON); raw != "" {
		servers, err := ParseICEServersJSON(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envICEServersJSON, err)
		}
		return servers, nil
	}
	return ParseICEServersFromConvenienceEnv(stunURLs, turnURLs, turnUsername, turnCredential)
}

// iceServerJSON is one RTCIceServer entry. It is also the element type of
// webrtc.ice_servers in the config file.
type iceServerJSON struct {
	URLs       stringOrStringSlice `json:"urls" toml:"urls"`
	Username   string              `json:"username,omitempty" toml:"username"`
	Credential string              `json:"credential,omitempty" toml:"credential"`
}

// stringOrStringSlice accepts "urls" as a single string, like browsers do.
type stringOrStringSlice []string

func (s *stringOrStringSlice) UnmarshalJSON(b []byte) error {
	var one string
	if err := json.Unmarshal(b, &one); err == nil {
		*s = []string{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*s = many
	return nil
}

// ParseICEServersJSON parses an RTCIceServer[] list.
func ParseICEServersJSON(raw string) ([]webrtc.ICEServer, error) {
	var entries []iceServerJSON
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, err
	}
	out := make([]webrtc.ICEServer, 0, len(entries))
	for i, e := range entries {
		server, err := newICEServer(e.URLs, e.Username, e.Credential)
		if err != nil {
			return nil, fmt.Errorf("ice server %d: %w", i, err)
		}
		out = append(out, server)
	}
	return out, nil
}

// ParseICEServersFromConvenienceEnv builds at most one STUN and one TURN
// entry from comma-separated URL lists.
func ParseICEServersFromConvenienceEnv(stunURLs, turnURLs, turnUsername, turnCredential string) ([]webrtc.ICEServer, error) {
	var out []webrtc.ICEServer
	if urls := splitList(stunURLs); len(urls) > 0 {
		server, err := newICEServer(urls, "", "")
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envStunURLs, err)
		}
		out = append(out, server)
	}
	if urls := splitList(turnURLs); len(urls) > 0 {
		server, err := newICEServer(urls, turnUsername, turnCredential)
		if errors.Is(err, ErrTURNCredentials) {
			return nil, fmt.Errorf("%s: %w (set %s and %s)", envTurnURLs, err, envTurnUsername, envTurnCredential)
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envTurnURLs, err)
		}
		out = append(out, server)
	}
	return out, nil
}

// newICEServer checks every URL with pion's STUN/TURN URI parser, so a
// list that loads here is also accepted by webrtc.Configuration.
func newICEServer(urls []string, username, credential string) (webrtc.ICEServer, error) {
	server := webrtc.ICEServer{Username: strings.TrimSpace(username)}
	credential = strings.TrimSpace(credential)

	var turn bool
	for _, raw := range urls {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		uri, err := stun.ParseURI(raw)
		if err != nil {
			return webrtc.ICEServer{}, fmt.Errorf("url %q: %w", raw, err)
		}
		if uri.Scheme == stun.SchemeTypeTURN || uri.Scheme == stun.SchemeTypeTURNS {
			turn = true
		}
		server.URLs = append(server.URLs, raw)
	}
	if len(server.URLs) == 0 {
		return webrtc.ICEServer{}, errors.New("missing urls")
	}
	if turn && (server.Username == "" || credential == "") {
		return webrtc.ICEServer{}, ErrTURNCredentials
	}
	if credential != "" {
		server.Credential = credential
	}
	return server, nil
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
