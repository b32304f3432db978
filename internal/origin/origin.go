// Package origin implements the browser Origin policy applied to the
// signaling socket and the ICE server endpoint.
package origin

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

var (
	ErrInvalid    = errors.New("origin: invalid")
	ErrNotAllowed = errors.New("origin: not allowed")
)

// Origin is a parsed browser origin. Host is the lower-cased hostname, with
// IPv6 literals bracketed and the port appended only when it is not the
// scheme's default, so equal origins compare equal with ==.
//
// The zero value is the opaque "null" origin sent by sandboxed frames.
type Origin struct {
	Scheme string
	Host   string
}

func (o Origin) String() string {
	if o.Opaque() {
		return "null"
	}
	return o.Scheme + "://" + o.Host
}

func (o Origin) Opaque() bool { return o.Scheme == "" }

// Parse parses an Origin header value or a configured origin. A single
// trailing slash is tolerated; any other path, query, fragment or userinfo
// is rejected.
func Parse(raw string) (Origin, error) {
	raw = strings.TrimSpace(raw)
	if raw == "null" {
		return Origin{}, nil
	}
	scheme, authority, ok := strings.Cut(raw, "://")
	if !ok {
		return Origin{}, fmt.Errorf("%w: %q has no scheme", ErrInvalid, raw)
	}
	scheme = strings.ToLower(scheme)
	if scheme != "http" && scheme != "https" {
		return Origin{}, fmt.Errorf("%w: unsupported scheme %q", ErrInvalid, scheme)
	}
	authority = strings.TrimSuffix(authority, "/")
	if strings.ContainsAny(authority, "/?#@") {
		return Origin{}, fmt.Errorf("%w: %q is not a bare origin", ErrInvalid, raw)
	}
	host, err := canonicalHost(authority, scheme)
	if err != nil {
		return Origin{}, err
	}
	return Origin{Scheme: scheme, Host: host}, nil
}

// canonicalHost normalizes an authority (host[:port]) the same way for
// Origin headers and request Host headers.
func canonicalHost(authority, scheme string) (string, error) {
	authority = strings.ToLower(strings.TrimSpace(authority))
	if authority == "" {
		return "", fmt.Errorf("%w: empty host", ErrInvalid)
	}

	hostname, port := authority, ""
	bracketed := strings.HasPrefix(authority, "[")
	switch h, p, err := net.SplitHostPort(authority); {
	case err == nil:
		hostname, port = h, p
		if port == "" {
			return "", fmt.Errorf("%w: empty port in %q", ErrInvalid, authority)
		}
	case bracketed && strings.HasSuffix(authority, "]"):
		hostname = authority[1 : len(authority)-1]
	case strings.Contains(authority, ":"):
		return "", fmt.Errorf("%w: host %q", ErrInvalid, authority)
	}
	if hostname == "" {
		return "", fmt.Errorf("%w: empty host in %q", ErrInvalid, authority)
	}
	if bracketed {
		if !strings.Contains(hostname, ":") || net.ParseIP(hostname) == nil {
			return "", fmt.Errorf("%w: bracketed host %q is not IPv6", ErrInvalid, hostname)
		}
	} else if !validHostname(hostname) {
		return "", fmt.Errorf("%w: host %q", ErrInvalid, hostname)
	}

	host := hostname
	if strings.Contains(hostname, ":") {
		host = "[" + hostname + "]"
	}
	if port != "" {
		n, err := strconv.ParseUint(port, 10, 16)
		if err != nil || n == 0 {
			return "", fmt.Errorf("%w: port %q", ErrInvalid, port)
		}
		if !(scheme == "http" && n == 80) && !(scheme == "https" && n == 443) {
			host += ":" + strconv.FormatUint(n, 10)
		}
	}
	return host, nil
}

// validHostname accepts DNS names and IPv4 literals. Browsers send
// internationalized names punycode-encoded.
func validHostname(h string) bool {
	for i := 0; i < len(h); i++ {
		c := h[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '-', c == '.', c == '_':
		default:
			return false
		}
	}
	return true
}

// Policy decides which browser origins may use the relay. With no configured
// origins only same-host pages are accepted; the scheme is not compared
// because TLS may terminate in front of the relay.
//
// A nil *Policy is the same-host policy.
type Policy struct {
	any     bool
	allowed map[Origin]struct{}
}

// NewPolicy builds a policy from configured entries. Each entry is "*",
// "null" or a full origin such as https://app.example.com.
func NewPolicy(entries []string) (*Policy, error) {
	p := &Policy{allowed: make(map[Origin]struct{}, len(entries))}
	for _, entry := range entries {
		if strings.TrimSpace(entry) == "*" {
			p.any = true
			continue
		}
		o, err := Parse(entry)
		if err != nil {
			return nil, err
		}
		p.allowed[o] = struct{}{}
	}
	return p, nil
}

// Allow checks a raw Origin header sent with a request for requestHost and
// returns the parsed origin when it may proceed.
func (p *Policy) Allow(header, requestHost string) (Origin, error) {
	o, err := Parse(header)
	if err != nil {
		return Origin{}, err
	}
	if p != nil && p.any {
		return o, nil
	}
	if p != nil && len(p.allowed) > 0 {
		if _, ok := p.allowed[o]; ok {
			return o, nil
		}
		return Origin{}, fmt.Errorf("%w: %s", ErrNotAllowed, o)
	}

	if o.Opaque() {
		return Origin{}, fmt.Errorf("%w: opaque origin needs an explicit allow entry", ErrNotAllowed)
	}
	host, err := canonicalHost(requestHost, o.Scheme)
	if err != nil || host != o.Host {
		return Origin{}, fmt.Errorf("%w: %s is not same-host with %q", ErrNotAllowed, o, requestHost)
	}
	return o, nil
}
