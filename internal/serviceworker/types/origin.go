package types

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// ErrNotAbsoluteURL is returned when a URL has no scheme or host.
var ErrNotAbsoluteURL = errors.New("url is not absolute")

// SecurityOrigin is a (scheme, host, port) tuple. The zero value is the
// opaque origin, which never equals anything, including itself.
type SecurityOrigin struct {
	Scheme string `json:"scheme"`
	Host   string `json:"host"`
	Port   int    `json:"port"`
}

// OriginFromURL derives the origin of u, filling in the scheme's default port.
func OriginFromURL(u *url.URL) SecurityOrigin {
	if u == nil || u.Host == "" {
		return SecurityOrigin{}
	}
	scheme := strings.ToLower(u.Scheme)
	port := defaultPort(scheme)
	if p := u.Port(); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			port = n
		}
	}
	return SecurityOrigin{
		Scheme: scheme,
		Host:   strings.ToLower(u.Hostname()),
		Port:   port,
	}
}

// ParseOrigin parses "scheme://host[:port]".
func ParseOrigin(s string) (SecurityOrigin, error) {
	u, err := ParseURL(s)
	if err != nil {
		return SecurityOrigin{}, err
	}
	return OriginFromURL(u), nil
}

// IsOpaque reports whether the origin has no tuple.
func (o SecurityOrigin) IsOpaque() bool {
	return o.Scheme == "" || o.Host == ""
}

// SameOrigin compares two tuple origins. Opaque origins never match.
func (o SecurityOrigin) SameOrigin(other SecurityOrigin) bool {
	if o.IsOpaque() || other.IsOpaque() {
		return false
	}
	return o == other
}

func (o SecurityOrigin) String() string {
	if o.IsOpaque() {
		return "null"
	}
	if o.Port == defaultPort(o.Scheme) {
		return o.Scheme + "://" + hostForURL(o.Host)
	}
	return fmt.Sprintf("%s://%s:%d", o.Scheme, hostForURL(o.Host), o.Port)
}

func hostForURL(host string) string {
	if strings.Contains(host, ":") {
		return "[" + host + "]"
	}
	return host
}

func defaultPort(scheme string) int {
	switch scheme {
	case "http", "ws":
		return 80
	case "https", "wss":
		return 443
	default:
		return 0
	}
}

// ParseURL parses raw and requires an absolute URL with a host.
func ParseURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if !u.IsAbs() || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrNotAbsoluteURL, raw)
	}
	return u, nil
}

// WithoutFragment returns a copy of u with the fragment removed.
func WithoutFragment(u *url.URL) *url.URL {
	if u == nil {
		return nil
	}
	c := *u
	c.Fragment = ""
	c.RawFragment = ""
	return &c
}

// EqualIgnoringFragment compares two URLs as strings once fragments are dropped.
func EqualIgnoringFragment(a, b *url.URL) bool {
	if a == nil || b == nil {
		return a == b
	}
	return WithoutFragment(a).String() == WithoutFragment(b).String()
}

// ProtocolHostAndPortAreEqual reports whether a and b share an origin tuple.
func ProtocolHostAndPortAreEqual(a, b *url.URL) bool {
	return OriginFromURL(a).SameOrigin(OriginFromURL(b))
}

// IsPotentiallyTrustworthy reports whether scripts may be loaded from u:
// secure schemes, loopback hosts and operator-listed hosts.
func IsPotentiallyTrustworthy(u *url.URL, trustedHosts []string) bool {
	if u == nil {
		return false
	}
	switch strings.ToLower(u.Scheme) {
	case "https", "wss", "file":
		return true
	case "http", "ws":
	default:
		return false
	}

	host := strings.ToLower(u.Hostname())
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return true
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return true
	}
	for _, h := range trustedHosts {
		if strings.EqualFold(h, host) {
			return true
		}
	}
	return false
}
