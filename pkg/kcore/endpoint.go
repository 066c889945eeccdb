package kcore

import (
	"fmt"
	"net"
	"net/url"
)

// Endpoint is a resolved broker address: the advertised URI plus the
// resolved IP-socket pair. Two endpoints are equal iff their IP-socket
// pairs are equal -- the URI is carried for logging only and never
// compared.
type Endpoint struct {
	URI  string
	Addr string // net.JoinHostPort(ip, port), the equality key
}

func (e Endpoint) String() string {
	if e.URI != "" {
		return e.URI
	}
	return e.Addr
}

// Equal reports whether e and other resolve to the same IP-socket pair.
func (e Endpoint) Equal(other Endpoint) bool { return e.Addr == other.Addr }

// ResolveEndpoint performs synchronous DNS resolution of uri into an
// Endpoint. It caches nothing -- hostnames are resolved once, at
// construction time, never again at send time. uri may be a bare
// "host:port" or a "scheme://host:port" URI; only host and port are
// used.
func ResolveEndpoint(uri string) (Endpoint, error) {
	hostport := uri
	if u, err := url.Parse(uri); err == nil && u.Host != "" {
		hostport = u.Host
	}
	tcpAddr, err := net.ResolveTCPAddr("tcp", hostport)
	if err != nil {
		return Endpoint{}, &ConnectionError{Endpoint: Endpoint{URI: uri}, Cause: fmt.Errorf("resolve endpoint %q: %w", uri, err)}
	}
	return Endpoint{URI: uri, Addr: tcpAddr.String()}, nil
}
