// Package transport provides the HTTP client shared by the catalog and cart API clients.
//
// The storefront APIs sit behind a CDN that rate-limits clients by TLS
// fingerprint, and Go's crypto/tls fingerprint is easy to single out. Requests
// therefore go out through uTLS with a browser ClientHello; ALPN decides
// between HTTP/2 and HTTP/1.1 per host.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	utls "github.com/refraction-networking/utls"
	"golang.org/x/net/http2"
)

// DefaultTimeout bounds every catalog and cart API request.
const DefaultTimeout = 10 * time.Second

// NewClient returns an http.Client using the browser transport with a
// per-request timeout. A timeout surfaces as a client error that callers
// map to a retryable gateway failure.
func NewClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: NewBrowserTransport(timeout, utls.HelloChrome_Auto),
	}
}

// NewBrowserTransport returns a RoundTripper whose TLS handshakes carry the
// given ClientHello. Hosts that fail over HTTP/2 once are sent straight to
// HTTP/1.1 afterwards.
func NewBrowserTransport(dialTimeout time.Duration, hello utls.ClientHelloID) http.RoundTripper {
	bt := &browserTransport{
		dialer: &net.Dialer{Timeout: dialTimeout},
		hello:  hello,
		h1Only: make(map[string]bool),
	}
	bt.h2 = &http2.Transport{
		DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			return bt.dialTLS(ctx, network, addr)
		},
	}
	bt.h1 = &http.Transport{
		DialContext:         bt.dialer.DialContext,
		DialTLSContext:      bt.dialTLS,
		MaxIdleConnsPerHost: 8,
		IdleConnTimeout:     90 * time.Second,
	}
	return bt
}

type browserTransport struct {
	dialer *net.Dialer
	hello  utls.ClientHelloID
	h2     http.RoundTripper
	h1     http.RoundTripper

	mu     sync.Mutex
	h1Only map[string]bool
}

func (t *browserTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := req.Context().Err(); err != nil {
		return nil, err
	}
	// ALPN only happens over TLS.
	if req.URL.Scheme == "http" || t.prefersH1(req.URL.Host) {
		return t.h1.RoundTrip(req)
	}

	resp, err := t.h2.RoundTrip(req)
	if err == nil {
		return resp, nil
	}
	if req.Context().Err() != nil {
		return nil, err
	}
	t.markH1(req.URL.Host)
	if !replayable(req) {
		// Cart mutations are never sent twice; the caller sees a gateway
		// failure and the next request goes straight to HTTP/1.1.
		return nil, err
	}
	if req.GetBody != nil {
		body, berr := req.GetBody()
		if berr != nil {
			return nil, err
		}
		req = req.Clone(req.Context())
		req.Body = body
	}
	return t.h1.RoundTrip(req)
}

// replayable reports whether req may be sent again after a failed HTTP/2
// attempt: idempotent methods only, with a body that can be rewound.
func replayable(req *http.Request) bool {
	switch req.Method {
	case "", http.MethodGet, http.MethodHead, http.MethodOptions:
	default:
		return false
	}
	return req.Body == nil || req.Body == http.NoBody || req.GetBody != nil
}

func (t *browserTransport) prefersH1(host string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.h1Only[host]
}

func (t *browserTransport) markH1(host string) {
	t.mu.Lock()
	t.h1Only[host] = true
	t.mu.Unlock()
}

// dialTLS opens a TCP connection and runs the uTLS handshake with SNI set
// to the target host.
func (t *browserTransport) dialTLS(ctx context.Context, network, addr string) (net.Conn, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}

	conn, err := t.dialer.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	tlsConn := utls.UClient(conn, &utls.Config{ServerName: host}, t.hello)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("tls handshake with %s: %w", host, err)
	}
	return tlsConn, nil
}
