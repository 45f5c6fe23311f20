// Package upstream builds the two outbound TLS clients the forwarder
// chooses between: one that presents a server_name in the ClientHello
// and one that omits it entirely. Both share a single resolver so a
// host resolved once is never looked up twice.
package upstream

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/shanmiteko/snimap/internal/resolver"
)

// contextKey is unexported so only this package's DialTLSContext can
// read values stored under it; forwarder sets the value via
// WithServerName before issuing a request.
type contextKey struct{}

var serverNameKey = contextKey{}

// WithServerName attaches the server_name the TLS client should
// present for this one request, distinct from the request's Host
// header whenever the decision is snimap.Override.
func WithServerName(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, serverNameKey, name)
}

// ServerNameFromContext returns the server_name attached by
// WithServerName, if any.
func ServerNameFromContext(ctx context.Context) (string, bool) {
	name, ok := ctx.Value(serverNameKey).(string)
	return name, ok
}

// Config controls Clients construction.
type Config struct {
	Resolver *resolver.Resolver

	// RootCAs overrides the system trust store (see BuildRootCAPool).
	// Nil uses Go's default verification behavior.
	RootCAs *x509.CertPool

	DialTimeout    time.Duration
	HandshakeTimeout time.Duration
}

// Clients holds the two outbound *http.Client values the forwarder
// picks between per snimap.Decision.
type Clients struct {
	// SNI presents a server_name (the request's Host, or the
	// overridden front domain set via WithServerName) in every
	// ClientHello.
	SNI *http.Client

	// NoSNI omits server_name entirely and verifies the peer
	// certificate manually against the real origin hostname via
	// VerifyConnection, since crypto/tls cannot verify a hostname it
	// was never told.
	NoSNI *http.Client
}

// New builds the SNI and NoSNI clients, both dialing through cfg.Resolver
// and sharing its cache.
func New(cfg Config) *Clients {
	dialTimeout := cfg.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = 30 * time.Second
	}
	handshakeTimeout := cfg.HandshakeTimeout
	if handshakeTimeout == 0 {
		handshakeTimeout = 10 * time.Second
	}

	res := cfg.Resolver

	sniTransport := &http.Transport{
		DialTLSContext: dialTLSContextFunc(res, dialTimeout, handshakeTimeout, cfg.RootCAs, true),
		MaxIdleConns:    50,
		IdleConnTimeout: 30 * time.Second,
	}
	noSNITransport := &http.Transport{
		DialTLSContext: dialTLSContextFunc(res, dialTimeout, handshakeTimeout, cfg.RootCAs, false),
		MaxIdleConns:    50,
		IdleConnTimeout: 30 * time.Second,
	}

	noRedirect := func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}

	return &Clients{
		SNI: &http.Client{
			Transport:     sniTransport,
			Timeout:       30 * time.Second,
			CheckRedirect: noRedirect,
		},
		NoSNI: &http.Client{
			Transport:     noSNITransport,
			Timeout:       30 * time.Second,
			CheckRedirect: noRedirect,
		},
	}
}

// dialTLSContextFunc returns the DialTLSContext used by one of the two
// transports. withSNI selects whether ServerName is populated in the
// outgoing ClientHello; when false, certificate verification is done
// manually in VerifyConnection against the real origin hostname, since
// Go's tls package has nothing to verify against without ServerName.
func dialTLSContextFunc(
	res *resolver.Resolver,
	dialTimeout, handshakeTimeout time.Duration,
	rootCAs *x509.CertPool,
	withSNI bool,
) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, fmt.Errorf("upstream dial: invalid address %q: %w", addr, err)
		}

		ip, err := res.Lookup(ctx, host)
		if err != nil {
			return nil, fmt.Errorf("upstream dial: resolve %s: %w", host, err)
		}

		dialer := &net.Dialer{Timeout: dialTimeout}
		rawConn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip.String(), port))
		if err != nil {
			return nil, fmt.Errorf("upstream dial: connect to %s (%s): %w", host, ip, err)
		}

		tlsConfig := &tls.Config{
			RootCAs:            rootCAs,
			InsecureSkipVerify: true, // verification is always done explicitly below
		}

		if withSNI {
			serverName := host
			if name, ok := ServerNameFromContext(ctx); ok && name != "" {
				serverName = name
			}
			tlsConfig.ServerName = serverName
			tlsConfig.InsecureSkipVerify = false
		} else {
			tlsConfig.VerifyConnection = func(cs tls.ConnectionState) error {
				return verifyHostname(cs, host, rootCAs)
			}
		}

		tlsConn := tls.Client(rawConn, tlsConfig)
		tlsConn.SetDeadline(time.Now().Add(handshakeTimeout))
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			rawConn.Close()
			return nil, fmt.Errorf("upstream dial: TLS handshake with %s (%s): %w", host, ip, err)
		}
		tlsConn.SetDeadline(time.Time{})

		return tlsConn, nil
	}
}

// verifyHostname performs the chain and hostname validation crypto/tls
// would normally do, using the real origin hostname instead of the
// (intentionally empty) ClientHello server_name.
func verifyHostname(cs tls.ConnectionState, hostname string, rootCAs *x509.CertPool) error {
	if len(cs.PeerCertificates) == 0 {
		return fmt.Errorf("no peer certificates presented")
	}

	intermediates := x509.NewCertPool()
	for _, cert := range cs.PeerCertificates[1:] {
		intermediates.AddCert(cert)
	}

	return verifyHostnameAgainstCert(cs.PeerCertificates[0], rootCAs, intermediates, hostname)
}

// verifyHostnameAgainstCert is factored out of verifyHostname so it
// can be exercised directly (a tls.ConnectionState cannot be
// constructed outside crypto/tls).
func verifyHostnameAgainstCert(cert *x509.Certificate, roots, intermediates *x509.CertPool, hostname string) error {
	opts := x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		DNSName:       hostname,
	}
	_, err := cert.Verify(opts)
	return err
}
