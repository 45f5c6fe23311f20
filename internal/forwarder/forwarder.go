// Package forwarder implements the proxy's request path: for every
// inbound HTTPS request it looks up the target host's SNI policy,
// picks the matching outbound TLS client, rewrites the request for
// the upstream origin, and streams the response back unmodified.
package forwarder

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/shanmiteko/snimap/internal/appctx"
	"github.com/shanmiteko/snimap/internal/logutil"
	"github.com/shanmiteko/snimap/internal/reqid"
	"github.com/shanmiteko/snimap/internal/snimap"
	"github.com/shanmiteko/snimap/internal/upstream"
)

// Doer is the subset of *http.Client the forwarder needs. Accepting
// it (rather than a concrete *upstream.Clients) lets tests substitute
// a fake transport without standing up real TLS dialing.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Sentinel errors naming the two reasons a request is not forwarded.
// ServeHTTP does not return them: it answers these cases directly with
// 404 (no host) and 403 (host not mapped).
var (
	// ErrNoHost is returned when the request carries no Host header
	// (and no :authority pseudo-header equivalent via r.Host).
	ErrNoHost = errors.New("missing Host header")

	// ErrHostNotMapped is returned when the host is not present in the
	// flattened snimap.Map, i.e. the proxy has no policy for it.
	ErrHostNotMapped = errors.New("host not mapped")
)

// Forwarder is an http.Handler that routes every request per the
// flattened SNI map.
type Forwarder struct {
	logger      *slog.Logger
	sniMap      *snimap.Map
	sniClient   Doer
	noSNIClient Doer
}

// New builds a Forwarder backed by a real *upstream.Clients pair.
func New(logger *slog.Logger, m *snimap.Map, clients *upstream.Clients) *Forwarder {
	return NewWithClients(logger, m, clients.SNI, clients.NoSNI)
}

// NewWithClients builds a Forwarder against arbitrary Doer
// implementations, primarily for tests.
func NewWithClients(logger *slog.Logger, m *snimap.Map, sniClient, noSNIClient Doer) *Forwarder {
	return &Forwarder{logger: logger, sniMap: m, sniClient: sniClient, noSNIClient: noSNIClient}
}

func (f *Forwarder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger, ok := appctx.LoggerFromContext(r.Context())
	if !ok {
		logger = logutil.NoopIfNil(f.logger)
	}
	logger = logger.With("request_id", reqid.FromContext(r.Context()))

	host := requestHost(r)
	if host == "" {
		logger.Warn("rejecting request with no Host header")
		http.Error(w, "Host not found", http.StatusNotFound)
		return
	}

	decision, ok := f.sniMap.Lookup(host)
	if !ok {
		logger.Warn("rejecting request for unmapped host", "host", host)
		http.Error(w, fmt.Sprintf("Host %q not enabled", host), http.StatusForbidden)
		return
	}

	upstreamReq, err := f.buildUpstreamRequest(r, host, decision)
	if err != nil {
		logger.Error("failed to build upstream request", "host", host, "error", err)
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	client := f.clientFor(decision)
	resp, err := client.Do(upstreamReq)
	if err != nil {
		logger.Error("upstream request failed", "host", host, "decision", decision.String(), "error", err)
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	copyResponseHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		logger.Debug("error streaming response body", "host", host, "error", err)
	}
}

// clientFor picks the outbound client for a decision: Disable never
// presents server_name, Override and Preserve both do (with different
// names), so both use the SNI-capable client.
func (f *Forwarder) clientFor(d snimap.Decision) Doer {
	if d.Kind == snimap.Disable {
		return f.noSNIClient
	}
	return f.sniClient
}

// buildUpstreamRequest rewrites r into a request targeting the real
// origin: same method, path and query, body streamed through
// unbuffered, Host header forced to the origin hostname, and the
// request URL's Host set to whatever net/http.Transport should
// actually dial: the front domain for Override (domain fronting means
// connecting to the front's IP with the front's name in the
// ClientHello), the origin otherwise.
func (f *Forwarder) buildUpstreamRequest(r *http.Request, host string, decision snimap.Decision) (*http.Request, error) {
	connectTarget := host
	if decision.Kind == snimap.Override {
		connectTarget = decision.Name
	}

	u := &url.URL{
		Scheme:   "https",
		Host:     connectTarget,
		Path:     r.URL.Path,
		RawPath:  r.URL.RawPath,
		RawQuery: r.URL.RawQuery,
	}

	ctx := r.Context()
	if decision.Kind == snimap.Override {
		ctx = upstream.WithServerName(ctx, decision.Name)
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, u.String(), r.Body)
	if err != nil {
		return nil, err
	}

	copyRequestHeaders(req.Header, r.Header)
	req.Host = host
	req.ContentLength = r.ContentLength

	return req, nil
}

// requestHost extracts the intended origin hostname, stripping any
// port suffix. r.Host already carries the :authority pseudo-header's
// value for HTTP/2 requests (net/http normalizes it into Host).
func requestHost(r *http.Request) string {
	host := r.Host
	if host == "" {
		return ""
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.ToLower(host)
}

// copyRequestHeaders copies headers onto the upstream request. Per
// RFC 7230 §3.2.2, multiple values for a header are represented as
// repeated fields; this proxy instead folds them into one field
// joined by "; " to guarantee the upstream sees a single merged value
// for any header the client happened to send with duplicates.
func copyRequestHeaders(dst, src http.Header) {
	for name, values := range src {
		if isHopByHopHeader(name) {
			continue
		}
		if len(values) == 1 {
			dst.Set(name, values[0])
		} else {
			dst.Set(name, strings.Join(values, "; "))
		}
	}
}

func copyResponseHeaders(dst, src http.Header) {
	for name, values := range src {
		if isHopByHopHeader(name) {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

func isHopByHopHeader(name string) bool {
	switch strings.ToLower(name) {
	case "connection", "keep-alive", "proxy-authenticate", "proxy-authorization",
		"te", "trailer", "transfer-encoding", "upgrade":
		return true
	default:
		return false
	}
}
