// Package httpclient provides the outbound HTTP client used to query
// a public IP-lookup service when a hostname must be resolved via the
// external path (see internal/resolver). It applies an optional SSRF
// check on dial, bounded timeouts and manual same-host redirect
// handling to its GET and form-POST requests.
package httpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var (
	ErrSSRFBlocked      = errors.New("request blocked by SSRF protection")
	ErrTooManyRedirects = errors.New("too many redirects")
	ErrResponseTooLarge = errors.New("response body too large")
	ErrInvalidURL       = errors.New("invalid URL")
	ErrHostUnresolvable = errors.New("host could not be resolved")
)

// Config controls Client construction.
type Config struct {
	// SSRFMode is "strict" (block loopback/private/link-local/multicast
	// targets) or "off". The lookup endpoint this client targets is a
	// fixed public hostname, so "off" is the normal setting; "strict"
	// exists for reuse in contexts where the target is less trusted.
	SSRFMode string

	TimeoutMS        int64
	ConnectTimeoutMS int64
	MaxRedirects     int
	MaxResponseBytes int64
}

// DefaultConfig sets conservative outbound-client defaults, with
// MaxRedirects lowered to the single hop the ipaddress.com lookup ever
// needs.
func DefaultConfig() *Config {
	return &Config{
		SSRFMode:         "off",
		TimeoutMS:        10000,
		ConnectTimeoutMS: 2000,
		MaxRedirects:     1,
		MaxResponseBytes: 1 << 20,
	}
}

// Tuning is the operator-facing subset of Config decodable from the
// config tree's optional top-level [outbound_http] table via
// internal/tuning. Zero values mean "use DefaultConfig()".
type Tuning struct {
	SSRFMode         string `mapstructure:"ssrf_mode"`
	TimeoutMS        int64  `mapstructure:"timeout_ms"`
	ConnectTimeoutMS int64  `mapstructure:"connect_timeout_ms"`
	MaxRedirects     int    `mapstructure:"max_redirects"`
	MaxResponseBytes int64  `mapstructure:"max_response_bytes"`
}

// ApplyDefaults implements tuning.Setter.
func (t *Tuning) ApplyDefaults() {
	d := DefaultConfig()
	if t.SSRFMode == "" {
		t.SSRFMode = d.SSRFMode
	}
	if t.TimeoutMS == 0 {
		t.TimeoutMS = d.TimeoutMS
	}
	if t.ConnectTimeoutMS == 0 {
		t.ConnectTimeoutMS = d.ConnectTimeoutMS
	}
	if t.MaxRedirects == 0 {
		t.MaxRedirects = d.MaxRedirects
	}
	if t.MaxResponseBytes == 0 {
		t.MaxResponseBytes = d.MaxResponseBytes
	}
}

// Config converts a decoded Tuning into a Config ready for New.
func (t Tuning) Config() *Config {
	return &Config{
		SSRFMode:         t.SSRFMode,
		TimeoutMS:        t.TimeoutMS,
		ConnectTimeoutMS: t.ConnectTimeoutMS,
		MaxRedirects:     t.MaxRedirects,
		MaxResponseBytes: t.MaxResponseBytes,
	}
}

// Client is a bounded-behavior HTTP client: no environment proxy, no
// automatic redirect following (redirects are re-issued manually under
// the same SSRF and same-host constraints), capped response size.
type Client struct {
	cfg        *Config
	httpClient *http.Client
}

// New builds a Client. A nil cfg uses DefaultConfig().
func New(cfg *Config) *Client {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	c := &Client{cfg: cfg}

	dialer := &net.Dialer{
		Timeout: time.Duration(cfg.ConnectTimeoutMS) * time.Millisecond,
	}

	transport := &http.Transport{
		Proxy: nil,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			if cfg.SSRFMode == "strict" {
				if err := checkSSRF(ctx, addr); err != nil {
					return nil, err
				}
			}
			return dialer.DialContext(ctx, network, addr)
		},
		MaxIdleConns:       10,
		IdleConnTimeout:    30 * time.Second,
		DisableCompression: false,
		DisableKeepAlives:  false,
	}

	c.httpClient = &http.Client{
		Transport: transport,
		Timeout:   time.Duration(cfg.TimeoutMS) * time.Millisecond,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	return c
}

// Get performs a GET request, following up to cfg.MaxRedirects
// same-host, no-downgrade redirects manually.
func (c *Client) Get(ctx context.Context, urlStr string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}

	if c.cfg.SSRFMode == "strict" {
		if err := checkSSRFHost(ctx, req.URL.Hostname()); err != nil {
			return nil, err
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}

	if isRedirect(resp.StatusCode) {
		return c.followRedirect(req, resp, 0)
	}

	return resp, nil
}

// GetBody performs a GET and reads the body, bounded by
// cfg.MaxResponseBytes.
func (c *Client) GetBody(ctx context.Context, urlStr string) ([]byte, error) {
	resp, err := c.Get(ctx, urlStr)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	limited := io.LimitReader(resp.Body, c.cfg.MaxResponseBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > c.cfg.MaxResponseBytes {
		return nil, ErrResponseTooLarge
	}
	return body, nil
}

// PostForm performs a POST with a url-encoded form body and the given
// extra headers set, following up to cfg.MaxRedirects same-host,
// no-downgrade redirects manually (same behavior as Get).
func (c *Client) PostForm(ctx context.Context, urlStr string, form url.Values, headers map[string]string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, urlStr, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	if c.cfg.SSRFMode == "strict" {
		if err := checkSSRFHost(ctx, req.URL.Hostname()); err != nil {
			return nil, err
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}

	if isRedirect(resp.StatusCode) {
		return c.followRedirect(req, resp, 0)
	}

	return resp, nil
}

// PostFormBody performs a PostForm and reads the body, bounded by
// cfg.MaxResponseBytes.
func (c *Client) PostFormBody(ctx context.Context, urlStr string, form url.Values, headers map[string]string) ([]byte, error) {
	resp, err := c.PostForm(ctx, urlStr, form, headers)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	limited := io.LimitReader(resp.Body, c.cfg.MaxResponseBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > c.cfg.MaxResponseBytes {
		return nil, ErrResponseTooLarge
	}
	return body, nil
}

func (c *Client) followRedirect(origReq *http.Request, resp *http.Response, depth int) (*http.Response, error) {
	defer resp.Body.Close()
	ctx := origReq.Context()

	maxRedirects := c.cfg.MaxRedirects
	if maxRedirects <= 0 {
		maxRedirects = 1
	}
	if depth >= maxRedirects {
		return nil, fmt.Errorf("%w: exceeded limit of %d", ErrTooManyRedirects, maxRedirects)
	}

	location := resp.Header.Get("Location")
	if location == "" {
		return nil, fmt.Errorf("no Location header on redirect response")
	}

	redirectURL, err := url.Parse(location)
	if err != nil {
		return nil, fmt.Errorf("invalid Location header: %v", err)
	}
	redirectURL = origReq.URL.ResolveReference(redirectURL)

	if origReq.URL.Scheme == "https" && redirectURL.Scheme != "https" {
		return nil, fmt.Errorf("redirect downgrade blocked: %s -> %s", origReq.URL.Scheme, redirectURL.Scheme)
	}
	if !isSameHost(origReq.URL, redirectURL) {
		return nil, fmt.Errorf("redirect to different host blocked: %s -> %s", origReq.URL.Host, redirectURL.Host)
	}
	if c.cfg.SSRFMode == "strict" {
		if err := checkSSRFHost(ctx, redirectURL.Hostname()); err != nil {
			return nil, err
		}
	}

	newReq, err := http.NewRequestWithContext(ctx, origReq.Method, redirectURL.String(), nil)
	if err != nil {
		return nil, err
	}
	if ua := origReq.Header.Get("User-Agent"); ua != "" {
		newReq.Header.Set("User-Agent", ua)
	}

	newResp, err := c.httpClient.Do(newReq)
	if err != nil {
		return nil, err
	}
	if isRedirect(newResp.StatusCode) {
		return c.followRedirect(newReq, newResp, depth+1)
	}
	return newResp, nil
}

func checkSSRF(ctx context.Context, addr string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	return checkSSRFHost(ctx, host)
}

func checkSSRFHost(ctx context.Context, host string) error {
	if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
		host = host[1 : len(host)-1]
	}

	lowerHost := strings.ToLower(host)
	if lowerHost == "localhost" || lowerHost == "localhost.localdomain" {
		return fmt.Errorf("%w: localhost is blocked", ErrSSRFBlocked)
	}

	if ip := net.ParseIP(host); ip != nil {
		if !isAllowedIP(ip) {
			return fmt.Errorf("%w: IP %s is blocked", ErrSSRFBlocked, ip)
		}
		return nil
	}

	ipAddrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrHostUnresolvable, host, err)
	}
	for _, ipAddr := range ipAddrs {
		if !isAllowedIP(ipAddr.IP) {
			return fmt.Errorf("%w: %s resolves to blocked IP %s", ErrSSRFBlocked, host, ipAddr.IP)
		}
	}
	return nil
}

func isAllowedIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsUnspecified() || ip.IsMulticast() {
		return false
	}
	return true
}

func isSameHost(a, b *url.URL) bool {
	if !strings.EqualFold(a.Hostname(), b.Hostname()) {
		return false
	}
	return effectivePort(a) == effectivePort(b)
}

func effectivePort(u *url.URL) string {
	port := u.Port()
	if port == "" {
		return defaultPort(u.Scheme)
	}
	return port
}

func defaultPort(scheme string) string {
	switch strings.ToLower(scheme) {
	case "http":
		return "80"
	case "https":
		return "443"
	default:
		return ""
	}
}

func isRedirect(code int) bool {
	switch code {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	default:
		return false
	}
}
