// Package resolver turns a hostname into the IP address the proxy
// should actually dial, using one of two paths depending on whether
// the host is one of the proxy's configured mappings:
//
//   - whitelisted hosts (anything in the flattened snimap.Map) go
//     through the external IP-lookup path, since these are the
//     censored hostnames the proxy exists to bypass and cannot be
//     trusted to a possibly-poisoned system resolver;
//   - everything else (an Override target's front domain, or any host
//     not in the map) is resolved through the ordinary system/stub
//     resolver.
//
// Both paths share a single LRU cache, keyed by hostname.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"net/url"
	"regexp"
	"sync"
	"time"

	"github.com/bluele/gcache"
	"github.com/miekg/dns"

	"github.com/shanmiteko/snimap/internal/httpclient"
	"github.com/shanmiteko/snimap/internal/logutil"
)

// ErrNoAddress is returned when a host cannot be resolved through
// either path.
var ErrNoAddress = errors.New("no address found for host")

// DefaultCacheSize sizes a single bounded LRU, with no negative-result
// caching.
const DefaultCacheSize = 1024

// ipLookupURL is the external service used to resolve whitelisted
// hostnames without trusting the local stub resolver. The address is
// itself resolved through the system path (it is never in the
// whitelist).
const ipLookupURL = "https://www.ipaddress.com/ip-lookup"

var ipLookupPattern = regexp.MustCompile(`ipaddress\.com/ipv4/((?:\d{1,3}\.){3}\d{1,3})`)

// Resolver resolves hostnames to dialable addresses, caching results
// in a bounded LRU shared between the whitelist (external) and
// system lookup paths.
type Resolver struct {
	logger *slog.Logger

	cache gcache.Cache

	// whitelist holds the set of hostnames that must be resolved via
	// the external path rather than the system resolver.
	mu        sync.RWMutex
	whitelist map[string]struct{}

	httpClient  *httpclient.Client
	ipLookupURL string

	// resolvConfServers are "host:port" system resolver addresses
	// loaded from /etc/resolv.conf, used for the non-whitelisted path.
	resolvConfServers []string
	dnsClient         *dns.Client

	staticHosts map[string]netip.Addr
}

// Config controls Resolver construction.
type Config struct {
	Logger *slog.Logger

	// Whitelist is the set of hostnames (as produced by
	// snimap.Map.Hostnames) that must never be resolved via the
	// system resolver.
	Whitelist []string

	CacheSize int

	// HTTPClient performs the external IP-lookup request. A nil value
	// builds one from httpclient.DefaultConfig() with SSRF checks
	// disabled, since the lookup target is fixed and trusted.
	HTTPClient *httpclient.Client

	// ResolvConfPath overrides the system resolver config file path,
	// primarily for tests. Defaults to /etc/resolv.conf.
	ResolvConfPath string

	// IPLookupURL overrides the external IP-lookup service base URL,
	// primarily for tests. Defaults to ipLookupURL.
	IPLookupURL string

	// StaticHosts short-circuits both lookup paths for the given
	// hostnames, primarily so tests can point a hostname at an
	// in-process httptest server without touching the network or DNS.
	StaticHosts map[string]netip.Addr
}

// Tuning is the operator-facing subset of Config decodable from the
// config tree's optional top-level [resolver] table via
// internal/tuning. Zero values mean "use the Resolver defaults".
type Tuning struct {
	CacheSize      int    `mapstructure:"cache_size"`
	IPLookupURL    string `mapstructure:"ip_lookup_url"`
	ResolvConfPath string `mapstructure:"resolv_conf_path"`
}

// ApplyDefaults implements tuning.Setter.
func (t *Tuning) ApplyDefaults() {
	if t.CacheSize == 0 {
		t.CacheSize = DefaultCacheSize
	}
}

// New builds a Resolver. It loads the system resolver configuration
// eagerly (a missing or unreadable resolv.conf is not fatal: the
// system lookup path degrades to returning ErrNoAddress).
func New(cfg Config) *Resolver {
	size := cfg.CacheSize
	if size <= 0 {
		size = DefaultCacheSize
	}

	client := cfg.HTTPClient
	if client == nil {
		hc := httpclient.DefaultConfig()
		hc.SSRFMode = "off"
		client = httpclient.New(hc)
	}

	path := cfg.ResolvConfPath
	if path == "" {
		path = "/etc/resolv.conf"
	}

	lookupURL := cfg.IPLookupURL
	if lookupURL == "" {
		lookupURL = ipLookupURL
	}

	static := make(map[string]netip.Addr, len(cfg.StaticHosts))
	for h, a := range cfg.StaticHosts {
		static[h] = a
	}

	r := &Resolver{
		logger:      logutil.NoopIfNil(cfg.Logger),
		cache:       gcache.New(size).LRU().Build(),
		whitelist:   make(map[string]struct{}, len(cfg.Whitelist)),
		httpClient:  client,
		ipLookupURL: lookupURL,
		dnsClient:   &dns.Client{Timeout: 5 * time.Second},
		staticHosts: static,
	}
	for _, h := range cfg.Whitelist {
		r.whitelist[h] = struct{}{}
	}

	if dnsConfig, err := dns.ClientConfigFromFile(path); err != nil {
		r.logger.Warn("failed to load resolv.conf, system lookups will fail", "path", path, "error", err)
	} else {
		for _, s := range dnsConfig.Servers {
			r.resolvConfServers = append(r.resolvConfServers, net.JoinHostPort(s, dnsConfig.Port))
		}
	}

	return r
}

// Clone returns a new Resolver sharing this one's cache, so lookups
// through either value fill and hit the same resolved-address cache.
// The whitelist and static hosts are copied at the time of the call.
func (r *Resolver) Clone() *Resolver {
	r.mu.RLock()
	defer r.mu.RUnlock()

	whitelist := make(map[string]struct{}, len(r.whitelist))
	for h := range r.whitelist {
		whitelist[h] = struct{}{}
	}

	static := make(map[string]netip.Addr, len(r.staticHosts))
	for h, a := range r.staticHosts {
		static[h] = a
	}

	return &Resolver{
		logger:            r.logger,
		cache:             r.cache,
		whitelist:         whitelist,
		httpClient:        r.httpClient,
		ipLookupURL:       r.ipLookupURL,
		resolvConfServers: r.resolvConfServers,
		dnsClient:         r.dnsClient,
		staticHosts:       static,
	}
}

// Lookup resolves host to an address. The cache lock (internal to
// gcache) is only ever held for the duration of a single Get or Set
// call; it is never held across the external HTTP request or DNS
// exchange below, so concurrent lookups for different hosts never
// block on each other's network I/O, and two concurrent lookups for
// the SAME uncached host may both perform the external/system query
// and both call Set (the second write simply overwrites the first
// with an equal value).
func (r *Resolver) Lookup(ctx context.Context, host string) (netip.Addr, error) {
	if addr, ok := r.staticHosts[host]; ok {
		return addr, nil
	}

	if val, err := r.cache.Get(host); err == nil {
		return val.(netip.Addr), nil
	} else if !errors.Is(err, gcache.KeyNotFoundError) {
		r.logger.DebugContext(ctx, "resolver cache get failed", "host", host, "error", err)
	}

	var (
		addr netip.Addr
		err  error
	)
	if r.isWhitelisted(host) {
		addr, err = r.lookupExternal(ctx, host)
	} else {
		addr, err = r.lookupSystem(ctx, host)
	}
	if err != nil {
		return netip.Addr{}, err
	}

	if setErr := r.cache.Set(host, addr); setErr != nil {
		r.logger.DebugContext(ctx, "resolver cache set failed", "host", host, "error", setErr)
	}
	return addr, nil
}

func (r *Resolver) isWhitelisted(host string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.whitelist[host]
	return ok
}

// lookupExternal resolves host through a public IP-lookup service
// rather than the (possibly poisoned) system resolver. This is the
// path used for every hostname the proxy is configured to protect.
// The service expects the hostname posted as a form field rather than
// a path segment, with a matching Referer header.
func (r *Resolver) lookupExternal(ctx context.Context, host string) (netip.Addr, error) {
	form := url.Values{"host": {host}}
	headers := map[string]string{"Referer": r.ipLookupURL}
	body, err := r.httpClient.PostFormBody(ctx, r.ipLookupURL, form, headers)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("external lookup for %s: %w", host, err)
	}

	match := ipLookupPattern.FindSubmatch(body)
	if match == nil {
		return netip.Addr{}, fmt.Errorf("%w: %s: no address in lookup response", ErrNoAddress, host)
	}

	addr, err := netip.ParseAddr(string(match[1]))
	if err != nil {
		return netip.Addr{}, fmt.Errorf("external lookup for %s: invalid address %q: %w", host, match[1], err)
	}
	return addr, nil
}

// lookupSystem resolves host through the stub resolvers configured in
// /etc/resolv.conf, using miekg/dns directly rather than net.Resolver
// so the proxy controls exactly which server answered and can log the
// exchange, instead of delegating to the platform's opaque resolver.
func (r *Resolver) lookupSystem(ctx context.Context, host string) (netip.Addr, error) {
	if len(r.resolvConfServers) == 0 {
		return netip.Addr{}, fmt.Errorf("%w: %s: no system resolvers configured", ErrNoAddress, host)
	}

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(host), dns.TypeA)
	msg.RecursionDesired = true

	for _, server := range r.resolvConfServers {
		resp, _, err := r.dnsClient.ExchangeContext(ctx, msg, server)
		if err != nil {
			r.logger.DebugContext(ctx, "system dns exchange failed", "host", host, "server", server, "error", err)
			continue
		}
		for _, rr := range resp.Answer {
			if a, ok := rr.(*dns.A); ok {
				addr, ok := netip.AddrFromSlice(a.A)
				if ok {
					return addr.Unmap(), nil
				}
			}
		}
	}

	return netip.Addr{}, fmt.Errorf("%w: %s: system lookup exhausted all resolvers", ErrNoAddress, host)
}
