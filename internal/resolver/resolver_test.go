package resolver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/miekg/dns"
)

func startFakeDNSServer(t *testing.T, answer netip.Addr) (addr string, shutdown func()) {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}

	mux := dns.NewServeMux()
	mux.HandleFunc(".", func(w dns.ResponseWriter, r *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(r)
		if len(r.Question) > 0 && r.Question[0].Qtype == dns.TypeA {
			rr, err := dns.NewRR(fmt.Sprintf("%s 60 IN A %s", r.Question[0].Name, answer.String()))
			if err == nil {
				m.Answer = append(m.Answer, rr)
			}
		}
		_ = w.WriteMsg(m)
	})

	srv := &dns.Server{PacketConn: pc, Handler: mux}
	go srv.ActivateAndServe()

	return pc.LocalAddr().String(), func() { srv.Shutdown() }
}

func writeResolvConf(t *testing.T, server string) string {
	t.Helper()
	host, _, err := net.SplitHostPort(server)
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "resolv.conf")
	contents := fmt.Sprintf("nameserver %s\noptions ndots:0\n", host)
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write resolv.conf: %v", err)
	}
	return path
}

func TestLookup_SystemPath(t *testing.T) {
	want := netip.MustParseAddr("203.0.113.10")
	addr, shutdown := startFakeDNSServer(t, want)
	defer shutdown()

	path := writeResolvConf(t, addr)
	r := New(Config{ResolvConfPath: path})

	// The resolv.conf parser assumes the standard port 53, but our test
	// server binds an ephemeral port, so point resolvConfServers at it
	// directly rather than relying on ClientConfigFromFile's fixed port.
	r.resolvConfServers = []string{addr}

	got, err := r.Lookup(context.Background(), "system.example")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestLookup_ExternalPathForWhitelistedHost(t *testing.T) {
	want := "198.51.100.7"
	var gotMethod, gotHost, gotReferer string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotReferer = r.Header.Get("Referer")
		if err := r.ParseForm(); err == nil {
			gotHost = r.PostFormValue("host")
		}
		fmt.Fprintf(w, "details at ipaddress.com/ipv4/%s for your host", want)
	}))
	defer srv.Close()

	r := New(Config{
		Whitelist:   []string{"blocked.example"},
		IPLookupURL: srv.URL,
	})

	addr, err := r.Lookup(context.Background(), "blocked.example")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if addr.String() != want {
		t.Errorf("got %v, want %v", addr, want)
	}
	if gotMethod != http.MethodPost {
		t.Errorf("method = %q, want POST", gotMethod)
	}
	if gotHost != "blocked.example" {
		t.Errorf("posted host field = %q, want blocked.example", gotHost)
	}
	if gotReferer != srv.URL {
		t.Errorf("Referer = %q, want %q", gotReferer, srv.URL)
	}
}

func TestLookup_CachesResult(t *testing.T) {
	want := "198.51.100.8"
	var hits int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		fmt.Fprintf(w, "ipaddress.com/ipv4/%s", want)
	}))
	defer srv.Close()

	r := New(Config{
		Whitelist:   []string{"cached.example"},
		IPLookupURL: srv.URL,
	})

	for i := 0; i < 3; i++ {
		if _, err := r.Lookup(context.Background(), "cached.example"); err != nil {
			t.Fatalf("Lookup #%d: %v", i, err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if hits != 1 {
		t.Errorf("expected exactly 1 external lookup due to caching, got %d", hits)
	}
}

func TestLookup_ConcurrentLookupsDoNotDeadlock(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(10 * time.Millisecond)
		fmt.Fprint(w, "ipaddress.com/ipv4/198.51.100.9")
	}))
	defer srv.Close()

	r := New(Config{
		Whitelist:   []string{"concurrent.example"},
		IPLookupURL: srv.URL,
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = r.Lookup(context.Background(), "concurrent.example")
		}()
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("concurrent lookups deadlocked")
	}
}

func TestLookup_NoSystemResolversConfigured(t *testing.T) {
	r := New(Config{ResolvConfPath: filepath.Join(t.TempDir(), "missing-resolv.conf")})

	_, err := r.Lookup(context.Background(), "unwhitelisted.example")
	if err == nil {
		t.Fatal("expected error when no system resolvers are configured")
	}
}

func TestClone_SharesCache(t *testing.T) {
	want := "198.51.100.20"
	var hits int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		fmt.Fprintf(w, "ipaddress.com/ipv4/%s", want)
	}))
	defer srv.Close()

	r := New(Config{
		Whitelist:   []string{"shared.example"},
		IPLookupURL: srv.URL,
	})
	clone := r.Clone()

	if _, err := r.Lookup(context.Background(), "shared.example"); err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if _, err := clone.Lookup(context.Background(), "shared.example"); err != nil {
		t.Fatalf("clone Lookup: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if hits != 1 {
		t.Errorf("expected clone to reuse the shared cache, got %d external hits", hits)
	}
}
