package forwarder

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shanmiteko/snimap/internal/snimap"
	"github.com/shanmiteko/snimap/internal/upstream"
)

// fakeDoer records the last request it received and replays a fixed
// response, standing in for the real TLS-dialing upstream clients.
type fakeDoer struct {
	lastReq *http.Request
	resp    *http.Response
	err     error
}

func (f *fakeDoer) Do(req *http.Request) (*http.Response, error) {
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func newFakeResponse(body string) *http.Response {
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"X-Upstream": {"yes"}},
		Body:       io.NopCloser(bytes.NewBufferString(body)),
	}
}

func directMap(decisions map[string]snimap.Decision) *snimap.Map {
	return snimap.New(decisions)
}

// S1: Preserve — request for a mapped host with no overrides is
// forwarded with the SNI client, same host, same path.
func TestServeHTTP_Preserve(t *testing.T) {
	m := directMap(map[string]snimap.Decision{
		"origin.example": {Kind: snimap.Preserve, Name: "origin.example"},
	})

	sni := &fakeDoer{resp: newFakeResponse("preserved")}
	noSNI := &fakeDoer{}
	f := NewWithClients(nil, m, sni, noSNI)

	req := httptest.NewRequest(http.MethodGet, "https://origin.example/path?q=1", nil)
	req.Host = "origin.example"
	rec := httptest.NewRecorder()

	f.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if sni.lastReq == nil {
		t.Fatal("expected SNI client to receive the request")
	}
	if noSNI.lastReq != nil {
		t.Error("expected NoSNI client not to be used for Preserve")
	}
	if sni.lastReq.URL.Host != "origin.example" || sni.lastReq.URL.Path != "/path" {
		t.Errorf("upstream request = %s", sni.lastReq.URL)
	}
	if rec.Body.String() != "preserved" {
		t.Errorf("body = %q", rec.Body.String())
	}
}

// S2: Override — forwarded via the SNI client, with the front domain
// attached to the outbound request's context.
func TestServeHTTP_Override(t *testing.T) {
	m := directMap(map[string]snimap.Decision{
		"origin.example": {Kind: snimap.Override, Name: "front.example"},
	})

	sni := &fakeDoer{resp: newFakeResponse("fronted")}
	f := NewWithClients(nil, m, sni, &fakeDoer{})

	req := httptest.NewRequest(http.MethodGet, "https://origin.example/", nil)
	req.Host = "origin.example"
	rec := httptest.NewRecorder()

	f.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	name, ok := serverNameFor(sni.lastReq)
	if !ok || name != "front.example" {
		t.Errorf("got (%q, %v), want (front.example, true)", name, ok)
	}
	if sni.lastReq.URL.Host != "front.example" {
		t.Errorf("URL.Host = %q, want the front domain so Transport dials it, not the origin", sni.lastReq.URL.Host)
	}
	if sni.lastReq.Host != "origin.example" {
		t.Errorf("Host header = %q, want the origin", sni.lastReq.Host)
	}
}

// S3: Disable — forwarded via the NoSNI client.
func TestServeHTTP_Disable(t *testing.T) {
	m := directMap(map[string]snimap.Decision{
		"origin.example": {Kind: snimap.Disable},
	})

	noSNI := &fakeDoer{resp: newFakeResponse("no-sni")}
	f := NewWithClients(nil, m, &fakeDoer{}, noSNI)

	req := httptest.NewRequest(http.MethodGet, "https://origin.example/", nil)
	req.Host = "origin.example"
	rec := httptest.NewRecorder()

	f.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if noSNI.lastReq == nil {
		t.Fatal("expected NoSNI client to receive the request")
	}
}

// S4: an unmapped host is rejected before any upstream client runs.
func TestServeHTTP_UnknownHost(t *testing.T) {
	m := directMap(nil)
	sni := &fakeDoer{}
	noSNI := &fakeDoer{}
	f := NewWithClients(nil, m, sni, noSNI)

	req := httptest.NewRequest(http.MethodGet, "https://unknown.example/", nil)
	req.Host = "unknown.example"
	rec := httptest.NewRecorder()

	f.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "unknown.example") {
		t.Errorf("body = %q, want it to mention the host", rec.Body.String())
	}
	if sni.lastReq != nil || noSNI.lastReq != nil {
		t.Error("expected no upstream client to be invoked for an unmapped host")
	}
}

// S5: a request with no Host header is rejected with 404, never
// reaching the snimap lookup.
func TestServeHTTP_MissingHostHeader(t *testing.T) {
	m := directMap(map[string]snimap.Decision{
		"origin.example": {Kind: snimap.Preserve, Name: "origin.example"},
	})
	f := NewWithClients(nil, m, &fakeDoer{}, &fakeDoer{})

	req := httptest.NewRequest(http.MethodGet, "https://origin.example/", nil)
	req.Host = ""
	rec := httptest.NewRecorder()

	f.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestServeHTTP_UpstreamErrorYieldsBadGateway(t *testing.T) {
	m := directMap(map[string]snimap.Decision{
		"origin.example": {Kind: snimap.Preserve, Name: "origin.example"},
	})
	sni := &fakeDoer{err: io.ErrClosedPipe}
	f := NewWithClients(nil, m, sni, &fakeDoer{})

	req := httptest.NewRequest(http.MethodGet, "https://origin.example/", nil)
	req.Host = "origin.example"
	rec := httptest.NewRecorder()

	f.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", rec.Code)
	}
}

func TestCopyRequestHeaders_MergesDuplicates(t *testing.T) {
	src := http.Header{"X-Multi": {"a", "b"}}
	dst := http.Header{}
	copyRequestHeaders(dst, src)

	if got := dst.Get("X-Multi"); got != "a; b" {
		t.Errorf("got %q, want %q", got, "a; b")
	}
}

func TestCopyRequestHeaders_DropsHopByHop(t *testing.T) {
	src := http.Header{"Connection": {"keep-alive"}, "X-Keep": {"yes"}}
	dst := http.Header{}
	copyRequestHeaders(dst, src)

	if dst.Get("Connection") != "" {
		t.Error("expected Connection header to be dropped")
	}
	if dst.Get("X-Keep") != "yes" {
		t.Error("expected non-hop-by-hop header to survive")
	}
}

func serverNameFor(req *http.Request) (string, bool) {
	return upstream.ServerNameFromContext(req.Context())
}
