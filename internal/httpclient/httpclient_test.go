package httpclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
)

func TestPostFormBody_SendsFormFieldsAndHeaders(t *testing.T) {
	var gotMethod, gotContentType, gotReferer, gotHost string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotContentType = r.Header.Get("Content-Type")
		gotReferer = r.Header.Get("Referer")
		if err := r.ParseForm(); err == nil {
			gotHost = r.PostFormValue("host")
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c := New(DefaultConfig())
	body, err := c.PostFormBody(context.Background(), srv.URL, url.Values{"host": {"example.test"}}, map[string]string{"Referer": srv.URL})
	if err != nil {
		t.Fatalf("PostFormBody: %v", err)
	}
	if string(body) != "ok" {
		t.Errorf("body = %q", body)
	}
	if gotMethod != http.MethodPost {
		t.Errorf("method = %q, want POST", gotMethod)
	}
	if gotContentType != "application/x-www-form-urlencoded" {
		t.Errorf("Content-Type = %q", gotContentType)
	}
	if gotReferer != srv.URL {
		t.Errorf("Referer = %q, want %q", gotReferer, srv.URL)
	}
	if gotHost != "example.test" {
		t.Errorf("posted host field = %q, want example.test", gotHost)
	}
}

func TestGet_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c := New(DefaultConfig())
	resp, err := c.Get(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestGet_FollowsSameHostRedirect(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/start" {
			http.Redirect(w, r, srv.URL+"/end", http.StatusFound)
			return
		}
		w.Write([]byte("landed"))
	}))
	defer srv.Close()

	c := New(DefaultConfig())
	resp, err := c.Get(context.Background(), srv.URL+"/start")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestGet_TooManyRedirectsBlocked(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, srv.URL+r.URL.Path+"x", http.StatusFound)
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.MaxRedirects = 1
	c := New(cfg)

	_, err := c.Get(context.Background(), srv.URL+"/start")
	if err == nil {
		t.Fatal("expected error for runaway redirect chain")
	}
}

func TestGetBody_RespectsSizeLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, 1<<20+1))
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.MaxResponseBytes = 1 << 20
	c := New(cfg)

	_, err := c.GetBody(context.Background(), srv.URL)
	if err == nil {
		t.Fatal("expected ErrResponseTooLarge")
	}
}

func TestCheckSSRFHost_BlocksLoopback(t *testing.T) {
	err := checkSSRFHost(context.Background(), "127.0.0.1")
	if err == nil {
		t.Fatal("expected loopback to be blocked")
	}
}

func TestCheckSSRFHost_AllowsPublicIP(t *testing.T) {
	err := checkSSRFHost(context.Background(), "93.184.216.34")
	if err != nil {
		t.Errorf("expected public IP to be allowed, got %v", err)
	}
}
