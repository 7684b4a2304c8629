package public

import (
	"context"
	"crypto/tls"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"github.com/pendingdns/pendingdns/certs"
	"github.com/pendingdns/pendingdns/config"
	"github.com/pendingdns/pendingdns/extresolver"
	"github.com/pendingdns/pendingdns/kvstore"
	"github.com/pendingdns/pendingdns/zonestore"
)

func testServer(t *testing.T) (*Server, *zonestore.Store, *kvstore.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	kv, err := kvstore.Open(context.Background(), config.RedisConfig{Addr: mr.Addr()})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { kv.Close() })

	cfg := config.Default()
	cfg.ACME.Email = "certs@example.net"
	cfg.NS = []config.NSConfig{{Domain: "ns1.example.net", IP: "198.51.100.1"}}

	zones := zonestore.New(kv)
	ext := extresolver.New(kv, []string{"127.0.0.1:1"})
	cm := certs.New(kv, zones, ext, cfg, nil)
	srv, err := New(cfg, zones, cm, kv, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return srv, zones, kv
}

func TestSecurityHeadersAnd404(t *testing.T) {
	s, _, _ := testServer(t)

	req := httptest.NewRequest("GET", "http://unknown.example.com/", nil)
	rec := httptest.NewRecorder()
	s.handleRequest(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d", rec.Code)
	}
	h := rec.Header()
	if h.Get("X-Frame-Options") != "DENY" {
		t.Errorf("X-Frame-Options = %q", h.Get("X-Frame-Options"))
	}
	if h.Get("X-Content-Type-Options") != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q", h.Get("X-Content-Type-Options"))
	}
	if !strings.Contains(h.Get("Strict-Transport-Security"), "includeSubDomains") {
		t.Errorf("HSTS = %q", h.Get("Strict-Transport-Security"))
	}
	if h.Get("X-CDN-Loop") != "PendingDNS" {
		t.Errorf("X-CDN-Loop = %q", h.Get("X-CDN-Loop"))
	}
	if !strings.HasPrefix(h.Get("Server"), "PendingDNS/") {
		t.Errorf("Server = %q", h.Get("Server"))
	}
}

func TestLoopDetection(t *testing.T) {
	s, _, _ := testServer(t)

	req := httptest.NewRequest("GET", "http://any.example.com/", nil)
	req.Header.Set("X-CDN-Loop", "upstream, PendingDNS")
	rec := httptest.NewRecorder()
	s.handleRequest(rec, req)

	if rec.Code != http.StatusLoopDetected {
		t.Errorf("status = %d, want 508", rec.Code)
	}
}

func TestRedirectAliasesBareTarget(t *testing.T) {
	s, zones, _ := testServer(t)
	ctx := context.Background()

	if _, err := zones.Add(ctx, "example.com", "go", zonestore.TypeURL,
		zonestore.Value{"https://target.example.org/", nil, false}, zonestore.AddOptions{}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	req := httptest.NewRequest("GET", "http://go.example.com/deep/path?q=1", nil)
	rec := httptest.NewRecorder()
	s.handleRequest(rec, req)

	if rec.Code != http.StatusMovedPermanently {
		t.Errorf("status = %d", rec.Code)
	}
	loc := rec.Header().Get("Location")
	if loc != "https://target.example.org/deep/path?q=1" {
		t.Errorf("Location = %q", loc)
	}
	body, _ := io.ReadAll(rec.Result().Body)
	if !strings.Contains(string(body), "Moved") {
		t.Errorf("redirect body = %q", body)
	}
}

func TestRedirectVerbatimTarget(t *testing.T) {
	s, zones, _ := testServer(t)
	ctx := context.Background()

	zones.Add(ctx, "example.com", "go", zonestore.TypeURL,
		zonestore.Value{"https://target.example.org/landing", float64(302), false}, zonestore.AddOptions{})

	req := httptest.NewRequest("GET", "http://go.example.com/whatever?x=2", nil)
	rec := httptest.NewRecorder()
	s.handleRequest(rec, req)

	if rec.Code != http.StatusFound {
		t.Errorf("status = %d, want 302", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "https://target.example.org/landing" {
		t.Errorf("Location = %q", loc)
	}
}

func TestProxyForwardsWithHeaders(t *testing.T) {
	s, zones, _ := testServer(t)
	ctx := context.Background()

	var gotProto, gotIP, gotHost, gotPath string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotProto = r.Header.Get("X-Forwarded-Proto")
		gotIP = r.Header.Get("X-Connecting-IP")
		gotHost = r.Host
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusTeapot)
	}))
	defer backend.Close()

	zones.Add(ctx, "example.com", "app", zonestore.TypeURL,
		zonestore.Value{backend.URL, nil, true}, zonestore.AddOptions{})

	req := httptest.NewRequest("GET", "http://app.example.com/api/v1?k=v", nil)
	req.RemoteAddr = "192.0.2.7:55555"
	rec := httptest.NewRecorder()
	s.handleRequest(rec, req)

	if rec.Code != http.StatusTeapot {
		t.Errorf("status = %d", rec.Code)
	}
	if gotProto != "http" {
		t.Errorf("X-Forwarded-Proto = %q", gotProto)
	}
	if gotIP != "192.0.2.7" {
		t.Errorf("X-Connecting-IP = %q", gotIP)
	}
	if gotHost != "app.example.com" {
		t.Errorf("Host = %q", gotHost)
	}
	if gotPath != "/api/v1" {
		t.Errorf("path = %q", gotPath)
	}
}

func TestStripHostPort(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"example.com", "example.com"},
		{"Example.com:8443", "example.com"},
		{"[2001:db8::1]:443", "2001:db8::1"},
		{"example.com.", "example.com"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := stripHostPort(tt.in); got != tt.want {
			t.Errorf("stripHostPort(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestTicketUnknownIdentity(t *testing.T) {
	s, _, _ := testServer(t)

	ss, err := s.tickets.UnwrapSession([]byte("nonexistent-ticket"), tls.ConnectionState{})
	if err != nil || ss != nil {
		t.Errorf("unknown ticket must fall back to full handshake: %v, %v", ss, err)
	}
}

func TestTicketRejectsTamperedState(t *testing.T) {
	s, _, kv := testServer(t)
	ctx := context.Background()

	id := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	if err := kv.Set(ctx, ticketKey(id), "garbage-not-a-sealed-state", ticketCreateTTL); err != nil {
		t.Fatalf("seed: %v", err)
	}
	ss, err := s.tickets.UnwrapSession(id, tls.ConnectionState{})
	if err != nil || ss != nil {
		t.Errorf("tampered ticket must fall back to full handshake: %v, %v", ss, err)
	}
}

func TestRedirectBadTargetRenders500(t *testing.T) {
	s, zones, _ := testServer(t)
	ctx := context.Background()

	zones.Add(ctx, "example.com", "bad", zonestore.TypeURL,
		zonestore.Value{"http://ex ample.com/", nil, false}, zonestore.AddOptions{})

	req := httptest.NewRequest("GET", "http://bad.example.com/", nil)
	rec := httptest.NewRecorder()
	s.handleRequest(rec, req)
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d", rec.Code)
	}
}
