package healthcheck

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/pendingdns/pendingdns/config"
	"github.com/pendingdns/pendingdns/kvstore"
	"github.com/pendingdns/pendingdns/zonestore"
)

func testChecker(t *testing.T) (*Checker, *zonestore.Store, *kvstore.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	kv, err := kvstore.Open(context.Background(), config.RedisConfig{Addr: mr.Addr()})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { kv.Close() })

	cfg := config.Default()
	cfg.Health.Enabled = true
	cfg.Health.TTL = 2
	cfg.Health.Delay = 60
	zones := zonestore.New(kv)
	return New(kv, zones, cfg), zones, kv
}

func TestProbeHTTP(t *testing.T) {
	c, _, _ := testChecker(t)

	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer healthy.Close()

	h := c.Probe(healthy.URL)
	if !h.Status || h.Code != http.StatusNoContent {
		t.Errorf("healthy probe = %+v", h)
	}

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failing.Close()

	h = c.Probe(failing.URL)
	if h.Status || h.Code != http.StatusInternalServerError {
		t.Errorf("failing probe = %+v", h)
	}
}

func TestProbeHTTPSkipsVerify(t *testing.T) {
	c, _, _ := testChecker(t)

	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	// The self-signed test certificate must not fail the probe.
	h := c.Probe(srv.URL)
	if !h.Status {
		t.Errorf("https probe should ignore certificate errors: %+v", h)
	}
}

func TestProbeTCP(t *testing.T) {
	c, _, _ := testChecker(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()
	addr := strings.TrimPrefix(srv.URL, "http://")

	h := c.Probe("tcp://" + addr)
	if !h.Status {
		t.Errorf("open port probe = %+v", h)
	}

	// Port 1 is reliably closed.
	h = c.Probe("tcp://127.0.0.1:1")
	if h.Status {
		t.Errorf("closed port probe = %+v", h)
	}
}

func TestProbeRejectsBadURI(t *testing.T) {
	c, _, _ := testChecker(t)
	if h := c.Probe("gopher://example.com"); h.Status {
		t.Errorf("unsupported scheme accepted: %+v", h)
	}
	if h := c.Probe("tcp://noport"); h.Status {
		t.Errorf("missing port accepted: %+v", h)
	}
}

func TestSweepTransitionsOnce(t *testing.T) {
	c, zones, _ := testChecker(t)
	ctx := context.Background()

	id, err := zones.Add(ctx, "example.com", "", zonestore.TypeA,
		zonestore.Value{"127.0.0.1", "tcp://127.0.0.1:1"}, zonestore.AddOptions{})
	if err != nil || id == "" {
		t.Fatalf("Add = %q, %v", id, err)
	}
	member := zonestore.HealthMember("com.example", id)

	transitions := 0
	c.OnTransition = func(string, bool) { transitions++ }

	if err := c.sweep(); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	h, err := zones.HealthStatus(ctx, member)
	if err != nil || h == nil {
		t.Fatalf("HealthStatus = %+v, %v", h, err)
	}
	if h.Status {
		t.Errorf("closed port should be down: %+v", h)
	}
	if transitions != 1 {
		t.Errorf("expected 1 transition, got %d", transitions)
	}

	// Same outcome again: log only, no second transition.
	c.checkMember(ctx, member)
	if transitions != 1 {
		t.Errorf("repeat status must not re-transition, got %d", transitions)
	}
}

func TestSweepDropsOrphan(t *testing.T) {
	c, zones, kv := testChecker(t)
	ctx := context.Background()

	// A queue member whose record no longer exists.
	orphan := zonestore.HealthMember("com.example", zonestore.BuildID("com.example", zonestore.TypeA, "dead00000000"))
	if err := kv.ZAdd(ctx, zonestore.HealthQueueKey, float64(time.Now().Add(-time.Minute).UnixMilli()), orphan); err != nil {
		t.Fatalf("ZAdd: %v", err)
	}

	if err := c.sweep(); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	if h, err := zones.HealthStatus(ctx, orphan); err != nil || h != nil {
		t.Errorf("orphan result should be absent: %+v, %v", h, err)
	}
	if popped, _ := kv.PopDue(ctx, zonestore.HealthQueueKey, float64(time.Now().Add(time.Hour).UnixMilli()), 0); popped != "" {
		t.Errorf("orphan member still queued: %q", popped)
	}
}
