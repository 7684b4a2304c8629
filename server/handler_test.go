package server

import (
	"context"
	"encoding/json"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/miekg/dns"

	"github.com/pendingdns/pendingdns/config"
	"github.com/pendingdns/pendingdns/extresolver"
	"github.com/pendingdns/pendingdns/kvstore"
	"github.com/pendingdns/pendingdns/zonestore"
)

// testWriter records the reply instead of putting it on a socket.
type testWriter struct {
	msg *dns.Msg
	udp bool
}

func (w *testWriter) LocalAddr() net.Addr {
	if w.udp {
		return &net.UDPAddr{IP: net.IPv4zero, Port: 53}
	}
	return &net.TCPAddr{IP: net.IPv4zero, Port: 53}
}
func (w *testWriter) RemoteAddr() net.Addr {
	if w.udp {
		return &net.UDPAddr{IP: net.ParseIP("192.0.2.1"), Port: 4242}
	}
	return &net.TCPAddr{IP: net.ParseIP("192.0.2.1"), Port: 4242}
}
func (w *testWriter) WriteMsg(m *dns.Msg) error   { w.msg = m; return nil }
func (w *testWriter) Write(b []byte) (int, error) { return len(b), nil }
func (w *testWriter) Close() error                { return nil }
func (w *testWriter) TsigStatus() error           { return nil }
func (w *testWriter) TsigTimersOnly(bool)         {}
func (w *testWriter) Hijack()                     {}

func testHandler(t *testing.T) (*Handler, *zonestore.Store, *kvstore.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	kv, err := kvstore.Open(context.Background(), config.RedisConfig{Addr: mr.Addr()})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { kv.Close() })

	cfg := config.Default()
	cfg.DNS.TTL = 300
	cfg.NS = []config.NSConfig{
		{Domain: "ns1.example.net", IP: "198.51.100.1"},
		{Domain: "ns2.example.net", IP: "198.51.100.2"},
	}
	cfg.SOA = config.SOAConfig{
		Admin: "hostmaster@example.net", Serial: 2024010101,
		Refresh: 14400, Retry: 3600, Expiration: 604800, Minimum: 300,
	}
	cfg.Public.Hosts.A = []string{"203.0.113.10"}
	cfg.Public.Hosts.AAAA = []string{"2001:db8::10"}
	cfg.Chaos = map[string]string{"version.bind": "PendingDNS test"}

	zones := zonestore.New(kv)
	// The external resolver never reaches a live upstream in tests; the
	// cache is seeded instead.
	ext := extresolver.New(kv, []string{"127.0.0.1:1"})
	return NewHandler(cfg, zones, ext, nil), zones, kv
}

func query(h *Handler, name string, qtype uint16, udp bool) *dns.Msg {
	req := new(dns.Msg)
	req.SetQuestion(dns.Fqdn(name), qtype)
	w := &testWriter{udp: udp}
	h.ServeDNS(w, req)
	return w.msg
}

func answersOfType(m *dns.Msg, qtype uint16) []dns.RR {
	var out []dns.RR
	for _, rr := range m.Answer {
		if rr.Header().Rrtype == qtype {
			out = append(out, rr)
		}
	}
	return out
}

func TestAQuery(t *testing.T) {
	h, zones, _ := testHandler(t)
	ctx := context.Background()

	if _, err := zones.Add(ctx, "example.com", "", zonestore.TypeA, zonestore.Value{"1.2.3.4", nil}, zonestore.AddOptions{}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	m := query(h, "example.com", dns.TypeA, true)
	if !m.Authoritative || !m.Response {
		t.Errorf("flags wrong: %+v", m.MsgHdr)
	}
	aa := answersOfType(m, dns.TypeA)
	if len(aa) != 1 {
		t.Fatalf("expected 1 A answer, got %d", len(aa))
	}
	a := aa[0].(*dns.A)
	if a.A.String() != "1.2.3.4" || a.Hdr.Ttl != 300 {
		t.Errorf("answer = %v ttl %d", a.A, a.Hdr.Ttl)
	}
}

func TestCNAMEChase(t *testing.T) {
	h, zones, _ := testHandler(t)
	ctx := context.Background()

	zones.Add(ctx, "example.com", "", zonestore.TypeA, zonestore.Value{"1.2.3.4", nil}, zonestore.AddOptions{})
	zones.Add(ctx, "example.com", "www", zonestore.TypeCNAME, zonestore.Value{"@"}, zonestore.AddOptions{})

	m := query(h, "www.example.com", dns.TypeA, true)

	cnames := answersOfType(m, dns.TypeCNAME)
	if len(cnames) != 1 {
		t.Fatalf("expected 1 CNAME, got %d", len(cnames))
	}
	if cnames[0].(*dns.CNAME).Target != "example.com." {
		t.Errorf("cname target = %q", cnames[0].(*dns.CNAME).Target)
	}
	aa := answersOfType(m, dns.TypeA)
	if len(aa) != 1 || aa[0].(*dns.A).A.String() != "1.2.3.4" {
		t.Errorf("chased A missing: %v", m.Answer)
	}
}

func TestCNAMEChaseTerminates(t *testing.T) {
	h, zones, _ := testHandler(t)
	ctx := context.Background()

	// A two-node CNAME loop must stop at the chase depth limit instead
	// of hanging.
	zones.Add(ctx, "example.com", "a", zonestore.TypeCNAME, zonestore.Value{"b.example.com"}, zonestore.AddOptions{})
	zones.Add(ctx, "example.com", "b", zonestore.TypeCNAME, zonestore.Value{"a.example.com"}, zonestore.AddOptions{})

	done := make(chan *dns.Msg, 1)
	go func() { done <- query(h, "a.example.com", dns.TypeA, false) }()
	select {
	case m := <-done:
		cnames := answersOfType(m, dns.TypeCNAME)
		if len(cnames) != maxChaseDepth+1 {
			t.Errorf("expected %d chained CNAMEs, got %d", maxChaseDepth+1, len(cnames))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("CNAME chase did not terminate")
	}
}

func TestMXOrdering(t *testing.T) {
	h, zones, _ := testHandler(t)
	ctx := context.Background()

	zones.Add(ctx, "example.com", "", zonestore.TypeMX, zonestore.Value{"mx1.example.com", float64(10)}, zonestore.AddOptions{})
	zones.Add(ctx, "example.com", "", zonestore.TypeMX, zonestore.Value{"mx2.example.com", float64(1)}, zonestore.AddOptions{})

	m := query(h, "example.com", dns.TypeMX, true)
	mx := answersOfType(m, dns.TypeMX)
	if len(mx) != 2 {
		t.Fatalf("expected 2 MX answers, got %d", len(mx))
	}
	if mx[0].(*dns.MX).Preference != 1 || mx[1].(*dns.MX).Preference != 10 {
		t.Errorf("MX order: %v", mx)
	}
}

func TestTXTChunking(t *testing.T) {
	h, zones, _ := testHandler(t)
	ctx := context.Background()

	long := strings.Repeat("x", 200)
	zones.Add(ctx, "example.com", "big", zonestore.TypeTXT, zonestore.Value{long}, zonestore.AddOptions{})
	zones.Add(ctx, "example.com", "small", zonestore.TypeTXT, zonestore.Value{"short"}, zonestore.AddOptions{})

	m := query(h, "big.example.com", dns.TypeTXT, false)
	txt := answersOfType(m, dns.TypeTXT)
	if len(txt) != 1 {
		t.Fatalf("expected 1 TXT answer, got %d", len(txt))
	}
	chunks := txt[0].(*dns.TXT).Txt
	if len(chunks) != 3 || len(chunks[0]) != 84 || len(chunks[1]) != 84 || len(chunks[2]) != 32 {
		t.Errorf("chunking wrong: %d chunks %v", len(chunks), lens(chunks))
	}

	m = query(h, "small.example.com", dns.TypeTXT, false)
	txt = answersOfType(m, dns.TypeTXT)
	if len(txt) != 1 || len(txt[0].(*dns.TXT).Txt) != 1 {
		t.Errorf("short TXT must stay single: %v", txt)
	}
}

func lens(ss []string) []int {
	out := make([]int, len(ss))
	for i, s := range ss {
		out[i] = len(s)
	}
	return out
}

func TestSOASynthesis(t *testing.T) {
	h, _, _ := testHandler(t)

	m := query(h, "anything.example.com", dns.TypeSOA, true)
	soas := answersOfType(m, dns.TypeSOA)
	if len(soas) != 1 {
		t.Fatalf("expected 1 SOA, got %d", len(soas))
	}
	soa := soas[0].(*dns.SOA)
	if soa.Ns != "ns1.example.net." {
		t.Errorf("primary = %q", soa.Ns)
	}
	if soa.Serial != 2024010101 || soa.Minttl != 300 {
		t.Errorf("soa fields = %+v", soa)
	}
}

func TestNSSynthesis(t *testing.T) {
	h, _, _ := testHandler(t)

	m := query(h, "example.com", dns.TypeNS, true)
	nss := answersOfType(m, dns.TypeNS)
	if len(nss) != 2 {
		t.Fatalf("expected 2 NS answers, got %d", len(nss))
	}
}

func TestNSOwnAddressSynthesis(t *testing.T) {
	h, _, _ := testHandler(t)

	m := query(h, "ns1.example.net", dns.TypeA, true)
	aa := answersOfType(m, dns.TypeA)
	if len(aa) != 1 || aa[0].(*dns.A).A.String() != "198.51.100.1" {
		t.Errorf("nameserver A synthesis: %v", m.Answer)
	}
}

func TestCAASynthesis(t *testing.T) {
	h, _, _ := testHandler(t)

	m := query(h, "whatever.example.com", dns.TypeCAA, true)
	caas := answersOfType(m, dns.TypeCAA)
	if len(caas) != 2 {
		t.Fatalf("expected 2 CAA answers, got %d", len(caas))
	}
	tags := map[string]bool{}
	for _, rr := range caas {
		caa := rr.(*dns.CAA)
		if caa.Value != "letsencrypt.org" {
			t.Errorf("caa value = %q", caa.Value)
		}
		tags[caa.Tag] = true
	}
	if !tags["issue"] || !tags["issuewild"] {
		t.Errorf("caa tags = %v", tags)
	}
}

func TestStoredCAAWins(t *testing.T) {
	h, zones, _ := testHandler(t)
	ctx := context.Background()

	zones.Add(ctx, "example.com", "", zonestore.TypeCAA, zonestore.Value{"digicert.com", "issue", float64(0)}, zonestore.AddOptions{})

	m := query(h, "example.com", dns.TypeCAA, true)
	caas := answersOfType(m, dns.TypeCAA)
	if len(caas) != 1 || caas[0].(*dns.CAA).Value != "digicert.com" {
		t.Errorf("stored CAA not served: %v", m.Answer)
	}
}

func TestChaos(t *testing.T) {
	h, _, _ := testHandler(t)

	req := new(dns.Msg)
	req.SetQuestion("version.bind.", dns.TypeTXT)
	req.Question[0].Qclass = dns.ClassCHAOS
	w := &testWriter{udp: true}
	h.ServeDNS(w, req)
	txt := answersOfType(w.msg, dns.TypeTXT)
	if len(txt) != 1 || txt[0].(*dns.TXT).Txt[0] != "PendingDNS test" {
		t.Errorf("chaos answer = %v", w.msg.Answer)
	}
	if txt[0].Header().Class != dns.ClassCHAOS {
		t.Errorf("chaos class = %d", txt[0].Header().Class)
	}

	// Unconfigured identities are refused.
	req = new(dns.Msg)
	req.SetQuestion("hostname.bind.", dns.TypeTXT)
	req.Question[0].Qclass = dns.ClassCHAOS
	w = &testWriter{udp: true}
	h.ServeDNS(w, req)
	if w.msg.Rcode != dns.RcodeRefused {
		t.Errorf("expected REFUSED, got %s", dns.RcodeToString[w.msg.Rcode])
	}
}

func TestURLRecordAnswersPublicHosts(t *testing.T) {
	h, zones, _ := testHandler(t)
	ctx := context.Background()

	zones.Add(ctx, "example.com", "go", zonestore.TypeURL, zonestore.Value{"https://target.example.org/", nil, false}, zonestore.AddOptions{})

	m := query(h, "go.example.com", dns.TypeA, true)
	aa := answersOfType(m, dns.TypeA)
	if len(aa) != 1 || aa[0].(*dns.A).A.String() != "203.0.113.10" {
		t.Errorf("URL A synthesis: %v", m.Answer)
	}

	m = query(h, "go.example.com", dns.TypeAAAA, true)
	aaaa := answersOfType(m, dns.TypeAAAA)
	if len(aaaa) != 1 || aaaa[0].(*dns.AAAA).AAAA.String() != "2001:db8::10" {
		t.Errorf("URL AAAA synthesis: %v", m.Answer)
	}

	// The URL record itself never appears for other query types.
	m = query(h, "go.example.com", dns.TypeTXT, true)
	if len(m.Answer) != 0 {
		t.Errorf("URL leaked on TXT query: %v", m.Answer)
	}
}

func TestANAMEResolvesExternally(t *testing.T) {
	h, zones, kv := testHandler(t)
	ctx := context.Background()

	zones.Add(ctx, "example.com", "", zonestore.TypeANAME, zonestore.Value{"ext.example.org"}, zonestore.AddOptions{})

	// Seed the external resolver cache so no upstream is needed.
	entry := map[string]interface{}{
		"expires": time.Now().Add(time.Hour).UnixMilli(),
		"data":    []string{"7.7.7.7"},
	}
	raw, _ := json.Marshal(entry)
	if err := kv.Set(ctx, "d:cache:ext.example.org:A", string(raw), time.Hour); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	m := query(h, "example.com", dns.TypeA, true)
	aa := answersOfType(m, dns.TypeA)
	if len(aa) != 1 || aa[0].(*dns.A).A.String() != "7.7.7.7" {
		t.Errorf("ANAME resolution: %v", m.Answer)
	}
}

func TestFailOpenHealth(t *testing.T) {
	h, zones, _ := testHandler(t)
	ctx := context.Background()

	id, _ := zones.Add(ctx, "example.com", "", zonestore.TypeA, zonestore.Value{"1.2.3.4", "tcp://1.2.3.4:1"}, zonestore.AddOptions{})
	member := zonestore.HealthMember("com.example", id)
	zones.SetHealthStatus(ctx, member, zonestore.Health{Status: false, Error: "down"})

	// The only address is unhealthy; it must still be served.
	m := query(h, "example.com", dns.TypeA, true)
	aa := answersOfType(m, dns.TypeA)
	if len(aa) != 1 {
		t.Fatalf("fail-open violated: %v", m.Answer)
	}
}

func TestHealthyFilter(t *testing.T) {
	h, zones, _ := testHandler(t)
	ctx := context.Background()

	downID, _ := zones.Add(ctx, "example.com", "", zonestore.TypeA, zonestore.Value{"1.1.1.1", "tcp://1.1.1.1:1"}, zonestore.AddOptions{})
	zones.Add(ctx, "example.com", "", zonestore.TypeA, zonestore.Value{"2.2.2.2", "tcp://2.2.2.2:1"}, zonestore.AddOptions{})
	zones.SetHealthStatus(ctx, zonestore.HealthMember("com.example", downID), zonestore.Health{Status: false})

	m := query(h, "example.com", dns.TypeA, true)
	aa := answersOfType(m, dns.TypeA)
	if len(aa) != 1 || aa[0].(*dns.A).A.String() != "2.2.2.2" {
		t.Errorf("unhealthy address not filtered: %v", m.Answer)
	}
}

func TestOversizeUDPAnswersEmpty(t *testing.T) {
	h, zones, _ := testHandler(t)
	ctx := context.Background()

	long := strings.Repeat("y", 500)
	zones.Add(ctx, "example.com", "big", zonestore.TypeTXT, zonestore.Value{long}, zonestore.AddOptions{})

	m := query(h, "big.example.com", dns.TypeTXT, true)
	if len(m.Answer) != 0 {
		t.Errorf("oversize UDP reply not emptied: %d answers", len(m.Answer))
	}
	if !m.Response || !m.Authoritative {
		t.Errorf("flags wrong on empty reply: %+v", m.MsgHdr)
	}

	// The same query over TCP carries the full answer.
	m = query(h, "big.example.com", dns.TypeTXT, false)
	if len(m.Answer) != 1 {
		t.Errorf("TCP reply should be complete: %v", m.Answer)
	}
}

func TestUnknownNameIsNXDomain(t *testing.T) {
	h, _, _ := testHandler(t)
	m := query(h, "nothing.example.com", dns.TypeMX, true)
	if m.Rcode != dns.RcodeNameError {
		t.Errorf("expected NXDOMAIN, got %s", dns.RcodeToString[m.Rcode])
	}
}

func TestUnsupportedQtypeIgnored(t *testing.T) {
	h, _, _ := testHandler(t)
	m := query(h, "example.com", dns.TypeSRV, true)
	if len(m.Answer) != 0 {
		t.Errorf("unexpected answers: %v", m.Answer)
	}
}
