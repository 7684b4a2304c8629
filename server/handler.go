package server

import (
	"context"
	"log"
	"math/rand"
	"net"
	"sort"
	"strings"
	"sync"

	"github.com/miekg/dns"

	"github.com/pendingdns/pendingdns/config"
	"github.com/pendingdns/pendingdns/extresolver"
	"github.com/pendingdns/pendingdns/metrics"
	"github.com/pendingdns/pendingdns/zonestore"
)

// maxChaseDepth bounds CNAME chasing.
const maxChaseDepth = 10

// Handler turns a parsed DNS query into an authoritative answer. Questions
// are processed concurrently; appends to the shared response are
// serialized.
type Handler struct {
	cfg     *config.Config
	zones   *zonestore.Store
	ext     *extresolver.Resolver
	metrics *metrics.Collector
}

// NewHandler wires the handler to its collaborators.
func NewHandler(cfg *config.Config, zones *zonestore.Store, ext *extresolver.Resolver, col *metrics.Collector) *Handler {
	return &Handler{cfg: cfg, zones: zones, ext: ext, metrics: col}
}

// ServeDNS implements dns.Handler.
func (h *Handler) ServeDNS(w dns.ResponseWriter, r *dns.Msg) {
	ctx := context.Background()

	m := new(dns.Msg)
	m.SetReply(r)
	m.Authoritative = true
	m.RecursionAvailable = false

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, q := range r.Question {
		q := q
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.processQuestion(ctx, m, &mu, q, q.Name, 0)
		}()
	}
	wg.Wait()

	if m.Rcode == dns.RcodeSuccess && len(m.Answer) == 0 {
		m.Rcode = dns.RcodeNameError
	}

	// Without EDNS a UDP reply is capped at the classic 512 bytes.
	// Oversized responses are replaced by an empty authoritative reply;
	// the client retries over TCP.
	if w.LocalAddr() != nil && w.LocalAddr().Network() == "udp" && m.Len() > dns.MinMsgSize {
		empty := new(dns.Msg)
		empty.SetReply(r)
		empty.Authoritative = true
		m = empty
	}

	if h.metrics != nil && len(r.Question) > 0 {
		h.metrics.CountQuery(dns.TypeToString[r.Question[0].Qtype], dns.RcodeToString[m.Rcode])
	}
	if err := w.WriteMsg(m); err != nil {
		log.Printf("[dns] write reply: %v", err)
	}
}

// queryTypes maps a wire qtype to the stored types consulted for it.
func queryTypes(qtype uint16) []zonestore.Type {
	switch qtype {
	case dns.TypeANY:
		return []zonestore.Type{zonestore.TypeA, zonestore.TypeAAAA, zonestore.TypeCNAME}
	case dns.TypeA:
		return []zonestore.Type{zonestore.TypeA, zonestore.TypeCNAME, zonestore.TypeANAME, zonestore.TypeURL}
	case dns.TypeAAAA:
		return []zonestore.Type{zonestore.TypeAAAA, zonestore.TypeCNAME, zonestore.TypeANAME, zonestore.TypeURL}
	case dns.TypeTXT:
		return []zonestore.Type{zonestore.TypeTXT, zonestore.TypeCNAME}
	case dns.TypeCNAME:
		return []zonestore.Type{zonestore.TypeCNAME}
	case dns.TypeMX:
		return []zonestore.Type{zonestore.TypeMX}
	case dns.TypeNS:
		return []zonestore.Type{zonestore.TypeNS}
	case dns.TypeCAA:
		return []zonestore.Type{zonestore.TypeCAA}
	case dns.TypeSOA:
		return nil
	}
	return nil
}

func supportedQtype(qtype uint16) bool {
	switch qtype {
	case dns.TypeA, dns.TypeAAAA, dns.TypeCNAME, dns.TypeMX, dns.TypeTXT,
		dns.TypeNS, dns.TypeSOA, dns.TypeCAA, dns.TypeANY:
		return true
	}
	return false
}

// processQuestion resolves one question (or one CNAME chase level) and
// appends its answers. wireName is the owner name stamped on the answers at
// this level.
func (h *Handler) processQuestion(ctx context.Context, m *dns.Msg, mu *sync.Mutex, q dns.Question, wireName string, depth int) {
	if q.Qclass == dns.ClassCHAOS {
		h.answerChaos(m, mu, q)
		return
	}
	if q.Qclass != dns.ClassINET || !supportedQtype(q.Qtype) {
		return
	}

	name, err := zonestore.Normalize(wireName)
	if err != nil || name == "" {
		return
	}

	total := 0
	byType := make(map[zonestore.Type][]zonestore.Entry)
	for _, t := range queryTypes(q.Qtype) {
		entries, err := h.zones.Resolve(ctx, name, t, false)
		if err != nil {
			log.Printf("[dns] resolve %s %s: %v", name, t, err)
			continue
		}
		if len(entries) == 0 {
			continue
		}
		switch t {
		case zonestore.TypeA, zonestore.TypeAAAA:
			shuffleEntries(entries)
			entries = filterHealthy(entries)
		case zonestore.TypeMX:
			sort.SliceStable(entries, func(i, j int) bool {
				_, pi := entries[i].Value.Exchange()
				_, pj := entries[j].Value.Exchange()
				return pi < pj
			})
		}
		byType[t] = entries
		total += len(entries)
	}

	if total == 0 {
		h.synthesize(m, mu, q, name, wireName)
		return
	}

	for _, t := range zonestore.TypeOrder {
		for _, e := range byType[t] {
			h.appendEntry(ctx, m, mu, q, e, wireName, depth)
		}
	}
}

// appendEntry serializes one stored entry into wire answers for the
// question.
func (h *Handler) appendEntry(ctx context.Context, m *dns.Msg, mu *sync.Mutex, q dns.Question, e zonestore.Entry, wireName string, depth int) {
	hdr := dns.RR_Header{
		Name:  dns.Fqdn(wireName),
		Class: dns.ClassINET,
		Ttl:   h.cfg.DNS.TTL,
	}

	switch e.Type {
	case zonestore.TypeA:
		ip := net.ParseIP(e.Value.Address())
		if ip == nil || ip.To4() == nil {
			return
		}
		hdr.Rrtype = dns.TypeA
		h.append(m, mu, &dns.A{Hdr: hdr, A: ip.To4()})

	case zonestore.TypeAAAA:
		ip := net.ParseIP(e.Value.Address())
		if ip == nil || ip.To4() != nil {
			return
		}
		hdr.Rrtype = dns.TypeAAAA
		h.append(m, mu, &dns.AAAA{Hdr: hdr, AAAA: ip})

	case zonestore.TypeCNAME:
		target := h.resolveTarget(e)
		hdr.Rrtype = dns.TypeCNAME
		h.append(m, mu, &dns.CNAME{Hdr: hdr, Target: punycodeFqdn(target)})
		if q.Qtype != dns.TypeCNAME && depth < maxChaseDepth {
			h.processQuestion(ctx, m, mu, q, target, depth+1)
		}

	case zonestore.TypeANAME:
		// ANAME never reaches the wire: resolve the foreign target and
		// answer with synthetic records of the requested type.
		qtype := "A"
		if q.Qtype == dns.TypeAAAA {
			qtype = "AAAA"
		}
		addrs, err := h.ext.Resolve(ctx, h.resolveTarget(e), qtype, extresolver.DefaultOptions())
		if err != nil {
			log.Printf("[dns] aname %s: %v", e.Name, err)
			return
		}
		rand.Shuffle(len(addrs), func(i, j int) { addrs[i], addrs[j] = addrs[j], addrs[i] })
		h.appendAddresses(m, mu, hdr, q.Qtype, addrs)

	case zonestore.TypeURL:
		// URL records answer A/AAAA with the configured public hosts.
		var addrs []string
		if q.Qtype == dns.TypeA {
			addrs = append([]string(nil), h.cfg.Public.Hosts.A...)
		} else if q.Qtype == dns.TypeAAAA {
			addrs = append([]string(nil), h.cfg.Public.Hosts.AAAA...)
		} else {
			return
		}
		rand.Shuffle(len(addrs), func(i, j int) { addrs[i], addrs[j] = addrs[j], addrs[i] })
		h.appendAddresses(m, mu, hdr, q.Qtype, addrs)

	case zonestore.TypeMX:
		exchange, prio := e.Value.Exchange()
		hdr.Rrtype = dns.TypeMX
		h.append(m, mu, &dns.MX{Hdr: hdr, Preference: uint16(prio), Mx: punycodeFqdn(exchange)})

	case zonestore.TypeTXT:
		hdr.Rrtype = dns.TypeTXT
		h.append(m, mu, &dns.TXT{Hdr: hdr, Txt: chunkTXT(e.Value.Data())})

	case zonestore.TypeCAA:
		value, tag, flags := e.Value.CAA()
		hdr.Rrtype = dns.TypeCAA
		h.append(m, mu, &dns.CAA{Hdr: hdr, Flag: uint8(flags), Tag: tag, Value: value})

	case zonestore.TypeNS:
		hdr.Rrtype = dns.TypeNS
		h.append(m, mu, &dns.NS{Hdr: hdr, Ns: punycodeFqdn(e.Value.NSDomain())})
	}
}

// resolveTarget expands the apex shorthand @ in CNAME/ANAME targets.
func (h *Handler) resolveTarget(e zonestore.Entry) string {
	target := e.Value.Target()
	if target != "@" {
		return target
	}
	if e.Zone != "" {
		return e.Zone
	}
	return e.Name
}

func (h *Handler) append(m *dns.Msg, mu *sync.Mutex, rr dns.RR) {
	mu.Lock()
	m.Answer = append(m.Answer, rr)
	mu.Unlock()
}

func (h *Handler) appendAddresses(m *dns.Msg, mu *sync.Mutex, hdr dns.RR_Header, qtype uint16, addrs []string) {
	for _, addr := range addrs {
		ip := net.ParseIP(addr)
		if ip == nil {
			continue
		}
		if qtype == dns.TypeA && ip.To4() != nil {
			h4 := hdr
			h4.Rrtype = dns.TypeA
			h.append(m, mu, &dns.A{Hdr: h4, A: ip.To4()})
		} else if qtype == dns.TypeAAAA && ip.To4() == nil {
			h6 := hdr
			h6.Rrtype = dns.TypeAAAA
			h.append(m, mu, &dns.AAAA{Hdr: h6, AAAA: ip})
		}
	}
}

// synthesize produces the answers served when no stored record matched.
func (h *Handler) synthesize(m *dns.Msg, mu *sync.Mutex, q dns.Question, name, wireName string) {
	hdr := dns.RR_Header{
		Name:  dns.Fqdn(wireName),
		Class: dns.ClassINET,
		Ttl:   h.cfg.DNS.TTL,
	}

	switch q.Qtype {
	case dns.TypeNS:
		for _, ns := range h.cfg.NS {
			nh := hdr
			nh.Rrtype = dns.TypeNS
			h.append(m, mu, &dns.NS{Hdr: nh, Ns: punycodeFqdn(ns.Domain)})
		}

	case dns.TypeA:
		for _, ns := range h.cfg.NS {
			if name != strings.ToLower(strings.TrimSuffix(ns.Domain, ".")) {
				continue
			}
			ip := net.ParseIP(ns.IP)
			if ip == nil || ip.To4() == nil {
				continue
			}
			ah := hdr
			ah.Rrtype = dns.TypeA
			h.append(m, mu, &dns.A{Hdr: ah, A: ip.To4()})
		}

	case dns.TypeCAA:
		for _, tag := range []string{"issue", "issuewild"} {
			ch := hdr
			ch.Rrtype = dns.TypeCAA
			h.append(m, mu, &dns.CAA{Hdr: ch, Flag: 0, Tag: tag, Value: "letsencrypt.org"})
		}

	case dns.TypeSOA:
		if len(h.cfg.NS) == 0 {
			return
		}
		sh := hdr
		sh.Rrtype = dns.TypeSOA
		h.append(m, mu, &dns.SOA{
			Hdr:     sh,
			Ns:      punycodeFqdn(h.cfg.NS[0].Domain),
			Mbox:    adminMbox(h.cfg.SOA.Admin),
			Serial:  h.cfg.SOA.Serial,
			Refresh: h.cfg.SOA.Refresh,
			Retry:   h.cfg.SOA.Retry,
			Expire:  h.cfg.SOA.Expiration,
			Minttl:  h.cfg.SOA.Minimum,
		})
	}
}

// answerChaos serves the bind-style identity queries, but only for values
// the operator configured. Everything else in the chaos class is refused.
func (h *Handler) answerChaos(m *dns.Msg, mu *sync.Mutex, q dns.Question) {
	if q.Qtype == dns.TypeTXT {
		if v := h.cfg.ChaosValue(q.Name); v != "" {
			h.append(m, mu, &dns.TXT{
				Hdr: dns.RR_Header{Name: dns.Fqdn(q.Name), Rrtype: dns.TypeTXT, Class: dns.ClassCHAOS, Ttl: 0},
				Txt: []string{v},
			})
			return
		}
	}
	mu.Lock()
	m.Rcode = dns.RcodeRefused
	mu.Unlock()
}

// filterHealthy drops entries whose last probe marked them down. When every
// entry is down the full set is returned: an authoritative server must not
// deny a live name.
func filterHealthy(entries []zonestore.Entry) []zonestore.Entry {
	healthy := make([]zonestore.Entry, 0, len(entries))
	for _, e := range entries {
		if e.Health == nil || e.Health.Status {
			healthy = append(healthy, e)
		}
	}
	if len(healthy) == 0 {
		return entries
	}
	return healthy
}

func shuffleEntries(entries []zonestore.Entry) {
	rand.Shuffle(len(entries), func(i, j int) { entries[i], entries[j] = entries[j], entries[i] })
}

// chunkTXT splits long TXT payloads: values of 128 bytes or more go out as
// 84-byte chunks, shorter values as a single string.
func chunkTXT(s string) []string {
	if len(s) < 128 {
		return []string{s}
	}
	var out []string
	for len(s) > 84 {
		out = append(out, s[:84])
		s = s[84:]
	}
	if len(s) > 0 {
		out = append(out, s)
	}
	return out
}

// punycodeFqdn renders a domain-valued field in its wire (A-label) form.
func punycodeFqdn(name string) string {
	n, err := zonestore.Normalize(name)
	if err != nil || n == "" {
		return dns.Fqdn(name)
	}
	return dns.Fqdn(n)
}

// adminMbox converts the configured SOA admin mail address to the mailbox
// domain form.
func adminMbox(admin string) string {
	admin = strings.TrimSuffix(admin, ".")
	if i := strings.IndexByte(admin, '@'); i >= 0 {
		admin = strings.ReplaceAll(admin[:i], ".", "\\.") + "." + admin[i+1:]
	}
	return dns.Fqdn(admin)
}
