// Package extresolver resolves external names through the configured
// upstream resolvers, caching answers in the key store so every worker
// process shares one view. ANAME resolution during query handling is the
// main consumer.
package extresolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/pendingdns/pendingdns/kvstore"
	"github.com/pendingdns/pendingdns/zonestore"
)

// Options bounds cache behavior per call.
type Options struct {
	// MinTTL is how long a fresh answer is served from cache.
	MinTTL time.Duration
	// MaxTTL bounds the cache key lifetime; between MinTTL and MaxTTL a
	// stale answer may still be used as fallback on upstream failure.
	MaxTTL time.Duration
	// ErrorTTL is how long a failure is remembered.
	ErrorTTL time.Duration
}

// DefaultOptions mirror the zone defaults: 10 minute fresh window, 8 hour
// stale window, 1 minute negative window.
func DefaultOptions() Options {
	return Options{
		MinTTL:   10 * time.Minute,
		MaxTTL:   8 * time.Hour,
		ErrorTTL: time.Minute,
	}
}

// cacheEntry is the stored shape at d:cache:<target>:<TYPE>. Data is nil
// for negative entries.
type cacheEntry struct {
	Expires int64    `json:"expires"`
	Data    []string `json:"data"`
	Error   string   `json:"error,omitempty"`
	Code    string   `json:"code,omitempty"`
}

// Resolver queries upstreams and caches in the key store.
type Resolver struct {
	store   *kvstore.Store
	servers []string
	client  *dns.Client
}

// New creates a resolver over the given upstream host:port endpoints.
func New(store *kvstore.Store, servers []string) *Resolver {
	return &Resolver{
		store:   store,
		servers: servers,
		client:  &dns.Client{Timeout: 4 * time.Second},
	}
}

func cacheKey(target, qtype string) string {
	return "d:cache:" + target + ":" + qtype
}

// Resolve returns the addresses (or record texts) for a target and query
// type. Cached answers are served while fresh; upstream failures fall back
// to a stale answer when one is still within MaxTTL.
func (r *Resolver) Resolve(ctx context.Context, target, qtype string, opts Options) ([]string, error) {
	if opts.MinTTL == 0 {
		opts = DefaultOptions()
	}
	name, err := zonestore.Normalize(target)
	if err != nil || name == "" {
		return nil, fmt.Errorf("invalid resolve target %q", target)
	}
	qtype = strings.ToUpper(qtype)
	key := cacheKey(name, qtype)

	var stale *cacheEntry
	if raw, err := r.store.Get(ctx, key); err == nil {
		var entry cacheEntry
		if json.Unmarshal([]byte(raw), &entry) == nil {
			if entry.Expires > time.Now().UnixMilli() {
				if entry.Data == nil {
					return nil, &UpstreamError{Target: name, Type: qtype, Reason: entry.Error, Code: entry.Code}
				}
				return entry.Data, nil
			}
			if entry.Data != nil {
				stale = &entry
			}
		}
	} else if err != kvstore.ErrNotFound {
		return nil, err
	}

	data, qerr := r.query(ctx, name, qtype)
	if qerr != nil {
		neg := cacheEntry{Expires: time.Now().Add(opts.ErrorTTL).UnixMilli(), Error: qerr.Error(), Code: errCode(qerr)}
		if raw, err := json.Marshal(neg); err == nil {
			r.store.Set(ctx, key, string(raw), opts.ErrorTTL)
		}
		if stale != nil {
			return stale.Data, nil
		}
		return nil, qerr
	}

	entry := cacheEntry{Expires: time.Now().Add(opts.MinTTL).UnixMilli(), Data: data}
	raw, err := json.Marshal(entry)
	if err != nil {
		return nil, err
	}
	if err := r.store.Set(ctx, key, string(raw), opts.MaxTTL); err != nil {
		return nil, err
	}
	return data, nil
}

// UpstreamError reports an external resolution failure, including replayed
// negative cache entries.
type UpstreamError struct {
	Target string
	Type   string
	Reason string
	Code   string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("resolve %s %s: %s", e.Type, e.Target, e.Reason)
}

func errCode(err error) string {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.Code
	}
	return "EEXTERNAL"
}

// query asks each upstream in order until one answers.
func (r *Resolver) query(ctx context.Context, name, qtype string) ([]string, error) {
	qname := dns.Fqdn(name)
	var qt uint16
	switch qtype {
	case "A":
		qt = dns.TypeA
	case "AAAA":
		qt = dns.TypeAAAA
	case "PTR":
		rev, err := dns.ReverseAddr(name)
		if err != nil {
			return nil, fmt.Errorf("invalid PTR target %q: %w", name, err)
		}
		qname, qt = rev, dns.TypePTR
	default:
		t, ok := dns.StringToType[qtype]
		if !ok {
			return nil, fmt.Errorf("unsupported query type %q", qtype)
		}
		qt = t
	}

	m := new(dns.Msg)
	m.SetQuestion(qname, qt)
	m.RecursionDesired = true

	var lastErr error
	for _, server := range r.servers {
		resp, _, err := r.client.ExchangeContext(ctx, m, server)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.Rcode != dns.RcodeSuccess {
			lastErr = &UpstreamError{Target: name, Type: qtype,
				Reason: dns.RcodeToString[resp.Rcode], Code: "E" + dns.RcodeToString[resp.Rcode]}
			continue
		}
		var out []string
		for _, rr := range resp.Answer {
			switch a := rr.(type) {
			case *dns.A:
				out = append(out, a.A.String())
			case *dns.AAAA:
				out = append(out, a.AAAA.String())
			case *dns.PTR:
				out = append(out, strings.TrimSuffix(a.Ptr, "."))
			case *dns.TXT:
				out = append(out, strings.Join(a.Txt, ""))
			case *dns.CNAME:
				// Skip chain links; only terminal answers are returned.
			case *dns.NS:
				out = append(out, strings.TrimSuffix(a.Ns, "."))
			case *dns.MX:
				out = append(out, strings.TrimSuffix(a.Mx, "."))
			}
		}
		if len(out) == 0 {
			lastErr = &UpstreamError{Target: name, Type: qtype, Reason: "no data", Code: "ENODATA"}
			continue
		}
		return out, nil
	}
	if lastErr == nil {
		lastErr = &UpstreamError{Target: name, Type: qtype, Reason: "no upstream resolvers configured", Code: "ENOSERVERS"}
	}
	return nil, lastErr
}
