// Package metrics provides Prometheus-compatible metrics for the server.
package metrics

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// Collector gathers and exposes the core counters.
type Collector struct {
	// Query counters
	queriesTotal   uint64
	queriesByType  sync.Map // map[string]*uint64
	queriesByRcode sync.Map // map[string]*uint64

	// Health checking
	probesTotal       uint64
	healthTransitions uint64
	healthyTargets    int64

	// Certificates
	certsIssued uint64
	certErrors  uint64

	// Public front end
	redirectsTotal uint64
	proxiedTotal   uint64

	startTime time.Time
}

// New creates a new metrics collector.
func New() *Collector {
	return &Collector{startTime: time.Now()}
}

// CountQuery increments the query counters for a type and rcode.
func (c *Collector) CountQuery(qtype, rcode string) {
	atomic.AddUint64(&c.queriesTotal, 1)

	if counter, ok := c.queriesByType.Load(qtype); ok {
		atomic.AddUint64(counter.(*uint64), 1)
	} else {
		val := uint64(1)
		c.queriesByType.Store(qtype, &val)
	}

	if counter, ok := c.queriesByRcode.Load(rcode); ok {
		atomic.AddUint64(counter.(*uint64), 1)
	} else {
		val := uint64(1)
		c.queriesByRcode.Store(rcode, &val)
	}
}

// CountProbe records one health probe run.
func (c *Collector) CountProbe() {
	atomic.AddUint64(&c.probesTotal, 1)
}

// CountHealthTransition records a persisted up/down flip.
func (c *Collector) CountHealthTransition(healthy bool) {
	atomic.AddUint64(&c.healthTransitions, 1)
	if healthy {
		atomic.AddInt64(&c.healthyTargets, 1)
	} else {
		atomic.AddInt64(&c.healthyTargets, -1)
	}
}

// CountCertIssued records a successful certificate issuance.
func (c *Collector) CountCertIssued() {
	atomic.AddUint64(&c.certsIssued, 1)
}

// CountCertError records a failed certificate issuance.
func (c *Collector) CountCertError() {
	atomic.AddUint64(&c.certErrors, 1)
}

// CountRedirect records a served URL redirect.
func (c *Collector) CountRedirect() {
	atomic.AddUint64(&c.redirectsTotal, 1)
}

// CountProxied records a reverse-proxied request.
func (c *Collector) CountProxied() {
	atomic.AddUint64(&c.proxiedTotal, 1)
}

// WritePrometheus writes metrics in Prometheus exposition format.
func (c *Collector) WritePrometheus(w io.Writer) {
	fmt.Fprintf(w, "# HELP pendingdns_up Whether the server is up\n")
	fmt.Fprintf(w, "# TYPE pendingdns_up gauge\n")
	fmt.Fprintf(w, "pendingdns_up 1\n\n")

	fmt.Fprintf(w, "# HELP pendingdns_start_time_seconds Unix timestamp of server start\n")
	fmt.Fprintf(w, "# TYPE pendingdns_start_time_seconds gauge\n")
	fmt.Fprintf(w, "pendingdns_start_time_seconds %d\n\n", c.startTime.Unix())

	fmt.Fprintf(w, "# HELP pendingdns_queries_total Total number of DNS queries received\n")
	fmt.Fprintf(w, "# TYPE pendingdns_queries_total counter\n")
	fmt.Fprintf(w, "pendingdns_queries_total %d\n\n", atomic.LoadUint64(&c.queriesTotal))

	fmt.Fprintf(w, "# HELP pendingdns_queries_by_type_total DNS queries by query type\n")
	fmt.Fprintf(w, "# TYPE pendingdns_queries_by_type_total counter\n")
	c.queriesByType.Range(func(key, value any) bool {
		fmt.Fprintf(w, "pendingdns_queries_by_type_total{type=%q} %d\n", key, atomic.LoadUint64(value.(*uint64)))
		return true
	})
	fmt.Fprintf(w, "\n")

	fmt.Fprintf(w, "# HELP pendingdns_queries_by_rcode_total DNS queries by response code\n")
	fmt.Fprintf(w, "# TYPE pendingdns_queries_by_rcode_total counter\n")
	c.queriesByRcode.Range(func(key, value any) bool {
		fmt.Fprintf(w, "pendingdns_queries_by_rcode_total{rcode=%q} %d\n", key, atomic.LoadUint64(value.(*uint64)))
		return true
	})
	fmt.Fprintf(w, "\n")

	fmt.Fprintf(w, "# HELP pendingdns_health_probes_total Health probes performed\n")
	fmt.Fprintf(w, "# TYPE pendingdns_health_probes_total counter\n")
	fmt.Fprintf(w, "pendingdns_health_probes_total %d\n\n", atomic.LoadUint64(&c.probesTotal))

	fmt.Fprintf(w, "# HELP pendingdns_health_transitions_total Persisted health status flips\n")
	fmt.Fprintf(w, "# TYPE pendingdns_health_transitions_total counter\n")
	fmt.Fprintf(w, "pendingdns_health_transitions_total %d\n\n", atomic.LoadUint64(&c.healthTransitions))

	fmt.Fprintf(w, "# HELP pendingdns_certs_issued_total Certificates issued\n")
	fmt.Fprintf(w, "# TYPE pendingdns_certs_issued_total counter\n")
	fmt.Fprintf(w, "pendingdns_certs_issued_total %d\n\n", atomic.LoadUint64(&c.certsIssued))

	fmt.Fprintf(w, "# HELP pendingdns_cert_errors_total Certificate issuance failures\n")
	fmt.Fprintf(w, "# TYPE pendingdns_cert_errors_total counter\n")
	fmt.Fprintf(w, "pendingdns_cert_errors_total %d\n\n", atomic.LoadUint64(&c.certErrors))

	fmt.Fprintf(w, "# HELP pendingdns_public_requests_total Public front-end requests by outcome\n")
	fmt.Fprintf(w, "# TYPE pendingdns_public_requests_total counter\n")
	fmt.Fprintf(w, "pendingdns_public_requests_total{action=\"redirect\"} %d\n", atomic.LoadUint64(&c.redirectsTotal))
	fmt.Fprintf(w, "pendingdns_public_requests_total{action=\"proxy\"} %d\n\n", atomic.LoadUint64(&c.proxiedTotal))

	fmt.Fprintf(w, "# HELP pendingdns_uptime_seconds Server uptime\n")
	fmt.Fprintf(w, "# TYPE pendingdns_uptime_seconds gauge\n")
	fmt.Fprintf(w, "pendingdns_uptime_seconds %d\n", int64(time.Since(c.startTime).Seconds()))
}
