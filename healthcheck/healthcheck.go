// Package healthcheck runs the probe workers that mark A/AAAA endpoints up
// or down. Workers coordinate through the shared due-queue in the key
// store: the atomic pop-then-reinsert guarantees at most one worker probes
// a given target per cycle, across processes.
package healthcheck

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pendingdns/pendingdns/config"
	"github.com/pendingdns/pendingdns/kvstore"
	"github.com/pendingdns/pendingdns/zonestore"
)

// Checker owns the polling loops of one process.
type Checker struct {
	store *kvstore.Store
	zones *zonestore.Store
	cfg   config.HealthConfig

	timeout time.Duration
	delay   time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup

	// OnProbe is called once per probe, OnTransition after a persisted
	// status change. Both hooks feed metrics.
	OnProbe      func()
	OnTransition func(member string, healthy bool)
}

// New creates a checker. Start spawns cfg.Handlers loops.
func New(store *kvstore.Store, zones *zonestore.Store, cfg *config.Config) *Checker {
	return &Checker{
		store:   store,
		zones:   zones,
		cfg:     cfg.Health,
		timeout: cfg.HealthTimeout(),
		delay:   cfg.HealthDelay(),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the polling loops.
func (c *Checker) Start() {
	if !c.cfg.Enabled {
		return
	}
	for i := 0; i < c.cfg.Handlers; i++ {
		c.wg.Add(1)
		go c.loop(i)
	}
	log.Printf("[health] started %d handler loops", c.cfg.Handlers)
}

// Stop terminates the loops and waits for in-flight probes.
func (c *Checker) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

// loop drains the due-queue, then sleeps 10s before the next sweep (30s
// after a sweep error).
func (c *Checker) loop(n int) {
	defer c.wg.Done()
	for {
		pause := 10 * time.Second
		if err := c.sweep(); err != nil {
			log.Printf("[health] loop %d sweep error: %v", n, err)
			pause = 30 * time.Second
		}
		select {
		case <-c.stopCh:
			return
		case <-time.After(pause):
		}
	}
}

// sweep pops due targets until the queue has nothing due.
func (c *Checker) sweep() error {
	ctx := context.Background()
	for {
		select {
		case <-c.stopCh:
			return nil
		default:
		}
		now := time.Now()
		member, err := c.store.PopDue(ctx, zonestore.HealthQueueKey,
			float64(now.UnixMilli()), float64(now.Add(c.delay).UnixMilli()))
		if err != nil {
			return err
		}
		if member == "" {
			return nil
		}
		c.checkMember(ctx, member)
	}
}

// checkMember probes one queue member and persists the result on
// transition. Members whose record is gone or no longer carries a health
// check URI are dropped from the queue.
func (c *Checker) checkMember(ctx context.Context, member string) {
	i := strings.IndexByte(member, ':')
	if i < 0 {
		c.dropMember(ctx, member)
		return
	}
	id := member[i+1:]

	entry, err := c.zones.RecordByID(ctx, id)
	if err != nil {
		log.Printf("[health] fetch %s: %v", member, err)
		return
	}
	if entry == nil || entry.Value.HealthCheck() == "" {
		c.dropMember(ctx, member)
		return
	}

	status := c.Probe(entry.Value.HealthCheck())
	if c.OnProbe != nil {
		c.OnProbe()
	}

	prev, err := c.zones.HealthStatus(ctx, member)
	if err != nil {
		log.Printf("[health] read status %s: %v", member, err)
		return
	}
	if prev != nil && prev.Status == status.Status {
		log.Printf("[health] %s %s still %v", entry.Name, entry.Value.Address(), status.Status)
		return
	}
	if err := c.zones.SetHealthStatus(ctx, member, status); err != nil {
		log.Printf("[health] write status %s: %v", member, err)
		return
	}
	log.Printf("[health] %s %s transitioned to %v (%s)", entry.Name, entry.Value.Address(), status.Status, status.Error)
	if c.OnTransition != nil {
		c.OnTransition(member, status.Status)
	}
}

func (c *Checker) dropMember(ctx context.Context, member string) {
	if err := c.store.ZRem(ctx, zonestore.HealthQueueKey, member); err != nil {
		log.Printf("[health] dequeue %s: %v", member, err)
	}
	if _, err := c.store.HDel(ctx, zonestore.HealthResultKey, member); err != nil {
		log.Printf("[health] clear %s: %v", member, err)
	}
}

// Probe runs a single health check URI. Supported schemes: tcp, tcps,
// http, https. TLS certificate validation is always disabled; the checks
// answer "is something listening", not "is the certificate right".
func (c *Checker) Probe(uri string) zonestore.Health {
	u, err := url.Parse(uri)
	if err != nil {
		return zonestore.Health{Status: false, Error: fmt.Sprintf("invalid health check uri: %v", err)}
	}
	switch u.Scheme {
	case "tcp":
		return c.probeTCP(u.Host, false)
	case "tcps":
		return c.probeTCP(u.Host, true)
	case "http", "https":
		return c.probeHTTP(uri)
	}
	return zonestore.Health{Status: false, Error: fmt.Sprintf("unsupported health check scheme %q", u.Scheme)}
}

func (c *Checker) probeTCP(addr string, useTLS bool) zonestore.Health {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return zonestore.Health{Status: false, Error: fmt.Sprintf("invalid tcp target %q", addr)}
	}
	var conn net.Conn
	var err error
	if useTLS {
		dialer := &net.Dialer{Timeout: c.timeout}
		conn, err = tls.DialWithDialer(dialer, "tcp", addr, &tls.Config{InsecureSkipVerify: true})
	} else {
		conn, err = net.DialTimeout("tcp", addr, c.timeout)
	}
	if err != nil {
		return zonestore.Health{Status: false, Error: err.Error()}
	}
	conn.Close()
	return zonestore.Health{Status: true}
}

func (c *Checker) probeHTTP(uri string) zonestore.Health {
	client := &http.Client{
		Timeout: c.timeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}
	resp, err := client.Get(uri)
	if err != nil {
		return zonestore.Health{Status: false, Error: err.Error()}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return zonestore.Health{Status: false, Error: fmt.Sprintf("unhealthy status %d", resp.StatusCode), Code: resp.StatusCode}
	}
	return zonestore.Health{Status: true, Code: resp.StatusCode}
}
