// Package server runs the authoritative DNS listeners and the query
// handler behind them.
package server

import (
	"context"
	"log"
	"time"

	"github.com/miekg/dns"

	"github.com/pendingdns/pendingdns/config"
)

// Server owns the UDP and TCP DNS listeners. Both feed the same handler.
// Malformed requests never reach the handler: the wire library drops a
// message whose header cannot be parsed and answers any other unparseable
// message with FORMERR; they are not dropped silently. EDNS is not supported: OPT records in the request are ignored and
// never echoed.
type Server struct {
	cfg     *config.Config
	handler *Handler
	udp     *dns.Server
	tcp     *dns.Server
}

// New creates the listener pair.
func New(cfg *config.Config, handler *Handler) *Server {
	addr := cfg.DNSAddr()
	return &Server{
		cfg:     cfg,
		handler: handler,
		udp: &dns.Server{
			Addr:    addr,
			Net:     "udp",
			Handler: handler,
			UDPSize: dns.MinMsgSize,
		},
		tcp: &dns.Server{
			Addr:    addr,
			Net:     "tcp",
			Handler: handler,
			// One query per connection, 10s idle limit.
			MaxTCPQueries: 1,
			ReadTimeout:   10 * time.Second,
			IdleTimeout:   func() time.Duration { return 10 * time.Second },
		},
	}
}

// Start brings both listeners up. The UDP listener runs detached; the call
// blocks on the TCP listener like the rest of the role servers.
func (s *Server) Start() error {
	go func() {
		log.Printf("[dns] udp listening on %s", s.udp.Addr)
		if err := s.udp.ListenAndServe(); err != nil {
			log.Fatalf("[dns] udp listener failed: %v", err)
		}
	}()
	log.Printf("[dns] tcp listening on %s", s.tcp.Addr)
	return s.tcp.ListenAndServe()
}

// Shutdown stops both listeners.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.udp.ShutdownContext(ctx); err != nil {
		return err
	}
	return s.tcp.ShutdownContext(ctx)
}
