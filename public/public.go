// Package public serves the URL pseudo-record over HTTP and HTTPS: a name
// either redirects or reverse-proxies to its configured target. TLS
// certificates come from the certificate manager on SNI; session tickets
// are shared cluster-wide through the key store.
package public

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/pendingdns/pendingdns/certs"
	"github.com/pendingdns/pendingdns/config"
	"github.com/pendingdns/pendingdns/kvstore"
	"github.com/pendingdns/pendingdns/metrics"
	"github.com/pendingdns/pendingdns/zonestore"
)

// loopToken marks responses (and detects loops) in X-CDN-Loop.
const loopToken = "PendingDNS"

// sniEntry is one cached TLS context. The fingerprint is the stored
// certificate's expiry instant; a renewed certificate changes it and the
// context is rebuilt.
type sniEntry struct {
	fingerprint int64
	cert        *tls.Certificate
}

// Server is the public HTTP/HTTPS front end.
type Server struct {
	cfg     *config.Config
	zones   *zonestore.Store
	certs   *certs.Manager
	kv      *kvstore.Store
	metrics *metrics.Collector
	tickets *TicketStore

	mu          sync.Mutex
	sniCache    map[string]*sniEntry
	defaultCert *tls.Certificate

	httpSrv  *http.Server
	httpsSrv *http.Server
	watcher  *fsnotify.Watcher

	page404 []byte
	page500 []byte
}

// New wires the front end. The default TLS context comes from the
// configured key/cert pair, or a fresh self-signed one when none is set.
func New(cfg *config.Config, zones *zonestore.Store, cm *certs.Manager, kv *kvstore.Store, col *metrics.Collector) (*Server, error) {
	tickets, err := NewTicketStore(kv, cfg.ACME.Key+"|"+cfg.ACME.Email)
	if err != nil {
		return nil, err
	}
	s := &Server{
		cfg:      cfg,
		zones:    zones,
		certs:    cm,
		kv:       kv,
		metrics:  col,
		tickets:  tickets,
		sniCache: make(map[string]*sniEntry),
		page404:  loadPage(cfg.Public.Errors.Error404, default404),
		page500:  loadPage(cfg.Public.Errors.Error500, default500),
	}
	if err := s.loadDefaultCert(); err != nil {
		return nil, err
	}
	s.watchCertFiles()
	return s, nil
}

func loadPage(path string, fallback []byte) []byte {
	if path == "" {
		return fallback
	}
	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("[public] error page %s: %v, using built-in", path, err)
		return fallback
	}
	return data
}

// loadDefaultCert builds the fallback TLS context.
func (s *Server) loadDefaultCert() error {
	httpsCfg := s.cfg.Public.HTTPS
	if httpsCfg.Key != "" && httpsCfg.Cert != "" {
		cert, err := tls.LoadX509KeyPair(httpsCfg.Cert, httpsCfg.Key)
		if err != nil {
			return fmt.Errorf("static tls material: %w", err)
		}
		s.mu.Lock()
		s.defaultCert = &cert
		s.mu.Unlock()
		return nil
	}
	cert, err := generateSelfSigned("localhost", []string{"localhost"})
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.defaultCert = cert
	s.mu.Unlock()
	return nil
}

// watchCertFiles reloads the static key/cert pair when the files change.
func (s *Server) watchCertFiles() {
	httpsCfg := s.cfg.Public.HTTPS
	if httpsCfg.Key == "" || httpsCfg.Cert == "" {
		return
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("[public] cert watcher: %v", err)
		return
	}
	for _, f := range []string{httpsCfg.Key, httpsCfg.Cert} {
		if err := watcher.Add(f); err != nil {
			log.Printf("[public] watch %s: %v", f, err)
		}
	}
	s.watcher = watcher
	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := s.loadDefaultCert(); err != nil {
					log.Printf("[public] reload static tls material: %v", err)
				} else {
					log.Printf("[public] reloaded static tls material after change to %s", ev.Name)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("[public] cert watcher: %v", err)
			}
		}
	}()
}

// Start brings both listeners up; it blocks on the HTTPS listener.
func (s *Server) Start() error {
	handler := http.HandlerFunc(s.handleRequest)

	httpAddr := net.JoinHostPort(s.cfg.Public.HTTP.Host, fmt.Sprintf("%d", s.cfg.Public.HTTP.Port))
	s.httpSrv = &http.Server{
		Addr:              httpAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("[public] http listening on %s", httpAddr)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("[public] http listener failed: %v", err)
		}
	}()

	tlsCfg := &tls.Config{
		GetCertificate: s.getCertificate,
		MinVersion:     tls.VersionTLS12,
		CipherSuites:   s.cfg.CipherSuites(),
		NextProtos:     []string{"h2", "http/1.1"},
		WrapSession:    s.tickets.WrapSession,
		UnwrapSession:  s.tickets.UnwrapSession,
	}
	httpsAddr := net.JoinHostPort(s.cfg.Public.HTTPS.Host, fmt.Sprintf("%d", s.cfg.Public.HTTPS.Port))
	s.httpsSrv = &http.Server{
		Addr:              httpsAddr,
		Handler:           handler,
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Printf("[public] https listening on %s", httpsAddr)
	return s.httpsSrv.ListenAndServeTLS("", "")
}

// Shutdown stops both listeners.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.watcher != nil {
		s.watcher.Close()
	}
	if s.httpSrv != nil {
		s.httpSrv.Shutdown(ctx)
	}
	if s.httpsSrv != nil {
		return s.httpsSrv.Shutdown(ctx)
	}
	return nil
}

// getCertificate is the SNI callback: names with a URL record get a
// managed certificate, everything else the default context. Contexts are
// cached per process and rebuilt when the stored certificate's expiry
// fingerprint moves.
func (s *Server) getCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	name := strings.ToLower(strings.TrimSuffix(hello.ServerName, "."))
	if name == "" {
		return s.fallbackCert(), nil
	}
	ctx := hello.Context()

	entries, err := s.zones.Resolve(ctx, name, zonestore.TypeURL, true)
	if err != nil || len(entries) == 0 {
		return s.fallbackCert(), nil
	}

	data, err := s.certs.LoadCertificate(ctx, name)
	if err != nil {
		log.Printf("[public] certificate for %s: %v", name, err)
		return s.fallbackCert(), nil
	}
	if data == nil {
		return s.fallbackCert(), nil
	}

	fp := data.Expires.UnixMilli()
	s.mu.Lock()
	if entry, ok := s.sniCache[name]; ok && entry.fingerprint == fp {
		s.mu.Unlock()
		return entry.cert, nil
	}
	s.mu.Unlock()

	pair, err := tls.X509KeyPair([]byte(data.Cert+data.Chain), []byte(data.Key))
	if err != nil {
		log.Printf("[public] stored certificate for %s is unusable: %v", name, err)
		return s.fallbackCert(), nil
	}

	s.mu.Lock()
	s.sniCache[name] = &sniEntry{fingerprint: fp, cert: &pair}
	s.mu.Unlock()
	return &pair, nil
}

func (s *Server) fallbackCert() *tls.Certificate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.defaultCert
}

// handleRequest serves one public request: loop check, URL record lookup,
// then redirect or proxy.
func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	s.setSecurityHeaders(w)

	if strings.Contains(r.Header.Get("X-CDN-Loop"), loopToken) {
		http.Error(w, "loop detected", http.StatusLoopDetected)
		return
	}

	host := stripHostPort(r.Host)
	if host == "" {
		s.render404(w)
		return
	}

	entries, err := s.zones.Resolve(r.Context(), host, zonestore.TypeURL, true)
	if err != nil {
		log.Printf("[public] resolve %s: %v", host, err)
		s.render500(w)
		return
	}
	if len(entries) == 0 {
		s.render404(w)
		return
	}

	target, code, proxy := entries[0].Value.URL()
	if proxy {
		s.proxy(w, r, host, target)
		return
	}
	s.redirect(w, r, target, code)
}

// setSecurityHeaders stamps the headers every response carries.
func (s *Server) setSecurityHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Server", s.serverToken())
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-XSS-Protection", "1; mode=block")
	h.Set("X-Frame-Options", "DENY")
	h.Set("Strict-Transport-Security", "max-age=15552000; includeSubDomains; preload")
	h.Set("X-CDN-Loop", loopToken)
}

func (s *Server) serverToken() string {
	if s.cfg.Public.ServerName != "" {
		return s.cfg.Public.ServerName
	}
	return "PendingDNS/" + config.Version
}

// proxy reverse-proxies to the URL target's origin, keeping the incoming
// path and Host. The request reaching the director already has the HTTP/2
// pseudo-headers folded into Method, URL and Host; none of them survive as
// literal headers.
func (s *Server) proxy(w http.ResponseWriter, r *http.Request, host, target string) {
	origin, err := url.Parse(target)
	if err != nil || origin.Host == "" {
		log.Printf("[public] bad proxy target %q for %s", target, host)
		s.render500(w)
		return
	}
	proto := "http"
	if r.TLS != nil {
		proto = "https"
	}
	clientIP := r.RemoteAddr
	if ip, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		clientIP = ip
	}

	rp := &httputil.ReverseProxy{
		Director: func(req *http.Request) {
			req.URL.Scheme = origin.Scheme
			req.URL.Host = origin.Host
			req.Host = host
			req.Header.Set("X-Forwarded-Proto", proto)
			req.Header.Set("X-Connecting-IP", clientIP)
			req.Header.Set("X-CDN-Loop", loopToken)
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			log.Printf("[public] proxy %s -> %s: %v", host, origin.Host, err)
			s.render500(w)
		},
	}
	if s.metrics != nil {
		s.metrics.CountProxied()
	}
	rp.ServeHTTP(w, r)
}

// redirect answers with the configured status. A bare target (path "/" and
// no query) has the incoming path and query aliased onto it; anything else
// redirects verbatim.
func (s *Server) redirect(w http.ResponseWriter, r *http.Request, target string, code int) {
	u, err := url.Parse(target)
	if err != nil {
		s.render500(w)
		return
	}
	if (u.Path == "" || u.Path == "/") && u.RawQuery == "" {
		u.Path = r.URL.Path
		u.RawQuery = r.URL.RawQuery
	}
	if s.metrics != nil {
		s.metrics.CountRedirect()
	}
	w.Header().Set("Location", u.String())
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(code)
	w.Write(movedBody)
}

func (s *Server) render404(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusNotFound)
	w.Write(s.page404)
}

func (s *Server) render500(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusInternalServerError)
	w.Write(s.page500)
}

// stripHostPort reduces a Host header to the bare hostname, including
// bracketed IPv6 literals.
func stripHostPort(host string) string {
	if host == "" {
		return ""
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	return strings.ToLower(strings.TrimSuffix(host, "."))
}
