package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pendingdns/pendingdns/certs"
	"github.com/pendingdns/pendingdns/config"
	"github.com/pendingdns/pendingdns/extresolver"
	"github.com/pendingdns/pendingdns/healthcheck"
	"github.com/pendingdns/pendingdns/kvstore"
	"github.com/pendingdns/pendingdns/metrics"
	"github.com/pendingdns/pendingdns/public"
	"github.com/pendingdns/pendingdns/server"
	"github.com/pendingdns/pendingdns/zonestore"
)

// Exit codes: 51 invalid acme.email, 3 startup failure, 1 panic on the main
// goroutine, 0 clean.
const (
	exitPanic    = 1
	exitStartup  = 3
	exitBadEmail = 51
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("fatal: %v", r)
			os.Exit(exitPanic)
		}
	}()

	configPath := flag.String("config", "pendingdns.json", "Path to the JSON configuration file")
	roles := flag.String("roles", "dns,public,api,health", "Comma-separated roles this process runs")
	flag.Parse()

	log.Printf("PendingDNS %s starting with config %s", config.Version, *configPath)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Printf("Failed to load config: %v", err)
		os.Exit(exitStartup)
	}
	if err := cfg.Validate(); err != nil {
		log.Printf("Invalid config: %v", err)
		if errors.Is(err, config.ErrInvalidACMEEmail) {
			os.Exit(exitBadEmail)
		}
		os.Exit(exitStartup)
	}

	ctx := context.Background()
	store, err := kvstore.Open(ctx, cfg.Redis)
	if err != nil {
		log.Printf("Failed to open key store: %v", err)
		os.Exit(exitStartup)
	}
	defer store.Close()

	col := metrics.New()
	zones := zonestore.New(store)
	ext := extresolver.New(store, cfg.UpstreamAddrs())
	certMgr := certs.New(store, zones, ext, cfg, col)

	enabled := roleSet(*roles)
	errCh := make(chan error, 3)

	var dnsSrv *server.Server
	if enabled["dns"] {
		handler := server.NewHandler(cfg, zones, ext, col)
		dnsSrv = server.New(cfg, handler)
		go func() { errCh <- fmt.Errorf("dns: %w", dnsSrv.Start()) }()
	}

	var pubSrv *public.Server
	if enabled["public"] {
		pubSrv, err = public.New(cfg, zones, certMgr, store, col)
		if err != nil {
			log.Printf("Failed to initialize public server: %v", err)
			os.Exit(exitStartup)
		}
		go func() { errCh <- fmt.Errorf("public: %w", pubSrv.Start()) }()
	}

	var checker *healthcheck.Checker
	if enabled["health"] && cfg.Health.Enabled {
		checker = healthcheck.New(store, zones, cfg)
		checker.OnProbe = col.CountProbe
		checker.OnTransition = func(member string, healthy bool) {
			col.CountHealthTransition(healthy)
		}
		checker.Start()
	}

	var apiSrv *http.Server
	if enabled["api"] && cfg.API.Enabled {
		apiSrv = startAPI(cfg, col, store)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		log.Printf("Listener failed: %v", err)
		os.Exit(exitStartup)
	case s := <-sig:
		log.Printf("Received %s, shutting down", s)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if checker != nil {
		checker.Stop()
	}
	if dnsSrv != nil {
		dnsSrv.Shutdown(shutdownCtx)
	}
	if pubSrv != nil {
		pubSrv.Shutdown(shutdownCtx)
	}
	if apiSrv != nil {
		apiSrv.Shutdown(shutdownCtx)
	}
}

// startAPI serves the operational endpoints the management layer mounts
// beside: /metrics and /healthz.
func startAPI(cfg *config.Config, col *metrics.Collector, store *kvstore.Store) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		col.WritePrometheus(w)
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if _, err := store.Exists(r.Context(), "d:healthz"); err != nil {
			http.Error(w, "store unreachable", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprintln(w, "ok")
	})

	addr := net.JoinHostPort(cfg.API.Host, fmt.Sprintf("%d", cfg.API.Port))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		log.Printf("[api] listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[api] listener failed: %v", err)
		}
	}()
	return srv
}

func roleSet(roles string) map[string]bool {
	set := make(map[string]bool)
	for _, r := range strings.Split(roles, ",") {
		if r = strings.TrimSpace(r); r != "" {
			set[r] = true
		}
	}
	return set
}
