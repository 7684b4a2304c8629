// Package config defines the server configuration tree and its defaults.
package config

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"net/mail"
	"os"
	"strings"
	"time"
)

// Version is the release version advertised in the Server header and the
// startup log line.
const Version = "1.2.0"

// DNSConfig configures the authoritative DNS listeners.
type DNSConfig struct {
	// Host is the address both the UDP and TCP listeners bind to.
	Host string `json:"host"`
	// Port is the DNS port (default 53).
	Port int `json:"port"`
	// TTL is stamped on every answer, in seconds.
	TTL uint32 `json:"ttl"`
}

// APIConfig configures the management listener the REST layer mounts on.
// The core only serves /metrics and /healthz here.
type APIConfig struct {
	Host    string `json:"host"`
	Port    int    `json:"port"`
	Enabled bool   `json:"enabled"`
	// Workers is the number of API worker processes the supervisor forks.
	// The core does not act on it; it is part of the collaborator contract.
	Workers int `json:"workers"`
}

// ListenConfig is a plain host/port pair.
type ListenConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// HTTPSConfig configures the public TLS listener.
type HTTPSConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	// Key and Cert name PEM files used for the default TLS context.
	// When empty a self-signed default is generated at startup.
	Key  string `json:"key"`
	Cert string `json:"cert"`
	// DHParam is accepted for compatibility with older deployments.
	// crypto/tls has no classic-DHE support, so the file is not used.
	DHParam string `json:"dhParam"`
	// Ciphers is an OpenSSL-style colon-separated cipher list. Only names
	// that map to Go cipher suites are applied.
	Ciphers string `json:"ciphers"`
}

// PublicHosts lists the addresses URL records answer with on A/AAAA queries.
type PublicHosts struct {
	A    []string `json:"A"`
	AAAA []string `json:"AAAA"`
}

// PublicErrors names HTML template files for error responses.
type PublicErrors struct {
	Error404 string `json:"error404"`
	Error500 string `json:"error500"`
}

// PublicConfig configures the redirect/proxy front end.
type PublicConfig struct {
	HTTP   ListenConfig `json:"http"`
	HTTPS  HTTPSConfig  `json:"https"`
	Hosts  PublicHosts  `json:"hosts"`
	Errors PublicErrors `json:"errors"`
	// ServerName overrides the Server response header product token.
	ServerName string `json:"serverName"`
}

// NSConfig describes one authoritative nameserver of this deployment.
type NSConfig struct {
	Domain string `json:"domain"`
	IP     string `json:"ip"`
}

// SOAConfig holds the synthesized SOA field values. The primary nameserver
// is always ns[0].domain.
type SOAConfig struct {
	Admin      string `json:"admin"`
	Serial     uint32 `json:"serial"`
	Refresh    uint32 `json:"refresh"`
	Retry      uint32 `json:"retry"`
	Expiration uint32 `json:"expiration"`
	Minimum    uint32 `json:"minimum"`
}

// ACMEConfig configures certificate issuance.
type ACMEConfig struct {
	// Key is the account selector used to namespace the stored ACME
	// account material.
	Key          string `json:"key"`
	DirectoryURL string `json:"directoryUrl"`
	Email        string `json:"email"`
}

// ResolverConfig lists upstream resolvers used for external lookups.
type ResolverConfig struct {
	NS []string `json:"ns"`
}

// HealthConfig configures the health checking subsystem.
type HealthConfig struct {
	Enabled bool `json:"enabled"`
	// Workers is the number of health worker processes the supervisor
	// forks; part of the collaborator contract.
	Workers int `json:"workers"`
	// Handlers is the number of polling loops per process.
	Handlers int `json:"handlers"`
	// TTL is the probe timeout in seconds.
	TTL int `json:"ttl"`
	// Delay is the re-enqueue interval between probes of one target,
	// in seconds.
	Delay int `json:"delay"`
}

// RedisConfig configures the key store connection. ReadAddr may point at a
// follower; when empty all reads use Addr.
type RedisConfig struct {
	Addr     string `json:"addr"`
	ReadAddr string `json:"readAddr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// Config is the root configuration tree.
type Config struct {
	DNS      DNSConfig         `json:"dns"`
	API      APIConfig         `json:"api"`
	Public   PublicConfig      `json:"public"`
	NS       []NSConfig        `json:"ns"`
	SOA      SOAConfig         `json:"soa"`
	ACME     ACMEConfig        `json:"acme"`
	Resolver ResolverConfig    `json:"resolver"`
	Chaos    map[string]string `json:"chaos"`
	Health   HealthConfig      `json:"health"`
	Redis    RedisConfig       `json:"redis"`
}

// Default returns a configuration with every default filled in.
func Default() *Config {
	return &Config{
		DNS: DNSConfig{Host: "0.0.0.0", Port: 53, TTL: 300},
		API: APIConfig{Host: "127.0.0.1", Port: 8053, Enabled: true, Workers: 1},
		Public: PublicConfig{
			HTTP:  ListenConfig{Host: "0.0.0.0", Port: 80},
			HTTPS: HTTPSConfig{Host: "0.0.0.0", Port: 443},
		},
		ACME: ACMEConfig{
			Key:          "default",
			DirectoryURL: "https://acme-v02.api.letsencrypt.org/directory",
		},
		Resolver: ResolverConfig{NS: []string{"1.1.1.1", "8.8.8.8"}},
		Health:   HealthConfig{Enabled: true, Workers: 1, Handlers: 2, TTL: 30, Delay: 60},
		Redis:    RedisConfig{Addr: "127.0.0.1:6379"},
	}
}

// Load reads a JSON configuration file on top of the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// ErrInvalidACMEEmail signals the startup-fatal acme.email validation
// failure. main maps it to exit code 51.
var ErrInvalidACMEEmail = fmt.Errorf("acme.email is not a valid address")

// Validate checks the loaded tree for the invariants the subsystems rely on.
func (c *Config) Validate() error {
	if c.ACME.Email == "" {
		return ErrInvalidACMEEmail
	}
	if _, err := mail.ParseAddress(c.ACME.Email); err != nil {
		return ErrInvalidACMEEmail
	}
	if len(c.NS) == 0 {
		return fmt.Errorf("at least one ns entry is required")
	}
	for i, ns := range c.NS {
		if ns.Domain == "" {
			return fmt.Errorf("ns[%d].domain is empty", i)
		}
		if net.ParseIP(ns.IP) == nil {
			return fmt.Errorf("ns[%d].ip %q is not an IP address", i, ns.IP)
		}
	}
	if c.Health.Handlers < 1 {
		c.Health.Handlers = 1
	}
	if c.Health.TTL < 1 {
		c.Health.TTL = 30
	}
	if c.Health.Delay < 1 {
		c.Health.Delay = 60
	}
	return nil
}

// DNSAddr returns the DNS bind address.
func (c *Config) DNSAddr() string {
	return net.JoinHostPort(c.DNS.Host, fmt.Sprintf("%d", c.DNS.Port))
}

// NSAddrs returns the configured nameserver IPs as host:53 endpoints,
// the form the certificate propagation checks dial directly.
func (c *Config) NSAddrs() []string {
	addrs := make([]string, 0, len(c.NS))
	for _, ns := range c.NS {
		addrs = append(addrs, net.JoinHostPort(ns.IP, "53"))
	}
	return addrs
}

// NSDomains returns the configured nameserver domains, lowercased.
func (c *Config) NSDomains() []string {
	domains := make([]string, 0, len(c.NS))
	for _, ns := range c.NS {
		domains = append(domains, strings.ToLower(strings.TrimSuffix(ns.Domain, ".")))
	}
	return domains
}

// UpstreamAddrs returns resolver.ns entries normalized to host:port.
func (c *Config) UpstreamAddrs() []string {
	addrs := make([]string, 0, len(c.Resolver.NS))
	for _, s := range c.Resolver.NS {
		if _, _, err := net.SplitHostPort(s); err != nil {
			s = net.JoinHostPort(s, "53")
		}
		addrs = append(addrs, s)
	}
	return addrs
}

// HealthTimeout returns the probe timeout.
func (c *Config) HealthTimeout() time.Duration {
	return time.Duration(c.Health.TTL) * time.Second
}

// HealthDelay returns the per-target re-enqueue interval.
func (c *Config) HealthDelay() time.Duration {
	return time.Duration(c.Health.Delay) * time.Second
}

// ChaosValue returns the configured chaos-class TXT value for a query name
// such as "version.bind". Empty means the query is refused.
func (c *Config) ChaosValue(name string) string {
	if c.Chaos == nil {
		return ""
	}
	return c.Chaos[strings.ToLower(strings.TrimSuffix(name, "."))]
}

// opensslSuites maps the OpenSSL cipher names operators configure to the
// TLS 1.2 suites Go supports. TLS 1.3 suites are not configurable in Go.
var opensslSuites = map[string]uint16{
	"ECDHE-ECDSA-AES128-GCM-SHA256": tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	"ECDHE-RSA-AES128-GCM-SHA256":   tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	"ECDHE-ECDSA-AES256-GCM-SHA384": tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	"ECDHE-RSA-AES256-GCM-SHA384":   tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	"ECDHE-ECDSA-CHACHA20-POLY1305": tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
	"ECDHE-RSA-CHACHA20-POLY1305":   tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
}

// CipherSuites maps the configured cipher list to Go suite IDs. Unknown
// names are skipped; an empty result means library defaults.
func (c *Config) CipherSuites() []uint16 {
	list := c.Public.HTTPS.Ciphers
	if list == "" {
		return nil
	}
	var ids []uint16
	for _, name := range strings.Split(list, ":") {
		if id, ok := opensslSuites[strings.TrimSpace(name)]; ok {
			ids = append(ids, id)
		}
	}
	return ids
}
