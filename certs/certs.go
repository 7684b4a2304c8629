// Package certs issues and caches TLS certificates through ACME dns-01,
// publishing challenges through the zone store so the authoritative DNS
// instance itself serves them.
package certs

import (
	"context"
	"crypto"
	"crypto/md5"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/go-acme/lego/v4/certificate"
	"github.com/go-acme/lego/v4/challenge/dns01"
	"github.com/go-acme/lego/v4/lego"
	"github.com/go-acme/lego/v4/registration"

	"github.com/pendingdns/pendingdns/config"
	"github.com/pendingdns/pendingdns/extresolver"
	"github.com/pendingdns/pendingdns/kvstore"
	"github.com/pendingdns/pendingdns/metrics"
	"github.com/pendingdns/pendingdns/zonestore"
)

// renewBefore is how much remaining validity triggers renewal.
const renewBefore = 30 * 24 * time.Hour

// ErrNoValidDomains is returned when every requested domain fails the
// admissibility checks.
var ErrNoValidDomains = errors.New("certs: no valid domain names provided")

// ErrCooldown is returned while a previous issuance failure is cooling off
// and no stored certificate can be served instead.
var ErrCooldown = errors.New("certs: issuance cooling down after failure")

// CertData is the stored certificate material handed to callers.
type CertData struct {
	DNSNames  []string  `json:"dnsNames"`
	Key       string    `json:"key"`
	Cert      string    `json:"cert"`
	Chain     string    `json:"chain"`
	ValidFrom time.Time `json:"validFrom"`
	Expires   time.Time `json:"expires"`
	Issuer    string    `json:"issuer"`
	Status    string    `json:"status"`
}

// acmeUser carries the ACME account material for lego.
type acmeUser struct {
	email string
	reg   *registration.Resource
	key   crypto.PrivateKey
}

func (u *acmeUser) GetEmail() string                        { return u.email }
func (u *acmeUser) GetRegistration() *registration.Resource { return u.reg }
func (u *acmeUser) GetPrivateKey() crypto.PrivateKey        { return u.key }

// Manager issues, caches and renews certificates. All durable state lives
// in the key store; the lego client is the only per-process memo.
type Manager struct {
	kv      *kvstore.Store
	zones   *zonestore.Store
	ext     *extresolver.Resolver
	cfg     *config.Config
	metrics *metrics.Collector

	clientMu sync.Mutex
	client   *lego.Client

	renewMu  sync.Mutex
	renewing map[string]bool
}

// New creates a certificate manager. The zone store is injected here so
// challenge publication never reaches for a global.
func New(kv *kvstore.Store, zones *zonestore.Store, ext *extresolver.Resolver, cfg *config.Config, col *metrics.Collector) *Manager {
	return &Manager{
		kv:       kv,
		zones:    zones,
		ext:      ext,
		cfg:      cfg,
		metrics:  col,
		renewing: make(map[string]bool),
	}
}

func accountKey(selector string) string { return "d:acme:account:" + selector }
func certHashKey(h string) string       { return "d:acme:keys:" + h }
func cooldownKey(h string) string       { return "d:acme:keys:" + h + ":lock" }

// domainsHash is the cache key: md5 over the sorted A-label domains joined
// by colons.
func domainsHash(domains []string) string {
	sum := md5.Sum([]byte(strings.Join(domains, ":")))
	return hex.EncodeToString(sum[:])
}

// GetCertificate returns certificate material covering the given domains,
// issuing or renewing through ACME when the cache cannot serve the call.
func (m *Manager) GetCertificate(ctx context.Context, domains []string, force bool) (*CertData, error) {
	admissible, err := m.admissibleDomains(ctx, domains)
	if err != nil {
		return nil, err
	}
	if len(admissible) == 0 {
		return nil, ErrNoValidDomains
	}
	sort.Strings(admissible)
	h := domainsHash(admissible)

	cached, err := m.loadCached(ctx, h)
	if err != nil {
		return nil, err
	}
	if cached != nil && !force {
		if cached.Expires.After(time.Now().Add(renewBefore)) {
			return cached, nil
		}
		if cached.Expires.After(time.Now()) {
			// Still valid, but close to expiry: serve it and renew
			// out of band.
			m.renewInBackground(admissible, h)
			return cached, nil
		}
	}

	return m.issue(ctx, admissible, h, force)
}

// LoadCertificate derives the certificate domain pair for a public host
// name: the apex gets [apex, *.apex], everything deeper gets the parent
// pair, so one wildcard certificate covers a whole label level.
func (m *Manager) LoadCertificate(ctx context.Context, domain string) (*CertData, error) {
	name, err := zonestore.Normalize(domain)
	if err != nil || name == "" {
		return nil, nil
	}
	zone, err := m.zones.ResolveZone(ctx, name)
	if err != nil {
		return nil, err
	}
	if zone == "" {
		return nil, nil
	}
	base := name
	if name != zone {
		if i := strings.IndexByte(name, '.'); i >= 0 {
			base = name[i+1:]
		}
	}
	return m.GetCertificate(ctx, []string{base, "*." + base}, false)
}

// admissibleDomains normalizes the request and silently drops every name
// that is not served by a zone whose delegation points at this deployment.
func (m *Manager) admissibleDomains(ctx context.Context, domains []string) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	for _, d := range domains {
		name, err := zonestore.Normalize(strings.TrimPrefix(d, "*."))
		if err != nil || name == "" {
			continue
		}
		wildcard := strings.HasPrefix(d, "*.")
		zone, err := m.zones.ResolveZone(ctx, name)
		if err != nil {
			return nil, err
		}
		if zone == "" {
			log.Printf("[acme] dropping %s: no served zone", d)
			continue
		}
		if !m.checkNSStatus(ctx, zone) {
			log.Printf("[acme] dropping %s: zone %s not delegated to configured nameservers", d, zone)
			continue
		}
		full := name
		if wildcard {
			full = "*." + name
		}
		if !seen[full] {
			seen[full] = true
			out = append(out, full)
		}
	}
	return out, nil
}

// checkNSStatus verifies the public delegation of a zone: every observed
// NS must be one of the configured nameservers, and at least one must be
// present.
func (m *Manager) checkNSStatus(ctx context.Context, zone string) bool {
	observed, err := m.ext.Resolve(ctx, zone, "NS", extresolver.DefaultOptions())
	if err != nil || len(observed) == 0 {
		return false
	}
	configured := make(map[string]bool)
	for _, d := range m.cfg.NSDomains() {
		configured[d] = true
	}
	for _, ns := range observed {
		if !configured[strings.ToLower(strings.TrimSuffix(ns, "."))] {
			return false
		}
	}
	return true
}

// loadCached reads the stored certificate hash, nil when absent or
// unparseable.
func (m *Manager) loadCached(ctx context.Context, h string) (*CertData, error) {
	fields, err := m.kv.HGetAll(ctx, certHashKey(h))
	if err != nil {
		return nil, err
	}
	if fields["cert"] == "" || fields["key"] == "" {
		return nil, nil
	}
	data := &CertData{
		Key:    fields["key"],
		Cert:   fields["cert"],
		Chain:  fields["chain"],
		Issuer: fields["issuer"],
		Status: fields["status"],
	}
	if err := json.Unmarshal([]byte(fields["dnsNames"]), &data.DNSNames); err != nil {
		return nil, nil
	}
	if data.ValidFrom, err = time.Parse(time.RFC3339, fields["validFrom"]); err != nil {
		return nil, nil
	}
	if data.Expires, err = time.Parse(time.RFC3339, fields["expires"]); err != nil {
		return nil, nil
	}
	return data, nil
}

// issue runs the locked issuance path.
func (m *Manager) issue(ctx context.Context, domains []string, h string, force bool) (*CertData, error) {
	lock, err := m.kv.AcquireLock(ctx, "acme:"+h, 3*time.Minute, 3*time.Minute)
	if err != nil {
		if cached, cerr := m.loadCached(ctx, h); cerr == nil && cached != nil {
			return cached, nil
		}
		return nil, fmt.Errorf("certs: issuance lock: %w", err)
	}
	defer lock.Release(context.Background())

	// Another worker may have finished while we waited on the lock.
	cached, err := m.loadCached(ctx, h)
	if err != nil {
		return nil, err
	}
	if cached != nil && !force && cached.Expires.After(time.Now().Add(renewBefore)) {
		return cached, nil
	}

	if cooling, err := m.kv.Exists(ctx, cooldownKey(h)); err != nil {
		return nil, err
	} else if cooling {
		if cached != nil {
			return cached, nil
		}
		return nil, ErrCooldown
	}

	data, err := m.obtain(ctx, domains, h)
	if err != nil {
		log.Printf("[acme] issuance for %v failed: %v", domains, err)
		if m.metrics != nil {
			m.metrics.CountCertError()
		}
		if cerr := m.kv.Set(ctx, cooldownKey(h), "1", time.Hour); cerr != nil {
			log.Printf("[acme] set cooldown: %v", cerr)
		}
		if cached != nil {
			return cached, nil
		}
		return nil, err
	}
	if m.metrics != nil {
		m.metrics.CountCertIssued()
	}
	return data, nil
}

// obtain performs the ACME order and persists the result. The caller holds
// the per-domain-set lock; RSA keygen only ever happens here.
func (m *Manager) obtain(ctx context.Context, domains []string, h string) (*CertData, error) {
	certKey, err := m.certPrivateKey(ctx, h)
	if err != nil {
		return nil, err
	}
	client, err := m.acmeClient(ctx)
	if err != nil {
		return nil, err
	}

	res, err := client.Certificate.Obtain(certificate.ObtainRequest{
		Domains:    domains,
		Bundle:     true,
		PrivateKey: certKey,
	})
	if err != nil {
		return nil, fmt.Errorf("obtain certificate: %w", err)
	}

	leafPEM, chainPEM := splitBundle(res.Certificate)
	block, _ := pem.Decode([]byte(leafPEM))
	if block == nil {
		return nil, fmt.Errorf("issued certificate is not PEM")
	}
	leaf, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse issued certificate: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	names, err := json.Marshal(leaf.DNSNames)
	if err != nil {
		return nil, err
	}
	data := &CertData{
		DNSNames:  leaf.DNSNames,
		Key:       encodeRSAKey(certKey),
		Cert:      leafPEM,
		Chain:     chainPEM,
		ValidFrom: leaf.NotBefore,
		Expires:   leaf.NotAfter,
		Issuer:    leaf.Issuer.CommonName,
		Status:    "valid",
	}
	key := certHashKey(h)
	if err := m.kv.HSet(ctx, key,
		"key", data.Key,
		"cert", data.Cert,
		"chain", data.Chain,
		"validFrom", leaf.NotBefore.UTC().Format(time.RFC3339),
		"expires", leaf.NotAfter.UTC().Format(time.RFC3339),
		"dnsNames", string(names),
		"issuer", data.Issuer,
		"lastCheck", now,
		"created", now,
		"status", "valid",
	); err != nil {
		return nil, err
	}
	if ttl := time.Until(leaf.NotAfter); ttl > 0 {
		if err := m.kv.Expire(ctx, key, ttl); err != nil {
			return nil, err
		}
	}
	log.Printf("[acme] issued certificate for %v, expires %s", leaf.DNSNames, leaf.NotAfter.Format(time.RFC3339))
	return data, nil
}

// certPrivateKey reuses the stored certificate key or generates and
// persists a fresh 2048-bit RSA key.
func (m *Manager) certPrivateKey(ctx context.Context, h string) (*rsa.PrivateKey, error) {
	if raw, err := m.kv.HGet(ctx, certHashKey(h), "key"); err == nil {
		if key, err := parseRSAKey(raw); err == nil {
			return key, nil
		}
	} else if err != kvstore.ErrNotFound {
		return nil, err
	}
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	if err := m.kv.HSet(ctx, certHashKey(h), "key", encodeRSAKey(key)); err != nil {
		return nil, err
	}
	return key, nil
}

// acmeClient builds the lego client once per process, creating and
// persisting the ACME account on first use.
func (m *Manager) acmeClient(ctx context.Context) (*lego.Client, error) {
	m.clientMu.Lock()
	defer m.clientMu.Unlock()
	if m.client != nil {
		return m.client, nil
	}

	accKey := accountKey(m.cfg.ACME.Key)
	fields, err := m.kv.HGetAll(ctx, accKey)
	if err != nil {
		return nil, err
	}

	var key *rsa.PrivateKey
	if fields["key"] != "" {
		if key, err = parseRSAKey(fields["key"]); err != nil {
			return nil, fmt.Errorf("stored account key: %w", err)
		}
	} else {
		if key, err = rsa.GenerateKey(rand.Reader, 2048); err != nil {
			return nil, err
		}
		if err := m.kv.HSet(ctx, accKey,
			"key", encodeRSAKey(key),
			"created", time.Now().UTC().Format(time.RFC3339),
		); err != nil {
			return nil, err
		}
	}

	user := &acmeUser{email: m.cfg.ACME.Email, key: key}
	if fields["account"] != "" {
		var reg registration.Resource
		if err := json.Unmarshal([]byte(fields["account"]), &reg); err == nil {
			user.reg = &reg
		}
	}

	legoCfg := lego.NewConfig(user)
	legoCfg.CADirURL = m.cfg.ACME.DirectoryURL
	legoCfg.Certificate.KeyType = certcrypto.RSA2048

	client, err := lego.NewClient(legoCfg)
	if err != nil {
		return nil, fmt.Errorf("acme client: %w", err)
	}

	// Challenge propagation is verified against this deployment's own
	// nameserver IPs, never the host's recursive resolver.
	err = client.Challenge.SetDNS01Provider(newDNSProvider(m.zones),
		dns01.AddRecursiveNameservers(m.cfg.NSAddrs()),
		dns01.AddDNSTimeout(10*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("dns-01 provider: %w", err)
	}

	if user.reg == nil {
		reg, err := client.Registration.Register(registration.RegisterOptions{TermsOfServiceAgreed: true})
		if err != nil {
			return nil, fmt.Errorf("acme registration: %w", err)
		}
		user.reg = reg
		raw, err := json.Marshal(reg)
		if err != nil {
			return nil, err
		}
		if err := m.kv.HSet(ctx, accKey, "account", string(raw)); err != nil {
			return nil, err
		}
		log.Printf("[acme] registered account %s", m.cfg.ACME.Email)
	}

	m.client = client
	return client, nil
}

// renewInBackground starts one renewal per cache key per process.
func (m *Manager) renewInBackground(domains []string, h string) {
	m.renewMu.Lock()
	if m.renewing[h] {
		m.renewMu.Unlock()
		return
	}
	m.renewing[h] = true
	m.renewMu.Unlock()

	go func() {
		defer func() {
			m.renewMu.Lock()
			delete(m.renewing, h)
			m.renewMu.Unlock()
		}()
		log.Printf("[acme] background renewal for %v", domains)
		if _, err := m.issue(context.Background(), domains, h, true); err != nil {
			log.Printf("[acme] background renewal for %v failed: %v", domains, err)
		}
	}()
}

// splitBundle separates the leaf certificate from the rest of the bundle.
func splitBundle(bundle []byte) (leaf, chain string) {
	block, rest := pem.Decode(bundle)
	if block == nil {
		return string(bundle), ""
	}
	return string(pem.EncodeToMemory(block)), string(rest)
}

func encodeRSAKey(key *rsa.PrivateKey) string {
	return string(pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}))
}

func parseRSAKey(pemData string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, fmt.Errorf("not PEM data")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA key")
	}
	return key, nil
}
