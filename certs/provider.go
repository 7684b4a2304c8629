package certs

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-acme/lego/v4/challenge/dns01"

	"github.com/pendingdns/pendingdns/zonestore"
)

// dnsProvider publishes dns-01 challenges through the zone store. The
// challenge TXT record is written with a one hour expiry so stale
// challenges garbage-collect on their own.
type dnsProvider struct {
	zones *zonestore.Store
}

func newDNSProvider(zones *zonestore.Store) *dnsProvider {
	return &dnsProvider{zones: zones}
}

// Present writes the challenge TXT record under _acme-challenge.<name>.
func (p *dnsProvider) Present(domain, token, keyAuth string) error {
	ctx := context.Background()
	info := dns01.GetChallengeInfo(domain, keyAuth)
	fqdn := strings.TrimSuffix(info.EffectiveFQDN, ".")

	zone, err := p.zones.ResolveZone(ctx, fqdn)
	if err != nil {
		return err
	}
	if zone == "" {
		return fmt.Errorf("no served zone for challenge host %s", fqdn)
	}
	prefix := zonestore.SubdomainOf(fqdn, zone)

	id, err := p.zones.Add(ctx, zone, prefix, zonestore.TypeTXT,
		zonestore.Value{info.Value}, zonestore.AddOptions{Expire: time.Hour})
	if err != nil {
		return err
	}
	if id == "" {
		return fmt.Errorf("challenge record for %s was rejected", fqdn)
	}
	return nil
}

// CleanUp removes every challenge TXT record at the challenge host.
func (p *dnsProvider) CleanUp(domain, token, keyAuth string) error {
	info := dns01.GetChallengeInfo(domain, keyAuth)
	fqdn := strings.TrimSuffix(info.EffectiveFQDN, ".")
	_, err := p.zones.DeleteByDomain(context.Background(), fqdn, zonestore.TypeTXT, nil)
	return err
}

// Timeout advertises the propagation window: the record is served by this
// process's own store, so propagation is polled every half second.
func (p *dnsProvider) Timeout() (timeout, interval time.Duration) {
	return 2 * time.Minute, 500 * time.Millisecond
}
