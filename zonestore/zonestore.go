// Package zonestore implements the record lifecycle, naming and lookup
// rules on top of the key store. It is the source of truth for DNS answers
// and for ACME challenge publication.
//
// A record lives in the hash d:<reversed-name>:r:<TYPE>, one field per
// record keyed by hid, value a JSON tuple. The set d:<reversed-zone>:z
// indexes every record key of a zone. Empty record hashes are swept from
// the index on read.
package zonestore

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pendingdns/pendingdns/kvstore"
)

const (
	// HealthQueueKey is the sorted set of health targets, scored by the
	// next due time in epoch milliseconds.
	HealthQueueKey = "d:health:z"
	// HealthResultKey is the hash of last probe results, keyed like the
	// queue members.
	HealthResultKey = "d:health:r"
)

// Health is the persisted probe outcome for one A/AAAA record.
type Health struct {
	Status bool   `json:"status"`
	Error  string `json:"error,omitempty"`
	Code   int    `json:"code,omitempty"`
}

// Entry is one stored record. Zone, Subdomain and ID are left empty in
// short mode.
type Entry struct {
	Zone      string  `json:"zone,omitempty"`
	Subdomain string  `json:"subdomain,omitempty"`
	Name      string  `json:"name"`
	Type      Type    `json:"type"`
	ID        string  `json:"id,omitempty"`
	Value     Value   `json:"value"`
	Health    *Health `json:"health,omitempty"`
	// Wildcard is the stored wildcard name that matched, when the entry
	// came from a wildcard lookup.
	Wildcard string `json:"wildcard,omitempty"`
}

// AddOptions tunes Add. A non-zero Expire bounds the record hash lifetime;
// ACME challenge TXT records use it so stale challenges self-collect.
type AddOptions struct {
	Expire time.Duration
}

// Store is the zone store. All persistence goes through the key store.
type Store struct {
	kv *kvstore.Store
}

// New creates a zone store over the key store.
func New(kv *kvstore.Store) *Store {
	return &Store{kv: kv}
}

func recordKey(reversed string, t Type) string {
	return "d:" + reversed + ":r:" + string(t)
}

func zoneIndexKey(reversedZone string) string {
	return "d:" + reversedZone + ":z"
}

// parseRecordKey recovers (reversed, type) from a record key.
func parseRecordKey(key string) (string, Type, bool) {
	rest, ok := strings.CutPrefix(key, "d:")
	if !ok {
		return "", "", false
	}
	i := strings.LastIndex(rest, ":r:")
	if i < 0 {
		return "", "", false
	}
	t := Type(rest[i+3:])
	if !ValidType(t) {
		return "", "", false
	}
	return rest[:i], t, true
}

// BuildID encodes (reversed-name, type, hid) as the external record id:
// unpadded base64url of the three parts joined by 0x01.
func BuildID(reversed string, t Type, hid string) string {
	raw := reversed + "\x01" + string(t) + "\x01" + hid
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// ParseID is the inverse of BuildID. Invalid ids yield ok=false, never an
// error.
func ParseID(id string) (reversed string, t Type, hid string, ok bool) {
	raw, err := base64.RawURLEncoding.DecodeString(id)
	if err != nil {
		return "", "", "", false
	}
	parts := strings.Split(string(raw), "\x01")
	if len(parts) != 3 {
		return "", "", "", false
	}
	t = Type(parts[1])
	if !ValidType(t) || parts[0] == "" || parts[2] == "" {
		return "", "", "", false
	}
	return parts[0], t, parts[2], true
}

// newHid returns a short random identifier, unique within (name, type)
// for any practical purpose.
func newHid() string {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf)
}

// HealthMember builds the queue/result member for a record.
func HealthMember(reversedZone, id string) string {
	return reversedZone + ":" + id
}

// syncHealth keeps the health queue in step with a record write: A/AAAA
// records carrying a health check URI are (re)enqueued as due now, anything
// else has its queue entry and last result removed.
func (s *Store) syncHealth(ctx context.Context, reversedZone, id string, t Type, v Value) error {
	member := HealthMember(reversedZone, id)
	if (t == TypeA || t == TypeAAAA) && v.HealthCheck() != "" {
		return s.kv.ZAdd(ctx, HealthQueueKey, float64(time.Now().UnixMilli()), member)
	}
	if err := s.kv.ZRem(ctx, HealthQueueKey, member); err != nil {
		return err
	}
	_, err := s.kv.HDel(ctx, HealthResultKey, member)
	return err
}

// Add stores a new record and returns its id. Unknown types and malformed
// values return "" without error.
func (s *Store) Add(ctx context.Context, zone, subdomain string, t Type, v Value, opts AddOptions) (string, error) {
	if !ValidType(t) || !validValue(t, v) {
		return "", nil
	}
	zone, err := Normalize(zone)
	if err != nil || zone == "" {
		return "", nil
	}
	name, err := Normalize(JoinName(zone, subdomain))
	if err != nil {
		return "", nil
	}
	reversed := Reverse(name)
	reversedZone := Reverse(zone)

	hid := newHid()
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if err := s.kv.RecordAdd(ctx, recordKey(reversed, t), hid, string(data), zoneIndexKey(reversedZone), opts.Expire); err != nil {
		return "", err
	}
	id := BuildID(reversed, t, hid)
	if err := s.syncHealth(ctx, reversedZone, id, t, v); err != nil {
		return "", err
	}
	return id, nil
}

// Update overwrites a record in place when the name and type are unchanged
// (the id stays stable), otherwise deletes and re-adds under a fresh id.
// The in-place path uses a plain overwrite at the same hid; hids are fresh
// random per Add, so a concurrent insert colliding on one is negligible.
func (s *Store) Update(ctx context.Context, zone, id, subdomain string, t Type, v Value) (string, error) {
	oldReversed, oldType, hid, ok := ParseID(id)
	if !ok || !ValidType(t) || !validValue(t, v) {
		return "", nil
	}
	zone, err := Normalize(zone)
	if err != nil || zone == "" {
		return "", nil
	}
	name, err := Normalize(JoinName(zone, subdomain))
	if err != nil {
		return "", nil
	}
	reversed := Reverse(name)
	reversedZone := Reverse(zone)

	if reversed != oldReversed || t != oldType {
		if _, err := s.Delete(ctx, zone, id); err != nil {
			return "", err
		}
		return s.Add(ctx, zone, subdomain, t, v, AddOptions{})
	}

	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if err := s.kv.HSet(ctx, recordKey(reversed, t), hid, string(data)); err != nil {
		return "", err
	}
	if err := s.kv.SAdd(ctx, zoneIndexKey(reversedZone), recordKey(reversed, t)); err != nil {
		return "", err
	}
	if err := s.syncHealth(ctx, reversedZone, id, t, v); err != nil {
		return "", err
	}
	return id, nil
}

// Delete removes the record behind an id. It reports whether the field
// existed. When the record hash becomes empty the key is dropped from the
// zone index.
func (s *Store) Delete(ctx context.Context, zone, id string) (bool, error) {
	reversed, t, hid, ok := ParseID(id)
	if !ok {
		return false, nil
	}
	zone, err := Normalize(zone)
	if err != nil || zone == "" {
		return false, nil
	}
	key := recordKey(reversed, t)
	n, err := s.kv.HDel(ctx, key, hid)
	if err != nil {
		return false, err
	}
	exists, err := s.kv.Exists(ctx, key)
	if err != nil {
		return false, err
	}
	reversedZone := Reverse(zone)
	if !exists {
		if err := s.kv.SRem(ctx, zoneIndexKey(reversedZone), key); err != nil {
			return false, err
		}
	}
	member := HealthMember(reversedZone, id)
	if err := s.kv.ZRem(ctx, HealthQueueKey, member); err != nil {
		return false, err
	}
	if _, err := s.kv.HDel(ctx, HealthResultKey, member); err != nil {
		return false, err
	}
	return n > 0, nil
}

// DeleteByDomain removes every record at an exact name and type, optionally
// narrowed to JSON-equal values. It returns the number of fields that
// existed and were removed.
func (s *Store) DeleteByDomain(ctx context.Context, domain string, t Type, match Value) (int, error) {
	if !ValidType(t) {
		return 0, nil
	}
	name, err := Normalize(domain)
	if err != nil || name == "" {
		return 0, nil
	}
	reversed := Reverse(name)
	key := recordKey(reversed, t)

	fields, err := s.kv.HGetAll(ctx, key)
	if err != nil {
		return 0, err
	}
	if len(fields) == 0 {
		return 0, nil
	}

	var matchNorm interface{}
	if match != nil {
		raw, err := json.Marshal(match)
		if err != nil {
			return 0, err
		}
		if err := json.Unmarshal(raw, &matchNorm); err != nil {
			return 0, err
		}
	}

	zone, err := s.ResolveZone(ctx, name)
	if err != nil {
		return 0, err
	}

	count := 0
	for hid, raw := range fields {
		if match != nil {
			var got interface{}
			if err := json.Unmarshal([]byte(raw), &got); err != nil {
				continue
			}
			if !reflect.DeepEqual(got, matchNorm) {
				continue
			}
		}
		n, err := s.kv.HDel(ctx, key, hid)
		if err != nil {
			return count, err
		}
		if n > 0 {
			count++
		}
		if zone != "" {
			member := HealthMember(Reverse(zone), BuildID(reversed, t, hid))
			if err := s.kv.ZRem(ctx, HealthQueueKey, member); err != nil {
				return count, err
			}
			if _, err := s.kv.HDel(ctx, HealthResultKey, member); err != nil {
				return count, err
			}
		}
	}

	exists, err := s.kv.Exists(ctx, key)
	if err != nil {
		return count, err
	}
	if !exists && zone != "" {
		if err := s.kv.SRem(ctx, zoneIndexKey(Reverse(zone)), key); err != nil {
			return count, err
		}
	}
	return count, nil
}

// Resolve looks a name and type up: exact first, then the wildcard form
// with the left-most label replaced by *. Wildcard matches are tagged with
// the stored wildcard name. A/AAAA entries carrying a health check URI get
// their last probe status attached. In short mode zone, subdomain and id
// are omitted from the rows.
func (s *Store) Resolve(ctx context.Context, domain string, t Type, short bool) ([]Entry, error) {
	if !ValidType(t) {
		return nil, nil
	}
	name, err := Normalize(domain)
	if err != nil || name == "" {
		return nil, nil
	}
	reversed := Reverse(name)

	stored := reversed
	wildcard := ""
	fields, err := s.kv.HGetAll(ctx, recordKey(reversed, t))
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		stored = wildcardReversed(reversed)
		fields, err = s.kv.HGetAll(ctx, recordKey(stored, t))
		if err != nil {
			return nil, err
		}
		if len(fields) == 0 {
			return nil, nil
		}
		wildcard = wildcardName(name)
	}

	// The zone is needed for the id-keyed health member and for the full
	// (non-short) row shape.
	zone := ""
	needZone := !short
	if !needZone && (t == TypeA || t == TypeAAAA) {
		for _, raw := range fields {
			var v Value
			if json.Unmarshal([]byte(raw), &v) == nil && v.HealthCheck() != "" {
				needZone = true
				break
			}
		}
	}
	if needZone {
		zone, err = s.ResolveZone(ctx, name)
		if err != nil {
			return nil, err
		}
	}

	storedName := name
	if wildcard != "" {
		storedName = wildcard
	}

	entries := make([]Entry, 0, len(fields))
	for hid, raw := range fields {
		var v Value
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			continue
		}
		e := Entry{Name: name, Type: t, Value: v, Wildcard: wildcard}
		if !short && zone != "" {
			e.Zone = zone
			e.Subdomain = SubdomainOf(storedName, zone)
			e.ID = BuildID(stored, t, hid)
		}
		if (t == TypeA || t == TypeAAAA) && v.HealthCheck() != "" && zone != "" {
			member := HealthMember(Reverse(zone), BuildID(stored, t, hid))
			h, err := s.HealthStatus(ctx, member)
			if err != nil {
				return nil, err
			}
			e.Health = h
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// ResolveZone walks the suffixes of a name, longest first, and returns the
// first one whose zone index exists. Candidates never descend into a
// public suffix. "" means no served zone contains the name.
func (s *Store) ResolveZone(ctx context.Context, name string) (string, error) {
	name, err := Normalize(name)
	if err != nil || name == "" {
		return "", nil
	}
	for _, candidate := range zoneCandidates(name) {
		exists, err := s.kv.Exists(ctx, zoneIndexKey(Reverse(candidate)))
		if err != nil {
			return "", err
		}
		if exists {
			return candidate, nil
		}
	}
	return "", nil
}

// List returns every record of a zone, reading the record hashes in
// parallel. Record keys whose hash has expired away are swept from the
// index. Rows are ordered by type rank, then by reversed-name compare.
func (s *Store) List(ctx context.Context, zone string) ([]Entry, error) {
	zone, err := Normalize(zone)
	if err != nil || zone == "" {
		return nil, nil
	}
	reversedZone := Reverse(zone)
	keys, err := s.kv.SMembers(ctx, zoneIndexKey(reversedZone))
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	var entries []Entry
	g, gctx := errgroup.WithContext(ctx)
	for _, key := range keys {
		key := key
		g.Go(func() error {
			reversed, t, ok := parseRecordKey(key)
			if !ok {
				return nil
			}
			fields, err := s.kv.HGetAll(gctx, key)
			if err != nil {
				return err
			}
			if len(fields) == 0 {
				return s.kv.SRem(gctx, zoneIndexKey(reversedZone), key)
			}
			name := Reverse(reversed)
			for hid, raw := range fields {
				var v Value
				if err := json.Unmarshal([]byte(raw), &v); err != nil {
					continue
				}
				e := Entry{
					Zone:      zone,
					Subdomain: SubdomainOf(name, zone),
					Name:      name,
					Type:      t,
					ID:        BuildID(reversed, t, hid),
					Value:     v,
				}
				if (t == TypeA || t == TypeAAAA) && v.HealthCheck() != "" {
					h, err := s.HealthStatus(gctx, HealthMember(reversedZone, e.ID))
					if err != nil {
						return err
					}
					e.Health = h
				}
				mu.Lock()
				entries = append(entries, e)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.SliceStable(entries, func(i, j int) bool {
		ri, rj := typeRank[entries[i].Type], typeRank[entries[j].Type]
		if ri != rj {
			return ri < rj
		}
		ni, nj := Reverse(entries[i].Name), Reverse(entries[j].Name)
		if ni != nj {
			return ni < nj
		}
		if entries[i].Type == TypeMX {
			_, pi := entries[i].Value.Exchange()
			_, pj := entries[j].Value.Exchange()
			return pi < pj
		}
		return false
	})
	return entries, nil
}

// RecordByID fetches the single record an id points at, or nil when the id
// is invalid or the record is gone.
func (s *Store) RecordByID(ctx context.Context, id string) (*Entry, error) {
	reversed, t, hid, ok := ParseID(id)
	if !ok {
		return nil, nil
	}
	raw, err := s.kv.HGet(ctx, recordKey(reversed, t), hid)
	if err == kvstore.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var v Value
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("corrupt record %s: %w", id, err)
	}
	return &Entry{Name: Reverse(reversed), Type: t, ID: id, Value: v}, nil
}

// HealthStatus reads the last probe result for a queue member, nil when
// none has been recorded.
func (s *Store) HealthStatus(ctx context.Context, member string) (*Health, error) {
	raw, err := s.kv.HGet(ctx, HealthResultKey, member)
	if err == kvstore.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var h Health
	if err := json.Unmarshal([]byte(raw), &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// SetHealthStatus persists a probe result for a queue member.
func (s *Store) SetHealthStatus(ctx context.Context, member string, h Health) error {
	raw, err := json.Marshal(h)
	if err != nil {
		return err
	}
	return s.kv.HSet(ctx, HealthResultKey, member, string(raw))
}
