// Package kvstore wraps the Redis connection behind the small set of
// operations the rest of the server is allowed to use. All durable state
// lives here; the other packages keep only derived transient state.
package kvstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pendingdns/pendingdns/config"
)

// ErrNotFound is returned when a key or hash field does not exist.
var ErrNotFound = errors.New("kvstore: not found")

// Store is the shared key store. Writes always go to the primary; reads go
// to the read endpoint when one is configured (follower reads).
type Store struct {
	write *redis.Client
	read  *redis.Client
}

// Open connects to Redis and verifies the connection.
func Open(ctx context.Context, cfg config.RedisConfig) (*Store, error) {
	write := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	read := write
	if cfg.ReadAddr != "" && cfg.ReadAddr != cfg.Addr {
		read = redis.NewClient(&redis.Options{
			Addr:     cfg.ReadAddr,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
	}
	s := &Store{write: write, read: read}
	if err := write.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return s, nil
}

// Close releases both connections.
func (s *Store) Close() error {
	if s.read != s.write {
		s.read.Close()
	}
	return s.write.Close()
}

// Get returns the string value at key, or ErrNotFound.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	val, err := s.read.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	return val, err
}

// Set writes a string value. A zero ttl means no expiry.
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.write.Set(ctx, key, value, ttl).Err()
}

// Del removes keys.
func (s *Store) Del(ctx context.Context, keys ...string) error {
	return s.write.Del(ctx, keys...).Err()
}

// Exists reports whether the key exists.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.read.Exists(ctx, key).Result()
	return n > 0, err
}

// Expire applies a ttl to an existing key.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.write.Expire(ctx, key, ttl).Err()
}

// HSetNX writes a hash field only if absent. Returns whether it was written.
func (s *Store) HSetNX(ctx context.Context, key, field, value string) (bool, error) {
	return s.write.HSetNX(ctx, key, field, value).Result()
}

// HSet writes a hash field unconditionally.
func (s *Store) HSet(ctx context.Context, key string, pairs ...string) error {
	args := make([]interface{}, len(pairs))
	for i, p := range pairs {
		args[i] = p
	}
	return s.write.HSet(ctx, key, args...).Err()
}

// HGet returns one hash field, or ErrNotFound.
func (s *Store) HGet(ctx context.Context, key, field string) (string, error) {
	val, err := s.read.HGet(ctx, key, field).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	return val, err
}

// HGetAll returns all fields of a hash. Missing keys yield an empty map.
func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return s.read.HGetAll(ctx, key).Result()
}

// HDel removes hash fields and returns how many existed.
func (s *Store) HDel(ctx context.Context, key string, fields ...string) (int64, error) {
	return s.write.HDel(ctx, key, fields...).Result()
}

// SAdd adds members to a set.
func (s *Store) SAdd(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return s.write.SAdd(ctx, key, args...).Err()
}

// SRem removes members from a set.
func (s *Store) SRem(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return s.write.SRem(ctx, key, args...).Err()
}

// SIsMember reports set membership.
func (s *Store) SIsMember(ctx context.Context, key, member string) (bool, error) {
	return s.read.SIsMember(ctx, key, member).Result()
}

// SMembers returns all members of a set.
func (s *Store) SMembers(ctx context.Context, key string) ([]string, error) {
	return s.read.SMembers(ctx, key).Result()
}

// ZAdd inserts or updates a sorted-set member.
func (s *Store) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return s.write.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

// ZRem removes a sorted-set member.
func (s *Store) ZRem(ctx context.Context, key, member string) error {
	return s.write.ZRem(ctx, key, member).Err()
}

// popDueScript pops the lowest-scored member at or below maxScore and
// reinserts it at newScore, atomically. At most one caller across all
// processes sees a given member per cycle.
var popDueScript = redis.NewScript(`
local m = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #m == 0 then
  return false
end
redis.call('ZADD', KEYS[1], ARGV[2], m[1])
return m[1]
`)

// PopDue runs the pop-then-reinsert primitive. It returns the member, or
// "" when nothing is due.
func (s *Store) PopDue(ctx context.Context, key string, maxScore, newScore float64) (string, error) {
	res, err := popDueScript.Run(ctx, s.write, []string{key},
		fmt.Sprintf("%f", maxScore), fmt.Sprintf("%f", newScore)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	member, _ := res.(string)
	return member, nil
}

// RecordAdd writes a record hash field (only if absent) and registers the
// record key in its zone index in one transaction.
func (s *Store) RecordAdd(ctx context.Context, recordKey, field, value, zoneKey string, ttl time.Duration) error {
	pipe := s.write.TxPipeline()
	pipe.HSetNX(ctx, recordKey, field, value)
	pipe.SAdd(ctx, zoneKey, recordKey)
	if ttl > 0 {
		pipe.Expire(ctx, recordKey, ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}
