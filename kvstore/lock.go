package kvstore

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrLockTimeout is returned when a lock could not be acquired within the
// wait window.
var ErrLockTimeout = errors.New("kvstore: lock wait timed out")

// Lock is a held distributed lock. Release it when done; the lease expires
// on its own if the holder dies.
type Lock struct {
	store *Store
	key   string
	token string
}

// unlockScript deletes the lock only if the caller still holds it.
var unlockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// AcquireLock takes a lease-based lock, polling until the wait window
// elapses. Lock keys live under the d:lock: prefix.
func (s *Store) AcquireLock(ctx context.Context, name string, wait, lease time.Duration) (*Lock, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	token := hex.EncodeToString(buf)
	key := "d:lock:" + name

	deadline := time.Now().Add(wait)
	for {
		ok, err := s.write.SetNX(ctx, key, token, lease).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			return &Lock{store: s, key: key, token: token}, nil
		}
		if time.Now().After(deadline) {
			return nil, ErrLockTimeout
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
	}
}

// Release drops the lock if it is still held by this caller.
func (l *Lock) Release(ctx context.Context) error {
	return unlockScript.Run(ctx, l.store.write, []string{l.key}, l.token).Err()
}
