package lock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

var (
	// ErrLockContention is returned when the resource is already held.
	// No side effect has occurred, so callers may retry the whole operation.
	ErrLockContention = errors.New("resource is locked by another holder")

	// ErrNotHeld is returned when releasing or refreshing a lock whose token
	// no longer matches (expired and taken over, or already released).
	ErrNotHeld = errors.New("lock is not held by this token")
)

// releaseScript deletes the key only if the stored token matches, so an
// expired holder can never delete a lock that has since been re-acquired.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

// refreshScript extends the TTL only while the token still matches.
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end
`)

// Handle is a held lock. Release and Refresh succeed only for the holder
// that acquired it.
type Handle interface {
	Release(ctx context.Context) error
	Refresh(ctx context.Context) error
	// KeepAlive refreshes the lock periodically until the returned stop
	// function is called or the context is cancelled. Used by critical
	// sections whose duration may approach the TTL (gateway round-trips).
	KeepAlive(ctx context.Context) (stop func())
}

// Manager hands out fail-fast distributed locks backed by Redis. Acquire
// returns immediately on contention; callers decide whether to back off.
type Manager struct {
	client *redis.Client
	ttl    time.Duration
}

func NewManager(client *redis.Client, ttl time.Duration) *Manager {
	return &Manager{client: client, ttl: ttl}
}

// Acquire takes the lock for resourceKey via SET NX PX. The token identifies
// the holder so release is a compare-and-delete, never a blind DEL.
func (m *Manager) Acquire(ctx context.Context, resourceKey string) (Handle, error) {
	token := uuid.NewString()
	ok, err := m.client.SetNX(ctx, resourceKey, token, m.ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLockContention
	}
	return &lock{client: m.client, key: resourceKey, token: token, ttl: m.ttl}, nil
}

type lock struct {
	client *redis.Client
	key    string
	token  string
	ttl    time.Duration
}

func (l *lock) Release(ctx context.Context) error {
	deleted, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Int()
	if err != nil {
		return err
	}
	if deleted == 0 {
		return ErrNotHeld
	}
	return nil
}

func (l *lock) Refresh(ctx context.Context) error {
	extended, err := refreshScript.Run(ctx, l.client, []string{l.key}, l.token, l.ttl.Milliseconds()).Int()
	if err != nil {
		return err
	}
	if extended == 0 {
		return ErrNotHeld
	}
	return nil
}

func (l *lock) KeepAlive(ctx context.Context) (stop func()) {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(l.ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				if err := l.Refresh(ctx); err != nil {
					if !errors.Is(err, ErrNotHeld) {
						log.Warn().Err(err).Str("key", l.key).Msg("lock refresh failed")
					}
					return
				}
			}
		}
	}()
	return func() { close(done) }
}
