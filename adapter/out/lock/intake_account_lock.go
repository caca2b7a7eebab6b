// Package lock provides per-account ingestion leases.
package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"intake_server/core/domain"
	"intake_server/core/port/out"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "intake:ingest:lock:"

// releaseScript deletes the key only when it still holds our token, so an
// expired lease taken over by another run is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// =============================================================================
// Redis Locker
// =============================================================================

// RedisLocker shares leases across processes.
type RedisLocker struct {
	client redis.UniversalClient
}

func NewRedisLocker(client redis.UniversalClient) *RedisLocker {
	return &RedisLocker{client: client}
}

func (l *RedisLocker) Acquire(ctx context.Context, accountID string, ttl time.Duration) (out.ReleaseFunc, error) {
	key := keyPrefix + accountID
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire ingestion lease: %w", err)
	}
	if !ok {
		return nil, domain.ErrIngestionInProgress
	}

	var once sync.Once
	return func(ctx context.Context) error {
		var rerr error
		once.Do(func() {
			rerr = releaseScript.Run(ctx, l.client, []string{key}, token).Err()
		})
		return rerr
	}, nil
}

// =============================================================================
// Memory Locker
// =============================================================================

// MemoryLocker is the single-process fallback when Redis is not configured.
type MemoryLocker struct {
	mu     sync.Mutex
	leases map[string]lease
	now    func() time.Time
}

type lease struct {
	token   string
	expires time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{
		leases: make(map[string]lease),
		now:    time.Now,
	}
}

func (l *MemoryLocker) Acquire(ctx context.Context, accountID string, ttl time.Duration) (out.ReleaseFunc, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if cur, held := l.leases[accountID]; held && now.Before(cur.expires) {
		return nil, domain.ErrIngestionInProgress
	}

	token := uuid.NewString()
	l.leases[accountID] = lease{token: token, expires: now.Add(ttl)}

	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		if cur, ok := l.leases[accountID]; ok && cur.token == token {
			delete(l.leases, accountID)
		}
		return nil
	}, nil
}

var (
	_ out.AccountLocker = (*RedisLocker)(nil)
	_ out.AccountLocker = (*MemoryLocker)(nil)
)
