package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLocked is returned when another handler holds the workflow lock.
var ErrLocked = errors.New("booking: workflow is locked")

// Locker serializes handlers working on the same workflow across processes.
// The store's conditional updates remain the source of truth; the lock keeps
// two handlers from both dialing before either records its call.
type Locker interface {
	Lock(ctx context.Context, workflowID uuid.UUID) (unlock func(), err error)
}

type nopLocker struct{}

func (nopLocker) Lock(context.Context, uuid.UUID) (func(), error) {
	return func() {}, nil
}

// NopLocker returns a Locker that never blocks.
func NopLocker() Locker {
	return nopLocker{}
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisLocker holds per-workflow locks as SET NX PX keys.
type RedisLocker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	wait   time.Duration
	poll   time.Duration
}

// NewRedisLocker creates a locker. ttl bounds how long a crashed holder can
// block others; wait bounds how long Lock polls before giving up.
func NewRedisLocker(client *redis.Client, ttl, wait time.Duration) *RedisLocker {
	if client == nil {
		panic("booking: redis client required")
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if wait < 0 {
		wait = 0
	}
	return &RedisLocker{
		client: client,
		prefix: "booking:workflow-lock:",
		ttl:    ttl,
		wait:   wait,
		poll:   50 * time.Millisecond,
	}
}

func (l *RedisLocker) Lock(ctx context.Context, workflowID uuid.UUID) (func(), error) {
	key := l.prefix + workflowID.String()
	token := uuid.NewString()
	deadline := time.Now().Add(l.wait)

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("booking: acquire lock: %w", err)
		}
		if ok {
			return func() {
				// release with a fresh context so a cancelled request still unlocks
				releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				_ = releaseScript.Run(releaseCtx, l.client, []string{key}, token).Err()
			}, nil
		}
		if !time.Now().Before(deadline) {
			return nil, ErrLocked
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.poll):
		}
	}
}
