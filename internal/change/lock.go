package change

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// acquireScript grants a lock only if the key is unset, recording an owner
// token so the holder alone can release it — a compare-and-delete pattern
// that avoids one writer releasing a lock a different writer now holds
// after the original lease expired.
var acquireScript = redis.NewScript(`
if redis.call("SET", KEYS[1], ARGV[1], "NX", "PX", ARGV[2]) then
	return 1
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker serializes engine transitions per change_id: every mutating
// operation on a ChangeRecord acquires the change's lock first, so two
// forge events for the same change are never applied concurrently.
type Locker struct {
	client *redis.Client
	ttl    time.Duration
}

// NewLocker builds a Locker backed by an existing Redis client.
func NewLocker(client *redis.Client, ttl time.Duration) *Locker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Locker{client: client, ttl: ttl}
}

// Lease is a held lock; call Release to give it up early.
type Lease struct {
	key   string
	token string
	locker *Locker
}

func lockKey(changeID string) string { return fmt.Sprintf("govcore:lock:change:%s", changeID) }

// Acquire blocks, retrying every 50ms, until the change's lock is held or
// ctx is done.
func (l *Locker) Acquire(ctx context.Context, changeID string) (*Lease, error) {
	key := lockKey(changeID)
	token := uuid.New().String()

	for {
		res, err := acquireScript.Run(ctx, l.client, []string{key}, token, l.ttl.Milliseconds()).Int()
		if err != nil {
			return nil, fmt.Errorf("change: acquire lock for %s: %w", changeID, err)
		}
		if res == 1 {
			return &Lease{key: key, token: token, locker: l}, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("change: acquire lock for %s: %w", changeID, ctx.Err())
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// Release gives up the lease if it is still held by this holder.
func (lease *Lease) Release(ctx context.Context) error {
	_, err := releaseScript.Run(ctx, lease.locker.client, []string{lease.key}, lease.token).Int()
	if err != nil {
		return fmt.Errorf("change: release lock %s: %w", lease.key, err)
	}
	return nil
}
