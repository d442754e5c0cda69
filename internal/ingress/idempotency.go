package ingress

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// EventSeenStore deduplicates forge event ids so redelivery of the same
// webhook never re-applies a transition — the state machine's idempotence
// guarantee from §4.9 depends on this.
type EventSeenStore interface {
	// SeenOrRecord reports whether eventID was already recorded, and records
	// it if not, atomically.
	SeenOrRecord(ctx context.Context, eventID string) (alreadySeen bool, err error)
}

// MemorySeenStore is an in-process EventSeenStore for tests and
// single-node deployments, grounded on the teacher's MemoryIdempotencyStore
// TTL-eviction shape.
type MemorySeenStore struct {
	mu      sync.Mutex
	seenAt  map[string]time.Time
	ttl     time.Duration
}

// NewMemorySeenStore returns a store that forgets event ids after ttl.
func NewMemorySeenStore(ttl time.Duration) *MemorySeenStore {
	return &MemorySeenStore{seenAt: make(map[string]time.Time), ttl: ttl}
}

func (s *MemorySeenStore) SeenOrRecord(_ context.Context, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if at, ok := s.seenAt[eventID]; ok && now.Sub(at) < s.ttl {
		return true, nil
	}
	s.seenAt[eventID] = now
	return false, nil
}

// redisSeenScript records an event id only if absent, atomically, so two
// webhook deliveries racing on the same event id never both proceed.
var redisSeenScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
	return 1
end
redis.call("SET", KEYS[1], "1", "PX", ARGV[1])
return 0
`)

// RedisSeenStore is the distributed-deployment EventSeenStore.
type RedisSeenStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisSeenStore returns a store backed by client.
func NewRedisSeenStore(client *redis.Client, ttl time.Duration) *RedisSeenStore {
	return &RedisSeenStore{client: client, ttl: ttl}
}

func (s *RedisSeenStore) SeenOrRecord(ctx context.Context, eventID string) (bool, error) {
	key := fmt.Sprintf("govcore:seen:%s", eventID)
	res, err := redisSeenScript.Run(ctx, s.client, []string{key}, s.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("ingress: dedupe event %s: %w", eventID, err)
	}
	return res == 1, nil
}
