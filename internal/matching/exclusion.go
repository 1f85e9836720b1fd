package matching

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

const exclusionKeyPrefix = "order_prev_drivers:"

// ExclusionStore keeps the per-order set of drivers already offered
// the order. It is the single source of truth for matching: job
// payloads never carry driver lists. Writers only add; the set is
// cleared on terminal outcomes and expires on its own after the TTL.
type ExclusionStore struct {
	Client *redis.Client
	TTL    time.Duration
}

func NewExclusionStore(client *redis.Client, ttl time.Duration) *ExclusionStore {
	return &ExclusionStore{Client: client, TTL: ttl}
}

// Add records a driver as already-offered. SADD makes repeated
// additions idempotent.
func (s *ExclusionStore) Add(ctx context.Context, orderID, driverID string) error {
	key := exclusionKeyPrefix + orderID
	if err := s.Client.SAdd(ctx, key, driverID).Err(); err != nil {
		return err
	}
	return s.Client.Expire(ctx, key, s.TTL).Err()
}

func (s *ExclusionStore) Members(ctx context.Context, orderID string) ([]string, error) {
	members, err := s.Client.SMembers(ctx, exclusionKeyPrefix+orderID).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return members, nil
}

func (s *ExclusionStore) Clear(ctx context.Context, orderID string) error {
	return s.Client.Del(ctx, exclusionKeyPrefix+orderID).Err()
}
