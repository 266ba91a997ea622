package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"github.com/redis/go-redis/v9"
)

// StateStore issues single-use OAuth state values.
type StateStore interface {
	Issue(ctx context.Context) (string, error)
	// Consume reports whether state was issued, unexpired and not used before.
	Consume(ctx context.Context, state string) (bool, error)
}

// MemoryStateStore keeps state in process. Only valid with a single replica.
type MemoryStateStore struct {
	cache *ttlcache.Cache[string, struct{}]
}

func NewMemoryStateStore(ttl time.Duration) *MemoryStateStore {
	cache := ttlcache.New(
		ttlcache.WithTTL[string, struct{}](ttl),
		ttlcache.WithDisableTouchOnHit[string, struct{}](),
	)
	go cache.Start()

	return &MemoryStateStore{cache: cache}
}

func (s *MemoryStateStore) Issue(_ context.Context) (string, error) {
	state := uuid.NewString()
	s.cache.Set(state, struct{}{}, ttlcache.DefaultTTL)
	return state, nil
}

func (s *MemoryStateStore) Consume(_ context.Context, state string) (bool, error) {
	if state == "" {
		return false, nil
	}
	item, found := s.cache.GetAndDelete(state)
	return found && !item.IsExpired(), nil
}

func (s *MemoryStateStore) Stop() {
	s.cache.Stop()
}

// RedisStateStore shares state across replicas.
type RedisStateStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisStateStore(client *redis.Client, prefix string, ttl time.Duration) *RedisStateStore {
	return &RedisStateStore{
		client: client,
		prefix: prefix,
		ttl:    ttl,
	}
}

func (s *RedisStateStore) redisKey(state string) string {
	return fmt.Sprintf("%s:oauth_state:%s", s.prefix, state)
}

func (s *RedisStateStore) Issue(ctx context.Context) (string, error) {
	state := uuid.NewString()
	if err := s.client.Set(ctx, s.redisKey(state), 1, s.ttl).Err(); err != nil {
		return "", fmt.Errorf("failed to store oauth state: %w", err)
	}
	return state, nil
}

func (s *RedisStateStore) Consume(ctx context.Context, state string) (bool, error) {
	if state == "" {
		return false, nil
	}
	err := s.client.GetDel(ctx, s.redisKey(state)).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to consume oauth state: %w", err)
	}
	return true, nil
}
