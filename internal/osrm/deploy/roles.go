package deploy

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RoleStore persists which instance of a profile is active.
type RoleStore interface {
	// Active returns "" when no role has been recorded for profile.
	Active(ctx context.Context, profile string) (string, error)
	SetActive(ctx context.Context, profile, instance string) error
}

// RedisRoleStore keeps roles under routeops:role:<profile>.
type RedisRoleStore struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisRoleStore creates a Redis backed role store.
func NewRedisRoleStore(rdb *redis.Client) *RedisRoleStore {
	return &RedisRoleStore{rdb: rdb, prefix: "routeops:role:"}
}

func (s *RedisRoleStore) Active(ctx context.Context, profile string) (string, error) {
	v, err := s.rdb.Get(ctx, s.prefix+profile).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read active role for %s: %w", profile, err)
	}
	return v, nil
}

func (s *RedisRoleStore) SetActive(ctx context.Context, profile, instance string) error {
	if err := s.rdb.Set(ctx, s.prefix+profile, instance, 0).Err(); err != nil {
		return fmt.Errorf("failed to persist active role for %s: %w", profile, err)
	}
	return nil
}

// MemoryRoleStore keeps roles in process memory.
type MemoryRoleStore struct {
	mu     sync.RWMutex
	active map[string]string
}

// NewMemoryRoleStore creates an in-memory role store.
func NewMemoryRoleStore() *MemoryRoleStore {
	return &MemoryRoleStore{active: make(map[string]string)}
}

func (s *MemoryRoleStore) Active(_ context.Context, profile string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active[profile], nil
}

func (s *MemoryRoleStore) SetActive(_ context.Context, profile, instance string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[profile] = instance
	return nil
}
