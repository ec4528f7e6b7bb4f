package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/soyeahso/unibox/internal/domain"
)

// SnapshotStore keeps the last successful chat listing per account so a
// rate-limited upstream can be answered from it.
type SnapshotStore interface {
	Save(ctx context.Context, accountID string, chats []domain.ChatInfo) error
	Load(ctx context.Context, accountID string) ([]domain.ChatInfo, bool, error)
	Delete(ctx context.Context, accountID string) error
	Close() error
}

// MemorySnapshots is an in-process SnapshotStore.
type MemorySnapshots struct {
	mu    sync.RWMutex
	items map[string][]domain.ChatInfo
}

// NewMemorySnapshots creates an empty in-memory snapshot store.
func NewMemorySnapshots() *MemorySnapshots {
	return &MemorySnapshots{items: make(map[string][]domain.ChatInfo)}
}

func (m *MemorySnapshots) Save(_ context.Context, accountID string, chats []domain.ChatInfo) error {
	m.mu.Lock()
	m.items[accountID] = slices.Clone(chats)
	m.mu.Unlock()
	return nil
}

func (m *MemorySnapshots) Load(_ context.Context, accountID string) ([]domain.ChatInfo, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	chats, ok := m.items[accountID]
	return slices.Clone(chats), ok, nil
}

func (m *MemorySnapshots) Delete(_ context.Context, accountID string) error {
	m.mu.Lock()
	delete(m.items, accountID)
	m.mu.Unlock()
	return nil
}

func (m *MemorySnapshots) Close() error {
	m.mu.Lock()
	clear(m.items)
	m.mu.Unlock()
	return nil
}

// RedisSnapshots stores snapshots as JSON strings with an expiry.
type RedisSnapshots struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisSnapshots connects to redisURL and verifies the connection.
func NewRedisSnapshots(ctx context.Context, redisURL string, ttl time.Duration) (*RedisSnapshots, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return &RedisSnapshots{client: client, ttl: ttl}, nil
}

func snapshotKey(accountID string) string {
	return fmt.Sprintf("unibox:chats:%s", accountID)
}

func (r *RedisSnapshots) Save(ctx context.Context, accountID string, chats []domain.ChatInfo) error {
	data, err := json.Marshal(chats)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, snapshotKey(accountID), data, r.ttl).Err()
}

func (r *RedisSnapshots) Load(ctx context.Context, accountID string) ([]domain.ChatInfo, bool, error) {
	data, err := r.client.Get(ctx, snapshotKey(accountID)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var chats []domain.ChatInfo
	if err := json.Unmarshal(data, &chats); err != nil {
		return nil, false, fmt.Errorf("decoding snapshot for %s: %w", accountID, err)
	}
	return chats, true, nil
}

func (r *RedisSnapshots) Delete(ctx context.Context, accountID string) error {
	return r.client.Del(ctx, snapshotKey(accountID)).Err()
}

func (r *RedisSnapshots) Close() error {
	return r.client.Close()
}
