package resilience

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// StateStore persists breaker snapshots. Update must apply fn atomically
// with respect to other Update calls for the same name.
type StateStore interface {
	Load(ctx context.Context, name string) (Snapshot, error)
	Update(ctx context.Context, name string, fn func(*Snapshot)) (Snapshot, error)
}

var (
	_ StateStore = (*MemoryStateStore)(nil)
	_ StateStore = (*RedisStateStore)(nil)
)

// MemoryStateStore keeps breaker state in process.
type MemoryStateStore struct {
	mu     sync.Mutex
	states map[string]Snapshot
}

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{states: make(map[string]Snapshot)}
}

func (m *MemoryStateStore) Load(_ context.Context, name string) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[name], nil
}

func (m *MemoryStateStore) Update(_ context.Context, name string, fn func(*Snapshot)) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := m.states[name]
	fn(&snap)
	m.states[name] = snap
	return snap, nil
}

const maxWatchRetries = 5

// RedisStateStore shares breaker state between consumer instances. Updates
// use WATCH/MULTI optimistic transactions.
type RedisStateStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisStateStore(client redis.UniversalClient, prefix string) *RedisStateStore {
	if prefix == "" {
		prefix = "analyzer:"
	}
	return &RedisStateStore{client: client, prefix: prefix}
}

func (s *RedisStateStore) key(name string) string { return s.prefix + "breaker:" + name }

func (s *RedisStateStore) Load(ctx context.Context, name string) (Snapshot, error) {
	return readSnapshot(ctx, s.client, s.key(name))
}

func (s *RedisStateStore) Update(ctx context.Context, name string, fn func(*Snapshot)) (Snapshot, error) {
	key := s.key(name)
	var out Snapshot
	txf := func(tx *redis.Tx) error {
		snap, err := readSnapshot(ctx, tx, key)
		if err != nil {
			return err
		}
		fn(&snap)
		data, err := json.Marshal(snap)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		out = snap
		return err
	}

	for i := 0; i < maxWatchRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return out, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return Snapshot{}, fmt.Errorf("resilience/redis: update %s: %w", name, err)
	}
	return Snapshot{}, ErrStateConflict
}

func readSnapshot(ctx context.Context, c redis.Cmdable, key string) (Snapshot, error) {
	var snap Snapshot
	data, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return snap, nil
	}
	if err != nil {
		return snap, fmt.Errorf("resilience/redis: get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		return snap, fmt.Errorf("resilience/redis: decode %s: %w", key, err)
	}
	return snap, nil
}
