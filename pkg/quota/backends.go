package quota

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// MemoryBackend implements StorageBackend in process memory.
type MemoryBackend struct {
	records map[string]*Record
	mu      sync.RWMutex
	closed  bool
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{records: make(map[string]*Record)}
}

// Load retrieves the record for an owner.
func (b *MemoryBackend) Load(ctx context.Context, ownerID string) (*Record, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrStorageClosed
	}
	record, ok := b.records[ownerID]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return record.clone(), nil
}

// Save writes the whole record.
func (b *MemoryBackend) Save(ctx context.Context, ownerID string, record *Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrStorageClosed
	}
	b.records[ownerID] = record.clone()
	return nil
}

// Close marks the backend closed.
func (b *MemoryBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// RedisBackend implements StorageBackend using Redis, one key per owner.
type RedisBackend struct {
	client *redis.Client
	prefix string
	mu     sync.RWMutex
	closed bool
}

// NewRedisBackend creates a Redis quota backend.
func NewRedisBackend(addr, password string, db int) (*RedisBackend, error) {
	if addr == "" {
		return nil, errors.New("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &RedisBackend{client: client, prefix: "arborchat:quota:"}, nil
}

// NewRedisBackendFromClient creates a Redis backend from an existing
// client. This is useful for testing with miniredis.
func NewRedisBackendFromClient(client *redis.Client, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = "arborchat:quota:"
	}
	return &RedisBackend{client: client, prefix: prefix}
}

func (b *RedisBackend) guard() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrStorageClosed
	}
	return nil
}

// Load retrieves the record for an owner.
func (b *RedisBackend) Load(ctx context.Context, ownerID string) (*Record, error) {
	if err := b.guard(); err != nil {
		return nil, err
	}
	data, err := b.client.Get(ctx, b.prefix+ownerID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("get quota record: %w", err)
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("unmarshal quota record: %w", err)
	}
	return &record, nil
}

// Save writes the whole record under the owner key.
func (b *RedisBackend) Save(ctx context.Context, ownerID string, record *Record) error {
	if err := b.guard(); err != nil {
		return err
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal quota record: %w", err)
	}
	if err := b.client.Set(ctx, b.prefix+ownerID, data, 0).Err(); err != nil {
		return fmt.Errorf("save quota record: %w", err)
	}
	return nil
}

// Close releases resources held by the backend.
func (b *RedisBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.client.Close()
}
