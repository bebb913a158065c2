package redis

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryClient is a process-local RedisClient for single-replica runs and
// tests. Expired keys are dropped lazily.
type MemoryClient struct {
	mu    sync.Mutex
	items map[string]memoryItem
	now   func() time.Time
}

type memoryItem struct {
	value     string
	expiresAt time.Time
}

func NewMemoryClient() *MemoryClient {
	return &MemoryClient{items: make(map[string]memoryItem), now: time.Now}
}

func (m *MemoryClient) Get(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.lookup(key)
	if !ok {
		return "", ErrKeyNotFound
	}
	return it.value, nil
}

func (m *MemoryClient) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store(key, value, expiration)
	return nil
}

func (m *MemoryClient) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.lookup(key); ok {
		return false, nil
	}
	m.store(key, value, expiration)
	return true, nil
}

func (m *MemoryClient) Del(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

func (m *MemoryClient) Close() error { return nil }

func (m *MemoryClient) lookup(key string) (memoryItem, bool) {
	it, ok := m.items[key]
	if ok && !it.expiresAt.IsZero() && !m.now().Before(it.expiresAt) {
		delete(m.items, key)
		return memoryItem{}, false
	}
	return it, ok
}

func (m *MemoryClient) store(key string, value interface{}, expiration time.Duration) {
	it := memoryItem{value: fmt.Sprint(value)}
	if expiration > 0 {
		it.expiresAt = m.now().Add(expiration)
	}
	m.items[key] = it
}
