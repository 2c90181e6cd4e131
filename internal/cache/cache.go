// Package cache implements the deterministic response cache: a TTL-bounded
// key/value port plus the request fingerprinting that produces cache keys.
// The in-memory implementation suits a single gateway instance; the Service
// port allows an external store behind the same interface.
package cache

import (
	"context"
	"sync"
	"time"
)

// Service is the storage port the orchestrators depend on. Values are opaque
// byte slices (serialized responses).
type Service interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)
}

// entry is one cached value with its expiry.
type entry struct {
	value     []byte
	expiresAt time.Time
}

// Memory is an in-memory Service with periodic expiry eviction.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]entry
	doneCh  chan struct{}
	once    sync.Once
}

// NewMemory creates an in-memory cache. The eviction loop runs until Close.
func NewMemory() *Memory {
	m := &Memory{
		entries: make(map[string]entry),
		doneCh:  make(chan struct{}),
	}
	go m.evictionLoop()
	return m
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool) {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok || time.Now().After(e.expiresAt) {
		return nil, false
	}
	return e.value, true
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	m.mu.Lock()
	m.entries[key] = entry{value: value, expiresAt: time.Now().Add(ttl)}
	m.mu.Unlock()
}

// Len returns the number of live entries (expired entries not yet evicted
// are counted).
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Close stops the eviction loop.
func (m *Memory) Close() {
	m.once.Do(func() { close(m.doneCh) })
}

func (m *Memory) evictionLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-m.doneCh:
			return
		case <-ticker.C:
			m.evictExpired()
		}
	}
}

func (m *Memory) evictExpired() {
	now := time.Now()
	m.mu.Lock()
	for k, e := range m.entries {
		if now.After(e.expiresAt) {
			delete(m.entries, k)
		}
	}
	m.mu.Unlock()
}
