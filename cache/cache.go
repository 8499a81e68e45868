package cache

import (
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// Cache is the set-if-not-exists store the market locks and quotes live in.
type Cache interface {
	// SetNX stores value under key only if key is absent or expired.
	SetNX(key, value string, ttl time.Duration) bool
	Get(key string) (string, bool)
	Set(key, value string, ttl time.Duration)
	Delete(key string)
	// CompareAndDelete removes key only while it still holds value.
	CompareAndDelete(key, value string) bool
}

// MemCache is an in-process Cache. Entries expire by TTL only; reads never
// extend them.
type MemCache struct {
	mu    sync.Mutex
	items *ttlcache.Cache[string, string]
}

func NewMemCache() *MemCache {
	items := ttlcache.New[string, string](
		ttlcache.WithDisableTouchOnHit[string, string](),
	)
	go items.Start()
	return &MemCache{items: items}
}

func (m *MemCache) SetNX(key, value string, ttl time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.items.Get(key) != nil {
		return false
	}
	m.items.Set(key, value, ttl)
	return true
}

func (m *MemCache) Get(key string) (string, bool) {
	item := m.items.Get(key)
	if item == nil {
		return "", false
	}
	return item.Value(), true
}

func (m *MemCache) Set(key, value string, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items.Set(key, value, ttl)
}

func (m *MemCache) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items.Delete(key)
}

func (m *MemCache) CompareAndDelete(key, value string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	item := m.items.Get(key)
	if item == nil || item.Value() != value {
		return false
	}
	m.items.Delete(key)
	return true
}

func (m *MemCache) Len() int {
	return m.items.Len()
}

// Close stops the expiry loop.
func (m *MemCache) Close() {
	m.items.Stop()
}
