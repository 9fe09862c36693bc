package cache

import (
	"sync"
	"time"
)

const memorySweepThreshold = 4096

// Memory is the in-process fallback cache.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	value   []byte
	expires time.Time
}

func NewMemory() *Memory {
	return &Memory{entries: map[string]memoryEntry{}}
}

func (m *Memory) Get(key string) ([]byte, bool) {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok || time.Now().After(e.expires) {
		return nil, false
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, true
}

func (m *Memory) Set(key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	stored := make([]byte, len(value))
	copy(stored, value)

	m.mu.Lock()
	if len(m.entries) >= memorySweepThreshold {
		m.sweepLocked()
	}
	m.entries[key] = memoryEntry{value: stored, expires: time.Now().Add(ttl)}
	m.mu.Unlock()
}

func (m *Memory) Invalidate(keys ...string) {
	m.mu.Lock()
	for _, k := range keys {
		delete(m.entries, k)
	}
	m.mu.Unlock()
}

func (m *Memory) Close() error { return nil }

// sweepLocked drops expired entries; called with the write lock held.
func (m *Memory) sweepLocked() {
	now := time.Now()
	for k, e := range m.entries {
		if now.After(e.expires) {
			delete(m.entries, k)
		}
	}
}

var _ Cache = (*Memory)(nil)
