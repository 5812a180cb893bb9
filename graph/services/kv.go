package services

import (
	"sync"
	"time"
)

// KV is the shared key-value capability: a process-scoped map with
// optional per-key TTL. Thread-safe.
type KV struct {
	mu   sync.RWMutex
	data map[string]kvEntry
	now  func() time.Time
}

type kvEntry struct {
	value   any
	expires time.Time // zero means no expiry
}

// NewKV creates an empty store.
func NewKV() *KV {
	return &KV{data: make(map[string]kvEntry), now: time.Now}
}

// Set stores value under key. ttl <= 0 means the key never expires.
func (k *KV) Set(key string, value any, ttl time.Duration) {
	k.mu.Lock()
	defer k.mu.Unlock()

	e := kvEntry{value: value}
	if ttl > 0 {
		e.expires = k.now().Add(ttl)
	}
	k.data[key] = e
}

// Get returns the stored value, or def when the key is absent or
// expired.
func (k *KV) Get(key string, def any) any {
	k.mu.RLock()
	e, ok := k.data[key]
	k.mu.RUnlock()

	if !ok {
		return def
	}
	if !e.expires.IsZero() && k.now().After(e.expires) {
		k.mu.Lock()
		delete(k.data, key)
		k.mu.Unlock()
		return def
	}
	return e.value
}

// Delete removes a key.
func (k *KV) Delete(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.data, key)
}
