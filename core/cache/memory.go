package cache

import (
	"context"
	"time"

	"github.com/dgraph-io/ristretto"
)

const (
	defaultNumCounters = 1e6
	defaultMaxCost     = 64 << 20 // 64MB
	defaultBufferItems = 64
)

// MemoryBackend is a ristretto-backed in-process cache store, the
// default for single-node deployments.
type MemoryBackend struct {
	cache *ristretto.Cache
}

// MemoryConfig configures the in-process backend.
type MemoryConfig struct {
	NumCounters int64
	MaxCost     int64
	BufferItems int64
}

// NewMemoryBackend creates a ristretto-backed cache store.
func NewMemoryBackend(cfg *MemoryConfig) (*MemoryBackend, error) {
	numCounters := int64(defaultNumCounters)
	maxCost := int64(defaultMaxCost)
	bufferItems := int64(defaultBufferItems)
	if cfg != nil {
		if cfg.NumCounters > 0 {
			numCounters = cfg.NumCounters
		}
		if cfg.MaxCost > 0 {
			maxCost = cfg.MaxCost
		}
		if cfg.BufferItems > 0 {
			bufferItems = cfg.BufferItems
		}
	}

	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: numCounters,
		MaxCost:     maxCost,
		BufferItems: bufferItems,
	})
	if err != nil {
		return nil, err
	}
	return &MemoryBackend{cache: c}, nil
}

func (m *MemoryBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	value, found := m.cache.Get(key)
	if !found {
		return nil, false, nil
	}
	raw, ok := value.([]byte)
	if !ok {
		return nil, false, nil
	}
	return raw, true, nil
}

func (m *MemoryBackend) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.cache.SetWithTTL(key, value, int64(len(value)), ttl)
	return nil
}

func (m *MemoryBackend) Delete(_ context.Context, key string) error {
	m.cache.Del(key)
	return nil
}

// Wait blocks until pending async writes are applied. Tests use this to
// make writes immediately observable.
func (m *MemoryBackend) Wait() {
	m.cache.Wait()
}

// Close releases the backing cache.
func (m *MemoryBackend) Close() {
	m.cache.Close()
}
