package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/pressurenet/readings-aggregator/internal/core/reading"
)

// WindowBuffer is a process-local storage.WindowBuffer. Expired keys are
// dropped on access and swept by Keys.
type WindowBuffer struct {
	mu    sync.Mutex
	cache *ttlcache.Cache[string, map[string]reading.Record]
}

// NewWindowBuffer creates an empty buffer.
func NewWindowBuffer() *WindowBuffer {
	return &WindowBuffer{
		cache: ttlcache.New(
			ttlcache.WithTTL[string, map[string]reading.Record](ttlcache.NoTTL),
			ttlcache.WithDisableTouchOnHit[string, map[string]reading.Record](),
		),
	}
}

func (b *WindowBuffer) entries(key string) (map[string]reading.Record, time.Duration) {
	item := b.cache.Get(key)
	if item == nil {
		return nil, ttlcache.NoTTL
	}
	return item.Value(), item.TTL()
}

func (b *WindowBuffer) Push(_ context.Context, key, id string, rec reading.Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	entries, ttl := b.entries(key)
	if entries == nil {
		entries = make(map[string]reading.Record)
	}
	entries[id] = rec
	b.cache.Set(key, entries, ttl)
	return nil
}

func (b *WindowBuffer) ReadAll(_ context.Context, key string) (map[string]reading.Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entries, _ := b.entries(key)
	out := make(map[string]reading.Record, len(entries))
	for id, rec := range entries {
		out[id] = rec
	}
	return out, nil
}

func (b *WindowBuffer) Rename(_ context.Context, from, to string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	src, _ := b.entries(from)
	b.cache.Delete(from)
	if len(src) == 0 {
		return nil
	}
	dst, _ := b.entries(to)
	if dst == nil {
		dst = make(map[string]reading.Record, len(src))
	}
	for id, rec := range src {
		if _, exists := dst[id]; !exists {
			dst[id] = rec
		}
	}
	b.cache.Set(to, dst, ttlcache.NoTTL)
	return nil
}

func (b *WindowBuffer) Expire(_ context.Context, key string, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	entries, _ := b.entries(key)
	if entries == nil {
		return nil
	}
	b.cache.Set(key, entries, ttl)
	return nil
}

func (b *WindowBuffer) Delete(_ context.Context, key string) error {
	b.cache.Delete(key)
	return nil
}

func (b *WindowBuffer) Keys(_ context.Context, prefix string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.cache.DeleteExpired()
	var out []string
	for _, key := range b.cache.Keys() {
		if strings.HasPrefix(key, prefix) && b.cache.Has(key) {
			out = append(out, key)
		}
	}
	return out, nil
}

// Len returns the number of live keys.
func (b *WindowBuffer) Len() int {
	keys, _ := b.Keys(context.Background(), "")
	return len(keys)
}
