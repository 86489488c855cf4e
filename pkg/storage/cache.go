package storage

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vjranagit/modelvault/pkg/types"
)

// ArtifactCache is an LRU cache of version contents. Versions are immutable
// so entries only leave on eviction, expiry or deletion of the version.
type ArtifactCache struct {
	capacity int
	ttl      time.Duration
	mu       sync.Mutex
	cache    map[string]*cacheEntry
	lru      *list.List
}

// cacheEntry represents a cached artifact set
type cacheEntry struct {
	key       string
	set       types.ArtifactSet
	timestamp time.Time
	element   *list.Element
}

// NewArtifactCache creates a new artifact cache
func NewArtifactCache(capacity int, ttl time.Duration) *ArtifactCache {
	return &ArtifactCache{
		capacity: capacity,
		ttl:      ttl,
		cache:    make(map[string]*cacheEntry),
		lru:      list.New(),
	}
}

func cacheKey(family string, id types.VersionID) string {
	return family + "/" + string(id)
}

// Get retrieves a cached artifact set
func (ac *ArtifactCache) Get(family string, id types.VersionID) (types.ArtifactSet, bool) {
	ac.mu.Lock()
	defer ac.mu.Unlock()

	key := cacheKey(family, id)
	entry, exists := ac.cache[key]
	if !exists {
		return types.ArtifactSet{}, false
	}

	if ac.ttl > 0 && time.Since(entry.timestamp) > ac.ttl {
		ac.removeLocked(key)
		return types.ArtifactSet{}, false
	}

	ac.lru.MoveToFront(entry.element)
	return entry.set, true
}

// Put stores an artifact set in the cache
func (ac *ArtifactCache) Put(family string, id types.VersionID, set types.ArtifactSet) {
	if ac.capacity <= 0 {
		return
	}

	ac.mu.Lock()
	defer ac.mu.Unlock()

	key := cacheKey(family, id)
	if entry, exists := ac.cache[key]; exists {
		entry.set = set
		entry.timestamp = time.Now()
		ac.lru.MoveToFront(entry.element)
		return
	}

	entry := &cacheEntry{
		key:       key,
		set:       set,
		timestamp: time.Now(),
	}
	entry.element = ac.lru.PushFront(entry)
	ac.cache[key] = entry

	if ac.lru.Len() > ac.capacity {
		if oldest := ac.lru.Back(); oldest != nil {
			ac.removeLocked(oldest.Value.(*cacheEntry).key)
		}
	}
}

// Remove drops a version from the cache
func (ac *ArtifactCache) Remove(family string, id types.VersionID) {
	ac.mu.Lock()
	defer ac.mu.Unlock()
	ac.removeLocked(cacheKey(family, id))
}

// removeLocked removes an entry from the cache (must hold lock)
func (ac *ArtifactCache) removeLocked(key string) {
	if entry, exists := ac.cache[key]; exists {
		ac.lru.Remove(entry.element)
		delete(ac.cache, key)
	}
}

// Clear clears all cache entries
func (ac *ArtifactCache) Clear() {
	ac.mu.Lock()
	defer ac.mu.Unlock()

	ac.cache = make(map[string]*cacheEntry)
	ac.lru = list.New()
}

// Size returns the current cache size
func (ac *ArtifactCache) Size() int {
	ac.mu.Lock()
	defer ac.mu.Unlock()
	return len(ac.cache)
}

// Stats returns cache statistics
func (ac *ArtifactCache) Stats() CacheStats {
	ac.mu.Lock()
	defer ac.mu.Unlock()

	expired := 0
	for _, entry := range ac.cache {
		if ac.ttl > 0 && time.Since(entry.timestamp) > ac.ttl {
			expired++
		}
	}

	return CacheStats{
		Size:     len(ac.cache),
		Capacity: ac.capacity,
		Expired:  expired,
	}
}

// CacheStats contains cache statistics
type CacheStats struct {
	Size     int
	Capacity int
	Expired  int
}

// existenceChecker is implemented by stores that can cheaply confirm a
// version has not been pruned by another process
type existenceChecker interface {
	Exists(ctx context.Context, family string, id types.VersionID) (bool, error)
}

// CachedStore wraps a VersionStore with a read cache. When the store can
// report existence, a hit is served only while the version is still present.
type CachedStore struct {
	store  VersionStore
	cache  *ArtifactCache
	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewCachedStore creates a cached store wrapper
func NewCachedStore(store VersionStore, capacity int, ttl time.Duration) *CachedStore {
	return &CachedStore{
		store: store,
		cache: NewArtifactCache(capacity, ttl),
	}
}

// Save passes through to the underlying store
func (cs *CachedStore) Save(ctx context.Context, family string, set types.ArtifactSet, score float64) (types.VersionID, error) {
	return cs.store.Save(ctx, family, set, score)
}

// List passes through to the underlying store
func (cs *CachedStore) List(ctx context.Context, family string) ([]types.VersionID, error) {
	return cs.store.List(ctx, family)
}

// Latest passes through to the underlying store
func (cs *CachedStore) Latest(ctx context.Context, family string) (types.VersionID, bool, error) {
	return cs.store.Latest(ctx, family)
}

// Read checks the cache before reading from the store
func (cs *CachedStore) Read(ctx context.Context, family string, id types.VersionID) (types.ArtifactSet, error) {
	if set, ok := cs.cache.Get(family, id); ok {
		present, err := cs.stillPresent(ctx, family, id)
		if err != nil {
			return types.ArtifactSet{}, err
		}
		if present {
			cs.hits.Add(1)
			return set, nil
		}
		cs.cache.Remove(family, id)
		cs.misses.Add(1)
		return types.ArtifactSet{}, fmt.Errorf("version %s/%s: %w", family, id, ErrNotFound)
	}
	cs.misses.Add(1)

	set, err := cs.store.Read(ctx, family, id)
	if err != nil {
		return types.ArtifactSet{}, err
	}
	cs.cache.Put(family, id, set)
	return set, nil
}

func (cs *CachedStore) stillPresent(ctx context.Context, family string, id types.VersionID) (bool, error) {
	checker, ok := cs.store.(existenceChecker)
	if !ok {
		return true, nil
	}
	return checker.Exists(ctx, family, id)
}

// Clear drops every cached version. Hit and miss counts are kept.
func (cs *CachedStore) Clear() {
	cs.cache.Clear()
}

// Delete invalidates the cached entry and deletes from the store
func (cs *CachedStore) Delete(ctx context.Context, family string, id types.VersionID) error {
	cs.cache.Remove(family, id)
	return cs.store.Delete(ctx, family, id)
}

// CacheStats returns cache statistics with hit and miss counts
func (cs *CachedStore) CacheStats() (CacheStats, uint64, uint64) {
	return cs.cache.Stats(), cs.hits.Load(), cs.misses.Load()
}

// CacheHitRate returns the cache hit rate as a percentage
func (cs *CachedStore) CacheHitRate() float64 {
	hits, misses := cs.hits.Load(), cs.misses.Load()
	total := hits + misses
	if total == 0 {
		return 0.0
	}
	return float64(hits) / float64(total) * 100.0
}
