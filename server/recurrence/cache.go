package recurrence

import (
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"sync"
	"time"
)

// CacheEntry represents a cached recurrence result
type CacheEntry struct {
	Result     any
	ExpiresAt  time.Time
	AccessedAt time.Time
}

// RecurrenceCache caches membership and range checks, which are computed
// repeatedly for the same master while scheduling messages are interpreted.
type RecurrenceCache struct {
	entries         map[string]*CacheEntry
	mutex           sync.RWMutex
	ttl             time.Duration
	maxEntries      int
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	closeOnce       sync.Once
}

// CacheConfig holds configuration for the recurrence cache
type CacheConfig struct {
	TTL             time.Duration // How long entries stay valid
	MaxEntries      int           // Maximum number of entries before eviction
	CleanupInterval time.Duration // How often to run cleanup
}

// DefaultCacheConfig provides sensible defaults for recurrence caching
var DefaultCacheConfig = CacheConfig{
	TTL:             15 * time.Minute,
	MaxEntries:      1000,
	CleanupInterval: 5 * time.Minute,
}

// NewRecurrenceCache creates a new recurrence cache with the given configuration
func NewRecurrenceCache(config CacheConfig) *RecurrenceCache {
	if config.TTL <= 0 {
		config.TTL = DefaultCacheConfig.TTL
	}
	if config.MaxEntries <= 0 {
		config.MaxEntries = DefaultCacheConfig.MaxEntries
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = DefaultCacheConfig.CleanupInterval
	}

	cache := &RecurrenceCache{
		entries:         make(map[string]*CacheEntry),
		ttl:             config.TTL,
		maxEntries:      config.MaxEntries,
		cleanupInterval: config.CleanupInterval,
		stopCleanup:     make(chan struct{}),
	}

	go cache.cleanupLoop()

	return cache
}

// cacheKey hashes every input that influences a result
func cacheKey(operation string, masterStart time.Time, info RecurrenceInfo, a, b time.Time) string {
	hasher := sha256.New()
	write := func(s string) {
		hasher.Write([]byte(s))
		hasher.Write([]byte{0})
	}

	write(operation)
	write(masterStart.Format(time.RFC3339Nano))
	write(masterStart.Location().String())
	write(a.Format(time.RFC3339Nano))
	write(b.Format(time.RFC3339Nano))
	write(info.RRULE)
	for _, rdate := range info.RDATE {
		write(rdate.Format(time.RFC3339Nano))
	}
	write("|")
	for _, exdate := range info.EXDATE {
		write(exdate.Format(time.RFC3339Nano))
	}

	return hex.EncodeToString(hasher.Sum(nil))
}

// Get retrieves a cached result if it exists and hasn't expired
func (c *RecurrenceCache) Get(operation string, masterStart time.Time, info RecurrenceInfo, a, b time.Time) (any, bool) {
	key := cacheKey(operation, masterStart, info, a, b)
	now := time.Now()

	c.mutex.Lock()
	defer c.mutex.Unlock()

	entry, exists := c.entries[key]
	if !exists {
		return nil, false
	}
	if now.After(entry.ExpiresAt) {
		delete(c.entries, key)
		return nil, false
	}
	entry.AccessedAt = now
	return entry.Result, true
}

// Set stores a result in the cache
func (c *RecurrenceCache) Set(operation string, masterStart time.Time, info RecurrenceInfo, a, b time.Time, result any) {
	key := cacheKey(operation, masterStart, info, a, b)
	now := time.Now()

	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.entries[key] = &CacheEntry{
		Result:     result,
		ExpiresAt:  now.Add(c.ttl),
		AccessedAt: now,
	}
	if len(c.entries) > c.maxEntries {
		c.cleanup(now)
	}
}

// cleanup removes expired entries, then the least recently accessed ones
// until the cache is within its limit. Caller must hold c.mutex.
func (c *RecurrenceCache) cleanup(now time.Time) {
	for key, entry := range c.entries {
		if now.After(entry.ExpiresAt) {
			delete(c.entries, key)
		}
	}
	if len(c.entries) <= c.maxEntries {
		return
	}

	type keyAccess struct {
		key        string
		accessedAt time.Time
	}
	list := make([]keyAccess, 0, len(c.entries))
	for key, entry := range c.entries {
		list = append(list, keyAccess{key: key, accessedAt: entry.AccessedAt})
	}
	slices.SortFunc(list, func(a, b keyAccess) int {
		return a.accessedAt.Compare(b.accessedAt)
	})

	excess := len(c.entries) - c.maxEntries
	for i := 0; i < excess; i++ {
		delete(c.entries, list[i].key)
	}
}

func (c *RecurrenceCache) cleanupLoop() {
	ticker := time.NewTicker(c.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.mutex.Lock()
			c.cleanup(time.Now())
			c.mutex.Unlock()
		case <-c.stopCleanup:
			return
		}
	}
}

// Close stops the cleanup goroutine and clears the cache
func (c *RecurrenceCache) Close() {
	c.closeOnce.Do(func() {
		close(c.stopCleanup)
	})
	c.mutex.Lock()
	c.entries = make(map[string]*CacheEntry)
	c.mutex.Unlock()
}

// Stats returns cache statistics
func (c *RecurrenceCache) Stats() CacheStats {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	now := time.Now()
	expired := 0
	for _, entry := range c.entries {
		if now.After(entry.ExpiresAt) {
			expired++
		}
	}

	return CacheStats{
		TotalEntries:   len(c.entries),
		ExpiredEntries: expired,
		ActiveEntries:  len(c.entries) - expired,
	}
}

// CacheStats provides information about cache usage
type CacheStats struct {
	TotalEntries   int
	ExpiredEntries int
	ActiveEntries  int
}
