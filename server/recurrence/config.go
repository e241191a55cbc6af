package recurrence

import (
	"time"
)

// EngineConfig holds configuration options for the recurrence engine
type EngineConfig struct {
	// Cache configuration
	CacheEnabled bool
	CacheConfig  CacheConfig

	// MaxExpansionOccurrences caps how many occurrences a single expansion yields
	MaxExpansionOccurrences int
	// LargeRangeThreshold is the range size above which HasOccurrenceInRange
	// first scans a shorter prefix of the range
	LargeRangeThreshold time.Duration
}

// DefaultEngineConfig provides sensible defaults for production use
var DefaultEngineConfig = EngineConfig{
	CacheEnabled: true,
	CacheConfig:  DefaultCacheConfig,

	MaxExpansionOccurrences: 1000,
	LargeRangeThreshold:     90 * 24 * time.Hour,
}

// LowMemoryConfig is optimized for memory-constrained environments
var LowMemoryConfig = EngineConfig{
	CacheEnabled: true,
	CacheConfig: CacheConfig{
		TTL:             5 * time.Minute,
		MaxEntries:      100,
		CleanupInterval: 2 * time.Minute,
	},

	MaxExpansionOccurrences: 500,
	LargeRangeThreshold:     30 * 24 * time.Hour,
}

// DisabledCacheConfig turns off caching entirely
var DisabledCacheConfig = EngineConfig{
	CacheEnabled: false,

	MaxExpansionOccurrences: 1000,
	LargeRangeThreshold:     365 * 24 * time.Hour,
}

// NewEngineWithConfig creates a new recurrence engine with custom configuration
func NewEngineWithConfig(config EngineConfig) *Engine {
	if config.MaxExpansionOccurrences <= 0 {
		config.MaxExpansionOccurrences = DefaultEngineConfig.MaxExpansionOccurrences
	}
	if config.LargeRangeThreshold <= 0 {
		config.LargeRangeThreshold = DefaultEngineConfig.LargeRangeThreshold
	}

	var cache *RecurrenceCache
	if config.CacheEnabled {
		cache = NewRecurrenceCache(config.CacheConfig)
	}

	return &Engine{
		cache:  cache,
		config: config,
	}
}
