// Package config holds the YAML configuration of the scheduling core.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cyp0633/caldora-itip/server/freebusy"
	"github.com/cyp0633/caldora-itip/server/identity"
	"github.com/cyp0633/caldora-itip/server/itip"
	"github.com/cyp0633/caldora-itip/server/recurrence"
	"gopkg.in/yaml.v3"
)

// RecurrenceConfig tunes the recurrence engine and its result cache.
type RecurrenceConfig struct {
	// Cache toggles memoization of membership and range checks.
	Cache bool `yaml:"cache"`
	// CacheTTL is how long a cached result stays valid, e.g. "15m".
	CacheTTL time.Duration `yaml:"cache_ttl"`
	// CacheMaxEntries bounds the cache before least recently used entries go.
	CacheMaxEntries int `yaml:"cache_max_entries"`
	// CacheCleanupInterval is how often expired entries are swept.
	CacheCleanupInterval time.Duration `yaml:"cache_cleanup_interval"`
	// MaxOccurrences caps how many occurrences one expansion yields.
	MaxOccurrences int `yaml:"max_occurrences"`
}

// FreeBusyConfig tunes the free/busy aggregator.
type FreeBusyConfig struct {
	// MaxParallel bounds how many series are expanded at once.
	MaxParallel int `yaml:"max_parallel"`
}

// AlarmConfig tunes alarm reconciliation.
type AlarmConfig struct {
	// AckUnsupported lists product id substrings of clients that do not
	// understand ACKNOWLEDGED. Matching is case-insensitive.
	AckUnsupported []string `yaml:"ack_unsupported"`
}

// UserConfig is one calendar user of the static directory.
type UserConfig struct {
	ID      string   `yaml:"id"`
	Address string   `yaml:"address"`
	Aliases []string `yaml:"aliases,omitempty"`
}

// Config is the top-level configuration.
type Config struct {
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// ScopePolicy decides whether a series-scoped update also carries
	// attendee changes into change exceptions. Supported values:
	//   - "series-and-exceptions" (default)
	//   - "series-only"
	ScopePolicy string `yaml:"scope_policy"`

	// DefaultTimezone resolves floating times and unknown TZIDs.
	DefaultTimezone string `yaml:"default_timezone"`

	Recurrence RecurrenceConfig `yaml:"recurrence"`
	FreeBusy   FreeBusyConfig   `yaml:"freebusy"`
	Alarms     AlarmConfig      `yaml:"alarms"`

	// Directory maps calendar users to their addresses.
	Directory []UserConfig `yaml:"directory"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	cache := recurrence.DefaultEngineConfig.CacheConfig
	return &Config{
		LogLevel:        "info",
		ScopePolicy:     string(itip.DefaultScopePolicy),
		DefaultTimezone: "UTC",
		Recurrence: RecurrenceConfig{
			Cache:                true,
			CacheTTL:             cache.TTL,
			CacheMaxEntries:      cache.MaxEntries,
			CacheCleanupInterval: cache.CleanupInterval,
			MaxOccurrences:       recurrence.DefaultEngineConfig.MaxExpansionOccurrences,
		},
		FreeBusy: FreeBusyConfig{MaxParallel: freebusy.DefaultMaxParallel},
		Alarms: AlarmConfig{
			// Thunderbird tracks acknowledgement in X-MOZ-LASTACK instead
			AckUnsupported: []string{"Mozilla"},
		},
		Directory: []UserConfig{},
	}
}

// Normalize fills in missing or invalid values with defaults so that
// partially filled files still behave correctly.
func (c *Config) Normalize() {
	def := DefaultConfig()

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
		c.LogLevel = strings.ToLower(c.LogLevel)
	default:
		c.LogLevel = def.LogLevel
	}
	if _, err := itip.ParseScopePolicy(c.ScopePolicy); err != nil || c.ScopePolicy == "" {
		c.ScopePolicy = def.ScopePolicy
	}
	if c.DefaultTimezone == "" {
		c.DefaultTimezone = def.DefaultTimezone
	}

	if c.Recurrence.CacheTTL <= 0 {
		c.Recurrence.CacheTTL = def.Recurrence.CacheTTL
	}
	if c.Recurrence.CacheMaxEntries <= 0 {
		c.Recurrence.CacheMaxEntries = def.Recurrence.CacheMaxEntries
	}
	if c.Recurrence.CacheCleanupInterval <= 0 {
		c.Recurrence.CacheCleanupInterval = def.Recurrence.CacheCleanupInterval
	}
	if c.Recurrence.MaxOccurrences <= 0 {
		c.Recurrence.MaxOccurrences = def.Recurrence.MaxOccurrences
	}
	if c.FreeBusy.MaxParallel <= 0 {
		c.FreeBusy.MaxParallel = def.FreeBusy.MaxParallel
	}
	if c.Alarms.AckUnsupported == nil {
		c.Alarms.AckUnsupported = def.Alarms.AckUnsupported
	}
	if c.Directory == nil {
		c.Directory = []UserConfig{}
	}
}

// Level returns the configured log level
func (c *Config) Level() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// Policy returns the configured scope policy
func (c *Config) Policy() itip.ScopePolicy {
	p, err := itip.ParseScopePolicy(c.ScopePolicy)
	if err != nil {
		return itip.DefaultScopePolicy
	}
	return p
}

// Location loads the default timezone
func (c *Config) Location() (*time.Location, error) {
	loc, err := recurrence.SystemLocations.LoadLocation(c.DefaultTimezone)
	if err != nil {
		return nil, fmt.Errorf("invalid default_timezone %q: %w", c.DefaultTimezone, err)
	}
	return loc, nil
}

// EngineConfig converts the recurrence section into engine settings
func (c *Config) EngineConfig() recurrence.EngineConfig {
	return recurrence.EngineConfig{
		CacheEnabled: c.Recurrence.Cache,
		CacheConfig: recurrence.CacheConfig{
			TTL:             c.Recurrence.CacheTTL,
			MaxEntries:      c.Recurrence.CacheMaxEntries,
			CleanupInterval: c.Recurrence.CacheCleanupInterval,
		},
		MaxExpansionOccurrences: c.Recurrence.MaxOccurrences,
	}
}

// BuildDirectory loads the configured users into a directory. Two users
// sharing an address is an error.
func (c *Config) BuildDirectory(opts ...identity.Option) (*identity.Directory, error) {
	dir := identity.NewDirectory(opts...)
	for _, u := range c.Directory {
		err := dir.Add(identity.User{EntityID: u.ID, Primary: u.Address, Aliases: u.Aliases})
		if err != nil {
			return nil, fmt.Errorf("invalid directory entry %q: %w", u.ID, err)
		}
	}
	return dir, nil
}

// Load loads configuration from the given YAML path. A missing file is
// created with the default configuration.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	cfg.Normalize()

	return cfg, nil
}

// Save writes cfg to path atomically through a temp file and rename. The
// file ends up with 0600 permissions.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".caldora-itip-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// Save is a convenience method delegating to the package-level Save.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
