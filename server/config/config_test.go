package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cyp0633/caldora-itip/server/itip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_CreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	again, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, again)
}

func TestLoad_PartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
log_level: DEBUG
scope_policy: series-only
default_timezone: Europe/Berlin
recurrence:
  cache: false
  cache_ttl: 2m
freebusy:
  max_parallel: 0
directory:
  - id: bob
    address: mailto:bob@example.com
    aliases: [mailto:robert@example.org]
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, slog.LevelDebug, cfg.Level())
	assert.Equal(t, itip.PolicySeriesOnly, cfg.Policy())
	assert.False(t, cfg.Recurrence.Cache)
	assert.Equal(t, 2*time.Minute, cfg.Recurrence.CacheTTL)
	assert.Equal(t, DefaultConfig().Recurrence.CacheMaxEntries, cfg.Recurrence.CacheMaxEntries)
	assert.Equal(t, DefaultConfig().FreeBusy.MaxParallel, cfg.FreeBusy.MaxParallel)
	assert.Equal(t, []string{"Mozilla"}, cfg.Alarms.AckUnsupported)

	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, "Europe/Berlin", loc.String())

	engine := cfg.EngineConfig()
	assert.False(t, engine.CacheEnabled)
	assert.Equal(t, 2*time.Minute, engine.CacheConfig.TTL)

	dir, err := cfg.BuildDirectory()
	require.NoError(t, err)
	u, err := dir.Resolve(context.Background(), "mailto:ROBERT@example.org")
	require.NoError(t, err)
	assert.Equal(t, "bob", u.EntityID)
}

func TestLoad_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: [nope"), 0o600))
	_, err := Load(path)
	assert.Error(t, err)

	_, err = Load("")
	assert.Error(t, err)
}

func TestNormalize(t *testing.T) {
	cfg := &Config{LogLevel: "loud", ScopePolicy: "everything"}
	cfg.Normalize()
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, itip.DefaultScopePolicy, cfg.Policy())
	assert.Equal(t, "UTC", cfg.DefaultTimezone)
	assert.NotNil(t, cfg.Directory)

	cfg.DefaultTimezone = "Mars/Olympus_Mons"
	_, err := cfg.Location()
	assert.Error(t, err)
}

func TestBuildDirectory_DuplicateAddress(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Directory = []UserConfig{
		{ID: "bob", Address: "mailto:bob@example.com"},
		{ID: "robert", Address: "mailto:Bob@example.com"},
	}
	_, err := cfg.BuildDirectory()
	assert.Error(t, err)
}

func TestSave_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := DefaultConfig()
	cfg.Directory = append(cfg.Directory, UserConfig{ID: "alice", Address: "mailto:alice@example.com"})
	cfg.Recurrence.CacheTTL = 90 * time.Second
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file left behind")
}
