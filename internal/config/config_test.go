package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaults(t *testing.T) {
	Reset()
	t.Cleanup(Reset)

	cfg := Load()
	require.Equal(t, "mongodb://localhost:27017", cfg.MongoWriteURI)
	require.Equal(t, "reportsys", cfg.MongoDatabase)
	require.Equal(t, 8, cfg.DefaultChunks)
	require.Equal(t, []string{"reportSource"}, cfg.SourceCollectionAllowlist)
	require.True(t, cfg.EnableExternalStorage)
}

func TestLoadIsMemoizedUntilReset(t *testing.T) {
	Reset()
	t.Cleanup(Reset)

	t.Setenv("REPORTSYS_MONGO_DATABASE", "before")
	first := Load()
	require.Equal(t, "before", first.MongoDatabase)

	t.Setenv("REPORTSYS_MONGO_DATABASE", "after")
	stillMemoized := Load()
	require.Equal(t, "before", stillMemoized.MongoDatabase, "Load must return the memoized singleton, not re-read the environment")

	Reset()
	reloaded := Load()
	require.Equal(t, "after", reloaded.MongoDatabase)
}

func TestLoadReadsEnvironmentOverrides(t *testing.T) {
	Reset()
	t.Cleanup(Reset)

	t.Setenv("REPORTSYS_JOB_MAX_CONCURRENCY", "42")
	t.Setenv("REPORTSYS_HTTP_RATE_LIMIT_RPS", "5.5")

	cfg := Load()
	require.Equal(t, 42, cfg.MaxJobConcurrency)
	require.Equal(t, 5.5, cfg.RateLimitRPS)
}
