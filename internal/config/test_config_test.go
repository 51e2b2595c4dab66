package config

import (
	"testing"
	"time"

	"lexpipe/internal/tester"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	tester.NoErr(t, err)
	tester.Eq(t, cfg.DataDir, "data")
	tester.Eq(t, cfg.Workers, 1)
	tester.Eq(t, cfg.Loader.BatchSize, 500)
	tester.Eq(t, cfg.Dedup.Permutations, 128)
	tester.Eq(t, cfg.Dedup.MinTextLen, 50)
	tester.Eq(t, cfg.Dedup.Truncations, []int{2000, 3000})
	tester.Eq(t, cfg.Embed.TopK, 10)
	tester.Eq(t, cfg.Cascade.RemoteTimeout, 30*time.Second)
	tester.Eq(t, cfg.Cascade.LocalTimeout, 90*time.Second)
	tester.Eq(t, cfg.Cascade.PreferredRetryEvery, 10*time.Minute)
	tester.Eq(t, cfg.Cascade.ProbeAfterAttempts, 100)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LEXPIPE_WORKERS", "4")
	t.Setenv("LEXPIPE_BATCH_SIZE", "50")
	t.Setenv("LEXPIPE_DEDUP_TRUNCATIONS", "1000, 2000, 4000")
	t.Setenv("LEXPIPE_CASCADE_STRATEGY", "Rotation")
	t.Setenv("LEXPIPE_REMOTE_TIMEOUT", "45s")

	cfg, err := Load()
	tester.NoErr(t, err)
	tester.Eq(t, cfg.Workers, 4)
	tester.Eq(t, cfg.Loader.BatchSize, 50)
	tester.Eq(t, cfg.Dedup.Truncations, []int{1000, 2000, 4000})
	tester.Eq(t, cfg.Cascade.Strategy, "rotation")
	tester.Eq(t, cfg.Cascade.RemoteTimeout, 45*time.Second)
}

func TestBadEnvFallsBackToDefault(t *testing.T) {
	t.Setenv("LEXPIPE_WORKERS", "not-a-number")
	t.Setenv("LEXPIPE_SIMILAR_THRESHOLD", "many")

	cfg, err := Load()
	tester.NoErr(t, err)
	tester.Eq(t, cfg.Workers, 1)
	tester.Eq(t, cfg.Embed.Threshold, 0.8)
}

func TestArchiveDisabledWithoutEndpoint(t *testing.T) {
	cfg, err := Load()
	tester.NoErr(t, err)
	tester.False(t, cfg.Archive.Enabled)

	t.Setenv("ARCHIVE_S3_ENDPOINT", "minio:9000")
	cfg, err = Load()
	tester.NoErr(t, err)
	tester.True(t, cfg.Archive.Enabled)
	tester.Eq(t, cfg.Archive.Bucket, "lexpipe-artifacts")
}
