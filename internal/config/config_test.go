package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, ":8080", cfg.Server.Addr)
	require.Equal(t, 8, cfg.Orchestrator.Workers)
	require.Equal(t, 5.0, cfg.RateLimit.GlobalRate)
	require.Equal(t, 10, cfg.RateLimit.GlobalBurst)
	require.Equal(t, 2, cfg.Concurrency.PerDomainMax)
	require.Equal(t, 3, cfg.Retry.MaxAttempts)
	require.Equal(t, 5*time.Second, cfg.Retry.BaseDelay)
	require.Equal(t, 60*time.Second, cfg.Retry.MaxDelay)
	require.Equal(t, 0.1, cfg.Retry.Jitter)
	require.Equal(t, 5, cfg.Block.SuccessesToRecover)
	require.Equal(t, 5, cfg.Progress.CommitEvery)
	require.Equal(t, "memory", cfg.Patterns.Backend)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
orchestrator:
  workers: 3
rate_limit:
  global_rate: 2.5
patterns:
  backend: file
  file_path: /tmp/patterns.json
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 3, cfg.Orchestrator.Workers)
	require.Equal(t, 2.5, cfg.RateLimit.GlobalRate)
	require.Equal(t, "file", cfg.Patterns.Backend)
	// untouched sections keep defaults
	require.Equal(t, 3, cfg.Retry.MaxAttempts)
}

func TestValidate(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	bad := cfg
	bad.Orchestrator.Workers = 0
	require.Error(t, bad.Validate())

	bad = cfg
	bad.Concurrency.PerDomainMax = bad.Concurrency.GlobalMax + 1
	require.Error(t, bad.Validate())

	bad = cfg
	bad.Retry.Jitter = 1.5
	require.Error(t, bad.Validate())

	bad = cfg
	bad.Patterns.Backend = "etcd"
	require.Error(t, bad.Validate())
}
