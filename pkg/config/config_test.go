package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/glorpus-work/qpserver/pkg/auth"
	"github.com/glorpus-work/qpserver/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.General.LogLevel)
	assert.Equal(t, ":9020", cfg.Webservice.ListenAddress)
	assert.Equal(t, int64(20<<20), cfg.Webservice.MaxPackageSize.Bytes())
	assert.False(t, cfg.Webservice.AllowLMSPackages)

	assert.Equal(t, "process", cfg.Worker.Type)
	assert.Equal(t, 8, cfg.Worker.MaxWorkers)
	assert.Equal(t, int64(500<<20), cfg.Worker.MaxMemory.Bytes())
	assert.Equal(t, int64(200<<20), cfg.Worker.MemoryLimit.Bytes())
	assert.Equal(t, 30*time.Second, cfg.Worker.AcquireTimeout.Duration())
	assert.Equal(t, 30*time.Second, cfg.Worker.CallTimeout.Duration())

	assert.Equal(t, int64(100<<20), cfg.CachePackage.Size.Bytes())
	assert.Equal(t, int64(200<<20), cfg.CacheRepoIndex.Size.Bytes())

	assert.Equal(t, 90*time.Minute, cfg.Collector.RepositoryDefaultInterval.Duration())
	assert.Empty(t, cfg.Collector.Repositories)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
general:
  log_level: debug
worker:
  max_workers: 4
  max_memory: 1 GiB
  memory_limit: 256 MiB
cache_package:
  size: 50 MiB
  path: /var/cache/qpserver/packages
collector:
  local_directory: /srv/packages
  repository_default_interval: "02:00:00"
  repositories:
    - name: main
      url: https://repo.example.org/questions
    - url: https://mirror.example.org
      interval: "00:10:00"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.General.LogLevel)
	assert.Equal(t, 4, cfg.Worker.MaxWorkers)
	assert.Equal(t, int64(1<<30), cfg.Worker.MaxMemory.Bytes())
	assert.Equal(t, int64(256<<20), cfg.Worker.MemoryLimit.Bytes())
	assert.Equal(t, "/var/cache/qpserver/packages", cfg.CachePackage.Path)
	assert.Equal(t, "/srv/packages", cfg.Collector.LocalDirectory)
	assert.Equal(t, 2*time.Hour, cfg.Collector.RepositoryDefaultInterval.Duration())

	require.Len(t, cfg.Collector.Repositories, 2)
	assert.Equal(t, "main", cfg.Collector.Repositories[0].Name)
	assert.Equal(t, 2*time.Hour, cfg.Collector.Repositories[0].PollInterval(cfg.Collector.RepositoryDefaultInterval))
	// Name defaults to the URL host when not set.
	assert.Equal(t, "mirror.example.org", cfg.Collector.Repositories[1].Name)
	assert.Equal(t, 10*time.Minute, cfg.Collector.Repositories[1].PollInterval(cfg.Collector.RepositoryDefaultInterval))
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("QPY_WORKER__MAX_WORKERS", "2")
	t.Setenv("QPY_GENERAL__LOG_LEVEL", "warn")
	t.Setenv("QPY_WEBSERVICE__MAX_PACKAGE_SIZE", "30 MiB")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Worker.MaxWorkers)
	assert.Equal(t, "warn", cfg.General.LogLevel)
	assert.Equal(t, int64(30<<20), cfg.Webservice.MaxPackageSize.Bytes())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yml"))
	assert.ErrorIs(t, err, errors.ErrConfigParse)
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{
			name: "zero workers",
			yaml: "worker:\n  max_workers: 0\n",
		},
		{
			name: "worker limit above pool budget",
			yaml: "worker:\n  max_memory: 100 MiB\n  memory_limit: 200 MiB\n",
		},
		{
			name: "interval below minimum",
			yaml: "collector:\n  repository_default_interval: \"00:01:00\"\n",
		},
		{
			name: "repository interval below minimum",
			yaml: "collector:\n  repositories:\n    - url: https://repo.example.org\n      interval: \"00:00:30\"\n",
		},
		{
			name: "invalid repository url",
			yaml: "collector:\n  repositories:\n    - url: \"not a url\"\n",
		},
		{
			name: "duplicate repository url",
			yaml: "collector:\n  repositories:\n    - url: https://repo.example.org\n    - url: https://repo.example.org\n",
		},
		{
			name: "upload limit above package cache",
			yaml: "webservice:\n  max_package_size: 200 MiB\n",
		},
		{
			name: "zero call timeout",
			yaml: "worker:\n  call_timeout: 0\n",
		},
		{
			name: "unknown repository auth type",
			yaml: "collector:\n  repositories:\n    - url: https://repo.example.org\n      auth:\n        type: oauth\n",
		},
		{
			name: "bearer auth without token",
			yaml: "collector:\n  repositories:\n    - url: https://repo.example.org\n      auth:\n        type: bearer\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.yaml))
			assert.ErrorIs(t, err, errors.ErrConfigValidation)
		})
	}
}

func TestRepositoryAuthenticator(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
collector:
  repositories:
    - url: https://repo.example.org
      auth:
        type: bearer
        token: sekrit
    - url: https://other.example.org
`))
	require.NoError(t, err)
	require.Len(t, cfg.Collector.Repositories, 2)

	a, err := cfg.Collector.Repositories[0].Authenticator()
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, auth.BearerAuthType, a.Type())

	a, err = cfg.Collector.Repositories[1].Authenticator()
	require.NoError(t, err)
	assert.Nil(t, a)
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"0", 0},
		{"1024", 1024},
		{"1 KiB", 1024},
		{"20MiB", 20 << 20},
		{"500 mib", 500 << 20},
		{"1GiB", 1 << 30},
		{"1 kB", 1000},
		{"1.5 MiB", 3 << 19},
	}
	for _, tt := range tests {
		got, err := ParseSize(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got.Bytes(), tt.in)
	}

	for _, invalid := range []string{"", "MiB", "ten MiB", "-5", "5 XiB"} {
		_, err := ParseSize(invalid)
		assert.ErrorIs(t, err, errors.ErrConfigParse, invalid)
	}
}

func TestParseInterval(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"30", 30 * time.Second},
		{"05:00", 5 * time.Minute},
		{"01:30:00", 90 * time.Minute},
		{"00:00:45", 45 * time.Second},
		{"15m", 15 * time.Minute},
	}
	for _, tt := range tests {
		got, err := ParseInterval(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got.Duration(), tt.in)
	}

	for _, invalid := range []string{"", "1:2:3:4", "aa:bb", "-10"} {
		_, err := ParseInterval(invalid)
		assert.ErrorIs(t, err, errors.ErrConfigParse, invalid)
	}
}

func TestIntervalString(t *testing.T) {
	assert.Equal(t, "01:30:00", Interval(90*time.Minute).String())
	assert.Equal(t, "00:00:45", Interval(45*time.Second).String())
}

func TestSizeString(t *testing.T) {
	assert.Equal(t, "20 MiB", Size(20<<20).String())
	assert.Equal(t, "1 GiB", Size(1<<30).String())
	assert.Equal(t, "100 B", Size(100).String())
}
