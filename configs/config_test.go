package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	config "lenrd/configs"
)

const sample = `
lenr:
  binary: /usr/local/bin/lenr
  repo: git@example.com:deploy-conf.git
  branch: main
  kill_timeout: 3s
shutdown:
  kill_after: 1m
database:
  driver: postgres
  host: db.internal
  port: 5432
archive:
  type: s3
  s3:
    bucket: deploy-logs
log:
  file: /var/log/lenrd.log
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lenrd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := config.LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "lenr", cfg.Lenr.Binary)
	assert.Empty(t, cfg.Lenr.Repo)
	assert.Equal(t, 2*time.Second, cfg.Lenr.KillTimeout)
	assert.Equal(t, 5*time.Second, cfg.Lenr.WaitDelay)
	assert.Zero(t, cfg.Shutdown.KillAfter)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, config.ArchiveNone, cfg.Archive.Type)
	assert.False(t, cfg.Redis.Enabled)
}

func TestLoadConfig_File(t *testing.T) {
	cfg, err := config.LoadConfig(writeConfig(t, sample))
	require.NoError(t, err)

	assert.Equal(t, "/usr/local/bin/lenr", cfg.Lenr.Binary)
	assert.Equal(t, "git@example.com:deploy-conf.git", cfg.Lenr.Repo)
	assert.Equal(t, "main", cfg.Lenr.Branch)
	assert.Equal(t, 3*time.Second, cfg.Lenr.KillTimeout)
	assert.Equal(t, time.Minute, cfg.Shutdown.KillAfter)

	db := cfg.GormConfig()
	assert.Equal(t, "postgres", db.Driver)
	assert.Equal(t, "db.internal", db.Host)
	assert.Equal(t, 5432, db.Port)

	assert.Equal(t, "deploy-logs", cfg.Archive.S3.Bucket)
	assert.Equal(t, "/var/log/lenrd.log", cfg.LoggerConfig("lenrd").OutputPath)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("LENRD_LENR_BRANCH", "release")
	t.Setenv("LENRD_SHUTDOWN_KILL_AFTER", "30s")
	t.Setenv("LENRD_REDIS_ENABLED", "true")

	cfg, err := config.LoadConfig(writeConfig(t, sample))
	require.NoError(t, err)
	assert.Equal(t, "release", cfg.Lenr.Branch)
	assert.Equal(t, 30*time.Second, cfg.Shutdown.KillAfter)
	assert.True(t, cfg.Redis.Enabled)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := config.LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate_ReportsEverything(t *testing.T) {
	_, err := config.LoadConfig(writeConfig(t, `
lenr:
  binary: " "
  kill_timeout: 0s
database:
  driver: oracle
archive:
  type: s3
tracing:
  sampling_rate: 2
`))
	require.Error(t, err)
	for _, want := range []string{"lenr.binary", "lenr.kill_timeout", "database.driver", "archive.s3.bucket", "sampling_rate"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestTracingConfig(t *testing.T) {
	cfg, err := config.LoadConfig("")
	require.NoError(t, err)

	tc := cfg.TracingConfig("lenrd", "1.2.3")
	assert.Equal(t, "lenrd", tc.ServiceName)
	assert.Equal(t, "1.2.3", tc.ServiceVersion)
	assert.False(t, tc.Enabled)
}
