package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	chdir(t, t.TempDir())
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.LogLevel)
	c := cfg.Comm()
	assert.Equal(t, "127.0.0.1", c.Bind)
	assert.Equal(t, 8003, c.Port)
	assert.Equal(t, 2048, c.MaxPayload)
	assert.Equal(t, 3*time.Second, c.TxTimeout)
	assert.Equal(t, time.Minute, cfg.ConnectTimeout())
	assert.True(t, cfg.Agent.ExitOnDisconnect)
	assert.True(t, cfg.Results.Write)
	assert.Zero(t, cfg.ResultsExpiry())
	assert.Equal(t, "static", cfg.Filter.Source)
	assert.False(t, cfg.FilterPolicy().Enabled)
	assert.Equal(t, "sqlite", cfg.Journal.Driver)
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	path := filepath.Join(dir, "hwselftest.conf")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"log_level": "debug",
		"comm_ws": {"port": 9000, "tx_timeout": 500},
		"agent": {"connect_timeout": 0, "exit_on_disconnect": false},
		"results": {"expiry_time": 30},
		"filter": {"enable": true, "queue_depth": 40, "filter_params": "P90,S7", "results_filtered": true},
		"diags": [
			{"name": "hdd_status", "command": ["/usr/bin/hdd_check", "-q"], "timeout": 30},
			{"name": "moca_status", "command": ["/usr/bin/moca_check"]}
		],
		"wan": {"targets": ["8.8.8.8", "example.com:443"]}
	}`), 0o644))
	t.Setenv("HWST_COMM_WS_MAX_PAYLOAD", "4096")
	t.Setenv("HWST_JOURNAL_DRIVER", "none")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 9000, cfg.Comm().Port)
	assert.Equal(t, 4096, cfg.Comm().MaxPayload)
	assert.Equal(t, 500*time.Millisecond, cfg.Comm().TxTimeout)
	assert.Zero(t, cfg.ConnectTimeout())
	assert.False(t, cfg.Agent.ExitOnDisconnect)
	assert.Equal(t, 30*time.Minute, cfg.ResultsExpiry())
	assert.Equal(t, "none", cfg.Journal.Driver)

	p := cfg.FilterPolicy()
	assert.True(t, p.Enabled)
	assert.Equal(t, 40, p.QueueDepth)
	assert.Equal(t, "P90,S7", p.FilterParams)
	assert.True(t, p.ResultsFiltered)

	require.Len(t, cfg.Diags, 2)
	assert.Equal(t, []string{"/usr/bin/hdd_check", "-q"}, cfg.Diags[0].Command)
	assert.Equal(t, 30, cfg.Diags[0].Timeout)
	assert.Equal(t, []string{"8.8.8.8", "example.com:443"}, cfg.WAN.Targets)
}

func TestDotEnv(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("HWST_AUTH_JWT_SECRET=from-dotenv\n"), 0o644))
	t.Cleanup(func() { os.Unsetenv("HWST_AUTH_JWT_SECRET") })
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", cfg.Auth.JWTSecret)
}

func TestExplicitPathMustExist(t *testing.T) {
	chdir(t, t.TempDir())
	_, err := Load(filepath.Join(t.TempDir(), "missing.conf"))
	assert.Error(t, err)
}

func TestInvalidFile(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	path := filepath.Join(dir, "bad.conf")
	require.NoError(t, os.WriteFile(path, []byte(`{not json`), 0o644))
	_, err := Load(path)
	assert.Error(t, err)
}

// chdir changes the working directory for the duration of the test,
// equivalent to testing.T.Chdir (Go 1.24+) for older toolchains.
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(old) })
}
