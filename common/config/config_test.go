package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guarzo/apteligent-importer/common/config"
)

const sample = `
apteligent:
  hostname: api.example.test
  username: noc@example.test
  password: secret
  client_id: abc123
  metric_root: mobile
  requests_per_second: 5
  timeout: 15s
graphite:
  host: carbon.example.test
  port: 2004
  protocol: pickle
  max_buffer: 250
paths:
  config_dir: ${IMPORTER_TEST_ROOT}/etc
  cache_dir: ${IMPORTER_TEST_ROOT}/cache
  spill_dir: ${IMPORTER_TEST_MISSING:-/tmp/spill}
jobs:
  services_retry_delay: 90s
app_timezones:
  app123: ["Marktplaats", 1, "nl"]
  app456: ["2dehands", -5, "be"]
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "importer.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadFile(t *testing.T) {
	t.Setenv("IMPORTER_TEST_ROOT", "/srv/importer")
	cfg, err := config.LoadFile(writeConfig(t, sample))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "https://api.example.test", cfg.Apteligent.BaseURL())
	assert.Equal(t, 15*time.Second, cfg.Apteligent.Timeout)
	assert.Equal(t, "apteligent-importer", cfg.Apteligent.UserAgent, "default kept")
	assert.Equal(t, "pickle", cfg.Graphite.Protocol)
	assert.Equal(t, 10*time.Second, cfg.Graphite.DialTimeout, "default kept")
	assert.Equal(t, "/srv/importer/etc", cfg.Paths.ConfigDir)
	assert.Equal(t, "/tmp/spill", cfg.Paths.SpillDir)
	assert.Equal(t, 90*time.Second, cfg.Jobs.ServicesRetryDelay)
	assert.Equal(t, 2, cfg.Jobs.LiveStatsInterval)

	require.Len(t, cfg.AppTimezones, 2)
	be := cfg.AppTimezones["app456"]
	assert.Equal(t, "2dehands", be.AppName)
	assert.Equal(t, -5, be.GMTOffset)
	assert.Equal(t, "be", be.Country)
	assert.Empty(t, cfg.Warnings())
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv(config.EnvVar, "")
	_, err := config.Load("")
	require.Error(t, err)

	t.Setenv(config.EnvVar, writeConfig(t, sample))
	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, "mobile", cfg.Apteligent.MetricRoot)
}

func TestLoadFile_RejectsUnknownKeys(t *testing.T) {
	_, err := config.LoadFile(writeConfig(t, "graphite:\n  hots: typo\n"))
	require.Error(t, err)
}

func TestLoadFile_BadTimezoneEntry(t *testing.T) {
	_, err := config.LoadFile(writeConfig(t, "app_timezones:\n  app1: [\"only name\"]\n"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := config.Default()
	cfg.Graphite.Protocol = "carrier-pigeon"
	cfg.Graphite.MaxBuffer = 0
	cfg.Jobs.LiveStatsInterval = 7

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{
		"apteligent.username",
		"apteligent.client_id",
		"apteligent.metric_root",
		"graphite.protocol",
		"graphite.host",
		"graphite.max_buffer",
		"jobs.livestats_interval",
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestValidate_DummyNeedsNoHost(t *testing.T) {
	cfg, err := config.LoadFile(writeConfig(t, sample))
	require.NoError(t, err)
	cfg.Graphite = config.GraphiteConfig{Protocol: "dummy", MaxBuffer: 800}
	require.NoError(t, cfg.Validate())
	assert.Len(t, cfg.Warnings(), 1)
}

func TestBaseURL_KeepsScheme(t *testing.T) {
	a := config.ApteligentConfig{Hostname: "http://127.0.0.1:8080/"}
	assert.Equal(t, "http://127.0.0.1:8080", a.BaseURL())
}
