package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/guarzo/apteligent-importer/common/config"
)

// fakeAPI answers the token, apps and livestats endpoints and records the
// paths it was asked for.
type fakeAPI struct {
	mu    sync.Mutex
	paths []string
}

func (f *fakeAPI) requested() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.paths...)
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.paths = append(f.paths, r.Method+" "+r.URL.Path)
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if r.URL.Path == "/v1.0/token" {
		_, _ = io.WriteString(w, `{"access_token":"tok","token_type":"bearer","expires_in":3600}`)
		return
	}
	if r.Header.Get("Authorization") != "Bearer tok" {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	switch {
	case r.URL.Path == "/v1.0/apps":
		_, _ = io.WriteString(w, `{
			"app123": {"appName": "Blocked"},
			"app456": {"appName": "Kept App", "links": {"self": "/v1.0/app/app456"}}
		}`)
	case strings.HasPrefix(r.URL.Path, "/v1.0/liveStats/periodic/"):
		_, _ = fmt.Fprint(w, `{"success": 1, "periodic_data": [
			{"time": 1700000000000, "app_loads": 4, "app_errors": 0, "app_exceptions": 1},
			{"time": 1700000010000, "app_loads": 5, "app_errors": 1, "app_exceptions": 2}
		]}`)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func testConfig(t *testing.T, apiURL string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Apteligent.Hostname = apiURL
	cfg.Apteligent.Username = "user@example.com"
	cfg.Apteligent.Password = "secret"
	cfg.Apteligent.ClientID = "client-id"
	cfg.Apteligent.MetricRoot = "mobile"
	cfg.Graphite.Protocol = "dummy"
	cfg.Paths.ConfigDir = t.TempDir()
	cfg.Paths.CacheDir = t.TempDir()
	cfg.Paths.SpillDir = ""
	require.NoError(t, cfg.Validate())

	blacklist := filepath.Join(cfg.Paths.ConfigDir, appBlacklistName+".blacklist")
	require.NoError(t, os.WriteFile(blacklist, []byte("app123\n"), 0o644))
	return cfg
}

func TestImporter_LiveStatsOnce(t *testing.T) {
	api := &fakeAPI{}
	srv := httptest.NewServer(api)
	defer srv.Close()

	cfg := testConfig(t, srv.URL)
	core, logs := observer.New(zapcore.InfoLevel)
	imp, err := newImporter(cfg, zap.New(core).Sugar(), prometheus.NewRegistry())
	require.NoError(t, err)

	require.NoError(t, imp.run(context.Background(), "livestats", true))

	assert.Equal(t, []string{
		"POST /v1.0/token",
		"GET /v1.0/apps",
		"POST /v1.0/liveStats/periodic/app456",
	}, api.requested(), "the blacklisted app is never queried")

	dumps := logs.FilterMessageSnippet("STARTDATA").All()
	require.Len(t, dumps, 1)
	payload := dumps[0].Message
	for _, line := range []string{
		"mobile.Kept_App.live.appLoads 4 1700000000.000\n",
		"mobile.Kept_App.live.appLoads 5 1700000010.000\n",
		"mobile.Kept_App.live.crashes 1 1700000010.000\n",
		"mobile.Kept_App.live.exceptions 2 1700000010.000\n",
	} {
		assert.Contains(t, payload, line)
	}
	assert.Equal(t, 0, imp.sink.Len())

	assert.FileExists(t, filepath.Join(cfg.Paths.CacheDir, tokenCacheName+".json"))
	apps, err := os.ReadFile(filepath.Join(cfg.Paths.CacheDir, appsCacheName+".json"))
	require.NoError(t, err)
	assert.Contains(t, string(apps), "app456")
	assert.NotContains(t, string(apps), "app123")
	assert.NotContains(t, string(apps), "links")
}

func TestImporter_MissingBlacklist(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1")
	require.NoError(t, os.Remove(filepath.Join(cfg.Paths.ConfigDir, appBlacklistName+".blacklist")))

	_, err := newImporter(cfg, zap.NewNop().Sugar(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "app blacklist")
}

func TestImporter_UnknownCommand(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1")
	imp, err := newImporter(cfg, zap.NewNop().Sugar(), nil)
	require.NoError(t, err)

	err = imp.run(context.Background(), "weekly", true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "weekly")
}
