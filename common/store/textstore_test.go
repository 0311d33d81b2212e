package store_test

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/guarzo/apteligent-importer/common/clock"
	"github.com/guarzo/apteligent-importer/common/store"
)

func TestBlacklist_LoadAndContains(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "app.blacklist"), "# retired apps\napp123\n\n  app789  \n", time.Now())

	bl, err := store.OpenBlacklist(dir, "app", store.Options{Logger: zaptest.NewLogger(t).Sugar()})
	require.NoError(t, err)

	assert.True(t, bl.Contains("app123"))
	assert.True(t, bl.Contains("app789"))
	assert.False(t, bl.Contains("app456"))
	assert.False(t, bl.Contains("# retired apps"))
	assert.Equal(t, []string{"app123", "app789"}, bl.Items())
}

func TestBlacklist_RefreshReplacesWholeSet(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.blacklist")
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	writeFile(t, path, "app123\napp456\n", base.Add(-time.Hour))

	clk := clock.Fake(base)
	bl, err := store.OpenBlacklist(dir, "app", store.Options{Clock: clk})
	require.NoError(t, err)

	writeFile(t, path, "app999\n", base.Add(time.Second))
	clk.Advance(time.Minute)
	reloaded, err := bl.Refresh()
	require.NoError(t, err)
	require.True(t, reloaded)

	assert.False(t, bl.Contains("app123"))
	assert.True(t, bl.Contains("app999"))
	assert.Equal(t, 1, bl.Len())
}

func TestWhitelist_Contains(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "services.whitelist"), "api.example.com\n", time.Now())

	wl, err := store.OpenWhitelist(dir, "services", store.Options{})
	require.NoError(t, err)
	assert.True(t, wl.Contains("api.example.com"))
	assert.False(t, wl.Contains("cdn.example.com"))
}

func TestOpenText_Missing(t *testing.T) {
	_, err := store.OpenBlacklist(t.TempDir(), "app", store.Options{})
	require.ErrorIs(t, err, store.ErrNotExist)
}

func TestParseGroupmap(t *testing.T) {
	src := strings.Join([]string{
		"# carriers per country",
		"[nl]",
		"^KPN kpn",
		"(?i)vodafone vodafone",
		".* other",
		"",
		"stray line",
		"[be]",
		"^Proximus proximus",
	}, "\n")

	sections, err := store.ParseGroupmap(strings.NewReader(src), "carrier.map", zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	require.Len(t, sections, 2)

	nl := sections["nl"]
	require.Len(t, nl.Rules, 3)
	group, ok := nl.FindGroup("KPN NL")
	assert.True(t, ok)
	assert.Equal(t, "kpn", group)
	group, _ = nl.FindGroup("VODAFONE NL")
	assert.Equal(t, "vodafone", group)
	group, _ = nl.FindGroup("T-Mobile")
	assert.Equal(t, "other", group)

	_, ok = sections["be"].FindGroup("Base")
	assert.False(t, ok)
}

func TestParseGroupmap_Errors(t *testing.T) {
	_, err := store.ParseGroupmap(strings.NewReader("[nl]\nonlyonefield\n"), "bad.map", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad.map:2")

	_, err = store.ParseGroupmap(strings.NewReader("[nl]\n([ broken\n"), "bad.map", nil)
	require.Error(t, err)
}

func TestParseGroupmap_LongInput(t *testing.T) {
	var b strings.Builder
	b.WriteString("[big]\n")
	for i := 0; i < 100000; i++ {
		b.WriteString("^x x\n")
	}
	sections, err := store.ParseGroupmap(strings.NewReader(b.String()), "big.map", nil)
	require.NoError(t, err)
	assert.Len(t, sections["big"].Rules, 100000)
}

func TestOpenGroupmap(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "carrier.map"), "[nl]\n^KPN kpn\n", time.Now())

	m, err := store.OpenGroupmap(dir, "carrier", store.Options{})
	require.NoError(t, err)
	group, ok := m.FindGroup("nl", "KPN")
	assert.True(t, ok)
	assert.Equal(t, "kpn", group)

	_, ok = m.FindGroup("de", "KPN")
	assert.False(t, ok)
	assert.Contains(t, m.String(), "[nl]")
}
