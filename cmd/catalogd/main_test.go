package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/joylabs/catalogd/internal/catalogsync"
	"github.com/joylabs/catalogd/internal/config"
)

func remoteCatalog(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/catalog/list" {
			http.NotFound(w, r)
			return
		}
		objects := []json.RawMessage{
			json.RawMessage(`{"type":"ITEM","id":"tea","version":3,"updated_at":"2024-05-01T10:00:00Z","item_data":{"name":"Green Tea","variations":[{"id":"tea-v","sku":"TEA-1"}]}}`),
			json.RawMessage(`{"type":"ITEM","id":"mug","version":4,"updated_at":"2024-05-01T10:00:00Z","item_data":{"name":"Mug","variations":[{"id":"mug-v","sku":"MUG-1"}]}}`),
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"objects": objects})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeTestConfig(t *testing.T, remoteURL string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "catalogd.yaml")
	body := fmt.Sprintf(`
store:
  dsn: %s
remote:
  base_url: %s
sync:
  retry_base: 1ms
  max_attempts: 1
images:
  dir: %s
log:
  level: error
`, filepath.Join(dir, "catalog.db"), remoteURL, filepath.Join(dir, "images"))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestSyncThenSearch(t *testing.T) {
	remote := remoteCatalog(t)
	cfgPath := writeTestConfig(t, remote.URL)

	out, err := runCLI(t, "--config", cfgPath, "sync", "--full")
	require.NoError(t, err, out)
	var summary map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &summary))
	assert.Equal(t, string(catalogsync.StateCompleted), summary["state"])
	assert.EqualValues(t, 2, summary["applied"])

	out, err = runCLI(t, "--config", cfgPath, "search", "green")
	require.NoError(t, err, out)
	assert.Contains(t, out, "Green Tea")
	assert.Contains(t, out, "TEA-1")
	assert.NotContains(t, out, "Mug")

	out, err = runCLI(t, "--config", cfgPath, "search", "--sku", "--json", "MUG-1")
	require.NoError(t, err, out)
	var page struct {
		Results []struct {
			ID string `json:"id"`
		} `json:"results"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &page))
	require.Len(t, page.Results, 1)
	assert.Equal(t, "mug", page.Results[0].ID)
}

func TestSyncRequiresRemote(t *testing.T) {
	cfgPath := writeTestConfig(t, "")
	_, err := runCLI(t, "--config", cfgPath, "sync")
	assert.ErrorContains(t, err, "remote.base_url")
}

func TestSearchRequiresTerm(t *testing.T) {
	_, err := runCLI(t, "search")
	assert.Error(t, err)
}

func TestObjectTypesRejectsUnknown(t *testing.T) {
	types, err := objectTypes([]string{"ITEM", "image"})
	require.NoError(t, err)
	assert.Len(t, types, 2)
	_, err = objectTypes([]string{"WIDGET"})
	assert.ErrorContains(t, err, "WIDGET")
}

func TestPeriodicRestartsOnlyWhenScheduleChanges(t *testing.T) {
	remote := remoteCatalog(t)
	cfg, err := config.NewLoader(writeTestConfig(t, remote.URL), nil).Load()
	require.NoError(t, err)

	a := newApp(cfg, zap.NewNop())
	t.Cleanup(func() { _ = a.close() })
	require.NoError(t, a.openStore(t.Context()))
	require.NoError(t, a.buildSync())

	a.startPeriodic(t.Context(), cfg.Sync)
	first := a.periodicConfig
	a.startPeriodic(t.Context(), cfg.Sync)
	assert.Equal(t, first, a.periodicConfig)

	next := cfg.Sync
	next.IncrementalInterval = time.Hour
	a.startPeriodic(t.Context(), next)
	assert.Equal(t, time.Hour, a.periodicConfig.IncrementalInterval)
}
