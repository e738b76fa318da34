package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/tgscan/internal/config"
	"github.com/JakeFAU/tgscan/internal/resolver"
	"github.com/JakeFAU/tgscan/internal/scan"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		Server: config.ServerConfig{Port: 8080, RequestTimeoutSeconds: 5},
		Scan: config.ScanConfig{
			Concurrency:          2,
			TargetTimeoutSeconds: 1,
			ContextWindow:        10,
			ContextCap:           50,
			MatchMode:            string(scan.MatchModeFirst),
		},
		Watchlist: config.WatchlistConfig{Path: filepath.Join(dir, "watchlist.yaml")},
		Fetch:     config.FetchConfig{Backend: config.BackendColly, TimeoutSeconds: 1},
		Storage: config.StorageConfig{
			DataDir:     dir,
			TargetsFile: "links.txt",
			Backends:    []string{config.StorageMemory, config.StorageSQLite},
		},
		Database: config.DatabaseConfig{SQLitePath: filepath.Join(dir, "db", "tgscan.db")},
		Logging:  config.LoggingConfig{Development: true},
	}
}

func TestBuildWiresSQLiteRuns(t *testing.T) {
	t.Parallel()

	app, err := Build(context.Background(), testConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })

	require.NotNil(t, app.Controller())
	require.NotNil(t, app.cycleRepo)
	require.Nil(t, app.scheduler)

	rec := httptest.NewRecorder()
	app.apiServer.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/runs", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	app.apiServer.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"state":"IDLE"`)
}

func TestBuildRejectsBadSchedule(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Scan.Schedule = "not a schedule"
	_, err := Build(context.Background(), cfg)
	require.ErrorContains(t, err, "scheduler init failed")
}

func TestScanOnceWithoutKeywordsFails(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Storage.Backends = []string{config.StorageMemory}
	app, err := Build(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })

	status, err := app.ScanOnce(context.Background())
	require.ErrorIs(t, err, scan.ErrNoKeywords)
	require.Equal(t, scan.StateFailed, status.State)
	require.NotEmpty(t, status.LastError)
}

func TestListingSources(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{}
	require.Empty(t, listingSources(cfg))

	cfg.Scan.DefaultSource = true
	require.Equal(t, []scan.ListingSource{resolver.DefaultSource}, listingSources(cfg))

	custom := scan.ListingSource{Name: "custom", Location: "https://example.com"}
	cfg.Sources = []scan.ListingSource{custom}
	require.Equal(t, []scan.ListingSource{custom}, listingSources(cfg))
}
