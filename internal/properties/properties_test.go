package properties

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "./data", cfg.RootPath)
	assert.Equal(t, 4, cfg.FetchConcurrency)
	assert.Equal(t, 500*time.Millisecond, cfg.RequestInterval)
	assert.Equal(t, 10*time.Minute, cfg.DownloadTimeout)
	assert.Equal(t, 3, cfg.DownloadRetries)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("ROOT_PATH", "/srv/rasters")
	t.Setenv("FETCH_CONCURRENCY", "8")
	t.Setenv("REQUEST_INTERVAL", "2s")
	t.Setenv("EXPORT_API_BASE_URL", "https://export.example.com")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "/srv/rasters", cfg.RootPath)
	assert.Equal(t, 8, cfg.FetchConcurrency)
	assert.Equal(t, 2*time.Second, cfg.RequestInterval)
	assert.Equal(t, "https://export.example.com", cfg.ExportBaseURL)
}

func TestLoadClampsNonsenseValues(t *testing.T) {
	t.Setenv("FETCH_CONCURRENCY", "0")
	t.Setenv("DOWNLOAD_RETRIES", "-2")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.FetchConcurrency)
	assert.Equal(t, 1, cfg.DownloadRetries)
}
