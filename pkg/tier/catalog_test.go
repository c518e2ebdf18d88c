package tier

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeCatalog(t *testing.T, dir, contents string) string {
	t.Helper()
	path := filepath.Join(dir, "tiers.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
	return path
}

const sampleCatalog = `
version: 1
default: free
tiers:
  free:
    name: Free
    rate_per_minute: 10
    rate_per_hour: 50
    max_concurrent: 5
    priority: 0
    allowed_probe_intervals: [60, 1440]
  pro:
    name: Pro
    rate_per_minute: 100
    rate_per_hour: 1000
    max_concurrent: 25
    priority: 10
    allowed_probe_intervals: [5, 15, 60, 1440]
    allow_custom_intervals: true
`

func TestCatalogGetAndDefault(t *testing.T) {
	path := writeCatalog(t, t.TempDir(), sampleCatalog)

	cat, err := New(path, nil)
	require.NoError(t, err)

	free, ok := cat.Get("free")
	require.True(t, ok)
	require.Equal(t, 10, free.RatePerMinute)
	require.Equal(t, 5, free.MaxConcurrent)

	_, ok = cat.Get("nonexistent")
	require.False(t, ok)

	require.Equal(t, "free", cat.Default().ID)
}

func TestLimitsAllowsInterval(t *testing.T) {
	path := writeCatalog(t, t.TempDir(), sampleCatalog)
	cat, err := New(path, nil)
	require.NoError(t, err)

	free, _ := cat.Get("free")
	require.True(t, free.AllowsInterval(60))
	require.False(t, free.AllowsInterval(5))

	pro, _ := cat.Get("pro")
	require.True(t, pro.AllowsInterval(5))
	require.True(t, pro.AllowsInterval(7)) // allow_custom_intervals
}
