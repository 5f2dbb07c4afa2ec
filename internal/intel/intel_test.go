package intel

import (
	"bytes"
	"compress/gzip"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gzipped(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err := gz.Write([]byte(s))
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func TestParseEPSS(t *testing.T) {
	feed := `#model_version:v2025.03.14,score_date:2026-08-24
cve,epss,percentile
CVE-2024-0001,0.97234,0.999
CVE-2024-0002,0.00042,0.123
malformed line without commas
CVE-2024-0003,not-a-number,0.5
`
	scores, err := parseEPSS(gzipped(t, feed))
	require.NoError(t, err)
	assert.Len(t, scores, 2)
	assert.InDelta(t, 0.97234, scores["CVE-2024-0001"], 1e-9)
	assert.InDelta(t, 0.00042, scores["CVE-2024-0002"], 1e-9)

	_, err = parseEPSS([]byte("not gzip"))
	assert.Error(t, err)
}

func TestLoadFetchesAndCaches(t *testing.T) {
	kevSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"vulnerabilities":[{"cveID":"CVE-2021-44228"},{"cveID":"CVE-2023-4863"}]}`))
	}))
	defer kevSrv.Close()
	epssSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(gzipped(t, "cve,epss,percentile\nCVE-2021-44228,0.975,0.999\n"))
	}))
	defer epssSrv.Close()

	dir := t.TempDir()
	l := NewLoader(dir)
	l.KEVURL = kevSrv.URL
	l.EPSSURL = epssSrv.URL

	got := l.Load(context.Background())
	assert.True(t, got.KEV["CVE-2021-44228"])
	assert.True(t, got.KEV["CVE-2023-4863"])
	assert.InDelta(t, 0.975, got.EPSS["CVE-2021-44228"], 1e-9)

	for _, f := range []string{kevCacheFile, epssCacheFile} {
		_, err := os.Stat(filepath.Join(dir, f))
		assert.NoError(t, err, "cache %s should be written after a successful fetch", f)
	}
}

func TestLoadFallsBackToFreshCache(t *testing.T) {
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer down.Close()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, kevCacheFile), []byte(`["CVE-2021-44228"]`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, epssCacheFile), []byte(`{"CVE-2021-44228":0.9}`), 0o644))

	l := NewLoader(dir)
	l.KEVURL = down.URL
	l.EPSSURL = down.URL

	got := l.Load(context.Background())
	assert.True(t, got.KEV["CVE-2021-44228"])
	assert.InDelta(t, 0.9, got.EPSS["CVE-2021-44228"], 1e-9)
}

func TestLoadIgnoresExpiredCache(t *testing.T) {
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer down.Close()

	dir := t.TempDir()
	kevPath := filepath.Join(dir, kevCacheFile)
	require.NoError(t, os.WriteFile(kevPath, []byte(`["CVE-2021-44228"]`), 0o644))
	old := time.Now().Add(-cacheMaxAge - time.Hour)
	require.NoError(t, os.Chtimes(kevPath, old, old))

	l := NewLoader(dir)
	l.KEVURL = down.URL
	l.EPSSURL = down.URL

	got := l.Load(context.Background())
	assert.Empty(t, got.KEV, "expired cache is treated as absent")
	assert.Empty(t, got.EPSS)
}
