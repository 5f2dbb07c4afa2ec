// Package intel fetches the exploitability signals (CISA KEV catalog and the
// EPSS score feed) that enrich aggregated findings. Fetch failures fall back
// to a bounded-age local cache; beyond that, enrichment degrades to
// kev=false / epss=0 rather than failing the run.
package intel

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/flanksource/commons/logger"

	"github.com/auditgh/auditgh/internal/findings"
)

const (
	kevURL  = "https://www.cisa.gov/sites/default/files/feeds/known_exploited_vulnerabilities.json"
	epssURL = "https://epss.cyentia.com/epss_scores-current.csv.gz"

	fetchTimeout = 10 * time.Second

	// A cache older than this is treated as absent: stale intel should not
	// silently gate decisions forever.
	cacheMaxAge = 7 * 24 * time.Hour

	kevCacheFile  = "kev.json"
	epssCacheFile = "epss.json"
)

// Loader fetches both feeds once per run. URLs and the HTTP client are
// overridable for tests.
type Loader struct {
	CacheDir string
	KEVURL   string
	EPSSURL  string
	Client   *http.Client
}

func NewLoader(cacheDir string) *Loader {
	return &Loader{
		CacheDir: cacheDir,
		KEVURL:   kevURL,
		EPSSURL:  epssURL,
		Client:   &http.Client{Timeout: fetchTimeout},
	}
}

// Load returns the enrichment data for the run. Always succeeds; partial or
// empty data is acceptable degradation.
func (l *Loader) Load(ctx context.Context) findings.Intel {
	if err := os.MkdirAll(l.CacheDir, 0o755); err != nil {
		logger.Debugf("cannot create intel cache dir: %v", err)
	}
	return findings.Intel{
		KEV:  l.loadKEV(ctx),
		EPSS: l.loadEPSS(ctx),
	}
}

func (l *Loader) loadKEV(ctx context.Context) map[string]bool {
	kev := map[string]bool{}

	body, err := l.fetch(ctx, l.KEVURL)
	if err != nil {
		logger.Warnf("KEV feed unavailable (%v), trying cache", err)
		return l.kevFromCache()
	}

	var doc struct {
		Vulnerabilities []struct {
			CVEID string `json:"cveID"`
		} `json:"vulnerabilities"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		logger.Warnf("KEV feed unreadable (%v), trying cache", err)
		return l.kevFromCache()
	}
	for _, v := range doc.Vulnerabilities {
		if v.CVEID != "" {
			kev[v.CVEID] = true
		}
	}

	ids := make([]string, 0, len(kev))
	for id := range kev {
		ids = append(ids, id)
	}
	l.writeCache(kevCacheFile, ids)
	return kev
}

func (l *Loader) kevFromCache() map[string]bool {
	kev := map[string]bool{}
	var ids []string
	if !l.readCache(kevCacheFile, &ids) {
		return kev
	}
	for _, id := range ids {
		kev[id] = true
	}
	return kev
}

func (l *Loader) loadEPSS(ctx context.Context) map[string]float64 {
	body, err := l.fetch(ctx, l.EPSSURL)
	if err != nil {
		logger.Warnf("EPSS feed unavailable (%v), trying cache", err)
		return l.epssFromCache()
	}

	epss, err := parseEPSS(body)
	if err != nil {
		logger.Warnf("EPSS feed unreadable (%v), trying cache", err)
		return l.epssFromCache()
	}

	l.writeCache(epssCacheFile, epss)
	return epss
}

func (l *Loader) epssFromCache() map[string]float64 {
	epss := map[string]float64{}
	l.readCache(epssCacheFile, &epss)
	return epss
}

// parseEPSS decodes the gzipped "cve,epss,percentile" CSV feed. Comment and
// header lines are skipped.
func parseEPSS(gzipped []byte) (map[string]float64, error) {
	gz, err := gzip.NewReader(bytes.NewReader(gzipped))
	if err != nil {
		return nil, fmt.Errorf("decompressing EPSS feed: %w", err)
	}
	defer gz.Close()

	epss := map[string]float64{}
	sc := bufio.NewScanner(gz)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "cve,") {
			continue
		}
		parts := strings.Split(line, ",")
		if len(parts) < 2 {
			continue
		}
		score, err := strconv.ParseFloat(parts[1], 64)
		if err != nil {
			continue
		}
		epss[parts[0]] = score
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading EPSS feed: %w", err)
	}
	return epss, nil
}

func (l *Loader) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := l.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: HTTP %d", url, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func (l *Loader) writeCache(name string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := os.WriteFile(filepath.Join(l.CacheDir, name), data, 0o644); err != nil {
		logger.Debugf("cannot write intel cache %s: %v", name, err)
	}
}

// readCache loads a cache file if it exists and is fresh enough.
func (l *Loader) readCache(name string, v any) bool {
	path := filepath.Join(l.CacheDir, name)
	st, err := os.Stat(path)
	if err != nil {
		return false
	}
	if time.Since(st.ModTime()) > cacheMaxAge {
		logger.Warnf("intel cache %s is older than %s, ignoring it", name, cacheMaxAge)
		return false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	return json.Unmarshal(data, v) == nil
}
