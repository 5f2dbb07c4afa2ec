package findings

import (
	"fmt"
	"sort"
	"strings"

	"github.com/samber/lo"
)

// DefaultTopN bounds the exploitability-ranked list in reports.
const DefaultTopN = 5

// Intel carries the injected enrichment signals. The aggregator itself never
// performs network I/O; fetching and cache fallback live in internal/intel.
type Intel struct {
	KEV  map[string]bool
	EPSS map[string]float64
}

// Aggregate deduplicates findings from all source tools, enriches CVE-bearing
// ones with exploitability signals, and returns the top-N ordered by
// (known-exploited first, exploit probability descending, severity).
// Deterministic for identical inputs and intel: ties keep source order, and
// reordering duplicate records does not change the output.
func Aggregate(in []Finding, intel Intel, topN int) []Finding {
	if topN <= 0 {
		topN = DefaultTopN
	}

	// First occurrence wins; the key is case-insensitive across every field
	// that identifies a distinct vulnerability record.
	unique := lo.UniqBy(in, func(f Finding) string {
		return strings.ToLower(fmt.Sprintf("%s|%s|%s|%s|%s",
			f.SourceTool, f.Subject, f.AffectedRange, f.Severity, f.FixedIn))
	})

	enriched := lo.Map(unique, func(f Finding, _ int) Finding {
		if f.CVE != "" {
			if intel.KEV[f.CVE] {
				f.KEV = true
			}
			if s, ok := intel.EPSS[f.CVE]; ok && s > f.EPSS {
				f.EPSS = s
			}
		}
		return f
	})

	sort.SliceStable(enriched, func(i, j int) bool {
		a, b := rankKey(enriched[i]), rankKey(enriched[j])
		if a.kev != b.kev {
			return a.kev < b.kev
		}
		if a.epss != b.epss {
			return a.epss < b.epss
		}
		return a.sev < b.sev
	})

	if len(enriched) > topN {
		enriched = enriched[:topN]
	}
	return enriched
}

type compositeKey struct {
	kev  int
	epss float64
	sev  int
}

func rankKey(f Finding) compositeKey {
	k := compositeKey{kev: 1, epss: -f.EPSS, sev: severityRank(f.Severity)}
	if f.KEV {
		k.kev = 0
	}
	return k
}
