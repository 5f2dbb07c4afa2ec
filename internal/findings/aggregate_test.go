package findings

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAggregateRanksExploitedFirst(t *testing.T) {
	in := []Finding{
		{SourceTool: "Dependency", Subject: "a", Severity: "high", EPSS: 0.1},
		{SourceTool: "Dependency", Subject: "b", Severity: "critical", EPSS: 0.05},
		{SourceTool: "Dependency", Subject: "c", Severity: "low", KEV: true},
	}

	out := Aggregate(in, Intel{}, DefaultTopN)
	require.Len(t, out, 3)
	assert.Equal(t, "c", out[0].Subject, "known-exploited ranks first regardless of severity")
	assert.Equal(t, "a", out[1].Subject, "higher exploit probability outranks higher severity")
	assert.Equal(t, "b", out[2].Subject)
}

func TestAggregateDeduplicates(t *testing.T) {
	dup := Finding{SourceTool: "Dependency", Subject: "lodash", AffectedRange: "<4.17.21", Severity: "high", FixedIn: "4.17.21"}
	upper := dup
	upper.Subject = "LODASH" // dedup key is case-insensitive

	out := Aggregate([]Finding{dup, dup, upper}, Intel{}, DefaultTopN)
	require.Len(t, out, 1)
	assert.Equal(t, "lodash", out[0].Subject, "first occurrence wins")
}

func TestAggregateOrderIndependentForDuplicates(t *testing.T) {
	a := Finding{SourceTool: "Dependency", Subject: "a", Severity: "high", CVE: "CVE-2024-0001"}
	b := Finding{SourceTool: "Trivy", Subject: "b", Severity: "critical", CVE: "CVE-2024-0002"}

	out1 := Aggregate([]Finding{a, b, a, b}, Intel{}, DefaultTopN)
	out2 := Aggregate([]Finding{b, a, b, a}, Intel{}, DefaultTopN)
	assert.ElementsMatch(t, out1, out2)
}

func TestAggregateEnrichesFromIntel(t *testing.T) {
	intel := Intel{
		KEV:  map[string]bool{"CVE-2024-1111": true},
		EPSS: map[string]float64{"CVE-2024-1111": 0.97, "CVE-2024-2222": 0.02},
	}
	in := []Finding{
		{SourceTool: "Dependency", Subject: "x", Severity: "medium", CVE: "CVE-2024-1111"},
		{SourceTool: "Dependency", Subject: "y", Severity: "critical", CVE: "CVE-2024-2222"},
		{SourceTool: "Gitleaks", Subject: "no-cve", Severity: "high"},
	}

	out := Aggregate(in, intel, DefaultTopN)
	require.Len(t, out, 3)
	assert.Equal(t, "x", out[0].Subject, "KEV enrichment moves x to the top")
	assert.True(t, out[0].KEV)
	assert.InDelta(t, 0.97, out[0].EPSS, 1e-9)
	assert.Equal(t, "y", out[1].Subject)
	assert.False(t, out[2].KEV, "findings without a CVE stay unenriched")
}

func TestAggregateTruncatesToTopN(t *testing.T) {
	var in []Finding
	for _, s := range []string{"a", "b", "c", "d", "e", "f", "g"} {
		in = append(in, Finding{SourceTool: "Dependency", Subject: s, Severity: "high"})
	}

	out := Aggregate(in, Intel{}, 0) // 0 falls back to the default bound
	assert.Len(t, out, DefaultTopN)

	out = Aggregate(in, Intel{}, 2)
	assert.Len(t, out, 2)
}

func TestAggregateStableTies(t *testing.T) {
	in := []Finding{
		{SourceTool: "Dependency", Subject: "first", Severity: "high"},
		{SourceTool: "Dependency", Subject: "second", Severity: "high"},
	}
	out := Aggregate(in, Intel{}, DefaultTopN)
	require.Len(t, out, 2)
	assert.Equal(t, "first", out[0].Subject, "ties keep source order")
}

func TestSeverityRank(t *testing.T) {
	order := []string{"critical", "high", "medium", "low", "unknown"}
	for i := 1; i < len(order); i++ {
		assert.Less(t, SeverityRank(order[i-1]), SeverityRank(order[i]))
	}
	assert.Equal(t, SeverityRank("medium"), SeverityRank("moderate"))
	assert.Equal(t, SeverityRank("HIGH"), SeverityRank("high"))
}
