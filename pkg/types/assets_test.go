package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeSeverity(t *testing.T) {
	cases := map[string]Severity{
		"critical":      SeverityCritical,
		"CRIT":          SeverityCritical,
		"High":          SeverityHigh,
		"moderate":      SeverityMedium,
		" med ":         SeverityMedium,
		"low":           SeverityLow,
		"informational": SeverityInfo,
		"bogus":         SeverityUnknown,
		"":              SeverityUnknown,
	}
	for raw, want := range cases {
		assert.Equal(t, want, NormalizeSeverity(raw), "raw %q", raw)
	}
}

func TestUnionStringsPreservesFirstSeenOrder(t *testing.T) {
	got := UnionStrings([]string{"nginx", "PHP"}, []string{"PHP", "WordPress", "", "nginx"})
	assert.Equal(t, []string{"nginx", "PHP", "WordPress"}, got)

	// Empty incoming set returns the existing slice untouched
	existing := []string{"a"}
	assert.Equal(t, existing, UnionStrings(existing, nil))
}

func TestWebSiteMergeOverwritesScalarsAndUnionsTech(t *testing.T) {
	current := &WebSite{
		URL:        "https://a.example.com",
		Title:      "Old title",
		StatusCode: 301,
		WebServer:  "apache",
		Tech:       []string{"apache"},
	}
	current.Merge(&WebSite{
		Host:       "a.example.com",
		Title:      "New title",
		StatusCode: 200,
		WebServer:  "nginx",
		Tech:       []string{"nginx", "apache"},
	})

	assert.Equal(t, "New title", current.Title)
	assert.Equal(t, 200, current.StatusCode)
	assert.Equal(t, "nginx", current.WebServer)
	assert.Equal(t, []string{"apache", "nginx"}, current.Tech)
}

func TestWebSiteFillEmptyKeepsExistingScalars(t *testing.T) {
	current := &WebSite{
		URL:        "https://a.example.com",
		Title:      "Probed title",
		StatusCode: 200,
		Tech:       []string{"nginx"},
	}
	current.FillEmpty(&WebSite{
		Title:         "Fingerprinted title",
		StatusCode:    404,
		WebServer:     "nginx",
		ContentLength: 512,
		Tech:          []string{"WordPress"},
	})

	assert.Equal(t, "Probed title", current.Title)
	assert.Equal(t, 200, current.StatusCode)
	assert.Equal(t, "nginx", current.WebServer)
	assert.Equal(t, 512, current.ContentLength)
	assert.Equal(t, []string{"nginx", "WordPress"}, current.Tech)
}

func TestVulnerabilityKeyDistinguishesSource(t *testing.T) {
	a := &Vulnerability{URL: "https://x/y", VulnType: "cve-2024-1", Source: "nuclei"}
	b := &Vulnerability{URL: "https://x/y", VulnType: "cve-2024-1", Source: "dalfox"}
	assert.NotEqual(t, a.Key(), b.Key())
}
