package types

import (
	"fmt"
	"strings"
	"time"
)

// AssetKind names the asset record families
type AssetKind string

const (
	AssetSubdomain     AssetKind = "subdomain"
	AssetHostPort      AssetKind = "host_port"
	AssetWebSite       AssetKind = "website"
	AssetEndpoint      AssetKind = "endpoint"
	AssetDirectory     AssetKind = "directory"
	AssetVulnerability AssetKind = "vulnerability"
)

// Severity buckets for vulnerability findings
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
	SeverityUnknown  Severity = "unknown"
)

// NormalizeSeverity maps arbitrary tool severity strings onto the
// canonical taxonomy
func NormalizeSeverity(raw string) Severity {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "critical", "crit":
		return SeverityCritical
	case "high":
		return SeverityHigh
	case "medium", "moderate", "med":
		return SeverityMedium
	case "low":
		return SeverityLow
	case "info", "informational", "informative":
		return SeverityInfo
	default:
		return SeverityUnknown
	}
}

// Subdomain is a resolved or collected subdomain name owned by a target
type Subdomain struct {
	TargetID     string
	Name         string
	DiscoveredAt time.Time
}

// Key returns the natural key within the owning target
func (s *Subdomain) Key() string { return s.Name }

// HostPortMapping records an open port observed on a host
type HostPortMapping struct {
	TargetID     string
	Host         string
	IP           string
	Port         int
	DiscoveredAt time.Time
}

// Key returns the natural key within the owning target
func (m *HostPortMapping) Key() string {
	return fmt.Sprintf("%s|%s|%d", m.Host, m.IP, m.Port)
}

// WebSite is a probed, live HTTP(S) site owned by a target
type WebSite struct {
	TargetID      string
	URL           string
	Host          string
	Title         string
	StatusCode    int
	ContentLength int
	ContentType   string
	WebServer     string
	Location      string
	Tech          []string
	RespHeaders   string
	BodyPreview   string
	VHost         bool
	DiscoveredAt  time.Time
}

// Key returns the natural key within the owning target
func (w *WebSite) Key() string { return w.URL }

// Merge applies the inventory upsert policy: set-valued fields are
// unioned, scalar fields take the incoming value
func (w *WebSite) Merge(in *WebSite) {
	w.Host = in.Host
	w.Title = in.Title
	w.StatusCode = in.StatusCode
	w.ContentLength = in.ContentLength
	w.ContentType = in.ContentType
	w.WebServer = in.WebServer
	w.Location = in.Location
	w.RespHeaders = in.RespHeaders
	w.BodyPreview = in.BodyPreview
	w.VHost = in.VHost
	w.Tech = UnionStrings(w.Tech, in.Tech)
}

// FillEmpty applies the fingerprint-stage policy: tech is unioned, while
// title, webserver, status code, and content length are set only when the
// current value is empty
func (w *WebSite) FillEmpty(in *WebSite) {
	w.Tech = UnionStrings(w.Tech, in.Tech)
	if w.Title == "" {
		w.Title = in.Title
	}
	if w.WebServer == "" {
		w.WebServer = in.WebServer
	}
	if w.StatusCode == 0 {
		w.StatusCode = in.StatusCode
	}
	if w.ContentLength == 0 {
		w.ContentLength = in.ContentLength
	}
}

// Endpoint is a parameterised URL owned by a target, used as vulnerability
// scan input
type Endpoint struct {
	TargetID        string
	URL             string
	Host            string
	Title           string
	StatusCode      int
	ContentLength   int
	ContentType     string
	WebServer       string
	Location        string
	Tech            []string
	MatchedPatterns []string
	RespHeaders     string
	BodyPreview     string
	VHost           bool
	DiscoveredAt    time.Time
}

// Key returns the natural key within the owning target
func (e *Endpoint) Key() string { return e.URL }

// Merge applies the inventory upsert policy
func (e *Endpoint) Merge(in *Endpoint) {
	e.Host = in.Host
	e.Title = in.Title
	e.StatusCode = in.StatusCode
	e.ContentLength = in.ContentLength
	e.ContentType = in.ContentType
	e.WebServer = in.WebServer
	e.Location = in.Location
	e.RespHeaders = in.RespHeaders
	e.BodyPreview = in.BodyPreview
	e.VHost = in.VHost
	e.Tech = UnionStrings(e.Tech, in.Tech)
	e.MatchedPatterns = UnionStrings(e.MatchedPatterns, in.MatchedPatterns)
}

// Directory is a bruteforced path on a website
type Directory struct {
	TargetID      string
	URL           string
	StatusCode    int
	ContentLength int
	Words         int
	Lines         int
	ContentType   string
	Duration      time.Duration
	DiscoveredAt  time.Time
}

// Key returns the natural key within the owning target
func (d *Directory) Key() string { return d.URL }

// Vulnerability is a finding reported by a vulnerability scanner. Rows are
// never merged; distinct natural keys coexist per target.
type Vulnerability struct {
	TargetID     string
	URL          string
	VulnType     string
	Source       string
	Severity     Severity
	CVSSScore    float64
	Description  string
	RawOutput    string
	DiscoveredAt time.Time
}

// Key returns the natural key within the owning target
func (v *Vulnerability) Key() string {
	return fmt.Sprintf("%s|%s|%s", v.URL, v.VulnType, v.Source)
}

// UnionStrings merges two string sets preserving first-seen order
func UnionStrings(a, b []string) []string {
	if len(b) == 0 {
		return a
	}
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range a {
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, s := range b {
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
