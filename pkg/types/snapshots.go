package types

import "time"

// Snapshot records mirror the asset kinds but are owned by a single scan.
// They capture the exact state observed during that run and are append-only;
// they are never merged across runs. Conversions to asset records are
// explicit so the two families stay disjoint.

// SubdomainSnapshot is a subdomain observed during one scan
type SubdomainSnapshot struct {
	ScanID     string
	Name       string
	ObservedAt time.Time
}

// Key returns the natural key within the owning scan
func (s *SubdomainSnapshot) Key() string { return s.Name }

// Asset converts the snapshot into an inventory record for a target
func (s *SubdomainSnapshot) Asset(targetID string) *Subdomain {
	return &Subdomain{TargetID: targetID, Name: s.Name, DiscoveredAt: s.ObservedAt}
}

// HostPortSnapshot is an open port observed during one scan
type HostPortSnapshot struct {
	ScanID     string
	Host       string
	IP         string
	Port       int
	ObservedAt time.Time
}

// Key returns the natural key within the owning scan
func (s *HostPortSnapshot) Key() string {
	return (&HostPortMapping{Host: s.Host, IP: s.IP, Port: s.Port}).Key()
}

// Asset converts the snapshot into an inventory record for a target
func (s *HostPortSnapshot) Asset(targetID string) *HostPortMapping {
	return &HostPortMapping{
		TargetID:     targetID,
		Host:         s.Host,
		IP:           s.IP,
		Port:         s.Port,
		DiscoveredAt: s.ObservedAt,
	}
}

// WebSiteSnapshot is a probed site observed during one scan
type WebSiteSnapshot struct {
	ScanID        string
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
	ObservedAt    time.Time
}

// Key returns the natural key within the owning scan
func (s *WebSiteSnapshot) Key() string { return s.URL }

// Asset converts the snapshot into an inventory record for a target
func (s *WebSiteSnapshot) Asset(targetID string) *WebSite {
	return &WebSite{
		TargetID:      targetID,
		URL:           s.URL,
		Host:          s.Host,
		Title:         s.Title,
		StatusCode:    s.StatusCode,
		ContentLength: s.ContentLength,
		ContentType:   s.ContentType,
		WebServer:     s.WebServer,
		Location:      s.Location,
		Tech:          append([]string(nil), s.Tech...),
		RespHeaders:   s.RespHeaders,
		BodyPreview:   s.BodyPreview,
		VHost:         s.VHost,
		DiscoveredAt:  s.ObservedAt,
	}
}

// EndpointSnapshot is an endpoint URL observed during one scan
type EndpointSnapshot struct {
	ScanID          string
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
	ObservedAt      time.Time
}

// Key returns the natural key within the owning scan
func (s *EndpointSnapshot) Key() string { return s.URL }

// Asset converts the snapshot into an inventory record for a target
func (s *EndpointSnapshot) Asset(targetID string) *Endpoint {
	return &Endpoint{
		TargetID:        targetID,
		URL:             s.URL,
		Host:            s.Host,
		Title:           s.Title,
		StatusCode:      s.StatusCode,
		ContentLength:   s.ContentLength,
		ContentType:     s.ContentType,
		WebServer:       s.WebServer,
		Location:        s.Location,
		Tech:            append([]string(nil), s.Tech...),
		MatchedPatterns: append([]string(nil), s.MatchedPatterns...),
		RespHeaders:     s.RespHeaders,
		BodyPreview:     s.BodyPreview,
		VHost:           s.VHost,
		DiscoveredAt:    s.ObservedAt,
	}
}

// DirectorySnapshot is a bruteforced path observed during one scan
type DirectorySnapshot struct {
	ScanID        string
	URL           string
	StatusCode    int
	ContentLength int
	Words         int
	Lines         int
	ContentType   string
	Duration      time.Duration
	ObservedAt    time.Time
}

// Key returns the natural key within the owning scan
func (s *DirectorySnapshot) Key() string { return s.URL }

// Asset converts the snapshot into an inventory record for a target
func (s *DirectorySnapshot) Asset(targetID string) *Directory {
	return &Directory{
		TargetID:      targetID,
		URL:           s.URL,
		StatusCode:    s.StatusCode,
		ContentLength: s.ContentLength,
		Words:         s.Words,
		Lines:         s.Lines,
		ContentType:   s.ContentType,
		Duration:      s.Duration,
		DiscoveredAt:  s.ObservedAt,
	}
}

// VulnerabilitySnapshot is a finding observed during one scan
type VulnerabilitySnapshot struct {
	ScanID      string
	URL         string
	VulnType    string
	Source      string
	Severity    Severity
	CVSSScore   float64
	Description string
	RawOutput   string
	ObservedAt  time.Time
}

// Key returns the natural key within the owning scan
func (s *VulnerabilitySnapshot) Key() string {
	return (&Vulnerability{URL: s.URL, VulnType: s.VulnType, Source: s.Source}).Key()
}

// Asset converts the snapshot into an inventory record for a target
func (s *VulnerabilitySnapshot) Asset(targetID string) *Vulnerability {
	return &Vulnerability{
		TargetID:     targetID,
		URL:          s.URL,
		VulnType:     s.VulnType,
		Source:       s.Source,
		Severity:     s.Severity,
		CVSSScore:    s.CVSSScore,
		Description:  s.Description,
		RawOutput:    s.RawOutput,
		DiscoveredAt: s.ObservedAt,
	}
}
