// Package types defines the core domain types shared by all osprey
// components: targets, scans, workers, and the asset/snapshot records
// produced by scan stages.
package types

import (
	"time"
)

// TargetType classifies what a target name denotes
type TargetType string

const (
	TargetTypeDomain TargetType = "domain"
	TargetTypeIP     TargetType = "ip"
	TargetTypeCIDR   TargetType = "cidr"
)

// Target is the unit of scanning work: a root domain, an IP address,
// or a CIDR network
type Target struct {
	ID            string
	Name          string
	Type          TargetType
	CreatedAt     time.Time
	LastScannedAt time.Time
	DeletedAt     *time.Time
}

// Deleted reports whether the target has been soft-deleted
func (t *Target) Deleted() bool {
	return t.DeletedAt != nil
}

// ScanMode selects where stages read their inputs from
type ScanMode string

const (
	// ScanModeFull reads inputs from the target's full asset inventory
	ScanModeFull ScanMode = "full"

	// ScanModeQuick reads inputs only from the current scan's snapshots
	ScanModeQuick ScanMode = "quick"
)

// ScanStatus represents the lifecycle state of a scan
type ScanStatus string

const (
	ScanStatusInitiated ScanStatus = "initiated"
	ScanStatusRunning   ScanStatus = "running"
	ScanStatusCompleted ScanStatus = "completed"
	ScanStatusFailed    ScanStatus = "failed"
	ScanStatusCancelled ScanStatus = "cancelled"
)

// Terminal reports whether the status is final; terminal statuses never
// transition again
func (s ScanStatus) Terminal() bool {
	switch s {
	case ScanStatusCompleted, ScanStatusFailed, ScanStatusCancelled:
		return true
	}
	return false
}

// StageStatus represents the state of a single stage within a scan
type StageStatus string

const (
	StageStatusPending   StageStatus = "pending"
	StageStatusRunning   StageStatus = "running"
	StageStatusCompleted StageStatus = "completed"
	StageStatusFailed    StageStatus = "failed"
	StageStatusSkipped   StageStatus = "skipped"
	StageStatusCancelled StageStatus = "cancelled"
)

// StageProgress tracks one stage's outcome within a scan
type StageProgress struct {
	Name       string      `json:"name"`
	Status     StageStatus `json:"status"`
	Detail     string      `json:"detail,omitempty"`
	StartedAt  *time.Time  `json:"started_at,omitempty"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
}

// CachedStats caches per-kind asset counts on the scan row so list views
// never have to count live tables. Refreshed when the scan completes.
type CachedStats struct {
	Subdomains    int        `json:"subdomains"`
	HostPorts     int        `json:"host_ports"`
	WebSites      int        `json:"websites"`
	Endpoints     int        `json:"endpoints"`
	Directories   int        `json:"directories"`
	Screenshots   int        `json:"screenshots"`
	VulnsTotal    int        `json:"vulns_total"`
	VulnsCritical int        `json:"vulns_critical"`
	VulnsHigh     int        `json:"vulns_high"`
	VulnsMedium   int        `json:"vulns_medium"`
	VulnsLow      int        `json:"vulns_low"`
	UpdatedAt     *time.Time `json:"updated_at,omitempty"`
}

// Scan is one execution of the orchestrator against one target
type Scan struct {
	ID           string
	TargetID     string
	EngineIDs    []string
	EngineNames  []string
	Config       string // merged engine configuration (YAML)
	Mode         ScanMode
	Status       ScanStatus
	CreatedAt    time.Time
	StoppedAt    *time.Time
	WorkerID     string // empty until dispatched
	ResultsDir   string
	ContainerIDs []string
	ErrorMessage string

	Progress      int // 0-100
	CurrentStage  string
	StageProgress []StageProgress

	Stats     CachedStats
	DeletedAt *time.Time
}

// Deleted reports whether the scan has been soft-deleted
func (s *Scan) Deleted() bool {
	return s.DeletedAt != nil
}

// WorkerStatus represents a worker node's availability
type WorkerStatus string

const (
	WorkerStatusPending WorkerStatus = "pending"
	WorkerStatusOnline  WorkerStatus = "online"
	WorkerStatusOffline WorkerStatus = "offline"
)

// Worker is a host that executes scans, selected by load-aware dispatch
type Worker struct {
	ID        string
	Name      string
	Address   string // empty for the local worker
	Local     bool
	Status    WorkerStatus
	CreatedAt time.Time
}

// Heartbeat is the periodic load report posted by a worker
type Heartbeat struct {
	WorkerID      string
	CPUPercent    float64
	MemoryPercent float64
	ReceivedAt    time.Time
}

// Load is the combined placement score; lower is better
func (h *Heartbeat) Load() float64 {
	return (h.CPUPercent + h.MemoryPercent) / 2
}

// BlacklistRuleKind selects how a blacklist pattern is matched
type BlacklistRuleKind string

const (
	BlacklistExact     BlacklistRuleKind = "exact"
	BlacklistSuffix    BlacklistRuleKind = "suffix"
	BlacklistSubstring BlacklistRuleKind = "substring"
	BlacklistGlob      BlacklistRuleKind = "glob"
	BlacklistRegex     BlacklistRuleKind = "regex"
)

// BlacklistRule excludes matching values from scan inputs. Rules are
// per-target (TargetID set) or global (TargetID empty).
type BlacklistRule struct {
	ID       string
	TargetID string
	Pattern  string
	Kind     BlacklistRuleKind
}
