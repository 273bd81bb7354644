// Package storage persists targets, scans, workers, blacklist rules, and
// the asset/snapshot record families. The canonical implementation is
// BoltStore, backed by bbolt with JSON-encoded values.
package storage

import (
	"errors"

	"github.com/perchsec/osprey/pkg/types"
)

// ErrNotFound is returned when a requested row does not exist or has been
// soft-deleted.
var ErrNotFound = errors.New("not found")

// Store defines the interface for platform state storage
type Store interface {
	// Targets
	CreateTarget(target *types.Target) error
	GetTarget(id string) (*types.Target, error)
	GetTargetByName(name string) (*types.Target, error)
	ListTargets() ([]*types.Target, error)
	UpdateTarget(target *types.Target) error

	// Scans. Get and List hide soft-deleted rows; GetScanAny includes them.
	CreateScan(scan *types.Scan) error
	GetScan(id string) (*types.Scan, error)
	GetScanAny(id string) (*types.Scan, error)
	ListScans() ([]*types.Scan, error)
	ListDeletedScans() ([]*types.Scan, error)
	UpdateScan(scan *types.Scan) error
	HardDeleteScan(id string) error

	// Workers
	CreateWorker(worker *types.Worker) error
	GetWorker(id string) (*types.Worker, error)
	GetWorkerByName(name string) (*types.Worker, error)
	ListWorkers() ([]*types.Worker, error)
	UpdateWorker(worker *types.Worker) error
	DeleteWorker(id string) error

	// Blacklist rules; List returns the target's rules plus the global set
	CreateBlacklistRule(rule *types.BlacklistRule) error
	ListBlacklistRules(targetID string) ([]*types.BlacklistRule, error)

	// Asset writes (scoped to a target, keyed by natural key)
	PutSubdomains(items []*types.Subdomain) (int, error)
	PutHostPorts(items []*types.HostPortMapping) (int, error)
	UpsertWebSites(items []*types.WebSite, fillOnly bool) (int, error)
	UpsertEndpoints(items []*types.Endpoint) (int, error)
	PutDirectories(items []*types.Directory) (int, error)
	PutVulnerabilities(items []*types.Vulnerability) (int, error)
	GetWebSite(targetID, url string) (*types.WebSite, error)

	// Snapshot writes (scoped to a scan, insert-ignore on conflict)
	PutSubdomainSnapshots(items []*types.SubdomainSnapshot) (int, error)
	PutHostPortSnapshots(items []*types.HostPortSnapshot) (int, error)
	PutWebSiteSnapshots(items []*types.WebSiteSnapshot) (int, error)
	PutEndpointSnapshots(items []*types.EndpointSnapshot) (int, error)
	PutDirectorySnapshots(items []*types.DirectorySnapshot) (int, error)
	PutVulnerabilitySnapshots(items []*types.VulnerabilitySnapshot) (int, error)

	// Streaming reads; the caller must Close the cursor on every exit path
	IterAssets(kind types.AssetKind, targetID string) (*Cursor, error)
	IterSnapshots(kind types.AssetKind, scanID string) (*Cursor, error)

	// Counts for cached stats
	CountAssets(kind types.AssetKind, targetID string) (int, error)
	CountSnapshots(kind types.AssetKind, scanID string) (int, error)
	CountVulnsBySeverity(targetID string) (map[types.Severity]int, error)
	CountSnapshotVulnsBySeverity(scanID string) (map[types.Severity]int, error)

	// Hard-delete phase of the two-phase scan delete
	DeleteSnapshotsByScan(scanID string) error

	// Utility
	Close() error
}
