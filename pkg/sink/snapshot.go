package sink

import (
	"errors"
	"fmt"

	"github.com/perchsec/osprey/pkg/metrics"
	"github.com/perchsec/osprey/pkg/storage"
	"github.com/perchsec/osprey/pkg/types"
)

// SnapshotSink persists parsed snapshot records: each batch is written to
// the scan's snapshot family (insert-ignore) and folded into the target's
// asset inventory (upsert with the merge policy). Before every batch it
// verifies the scan still exists, so a deleted scan stops producing rows.
type SnapshotSink struct {
	store    storage.Store
	scanID   string
	targetID string

	// FillOnly applies the fingerprint merge rule to website writes:
	// tech unions, scalars fill only when empty
	FillOnly bool
}

// NewSnapshotSink creates a sink for one scan writing into one target's
// inventory
func NewSnapshotSink(store storage.Store, scanID, targetID string) *SnapshotSink {
	return &SnapshotSink{store: store, scanID: scanID, targetID: targetID}
}

// Flush implements Flusher. Records of different kinds may share a batch;
// each family is written separately.
func (s *SnapshotSink) Flush(records []Record) error {
	if _, err := s.store.GetScan(s.scanID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrScanGone
		}
		return Transient(err)
	}

	var (
		subdomains  []*types.SubdomainSnapshot
		hostPorts   []*types.HostPortSnapshot
		websites    []*types.WebSiteSnapshot
		endpoints   []*types.EndpointSnapshot
		directories []*types.DirectorySnapshot
		vulns       []*types.VulnerabilitySnapshot
	)
	for _, r := range records {
		switch rec := r.(type) {
		case *types.SubdomainSnapshot:
			subdomains = append(subdomains, rec)
		case *types.HostPortSnapshot:
			hostPorts = append(hostPorts, rec)
		case *types.WebSiteSnapshot:
			websites = append(websites, rec)
		case *types.EndpointSnapshot:
			endpoints = append(endpoints, rec)
		case *types.DirectorySnapshot:
			directories = append(directories, rec)
		case *types.VulnerabilitySnapshot:
			vulns = append(vulns, rec)
		default:
			return fmt.Errorf("%w: unsupported record type %T", ErrIntegrity, r)
		}
	}

	if err := s.flushSubdomains(subdomains); err != nil {
		return err
	}
	if err := s.flushHostPorts(hostPorts); err != nil {
		return err
	}
	if err := s.flushWebSites(websites); err != nil {
		return err
	}
	if err := s.flushEndpoints(endpoints); err != nil {
		return err
	}
	if err := s.flushDirectories(directories); err != nil {
		return err
	}
	return s.flushVulns(vulns)
}

func (s *SnapshotSink) flushSubdomains(snaps []*types.SubdomainSnapshot) error {
	if len(snaps) == 0 {
		return nil
	}
	if _, err := s.store.PutSubdomainSnapshots(snaps); err != nil {
		return Transient(err)
	}
	assets := make([]*types.Subdomain, len(snaps))
	for i, snap := range snaps {
		assets[i] = snap.Asset(s.targetID)
	}
	if _, err := s.store.PutSubdomains(assets); err != nil {
		return Transient(err)
	}
	metrics.RecordsWritten.WithLabelValues(string(types.AssetSubdomain)).Add(float64(len(snaps)))
	return nil
}

func (s *SnapshotSink) flushHostPorts(snaps []*types.HostPortSnapshot) error {
	if len(snaps) == 0 {
		return nil
	}
	if _, err := s.store.PutHostPortSnapshots(snaps); err != nil {
		return Transient(err)
	}
	assets := make([]*types.HostPortMapping, len(snaps))
	for i, snap := range snaps {
		assets[i] = snap.Asset(s.targetID)
	}
	if _, err := s.store.PutHostPorts(assets); err != nil {
		return Transient(err)
	}
	metrics.RecordsWritten.WithLabelValues(string(types.AssetHostPort)).Add(float64(len(snaps)))
	return nil
}

func (s *SnapshotSink) flushWebSites(snaps []*types.WebSiteSnapshot) error {
	if len(snaps) == 0 {
		return nil
	}
	if _, err := s.store.PutWebSiteSnapshots(snaps); err != nil {
		return Transient(err)
	}
	assets := make([]*types.WebSite, len(snaps))
	for i, snap := range snaps {
		assets[i] = snap.Asset(s.targetID)
	}
	if _, err := s.store.UpsertWebSites(assets, s.FillOnly); err != nil {
		return Transient(err)
	}
	metrics.RecordsWritten.WithLabelValues(string(types.AssetWebSite)).Add(float64(len(snaps)))
	return nil
}

func (s *SnapshotSink) flushEndpoints(snaps []*types.EndpointSnapshot) error {
	if len(snaps) == 0 {
		return nil
	}
	if _, err := s.store.PutEndpointSnapshots(snaps); err != nil {
		return Transient(err)
	}
	assets := make([]*types.Endpoint, len(snaps))
	for i, snap := range snaps {
		assets[i] = snap.Asset(s.targetID)
	}
	if _, err := s.store.UpsertEndpoints(assets); err != nil {
		return Transient(err)
	}
	metrics.RecordsWritten.WithLabelValues(string(types.AssetEndpoint)).Add(float64(len(snaps)))
	return nil
}

func (s *SnapshotSink) flushDirectories(snaps []*types.DirectorySnapshot) error {
	if len(snaps) == 0 {
		return nil
	}
	if _, err := s.store.PutDirectorySnapshots(snaps); err != nil {
		return Transient(err)
	}
	assets := make([]*types.Directory, len(snaps))
	for i, snap := range snaps {
		assets[i] = snap.Asset(s.targetID)
	}
	if _, err := s.store.PutDirectories(assets); err != nil {
		return Transient(err)
	}
	metrics.RecordsWritten.WithLabelValues(string(types.AssetDirectory)).Add(float64(len(snaps)))
	return nil
}

func (s *SnapshotSink) flushVulns(snaps []*types.VulnerabilitySnapshot) error {
	if len(snaps) == 0 {
		return nil
	}
	if _, err := s.store.PutVulnerabilitySnapshots(snaps); err != nil {
		return Transient(err)
	}
	assets := make([]*types.Vulnerability, len(snaps))
	for i, snap := range snaps {
		assets[i] = snap.Asset(s.targetID)
	}
	if _, err := s.store.PutVulnerabilities(assets); err != nil {
		return Transient(err)
	}
	metrics.RecordsWritten.WithLabelValues(string(types.AssetVulnerability)).Add(float64(len(snaps)))
	return nil
}
