package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/perchsec/osprey/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketTargets   = []byte("targets")
	bucketScans     = []byte("scans")
	bucketWorkers   = []byte("workers")
	bucketBlacklist = []byte("blacklist")
)

// assetBucket returns the inventory bucket for an asset kind
func assetBucket(kind types.AssetKind) []byte {
	return []byte("asset_" + string(kind))
}

// snapshotBucket returns the snapshot bucket for an asset kind
func snapshotBucket(kind types.AssetKind) []byte {
	return []byte("snap_" + string(kind))
}

// scopedKey builds the storage key for a record inside its owner's scope.
// Owner ids are UUIDs and never contain '/', so prefix scans on "owner/"
// are unambiguous.
func scopedKey(ownerID, naturalKey string) []byte {
	return []byte(ownerID + "/" + naturalKey)
}

func scopePrefix(ownerID string) []byte {
	return []byte(ownerID + "/")
}

var allAssetKinds = []types.AssetKind{
	types.AssetSubdomain,
	types.AssetHostPort,
	types.AssetWebSite,
	types.AssetEndpoint,
	types.AssetDirectory,
	types.AssetVulnerability,
}

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "osprey.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketTargets,
			bucketScans,
			bucketWorkers,
			bucketBlacklist,
		}
		for _, kind := range allAssetKinds {
			buckets = append(buckets, assetBucket(kind), snapshotBucket(kind))
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Target operations

func (s *BoltStore) CreateTarget(target *types.Target) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTargets)
		data, err := json.Marshal(target)
		if err != nil {
			return err
		}
		return b.Put([]byte(target.ID), data)
	})
}

func (s *BoltStore) GetTarget(id string) (*types.Target, error) {
	var target types.Target
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTargets)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("target %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &target)
	})
	if err != nil {
		return nil, err
	}
	if target.Deleted() {
		return nil, fmt.Errorf("target %s: %w", id, ErrNotFound)
	}
	return &target, nil
}

func (s *BoltStore) GetTargetByName(name string) (*types.Target, error) {
	var found *types.Target
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTargets)
		return b.ForEach(func(k, v []byte) error {
			var target types.Target
			if err := json.Unmarshal(v, &target); err != nil {
				return err
			}
			if target.Name == name && !target.Deleted() {
				found = &target
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("target %s: %w", name, ErrNotFound)
	}
	return found, nil
}

func (s *BoltStore) ListTargets() ([]*types.Target, error) {
	var targets []*types.Target
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTargets)
		return b.ForEach(func(k, v []byte) error {
			var target types.Target
			if err := json.Unmarshal(v, &target); err != nil {
				return err
			}
			if !target.Deleted() {
				targets = append(targets, &target)
			}
			return nil
		})
	})
	return targets, err
}

func (s *BoltStore) UpdateTarget(target *types.Target) error {
	return s.CreateTarget(target) // Same as create (upsert)
}

// Scan operations

func (s *BoltStore) CreateScan(scan *types.Scan) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketScans)
		data, err := json.Marshal(scan)
		if err != nil {
			return err
		}
		return b.Put([]byte(scan.ID), data)
	})
}

func (s *BoltStore) getScan(id string) (*types.Scan, error) {
	var scan types.Scan
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketScans)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("scan %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &scan)
	})
	if err != nil {
		return nil, err
	}
	return &scan, nil
}

func (s *BoltStore) GetScan(id string) (*types.Scan, error) {
	scan, err := s.getScan(id)
	if err != nil {
		return nil, err
	}
	if scan.Deleted() {
		return nil, fmt.Errorf("scan %s: %w", id, ErrNotFound)
	}
	return scan, nil
}

// GetScanAny returns the scan row even when it has been soft-deleted. The
// hard-delete job needs this to finish the second phase.
func (s *BoltStore) GetScanAny(id string) (*types.Scan, error) {
	return s.getScan(id)
}

func (s *BoltStore) ListScans() ([]*types.Scan, error) {
	var scans []*types.Scan
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketScans)
		return b.ForEach(func(k, v []byte) error {
			var scan types.Scan
			if err := json.Unmarshal(v, &scan); err != nil {
				return err
			}
			if !scan.Deleted() {
				scans = append(scans, &scan)
			}
			return nil
		})
	})
	return scans, err
}

func (s *BoltStore) ListDeletedScans() ([]*types.Scan, error) {
	var scans []*types.Scan
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketScans)
		return b.ForEach(func(k, v []byte) error {
			var scan types.Scan
			if err := json.Unmarshal(v, &scan); err != nil {
				return err
			}
			if scan.Deleted() {
				scans = append(scans, &scan)
			}
			return nil
		})
	})
	return scans, err
}

func (s *BoltStore) UpdateScan(scan *types.Scan) error {
	return s.CreateScan(scan)
}

func (s *BoltStore) HardDeleteScan(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketScans)
		return b.Delete([]byte(id))
	})
}

// Worker operations

func (s *BoltStore) CreateWorker(worker *types.Worker) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkers)
		data, err := json.Marshal(worker)
		if err != nil {
			return err
		}
		return b.Put([]byte(worker.ID), data)
	})
}

func (s *BoltStore) GetWorker(id string) (*types.Worker, error) {
	var worker types.Worker
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkers)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("worker %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &worker)
	})
	if err != nil {
		return nil, err
	}
	return &worker, nil
}

func (s *BoltStore) GetWorkerByName(name string) (*types.Worker, error) {
	var found *types.Worker
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkers)
		return b.ForEach(func(k, v []byte) error {
			var worker types.Worker
			if err := json.Unmarshal(v, &worker); err != nil {
				return err
			}
			if worker.Name == name {
				found = &worker
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("worker %s: %w", name, ErrNotFound)
	}
	return found, nil
}

func (s *BoltStore) ListWorkers() ([]*types.Worker, error) {
	var workers []*types.Worker
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkers)
		return b.ForEach(func(k, v []byte) error {
			var worker types.Worker
			if err := json.Unmarshal(v, &worker); err != nil {
				return err
			}
			workers = append(workers, &worker)
			return nil
		})
	})
	return workers, err
}

func (s *BoltStore) UpdateWorker(worker *types.Worker) error {
	return s.CreateWorker(worker)
}

func (s *BoltStore) DeleteWorker(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkers)
		return b.Delete([]byte(id))
	})
}

// Blacklist operations

func (s *BoltStore) CreateBlacklistRule(rule *types.BlacklistRule) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBlacklist)
		data, err := json.Marshal(rule)
		if err != nil {
			return err
		}
		return b.Put([]byte(rule.ID), data)
	})
}

// ListBlacklistRules returns the rules scoped to targetID plus the global
// set (rules with an empty TargetID)
func (s *BoltStore) ListBlacklistRules(targetID string) ([]*types.BlacklistRule, error) {
	var rules []*types.BlacklistRule
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBlacklist)
		return b.ForEach(func(k, v []byte) error {
			var rule types.BlacklistRule
			if err := json.Unmarshal(v, &rule); err != nil {
				return err
			}
			if rule.TargetID == "" || rule.TargetID == targetID {
				rules = append(rules, &rule)
			}
			return nil
		})
	})
	return rules, err
}

// putNew inserts marshalled records, skipping keys that already exist
// (insert-ignore). Returns the number of rows actually inserted.
func putNew(tx *bolt.Tx, bucket []byte, keys [][]byte, values []interface{}) (int, error) {
	b := tx.Bucket(bucket)
	inserted := 0
	for i, key := range keys {
		if b.Get(key) != nil {
			continue
		}
		data, err := json.Marshal(values[i])
		if err != nil {
			return inserted, err
		}
		if err := b.Put(key, data); err != nil {
			return inserted, err
		}
		inserted++
	}
	return inserted, nil
}

// Asset writes

func (s *BoltStore) PutSubdomains(items []*types.Subdomain) (int, error) {
	keys := make([][]byte, len(items))
	values := make([]interface{}, len(items))
	for i, it := range items {
		keys[i] = scopedKey(it.TargetID, it.Key())
		values[i] = it
	}
	var n int
	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		n, err = putNew(tx, assetBucket(types.AssetSubdomain), keys, values)
		return err
	})
	return n, err
}

func (s *BoltStore) PutHostPorts(items []*types.HostPortMapping) (int, error) {
	keys := make([][]byte, len(items))
	values := make([]interface{}, len(items))
	for i, it := range items {
		keys[i] = scopedKey(it.TargetID, it.Key())
		values[i] = it
	}
	var n int
	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		n, err = putNew(tx, assetBucket(types.AssetHostPort), keys, values)
		return err
	})
	return n, err
}

// UpsertWebSites writes website rows with the field-merge policy. With
// fillOnly the fingerprint rule applies: tech is unioned and scalar fields
// are set only when currently empty.
func (s *BoltStore) UpsertWebSites(items []*types.WebSite, fillOnly bool) (int, error) {
	processed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(assetBucket(types.AssetWebSite))
		for _, it := range items {
			key := scopedKey(it.TargetID, it.Key())
			row := it
			if existing := b.Get(key); existing != nil {
				var current types.WebSite
				if err := json.Unmarshal(existing, &current); err != nil {
					return err
				}
				if fillOnly {
					current.FillEmpty(it)
				} else {
					current.Merge(it)
				}
				row = &current
			}
			data, err := json.Marshal(row)
			if err != nil {
				return err
			}
			if err := b.Put(key, data); err != nil {
				return err
			}
			processed++
		}
		return nil
	})
	return processed, err
}

func (s *BoltStore) UpsertEndpoints(items []*types.Endpoint) (int, error) {
	processed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(assetBucket(types.AssetEndpoint))
		for _, it := range items {
			key := scopedKey(it.TargetID, it.Key())
			row := it
			if existing := b.Get(key); existing != nil {
				var current types.Endpoint
				if err := json.Unmarshal(existing, &current); err != nil {
					return err
				}
				current.Merge(it)
				row = &current
			}
			data, err := json.Marshal(row)
			if err != nil {
				return err
			}
			if err := b.Put(key, data); err != nil {
				return err
			}
			processed++
		}
		return nil
	})
	return processed, err
}

func (s *BoltStore) PutDirectories(items []*types.Directory) (int, error) {
	processed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(assetBucket(types.AssetDirectory))
		for _, it := range items {
			data, err := json.Marshal(it)
			if err != nil {
				return err
			}
			if err := b.Put(scopedKey(it.TargetID, it.Key()), data); err != nil {
				return err
			}
			processed++
		}
		return nil
	})
	return processed, err
}

// PutVulnerabilities inserts findings. There is no merge; distinct natural
// keys produce distinct rows, identical keys overwrite with the latest
// observation.
func (s *BoltStore) PutVulnerabilities(items []*types.Vulnerability) (int, error) {
	processed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(assetBucket(types.AssetVulnerability))
		for _, it := range items {
			data, err := json.Marshal(it)
			if err != nil {
				return err
			}
			if err := b.Put(scopedKey(it.TargetID, it.Key()), data); err != nil {
				return err
			}
			processed++
		}
		return nil
	})
	return processed, err
}

func (s *BoltStore) GetWebSite(targetID, url string) (*types.WebSite, error) {
	var site types.WebSite
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(assetBucket(types.AssetWebSite))
		data := b.Get(scopedKey(targetID, url))
		if data == nil {
			return fmt.Errorf("website %s: %w", url, ErrNotFound)
		}
		return json.Unmarshal(data, &site)
	})
	if err != nil {
		return nil, err
	}
	return &site, nil
}

// Snapshot writes (insert-ignore)

func (s *BoltStore) PutSubdomainSnapshots(items []*types.SubdomainSnapshot) (int, error) {
	keys := make([][]byte, len(items))
	values := make([]interface{}, len(items))
	for i, it := range items {
		keys[i] = scopedKey(it.ScanID, it.Key())
		values[i] = it
	}
	var n int
	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		n, err = putNew(tx, snapshotBucket(types.AssetSubdomain), keys, values)
		return err
	})
	return n, err
}

func (s *BoltStore) PutHostPortSnapshots(items []*types.HostPortSnapshot) (int, error) {
	keys := make([][]byte, len(items))
	values := make([]interface{}, len(items))
	for i, it := range items {
		keys[i] = scopedKey(it.ScanID, it.Key())
		values[i] = it
	}
	var n int
	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		n, err = putNew(tx, snapshotBucket(types.AssetHostPort), keys, values)
		return err
	})
	return n, err
}

func (s *BoltStore) PutWebSiteSnapshots(items []*types.WebSiteSnapshot) (int, error) {
	keys := make([][]byte, len(items))
	values := make([]interface{}, len(items))
	for i, it := range items {
		keys[i] = scopedKey(it.ScanID, it.Key())
		values[i] = it
	}
	var n int
	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		n, err = putNew(tx, snapshotBucket(types.AssetWebSite), keys, values)
		return err
	})
	return n, err
}

func (s *BoltStore) PutEndpointSnapshots(items []*types.EndpointSnapshot) (int, error) {
	keys := make([][]byte, len(items))
	values := make([]interface{}, len(items))
	for i, it := range items {
		keys[i] = scopedKey(it.ScanID, it.Key())
		values[i] = it
	}
	var n int
	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		n, err = putNew(tx, snapshotBucket(types.AssetEndpoint), keys, values)
		return err
	})
	return n, err
}

func (s *BoltStore) PutDirectorySnapshots(items []*types.DirectorySnapshot) (int, error) {
	keys := make([][]byte, len(items))
	values := make([]interface{}, len(items))
	for i, it := range items {
		keys[i] = scopedKey(it.ScanID, it.Key())
		values[i] = it
	}
	var n int
	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		n, err = putNew(tx, snapshotBucket(types.AssetDirectory), keys, values)
		return err
	})
	return n, err
}

func (s *BoltStore) PutVulnerabilitySnapshots(items []*types.VulnerabilitySnapshot) (int, error) {
	keys := make([][]byte, len(items))
	values := make([]interface{}, len(items))
	for i, it := range items {
		keys[i] = scopedKey(it.ScanID, it.Key())
		values[i] = it
	}
	var n int
	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		n, err = putNew(tx, snapshotBucket(types.AssetVulnerability), keys, values)
		return err
	})
	return n, err
}

// Streaming reads

func (s *BoltStore) IterAssets(kind types.AssetKind, targetID string) (*Cursor, error) {
	return newCursor(s.db, assetBucket(kind), scopePrefix(targetID))
}

func (s *BoltStore) IterSnapshots(kind types.AssetKind, scanID string) (*Cursor, error) {
	return newCursor(s.db, snapshotBucket(kind), scopePrefix(scanID))
}

// Counts

func (s *BoltStore) countPrefix(bucket, prefix []byte) (int, error) {
	count := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucket).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			count++
		}
		return nil
	})
	return count, err
}

func (s *BoltStore) CountAssets(kind types.AssetKind, targetID string) (int, error) {
	return s.countPrefix(assetBucket(kind), scopePrefix(targetID))
}

func (s *BoltStore) CountSnapshots(kind types.AssetKind, scanID string) (int, error) {
	return s.countPrefix(snapshotBucket(kind), scopePrefix(scanID))
}

func (s *BoltStore) countVulns(bucket, prefix []byte) (map[types.Severity]int, error) {
	counts := make(map[types.Severity]int)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var row struct {
				Severity types.Severity
			}
			if err := json.Unmarshal(v, &row); err != nil {
				return err
			}
			counts[row.Severity]++
		}
		return nil
	})
	return counts, err
}

func (s *BoltStore) CountVulnsBySeverity(targetID string) (map[types.Severity]int, error) {
	return s.countVulns(assetBucket(types.AssetVulnerability), scopePrefix(targetID))
}

func (s *BoltStore) CountSnapshotVulnsBySeverity(scanID string) (map[types.Severity]int, error) {
	return s.countVulns(snapshotBucket(types.AssetVulnerability), scopePrefix(scanID))
}

// DeleteSnapshotsByScan removes every snapshot row owned by a scan. Called
// by the hard-delete phase of the two-phase scan delete.
func (s *BoltStore) DeleteSnapshotsByScan(scanID string) error {
	prefix := scopePrefix(scanID)
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, kind := range allAssetKinds {
			c := tx.Bucket(snapshotBucket(kind)).Cursor()
			for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
				if err := c.Delete(); err != nil {
					return err
				}
			}
		}
		return nil
	})
}
