// Package scanmgr owns the scan lifecycle: creation with a unique results
// directory, dispatch hand-off, stage progress bookkeeping, stop, and the
// two-phase delete. It is the only writer of scan status fields; the
// status machine is monotonic and terminal states never transition again.
package scanmgr

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/perchsec/osprey/pkg/engine"
	"github.com/perchsec/osprey/pkg/events"
	"github.com/perchsec/osprey/pkg/log"
	"github.com/perchsec/osprey/pkg/metrics"
	"github.com/perchsec/osprey/pkg/storage"
	"github.com/perchsec/osprey/pkg/types"
	"github.com/perchsec/osprey/pkg/workspace"
)

// Dispatcher hands a created scan to a worker. Implementations pick the
// worker and start the scan process; Cancel tears a running scan down.
type Dispatcher interface {
	Dispatch(ctx context.Context, scan *types.Scan) (containerID, workerID string, err error)
	Cancel(scan *types.Scan) error
}

// Manager drives scan lifecycle operations against the store
type Manager struct {
	store      storage.Store
	broker     *events.Broker
	dispatcher Dispatcher
	resultsDir string

	mu sync.Mutex // serialises read-modify-write of scan rows

	// background dispatch and purge tasks, awaited by Wait before the
	// store closes
	wg sync.WaitGroup
}

// New builds a Manager. The dispatcher may be nil on worker nodes, where
// scans are only executed, never created.
func New(store storage.Store, broker *events.Broker, dispatcher Dispatcher, resultsDir string) *Manager {
	return &Manager{
		store:      store,
		broker:     broker,
		dispatcher: dispatcher,
		resultsDir: resultsDir,
	}
}

// CreateScans persists one INITIATED scan per target and hands them to
// the dispatcher on a detached background task. The returned rows are the
// created scans regardless of later dispatch outcome.
func (m *Manager) CreateScans(targets []*types.Target, engineIDs, engineNames []string,
	mergedConfig *engine.Config, mode types.ScanMode) ([]*types.Scan, error) {

	configDoc, err := mergedConfig.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}

	scans := make([]*types.Scan, 0, len(targets))
	for _, target := range targets {
		dir, err := workspace.NewResultsDir(m.resultsDir)
		if err != nil {
			return nil, fmt.Errorf("results dir for %s: %w", target.Name, err)
		}
		scan := &types.Scan{
			ID:          uuid.New().String(),
			TargetID:    target.ID,
			EngineIDs:   engineIDs,
			EngineNames: engineNames,
			Config:      configDoc,
			Mode:        mode,
			Status:      types.ScanStatusInitiated,
			CreatedAt:   time.Now(),
			ResultsDir:  dir,
		}
		if err := m.store.CreateScan(scan); err != nil {
			return nil, fmt.Errorf("create scan for %s: %w", target.Name, err)
		}
		metrics.ScansTotal.WithLabelValues(string(types.ScanStatusInitiated)).Inc()
		m.publish(events.EventScanCreated, scan.ID, fmt.Sprintf("Scan created for %s", target.Name))
		scans = append(scans, scan)
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.dispatchAll(scans)
	}()
	return scans, nil
}

// Wait blocks until background dispatch and purge tasks finish. Short-
// lived callers must Wait before closing the store.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) dispatchAll(scans []*types.Scan) {
	for _, scan := range scans {
		m.dispatchOne(scan)
	}
}

func (m *Manager) dispatchOne(scan *types.Scan) {
	logger := log.WithScanID(scan.ID)
	if m.dispatcher == nil {
		m.failScan(scan.ID, "no dispatcher configured")
		return
	}

	started := time.Now()
	containerID, workerID, err := m.dispatcher.Dispatch(context.Background(), scan)
	metrics.DispatchLatency.Observe(time.Since(started).Seconds())
	if err != nil {
		logger.Error().Err(err).Msg("Dispatch failed")
		m.failScan(scan.ID, fmt.Sprintf("dispatch: %v", err))
		return
	}

	err = m.update(scan.ID, func(s *types.Scan) error {
		s.WorkerID = workerID
		if containerID != "" {
			s.ContainerIDs = append(s.ContainerIDs, containerID)
		}
		return nil
	})
	if err != nil {
		logger.Error().Err(err).Msg("Recording dispatch result failed")
		return
	}
	m.publish(events.EventScanDispatched, scan.ID, fmt.Sprintf("Dispatched to worker %s", workerID))
}

// StopScan requests cancellation and transitions the scan to CANCELLED.
// Only RUNNING and INITIATED scans can be stopped.
func (m *Manager) StopScan(id string) error {
	scan, err := m.store.GetScan(id)
	if err != nil {
		return err
	}
	if scan.Status != types.ScanStatusRunning && scan.Status != types.ScanStatusInitiated {
		return fmt.Errorf("scan %s is %s, not stoppable", id, scan.Status)
	}

	if m.dispatcher != nil {
		if err := m.dispatcher.Cancel(scan); err != nil {
			logger := log.WithScanID(id)
			logger.Warn().Err(err).Msg("Cancel request failed, marking cancelled anyway")
		}
	}

	err = m.update(id, func(s *types.Scan) error {
		if s.Status.Terminal() {
			return nil
		}
		now := time.Now()
		if s.Status == types.ScanStatusRunning {
			metrics.ScansRunning.Dec()
		}
		s.Status = types.ScanStatusCancelled
		s.StoppedAt = &now
		cancelPending(s)
		return nil
	})
	if err != nil {
		return err
	}
	metrics.ScansTotal.WithLabelValues(string(types.ScanStatusCancelled)).Inc()
	m.publish(events.EventScanCancelled, id, "Scan cancelled")
	return nil
}

// DeleteScans soft-deletes the rows, making them invisible to reads, then
// hard-deletes rows, snapshots, and results directories on a background
// task. Missing ids are skipped.
func (m *Manager) DeleteScans(ids []string) error {
	var deleted []*types.Scan
	for _, id := range ids {
		scan, err := m.store.GetScan(id)
		if err != nil {
			if err == storage.ErrNotFound {
				continue
			}
			return err
		}
		now := time.Now()
		scan.DeletedAt = &now
		if err := m.store.UpdateScan(scan); err != nil {
			return err
		}
		m.publish(events.EventScanDeleted, id, "Scan deleted")
		deleted = append(deleted, scan)
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.hardDelete(deleted)
	}()
	return nil
}

// PurgeDeletedScans hard-deletes any soft-deleted rows left behind by an
// interrupted purge; run once at startup
func (m *Manager) PurgeDeletedScans() error {
	scans, err := m.store.ListDeletedScans()
	if err != nil {
		return err
	}
	m.hardDelete(scans)
	return nil
}

func (m *Manager) hardDelete(scans []*types.Scan) {
	for _, scan := range scans {
		logger := log.WithScanID(scan.ID)
		if err := m.store.DeleteSnapshotsByScan(scan.ID); err != nil {
			logger.Error().Err(err).Msg("Snapshot purge failed")
		}
		if err := workspace.RemoveResultsDir(scan.ResultsDir); err != nil {
			logger.Error().Err(err).Msg("Results dir removal failed")
		}
		if err := m.store.HardDeleteScan(scan.ID); err != nil {
			logger.Error().Err(err).Msg("Row purge failed")
		}
	}
}

// update applies fn to the scan row under the manager lock and persists
// it. The row is re-read inside the lock so concurrent updates compose.
func (m *Manager) update(id string, fn func(*types.Scan) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	scan, err := m.store.GetScanAny(id)
	if err != nil {
		return err
	}
	if err := fn(scan); err != nil {
		return err
	}
	return m.store.UpdateScan(scan)
}

func (m *Manager) failScan(id, message string) {
	err := m.update(id, func(s *types.Scan) error {
		if s.Status.Terminal() {
			return nil
		}
		if s.Status == types.ScanStatusRunning {
			metrics.ScansRunning.Dec()
		}
		now := time.Now()
		s.Status = types.ScanStatusFailed
		s.ErrorMessage = message
		s.StoppedAt = &now
		cancelPending(s)
		return nil
	})
	if err != nil {
		logger := log.WithScanID(id)
		logger.Error().Err(err).Msg("Marking scan failed")
		return
	}
	metrics.ScansTotal.WithLabelValues(string(types.ScanStatusFailed)).Inc()
	m.publish(events.EventScanFailed, id, message)
}

func (m *Manager) publish(eventType events.EventType, scanID, message string) {
	if m.broker == nil {
		return
	}
	m.broker.Publish(&events.Event{
		ID:       uuid.New().String(),
		Type:     eventType,
		Message:  message,
		Metadata: map[string]string{"scan_id": scanID},
	})
}

// cancelPending flips every pending or running stage entry to cancelled
func cancelPending(s *types.Scan) {
	now := time.Now()
	for i := range s.StageProgress {
		switch s.StageProgress[i].Status {
		case types.StageStatusPending, types.StageStatusRunning:
			s.StageProgress[i].Status = types.StageStatusCancelled
			s.StageProgress[i].FinishedAt = &now
		}
	}
}
