package scanmgr

import (
	"fmt"
	"time"

	"github.com/perchsec/osprey/pkg/events"
	"github.com/perchsec/osprey/pkg/log"
	"github.com/perchsec/osprey/pkg/metrics"
	"github.com/perchsec/osprey/pkg/stage"
	"github.com/perchsec/osprey/pkg/types"
)

// InitStageProgress seeds the ordered stage_progress list with pending
// entries. Called once, before the first stage starts.
func (m *Manager) InitStageProgress(scanID string, stages []string) error {
	return m.update(scanID, func(s *types.Scan) error {
		s.StageProgress = make([]types.StageProgress, len(stages))
		for i, name := range stages {
			s.StageProgress[i] = types.StageProgress{Name: name, Status: types.StageStatusPending}
		}
		s.Progress = 0
		return nil
	})
}

// StartStage flips a stage to running. The first stage start also moves
// the scan INITIATED -> RUNNING and stamps the target's last-scanned-at.
func (m *Manager) StartStage(scanID, stageName string) error {
	var targetID string
	err := m.update(scanID, func(s *types.Scan) error {
		if s.Status.Terminal() {
			return fmt.Errorf("scan %s is %s", scanID, s.Status)
		}
		if s.Status == types.ScanStatusInitiated {
			s.Status = types.ScanStatusRunning
			targetID = s.TargetID
			metrics.ScansRunning.Inc()
			metrics.ScansTotal.WithLabelValues(string(types.ScanStatusRunning)).Inc()
		}
		s.CurrentStage = stageName
		now := time.Now()
		setStage(s, stageName, types.StageStatusRunning, "", &now, nil)
		return nil
	})
	if err != nil {
		return err
	}

	if targetID != "" {
		if terr := m.touchTarget(targetID); terr != nil {
			logger := log.WithScanID(scanID)
			logger.Warn().Err(terr).Msg("Target last-scanned-at update failed")
		}
	}
	m.publish(events.EventStageStarted, scanID, fmt.Sprintf("Stage %s started", stageName))
	return nil
}

// CompleteStage marks a stage completed
func (m *Manager) CompleteStage(scanID, stageName string) error {
	return m.FinishStage(scanID, stageName, types.StageStatusCompleted, "")
}

// FailStage marks a stage failed with its error text
func (m *Manager) FailStage(scanID, stageName, reason string) error {
	return m.FinishStage(scanID, stageName, types.StageStatusFailed, reason)
}

// SkipStage marks a stage skipped with the skip reason
func (m *Manager) SkipStage(scanID, stageName, reason string) error {
	return m.FinishStage(scanID, stageName, types.StageStatusSkipped, reason)
}

// CancelRunningStages flips every pending or running stage to cancelled;
// used when a scan is stopped mid-run
func (m *Manager) CancelRunningStages(scanID string) error {
	return m.update(scanID, func(s *types.Scan) error {
		cancelPending(s)
		return nil
	})
}

// FinishStage records a stage outcome and recomputes the scan-level
// progress percentage
func (m *Manager) FinishStage(scanID, stageName string, status types.StageStatus, detail string) error {
	err := m.update(scanID, func(s *types.Scan) error {
		now := time.Now()
		setStage(s, stageName, status, detail, nil, &now)
		if s.CurrentStage == stageName {
			s.CurrentStage = ""
		}
		s.Progress = progressPct(s.StageProgress)
		return nil
	})
	if err != nil {
		return err
	}

	eventType := events.EventStageCompleted
	switch status {
	case types.StageStatusFailed:
		eventType = events.EventStageFailed
	case types.StageStatusSkipped:
		eventType = events.EventStageSkipped
	}
	m.publish(eventType, scanID, fmt.Sprintf("Stage %s %s", stageName, status))
	return nil
}

// Finish seals the scan after the orchestrator returns: COMPLETED when it
// finished (individual stage failures notwithstanding), FAILED with the
// error message when it raised. Terminal scans (stopped mid-run) are left
// alone. RUNNING -> COMPLETED refreshes the cached stats.
func (m *Manager) Finish(scanID string, runErr error) error {
	if runErr != nil {
		m.failScan(scanID, runErr.Error())
		return nil
	}

	var completed bool
	err := m.update(scanID, func(s *types.Scan) error {
		if s.Status.Terminal() {
			return nil
		}
		if s.Status == types.ScanStatusRunning {
			metrics.ScansRunning.Dec()
		}
		now := time.Now()
		s.Status = types.ScanStatusCompleted
		s.StoppedAt = &now
		s.Progress = progressPct(s.StageProgress)
		completed = true
		return nil
	})
	if err != nil {
		return err
	}
	if !completed {
		return nil
	}

	if err := m.RefreshCachedStats(scanID); err != nil {
		logger := log.WithScanID(scanID)
		logger.Error().Err(err).Msg("Cached stats refresh failed")
	}
	metrics.ScansTotal.WithLabelValues(string(types.ScanStatusCompleted)).Inc()
	m.publish(events.EventScanCompleted, scanID, "Scan completed")
	return nil
}

// RefreshCachedStats recomputes the scan's cached counts from live
// tables: the target's inventory in FULL mode, the scan's own snapshots
// in QUICK mode.
func (m *Manager) RefreshCachedStats(scanID string) error {
	scan, err := m.store.GetScanAny(scanID)
	if err != nil {
		return err
	}

	count := func(kind types.AssetKind) (int, error) {
		if scan.Mode == types.ScanModeQuick {
			return m.store.CountSnapshots(kind, scan.ID)
		}
		return m.store.CountAssets(kind, scan.TargetID)
	}

	var stats types.CachedStats
	counts := []struct {
		kind types.AssetKind
		dst  *int
	}{
		{types.AssetSubdomain, &stats.Subdomains},
		{types.AssetHostPort, &stats.HostPorts},
		{types.AssetWebSite, &stats.WebSites},
		{types.AssetEndpoint, &stats.Endpoints},
		{types.AssetDirectory, &stats.Directories},
		{types.AssetVulnerability, &stats.VulnsTotal},
	}
	for _, c := range counts {
		n, err := count(c.kind)
		if err != nil {
			return err
		}
		*c.dst = n
	}

	var severities map[types.Severity]int
	if scan.Mode == types.ScanModeQuick {
		severities, err = m.store.CountSnapshotVulnsBySeverity(scan.ID)
	} else {
		severities, err = m.store.CountVulnsBySeverity(scan.TargetID)
	}
	if err != nil {
		return err
	}
	stats.VulnsCritical = severities[types.SeverityCritical]
	stats.VulnsHigh = severities[types.SeverityHigh]
	stats.VulnsMedium = severities[types.SeverityMedium]
	stats.VulnsLow = severities[types.SeverityLow]

	now := time.Now()
	stats.UpdatedAt = &now
	return m.update(scanID, func(s *types.Scan) error {
		stats.Screenshots = s.Stats.Screenshots
		s.Stats = stats
		return nil
	})
}

// RecordScreenshots accumulates screenshot counts as stages report them;
// screenshots live on disk, not in the store, so the cached count is fed
// from stage stats
func (m *Manager) RecordScreenshots(scanID string, n int) error {
	if n == 0 {
		return nil
	}
	return m.update(scanID, func(s *types.Scan) error {
		s.Stats.Screenshots += n
		return nil
	})
}

func (m *Manager) touchTarget(targetID string) error {
	target, err := m.store.GetTarget(targetID)
	if err != nil {
		return err
	}
	target.LastScannedAt = time.Now()
	return m.store.UpdateTarget(target)
}

func setStage(s *types.Scan, name string, status types.StageStatus, detail string,
	startedAt, finishedAt *time.Time) {
	for i := range s.StageProgress {
		if s.StageProgress[i].Name != name {
			continue
		}
		s.StageProgress[i].Status = status
		if detail != "" {
			s.StageProgress[i].Detail = detail
		}
		if startedAt != nil {
			s.StageProgress[i].StartedAt = startedAt
		}
		if finishedAt != nil {
			s.StageProgress[i].FinishedAt = finishedAt
		}
		return
	}
	// A stage not in the initialised list still gets tracked
	s.StageProgress = append(s.StageProgress, types.StageProgress{
		Name: name, Status: status, Detail: detail,
		StartedAt: startedAt, FinishedAt: finishedAt,
	})
}

// progressPct counts finished stages (completed or skipped) against the
// total
func progressPct(progress []types.StageProgress) int {
	if len(progress) == 0 {
		return 0
	}
	done := 0
	for _, p := range progress {
		switch p.Status {
		case types.StageStatusCompleted, types.StageStatusSkipped:
			done++
		}
	}
	return done * 100 / len(progress)
}

// Observer adapts the manager's progress API to the orchestrator's stage
// callbacks for one scan
type Observer struct {
	mgr    *Manager
	scanID string
}

// ObserverFor returns the stage observer bound to one scan
func (m *Manager) ObserverFor(scanID string) *Observer {
	return &Observer{mgr: m, scanID: scanID}
}

func (o *Observer) OnStart(stageName string) {
	if err := o.mgr.StartStage(o.scanID, stageName); err != nil {
		logger := log.WithScanID(o.scanID)
		logger.Error().Err(err).Str("stage", stageName).Msg("Stage start not recorded")
	}
}

func (o *Observer) OnComplete(stageName string, stats *stage.Stats) {
	if stats != nil && stats.Screenshots > 0 {
		if err := o.mgr.RecordScreenshots(o.scanID, stats.Screenshots); err != nil {
			logger := log.WithScanID(o.scanID)
			logger.Error().Err(err).Msg("Screenshot count not recorded")
		}
	}
	if err := o.mgr.CompleteStage(o.scanID, stageName); err != nil {
		logger := log.WithScanID(o.scanID)
		logger.Error().Err(err).Str("stage", stageName).Msg("Stage completion not recorded")
	}
}

func (o *Observer) OnFail(stageName string, ferr error) {
	if err := o.mgr.FailStage(o.scanID, stageName, ferr.Error()); err != nil {
		logger := log.WithScanID(o.scanID)
		logger.Error().Err(err).Str("stage", stageName).Msg("Stage failure not recorded")
	}
}

func (o *Observer) OnSkip(stageName, reason string) {
	if err := o.mgr.SkipStage(o.scanID, stageName, reason); err != nil {
		logger := log.WithScanID(o.scanID)
		logger.Error().Err(err).Str("stage", stageName).Msg("Stage skip not recorded")
	}
}
