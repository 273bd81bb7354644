package scanmgr

import (
	"context"
	"errors"
	"fmt"

	"github.com/perchsec/osprey/pkg/engine"
	"github.com/perchsec/osprey/pkg/loadgate"
	"github.com/perchsec/osprey/pkg/orchestrator"
	"github.com/perchsec/osprey/pkg/stage"
)

// Execute runs a dispatched scan to completion on this node: it parses
// the scan's merged configuration, seeds stage progress, drives the
// orchestrator, and seals the final status. Cancellation via ctx leaves
// the status to StopScan, which has already marked the scan CANCELLED.
func (m *Manager) Execute(ctx context.Context, scanID, wordlistDir string, gate *loadgate.Gate) error {
	scan, err := m.store.GetScan(scanID)
	if err != nil {
		return fmt.Errorf("load scan: %w", err)
	}
	target, err := m.store.GetTarget(scan.TargetID)
	if err != nil {
		m.failScan(scanID, fmt.Sprintf("load target: %v", err))
		return err
	}

	cfg, err := engine.Parse([]byte(scan.Config))
	if err != nil {
		m.failScan(scanID, fmt.Sprintf("invalid configuration: %v", err))
		return err
	}

	if err := m.InitStageProgress(scanID, cfg.EnabledStages()); err != nil {
		return fmt.Errorf("init stage progress: %w", err)
	}

	env := &stage.Env{
		Store:       m.store,
		Scan:        scan,
		Target:      target,
		Config:      cfg,
		Gate:        gate,
		Broker:      m.broker,
		ResultsDir:  scan.ResultsDir,
		WordlistDir: wordlistDir,
	}

	runErr := orchestrator.New(env, m.ObserverFor(scanID)).Run(ctx)
	if errors.Is(runErr, context.Canceled) {
		return nil
	}
	return m.Finish(scanID, runErr)
}
