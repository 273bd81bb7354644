// Package loadgate provides backpressure against system overload. Stages
// call Wait before launching external tools; the gate polls CPU and memory
// usage and blocks until both drop below the configured thresholds.
package loadgate

import (
	"context"
	"time"

	"github.com/perchsec/osprey/pkg/log"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Config controls the gate thresholds and polling behavior
type Config struct {
	MaxCPUPercent    float64
	MaxMemoryPercent float64
	PollInterval     time.Duration
	MaxWait          time.Duration
}

// DefaultConfig returns the standard gate settings
func DefaultConfig() Config {
	return Config{
		MaxCPUPercent:    85,
		MaxMemoryPercent: 90,
		PollInterval:     15 * time.Second,
		MaxWait:          10 * time.Minute,
	}
}

// Sampler reads the current system load. The default implementation uses
// gopsutil; tests substitute a fake.
type Sampler interface {
	Sample() (cpuPercent, memPercent float64, err error)
}

type systemSampler struct{}

func (systemSampler) Sample() (float64, float64, error) {
	// A one second window smooths instantaneous spikes
	cpuPcts, err := cpu.Percent(time.Second, false)
	if err != nil {
		return 0, 0, err
	}
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, err
	}
	var cpuPct float64
	if len(cpuPcts) > 0 {
		cpuPct = cpuPcts[0]
	}
	return cpuPct, vm.UsedPercent, nil
}

// Gate blocks callers while the system is above its load thresholds
type Gate struct {
	cfg     Config
	sampler Sampler
}

// New creates a gate backed by real system sampling
func New(cfg Config) *Gate {
	return &Gate{cfg: cfg, sampler: systemSampler{}}
}

// NewWithSampler creates a gate with a custom sampler
func NewWithSampler(cfg Config, sampler Sampler) *Gate {
	return &Gate{cfg: cfg, sampler: sampler}
}

// Wait blocks until system load is below the thresholds, the max wait
// elapses, or the context is cancelled. Hitting the max wait is not an
// error: the stage proceeds anyway rather than stalling the scan.
func (g *Gate) Wait(ctx context.Context, stage string) error {
	deadline := time.Now().Add(g.cfg.MaxWait)
	logger := log.WithStage(stage)

	for {
		cpuPct, memPct, err := g.sampler.Sample()
		if err != nil {
			// Sampling failure must not block scanning
			logger.Warn().Err(err).Msg("Load sampling failed, proceeding")
			return nil
		}
		if cpuPct <= g.cfg.MaxCPUPercent && memPct <= g.cfg.MaxMemoryPercent {
			return nil
		}
		if time.Now().After(deadline) {
			logger.Warn().
				Float64("cpu_percent", cpuPct).
				Float64("memory_percent", memPct).
				Msg("System still loaded after max wait, proceeding")
			return nil
		}

		logger.Info().
			Float64("cpu_percent", cpuPct).
			Float64("memory_percent", memPct).
			Dur("poll_interval", g.cfg.PollInterval).
			Msg("System loaded, waiting before launching tools")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(g.cfg.PollInterval):
		}
	}
}

// CurrentLoad samples the system once; used by worker heartbeats
func CurrentLoad() (cpuPercent, memPercent float64, err error) {
	return systemSampler{}.Sample()
}
