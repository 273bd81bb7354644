package loadgate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSampler struct {
	samples [][2]float64
	errs    []error
	calls   int
}

func (f *fakeSampler) Sample() (float64, float64, error) {
	i := f.calls
	if i >= len(f.samples) {
		i = len(f.samples) - 1
	}
	f.calls++
	var err error
	if i < len(f.errs) {
		err = f.errs[i]
	}
	return f.samples[i][0], f.samples[i][1], err
}

func testConfig() Config {
	return Config{
		MaxCPUPercent:    85,
		MaxMemoryPercent: 90,
		PollInterval:     time.Millisecond,
		MaxWait:          100 * time.Millisecond,
	}
}

func TestWaitPassesWhenIdle(t *testing.T) {
	sampler := &fakeSampler{samples: [][2]float64{{10, 20}}}
	gate := NewWithSampler(testConfig(), sampler)

	require.NoError(t, gate.Wait(context.Background(), "port_scan"))
	assert.Equal(t, 1, sampler.calls)
}

func TestWaitBlocksUntilLoadDrops(t *testing.T) {
	sampler := &fakeSampler{samples: [][2]float64{
		{99, 50},
		{95, 50},
		{40, 50},
	}}
	gate := NewWithSampler(testConfig(), sampler)

	require.NoError(t, gate.Wait(context.Background(), "port_scan"))
	assert.Equal(t, 3, sampler.calls)
}

func TestWaitProceedsAfterMaxWait(t *testing.T) {
	sampler := &fakeSampler{samples: [][2]float64{{99, 99}}}
	cfg := testConfig()
	cfg.MaxWait = 5 * time.Millisecond
	gate := NewWithSampler(cfg, sampler)

	// Returns nil even though the load never dropped
	require.NoError(t, gate.Wait(context.Background(), "port_scan"))
}

func TestWaitProceedsOnSamplingError(t *testing.T) {
	sampler := &fakeSampler{
		samples: [][2]float64{{0, 0}},
		errs:    []error{errors.New("proc unavailable")},
	}
	gate := NewWithSampler(testConfig(), sampler)

	require.NoError(t, gate.Wait(context.Background(), "port_scan"))
}

func TestWaitRespectsContextCancellation(t *testing.T) {
	sampler := &fakeSampler{samples: [][2]float64{{99, 99}}}
	cfg := testConfig()
	cfg.PollInterval = time.Hour
	gate := NewWithSampler(cfg, sampler)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := gate.Wait(ctx, "port_scan")
	assert.ErrorIs(t, err, context.Canceled)
}
