package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/perchsec/osprey/pkg/engine"
	"github.com/perchsec/osprey/pkg/loadgate"
	"github.com/perchsec/osprey/pkg/stage"
	"github.com/perchsec/osprey/pkg/storage"
	"github.com/perchsec/osprey/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type idleSampler struct{}

func (idleSampler) Sample() (float64, float64, error) { return 5, 10, nil }

type recordingObserver struct {
	mu        sync.Mutex
	started   []string
	completed []string
	failed    []string
	skipped   []string
}

func (r *recordingObserver) OnStart(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, name)
}

func (r *recordingObserver) OnComplete(name string, _ *stage.Stats) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed = append(r.completed, name)
}

func (r *recordingObserver) OnFail(name string, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, name)
}

func (r *recordingObserver) OnSkip(name, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.skipped = append(r.skipped, name)
}

func testEnv(t *testing.T, cfg *engine.Config) *stage.Env {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	target := &types.Target{ID: "t1", Name: "example.com", Type: types.TargetTypeDomain}
	require.NoError(t, store.CreateTarget(target))
	scan := &types.Scan{ID: "s1", TargetID: "t1", Mode: types.ScanModeFull, Status: types.ScanStatusRunning}
	require.NoError(t, store.CreateScan(scan))

	gateCfg := loadgate.DefaultConfig()
	gateCfg.PollInterval = time.Millisecond
	gateCfg.MaxWait = time.Millisecond

	return &stage.Env{
		Store:      store,
		Scan:       scan,
		Target:     target,
		Config:     cfg,
		Gate:       loadgate.NewWithSampler(gateCfg, idleSampler{}),
		ResultsDir: t.TempDir(),
	}
}

func enabled(tools map[string]engine.ToolOptions) engine.StageConfig {
	return engine.StageConfig{Enabled: true, Tools: tools}
}

func TestRunSequentialGroupInOrder(t *testing.T) {
	cfg := &engine.Config{Stages: map[string]engine.StageConfig{
		engine.StageSubdomainDiscovery: enabled(map[string]engine.ToolOptions{
			"collector": {Template: `printf 'api.example.com\n'`},
		}),
		engine.StagePortScan: enabled(map[string]engine.ToolOptions{
			"scanner": {Template: `printf '{"host":"api.example.com","ip":"1.2.3.4","port":443}\n'`},
		}),
	}}
	env := testEnv(t, cfg)
	obs := &recordingObserver{}

	err := New(env, obs).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{engine.StageSubdomainDiscovery, engine.StagePortScan}, obs.started)
	assert.Equal(t, []string{engine.StageSubdomainDiscovery, engine.StagePortScan}, obs.completed)
	assert.Empty(t, obs.failed)
}

func TestRunStageFailureDoesNotStopGroup(t *testing.T) {
	cfg := &engine.Config{Stages: map[string]engine.StageConfig{
		engine.StageSubdomainDiscovery: enabled(map[string]engine.ToolOptions{
			"broken": {Template: `exit 1`},
		}),
		engine.StagePortScan: enabled(map[string]engine.ToolOptions{
			"scanner": {Template: `printf '{"host":"example.com","ip":"1.2.3.4","port":80}\n'`},
		}),
	}}
	env := testEnv(t, cfg)
	obs := &recordingObserver{}

	err := New(env, obs).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{engine.StageSubdomainDiscovery}, obs.failed)
	assert.Equal(t, []string{engine.StagePortScan}, obs.completed)
}

func TestRunParallelGroupRunsAllStages(t *testing.T) {
	cfg := &engine.Config{Stages: map[string]engine.StageConfig{
		engine.StageSiteScan: enabled(map[string]engine.ToolOptions{
			"prober": {Template: `printf '{"url":"https://example.com","status_code":200}\n'`},
		}),
		engine.StageFingerprintDetect: enabled(map[string]engine.ToolOptions{
			"fp": {Template: `printf '{"url":"https://example.com","cms":"nginx"}\n'`},
		}),
		engine.StageScreenshot: enabled(map[string]engine.ToolOptions{
			"shot": {Template: `true`},
		}),
	}}
	env := testEnv(t, cfg)
	// Feed the site scan an input so the parallel group has sites to read
	_, err := env.Store.PutSubdomains([]*types.Subdomain{{TargetID: "t1", Name: "www.example.com"}})
	require.NoError(t, err)

	obs := &recordingObserver{}
	require.NoError(t, New(env, obs).Run(context.Background()))

	assert.Len(t, obs.started, 3)
	assert.Contains(t, obs.completed, engine.StageSiteScan)
}

func TestRunSkippedStageReported(t *testing.T) {
	cfg := &engine.Config{Stages: map[string]engine.StageConfig{
		engine.StageSubdomainDiscovery: enabled(map[string]engine.ToolOptions{
			"collector": {Template: `printf 'unused\n'`},
		}),
	}}
	env := testEnv(t, cfg)
	// Subdomain discovery is a no-op for IP targets
	env.Target.Name = "10.0.0.1"
	env.Target.Type = types.TargetTypeIP
	obs := &recordingObserver{}

	require.NoError(t, New(env, obs).Run(context.Background()))
	assert.Equal(t, []string{engine.StageSubdomainDiscovery}, obs.skipped)
	assert.Empty(t, obs.completed)
}

func TestRunNoStagesEnabled(t *testing.T) {
	env := testEnv(t, &engine.Config{Stages: map[string]engine.StageConfig{}})
	err := New(env, nil).Run(context.Background())
	assert.ErrorContains(t, err, "no stages enabled")
}

func TestRunCancelledBeforeStart(t *testing.T) {
	cfg := &engine.Config{Stages: map[string]engine.StageConfig{
		engine.StageSubdomainDiscovery: enabled(map[string]engine.ToolOptions{
			"collector": {Template: `printf 'a.example.com\n'`},
		}),
	}}
	env := testEnv(t, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	obs := &recordingObserver{}
	err := New(env, obs).Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, obs.started)
}
