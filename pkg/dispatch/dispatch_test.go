package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/perchsec/osprey/pkg/storage"
	"github.com/perchsec/osprey/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeInvoker struct {
	mu        sync.Mutex
	invoked   []string // worker names, in order
	cancelled []string
	err       error
}

func (f *fakeInvoker) Invoke(_ context.Context, worker *types.Worker, scan *types.Scan) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.invoked = append(f.invoked, worker.Name)
	return "c-" + scan.ID, nil
}

func (f *fakeInvoker) Cancel(_ *types.Worker, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, containerID)
	return nil
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *fakeInvoker, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	invoker := &fakeInvoker{}
	return New(store, nil, invoker), invoker, store
}

func TestRegisterWorkerIsIdempotentByName(t *testing.T) {
	d, _, _ := newTestDispatcher(t)

	first, err := d.RegisterWorker("node-a", "10.0.0.1", false)
	require.NoError(t, err)
	assert.Equal(t, types.WorkerStatusPending, first.Status)

	second, err := d.RegisterWorker("node-a", "10.0.0.2", false)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "10.0.0.1", second.Address)
}

func TestFirstHeartbeatFlipsWorkerOnline(t *testing.T) {
	d, _, store := newTestDispatcher(t)
	worker, err := d.RegisterWorker("node-a", "", true)
	require.NoError(t, err)

	require.NoError(t, d.Heartbeat(worker.ID, 20, 30))

	got, err := store.GetWorker(worker.ID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkerStatusOnline, got.Status)

	// Subsequent heartbeats leave the status alone
	require.NoError(t, d.Heartbeat(worker.ID, 25, 35))
	got, err = store.GetWorker(worker.ID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkerStatusOnline, got.Status)
}

func TestHeartbeatUnknownWorker(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	assert.ErrorIs(t, d.Heartbeat("missing", 10, 10), storage.ErrNotFound)
}

func TestSelectWorkerPicksLeastLoaded(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	busy, err := d.RegisterWorker("busy", "", true)
	require.NoError(t, err)
	idle, err := d.RegisterWorker("idle", "", true)
	require.NoError(t, err)

	require.NoError(t, d.Heartbeat(busy.ID, 90, 80)) // load 85
	require.NoError(t, d.Heartbeat(idle.ID, 10, 20)) // load 15

	selected, err := d.SelectWorker()
	require.NoError(t, err)
	assert.Equal(t, "idle", selected.Name)
}

func TestSelectWorkerIgnoresStaleHeartbeats(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	d.ttl = 10 * time.Millisecond

	worker, err := d.RegisterWorker("node-a", "", true)
	require.NoError(t, err)
	require.NoError(t, d.Heartbeat(worker.ID, 10, 10))

	time.Sleep(20 * time.Millisecond)
	_, err = d.SelectWorker()
	assert.ErrorContains(t, err, "no online workers")
}

func TestDispatchInvokesOnSelectedWorker(t *testing.T) {
	d, invoker, _ := newTestDispatcher(t)
	worker, err := d.RegisterWorker("node-a", "", true)
	require.NoError(t, err)
	require.NoError(t, d.Heartbeat(worker.ID, 10, 10))

	scan := &types.Scan{ID: "s1"}
	containerID, workerID, err := d.Dispatch(context.Background(), scan)
	require.NoError(t, err)
	assert.Equal(t, "c-s1", containerID)
	assert.Equal(t, worker.ID, workerID)
	assert.Equal(t, []string{"node-a"}, invoker.invoked)
}

func TestDispatchFailsWithoutWorkers(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	_, _, err := d.Dispatch(context.Background(), &types.Scan{ID: "s1"})
	assert.Error(t, err)
}

func TestDispatchPropagatesInvokeError(t *testing.T) {
	d, invoker, _ := newTestDispatcher(t)
	invoker.err = errors.New("spawn failed")
	worker, err := d.RegisterWorker("node-a", "", true)
	require.NoError(t, err)
	require.NoError(t, d.Heartbeat(worker.ID, 10, 10))

	_, _, err = d.Dispatch(context.Background(), &types.Scan{ID: "s1"})
	assert.ErrorContains(t, err, "spawn failed")
}

func TestCancelTearsDownContainers(t *testing.T) {
	d, invoker, _ := newTestDispatcher(t)
	worker, err := d.RegisterWorker("node-a", "", true)
	require.NoError(t, err)

	scan := &types.Scan{ID: "s1", WorkerID: worker.ID, ContainerIDs: []string{"c-1", "c-2"}}
	require.NoError(t, d.Cancel(scan))
	assert.Equal(t, []string{"c-1", "c-2"}, invoker.cancelled)

	// Undispatched scans have nothing to cancel
	require.NoError(t, d.Cancel(&types.Scan{ID: "s2"}))
}

func TestSweepOfflineMarksStaleWorkers(t *testing.T) {
	d, _, store := newTestDispatcher(t)
	d.ttl = 10 * time.Millisecond

	worker, err := d.RegisterWorker("node-a", "", true)
	require.NoError(t, err)
	require.NoError(t, d.Heartbeat(worker.ID, 10, 10))

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, d.SweepOffline())

	got, err := store.GetWorker(worker.ID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkerStatusOffline, got.Status)

	// A fresh heartbeat brings it back online
	require.NoError(t, d.Heartbeat(worker.ID, 10, 10))
	got, err = store.GetWorker(worker.ID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkerStatusOnline, got.Status)
}

func TestLocalInvokerRunsAndCancels(t *testing.T) {
	started := make(chan string, 1)
	release := make(chan struct{})
	var gotCtx context.Context
	var mu sync.Mutex

	invoker := NewLocalInvoker(func(ctx context.Context, scanID string) error {
		mu.Lock()
		gotCtx = ctx
		mu.Unlock()
		started <- scanID
		<-release
		return nil
	})

	taskID, err := invoker.Invoke(context.Background(), nil, &types.Scan{ID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, "s1", <-started)
	assert.True(t, invoker.Running(taskID))

	require.NoError(t, invoker.Cancel(nil, taskID))
	mu.Lock()
	ctx := gotCtx
	mu.Unlock()
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("cancel did not propagate to the task context")
	}

	close(release)
	assert.Eventually(t, func() bool { return !invoker.Running(taskID) },
		time.Second, 10*time.Millisecond)

	// Cancelling a finished task is a no-op
	require.NoError(t, invoker.Cancel(nil, taskID))
}
