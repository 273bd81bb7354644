// Package dispatch places scans on workers. Workers self-register and
// post periodic load heartbeats into a TTL cache; dispatch picks the
// least-loaded online worker with a fresh heartbeat and hands the scan to
// an Invoker, which starts the actual scan process.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/perchsec/osprey/pkg/events"
	"github.com/perchsec/osprey/pkg/log"
	"github.com/perchsec/osprey/pkg/metrics"
	"github.com/perchsec/osprey/pkg/storage"
	"github.com/perchsec/osprey/pkg/types"
)

// HeartbeatTTL is how long a heartbeat keeps a worker eligible for
// placement
const HeartbeatTTL = 60 * time.Second

// Invoker starts and stops scan executions on a chosen worker
type Invoker interface {
	Invoke(ctx context.Context, worker *types.Worker, scan *types.Scan) (containerID string, err error)
	Cancel(worker *types.Worker, containerID string) error
}

// Dispatcher is the placement engine
type Dispatcher struct {
	store   storage.Store
	broker  *events.Broker
	invoker Invoker
	ttl     time.Duration

	mu         sync.RWMutex
	heartbeats map[string]*types.Heartbeat
}

// New builds a dispatcher with the default heartbeat TTL
func New(store storage.Store, broker *events.Broker, invoker Invoker) *Dispatcher {
	return &Dispatcher{
		store:      store,
		broker:     broker,
		invoker:    invoker,
		ttl:        HeartbeatTTL,
		heartbeats: make(map[string]*types.Heartbeat),
	}
}

// RegisterWorker creates a worker row, or returns the existing row when
// the name is already taken. New workers start pending until their first
// heartbeat.
func (d *Dispatcher) RegisterWorker(name, address string, local bool) (*types.Worker, error) {
	if existing, err := d.store.GetWorkerByName(name); err == nil {
		return existing, nil
	} else if err != storage.ErrNotFound {
		return nil, err
	}

	worker := &types.Worker{
		ID:        uuid.New().String(),
		Name:      name,
		Address:   address,
		Local:     local,
		Status:    types.WorkerStatusPending,
		CreatedAt: time.Now(),
	}
	if err := d.store.CreateWorker(worker); err != nil {
		return nil, err
	}
	metrics.WorkersTotal.WithLabelValues(string(types.WorkerStatusPending)).Inc()
	logger := log.WithWorkerID(worker.ID)
	logger.Info().Str("name", name).Msg("Worker registered")
	return worker, nil
}

// Heartbeat records a worker's load report. The first heartbeat of a
// worker that is not yet online flips it online.
func (d *Dispatcher) Heartbeat(workerID string, cpuPercent, memoryPercent float64) error {
	worker, err := d.store.GetWorker(workerID)
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.heartbeats[workerID] = &types.Heartbeat{
		WorkerID:      workerID,
		CPUPercent:    cpuPercent,
		MemoryPercent: memoryPercent,
		ReceivedAt:    time.Now(),
	}
	d.mu.Unlock()
	metrics.HeartbeatsReceived.Inc()

	if worker.Status != types.WorkerStatusOnline {
		previous := worker.Status
		worker.Status = types.WorkerStatusOnline
		if err := d.store.UpdateWorker(worker); err != nil {
			return err
		}
		metrics.WorkersTotal.WithLabelValues(string(previous)).Dec()
		metrics.WorkersTotal.WithLabelValues(string(types.WorkerStatusOnline)).Inc()
		d.publishWorker(events.EventWorkerOnline, worker)
	}
	return nil
}

// freshHeartbeat returns the worker's heartbeat if it is within the TTL
func (d *Dispatcher) freshHeartbeat(workerID string) *types.Heartbeat {
	d.mu.RLock()
	defer d.mu.RUnlock()
	hb := d.heartbeats[workerID]
	if hb == nil || time.Since(hb.ReceivedAt) > d.ttl {
		return nil
	}
	return hb
}

// SelectWorker picks the online worker with the lowest load among those
// with a fresh heartbeat
func (d *Dispatcher) SelectWorker() (*types.Worker, error) {
	workers, err := d.store.ListWorkers()
	if err != nil {
		return nil, err
	}

	var best *types.Worker
	bestLoad := 0.0
	for _, worker := range workers {
		if worker.Status != types.WorkerStatusOnline {
			continue
		}
		hb := d.freshHeartbeat(worker.ID)
		if hb == nil {
			continue
		}
		if best == nil || hb.Load() < bestLoad {
			best = worker
			bestLoad = hb.Load()
		}
	}
	if best == nil {
		return nil, fmt.Errorf("no online workers with a fresh heartbeat")
	}
	return best, nil
}

// Dispatch places the scan on the least-loaded worker and starts it
func (d *Dispatcher) Dispatch(ctx context.Context, scan *types.Scan) (string, string, error) {
	worker, err := d.SelectWorker()
	if err != nil {
		return "", "", err
	}

	containerID, err := d.invoker.Invoke(ctx, worker, scan)
	if err != nil {
		return "", "", fmt.Errorf("invoke on worker %s: %w", worker.Name, err)
	}
	logger := log.WithScanID(scan.ID)
	logger.Info().
		Str("worker", worker.Name).
		Str("container_id", containerID).
		Msg("Scan dispatched")
	return containerID, worker.ID, nil
}

// Cancel tears down the scan's running containers on its worker
func (d *Dispatcher) Cancel(scan *types.Scan) error {
	if scan.WorkerID == "" {
		return nil
	}
	worker, err := d.store.GetWorker(scan.WorkerID)
	if err != nil {
		return err
	}
	for _, containerID := range scan.ContainerIDs {
		if err := d.invoker.Cancel(worker, containerID); err != nil {
			return err
		}
	}
	return nil
}

// SweepOffline marks online workers whose heartbeat has expired as
// offline. Run periodically by the manager daemon.
func (d *Dispatcher) SweepOffline() error {
	workers, err := d.store.ListWorkers()
	if err != nil {
		return err
	}
	for _, worker := range workers {
		if worker.Status != types.WorkerStatusOnline || d.freshHeartbeat(worker.ID) != nil {
			continue
		}
		worker.Status = types.WorkerStatusOffline
		if err := d.store.UpdateWorker(worker); err != nil {
			return err
		}
		metrics.WorkersTotal.WithLabelValues(string(types.WorkerStatusOnline)).Dec()
		metrics.WorkersTotal.WithLabelValues(string(types.WorkerStatusOffline)).Inc()
		d.publishWorker(events.EventWorkerOffline, worker)
		logger := log.WithWorkerID(worker.ID)
		logger.Warn().Msg("Worker heartbeat expired, marked offline")
	}
	return nil
}

func (d *Dispatcher) publishWorker(eventType events.EventType, worker *types.Worker) {
	if d.broker == nil {
		return
	}
	d.broker.Publish(&events.Event{
		ID:      uuid.New().String(),
		Type:    eventType,
		Message: fmt.Sprintf("Worker %s %s", worker.Name, worker.Status),
		Metadata: map[string]string{
			"worker_id": worker.ID,
			"status":    string(worker.Status),
		},
	})
}
