// Package sink buffers parsed records and writes them to storage in
// batches. The writer owns the retry policy: integrity failures discard
// the offending batch and scanning continues, transient failures retry
// with exponential backoff, anything else aborts the stage.
package sink

import (
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/perchsec/osprey/pkg/log"
	"github.com/perchsec/osprey/pkg/metrics"
	"github.com/perchsec/osprey/pkg/types"
)

var (
	// ErrIntegrity marks a batch the store rejected as malformed or
	// constraint-violating. The batch is discarded, not retried.
	ErrIntegrity = errors.New("integrity error")

	// ErrTransient marks a retryable storage failure
	ErrTransient = errors.New("transient storage error")

	// ErrScanGone indicates the owning scan was deleted mid-run; the stage
	// aborts without retrying
	ErrScanGone = errors.New("scan no longer exists")
)

const (
	// DefaultBatchSize is used when a stage does not set its own
	DefaultBatchSize = 100

	// MaxBatchSize caps per-stage batch configuration
	MaxBatchSize = 1000

	maxFlushRetries = 3
	retryInterval   = time.Second
)

// Record is anything with a natural key; the writer dedupes batches on it
type Record interface {
	Key() string
}

// Flusher persists one batch of records
type Flusher interface {
	Flush(records []Record) error
}

// BatchedWriter accumulates records and flushes them in fixed-size
// batches. Not safe for concurrent use; each stage goroutine owns one.
type BatchedWriter struct {
	flusher   Flusher
	batchSize int
	buf       []Record

	written   int
	discarded int

	// retry pacing, shortened in tests
	retryInterval time.Duration
}

// NewBatchedWriter creates a writer flushing every batchSize records.
// Sizes outside [1, MaxBatchSize] fall back to the default.
func NewBatchedWriter(flusher Flusher, batchSize int) *BatchedWriter {
	if batchSize < 1 || batchSize > MaxBatchSize {
		batchSize = DefaultBatchSize
	}
	return &BatchedWriter{
		flusher:       flusher,
		batchSize:     batchSize,
		buf:           make([]Record, 0, batchSize),
		retryInterval: retryInterval,
	}
}

// Add buffers one record, flushing if the batch is full
func (w *BatchedWriter) Add(r Record) error {
	w.buf = append(w.buf, r)
	if len(w.buf) >= w.batchSize {
		return w.Flush()
	}
	return nil
}

// Flush writes any buffered records. Called implicitly on full batches
// and explicitly by stages at end of stream.
func (w *BatchedWriter) Flush() error {
	if len(w.buf) == 0 {
		return nil
	}
	batch := dedupeLast(w.buf)
	w.buf = w.buf[:0]

	err := w.flushWithRetry(batch)
	switch {
	case err == nil:
		w.written += len(batch)
		return nil
	case errors.Is(err, ErrIntegrity):
		w.discarded += len(batch)
		for _, r := range batch {
			metrics.RecordsDiscarded.WithLabelValues(string(recordKind(r))).Inc()
		}
		log.Logger.Warn().
			Err(err).
			Int("records", len(batch)).
			Msg("Discarding batch after integrity error")
		return nil
	default:
		return err
	}
}

func (w *BatchedWriter) flushWithRetry(batch []Record) error {
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(w.retryInterval),
		backoff.WithMultiplier(2),
		backoff.WithRandomizationFactor(0),
	), maxFlushRetries)

	attempt := 0
	return backoff.Retry(func() error {
		err := w.flusher.Flush(batch)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrTransient) {
			return backoff.Permanent(err)
		}
		attempt++
		log.Logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Msg("Batch flush failed, retrying")
		return err
	}, policy)
}

// Written returns the number of records successfully flushed
func (w *BatchedWriter) Written() int { return w.written }

// Discarded returns the number of records dropped on integrity errors
func (w *BatchedWriter) Discarded() int { return w.discarded }

// recordKind maps a record to its asset family for metrics labels
func recordKind(r Record) types.AssetKind {
	switch r.(type) {
	case *types.SubdomainSnapshot:
		return types.AssetSubdomain
	case *types.HostPortSnapshot:
		return types.AssetHostPort
	case *types.WebSiteSnapshot:
		return types.AssetWebSite
	case *types.EndpointSnapshot:
		return types.AssetEndpoint
	case *types.DirectorySnapshot:
		return types.AssetDirectory
	case *types.VulnerabilitySnapshot:
		return types.AssetVulnerability
	default:
		return "unknown"
	}
}

// dedupeLast removes duplicate natural keys keeping the last occurrence;
// the most recent observation of a key within a batch wins
func dedupeLast(batch []Record) []Record {
	last := make(map[string]int, len(batch))
	for i, r := range batch {
		last[r.Key()] = i
	}
	if len(last) == len(batch) {
		return batch
	}
	out := make([]Record, 0, len(last))
	for i, r := range batch {
		if last[r.Key()] == i {
			out = append(out, r)
		}
	}
	return out
}

// Transient wraps a retryable failure so the writer retries it
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrTransient, err)
}
