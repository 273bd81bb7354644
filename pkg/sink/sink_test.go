package sink

import (
	"errors"
	"testing"
	"time"

	"github.com/perchsec/osprey/pkg/metrics"
	"github.com/perchsec/osprey/pkg/storage"
	"github.com/perchsec/osprey/pkg/types"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFlusher struct {
	batches [][]Record
	errs    []error
	calls   int
}

func (f *fakeFlusher) Flush(records []Record) error {
	i := f.calls
	f.calls++
	f.batches = append(f.batches, records)
	if i < len(f.errs) {
		return f.errs[i]
	}
	return nil
}

func newWriterForTest(f Flusher, batchSize int) *BatchedWriter {
	w := NewBatchedWriter(f, batchSize)
	w.retryInterval = time.Millisecond
	return w
}

func sub(name string) *types.SubdomainSnapshot {
	return &types.SubdomainSnapshot{ScanID: "s1", Name: name}
}

func TestWriterFlushesFullBatches(t *testing.T) {
	f := &fakeFlusher{}
	w := newWriterForTest(f, 2)

	require.NoError(t, w.Add(sub("a.example.com")))
	assert.Equal(t, 0, f.calls)
	require.NoError(t, w.Add(sub("b.example.com")))
	assert.Equal(t, 1, f.calls)

	require.NoError(t, w.Add(sub("c.example.com")))
	require.NoError(t, w.Flush())
	assert.Equal(t, 2, f.calls)
	assert.Equal(t, 3, w.Written())
}

func TestWriterFlushEmptyIsNoop(t *testing.T) {
	f := &fakeFlusher{}
	w := newWriterForTest(f, 10)
	require.NoError(t, w.Flush())
	assert.Equal(t, 0, f.calls)
}

func TestWriterDedupesKeepingLastOccurrence(t *testing.T) {
	f := &fakeFlusher{}
	w := newWriterForTest(f, 10)

	first := &types.WebSiteSnapshot{ScanID: "s1", URL: "https://example.com", Title: "old"}
	second := &types.WebSiteSnapshot{ScanID: "s1", URL: "https://example.com", Title: "new"}
	other := &types.WebSiteSnapshot{ScanID: "s1", URL: "https://other.com"}

	require.NoError(t, w.Add(first))
	require.NoError(t, w.Add(other))
	require.NoError(t, w.Add(second))
	require.NoError(t, w.Flush())

	require.Len(t, f.batches, 1)
	require.Len(t, f.batches[0], 2)
	assert.Same(t, other, f.batches[0][0])
	assert.Same(t, second, f.batches[0][1])
}

func TestWriterDiscardsOnIntegrityError(t *testing.T) {
	f := &fakeFlusher{errs: []error{ErrIntegrity}}
	w := newWriterForTest(f, 10)

	before := testutil.ToFloat64(metrics.RecordsDiscarded.WithLabelValues(string(types.AssetSubdomain)))

	require.NoError(t, w.Add(sub("a.example.com")))
	require.NoError(t, w.Flush())

	assert.Equal(t, 1, f.calls) // no retry
	assert.Equal(t, 0, w.Written())
	assert.Equal(t, 1, w.Discarded())
	after := testutil.ToFloat64(metrics.RecordsDiscarded.WithLabelValues(string(types.AssetSubdomain)))
	assert.Equal(t, float64(1), after-before)

	// Later batches still flow
	require.NoError(t, w.Add(sub("b.example.com")))
	require.NoError(t, w.Flush())
	assert.Equal(t, 1, w.Written())
}

func TestWriterRetriesTransientErrors(t *testing.T) {
	f := &fakeFlusher{errs: []error{
		Transient(errors.New("db locked")),
		Transient(errors.New("db locked")),
	}}
	w := newWriterForTest(f, 10)

	require.NoError(t, w.Add(sub("a.example.com")))
	require.NoError(t, w.Flush())
	assert.Equal(t, 3, f.calls)
	assert.Equal(t, 1, w.Written())
}

func TestWriterGivesUpAfterMaxRetries(t *testing.T) {
	boom := Transient(errors.New("db locked"))
	f := &fakeFlusher{errs: []error{boom, boom, boom, boom, boom}}
	w := newWriterForTest(f, 10)

	require.NoError(t, w.Add(sub("a.example.com")))
	err := w.Flush()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransient)
	assert.Equal(t, 1+maxFlushRetries, f.calls)
}

func TestWriterAbortsImmediatelyOnScanGone(t *testing.T) {
	f := &fakeFlusher{errs: []error{ErrScanGone}}
	w := newWriterForTest(f, 10)

	require.NoError(t, w.Add(sub("a.example.com")))
	err := w.Flush()
	assert.ErrorIs(t, err, ErrScanGone)
	assert.Equal(t, 1, f.calls)
}

func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSnapshotSinkWritesBothFamilies(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.CreateScan(&types.Scan{ID: "s1", TargetID: "t1"}))

	s := NewSnapshotSink(store, "s1", "t1")
	err := s.Flush([]Record{
		sub("a.example.com"),
		&types.HostPortSnapshot{ScanID: "s1", Host: "a.example.com", IP: "1.2.3.4", Port: 443},
	})
	require.NoError(t, err)

	n, err := store.CountSnapshots(types.AssetSubdomain, "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = store.CountAssets(types.AssetSubdomain, "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = store.CountAssets(types.AssetHostPort, "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSnapshotSinkChecksScanLiveness(t *testing.T) {
	store := newTestStore(t)

	s := NewSnapshotSink(store, "missing", "t1")
	err := s.Flush([]Record{sub("a.example.com")})
	assert.ErrorIs(t, err, ErrScanGone)
}

func TestSnapshotSinkSoftDeletedScanStopsWrites(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()
	require.NoError(t, store.CreateScan(&types.Scan{ID: "s1", TargetID: "t1", DeletedAt: &now}))

	s := NewSnapshotSink(store, "s1", "t1")
	err := s.Flush([]Record{sub("a.example.com")})
	assert.ErrorIs(t, err, ErrScanGone)
}

func TestSnapshotSinkFillOnlyWebsites(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.CreateScan(&types.Scan{ID: "s1", TargetID: "t1"}))

	// Existing inventory row from the site scan
	probe := NewSnapshotSink(store, "s1", "t1")
	require.NoError(t, probe.Flush([]Record{
		&types.WebSiteSnapshot{ScanID: "s1", URL: "https://example.com", Title: "Probed", StatusCode: 200},
	}))

	// Fingerprint pass must not clobber the probed title
	fp := NewSnapshotSink(store, "s1", "t1")
	fp.FillOnly = true
	require.NoError(t, fp.Flush([]Record{
		&types.WebSiteSnapshot{ScanID: "s1", URL: "https://example.com", Title: "FP", Tech: []string{"WordPress"}},
	}))

	site, err := store.GetWebSite("t1", "https://example.com")
	require.NoError(t, err)
	assert.Equal(t, "Probed", site.Title)
	assert.Equal(t, []string{"WordPress"}, site.Tech)
}

func TestSnapshotSinkRejectsUnknownRecordType(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.CreateScan(&types.Scan{ID: "s1", TargetID: "t1"}))

	s := NewSnapshotSink(store, "s1", "t1")
	err := s.Flush([]Record{badRecord{}})
	assert.ErrorIs(t, err, ErrIntegrity)
}

type badRecord struct{}

func (badRecord) Key() string { return "x" }
