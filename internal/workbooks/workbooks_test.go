package workbooks

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/vinodismyname/xcelpivot/internal/crosstab"
)

// fakeGate implements WorkbookGate for tests with counters.
type fakeGate struct {
	acquireErr error
	acquires   atomic.Int64
	releases   atomic.Int64
}

func (g *fakeGate) AcquireWorkbook(ctx context.Context) error {
	g.acquires.Add(1)
	return g.acquireErr
}
func (g *fakeGate) ReleaseWorkbook() { g.releases.Add(1) }

func TestAdoptGetClose(t *testing.T) {
	gate := &fakeGate{}
	// Use a long TTL to avoid eviction in this test; disable background loop by not calling Start.
	m := NewManager(2*time.Second, time.Second, gate, time.Now)

	f := excelize.NewFile()
	id, err := m.Adopt(context.Background(), f)
	require.NoError(t, err)
	require.NotEmpty(t, id)
	require.Equal(t, int64(1), gate.acquires.Load())
	require.Equal(t, 1, m.Count())

	h, ok := m.Get(id)
	require.True(t, ok)
	require.Equal(t, id, h.ID)

	// Close and ensure it is removed and capacity released.
	require.NoError(t, m.CloseHandle(context.Background(), id))
	require.Equal(t, 0, m.Count())
	require.Equal(t, int64(1), gate.releases.Load())
}

func TestTTLExpiryAndEviction(t *testing.T) {
	// Custom clock we can advance.
	var now atomic.Int64
	now.Store(time.Now().UnixNano())
	clock := func() time.Time { return time.Unix(0, now.Load()) }

	gate := &fakeGate{}
	m := NewManager(50*time.Millisecond, 5*time.Millisecond, gate, clock)

	_, err := m.Adopt(context.Background(), excelize.NewFile())
	require.NoError(t, err)
	require.Equal(t, 1, m.Count())

	// Advance time beyond TTL and evict.
	now.Store(time.Now().Add(200 * time.Millisecond).UnixNano())
	m.EvictExpired()

	require.Equal(t, 0, m.Count())
	require.Equal(t, int64(1), gate.releases.Load())
}

func TestReadWriteLocking(t *testing.T) {
	m := NewManager(time.Second, time.Second, nil, time.Now)
	id, err := m.Adopt(context.Background(), excelize.NewFile())
	require.NoError(t, err)

	var r1Acq, r2Acq, wAcq sync.WaitGroup
	r1Acq.Add(1)
	r2Acq.Add(1)
	wAcq.Add(1)

	releaseR1 := make(chan struct{})
	releaseR2 := make(chan struct{})
	writeDone := make(chan struct{})

	// Reader 1
	go func() {
		err := m.WithRead(id, func(*excelize.File, int64) error {
			r1Acq.Done()
			<-releaseR1
			return nil
		})
		require.NoError(t, err)
	}()

	// Reader 2
	go func() {
		err := m.WithRead(id, func(*excelize.File, int64) error {
			r2Acq.Done()
			<-releaseR2
			return nil
		})
		require.NoError(t, err)
	}()

	// Writer (should block until both readers release)
	go func() {
		// Wait until both readers have acquired before attempting write
		r1Acq.Wait()
		r2Acq.Wait()
		err := m.WithWrite(id, func(*excelize.File) error {
			wAcq.Done()
			return nil
		})
		require.NoError(t, err)
		close(writeDone)
	}()

	// Ensure writer hasn't acquired yet
	ch := make(chan struct{})
	go func() { wAcq.Wait(); close(ch) }()
	select {
	case <-ch:
		t.Fatal("writer should not acquire while readers hold RLock")
	case <-time.After(30 * time.Millisecond):
		// expected timeout
	}

	// Release readers; writer should proceed
	close(releaseR1)
	close(releaseR2)
	<-writeDone
}

func TestOpen_UnsupportedFormatReleasesGate(t *testing.T) {
	gate := &fakeGate{}
	m := NewManager(time.Second, time.Second, gate, time.Now)

	_, err := m.Open(context.Background(), "not_excel.txt")
	require.Error(t, err)
	require.Equal(t, int64(1), gate.acquires.Load())
	// Release should be called on early error
	require.Equal(t, int64(1), gate.releases.Load())
}

func TestOpen_GateBusy(t *testing.T) {
	gate := &fakeGate{acquireErr: context.DeadlineExceeded}
	m := NewManager(time.Second, time.Second, gate, time.Now)

	_, err := m.Open(context.Background(), "sheet.xlsx")
	require.Error(t, err)
	require.Equal(t, int64(1), gate.acquires.Load())
	require.Equal(t, int64(0), gate.releases.Load())
}

type denyValidator struct{}

func (denyValidator) ValidateOpenPath(string) (string, error) { return "", fmt.Errorf("denied") }

func TestOpen_PathValidatorDenied_ReleasesGate(t *testing.T) {
	gate := &fakeGate{}
	m := NewManager(time.Second, time.Second, gate, time.Now)
	// Inject a validator that denies access
	m.validator = denyValidator{}

	_, err := m.Open(context.Background(), "ok.xlsx")
	require.Error(t, err)
	require.Equal(t, int64(1), gate.acquires.Load())
	require.Equal(t, int64(1), gate.releases.Load())
}

func TestWorkbookVersionIncrementsOnWrite(t *testing.T) {
	m := NewManager(time.Second, time.Second, nil, time.Now)
	id, err := m.Adopt(context.Background(), excelize.NewFile())
	require.NoError(t, err)

	var v0, v1 int64 = -1, -1
	require.NoError(t, m.WithRead(id, func(_ *excelize.File, ver int64) error { v0 = ver; return nil }))
	require.NoError(t, m.WithWrite(id, func(f *excelize.File) error { return nil }))
	require.NoError(t, m.WithRead(id, func(_ *excelize.File, ver int64) error { v1 = ver; return nil }))
	require.Equal(t, int64(0), v0)
	require.Equal(t, int64(1), v1)

	// A failed write leaves the version alone.
	require.Error(t, m.WithWrite(id, func(*excelize.File) error { return fmt.Errorf("boom") }))
	require.NoError(t, m.WithRead(id, func(_ *excelize.File, ver int64) error { v1 = ver; return nil }))
	require.Equal(t, int64(1), v1)
}

func saveWorkbook(t *testing.T) string {
	t.Helper()
	f := excelize.NewFile()
	require.NoError(t, f.SetSheetRow("Sheet1", "A1", &[]any{"Region", "Sales"}))
	path := filepath.Join(t.TempDir(), "book.xlsx")
	require.NoError(t, f.SaveAs(path))
	require.NoError(t, f.Close())
	return path
}

func TestGetOrOpenByPathReusesHandle(t *testing.T) {
	gate := &fakeGate{}
	m := NewManager(time.Minute, time.Minute, gate, time.Now)
	path := saveWorkbook(t)

	id1, canonical, err := m.GetOrOpenByPath(context.Background(), path)
	require.NoError(t, err)
	require.Equal(t, path, canonical)
	id2, _, err := m.GetOrOpenByPath(context.Background(), path)
	require.NoError(t, err)
	require.Equal(t, id1, id2)
	require.Equal(t, 1, m.Count())
	require.Equal(t, int64(1), gate.acquires.Load())

	require.NoError(t, m.CloseHandle(context.Background(), id1))
	id3, _, err := m.GetOrOpenByPath(context.Background(), path)
	require.NoError(t, err)
	require.NotEqual(t, id1, id3)

	_, _, err = m.GetOrOpenByPath(context.Background(), "notes.txt")
	require.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestConcurrentOpenKeepsOneHandle(t *testing.T) {
	m := NewManager(time.Minute, time.Minute, nil, time.Now)
	path := saveWorkbook(t)

	ids := make([]string, 8)
	var wg sync.WaitGroup
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i], _, _ = m.GetOrOpenByPath(context.Background(), path)
		}(i)
	}
	wg.Wait()
	for _, id := range ids {
		require.Equal(t, ids[0], id)
	}
	require.Equal(t, 1, m.Count())
}

type closeCounter struct{ n atomic.Int64 }

func (c *closeCounter) Close() error { c.n.Add(1); return nil }

func TestPivotCacheDroppedOnWrite(t *testing.T) {
	m := NewManager(time.Minute, time.Minute, nil, time.Now)
	id, err := m.Adopt(context.Background(), excelize.NewFile())
	require.NoError(t, err)
	h, ok := m.Get(id)
	require.True(t, ok)

	src := &crosstab.SliceSource{Header: []string{"Region", "Sales"}, Rows: [][]any{{"East", 1}}}
	closer := &closeCounter{}
	opens := 0
	open := func(*excelize.File) (*crosstab.Crosstab, io.Closer, error) {
		opens++
		x, err := crosstab.New(src, crosstab.Options{
			Rows:       []crosstab.Dimension{{Column: 0}},
			Aggregates: []crosstab.Aggregate{{Column: 1, Kind: "sum"}},
		})
		return x, closer, err
	}

	var x1, x2 *crosstab.Crosstab
	require.NoError(t, m.WithRead(id, func(*excelize.File, int64) error {
		x1, err = h.Crosstab("p", time.Now(), open)
		return err
	}))
	require.NoError(t, m.WithRead(id, func(*excelize.File, int64) error {
		x2, err = h.Crosstab("p", time.Now(), open)
		return err
	}))
	require.Same(t, x1, x2)
	require.Equal(t, 1, opens)

	require.NoError(t, m.WithWrite(id, func(*excelize.File) error { return nil }))
	require.Equal(t, 0, h.CachedPivots())
	require.Equal(t, int64(1), closer.n.Load())
}

func TestPivotCacheIsBounded(t *testing.T) {
	m := NewManager(time.Minute, time.Minute, nil, time.Now)
	id, err := m.Adopt(context.Background(), excelize.NewFile())
	require.NoError(t, err)
	h, _ := m.Get(id)

	closer := &closeCounter{}
	src := &crosstab.SliceSource{Header: []string{"A", "B"}}
	open := func(*excelize.File) (*crosstab.Crosstab, io.Closer, error) {
		x, err := crosstab.New(src, crosstab.Options{Aggregates: []crosstab.Aggregate{{Column: 1, Kind: "count"}}})
		return x, closer, err
	}
	base := time.Now()
	for i := 0; i < maxCachedPivots+2; i++ {
		_, err := h.Crosstab(fmt.Sprintf("p%d", i), base.Add(time.Duration(i)*time.Second), open)
		require.NoError(t, err)
	}
	require.Equal(t, maxCachedPivots, h.CachedPivots())
	// Evicted pivots close only once exclusive access is taken.
	require.Equal(t, int64(0), closer.n.Load())
	require.NoError(t, m.CloseHandle(context.Background(), id))
	require.Equal(t, int64(maxCachedPivots+2), closer.n.Load())
}
