package repair

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/downstairs/pkg/region"
	regerrors "github.com/marmos91/downstairs/pkg/region/errors"
)

const (
	testBlockSize  = 512
	testExtentSize = 8
	testExtents    = 4
)

func newRegion(t *testing.T, name string) *region.Region {
	t.Helper()
	dir := filepath.Join(t.TempDir(), name)
	r, err := region.Create(context.Background(), dir, region.NewDefinition(testBlockSize, testExtentSize, testExtents), region.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func pattern(seed byte, blocks int) []byte {
	b := make([]byte, blocks*testBlockSize)
	for i := range b {
		b[i] = seed + byte(i/testBlockSize)
	}
	return b
}

// newPeers returns a healthy region at flush 5 and a stale one at flush 3,
// both at generation 1.
func newPeers(t *testing.T) (healthy, stale *region.Region) {
	t.Helper()
	ctx := context.Background()

	healthy = newRegion(t, "healthy")
	require.NoError(t, healthy.Write(ctx, 0, pattern(10, testExtentSize*testExtents), false))
	require.NoError(t, healthy.Flush(ctx, 5, 1, nil))

	stale = newRegion(t, "stale")
	require.NoError(t, stale.Write(ctx, 0, pattern(200, testExtentSize*testExtents), false))
	require.NoError(t, stale.Flush(ctx, 3, 1, nil))
	return healthy, stale
}

func readExtent(t *testing.T, r *region.Region, i int) []byte {
	t.Helper()
	data, err := r.Read(context.Background(), region.BlockRange{Start: uint64(i) * testExtentSize, Count: testExtentSize})
	require.NoError(t, err)
	return data
}

type recordingObserver struct {
	mu       sync.Mutex
	outcomes []string
	attempts []int
	bytes    int64
}

func (o *recordingObserver) ObserveRepair(outcome string, attempts int, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes = append(o.outcomes, outcome)
	o.attempts = append(o.attempts, attempts)
}

func (o *recordingObserver) ObserveRepairBytes(n int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.bytes += n
}

// flakySource fails the first failures streams, optionally corrupting the
// reported checksum instead of returning an error.
type flakySource struct {
	Source
	mu       sync.Mutex
	failures int
	corrupt  bool
	calls    int
}

func (s *flakySource) StreamExtent(ctx context.Context, i int, w io.Writer) (region.ExtentInfo, []byte, error) {
	s.mu.Lock()
	s.calls++
	fail := s.calls <= s.failures
	s.mu.Unlock()

	if !fail {
		return s.Source.StreamExtent(ctx, i, w)
	}
	if s.corrupt {
		info, sum, err := s.Source.StreamExtent(ctx, i, w)
		sum[0] ^= 0xff
		return info, sum, err
	}
	// Half an extent, then the peer goes away.
	if _, err := w.Write(make([]byte, testExtentSize*testBlockSize/2)); err != nil {
		return region.ExtentInfo{}, nil, err
	}
	return region.ExtentInfo{}, nil, errors.New("connection reset by peer")
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(region.StateOpen, region.StateClosed))
	assert.True(t, CanTransition(region.StateClosed, region.StateRepairing))
	assert.True(t, CanTransition(region.StateRepairing, region.StateReopening))
	assert.True(t, CanTransition(region.StateReopening, region.StateVerifying))
	assert.True(t, CanTransition(region.StateVerifying, region.StateOpen))
	assert.True(t, CanTransition(region.StateVerifying, region.StateClosed))

	assert.False(t, CanTransition(region.StateOpen, region.StateRepairing))
	assert.False(t, CanTransition(region.StateClosed, region.StateOpen))
	assert.False(t, CanTransition(region.StateRepairing, region.StateOpen))
	assert.False(t, CanTransition(region.StateClosed, region.StateReopening))
}

func TestRepairer_RepairExtent(t *testing.T) {
	ctx := context.Background()
	healthy, stale := newPeers(t)
	obs := &recordingObserver{}

	before, err := stale.ExtentInfo(1)
	require.NoError(t, err)

	rp := NewRepairer(stale, Options{Observer: obs})
	require.NoError(t, rp.RepairExtent(ctx, 1, NewRegionSource(healthy), 2))

	after, err := stale.ExtentInfo(1)
	require.NoError(t, err)
	assert.Greater(t, after.Generation, before.Generation)
	assert.Equal(t, uint64(5), after.FlushNumber)
	assert.False(t, after.Dirty)
	assert.Equal(t, region.StateOpen, after.State)
	assert.Equal(t, regerrors.NoExtent, stale.ActiveRepair())

	assert.Equal(t, readExtent(t, healthy, 1), readExtent(t, stale, 1))
	// Other extents are untouched.
	assert.NotEqual(t, readExtent(t, healthy, 0), readExtent(t, stale, 0))

	assert.Equal(t, []string{OutcomeSuccess}, obs.outcomes)
	assert.Equal(t, []int{1}, obs.attempts)
	assert.Equal(t, int64(testExtentSize*testBlockSize), obs.bytes)
}

func TestRepairer_RetriesAfterSourceFailure(t *testing.T) {
	ctx := context.Background()
	healthy, stale := newPeers(t)
	obs := &recordingObserver{}

	src := &flakySource{Source: NewRegionSource(healthy), failures: 2}
	rp := NewRepairer(stale, Options{Observer: obs})
	require.NoError(t, rp.RepairExtent(ctx, 2, src, 2))

	assert.Equal(t, 3, src.calls)
	assert.Equal(t, []int{3}, obs.attempts)
	assert.Equal(t, readExtent(t, healthy, 2), readExtent(t, stale, 2))
}

func TestRepairer_GivesUpAfterMaxRetries(t *testing.T) {
	ctx := context.Background()
	healthy, stale := newPeers(t)

	src := &flakySource{Source: NewRegionSource(healthy), failures: 10, corrupt: true}
	rp := NewRepairer(stale, Options{MaxRetries: 2})

	err := rp.RepairExtent(ctx, 0, src, 2)
	require.Error(t, err)
	assert.True(t, regerrors.IsRepairFailedError(err), "got %v", err)
	assert.Equal(t, 2, src.calls)

	// The extent stays out of service, ready for another attempt.
	assert.Equal(t, 0, stale.ActiveRepair())
	rec, ok := stale.RepairState()
	require.True(t, ok)
	assert.Equal(t, region.StateClosed, rec.Step)
	assert.Equal(t, 3, rec.Attempt)

	src.failures = 0
	require.NoError(t, rp.Repair(ctx, 0, src))
	require.NoError(t, rp.Reopen(ctx, 0, 2))
	assert.Equal(t, readExtent(t, healthy, 0), readExtent(t, stale, 0))
}

func TestRepairer_GenerationMustAdvance(t *testing.T) {
	ctx := context.Background()
	healthy, stale := newPeers(t)

	rp := NewRepairer(stale, Options{})
	err := rp.RepairExtent(ctx, 1, NewRegionSource(healthy), 1)
	assert.True(t, regerrors.IsRepairFailedError(err), "got %v", err)

	// Rejected before the extent left service.
	assert.Equal(t, regerrors.NoExtent, stale.ActiveRepair())
	in, err := stale.ExtentInfo(1)
	require.NoError(t, err)
	assert.Equal(t, region.StateOpen, in.State)
}

func TestRepairer_SubOperations(t *testing.T) {
	ctx := context.Background()
	healthy, stale := newPeers(t)
	rp := NewRepairer(stale, Options{})
	src := NewRegionSource(healthy)

	assert.True(t, regerrors.IsExtentNotOpenError(rp.Repair(ctx, 3, src)), "repair needs a closed extent")

	require.NoError(t, rp.Close(ctx, 3, src.String()))
	assert.True(t, regerrors.IsRepairInProgressError(rp.Close(ctx, 2, src.String())))

	// Reopen before the data was repaired is out of order.
	assert.True(t, regerrors.IsInvalidRequestError(rp.Reopen(ctx, 3, 2)))

	// A stale generation is refused without leaving Repairing.
	require.NoError(t, rp.Repair(ctx, 3, src))
	assert.True(t, regerrors.IsRepairFailedError(rp.Reopen(ctx, 3, 1)))
	rec, _ := stale.RepairState()
	assert.Equal(t, region.StateRepairing, rec.Step)

	require.NoError(t, rp.Reopen(ctx, 3, 7))
	in, err := stale.ExtentInfo(3)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), in.Generation)
	assert.Equal(t, region.StateOpen, in.State)
}

func TestRepairer_IOContinuesOnOtherExtents(t *testing.T) {
	ctx := context.Background()
	healthy, stale := newPeers(t)
	rp := NewRepairer(stale, Options{})

	require.NoError(t, rp.Close(ctx, 1, "test"))

	// Extent 0 keeps serving while 1 is closed.
	require.NoError(t, stale.Write(ctx, 0, pattern(50, 1), false))
	got, err := stale.Read(ctx, region.BlockRange{Start: 0, Count: 1})
	require.NoError(t, err)
	assert.True(t, bytes.Equal(pattern(50, 1), got))

	// A read of extent 1 waits for the repair.
	done := make(chan []byte, 1)
	go func() {
		data, _ := stale.Read(ctx, region.BlockRange{Start: testExtentSize, Count: 1})
		done <- data
	}()
	select {
	case <-done:
		t.Fatal("read of closed extent did not wait")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, rp.Repair(ctx, 1, NewRegionSource(healthy)))
	require.NoError(t, rp.Reopen(ctx, 1, 2))

	select {
	case data := <-done:
		assert.Equal(t, readExtent(t, healthy, 1)[:testBlockSize], data)
	case <-time.After(5 * time.Second):
		t.Fatal("read did not resume after reopen")
	}
}

func TestRetrying_RepairRetriesSubOperation(t *testing.T) {
	ctx := context.Background()
	healthy, stale := newPeers(t)
	src := &flakySource{Source: NewRegionSource(healthy), failures: 2}

	rp := Retrying{NewRepairer(stale, Options{})}
	require.NoError(t, rp.Close(ctx, 0, src.String()))
	require.NoError(t, rp.Repair(ctx, 0, src))
	require.NoError(t, rp.Reopen(ctx, 0, 2))

	assert.Equal(t, 3, src.calls)
	assert.Equal(t, readExtent(t, healthy, 0), readExtent(t, stale, 0))
}

func TestRetrying_RepairGivesUp(t *testing.T) {
	ctx := context.Background()
	healthy, stale := newPeers(t)
	src := &flakySource{Source: NewRegionSource(healthy), failures: 10, corrupt: true}

	rp := Retrying{NewRepairer(stale, Options{MaxRetries: 2})}
	require.NoError(t, rp.Close(ctx, 0, src.String()))

	err := rp.Repair(ctx, 0, src)
	assert.True(t, regerrors.IsRepairFailedError(err))
	assert.Equal(t, 2, src.calls)

	rec, ok := stale.RepairState()
	require.True(t, ok)
	assert.Equal(t, region.StateClosed, rec.Step)
}
