package performance

import (
	"testing"
	"time"

	"github.com/facebookgo/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/iosched/pkg/errors"
	"github.com/objectfs/iosched/pkg/types"
)

func req(file string, offset, length int64) types.Request {
	return types.Request{FileID: file, Kind: types.Read, Offset: offset, Length: length}
}

func TestDispatchCountsWithoutReleaseTracking(t *testing.T) {
	clk := clock.NewMock()
	tr := New(clk, false)

	tr.Dispatched(types.SJF, []types.Request{req("a", 0, 1000), req("a", 1000, 1000)})
	clk.Add(2 * time.Second)

	m := tr.Interval(types.SJF)
	assert.Equal(t, types.SJF, m.Policy)
	assert.Equal(t, int64(2000), m.Bytes)
	assert.Equal(t, int64(2), m.Requests)
	assert.Equal(t, 2*time.Second, m.Elapsed)
	assert.InDelta(t, 1000.0, m.Bandwidth, 1e-9)
	assert.Zero(t, m.MeanLatency)

	d, err := tr.Release("a", types.Read, 1000, 0)
	assert.NoError(t, err)
	assert.Zero(t, d)
}

func TestReleaseTracking(t *testing.T) {
	clk := clock.NewMock()
	tr := New(clk, true)

	r := req("a", 0, 4096)
	r.Dispatched = clk.Now()
	tr.Dispatched(types.TO, []types.Request{r, r})
	assert.Equal(t, 2, tr.InFlight())

	clk.Add(10 * time.Millisecond)
	d, err := tr.Release("a", types.Read, 4096, 0)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Millisecond, d)

	clk.Add(10 * time.Millisecond)
	d, err = tr.Release("a", types.Read, 4096, 0)
	require.NoError(t, err)
	assert.Equal(t, 20*time.Millisecond, d)
	assert.Zero(t, tr.InFlight())

	_, err = tr.Release("a", types.Read, 4096, 0)
	assert.True(t, errors.HasCode(err, errors.ErrCodeRequestNotFound))

	clk.Add(980 * time.Millisecond)
	m := tr.Interval(types.TO)
	assert.Equal(t, int64(8192), m.Bytes)
	assert.InDelta(t, 8192.0, m.Bandwidth, 1e-9)
	assert.Equal(t, 15*time.Millisecond, m.MeanLatency)
}

func TestIntervalResets(t *testing.T) {
	clk := clock.NewMock()
	tr := New(clk, false)
	tr.Dispatched(types.NOOP, []types.Request{req("a", 0, 10)})
	clk.Add(time.Second)
	_ = tr.Interval(types.NOOP)

	m := tr.Interval(types.NOOP)
	assert.Zero(t, m.Bytes)
	assert.Zero(t, m.Elapsed)
	assert.Zero(t, m.Bandwidth)
}

func TestUndispatchedDoesNotCount(t *testing.T) {
	tr := New(clock.NewMock(), true)
	tr.Dispatched(types.NOOP, []types.Request{req("a", 0, 10)})
	_, err := tr.Release("a", types.Write, 10, 0)
	assert.Error(t, err)
	assert.Equal(t, 1, tr.InFlight())
}

func TestUnreleasedRequestsExpire(t *testing.T) {
	clk := clock.NewMock()
	tr := New(clk, true)

	tr.Dispatched(types.NOOP, []types.Request{req("a", 0, 10), req("a", 0, 10)})
	_ = tr.Interval(types.NOOP)
	tr.Dispatched(types.NOOP, []types.Request{req("a", 0, 10), req("b", 0, 10)})
	require.Equal(t, 4, tr.InFlight())

	for i := 1; i < ExpireAfter; i++ {
		assert.Zero(t, tr.Interval(types.NOOP).Expired, "interval %d", i)
	}
	m := tr.Interval(types.NOOP)
	assert.Equal(t, 2, m.Expired)
	assert.Equal(t, 2, tr.InFlight())

	_, err := tr.Release("a", types.Read, 10, 0)
	require.NoError(t, err, "request from the later interval survives")
	_, err = tr.Release("a", types.Read, 10, 0)
	assert.True(t, errors.HasCode(err, errors.ErrCodeRequestNotFound))

	assert.Equal(t, 1, tr.Interval(types.NOOP).Expired)
	assert.Zero(t, tr.InFlight())
}

func TestExpiryIgnoresDispatchCounting(t *testing.T) {
	tr := New(clock.NewMock(), false)
	tr.Dispatched(types.TO, []types.Request{req("a", 0, 10)})
	for i := 0; i <= ExpireAfter; i++ {
		assert.Zero(t, tr.Interval(types.TO).Expired)
	}
}
