package dtw

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomSeries(r *rand.Rand, n int) []int32 {
	s := make([]int32, n)
	for i := range s {
		s[i] = int32(r.Intn(64) - 32)
	}
	return s
}

func TestIdentityIsZero(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	for n := 0; n < 200; n += 7 {
		s := randomSeries(r, n)
		for _, radius := range []int{0, 1, 3} {
			assert.Zero(t, Distance(s, s, radius), "n=%d radius=%d", n, radius)
		}
		assert.Zero(t, Exact(s, s))
	}
}

func TestSymmetry(t *testing.T) {
	r := rand.New(rand.NewSource(2))
	for i := 0; i < 200; i++ {
		a := randomSeries(r, 1+r.Intn(120))
		b := randomSeries(r, 1+r.Intn(120))
		radius := r.Intn(4)
		assert.Equal(t, Distance(a, b, radius), Distance(b, a, radius))
		assert.Equal(t, Exact(a, b), Exact(b, a))
	}
}

func TestNonIdenticalIsPositive(t *testing.T) {
	// warping aligns these at zero cost, yet they differ
	a := []int32{1, 1, 2}
	b := []int32{1, 2}
	assert.Equal(t, uint64(1), Exact(a, b))
	assert.Equal(t, uint64(1), Distance(a, b, 1))
}

func TestEmptySeries(t *testing.T) {
	assert.Zero(t, Distance(nil, []int32{}, 1))
	assert.Equal(t, uint64(Sentinel), Distance(nil, []int32{1}, 1))
	assert.Equal(t, uint64(Sentinel), Distance([]int32{1}, nil, 1))
	assert.Equal(t, uint64(Sentinel), Exact([]int32{}, []int32{4}))
}

func TestKnownDistances(t *testing.T) {
	tests := []struct {
		name string
		a, b []int32
		want uint64
	}{
		{"single element against many", []int32{3}, []int32{1, 2, 3}, 3},
		{"spike", []int32{0, 0, 0}, []int32{0, 5, 0}, 5},
		{"warps to zero but differs", []int32{0, 0, 1, 1}, []int32{0, 1, 1, 1}, 1},
		{"constant offset", []int32{2, 2, 2, 2}, []int32{3, 3, 3, 3}, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Exact(tt.a, tt.b))
		})
	}
}

func TestFastMatchesExactOnSmallInputs(t *testing.T) {
	r := rand.New(rand.NewSource(3))
	for i := 0; i < 100; i++ {
		a := randomSeries(r, 1+r.Intn(4))
		b := randomSeries(r, 1+r.Intn(10))
		assert.Equal(t, Exact(a, b), Distance(a, b, 2))
	}
}

func TestFastNeverBelowExact(t *testing.T) {
	r := rand.New(rand.NewSource(4))
	for i := 0; i < 100; i++ {
		a := randomSeries(r, 20+r.Intn(100))
		b := randomSeries(r, 20+r.Intn(100))
		assert.GreaterOrEqual(t, Distance(a, b, 1), Exact(a, b))
	}
}

func TestFastDTWPathIsMonotone(t *testing.T) {
	r := rand.New(rand.NewSource(5))
	x := toFloat(randomSeries(r, 97))
	y := toFloat(randomSeries(r, 64))
	res := FastDTW(x, y, 2)

	require.NotEmpty(t, res.Path)
	assert.Equal(t, Point{0, 0}, res.Path[0])
	assert.Equal(t, Point{96, 63}, res.Path[len(res.Path)-1])
	sum := 0.0
	for k, p := range res.Path {
		sum += abs(x[p.I] - y[p.J])
		if k == 0 {
			continue
		}
		prev := res.Path[k-1]
		di, dj := p.I-prev.I, p.J-prev.J
		assert.True(t, (di == 1 || di == 0) && (dj == 1 || dj == 0) && di+dj > 0, "step %v -> %v", prev, p)
	}
	assert.InDelta(t, res.Cost, sum, 1e-6)
}

func TestReduceByHalf(t *testing.T) {
	assert.Equal(t, []float64{1.5, 3.5, 5}, reduceByHalf([]float64{1, 2, 3, 4, 5}))
	assert.Equal(t, []float64{1}, reduceByHalf([]float64{1}))
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
