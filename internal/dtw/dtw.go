// Package dtw computes FastDTW alignment distances between offset series.
package dtw

import (
	"math"
)

// Sentinel is the distance reported when exactly one series is empty.
const Sentinel = math.MaxUint64

// Point is one aligned index pair.
type Point struct {
	I, J int
}

// Result is an alignment: a monotone warp path from (0,0) to the last
// element of both series, and its cumulative cost.
type Result struct {
	Cost float64
	Path []Point
}

// Distance returns the FastDTW distance between a and b. It is symmetric,
// deterministic, and zero only for identical series. Two empty series are
// identical; one empty series yields Sentinel.
func Distance(a, b []int32, radius int) uint64 {
	return distance(a, b, func(x, y []float64) Result { return FastDTW(x, y, radius) })
}

// Exact returns the unconstrained DTW distance with the same conventions as
// Distance.
func Exact(a, b []int32) uint64 {
	return distance(a, b, func(x, y []float64) Result { return dtw(x, y, fullWindow(len(x), len(y))) })
}

func distance(a, b []int32, align func(x, y []float64) Result) uint64 {
	switch {
	case len(a) == 0 && len(b) == 0:
		return 0
	case len(a) == 0 || len(b) == 0:
		return Sentinel
	}
	c := compare(a, b)
	if c == 0 {
		return 0
	}
	// Banded search can give different costs for swapped inputs, so always
	// align in one canonical order.
	if c > 0 {
		a, b = b, a
	}
	cost := math.Round(align(toFloat(a), toFloat(b)).Cost)
	switch {
	case cost < 1:
		return 1
	case cost >= float64(Sentinel):
		return Sentinel - 1
	}
	return uint64(cost)
}

// compare orders series by length, then lexicographically.
func compare(a, b []int32) int {
	if len(a) != len(b) {
		if len(a) < len(b) {
			return -1
		}
		return 1
	}
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

func toFloat(s []int32) []float64 {
	out := make([]float64, len(s))
	for i, v := range s {
		out[i] = float64(v)
	}
	return out
}

// FastDTW aligns x and y by solving a half-resolution problem and refining
// its path within radius cells at each finer level.
func FastDTW(x, y []float64, radius int) Result {
	if radius < 0 {
		radius = 0
	}
	minSize := radius + 2
	if len(x) <= minSize || len(y) <= minSize {
		return dtw(x, y, fullWindow(len(x), len(y)))
	}
	low := FastDTW(reduceByHalf(x), reduceByHalf(y), radius)
	return dtw(x, y, expandWindow(low.Path, len(x), len(y), radius))
}

// reduceByHalf averages adjacent pairs; an odd trailing element is kept.
func reduceByHalf(s []float64) []float64 {
	out := make([]float64, (len(s)+1)/2)
	for i := range out {
		if 2*i+1 < len(s) {
			out[i] = (s[2*i] + s[2*i+1]) / 2
		} else {
			out[i] = s[2*i]
		}
	}
	return out
}

// window holds, per row of the cost matrix, the inclusive column range
// searched.
type window struct {
	lo, hi []int
}

func fullWindow(n, m int) window {
	w := window{lo: make([]int, n), hi: make([]int, n)}
	for i := range w.hi {
		w.hi[i] = m - 1
	}
	return w
}

// expandWindow projects a coarse path onto an n×m matrix and widens it by
// radius cells in every direction.
func expandWindow(path []Point, n, m, radius int) window {
	w := window{lo: make([]int, n), hi: make([]int, n)}
	for i := range w.lo {
		w.lo[i] = m
		w.hi[i] = -1
	}
	mark := func(i, lo, hi int) {
		if i < 0 || i >= n {
			return
		}
		if lo < 0 {
			lo = 0
		}
		if hi > m-1 {
			hi = m - 1
		}
		if lo < w.lo[i] {
			w.lo[i] = lo
		}
		if hi > w.hi[i] {
			w.hi[i] = hi
		}
	}
	for _, p := range path {
		for di := -radius; di <= 1+radius; di++ {
			mark(2*p.I+di, 2*p.J-radius, 2*p.J+1+radius)
		}
	}
	return w
}

// dtw fills the cost matrix inside w and backtracks the optimal path. Ties
// prefer the diagonal, then (i-1,j), then (i,j-1).
func dtw(x, y []float64, w window) Result {
	n, m := len(x), len(y)
	cost := make([][]float64, n)
	from := make([][]uint8, n)

	const (
		diag uint8 = iota
		up
		left
		start
	)

	at := func(i, j int) float64 {
		if i < 0 || j < w.lo[i] || j > w.hi[i] {
			return math.Inf(1)
		}
		return cost[i][j-w.lo[i]]
	}

	for i := 0; i < n; i++ {
		width := w.hi[i] - w.lo[i] + 1
		if width < 0 {
			width = 0
		}
		cost[i] = make([]float64, width)
		from[i] = make([]uint8, width)
		for j := w.lo[i]; j <= w.hi[i]; j++ {
			d := math.Abs(x[i] - y[j])
			if i == 0 && j == 0 {
				cost[i][j-w.lo[i]] = d
				from[i][j-w.lo[i]] = start
				continue
			}
			best, dir := at(i-1, j-1), diag
			if c := at(i-1, j); c < best {
				best, dir = c, up
			}
			if j > 0 && j-1 >= w.lo[i] {
				if c := cost[i][j-1-w.lo[i]]; c < best {
					best, dir = c, left
				}
			}
			cost[i][j-w.lo[i]] = d + best
			from[i][j-w.lo[i]] = dir
		}
	}

	res := Result{Cost: at(n-1, m-1)}
	i, j := n-1, m-1
	for {
		res.Path = append(res.Path, Point{I: i, J: j})
		switch from[i][j-w.lo[i]] {
		case start:
			reverse(res.Path)
			return res
		case diag:
			i, j = i-1, j-1
		case up:
			i--
		case left:
			j--
		}
	}
}

func reverse(p []Point) {
	for l, r := 0, len(p)-1; l < r; l, r = l+1, r-1 {
		p[l], p[r] = p[r], p[l]
	}
}
