//go:build benchmark

package cache

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/objectfs/iosched/pkg/types"
)

func benchCache(mode Mode) *Cache {
	return New(Options{Buckets: 256, MaxAggregation: 1 << 20, Mode: mode})
}

// BenchmarkAddParallel benchmarks concurrent admission of random requests
func BenchmarkAddParallel(b *testing.B) {
	for _, mode := range []Mode{NoAggregation, TimeOrdered, OffsetOrdered} {
		b.Run(mode.String(), func(b *testing.B) {
			c := benchCache(mode)
			b.ReportAllocs()
			b.RunParallel(func(pb *testing.PB) {
				rng := rand.New(rand.NewSource(rand.Int63()))
				for pb.Next() {
					file := fmt.Sprintf("file-%d", rng.Intn(1000))
					_, _, _ = c.Add(types.Request{FileID: file, Kind: types.Read, Offset: rng.Int63n(1 << 30), Length: 4096})
				}
			})
		})
	}
}

// BenchmarkAddSequential benchmarks the aggregation path
func BenchmarkAddSequential(b *testing.B) {
	c := benchCache(TimeOrdered)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if c.Len() >= 256 {
			b.StopTimer()
			for v := c.Oldest(); v != nil; v = c.Oldest() {
				c.Take(v)
			}
			b.StartTimer()
		}
		_, _, _ = c.Add(types.Request{FileID: "seq", Kind: types.Write, Offset: int64(i%256) * 4096, Length: 4096})
	}
}

// BenchmarkDrainOldest benchmarks NOOP-style draining in arrival order
func BenchmarkDrainOldest(b *testing.B) {
	c := benchCache(NoAggregation)
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_, _, _ = c.Add(types.Request{FileID: fmt.Sprintf("f%d", i%64), Kind: types.Read, Offset: int64(i) * 4096, Length: 4096})
	}
	b.ResetTimer()
	for v := c.Oldest(); v != nil; v = c.Oldest() {
		c.Take(v)
	}
}

// BenchmarkScanShortest benchmarks the SJF scan over populated buckets
func BenchmarkScanShortest(b *testing.B) {
	c := benchCache(OffsetOrdered)
	for i := 0; i < 4096; i++ {
		_, _, _ = c.Add(types.Request{FileID: fmt.Sprintf("f%d", i%512), Kind: types.Read, Offset: int64(i) * 8192, Length: 4096})
	}
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, ok := c.ScanShortest(); !ok {
			b.Fatal("empty cache")
		}
	}
}
