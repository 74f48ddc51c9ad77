package simd

import (
	"math"
	"testing"
)

func TestNarrowRoundsLikeConversion(t *testing.T) {
	// Lengths around the unroll width, including the remainder tail.
	for _, n := range []int{0, 1, 3, 4, 5, 7, 8, 13} {
		src := make([]float64, n)
		for i := range src {
			src[i] = math.Pi * float64(i+1) / 7
		}
		dst := make([]float32, n)
		Narrow(dst, src)
		for i := range src {
			if dst[i] != float32(src[i]) {
				t.Errorf("n=%d Narrow(%d) = %v, want %v", n, i, dst[i], float32(src[i]))
			}
		}
	}
}

func TestWidenIsExact(t *testing.T) {
	for _, n := range []int{0, 1, 3, 4, 5, 7, 8, 13} {
		src := make([]float32, n)
		for i := range src {
			src[i] = float32(math.E * float64(i+1) / 3)
		}
		dst := make([]float64, n)
		Widen(dst, src)
		for i := range src {
			if dst[i] != float64(src[i]) {
				t.Errorf("n=%d Widen(%d) = %v, want %v", n, i, dst[i], float64(src[i]))
			}
		}
	}
}

func TestWidenThenNarrowRoundTrips(t *testing.T) {
	src := []float32{-1.5, 0, 2.25, float32(math.Ln2), 1e-7, 3e8}
	got := Narrowed(Widened(src))
	for i := range src {
		if got[i] != src[i] {
			t.Errorf("round trip (%d) = %v, want %v", i, got[i], src[i])
		}
	}
}

func TestNarrowPropagatesSpecials(t *testing.T) {
	src := []float64{math.Inf(-1), math.Inf(1), math.NaN()}
	dst := make([]float32, len(src))
	Narrow(dst, src)
	if !math.IsInf(float64(dst[0]), -1) || !math.IsInf(float64(dst[1]), 1) {
		t.Errorf("infinities not preserved: %v", dst)
	}
	if dst[2] == dst[2] {
		t.Errorf("NaN not preserved: %v", dst[2])
	}
}

func BenchmarkNarrow(b *testing.B) {
	src := make([]float64, 1<<14)
	for i := range src {
		src[i] = float64(i) * 0.1
	}
	dst := make([]float32, len(src))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Narrow(dst, src)
	}
}

func BenchmarkWiden(b *testing.B) {
	src := make([]float32, 1<<14)
	for i := range src {
		src[i] = float32(i) * 0.1
	}
	dst := make([]float64, len(src))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Widen(dst, src)
	}
}
