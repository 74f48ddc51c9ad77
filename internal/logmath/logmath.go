package logmath

import "math"

// Float covers the storage and accumulation types the lattice kernels are
// instantiated for.
type Float interface {
	~float32 | ~float64
}

// NegInf returns negative infinity in the requested float type.
func NegInf[T Float]() T {
	return T(math.Inf(-1))
}

// LogAddExp computes log(exp(a) + exp(b)) without leaving the log domain.
// Uses the two-argument stable form max(a,b) + log1p(exp(-|a-b|)) so that
// neither exp can overflow. -Inf inputs mean "no path" and are absorbed:
// LogAddExp(-Inf, x) == x. NaN propagates.
func LogAddExp[T Float](a, b T) T {
	if math.IsInf(float64(a), -1) {
		return b
	}
	if math.IsInf(float64(b), -1) {
		return a
	}
	if a < b {
		a, b = b, a
	}
	return a + T(math.Log1p(math.Exp(float64(b-a))))
}

// LogSumExp reduces a slice in the log domain with running-max tracking.
// Returns -Inf for an empty slice.
func LogSumExp[T Float](xs []T) T {
	if len(xs) == 0 {
		return NegInf[T]()
	}
	max := xs[0]
	for _, v := range xs[1:] {
		if v > max {
			max = v
		}
	}
	if math.IsInf(float64(max), -1) {
		return max
	}
	var sum float64
	for _, v := range xs {
		sum += math.Exp(float64(v - max))
	}
	return max + T(math.Log(sum))
}

// Clamp clips x to [-bound, bound]. bound must be positive; callers gate on
// their configuration before reaching this.
func Clamp[T Float](x, bound T) T {
	if x > bound {
		return bound
	}
	if x < -bound {
		return -bound
	}
	return x
}
