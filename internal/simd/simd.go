// Package simd holds the unrolled bulk loops for converting between
// the engine's float32 storage type and its float64 accumulation type.
package simd

// Narrow rounds float64 values into a float32 destination. Both slices
// must have the same length.
func Narrow(dst []float32, src []float64) {
	// Unrolled loop for better pipelining
	i := 0
	for ; i <= len(src)-4; i += 4 {
		dst[i] = float32(src[i])
		dst[i+1] = float32(src[i+1])
		dst[i+2] = float32(src[i+2])
		dst[i+3] = float32(src[i+3])
	}
	for ; i < len(src); i++ {
		dst[i] = float32(src[i])
	}
}

// Widen copies float32 values into a float64 destination. Both slices
// must have the same length.
func Widen(dst []float64, src []float32) {
	i := 0
	for ; i <= len(src)-4; i += 4 {
		dst[i] = float64(src[i])
		dst[i+1] = float64(src[i+1])
		dst[i+2] = float64(src[i+2])
		dst[i+3] = float64(src[i+3])
	}
	for ; i < len(src); i++ {
		dst[i] = float64(src[i])
	}
}

// Narrowed allocates and fills the float32 form of src.
func Narrowed(src []float64) []float32 {
	dst := make([]float32, len(src))
	Narrow(dst, src)
	return dst
}

// Widened allocates and fills the float64 form of src.
func Widened(src []float32) []float64 {
	dst := make([]float64, len(src))
	Widen(dst, src)
	return dst
}
