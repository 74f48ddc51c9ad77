package rnnt

import "sync"

// slicePool recycles flat scratch buffers across invocations. Reused
// backing is zeroed on the way out, so a pooled buffer behaves exactly
// like a fresh allocation; undersized pooled backing is dropped rather
// than grown, so steady traffic converges on the largest shape seen.
type slicePool[T any] struct {
	pool sync.Pool
}

func (p *slicePool[T]) get(n int) []T {
	if v := p.pool.Get(); v != nil {
		buf := *v.(*[]T)
		if cap(buf) >= n {
			buf = buf[:n]
			var zero T
			for i := range buf {
				buf[i] = zero
			}
			workspacePoolHits.Inc()
			return buf
		}
	}
	workspacePoolMisses.Inc()
	return make([]T, n)
}

func (p *slicePool[T]) put(buf []T) {
	if cap(buf) == 0 {
		return
	}
	buf = buf[:0]
	p.pool.Put(&buf)
}
