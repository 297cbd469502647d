package bridge

import "sync/atomic"

// ring is a single-producer single-consumer float32 ring buffer. The
// receive pipeline writes decoded samples, the device callback reads one
// quantum at a time. Neither side ever blocks or allocates.
type ring struct {
	buf  []float32
	mask uint64
	head atomic.Uint64 // read position, owned by the consumer
	tail atomic.Uint64 // write position, owned by the producer

	primed  bool // consumer-side: drain only after prefill is reached
	prefill int
}

func newRing(capacity, prefill int) *ring {
	// round capacity up to a power of two for cheap wrapping
	size := 1
	for size < capacity {
		size <<= 1
	}
	return &ring{
		buf:     make([]float32, size),
		mask:    uint64(size - 1),
		prefill: prefill,
	}
}

func (r *ring) size() int {
	return int(r.tail.Load() - r.head.Load())
}

// write appends samples, dropping the newest when full.
func (r *ring) write(samples []float32) int {
	head := r.head.Load()
	tail := r.tail.Load()
	free := len(r.buf) - int(tail-head)
	n := min(free, len(samples))
	for i := 0; i < n; i++ {
		r.buf[(tail+uint64(i))&r.mask] = samples[i]
	}
	r.tail.Store(tail + uint64(n))
	return n
}

// read fills dst and returns the number of samples copied. Until the
// prefill threshold has been reached once it returns 0 so playback starts
// with a jitter cushion.
func (r *ring) read(dst []float32) int {
	if !r.primed {
		if r.size() < r.prefill {
			return 0
		}
		r.primed = true
	}
	head := r.head.Load()
	tail := r.tail.Load()
	n := min(int(tail-head), len(dst))
	for i := 0; i < n; i++ {
		dst[i] = r.buf[(head+uint64(i))&r.mask]
	}
	r.head.Store(head + uint64(n))
	return n
}
