// Package resample converts between the capture device rate and the codec
// rate when the device cannot open at 48 kHz.
package resample

import (
	"fmt"

	"github.com/dh1tw/gosamplerate"
)

type Resampler struct {
	src   gosamplerate.Src
	ratio float64
	fbuf  []float32
	out   []int16
}

// New creates a converter from fromRate to toRate. SRC_SINC_FASTEST keeps
// latency low enough for the 20 ms frame cadence.
func New(fromRate, toRate, channels int) (*Resampler, error) {
	src, err := gosamplerate.New(gosamplerate.SRC_SINC_FASTEST, channels, 8192)
	if err != nil {
		return nil, fmt.Errorf("failed to create sample rate converter: %w", err)
	}
	return &Resampler{
		src:   src,
		ratio: float64(toRate) / float64(fromRate),
		fbuf:  make([]float32, 0, 8192),
	}, nil
}

// Process converts one block of interleaved PCM. The returned slice is
// valid until the next call.
func (r *Resampler) Process(pcm []int16) ([]int16, error) {
	r.fbuf = r.fbuf[:0]
	for _, s := range pcm {
		r.fbuf = append(r.fbuf, float32(s)/32767.0)
	}
	converted, err := r.src.Process(r.fbuf, r.ratio, false)
	if err != nil {
		return nil, fmt.Errorf("failed to resample: %w", err)
	}
	if cap(r.out) < len(converted) {
		r.out = make([]int16, len(converted))
	}
	r.out = r.out[:len(converted)]
	for i, v := range converted {
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		r.out[i] = int16(v * 32767)
	}
	return r.out, nil
}

func (r *Resampler) Close() error {
	return gosamplerate.Delete(r.src)
}
