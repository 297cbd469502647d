// Package dsp holds the decay signal processor. The unit owns one
// contiguous float32 block with an input and an output sub-region; callers
// copy a quantum of samples in, run Process, and copy the result out. The
// bitrate ceiling drives how aggressively samples are degraded.
package dsp

import (
	"errors"
	"math"
	"sync/atomic"
)

const (
	// RegionSamples is the capacity of each sub-region.
	RegionSamples = 2048

	MinBitrate = 1000   // bps
	MaxBitrate = 128000 // bps
)

var ErrFrameCountTooLarge = errors.New("frame count exceeds region capacity")

// Unit degrades audio quality as the session bitrate decays: bit-depth
// reduction with dither, plus soft clipping of hot samples. At full bitrate
// it is a pass-through.
//
// Process runs on the audio thread and never allocates or locks. The
// bitrate controller calls AdjustBitrate from its own goroutine, so the
// bitrate and the derived reduction cross that boundary as atomic bits.
type Unit struct {
	block  []float32
	inOff  int
	outOff int

	bitrate       atomic.Uint32
	reductionBits atomic.Uint32

	rngState uint32
}

func NewUnit() *Unit {
	u := &Unit{
		block:    make([]float32, 2*RegionSamples),
		inOff:    0,
		outOff:   RegionSamples,
		rngState: 0x9e3779b9,
	}
	u.bitrate.Store(MaxBitrate)
	u.reductionBits.Store(math.Float32bits(1.0))
	return u
}

// Region exposes the shared memory block. The bridge borrows it between
// setup and cleanup; the unit remains the owner.
func (u *Unit) Region() []float32 { return u.block }

// InputOffset returns the index of the input sub-region within the block.
func (u *Unit) InputOffset() int { return u.inOff }

// OutputOffset returns the index of the output sub-region within the block.
func (u *Unit) OutputOffset() int { return u.outOff }

// Process transforms frameCount samples from the input sub-region into the
// output sub-region.
func (u *Unit) Process(frameCount int) error {
	if frameCount > RegionSamples {
		return ErrFrameCountTooLarge
	}
	in := u.block[u.inOff : u.inOff+frameCount]
	out := u.block[u.outOff : u.outOff+frameCount]
	reduction := math.Float32frombits(u.reductionBits.Load())

	// Fast path: near-full quality passes samples through untouched.
	if reduction > 0.95 {
		copy(out, in)
		return nil
	}

	bitDepth := 24 * reduction
	if bitDepth < 8 {
		bitDepth = 8
	}
	steps := float32(uint32(1) << uint32(bitDepth))

	for i, sample := range in {
		processed := sample
		if abs32(sample) > 0.8 {
			processed = sample * (1 - (abs32(sample)-0.8)*0.75)
		}
		noise := (u.nextRand() - 0.5) / steps
		out[i] = floor32((processed+noise*reduction)*steps) / steps
	}
	return nil
}

// AdjustBitrate clamps the target into [MinBitrate, MaxBitrate] and derives
// the sample reduction factor for subsequent Process calls. Safe to call
// while Process runs on the audio thread. Returns the applied bitrate in
// bps.
func (u *Unit) AdjustBitrate(targetBps uint32) uint32 {
	if targetBps < MinBitrate {
		targetBps = MinBitrate
	}
	if targetBps > MaxBitrate {
		targetBps = MaxBitrate
	}
	u.bitrate.Store(targetBps)

	reduction := float32(math.Pow(float64(targetBps)/float64(MaxBitrate), 2.5))
	if reduction < 0.05 {
		reduction = 0.05
	}
	u.reductionBits.Store(math.Float32bits(reduction))
	return targetBps
}

// CurrentBitrate returns the last applied bitrate in bps.
func (u *Unit) CurrentBitrate() uint32 { return u.bitrate.Load() }

// nextRand is a xorshift32 dither source. math/rand takes a lock, which the
// audio thread cannot afford.
func (u *Unit) nextRand() float32 {
	x := u.rngState
	x ^= x << 13
	x ^= x >> 17
	x ^= x << 5
	u.rngState = x
	return float32(x) / 4294967296.0
}

func abs32(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}

func floor32(v float32) float32 {
	i := float32(int32(v))
	if v < 0 && v != i {
		return i - 1
	}
	return i
}
