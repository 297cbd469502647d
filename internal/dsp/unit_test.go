package dsp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegionLayout(t *testing.T) {
	u := NewUnit()

	assert.Len(t, u.Region(), 2*RegionSamples)
	assert.Equal(t, 0, u.InputOffset())
	assert.Equal(t, RegionSamples, u.OutputOffset())
	assert.Equal(t, uint32(MaxBitrate), u.CurrentBitrate())
}

func TestProcessPassThroughAtFullQuality(t *testing.T) {
	u := NewUnit()
	region := u.Region()

	in := region[u.InputOffset() : u.InputOffset()+4]
	copy(in, []float32{0.1, -0.2, 0.3, -0.4})

	require.NoError(t, u.Process(4))

	out := region[u.OutputOffset() : u.OutputOffset()+4]
	assert.Equal(t, []float32{0.1, -0.2, 0.3, -0.4}, out)
}

func TestProcessRejectsOversizedFrameCount(t *testing.T) {
	u := NewUnit()
	assert.ErrorIs(t, u.Process(RegionSamples+1), ErrFrameCountTooLarge)
}

func TestAdjustBitrateClamps(t *testing.T) {
	u := NewUnit()

	assert.Equal(t, uint32(MinBitrate), u.AdjustBitrate(0))
	assert.Equal(t, uint32(MaxBitrate), u.AdjustBitrate(1_000_000))
	assert.Equal(t, uint32(64_000), u.AdjustBitrate(64_000))
}

func TestDegradationQuantizesLowBitrate(t *testing.T) {
	u := NewUnit()
	u.AdjustBitrate(MinBitrate)

	region := u.Region()
	in := region[u.InputOffset() : u.InputOffset()+64]
	for i := range in {
		in[i] = 0.5
	}

	require.NoError(t, u.Process(64))

	// at the floor the signal is quantized to 8 bits with dither; values
	// spread around the input instead of reproducing it exactly
	out := region[u.OutputOffset() : u.OutputOffset()+64]
	identical := true
	for _, s := range out {
		assert.InDelta(t, 0.5, s, 0.1)
		if s != 0.5 {
			identical = false
		}
	}
	assert.False(t, identical, "floor bitrate should degrade the signal")
}

// The bitrate controller adjusts the unit while the device callback is
// processing; the two must never trip the race detector.
func TestAdjustBitrateWhileProcessing(t *testing.T) {
	u := NewUnit()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for bps := uint32(MaxBitrate); bps >= MinBitrate; bps -= 500 {
			u.AdjustBitrate(bps)
		}
	}()

	for i := 0; i < 2000; i++ {
		require.NoError(t, u.Process(128))
	}
	<-done

	assert.Equal(t, uint32(MinBitrate), u.CurrentBitrate())
}

func TestSoftClipTamesHotSamples(t *testing.T) {
	u := NewUnit()
	u.AdjustBitrate(32_000) // below the pass-through threshold

	region := u.Region()
	in := region[u.InputOffset() : u.InputOffset()+2]
	in[0], in[1] = 1.0, -1.0

	require.NoError(t, u.Process(2))

	out := region[u.OutputOffset() : u.OutputOffset()+2]
	assert.Less(t, out[0], float32(1.0))
	assert.Greater(t, out[1], float32(-1.0))
}
