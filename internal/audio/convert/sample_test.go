package convert

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInt16ToFloat32(t *testing.T) {
	dst := make([]float32, 4)
	n := Int16ToFloat32(dst, []int16{0, 16384, -16384, 32767})

	assert.Equal(t, 4, n)
	assert.InDelta(t, 0.0, dst[0], 1e-6)
	assert.InDelta(t, 0.5, dst[1], 1e-4)
	assert.InDelta(t, -0.5, dst[2], 1e-4)
	assert.InDelta(t, 1.0, dst[3], 1e-4)
}

func TestFloat32ToInt16Roundtrip(t *testing.T) {
	src := []int16{-32768, -1234, 0, 1234, 32767}
	f := make([]float32, len(src))
	Int16ToFloat32(f, src)

	back := make([]int16, len(src))
	n := Float32ToInt16(back, f)

	assert.Equal(t, len(src), n)
	for i := range src {
		assert.InDelta(t, src[i], back[i], 1)
	}
}

func TestFloat32ToInt16Clamps(t *testing.T) {
	dst := make([]int16, 2)
	Float32ToInt16(dst, []float32{2.0, -2.0})

	assert.Equal(t, int16(32767), dst[0])
	assert.Equal(t, int16(-32767), dst[1])
}

func TestShortDestinationTruncates(t *testing.T) {
	dst := make([]float32, 2)
	n := Int16ToFloat32(dst, []int16{1, 2, 3, 4})
	assert.Equal(t, 2, n)
}
