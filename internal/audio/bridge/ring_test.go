package bridge

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRingPrefillGate(t *testing.T) {
	r := newRing(16, 8)
	dst := make([]float32, 4)

	r.write([]float32{1, 2, 3, 4})
	assert.Zero(t, r.read(dst), "must stay silent until prefilled")

	r.write([]float32{5, 6, 7, 8})
	assert.Equal(t, 4, r.read(dst))
	assert.Equal(t, []float32{1, 2, 3, 4}, dst)

	// once primed, partial reads drain whatever is left
	assert.Equal(t, 4, r.read(dst))
	assert.Equal(t, []float32{5, 6, 7, 8}, dst)
	assert.Zero(t, r.read(dst))
}

func TestRingDropsWhenFull(t *testing.T) {
	r := newRing(8, 1)

	n := r.write(make([]float32, 12))
	assert.Equal(t, 8, n, "overflow must be dropped, not block")
}

func TestRingWrapsAround(t *testing.T) {
	r := newRing(8, 1)
	dst := make([]float32, 8)

	for round := 0; round < 5; round++ {
		in := []float32{float32(round), float32(round + 1)}
		assert.Equal(t, 2, r.write(in))
		assert.Equal(t, 2, r.read(dst[:2]))
		assert.Equal(t, in, dst[:2])
	}
}
