package bridge

import (
	"encoding/binary"
	"math"
	"testing"

	"decay-call/internal/audio/config"
	"decay-call/internal/dsp"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type deviceStub struct {
	opens  int
	closes int
}

func newTestBridge(t *testing.T) (*Bridge, *deviceStub) {
	t.Helper()
	stub := &deviceStub{}
	b := New(dsp.NewUnit(), config.Default())
	b.openOutput = func() error {
		stub.opens++
		return nil
	}
	b.closeOutput = func() {
		stub.closes++
	}
	return b, stub
}

func decodeSamples(t *testing.T, raw []byte) []float32 {
	t.Helper()
	require.Zero(t, len(raw)%4)
	out := make([]float32, len(raw)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return out
}

func quantumBytes() []byte {
	return make([]byte, config.QuantumFrames*4)
}

func TestSetupTwice(t *testing.T) {
	b, stub := newTestBridge(t)

	require.NoError(t, b.Setup())
	assert.ErrorIs(t, b.Setup(), ErrAlreadyInitialized)
	assert.Equal(t, 1, stub.opens)
}

func TestCleanupIdempotent(t *testing.T) {
	b, stub := newTestBridge(t)
	require.NoError(t, b.Setup())

	b.Cleanup()
	b.Cleanup()
	b.Cleanup()
	assert.Equal(t, 1, stub.closes)
}

func TestCleanupBeforeSetupDoesNothing(t *testing.T) {
	b, stub := newTestBridge(t)
	b.Cleanup()
	assert.Zero(t, stub.closes)

	// and a later Setup is refused, the bridge is spent
	assert.ErrorIs(t, b.Setup(), ErrAlreadyInitialized)
}

func TestRenderSilenceBeforeSetup(t *testing.T) {
	b, _ := newTestBridge(t)

	out := quantumBytes()
	b.renderQuantum(out, config.QuantumFrames)
	for _, s := range decodeSamples(t, out) {
		assert.Zero(t, s)
	}
}

func TestRenderSilenceUntilPrefilled(t *testing.T) {
	b, _ := newTestBridge(t)
	require.NoError(t, b.Setup())
	defer b.Cleanup()

	// a single quantum of input is below the jitter cushion
	b.Push(make([]float32, config.QuantumFrames))

	out := quantumBytes()
	b.renderQuantum(out, config.QuantumFrames)
	for _, s := range decodeSamples(t, out) {
		assert.Zero(t, s)
	}
}

func TestRenderPassesAudioThrough(t *testing.T) {
	b, _ := newTestBridge(t)
	require.NoError(t, b.Setup())
	defer b.Cleanup()

	prefill := config.QuantumFrames * config.PrefillQuanta
	in := make([]float32, prefill)
	for i := range in {
		in[i] = 0.25
	}
	b.Push(in)

	out := quantumBytes()
	b.renderQuantum(out, config.QuantumFrames)
	for _, s := range decodeSamples(t, out) {
		assert.InDelta(t, 0.25, s, 1e-6)
	}
	assert.InDelta(t, 0.25, b.Peak(), 1e-6)
}

func TestRenderZeroPadsUnderrun(t *testing.T) {
	b, _ := newTestBridge(t)
	require.NoError(t, b.Setup())
	defer b.Cleanup()

	prefill := config.QuantumFrames * config.PrefillQuanta
	in := make([]float32, prefill)
	for i := range in {
		in[i] = 0.5
	}
	b.Push(in)

	// drain everything buffered, then one more render hits the underrun path
	out := quantumBytes()
	for i := 0; i < config.PrefillQuanta; i++ {
		b.renderQuantum(out, config.QuantumFrames)
	}
	b.renderQuantum(out, config.QuantumFrames)
	for _, s := range decodeSamples(t, out) {
		assert.Zero(t, s)
	}
}

func TestRenderSilenceAfterCleanup(t *testing.T) {
	b, _ := newTestBridge(t)
	require.NoError(t, b.Setup())

	prefill := config.QuantumFrames * config.PrefillQuanta
	b.Push(make([]float32, prefill))
	b.Cleanup()

	out := quantumBytes()
	for i := range out {
		out[i] = 0xff
	}
	b.renderQuantum(out, config.QuantumFrames)
	for _, s := range decodeSamples(t, out) {
		assert.Zero(t, s)
	}
}

func TestPushAfterCleanupIsNoop(t *testing.T) {
	b, _ := newTestBridge(t)
	require.NoError(t, b.Setup())
	b.Cleanup()

	b.Push(make([]float32, config.QuantumFrames)) // must not panic
}
