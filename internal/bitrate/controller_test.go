package bitrate

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu     sync.Mutex
	values []int
}

func (s *recordingSink) ApplyBitrate(bps int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values = append(s.values, bps)
}

func (s *recordingSink) snapshot() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, len(s.values))
	copy(out, s.values)
	return out
}

func TestStartAppliesMaxImmediately(t *testing.T) {
	sink := &recordingSink{}
	c := NewController(time.Hour, sink) // no ticks during the test

	c.Start()
	defer c.Stop()

	values := sink.snapshot()
	require.Len(t, values, 1)
	assert.Equal(t, MaxBitrate, values[0])
	assert.Equal(t, MaxBitrate, c.Current())
}

func TestDecayIsMonotone(t *testing.T) {
	sink := &recordingSink{}
	c := NewController(time.Millisecond, sink)

	c.Start()
	require.Eventually(t, func() bool {
		return len(sink.snapshot()) > 20
	}, 2*time.Second, 5*time.Millisecond)
	c.Stop()

	values := sink.snapshot()
	for i := 1; i < len(values); i++ {
		assert.LessOrEqual(t, values[i], values[i-1], "decay must never raise the ceiling")
		assert.GreaterOrEqual(t, values[i], MinBitrate)
	}
}

func TestDecayStopsAtFloor(t *testing.T) {
	c := NewController(time.Millisecond)
	c.Start()
	defer c.Stop()

	// 0.96^n reaches the floor from 128k in under 300 steps
	require.Eventually(t, func() bool {
		return c.Current() == MinBitrate
	}, 5*time.Second, 10*time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, MinBitrate, c.Current())
}

func TestRestartResetsToMax(t *testing.T) {
	// interval long enough that no tick lands between Start and the assert
	c := NewController(500 * time.Millisecond)
	c.Start()
	require.Eventually(t, func() bool {
		return c.Current() < MaxBitrate
	}, 5*time.Second, 10*time.Millisecond)
	c.Stop()

	c.Start()
	defer c.Stop()
	assert.Equal(t, MaxBitrate, c.Current())
}

func TestStopIsIdempotent(t *testing.T) {
	c := NewController(time.Millisecond)
	c.Start()
	c.Stop()
	c.Stop() // must not panic on a second call
}
