// Package bitrate implements the decaying bitrate policy: a session starts
// at the maximum and its ceiling shrinks multiplicatively for as long as it
// stays connected, down to a floor just above silence.
package bitrate

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	// MaxBitrate is the ceiling applied at the moment a session connects.
	MaxBitrate = 128_000
	// MinBitrate is the floor; decay never goes below it.
	MinBitrate = 1_000
	// DecayFactor shrinks the ceiling on every tick. With a 500ms tick the
	// ceiling hits the floor after roughly a minute of call time.
	DecayFactor = 0.96
	// DefaultInterval is the decay tick period.
	DefaultInterval = 500 * time.Millisecond
)

// Sink receives every new bitrate ceiling. Implementations apply it to the
// encoder and to the playback processing chain.
type Sink interface {
	ApplyBitrate(bps int)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(bps int)

func (f SinkFunc) ApplyBitrate(bps int) { f(bps) }

// Tick reports one decay step for display purposes.
type Tick struct {
	Current int
	Elapsed time.Duration
}

// Controller runs the decay clock for one session at a time. Start resets
// the ceiling to the maximum and begins decaying; Stop halts the clock.
// Both are idempotent and safe from any goroutine.
type Controller struct {
	interval time.Duration
	sinks    []Sink

	mu      sync.Mutex
	current float64
	started time.Time
	quit    chan struct{}

	ticks chan Tick
}

func NewController(interval time.Duration, sinks ...Sink) *Controller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Controller{
		interval: interval,
		sinks:    sinks,
		current:  MaxBitrate,
		ticks:    make(chan Tick, 16),
	}
}

// Ticks exposes the decay steps for the presentation layer. Slow consumers
// miss ticks rather than stall the clock.
func (c *Controller) Ticks() <-chan Tick { return c.ticks }

// Current returns the bitrate ceiling in force right now.
func (c *Controller) Current() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int(c.current)
}

// Start resets the ceiling to the maximum, pushes it to the sinks and runs
// the decay clock until Stop. Calling Start on a running controller restarts
// the decay from the top.
func (c *Controller) Start() {
	c.mu.Lock()
	if c.quit != nil {
		close(c.quit)
	}
	quit := make(chan struct{})
	c.quit = quit
	c.current = MaxBitrate
	c.started = time.Now()
	c.mu.Unlock()

	c.apply(MaxBitrate)
	log.Info().Int("bitrate", MaxBitrate).Dur("interval", c.interval).Msg("Bitrate decay started")

	go c.loop(quit)
}

// Stop halts the decay clock. The last applied ceiling stays in force.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.quit != nil {
		close(c.quit)
		c.quit = nil
	}
}

func (c *Controller) loop(quit chan struct{}) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-quit:
			return
		case <-ticker.C:
			current, elapsed, changed := c.step()
			if changed {
				c.apply(current)
			}
			select {
			case c.ticks <- Tick{Current: current, Elapsed: elapsed}:
			default:
			}
		}
	}
}

// step performs one decay: current shrinks by the factor, clamped to the
// floor. Monotone by construction; once at the floor it stays there.
func (c *Controller) step() (current int, elapsed time.Duration, changed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	before := int(c.current)
	c.current *= DecayFactor
	if c.current < MinBitrate {
		c.current = MinBitrate
	}
	return int(c.current), time.Since(c.started), int(c.current) != before
}

func (c *Controller) apply(bps int) {
	for _, s := range c.sinks {
		s.ApplyBitrate(bps)
	}
}
