// Package bridge moves received audio through the decay DSP unit into the
// playback device. The device callback is the real-time edge: once per
// quantum it copies samples into the unit's input sub-region, runs one
// Process step and copies the output sub-region to the device, without
// blocking or allocating.
package bridge

import (
	"errors"
	"math"
	"sync/atomic"
	"time"

	"decay-call/internal/audio/config"
	"decay-call/internal/audio/convert"

	"github.com/gen2brain/malgo"
	"github.com/rs/zerolog/log"
)

var (
	ErrAlreadyInitialized = errors.New("bridge already initialized")
	ErrDspUnavailable     = errors.New("dsp unit unavailable, playback silenced")
)

const (
	stateNew int32 = iota
	stateReady
	stateClosed
)

// Processor is the DSP unit boundary: a contiguous float32 block with two
// fixed offsets and a process step over one quantum.
type Processor interface {
	Region() []float32
	InputOffset() int
	OutputOffset() int
	Process(frameCount int) error
}

// Bridge owns the shared region binding for one session. The device
// callback borrows the region between Setup and Cleanup; Cleanup stops the
// callback before the region views are dropped, so the borrow can never
// outlive the owner.
type Bridge struct {
	unit Processor // nil means no processing is available: output silence

	ring     *ring
	quantum  int
	channels int

	// in/out are views into the unit's region, valid only while state is
	// stateReady. With a nil unit they stay nil and the callback renders
	// silence.
	in  []float32
	out []float32

	state     atomic.Int32
	peakBits  atomic.Uint32
	meterStop chan struct{}

	ctx    *malgo.AllocatedContext
	device *malgo.Device

	// device wiring is swappable so the quantum path is testable without
	// audio hardware
	openOutput  func() error
	closeOutput func()
}

func New(unit Processor, cfg config.Config) *Bridge {
	quantum := config.QuantumFrames * int(cfg.Channels)
	b := &Bridge{
		unit:     unit,
		ring:     newRing(cfg.FrameSamples*config.PrefillQuanta*4, quantum*config.PrefillQuanta),
		quantum:  quantum,
		channels: int(cfg.Channels),
	}
	b.openOutput = b.openDevice
	b.closeOutput = b.closeDevice
	return b
}

// Setup binds the DSP region, resolves the frame offsets and starts the
// playback device. At most one call per bridge instance; a second call is a
// programmer error.
func (b *Bridge) Setup() error {
	if !b.state.CompareAndSwap(stateNew, stateReady) {
		return ErrAlreadyInitialized
	}

	if b.unit != nil {
		region := b.unit.Region()
		b.in = region[b.unit.InputOffset() : b.unit.InputOffset()+b.quantum]
		b.out = region[b.unit.OutputOffset() : b.unit.OutputOffset()+b.quantum]
	} else {
		// the session stays up, playback renders silence instead of
		// crashing the audio path
		log.Warn().Err(ErrDspUnavailable).Msg("Audio bridge running without DSP unit")
	}

	if err := b.openOutput(); err != nil {
		b.state.Store(stateClosed)
		b.in, b.out = nil, nil
		return err
	}

	b.meterStop = make(chan struct{})
	go b.meterLoop(b.meterStop)

	log.Info().Int("quantum_frames", config.QuantumFrames).Msg("Audio bridge ready")
	return nil
}

// meterLoop reports the output peak level at a slow diagnostic cadence.
// Reads only the atomic, never the region.
func (b *Bridge) meterLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			log.Debug().Float32("peak", b.Peak()).Msg("Playback level")
		}
	}
}

// Push feeds decoded samples from the receive pipeline. Safe to call in any
// bridge state; samples pushed before Setup accumulate as jitter cushion.
func (b *Bridge) Push(samples []float32) {
	if b.state.Load() == stateClosed {
		return
	}
	if n := b.ring.write(samples); n < len(samples) {
		log.Debug().Int("dropped", len(samples)-n).Msg("Playback ring full, dropping samples")
	}
}

// renderQuantum is the device data callback. outBytes holds frames*channels
// F32 samples to fill.
func (b *Bridge) renderQuantum(outBytes []byte, frames int) {
	samples := frames * b.channels
	if b.state.Load() != stateReady || b.unit == nil || samples > b.quantum {
		zero(outBytes)
		return
	}

	n := b.ring.read(b.in[:samples])
	if n == 0 {
		// underrun or still prefilling: a silent quantum beats a stall
		zero(outBytes)
		return
	}
	for i := n; i < samples; i++ {
		b.in[i] = 0
	}

	if err := b.unit.Process(samples); err != nil {
		zero(outBytes)
		return
	}

	convert.Float32ToBytes(outBytes, b.out[:samples])
	b.updatePeak(b.out[:samples])
}

// updatePeak records the loudest output sample of the quantum. Single
// writer (the callback); readers poll Peak.
func (b *Bridge) updatePeak(samples []float32) {
	var peak float32
	for _, s := range samples {
		if s < 0 {
			s = -s
		}
		if s > peak {
			peak = s
		}
	}
	b.peakBits.Store(math.Float32bits(peak))
}

// Peak returns the instantaneous output peak amplitude for diagnostics.
// Read-only and safe from any goroutine.
func (b *Bridge) Peak() float32 {
	return math.Float32frombits(b.peakBits.Load())
}

// Cleanup stops the device callback and drops the region binding. Safe to
// call any number of times; only the first run has effect. Session teardown
// is not complete until Cleanup returns.
func (b *Bridge) Cleanup() {
	prev := b.state.Swap(stateClosed)
	if prev != stateReady {
		return
	}
	// stop the callback first: the region must not be released while a
	// quantum could still dereference it
	b.closeOutput()
	if b.meterStop != nil {
		close(b.meterStop)
		b.meterStop = nil
	}
	b.in, b.out = nil, nil
	log.Info().Msg("Audio bridge released")
}

func (b *Bridge) openDevice() error {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(msg string) {
		log.Debug().Str("msg", msg).Msg("Playback context message")
	})
	if err != nil {
		return err
	}

	devCfg := malgo.DefaultDeviceConfig(malgo.Playback)
	devCfg.Playback.Format = malgo.FormatF32
	devCfg.Playback.Channels = uint32(b.channels)
	devCfg.SampleRate = config.SampleRate
	devCfg.PeriodSizeInFrames = config.QuantumFrames

	onData := func(output, _ []byte, frameCount uint32) {
		b.renderQuantum(output, int(frameCount))
	}

	device, err := malgo.InitDevice(ctx.Context, devCfg, malgo.DeviceCallbacks{Data: onData})
	if err != nil {
		_ = ctx.Uninit()
		ctx.Free()
		return err
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		_ = ctx.Uninit()
		ctx.Free()
		return err
	}
	b.ctx, b.device = ctx, device
	return nil
}

func (b *Bridge) closeDevice() {
	if b.device != nil {
		b.device.Uninit()
		b.device = nil
	}
	if b.ctx != nil {
		_ = b.ctx.Uninit()
		b.ctx.Free()
		b.ctx = nil
	}
}

func zero(buf []byte) {
	for i := range buf {
		buf[i] = 0
	}
}
