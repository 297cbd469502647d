// Package capture acquires the local audio input device under the fixed
// constraint policy (S16, mono, 48 kHz) and emits fixed-size PCM frames.
package capture

import (
	"errors"
	"fmt"
	"runtime"
	"sync"

	"decay-call/internal/audio/config"
	"decay-call/internal/audio/convert"

	"github.com/gen2brain/malgo"
	"github.com/rs/zerolog/log"
)

// ErrMediaAcquisition wraps any device-level failure to obtain the
// microphone. Fatal for the session that needed it, surfaced to the user
// with the underlying platform reason.
var ErrMediaAcquisition = errors.New("failed to acquire audio input device")

type Capture struct {
	// Frames delivers FrameSamples-sized PCM frames at the device rate.
	Frames chan []int16

	ctx    *malgo.AllocatedContext
	device *malgo.Device

	mu    sync.RWMutex
	muted bool

	deviceRate uint32
}

func New(cfg config.Config) (*Capture, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(msg string) {
		log.Debug().Str("msg", msg).Msg("Capture context message")
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMediaAcquisition, err)
	}

	c := &Capture{
		Frames:     make(chan []int16, cfg.BufferFrames),
		ctx:        ctx,
		muted:      true,
		deviceRate: cfg.SampleRate,
	}

	devCfg := malgo.DefaultDeviceConfig(malgo.Capture)
	devCfg.Capture.Format = malgo.FormatS16
	devCfg.Capture.Channels = uint32(cfg.Channels)
	devCfg.SampleRate = cfg.SampleRate
	if runtime.GOOS == "linux" {
		devCfg.Alsa.NoMMap = 1
	}

	var pending []int16
	frameSamples := cfg.FrameSamples
	onData := func(_, input []byte, frameCount uint32) {
		samples := make([]int16, int(frameCount)*int(cfg.Channels))
		// muted keeps the frame cadence with zeroed samples so the peer
		// still sees packet progress (DTX keepalives) instead of a stall
		if !c.Muted() {
			convert.BytesToInt16(samples, input)
		}
		pending = append(pending, samples...)

		for len(pending) >= frameSamples {
			frame := make([]int16, frameSamples)
			copy(frame, pending[:frameSamples])
			pending = pending[frameSamples:]
			select {
			case c.Frames <- frame:
			default:
				// encoder is behind, drop rather than stall the device
			}
		}
	}

	device, err := malgo.InitDevice(ctx.Context, devCfg, malgo.DeviceCallbacks{Data: onData})
	if err != nil {
		_ = ctx.Uninit()
		ctx.Free()
		return nil, fmt.Errorf("%w: %v", ErrMediaAcquisition, err)
	}
	c.device = device

	if err := device.Start(); err != nil {
		device.Uninit()
		_ = ctx.Uninit()
		ctx.Free()
		return nil, fmt.Errorf("%w: %v", ErrMediaAcquisition, err)
	}

	if rate := device.SampleRate(); rate != 0 {
		c.deviceRate = rate
	}
	log.Info().
		Uint32("sample_rate", c.deviceRate).
		Uint16("channels", cfg.Channels).
		Msg("Capture device started")
	return c, nil
}

// DeviceRate reports the rate the device actually opened at. The pipeline
// inserts a resampler when it differs from the codec rate.
func (c *Capture) DeviceRate() uint32 { return c.deviceRate }

func (c *Capture) Muted() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.muted
}

func (c *Capture) SetMuted(muted bool) {
	c.mu.Lock()
	c.muted = muted
	c.mu.Unlock()
}

func (c *Capture) Close() {
	if c.device != nil {
		c.device.Uninit()
		c.device = nil
	}
	if c.ctx != nil {
		_ = c.ctx.Uninit()
		c.ctx.Free()
		c.ctx = nil
	}
}
