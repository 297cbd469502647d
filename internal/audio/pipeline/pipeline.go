// Package pipeline runs the two per-session audio loops: capture → encode →
// outbound track, and inbound track → decode → bridge.
package pipeline

import (
	"errors"
	"sync"
	"time"

	"decay-call/internal/audio/bridge"
	"decay-call/internal/audio/capture"
	"decay-call/internal/audio/config"
	"decay-call/internal/audio/convert"
	"decay-call/internal/audio/decoder"
	"decay-call/internal/audio/encoder"
	"decay-call/internal/audio/resample"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog/log"
)

var ErrEncoderNil = errors.New("encoder cannot be nil")

const frameDuration = 20 * time.Millisecond

type AudioPipeline struct {
	capture *capture.Capture
	enc     encoder.Encoder
	dec     decoder.Decoder
	bridge  *bridge.Bridge
	res     *resample.Resampler // non-nil when the device rate differs from 48 kHz

	quitSend  chan struct{}
	quitRecv  chan struct{}
	closeOnce sync.Once

	fbuf []float32
}

// New builds a pipeline for one session. The capture device and encoder are
// long-lived and shared; decoder and bridge belong to this pipeline.
func New(cap *capture.Capture, enc encoder.Encoder, br *bridge.Bridge, cfg config.Config) (*AudioPipeline, error) {
	if enc == nil {
		return nil, ErrEncoderNil
	}
	dec, err := decoder.NewOpusDecoder(int(cfg.SampleRate), int(cfg.Channels))
	if err != nil {
		return nil, err
	}

	var res *resample.Resampler
	if cap != nil && cap.DeviceRate() != cfg.SampleRate {
		res, err = resample.New(int(cap.DeviceRate()), int(cfg.SampleRate), int(cfg.Channels))
		if err != nil {
			return nil, err
		}
		log.Info().
			Uint32("device_rate", cap.DeviceRate()).
			Uint32("codec_rate", cfg.SampleRate).
			Msg("Resampling capture path")
	}

	return &AudioPipeline{
		capture:  cap,
		enc:      enc,
		dec:      dec,
		bridge:   br,
		res:      res,
		quitSend: make(chan struct{}),
		quitRecv: make(chan struct{}),
		fbuf:     make([]float32, cfg.FrameSamples*int(cfg.Channels)),
	}, nil
}

// Bridge returns the bridge this pipeline feeds.
func (p *AudioPipeline) Bridge() *bridge.Bridge { return p.bridge }

// StartSending drains capture frames into the outbound track until the
// pipeline closes. Runs on its own goroutine.
func (p *AudioPipeline) StartSending(track *webrtc.TrackLocalStaticSample) {
	defer log.Debug().Msg("Sending pipeline stopped")

	for {
		select {
		case <-p.quitSend:
			return
		case pcm, ok := <-p.capture.Frames:
			if !ok {
				return
			}
			if p.res != nil {
				converted, err := p.res.Process(pcm)
				if err != nil {
					log.Warn().Err(err).Msg("Resample failed, dropping frame")
					continue
				}
				pcm = converted
			}
			packet, err := p.enc.Encode(pcm)
			if err != nil {
				log.Warn().Err(err).Msg("Encode failed, dropping frame")
				continue
			}
			if packet == nil {
				continue // DTX
			}
			if err := track.WriteSample(media.Sample{Data: packet, Duration: frameDuration}); err != nil {
				log.Warn().Err(err).Msg("Failed to write audio sample")
				return
			}
		}
	}
}

// StartReceiving decodes the inbound track into the bridge until the track
// ends or the pipeline closes. Runs on its own goroutine.
func (p *AudioPipeline) StartReceiving(track *webrtc.TrackRemote) {
	log.Info().
		Str("track_id", track.ID()).
		Str("stream_id", track.StreamID()).
		Msg("Receiving peer audio")
	defer log.Debug().Msg("Receiving pipeline stopped")

	for {
		select {
		case <-p.quitRecv:
			return
		default:
		}

		packet, _, err := track.ReadRTP()
		if err != nil {
			log.Debug().Err(err).Msg("Inbound track ended")
			return
		}
		if len(packet.Payload) < 2 {
			continue
		}
		pcm, err := p.dec.Decode(packet.Payload)
		if err != nil {
			log.Warn().Err(err).Msg("Decode failed, dropping packet")
			continue
		}
		n := convert.Int16ToFloat32(p.fbuf, pcm)
		p.bridge.Push(p.fbuf[:n])
	}
}

// Close stops both loops and releases the bridge. Idempotent; returns after
// the bridge cleanup has completed.
func (p *AudioPipeline) Close() {
	p.closeOnce.Do(func() {
		close(p.quitSend)
		close(p.quitRecv)
		p.bridge.Cleanup()
		if p.res != nil {
			_ = p.res.Close()
		}
	})
}
