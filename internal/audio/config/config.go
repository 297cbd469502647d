// Package config fixes the audio constraint policy for the client. Opus at
// 48 kHz mono is the only negotiated codec; the capture and playback
// devices are opened against these constants.
package config

import "github.com/pion/webrtc/v4"

const (
	SampleRate   = 48000 // Opus native rate
	Channels     = 1
	FrameSamples = 960 // 20 ms at 48 kHz, one encoder frame

	// QuantumFrames is the fixed per-callback window of the playback
	// processing path. One quantum is copied into the DSP region, processed
	// and copied back out on every device callback.
	QuantumFrames = 128

	// PrefillQuanta is how many quanta must be buffered before playback
	// starts draining, to ride out network jitter.
	PrefillQuanta = 8

	SDPFmtpLine = "minptime=10;useinbandfec=1;maxaveragebitrate=64000;stereo=0;sprop-stereo=0;cbr=0"
	PayloadType = 111
)

type Config struct {
	SampleRate   uint32
	Channels     uint16
	FrameSamples int
	BufferFrames int // capture channel depth in frames
}

func Default() Config {
	return Config{
		SampleRate:   SampleRate,
		Channels:     Channels,
		FrameSamples: FrameSamples,
		BufferFrames: 300,
	}
}

// Capability returns the RTP codec capability for the local audio track.
func (c Config) Capability() webrtc.RTPCodecCapability {
	return webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: c.SampleRate,
		Channels:  c.Channels,
	}
}
