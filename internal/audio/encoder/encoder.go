// Package encoder wraps the Opus encoder for the outbound track.
package encoder

import (
	"fmt"

	"gopkg.in/hraban/opus.v2"
)

// Encoder turns one PCM frame into one encoded packet. SetBitrate is the
// ceiling the bitrate controller lowers over the lifetime of a call.
type Encoder interface {
	Encode(pcm []int16) ([]byte, error)
	SetBitrate(bps int) error
}

type OpusEncoder struct {
	enc        *opus.Encoder
	sampleRate int
	channels   int
	scratch    []byte
}

func NewOpusEncoder(sampleRate, channels int) (*OpusEncoder, error) {
	enc, err := opus.NewEncoder(sampleRate, channels, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("failed to create opus encoder: %w", err)
	}
	if err := enc.SetDTX(true); err != nil {
		return nil, fmt.Errorf("failed to enable DTX: %w", err)
	}
	return &OpusEncoder{
		enc:        enc,
		sampleRate: sampleRate,
		channels:   channels,
		scratch:    make([]byte, 4000), // max opus packet size
	}, nil
}

// Encode produces one opus packet. Returns nil data for DTX frames.
func (e *OpusEncoder) Encode(pcm []int16) ([]byte, error) {
	n, err := e.enc.Encode(pcm, e.scratch)
	if err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	if n < 3 {
		// DTX packet, no voice in this frame
		return nil, nil
	}
	packet := make([]byte, n)
	copy(packet, e.scratch[:n])
	return packet, nil
}

// SetBitrate applies an encoder ceiling in bits per second.
func (e *OpusEncoder) SetBitrate(bps int) error {
	if err := e.enc.SetBitrate(bps); err != nil {
		return fmt.Errorf("failed to set encoder bitrate: %w", err)
	}
	return nil
}
