// Package decoder wraps the Opus decoder for the inbound track.
package decoder

import (
	"fmt"

	"decay-call/internal/audio/config"

	"gopkg.in/hraban/opus.v2"
)

type Decoder interface {
	Decode(packet []byte) ([]int16, error)
}

type OpusDecoder struct {
	dec      *opus.Decoder
	channels int
	buf      []int16
}

func NewOpusDecoder(sampleRate, channels int) (*OpusDecoder, error) {
	dec, err := opus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("failed to create opus decoder: %w", err)
	}
	return &OpusDecoder{
		dec:      dec,
		channels: channels,
		buf:      make([]int16, config.FrameSamples*channels),
	}, nil
}

// Decode expands one opus packet into PCM. The returned slice is valid
// until the next call.
func (d *OpusDecoder) Decode(packet []byte) ([]int16, error) {
	n, err := d.dec.Decode(packet, d.buf)
	if err != nil {
		return nil, fmt.Errorf("failed to decode packet: %w", err)
	}
	return d.buf[:n*d.channels], nil
}
