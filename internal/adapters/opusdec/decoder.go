// Package opusdec decodes remote Opus payloads to mono PCM with libopus.
package opusdec

import (
	"fmt"

	"gopkg.in/hraban/opus.v2"

	"github.com/carlcord/voice/internal/app/vad"
)

const (
	SampleRate = 48000
	Channels   = 1
)

// Decoder wraps one libopus decoder. Opus state carries across packets, so
// every remote track needs its own.
type Decoder struct {
	dec *opus.Decoder
}

var _ vad.Decoder = (*Decoder)(nil)

func New() (vad.Decoder, error) {
	dec, err := opus.NewDecoder(SampleRate, Channels)
	if err != nil {
		return nil, fmt.Errorf("opus decoder: %w", err)
	}
	return &Decoder{dec: dec}, nil
}

func (d *Decoder) Decode(payload []byte, pcm []int16) (int, error) {
	return d.dec.Decode(payload, pcm)
}
