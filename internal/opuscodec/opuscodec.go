// Package opuscodec wraps libopus encode/decode for fixed 20 ms, 48 kHz
// stereo frames, grounded on the teacher's client/audio.go AudioEngine (same
// gopkg.in/hraban/opus.v2 binding, same Start()-time encoder configuration
// of bitrate/FEC/packet-loss-hint).
package opuscodec

import (
	"fmt"

	"gopkg.in/hraban/opus.v2"
)

const (
	// SampleRate is the fixed Opus clock rate the gateway operates at.
	SampleRate = 48000
	// Channels is fixed stereo, per spec.md §3 PCM frame definition.
	Channels = 2
	// FrameSamples is 960 samples per channel per 20 ms frame.
	FrameSamples = 960
	// FrameLength is the total interleaved stereo sample count per frame.
	FrameLength = FrameSamples * Channels
	// MaxOpusFrameBytes bounds a single encoded Opus frame, per spec.md §3.
	MaxOpusFrameBytes = 4000
)

// Encoder wraps an Opus encoder configured for the gateway's fixed frame
// shape. Not safe for concurrent use.
type Encoder struct {
	enc *opus.Encoder
}

// NewEncoder returns an Encoder at the given initial bitrate (bits/sec) with
// FEC according to fec. Application mode is Audio (not VoIP) because the
// gateway mixes arbitrary music/voice content rather than a single speech
// stream — see SPEC_FULL.md §4.1.
func NewEncoder(bitrate int, fec bool) (*Encoder, error) {
	enc, err := opus.NewEncoder(SampleRate, Channels, opus.AppAudio)
	if err != nil {
		return nil, fmt.Errorf("opuscodec: new encoder: %w", err)
	}
	if err := enc.SetBitrate(bitrate); err != nil {
		return nil, fmt.Errorf("opuscodec: set bitrate: %w", err)
	}
	if err := enc.SetInBandFEC(fec); err != nil {
		return nil, fmt.Errorf("opuscodec: set fec: %w", err)
	}
	if err := enc.SetPacketLossPerc(5); err != nil {
		return nil, fmt.Errorf("opuscodec: set packet loss: %w", err)
	}
	return &Encoder{enc: enc}, nil
}

// Encode encodes exactly one 20 ms, 1920-sample interleaved stereo PCM
// frame. pcm must have length FrameLength.
func (e *Encoder) Encode(pcm []int16) ([]byte, error) {
	if len(pcm) != FrameLength {
		return nil, fmt.Errorf("opuscodec: expected %d samples, got %d", FrameLength, len(pcm))
	}
	buf := make([]byte, MaxOpusFrameBytes)
	n, err := e.enc.Encode(pcm, buf)
	if err != nil {
		return nil, fmt.Errorf("opuscodec: encode: %w", err)
	}
	return buf[:n], nil
}

// SetBitrate updates the target bitrate (bits/sec) on the fly.
func (e *Encoder) SetBitrate(bitrate int) error {
	if err := e.enc.SetBitrate(bitrate); err != nil {
		return fmt.Errorf("opuscodec: set bitrate: %w", err)
	}
	return nil
}

// SetPacketLossPerc informs the encoder's FEC tuning of the estimated
// network loss percentage (0-100).
func (e *Encoder) SetPacketLossPerc(pct int) error {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	if err := e.enc.SetPacketLossPerc(pct); err != nil {
		return fmt.Errorf("opuscodec: set packet loss: %w", err)
	}
	return nil
}

// Decoder wraps an Opus decoder for the gateway's fixed frame shape. Not
// safe for concurrent use.
type Decoder struct {
	dec *opus.Decoder
}

// NewDecoder returns a Decoder.
func NewDecoder() (*Decoder, error) {
	dec, err := opus.NewDecoder(SampleRate, Channels)
	if err != nil {
		return nil, fmt.Errorf("opuscodec: new decoder: %w", err)
	}
	return &Decoder{dec: dec}, nil
}

// Decode decodes one Opus frame into a fresh FrameLength-sample PCM buffer.
// Pass a nil data to trigger packet-loss concealment.
func (d *Decoder) Decode(data []byte) ([]int16, error) {
	pcm := make([]int16, FrameLength)
	if data == nil {
		if err := d.dec.DecodePLC(pcm); err != nil {
			return nil, fmt.Errorf("opuscodec: decode plc: %w", err)
		}
		return pcm, nil
	}
	n, err := d.dec.Decode(data, pcm)
	if err != nil {
		return nil, fmt.Errorf("opuscodec: decode: %w", err)
	}
	return pcm[:n*Channels], nil
}
