package filters

const vibratoMaxDelaySamples = 240 // 5 ms at 48 kHz, per channel

// Vibrato modulates pitch by reading a short delay line at a
// sine-LFO-varying fractional offset.
type Vibrato struct {
	frequency float64 // Hz
	depth     float64 // 0.0-1.0

	osc lfo

	line  [Channels][vibratoMaxDelaySamples]float64
	write int
}

// NewVibrato returns a Vibrato at 2 Hz, depth 0 (inactive).
func NewVibrato() *Vibrato {
	return &Vibrato{frequency: 2.0, osc: newLFO(2.0)}
}

// SetFrequency sets the LFO rate in Hz (must be positive).
func (v *Vibrato) SetFrequency(hz float64) {
	if hz <= 0 {
		return
	}
	v.frequency = hz
	v.osc.freqHz = hz
}

// SetDepth sets modulation depth, clamped to [0.0, 1.0].
func (v *Vibrato) SetDepth(depth float64) {
	v.depth = clampUnit(depth)
}

// IsActive reports whether this filter has any effect.
func (v *Vibrato) IsActive() bool { return v.depth != 0 }

// Process modulates frame's pitch in place via a read-delay line.
func (v *Vibrato) Process(frame []int16) {
	if !v.IsActive() {
		return
	}
	const baseDelay = vibratoMaxDelaySamples / 2
	for i := 0; i < len(frame); i += Channels {
		offset := baseDelay + v.depth*float64(baseDelay-4)*v.osc.next()

		for ch := 0; ch < Channels; ch++ {
			v.line[ch][v.write] = float64(frame[i+ch])

			readPos := float64(v.write) - offset
			for readPos < 0 {
				readPos += vibratoMaxDelaySamples
			}
			idx0 := int(readPos) % vibratoMaxDelaySamples
			idx1 := (idx0 + 1) % vibratoMaxDelaySamples
			frac := readPos - float64(int(readPos))

			sample := v.line[ch][idx0]*(1-frac) + v.line[ch][idx1]*frac
			frame[i+ch] = clampInt16(sample)
		}
		v.write = (v.write + 1) % vibratoMaxDelaySamples
	}
}
