package filters

// Tremolo amplitude-modulates both channels with a sine LFO.
type Tremolo struct {
	frequency float64 // Hz
	depth     float64 // 0.0-1.0

	osc lfo
}

// NewTremolo returns a Tremolo at 2 Hz, depth 0 (inactive).
func NewTremolo() *Tremolo {
	return &Tremolo{frequency: 2.0, osc: newLFO(2.0)}
}

// SetFrequency sets the LFO rate in Hz (must be positive).
func (t *Tremolo) SetFrequency(hz float64) {
	if hz <= 0 {
		return
	}
	t.frequency = hz
	t.osc.freqHz = hz
}

// SetDepth sets modulation depth, clamped to [0.0, 1.0].
func (t *Tremolo) SetDepth(depth float64) {
	t.depth = clampUnit(depth)
}

// IsActive reports whether this filter has any effect.
func (t *Tremolo) IsActive() bool { return t.depth != 0 }

// Process amplitude-modulates frame in place.
func (t *Tremolo) Process(frame []int16) {
	if !t.IsActive() {
		return
	}
	for i := 0; i < len(frame); i += Channels {
		mod := 1.0 - t.depth*(0.5+0.5*t.osc.next())
		for ch := 0; ch < Channels; ch++ {
			frame[i+ch] = clampInt16(float64(frame[i+ch]) * mod)
		}
	}
}
