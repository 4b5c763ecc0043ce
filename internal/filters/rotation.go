package filters

// Rotation pans the stereo field with a sinusoid at rotationHz, the
// "8D audio" effect.
type Rotation struct {
	rotationHz float64
	osc        lfo
}

// NewRotation returns an inactive Rotation (0 Hz).
func NewRotation() *Rotation {
	return &Rotation{}
}

// SetRotationHz sets the panning LFO rate. 0 disables the effect.
func (r *Rotation) SetRotationHz(hz float64) {
	if hz < 0 {
		hz = 0
	}
	r.rotationHz = hz
	r.osc.freqHz = hz
}

// IsActive reports whether this filter has any effect.
func (r *Rotation) IsActive() bool { return r.rotationHz != 0 }

// Process pans frame in place using a linear panning law.
func (r *Rotation) Process(frame []int16) {
	if !r.IsActive() {
		return
	}
	for i := 0; i < len(frame); i += Channels {
		pan := r.osc.next() // -1 (full left) .. +1 (full right)
		leftGain := (1 - pan) / 2
		rightGain := (1 + pan) / 2

		left := float64(frame[i])
		right := float64(frame[i+1])
		mono := (left + right) / 2

		frame[i] = clampInt16(mono * leftGain * 2)
		frame[i+1] = clampInt16(mono * rightGain * 2)
	}
}
