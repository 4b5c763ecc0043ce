package filters

// LowPass is a one-pole IIR smoother, grounded on noisegate.Gate's single
// persistent state variable per channel.
type LowPass struct {
	smoothing float64 // 0.0 (no smoothing) upward; higher attenuates more high frequency

	state [Channels]float64
}

// NewLowPass returns an inactive LowPass (smoothing 0).
func NewLowPass() *LowPass {
	return &LowPass{}
}

// SetSmoothing sets the pole coefficient. Values are clamped to [0, 0.999]
// to keep the filter stable.
func (lp *LowPass) SetSmoothing(smoothing float64) {
	if smoothing < 0 {
		smoothing = 0
	}
	if smoothing > 0.999 {
		smoothing = 0.999
	}
	lp.smoothing = smoothing
}

// IsActive reports whether this filter has any effect.
func (lp *LowPass) IsActive() bool { return lp.smoothing != 0 }

// Process smooths frame in place, one pole per channel.
func (lp *LowPass) Process(frame []int16) {
	if !lp.IsActive() {
		return
	}
	for i := 0; i < len(frame); i += Channels {
		for ch := 0; ch < Channels; ch++ {
			x := float64(frame[i+ch])
			y := lp.smoothing*lp.state[ch] + (1-lp.smoothing)*x
			lp.state[ch] = y
			frame[i+ch] = clampInt16(y)
		}
	}
}
