package filters

import "math"

// eqBands holds Discord's 15 fixed equalizer center frequencies (Hz).
var eqBands = [15]float64{
	25, 40, 63, 100, 160, 250, 400, 630, 1000, 1600, 2500, 4000, 6300, 10000, 16000,
}

// biquad is a direct-form-I peaking filter section computed per the RBJ
// cookbook. No third-party DSP package in the pack provides this; it is a
// standard, well-documented formula implemented directly on stdlib math.
type biquad struct {
	b0, b1, b2 float64
	a1, a2     float64

	// per-channel delay state
	x1, x2 [Channels]float64
	y1, y2 [Channels]float64
}

func newPeakingBiquad(centerHz, gainDB, q float64) biquad {
	a := math.Pow(10, gainDB/40)
	w0 := 2 * math.Pi * centerHz / SampleRate
	alpha := math.Sin(w0) / (2 * q)
	cosw0 := math.Cos(w0)

	b0 := 1 + alpha*a
	b1 := -2 * cosw0
	b2 := 1 - alpha*a
	a0 := 1 + alpha/a
	a1 := -2 * cosw0
	a2 := 1 - alpha/a

	return biquad{
		b0: b0 / a0,
		b1: b1 / a0,
		b2: b2 / a0,
		a1: a1 / a0,
		a2: a2 / a0,
	}
}

func (b *biquad) process(x float64, ch int) float64 {
	y := b.b0*x + b.b1*b.x1[ch] + b.b2*b.x2[ch] - b.a1*b.y1[ch] - b.a2*b.y2[ch]
	b.x2[ch] = b.x1[ch]
	b.x1[ch] = x
	b.y2[ch] = b.y1[ch]
	b.y1[ch] = y
	return y
}

// Equalizer is 15 fixed-frequency peaking biquads in series, per band gain
// in the Discord/Lavalink range [-0.25, 1.0].
type Equalizer struct {
	gains  [15]float64
	stages [15]biquad
	dirty  bool
}

// NewEqualizer returns an Equalizer with all bands flat (gain 0).
func NewEqualizer() *Equalizer {
	eq := &Equalizer{}
	eq.rebuild()
	return eq
}

// SetGain sets one band's gain, clamped to [-0.25, 1.0]. band is [0, 14].
func (eq *Equalizer) SetGain(band int, gain float64) {
	if band < 0 || band >= len(eqBands) {
		return
	}
	if gain < -0.25 {
		gain = -0.25
	}
	if gain > 1.0 {
		gain = 1.0
	}
	eq.gains[band] = gain
	eq.dirty = true
}

// IsActive reports whether any band is non-zero.
func (eq *Equalizer) IsActive() bool {
	for _, g := range eq.gains {
		if g != 0 {
			return true
		}
	}
	return false
}

func (eq *Equalizer) rebuild() {
	for i, freq := range eqBands {
		// Map the [-0.25, 1.0] gain range to dB for the RBJ formula; a
		// band-independent Q of 1.0 keeps bands from over-interacting.
		gainDB := eq.gains[i] * 12
		eq.stages[i] = newPeakingBiquad(freq, gainDB, 1.0)
	}
	eq.dirty = false
}

// Process runs frame through all 15 bands in series, in place.
func (eq *Equalizer) Process(frame []int16) {
	if !eq.IsActive() {
		return
	}
	if eq.dirty {
		eq.rebuild()
	}
	for i := 0; i < len(frame); i += Channels {
		for ch := 0; ch < Channels; ch++ {
			x := float64(frame[i+ch])
			for b := range eq.stages {
				x = eq.stages[b].process(x, ch)
			}
			frame[i+ch] = clampInt16(x)
		}
	}
}
