package filters

import "math"

// Karaoke attenuates the center (mono) channel content via band-limited
// mid/side subtraction, the standard "vocal remover" technique.
type Karaoke struct {
	level      float64 // 0.0-1.0, how much of the detected center to remove
	monoLevel  float64 // 0.0-1.0, how much residual mono signal to keep
	filterBand float64 // Hz, center of the band the removal is limited to
	filterWidth float64 // Hz, width of that band

	band biquad
}

// NewKaraoke returns a Karaoke filter configured to remove nothing (level 0).
func NewKaraoke() *Karaoke {
	k := &Karaoke{
		monoLevel:   1.0,
		filterBand:  220.0,
		filterWidth: 100.0,
	}
	k.rebuild()
	return k
}

// SetLevel sets the center-removal strength, clamped to [0.0, 1.0].
func (k *Karaoke) SetLevel(level float64) {
	k.level = clampUnit(level)
}

// SetMonoLevel sets how much residual mono signal survives after removal.
func (k *Karaoke) SetMonoLevel(level float64) {
	k.monoLevel = clampUnit(level)
}

// SetFilterBand sets the center frequency (Hz) the removal is limited to.
func (k *Karaoke) SetFilterBand(hz float64) {
	k.filterBand = hz
	k.rebuild()
}

// SetFilterWidth sets the bandwidth (Hz) around FilterBand.
func (k *Karaoke) SetFilterWidth(hz float64) {
	k.filterWidth = hz
	k.rebuild()
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1.0 {
		return 1.0
	}
	return v
}

func (k *Karaoke) rebuild() {
	q := k.filterBand / math.Max(k.filterWidth, 1)
	k.band = newPeakingBiquad(k.filterBand, 12, q)
}

// IsActive reports whether this filter removes anything.
func (k *Karaoke) IsActive() bool { return k.level != 0 }

// Process subtracts the band-limited center channel from both channels,
// in place. Only valid for stereo frames.
func (k *Karaoke) Process(frame []int16) {
	if !k.IsActive() {
		return
	}
	for i := 0; i < len(frame); i += Channels {
		left := float64(frame[i])
		right := float64(frame[i+1])
		center := (left + right) / 2

		filtered := k.band.process(center, 0)

		left = left - k.level*filtered + k.monoLevel*center*(1-k.level)
		right = right - k.level*filtered + k.monoLevel*center*(1-k.level)

		frame[i] = clampInt16(left)
		frame[i+1] = clampInt16(right)
	}
}
