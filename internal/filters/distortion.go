package filters

import "math"

// Distortion is the eight-coefficient waveshaper from the Lavalink filter
// family: independent sin/cos/tan offset+scale pairs plus an overall
// offset and scale.
type Distortion struct {
	sinOffset, sinScale float64
	cosOffset, cosScale float64
	tanOffset, tanScale float64
	offset, scale       float64
}

// NewDistortion returns an identity Distortion (sin/cos/tan scales 1,
// offsets 0, overall offset 0, scale 1).
func NewDistortion() *Distortion {
	return &Distortion{sinScale: 1, cosScale: 1, tanScale: 1, scale: 1}
}

// Set assigns all eight coefficients at once, matching the wire shape this
// filter is configured from.
func (d *Distortion) Set(sinOffset, sinScale, cosOffset, cosScale, tanOffset, tanScale, offset, scale float64) {
	d.sinOffset, d.sinScale = sinOffset, sinScale
	d.cosOffset, d.cosScale = cosOffset, cosScale
	d.tanOffset, d.tanScale = tanOffset, tanScale
	d.offset, d.scale = offset, scale
}

// IsActive reports whether this filter differs from identity.
func (d *Distortion) IsActive() bool {
	return d.sinOffset != 0 || d.sinScale != 1 ||
		d.cosOffset != 0 || d.cosScale != 1 ||
		d.tanOffset != 0 || d.tanScale != 1 ||
		d.offset != 0 || d.scale != 1
}

// Process applies the waveshaper in place.
func (d *Distortion) Process(frame []int16) {
	if !d.IsActive() {
		return
	}
	for i, s := range frame {
		x := float64(s) / 32768.0

		shaped := math.Sin(x*d.sinScale+d.sinOffset) +
			math.Cos(x*d.cosScale+d.cosOffset) +
			math.Tan(x*d.tanScale+d.tanOffset)
		shaped = shaped*d.scale + d.offset

		frame[i] = clampInt16(shaped * 32768.0 / 3.0)
	}
}
