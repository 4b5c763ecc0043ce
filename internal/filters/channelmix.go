package filters

// ChannelMix applies a 2x2 linear cross-mix matrix to the stereo field.
type ChannelMix struct {
	leftToLeft, leftToRight   float64
	rightToLeft, rightToRight float64
}

// NewChannelMix returns an identity ChannelMix (no cross-mixing).
func NewChannelMix() *ChannelMix {
	return &ChannelMix{leftToLeft: 1, rightToRight: 1}
}

// SetCoefficients assigns all four mix coefficients.
func (c *ChannelMix) SetCoefficients(leftToLeft, leftToRight, rightToLeft, rightToRight float64) {
	c.leftToLeft = leftToLeft
	c.leftToRight = leftToRight
	c.rightToLeft = rightToLeft
	c.rightToRight = rightToRight
}

// IsActive reports whether this filter differs from identity.
func (c *ChannelMix) IsActive() bool {
	return c.leftToLeft != 1 || c.leftToRight != 0 || c.rightToLeft != 0 || c.rightToRight != 1
}

// Process cross-mixes frame in place.
func (c *ChannelMix) Process(frame []int16) {
	if !c.IsActive() {
		return
	}
	for i := 0; i < len(frame); i += Channels {
		left := float64(frame[i])
		right := float64(frame[i+1])

		frame[i] = clampInt16(left*c.leftToLeft + right*c.rightToLeft)
		frame[i+1] = clampInt16(left*c.leftToRight + right*c.rightToRight)
	}
}
